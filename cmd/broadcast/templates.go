package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/broadcast/internal/campaign"
	"github.com/foxzi/broadcast/internal/templates"
	"github.com/foxzi/broadcast/internal/whatsapp"
)

var (
	templateChannel     string
	templateName        string
	templateDescription string
	templateSubject     string
	templateHTMLFile    string
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Template management commands",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates of a channel",
	RunE:  runTemplatesList,
}

var templatesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an email template",
	RunE:  runTemplatesAdd,
}

var templatesDeleteCmd = &cobra.Command{
	Use:   "delete <id|name>",
	Short: "Delete an email template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplatesDelete,
}

func init() {
	templatesListCmd.Flags().StringVar(&templateChannel, "channel", "email", "Channel (whatsapp or email)")

	templatesAddCmd.Flags().StringVar(&templateName, "name", "", "Template name (required)")
	templatesAddCmd.Flags().StringVar(&templateDescription, "description", "", "Template description")
	templatesAddCmd.Flags().StringVar(&templateSubject, "subject", "", "Subject, may contain {{n}} markers (required)")
	templatesAddCmd.Flags().StringVar(&templateHTMLFile, "html", "", "HTML body file (required)")
	templatesAddCmd.MarkFlagRequired("name")
	templatesAddCmd.MarkFlagRequired("subject")
	templatesAddCmd.MarkFlagRequired("html")

	templatesCmd.AddCommand(templatesListCmd, templatesAddCmd, templatesDeleteCmd)
	rootCmd.AddCommand(templatesCmd)
}

func getTemplateStorage() (*templates.Storage, func(), error) {
	_, db, err := openStorage()
	if err != nil {
		return nil, nil, err
	}

	storage, err := templates.NewStorage(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create template storage: %w", err)
	}

	return storage, func() { db.Close() }, nil
}

func runTemplatesList(cmd *cobra.Command, args []string) error {
	ch, err := campaign.ParseChannel(templateChannel)
	if err != nil {
		return err
	}

	if ch == campaign.ChannelWhatsApp {
		return listWhatsAppTemplates(cmd)
	}

	storage, cleanup, err := getTemplateStorage()
	if err != nil {
		return err
	}
	defer cleanup()

	list, err := storage.List(cmd.Context(), templates.ListFilter{})
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No templates found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSUBJECT\tPLACEHOLDERS\tVERSION\tUPDATED")
	for _, tmpl := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			tmpl.ID[:8],
			tmpl.Name,
			truncate(tmpl.Subject, 40),
			len(tmpl.Placeholders()),
			tmpl.Version,
			tmpl.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d templates\n", len(list))
	return nil
}

func listWhatsAppTemplates(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.WhatsApp.Enabled() {
		return fmt.Errorf("whatsapp is not configured")
	}

	client := whatsapp.NewClient(whatsapp.Config{
		BaseURL: cfg.WhatsApp.BaseURL,
		APIKey:  cfg.WhatsApp.APIKey,
		Timeout: cfg.WhatsApp.Timeout,
	})
	list, err := client.ListTemplates(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No approved templates found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLANGUAGE\tCATEGORY\tPLACEHOLDERS\tHEADER")
	for i := range list {
		tmpl := &list[i]
		header := tmpl.HeaderMediaFormat()
		if header == "" {
			header = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			tmpl.ID,
			tmpl.Name,
			tmpl.Language,
			tmpl.Category,
			len(campaign.DerivePlaceholders(tmpl)),
			header,
		)
	}
	w.Flush()
	return nil
}

func runTemplatesAdd(cmd *cobra.Command, args []string) error {
	html, err := os.ReadFile(templateHTMLFile)
	if err != nil {
		return fmt.Errorf("failed to read HTML file: %w", err)
	}

	storage, cleanup, err := getTemplateStorage()
	if err != nil {
		return err
	}
	defer cleanup()

	tmpl := &templates.EmailTemplate{
		Name:        templateName,
		Description: templateDescription,
		Subject:     templateSubject,
		HTML:        string(html),
	}
	if err := storage.Create(cmd.Context(), tmpl); err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}

	fmt.Printf("Template created successfully\n")
	fmt.Printf("  ID:           %s\n", tmpl.ID)
	fmt.Printf("  Name:         %s\n", tmpl.Name)
	fmt.Printf("  Placeholders: %v\n", tmpl.Placeholders())
	return nil
}

func runTemplatesDelete(cmd *cobra.Command, args []string) error {
	storage, cleanup, err := getTemplateStorage()
	if err != nil {
		return err
	}
	defer cleanup()

	id := args[0]
	if _, err := storage.Get(cmd.Context(), id); errors.Is(err, templates.ErrNotFound) {
		tmpl, err := storage.GetByName(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("template not found: %s", id)
		}
		id = tmpl.ID
	}

	if err := storage.Delete(cmd.Context(), id); err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}

	fmt.Printf("Template %s deleted\n", args[0])
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
