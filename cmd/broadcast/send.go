package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/broadcast/internal/app"
	"github.com/foxzi/broadcast/internal/campaign"
)

var (
	sendChannel    string
	sendRecipients string
	sendTemplate   string
	sendBindings   []string
	sendCommunity  string
	sendMediaLink  string
	sendYes        bool
	sendVerbose    bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Run one campaign from the command line",
	Long: `Runs a campaign through the same steps as the API: recipients, template,
preview and confirmation. Recipients are read from a JSON array of
{"id", "display_name", "email", "phone"} objects.

Bindings are given as <index>=<source>, for example:
  --bind 1=firstName --bind 2=communityName --bind "3=freeText:See you soon"`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendChannel, "channel", "whatsapp", "Channel (whatsapp or email)")
	sendCmd.Flags().StringVar(&sendRecipients, "recipients", "", "JSON recipients file, - for stdin (required)")
	sendCmd.Flags().StringVar(&sendTemplate, "template", "", "Template id or name (required)")
	sendCmd.Flags().StringArrayVar(&sendBindings, "bind", nil, "Placeholder binding, repeatable")
	sendCmd.Flags().StringVar(&sendCommunity, "community", "", "Community name (default from config)")
	sendCmd.Flags().StringVar(&sendMediaLink, "media", "", "Header media link for templates with a media header")
	sendCmd.Flags().BoolVarP(&sendYes, "yes", "y", false, "Send without asking for confirmation")
	sendCmd.Flags().BoolVarP(&sendVerbose, "verbose", "v", false, "Log engine activity to stderr")
	sendCmd.MarkFlagRequired("recipients")
	sendCmd.MarkFlagRequired("template")

	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	if err := checkPromptInput(sendRecipients, sendYes); err != nil {
		return err
	}

	ch, err := campaign.ParseChannel(sendChannel)
	if err != nil {
		return err
	}

	recipients, err := loadRecipients(sendRecipients)
	if err != nil {
		return err
	}

	bindings, err := parseBindings(sendBindings)
	if err != nil {
		return err
	}

	cfg, db, err := openStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	// every step below is an explicit request, nothing to debounce
	cfg.Campaign.MinTransitionInterval = 0
	cfg.Campaign.AutoCloseDelay = 0

	level := slog.LevelWarn
	if sendVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	engine, err := app.NewEngine(cfg, db, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	composer, err := engine.NewComposer(ch, sendCommunity)
	if err != nil {
		return err
	}
	composer.Open()
	defer composer.Close()

	ctx := cmd.Context()
	if err := composeRun(ctx, composer, recipients, sendTemplate, bindings, sendMediaLink); err != nil {
		return err
	}

	preview, err := composer.Preview()
	if err != nil {
		return err
	}
	printPreview(preview)

	// PREVIEW -> CONFIRM computes pricing
	if _, err := composer.Next(ctx); err != nil {
		return err
	}
	snap := composer.Snapshot()
	if p := snap.Pricing; p != nil {
		fmt.Printf("\nRecipients: %d\n", p.RecipientCount)
		fmt.Printf("Estimate:   %.4f %s (%s, %.4f per message)\n", p.TotalCost, p.Currency, p.Source, p.MessageRate)
	}
	if engine.Limiter != nil {
		if n := engine.Limiter.Remaining(ch); n >= 0 {
			fmt.Printf("Quota:      %d messages left\n", n)
		}
	}

	if !sendYes && !confirm(os.Stdin, fmt.Sprintf("Send to %d recipients?", snap.RecipientCount)) {
		fmt.Println("Aborted")
		return nil
	}

	report, err := composer.Send(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("\nRun %s: %d sent, %d failed\n\n", report.RunID, report.Successful(), report.Failed())
	printResults(report.Results, false)
	if report.Failed() > 0 {
		return fmt.Errorf("%d of %d messages failed", report.Failed(), len(report.Results))
	}
	return nil
}

// composeRun drives the composer from RECIPIENTS to PREVIEW
func composeRun(ctx context.Context, c *campaign.Composer, recipients []campaign.Recipient, template string, bindings []campaign.Binding, mediaLink string) error {
	if err := c.SetRecipients(recipients); err != nil {
		return err
	}
	if _, err := c.Next(ctx); err != nil {
		return err
	}

	list, state, err := c.LoadTemplates(ctx)
	if err != nil {
		return err
	}
	if state == campaign.TemplatesFailed {
		return fmt.Errorf("failed to load %s templates", sendChannel)
	}

	id := ""
	for _, t := range list {
		if t.ID == template || strings.EqualFold(t.Name, template) {
			id = t.ID
			break
		}
	}
	if id == "" {
		return fmt.Errorf("template not found: %s", template)
	}

	if _, err := c.SelectTemplate(id); err != nil {
		return err
	}
	if len(bindings) > 0 {
		if err := c.SetBindings(bindings); err != nil {
			return err
		}
	}
	if mediaLink != "" {
		if err := c.SetHeaderMedia(mediaLink); err != nil {
			return err
		}
	}

	_, err = c.Next(ctx)
	return err
}

// checkPromptInput rejects reading recipients from stdin when the
// confirmation prompt would need stdin too
func checkPromptInput(recipients string, yes bool) error {
	if recipients == "-" && !yes {
		return fmt.Errorf("--yes is required when recipients are read from stdin")
	}
	return nil
}

func loadRecipients(path string) ([]campaign.Recipient, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open recipients file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var recipients []campaign.Recipient
	if err := json.NewDecoder(r).Decode(&recipients); err != nil {
		return nil, fmt.Errorf("failed to parse recipients: %w", err)
	}
	return recipients, nil
}

// parseBindings parses <index>=<source>[:<text>] arguments
func parseBindings(args []string) ([]campaign.Binding, error) {
	out := make([]campaign.Binding, 0, len(args))
	for _, arg := range args {
		idx, def, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("invalid binding %q: want <index>=<source>", arg)
		}
		index, err := strconv.Atoi(strings.TrimSpace(idx))
		if err != nil || index < 1 {
			return nil, fmt.Errorf("invalid binding %q: index must be a positive number", arg)
		}

		kind, value, _ := strings.Cut(def, ":")
		src, err := campaign.NewSource(campaign.SourceKind(strings.TrimSpace(kind)), value)
		if err != nil {
			return nil, fmt.Errorf("invalid binding %q: %w", arg, err)
		}
		out = append(out, campaign.Binding{Index: index, Source: src})
	}
	return out, nil
}

func printPreview(p campaign.Preview) {
	fmt.Printf("Preview for %s\n", p.RecipientName)
	fmt.Println(strings.Repeat("-", 40))
	if p.Subject != "" {
		fmt.Printf("Subject: %s\n\n", p.Subject)
	}
	if p.Header != "" {
		fmt.Println(p.Header)
	}
	fmt.Println(p.Body)
	if p.Footer != "" {
		fmt.Println(p.Footer)
	}
	fmt.Println(strings.Repeat("-", 40))
}

func confirm(in io.Reader, question string) bool {
	fmt.Printf("%s [y/N] ", question)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
