package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/broadcast/internal/campaign"
	"github.com/foxzi/broadcast/internal/sendlog"
)

var (
	reportsChannel string
	reportsLimit   int
	reportsFailed  bool
)

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Dispatch report commands",
}

var reportsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List logged dispatches, newest first",
	RunE:  runReportsList,
}

var reportsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the per-recipient results of a dispatch",
	Args:  cobra.ExactArgs(1),
	RunE:  runReportsShow,
}

func init() {
	reportsListCmd.Flags().StringVar(&reportsChannel, "channel", "", "Filter by channel")
	reportsListCmd.Flags().IntVar(&reportsLimit, "limit", 20, "Maximum number of reports")
	reportsShowCmd.Flags().BoolVar(&reportsFailed, "failed", false, "Only show failed recipients")

	reportsCmd.AddCommand(reportsListCmd, reportsShowCmd)
	rootCmd.AddCommand(reportsCmd)
}

func getReportLog() (*sendlog.Log, func(), error) {
	_, db, err := openStorage()
	if err != nil {
		return nil, nil, err
	}

	l, err := sendlog.New(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to open report log: %w", err)
	}
	return l, func() { db.Close() }, nil
}

func runReportsList(cmd *cobra.Command, args []string) error {
	filter := sendlog.ListFilter{Limit: reportsLimit}
	if reportsChannel != "" {
		ch, err := campaign.ParseChannel(reportsChannel)
		if err != nil {
			return err
		}
		filter.Channel = ch
	}

	l, cleanup, err := getReportLog()
	if err != nil {
		return err
	}
	defer cleanup()

	entries, err := l.List(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("failed to list reports: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No reports found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tCHANNEL\tTEMPLATE\tRECIPIENTS\tSENT\tFAILED\tCREATED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			e.ID,
			e.Channel,
			truncate(e.TemplateName, 30),
			e.Recipients,
			e.Successful,
			e.Failed,
			e.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()

	stats, err := l.Stats(cmd.Context())
	if err == nil {
		fmt.Printf("\nTotal: %d reports, %d sent, %d failed\n", stats.Reports, stats.Successful, stats.Failed)
	}
	return nil
}

func runReportsShow(cmd *cobra.Command, args []string) error {
	l, cleanup, err := getReportLog()
	if err != nil {
		return err
	}
	defer cleanup()

	e, err := l.Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get report: %w", err)
	}

	fmt.Printf("Run:        %s\n", e.ID)
	fmt.Printf("Channel:    %s\n", e.Channel)
	fmt.Printf("Template:   %s (%s)\n", e.TemplateName, e.TemplateID)
	if e.CommunityName != "" {
		fmt.Printf("Community:  %s\n", e.CommunityName)
	}
	fmt.Printf("Created:    %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Recipients: %d (%d sent, %d failed)\n\n", e.Recipients, e.Successful, e.Failed)

	printResults(e.Results, reportsFailed)
	return nil
}

func printResults(results []campaign.DeliveryResult, failedOnly bool) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECIPIENT\tADDRESS\tSTATUS\tDETAIL")
	for _, r := range results {
		if failedOnly && r.Status == campaign.StatusSent {
			continue
		}
		address := r.Address
		if address == "" {
			address = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.RecipientName, address, r.Status, r.ErrorDetail)
	}
	w.Flush()
}
