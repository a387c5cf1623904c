package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/actiongate/internal/audit"
)

var (
	tailLines    int
	statsWindow  time.Duration
	reportWindow time.Duration
	reportFormat string
	searchLimit  int
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditStatsCmd)
	auditCmd.AddCommand(auditReportCmd)
	auditCmd.AddCommand(auditSearchCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditStatsCmd.Flags().DurationVar(&statsWindow, "window", 24*time.Hour, "Aggregate entries newer than this (0 = whole log)")
	auditReportCmd.Flags().DurationVar(&reportWindow, "window", 24*time.Hour, "Report entries newer than this (0 = whole log)")
	auditReportCmd.Flags().StringVarP(&reportFormat, "format", "f", "text", "Output format (text|json)")
	auditSearchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 50, "Maximum entries to show, newest last (0 = all)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit log.\nThe path defaults to audit.path from the config.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of an audit log",
	Long:  "Walks the JSONL audit log and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show recent audit log entries",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTail,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats [path]",
	Short: "Aggregate outcomes by kind, risk, action, agent and trigger",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditStats,
}

var auditReportCmd = &cobra.Command{
	Use:   "report [path]",
	Short: "Render a timeline of recent entries",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditReport,
}

var auditSearchCmd = &cobra.Command{
	Use:   "search <text> [path]",
	Short: "Find entries containing text",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runAuditSearch,
}

func auditPath(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Audit.Path, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	result := audit.Verify(path)
	if result.Valid {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "OK: %d entries verified (%d actions, %d security events)\n",
			result.Lines, result.Actions, result.SecurityEvents)
		for _, warn := range result.Warnings {
			fmt.Fprintf(w, "WARN line %d: %s\n", warn.Line, warn.Message)
		}
		return nil
	}
	return &exitError{code: 1, err: fmt.Errorf("FAILED at line %d: %s", result.ErrorLine, result.Error)}
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	entries, err := audit.Tail(path, tailLines)
	if err != nil {
		return err
	}
	return printEntries(cmd.OutOrStdout(), entries)
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	since := windowStart(statsWindow)
	entries, err := audit.ReadSince(path, nil, since)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), audit.FormatStats(audit.Summarize(entries, since)))
	return nil
}

func runAuditReport(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	since := windowStart(reportWindow)
	entries, err := audit.ReadSince(path, nil, since)
	if err != nil {
		return err
	}
	if reportFormat == "json" {
		out, err := audit.FormatJSON(map[string]any{
			"entries": entries,
			"stats":   audit.Summarize(entries, since),
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), audit.FormatTimeline(entries))
	return nil
}

func runAuditSearch(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args[1:])
	if err != nil {
		return err
	}
	entries, err := audit.Search(path, args[0], searchLimit)
	if err != nil {
		return err
	}
	return printEntries(cmd.OutOrStdout(), entries)
}

func windowStart(window time.Duration) time.Time {
	if window <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-window)
}

func printEntries(w io.Writer, entries []audit.Entry) error {
	for _, e := range entries {
		out, err := json.MarshalIndent(e, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(out))
	}
	return nil
}
