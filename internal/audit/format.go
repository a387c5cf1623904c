package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders entries as a human-readable text timeline.
func FormatTimeline(entries []Entry) string {
	if len(entries) == 0 {
		return "No audit entries found.\n"
	}

	var b strings.Builder

	first := formatDateRange(entries[0].Timestamp)
	last := formatTimeOnly(entries[len(entries)-1].Timestamp)
	b.WriteString(fmt.Sprintf("Audit: %d entries | %s–%s UTC\n", len(entries), first, last))
	b.WriteString(separator + "\n")

	for _, e := range entries {
		ts := formatTimeOnly(e.Timestamp)
		if e.Type == TypeSecurityEvent {
			b.WriteString(fmt.Sprintf("%-10s %-3s %-22s %-18s %-40s  [security:%s]\n",
				ts, "--", strings.ToUpper(e.Event), "", truncate(e.Reason, 40), e.Severity))
			continue
		}
		b.WriteString(fmt.Sprintf("%-10s T%-2d %-22s %-18s %-40s\n",
			ts, e.Risk, strings.ToUpper(e.Outcome), truncate(e.Action, 18), truncate(e.Reason, 40)))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(Summarize(entries, time.Time{})))
	return b.String()
}

// FormatStats renders aggregated statistics as a text report.
func FormatStats(s *Stats) string {
	var b strings.Builder
	if s.Since != "" {
		b.WriteString(fmt.Sprintf("Since:            %s\n", s.Since))
	}
	b.WriteString(fmt.Sprintf("Total entries:    %d\n", s.Total))
	b.WriteString(fmt.Sprintf("Action outcomes:  %d\n", s.Actions))
	b.WriteString(fmt.Sprintf("Success rate:     %.1f%%\n", s.SuccessRate*100))
	b.WriteString(fmt.Sprintf("Security events:  %d\n", s.SecurityEvents))

	writeCounts(&b, "By outcome", s.ByOutcome)
	writeCounts(&b, "By risk", s.ByRisk)
	writeCounts(&b, "By action", s.ByAction)
	writeCounts(&b, "By agent", s.ByAgent)
	writeCounts(&b, "By trigger", s.ByTrigger)
	return b.String()
}

func writeCounts(b *strings.Builder, title string, m map[string]int) {
	if len(m) == 0 {
		return
	}
	b.WriteString("\n" + title + ":\n")
	for _, k := range sortedCounts(m) {
		label := k
		if label == "" {
			label = "(none)"
		}
		b.WriteString(fmt.Sprintf("  %-24s %d\n", label, m[k]))
	}
}

// FormatJSON renders v as indented JSON.
func FormatJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal audit output: %w", err)
	}
	return string(data), nil
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s *Stats) string {
	var parts []string
	for _, k := range sortedCounts(s.ByOutcome) {
		parts = append(parts, fmt.Sprintf("%d %s", s.ByOutcome[k], k))
	}
	return fmt.Sprintf("Summary: %s | Success rate: %.0f%%\n",
		strings.Join(parts, ", "), s.SuccessRate*100)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
