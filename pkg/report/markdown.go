package report

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/defrances/reportoor/pkg/result"
	units "github.com/docker/go-units"
)

// trendRows is how many trailing runs the markdown trend table shows.
const trendRows = 10

// Markdown renders a CI summary of m. The failed tests section comes last
// and is truncated so the output stays within maxChars; zero means no cap.
func Markdown(m *Model, maxChars int) string {
	var sb strings.Builder

	sb.Grow(4096)

	writeTitle(&sb, m)
	writeOverview(&sb, m)
	writeStatusCounts(&sb, &m.Summary)
	writeSeverityCounts(&sb, &m.Summary)
	writeTrend(&sb, m.Trend)
	writeFlakyTests(&sb, m.Tests)
	writeFailedTests(&sb, m.Tests, maxChars)

	return sb.String()
}

func writeTitle(sb *strings.Builder, m *Model) {
	fmt.Fprintf(sb, "# Test Report: %s\n\n", m.RunID)
}

func writeOverview(sb *strings.Builder, m *Model) {
	s := &m.Summary

	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	if m.Timestamp > 0 {
		t := time.UnixMilli(m.Timestamp).UTC()
		fmt.Fprintf(sb, "| Started | %s |\n", t.Format("2006-01-02 15:04:05 UTC"))
	}

	fmt.Fprintf(sb, "| Tests | %d |\n", s.Total)
	fmt.Fprintf(sb, "| Pass Rate | %s |\n", formatPercent(s.PassRate))

	if len(m.Trend) > 1 {
		fmt.Fprintf(sb, "| Trend | %s |\n", formatDelta(s.TrendDelta))
	}

	fmt.Fprintf(sb, "| Total Duration | %s |\n", formatMillis(s.Duration))
	fmt.Fprintf(sb, "| Average Duration | %s |\n", formatMillis(s.AverageDuration))
	fmt.Fprintf(sb, "| Flaky | %d |\n", s.Flaky)
	fmt.Fprintf(sb, "| Retried | %d |\n", s.Retried)
	fmt.Fprintf(sb, "| New Failures | %d |\n", s.NewFailed+s.NewBroken)
	fmt.Fprintf(sb, "| Records Processed | %d |\n", s.Processed)
	fmt.Fprintf(sb, "| Records Skipped | %d |\n", s.SkippedRecords)

	sb.WriteByte('\n')
}

func writeStatusCounts(sb *strings.Builder, s *Summary) {
	sb.WriteString("## Test Results\n\n")
	sb.WriteString("| Total | Passed | Failed | Broken | Skipped | Unknown |\n")
	sb.WriteString("|---|---|---|---|---|---|\n")
	fmt.Fprintf(sb, "| %d | %d | %d | %d | %d | %d |\n\n",
		s.Total,
		s.ByStatus[result.StatusPassed],
		s.ByStatus[result.StatusFailed],
		s.ByStatus[result.StatusBroken],
		s.ByStatus[result.StatusSkipped],
		s.ByStatus[result.StatusUnknown],
	)
}

func writeSeverityCounts(sb *strings.Builder, s *Summary) {
	if len(s.BySeverity) == 0 {
		return
	}

	sb.WriteString("## Severity\n\n")
	sb.WriteString("| Severity | Tests |\n")
	sb.WriteString("|---|---|\n")

	for _, sev := range []string{
		result.SeverityBlocker,
		result.SeverityCritical,
		result.SeverityNormal,
		result.SeverityMinor,
		result.SeverityTrivial,
	} {
		if n := s.BySeverity[sev]; n > 0 {
			fmt.Fprintf(sb, "| %s | %d |\n", sev, n)
		}
	}

	sb.WriteByte('\n')
}

func writeTrend(sb *strings.Builder, trend []TrendPoint) {
	if len(trend) < 2 {
		return
	}

	sb.WriteString("## History Trend\n\n")
	sb.WriteString("| Run | Started | Passed | Failed | Broken | Skipped | Pass Rate |\n")
	sb.WriteString("|---|---|---|---|---|---|---|\n")

	for _, p := range trend[max(0, len(trend)-trendRows):] {
		started := "-"
		if p.Timestamp > 0 {
			started = time.UnixMilli(p.Timestamp).UTC().Format("2006-01-02 15:04")
		}

		fmt.Fprintf(sb, "| `%s` | %s | %d | %d | %d | %d | %s |\n",
			p.RunID, started, p.Passed, p.Failed, p.Broken, p.Skipped,
			formatPercent(p.PassRate),
		)
	}

	sb.WriteByte('\n')
}

func writeFlakyTests(sb *strings.Builder, tests []TestCase) {
	var flaky []*TestCase

	for i := range tests {
		if tests[i].Stats != nil && tests[i].Stats.Flaky {
			flaky = append(flaky, &tests[i])
		}
	}

	if len(flaky) == 0 {
		return
	}

	slices.SortFunc(flaky, func(a, b *TestCase) int {
		return strings.Compare(a.Name, b.Name)
	})

	sb.WriteString("## Flaky Tests\n\n")
	sb.WriteString("| Test | Attempts | Pass Rate |\n")
	sb.WriteString("|---|---|---|\n")

	for _, tc := range flaky {
		fmt.Fprintf(sb, "| %s | %s | %s |\n",
			escapeCell(tc.Name), formatAttempts(tc), formatPercent(tc.Stats.PassRate))
	}

	sb.WriteByte('\n')
}

func writeFailedTests(sb *strings.Builder, tests []TestCase, maxChars int) {
	var failed []*TestCase

	for i := range tests {
		if tests[i].Status.IsFailure() {
			failed = append(failed, &tests[i])
		}
	}

	if len(failed) == 0 {
		return
	}

	slices.SortFunc(failed, func(a, b *TestCase) int {
		return strings.Compare(a.Name, b.Name)
	})

	sb.WriteString("## Failed Tests\n\n")
	sb.WriteString("| Test | Status | Message |\n")
	sb.WriteString("|---|---|---|\n")

	// Reserve space for the truncation message.
	const reserveChars = 100

	for i, tc := range failed {
		row := fmt.Sprintf("| %s | %s | %s |\n",
			escapeCell(tc.Name), tc.Status, escapeCell(firstLine(tc.Message)))

		if maxChars > 0 && sb.Len()+len(row)+reserveChars > maxChars {
			fmt.Fprintf(sb,
				"\n*%d more failed test(s) not shown "+
					"(output truncated at %d chars)*\n",
				len(failed)-i, maxChars)

			return
		}

		sb.WriteString(row)
	}
}

func formatAttempts(tc *TestCase) string {
	parts := make([]string, 0, len(tc.PriorStatuses)+1)
	for _, s := range tc.PriorStatuses {
		parts = append(parts, string(s))
	}

	parts = append(parts, string(tc.Status))

	return strings.Join(parts, " → ")
}

// formatMillis renders a millisecond duration for humans.
func formatMillis(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return d.String()
	}

	return fmt.Sprintf("%s (%s)", d.Round(time.Second), units.HumanDuration(d))
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

func formatDelta(v float64) string {
	return fmt.Sprintf("%+.1f pp", v*100)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")

	return line
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
