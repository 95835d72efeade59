package quality

import (
	"fmt"
	"strings"
)

const reportHeader = "Healthcare Data Quality Report\n" +
	"==============================\n"

// GenerateReport renders the text summary of a result set: totals and
// per-status percentages, then one line per result in evaluation order.
func GenerateReport(results ResultSet) string {
	var b strings.Builder
	b.WriteString(reportHeader)

	c := results.Counts()
	fmt.Fprintf(&b, "Total Tests: %d\n", c.Total)
	if c.Total == 0 {
		b.WriteString("No results.")
		return b.String()
	}

	pct := func(n int) string {
		return fmt.Sprintf("%d (%.1f%%)", n, float64(n)/float64(c.Total)*100)
	}
	fmt.Fprintf(&b, "Passed: %s\n", pct(c.Success))
	fmt.Fprintf(&b, "Failed: %s\n", pct(c.Failed))
	fmt.Fprintf(&b, "Warnings: %s\n", pct(c.Warning))
	fmt.Fprintf(&b, "Aborted: %s\n", pct(c.Aborted))
	b.WriteString("\nDetailed Results:\n")

	for _, e := range results {
		fmt.Fprintf(&b, "\n%s %s: %s", e.Result.Status.Icon(), e.Key, e.Result.Message)
	}
	return b.String()
}
