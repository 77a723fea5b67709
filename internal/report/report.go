package report

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/andresmejia3/cutout/internal/types"
	"github.com/andresmejia3/cutout/internal/utils"
)

const rule = "---------------------------------------------------------"

// NewBatchID returns a sortable, unique id for one run.
func NewBatchID() string {
	return ksuid.New().String()
}

// Summarize reduces results to counts and the failed entries, in their original order.
// It does not fill BatchID or the timestamps.
func Summarize(results []types.ItemResult) types.BatchSummary {
	s := types.BatchSummary{Total: len(results), Failures: []types.ItemResult{}}
	for _, r := range results {
		if r.Success {
			s.Succeeded++
			continue
		}
		s.Failures = append(s.Failures, r)
	}
	s.Failed = s.Total - s.Succeeded
	return s
}

// Print writes the human-readable summary.
func Print(w io.Writer, s types.BatchSummary) {
	fmt.Fprintf(w, "\n%s\n", rule)
	fmt.Fprint(w, "📊 BATCH SUMMARY")
	if s.BatchID != "" {
		fmt.Fprintf(w, " (%s)", s.BatchID)
	}
	fmt.Fprintf(w, "\n%s\n", rule)

	fmt.Fprintf(w, "🖼️  Total:       %d\n", s.Total)
	fmt.Fprintf(w, "✅ Succeeded:   %d\n", s.Succeeded)
	fmt.Fprintf(w, "❌ Failed:      %d\n", s.Failed)
	if !s.StartedAt.IsZero() && !s.FinishedAt.IsZero() {
		fmt.Fprintf(w, "⏱️  Elapsed:     %s\n", s.FinishedAt.Sub(s.StartedAt).Round(10*time.Millisecond))
	}

	if len(s.Failures) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "INPUT\tERROR")
		fmt.Fprintln(tw, "-----\t-----")
		for _, f := range s.Failures {
			fmt.Fprintf(tw, "%s\t%s\n", f.InputPath, f.Error)
		}
		tw.Flush()
	}
	fmt.Fprintf(w, "%s\n", rule)
}

// WriteJSON stores the summary at path. The file is replaced atomically.
func WriteJSON(path string, s types.BatchSummary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	data = append(data, '\n')
	if err := utils.WriteBytesAtomic(path, data); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
