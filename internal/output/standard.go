package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rohankatakam/cdegraph/internal/dlq"
	"github.com/rohankatakam/cdegraph/internal/metrics"
	"github.com/rohankatakam/cdegraph/internal/pipeline"
	"github.com/rohankatakam/cdegraph/internal/validation"
)

// TextFormatter prints aligned tables (default)
type TextFormatter struct{}

func (f *TextFormatter) Summary(s *pipeline.Summary, w io.Writer) error {
	fmt.Fprintf(w, "Run %s (%s)\n\n", s.RunID, time.Duration(s.DurationMS)*time.Millisecond)

	for _, st := range s.Stages {
		status := "ok"
		switch {
		case st.Fatal != "":
			status = "FATAL: " + st.Fatal
		case st.Exceeded:
			status = fmt.Sprintf("error rate above %.2f%%", s.MaxErrorRate*100)
		}
		fmt.Fprintf(w, "%s  processed=%d  errors=%.2f%%  %s  [%s]\n",
			st.Stage, st.Processed, st.ErrorRate*100,
			time.Duration(st.DurationMS)*time.Millisecond, status)

		if len(st.Counts) > 0 {
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			outcomes := usedOutcomes(st.Counts)
			header := []string{"  scope"}
			for _, o := range outcomes {
				header = append(header, string(o))
			}
			fmt.Fprintln(tw, strings.Join(header, "\t"))
			for _, scope := range sortedKeys(st.Counts) {
				row := []string{"  " + scope}
				for _, o := range outcomes {
					row = append(row, fmt.Sprintf("%d", st.Counts[scope][o]))
				}
				fmt.Fprintln(tw, strings.Join(row, "\t"))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
		}
		if len(st.Categories) > 0 {
			var parts []string
			for _, c := range sortedKeys(st.Categories) {
				parts = append(parts, fmt.Sprintf("%s=%d", c, st.Categories[c]))
			}
			fmt.Fprintf(w, "  categories: %s\n", strings.Join(parts, " "))
		}
		fmt.Fprintln(w)
	}
	return nil
}

func (f *TextFormatter) Validation(r *validation.Report, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "check\tstore\tgraph\tcoverage\tresult")
	for _, res := range r.Results {
		result := "ok"
		if !res.PassedThreshold {
			result = "FAIL"
			if res.Advisory {
				result = "advisory"
			}
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f%%\t%s\n", res.EntityType, res.StoreCount, res.GraphCount, res.VariancePercent, result)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if r.Passed() {
		fmt.Fprintf(w, "\nGraph is consistent with the schema store (threshold %.1f%%)\n", r.Threshold)
	} else {
		fmt.Fprintf(w, "\n%d checks below the %.1f%% threshold\n", len(r.Failed()), r.Threshold)
	}
	return nil
}

func (f *TextFormatter) Failures(entries []dlq.Entry, stats []dlq.Stats, w io.Writer) error {
	if len(stats) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "stage\tcategory\tcount")
		for _, s := range stats {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", s.Stage, s.Category, s.Count)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No unresolved failures")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "stage\tcategory\tkey\tretries\tupdated\terror")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Stage, e.Category, e.EntityKey, e.RetryCount,
			e.UpdatedAt.Format(time.RFC3339), truncate(e.ErrorMessage, 80))
	}
	return tw.Flush()
}

// usedOutcomes returns the outcomes present in counts, in reporting order.
func usedOutcomes(counts map[string]map[metrics.Outcome]int64) []metrics.Outcome {
	var out []metrics.Outcome
	for _, o := range metrics.Outcomes() {
		for _, m := range counts {
			if m[o] != 0 {
				out = append(out, o)
				break
			}
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
