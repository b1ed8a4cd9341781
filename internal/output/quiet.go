package output

import (
	"fmt"
	"io"

	"github.com/rohankatakam/cdegraph/internal/dlq"
	"github.com/rohankatakam/cdegraph/internal/pipeline"
	"github.com/rohankatakam/cdegraph/internal/validation"
)

// QuietFormatter outputs one line per stage (for cron jobs and hooks)
type QuietFormatter struct{}

func (f *QuietFormatter) Summary(s *pipeline.Summary, w io.Writer) error {
	for _, st := range s.Stages {
		status := "ok"
		switch {
		case st.Fatal != "":
			status = "FATAL"
		case st.Exceeded:
			status = "THRESHOLD"
		}
		fmt.Fprintf(w, "%s %s processed=%d errors=%.2f%%\n", st.Stage, status, st.Processed, st.ErrorRate*100)
	}
	return nil
}

func (f *QuietFormatter) Validation(r *validation.Report, w io.Writer) error {
	if r.Passed() {
		fmt.Fprintf(w, "consistent (%d checks)\n", len(r.Results))
		return nil
	}
	fmt.Fprintf(w, "INCONSISTENT: %d of %d checks below %.1f%%\n", len(r.Failed()), len(r.Results), r.Threshold)
	return nil
}

func (f *QuietFormatter) Failures(entries []dlq.Entry, _ []dlq.Stats, w io.Writer) error {
	fmt.Fprintf(w, "%d unresolved failures\n", len(entries))
	return nil
}
