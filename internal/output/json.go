package output

import (
	"encoding/json"
	"io"

	"github.com/rohankatakam/cdegraph/internal/dlq"
	"github.com/rohankatakam/cdegraph/internal/pipeline"
	"github.com/rohankatakam/cdegraph/internal/validation"
)

// JSONFormatter writes indented JSON documents.
type JSONFormatter struct{}

func (f *JSONFormatter) Summary(s *pipeline.Summary, w io.Writer) error {
	return encode(w, s)
}

func (f *JSONFormatter) Validation(r *validation.Report, w io.Writer) error {
	return encode(w, struct {
		*validation.Report
		Passed bool `json:"passed"`
	}{r, r.Passed()})
}

func (f *JSONFormatter) Failures(entries []dlq.Entry, stats []dlq.Stats, w io.Writer) error {
	if entries == nil {
		entries = []dlq.Entry{}
	}
	return encode(w, struct {
		Stats   []dlq.Stats `json:"stats,omitempty"`
		Entries []dlq.Entry `json:"entries"`
	}{stats, entries})
}

func encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
