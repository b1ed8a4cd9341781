// Package output renders run summaries, validation reports and the failure
// ledger for the command line.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rohankatakam/cdegraph/internal/dlq"
	"github.com/rohankatakam/cdegraph/internal/pipeline"
	"github.com/rohankatakam/cdegraph/internal/validation"
)

// Formatter defines output formatting interface
type Formatter interface {
	Summary(s *pipeline.Summary, w io.Writer) error
	Validation(r *validation.Report, w io.Writer) error
	Failures(entries []dlq.Entry, stats []dlq.Stats, w io.Writer) error
}

// Format selects a formatter.
type Format string

const (
	FormatQuiet Format = "quiet" // one line per stage
	FormatText  Format = "text"  // tables
	FormatJSON  Format = "json"  // machine readable
)

// ParseFormat accepts quiet, text or json. Empty selects DefaultFormat.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultFormat(), nil
	case FormatQuiet:
		return FormatQuiet, nil
	case FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q (expected quiet, text or json)", s)
}

// NewFormatter creates appropriate formatter based on format
func NewFormatter(f Format) Formatter {
	switch f {
	case FormatQuiet:
		return &QuietFormatter{}
	case FormatJSON:
		return &JSONFormatter{}
	default:
		return &TextFormatter{}
	}
}

// DefaultFormat returns appropriate default based on environment
func DefaultFormat() Format {
	if os.Getenv("CDEGRAPH_OUTPUT") == "json" {
		return FormatJSON
	}
	return FormatText
}
