package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohankatakam/cdegraph/internal/dlq"
	"github.com/rohankatakam/cdegraph/internal/errors"
	"github.com/rohankatakam/cdegraph/internal/metrics"
	"github.com/rohankatakam/cdegraph/internal/pipeline"
	"github.com/rohankatakam/cdegraph/internal/validation"
)

func sampleSummary() *pipeline.Summary {
	s := pipeline.NewSummary("run-42", 0.05)

	norm := metrics.NewStageStats(metrics.StageNormalize, "run-42")
	norm.Add("CDE", metrics.Inserted, 90)
	norm.Add("CDE", metrics.Rejected, 10)
	norm.Add("PV", metrics.Duplicate, 3)
	norm.Finish(nil)
	s.Add(norm)

	edges := metrics.NewStageStats(metrics.StageLoadEdges, "run-42")
	edges.Add("cde_vdm", metrics.Inserted, 5)
	edges.Finish(errors.Unavailable(assert.AnError, "neo4j down"))
	s.Add(edges)

	s.Finish()
	return s
}

func TestParseFormat(t *testing.T) {
	t.Setenv("CDEGRAPH_OUTPUT", "")
	tests := map[string]Format{"": FormatText, "quiet": FormatQuiet, " JSON ": FormatJSON, "text": FormatText}
	for in, want := range tests {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("yaml")
	assert.Error(t, err)
}

func TestQuietSummary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&QuietFormatter{}).Summary(sampleSummary(), &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "normalize THRESHOLD processed=103 errors=9.71%", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "load-edges FATAL"))
}

func TestTextSummary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&TextFormatter{}).Summary(sampleSummary(), &buf))
	out := buf.String()

	assert.Contains(t, out, "Run run-42")
	assert.Contains(t, out, "error rate above 5.00%")
	assert.Contains(t, out, "FATAL: ")
	assert.Contains(t, out, "MalformedRecord=10")
	// only outcomes that occurred get a column
	assert.Contains(t, out, "inserted")
	assert.Contains(t, out, "rejected")
	assert.NotContains(t, out, "embedded")
}

func TestJSONSummary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&JSONFormatter{}).Summary(sampleSummary(), &buf))

	var decoded struct {
		RunID  string `json:"run_id"`
		Stages []struct {
			Stage    string                      `json:"stage"`
			Exceeded bool                        `json:"threshold_exceeded"`
			Counts   map[string]map[string]int64 `json:"counts"`
		} `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "run-42", decoded.RunID)
	require.Len(t, decoded.Stages, 2)
	assert.True(t, decoded.Stages[0].Exceeded)
	assert.Equal(t, int64(90), decoded.Stages[0].Counts["CDE"]["inserted"])
}

func TestValidationOutput(t *testing.T) {
	report := &validation.Report{
		Threshold: 95,
		Results: []validation.ValidationResult{
			{EntityType: "CDE", StoreCount: 10, GraphCount: 10, VariancePercent: 100, PassedThreshold: true},
			{EntityType: "pv_ncit", StoreCount: 10, GraphCount: 5, VariancePercent: 50, Advisory: true},
			{EntityType: "cde_vdm", StoreCount: 10, GraphCount: 2, VariancePercent: 20},
		},
	}

	var text bytes.Buffer
	require.NoError(t, (&TextFormatter{}).Validation(report, &text))
	assert.Contains(t, text.String(), "advisory")
	assert.Contains(t, text.String(), "FAIL")
	assert.Contains(t, text.String(), "1 checks below the 95.0% threshold")

	var quiet bytes.Buffer
	require.NoError(t, (&QuietFormatter{}).Validation(report, &quiet))
	assert.Equal(t, "INCONSISTENT: 1 of 3 checks below 95.0%\n", quiet.String())

	var js bytes.Buffer
	require.NoError(t, (&JSONFormatter{}).Validation(report, &js))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, false, decoded["passed"])
	assert.Len(t, decoded["results"], 3)
}

func TestFailuresOutput(t *testing.T) {
	entries := []dlq.Entry{{
		Stage: metrics.StageLoadEdges, Category: "DanglingReference", EntityKey: "cde_vdm:C1@1->V9@1",
		ErrorMessage: "VDM V9@1 not in graph", RetryCount: 2, UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}
	stats := []dlq.Stats{{Stage: metrics.StageLoadEdges, Category: "DanglingReference", Count: 1}}

	var text bytes.Buffer
	require.NoError(t, (&TextFormatter{}).Failures(entries, stats, &text))
	assert.Contains(t, text.String(), "cde_vdm:C1@1->V9@1")
	assert.Contains(t, text.String(), "2026-01-02T03:04:05Z")

	var empty bytes.Buffer
	require.NoError(t, (&TextFormatter{}).Failures(nil, nil, &empty))
	assert.Equal(t, "No unresolved failures\n", empty.String())

	var js bytes.Buffer
	require.NoError(t, (&JSONFormatter{}).Failures(nil, nil, &js))
	assert.JSONEq(t, `{"entries": []}`, js.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "a b", truncate("a\nb", 10))
}
