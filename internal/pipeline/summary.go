package pipeline

import (
	"sync"
	"time"

	"github.com/rohankatakam/cdegraph/internal/errors"
	"github.com/rohankatakam/cdegraph/internal/metrics"
)

// StageSummary is the reportable view of one stage's stats.
type StageSummary struct {
	Stage      string                                `json:"stage"`
	Processed  int64                                 `json:"processed"`
	ErrorRate  float64                               `json:"error_rate"`
	Exceeded   bool                                  `json:"threshold_exceeded"`
	DurationMS int64                                 `json:"duration_ms"`
	Counts     map[string]map[metrics.Outcome]int64 `json:"counts"`
	Categories map[string]int64                      `json:"categories,omitempty"`
	Fatal      string                                `json:"fatal,omitempty"`
}

// Summary collects the stats of every stage of one run.
type Summary struct {
	RunID        string         `json:"run_id"`
	StartedAt    time.Time      `json:"started_at"`
	DurationMS   int64          `json:"duration_ms"`
	MaxErrorRate float64        `json:"max_error_rate"`
	Stages       []StageSummary `json:"stages"`

	mu    sync.Mutex
	stats []*metrics.StageStats
}

// NewSummary starts a run summary.
func NewSummary(runID string, maxErrorRate float64) *Summary {
	return &Summary{RunID: runID, StartedAt: time.Now(), MaxErrorRate: maxErrorRate}
}

// Add appends a finished stage.
func (s *Summary) Add(st *metrics.StageStats) {
	if st == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, st)

	sum := StageSummary{
		Stage:      st.Stage,
		Processed:  st.Processed(),
		ErrorRate:  st.ErrorRate(),
		DurationMS: st.Duration.Milliseconds(),
		Counts:     st.Snapshot(),
	}
	sum.Exceeded = sum.ErrorRate > s.MaxErrorRate
	if cats := st.ByCategory(); len(cats) > 0 {
		sum.Categories = make(map[string]int64, len(cats))
		for c, n := range cats {
			sum.Categories[c.String()] = n
		}
	}
	if err := st.Fatal(); err != nil {
		sum.Fatal = err.Error()
	}
	s.Stages = append(s.Stages, sum)
}

// Finish stamps the run duration.
func (s *Summary) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DurationMS = time.Since(s.StartedAt).Milliseconds()
}

// Stats returns the raw stats of stage, or nil if it did not run.
func (s *Summary) Stats(stage string) *metrics.StageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.stats {
		if st.Stage == stage {
			return st
		}
	}
	return nil
}

// Exceeded names the stages whose error rate is above the threshold.
func (s *Summary) Exceeded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, st := range s.Stages {
		if st.Exceeded {
			out = append(out, st.Stage)
		}
	}
	return out
}

// Categories totals the error taxonomy across all stages.
func (s *Summary) Categories() map[errors.Category]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[errors.Category]int64)
	for _, st := range s.stats {
		for c, n := range st.ByCategory() {
			out[c] += n
		}
	}
	return out
}
