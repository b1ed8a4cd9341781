package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/rohankatakam/cdegraph/internal/errors"
)

// Stage names, as used on the command line and in summaries.
const (
	StageNormalize    = "normalize"
	StageExtractLinks = "extract-links"
	StageLoadNodes    = "load-nodes"
	StageLoadEdges    = "load-edges"
	StageEnrich       = "enrich-embeddings"
)

// Stages lists the pipeline stages in execution order.
var Stages = []string{StageNormalize, StageExtractLinks, StageLoadNodes, StageLoadEdges, StageEnrich}

// Outcome is what happened to a single unit of work (record, link row,
// node, edge, embedding target) inside a stage.
type Outcome string

const (
	Inserted  Outcome = "inserted"  // new row / node / edge
	Revised   Outcome = "revised"   // new row for an existing code/version with different content
	Refreshed Outcome = "refreshed" // node already present, non-key attributes updated
	Duplicate Outcome = "duplicate" // full tuple already present
	Rejected  Outcome = "rejected"  // malformed input
	Filtered  Outcome = "filtered"  // excluded by a source filter (retired, non-enumerated)
	Dangling  Outcome = "dangling"  // link endpoint missing from the graph
	Embedded  Outcome = "embedded"  // vector written
	Cached    Outcome = "cached"    // vector served from the local cache
	Failed    Outcome = "failed"    // external call failed after retries
)

var outcomeOrder = []Outcome{Inserted, Revised, Refreshed, Duplicate, Embedded, Cached, Filtered, Rejected, Dangling, Failed}

// Category maps an outcome onto the error taxonomy. ok is false for
// outcomes that are plain successes.
func (o Outcome) Category() (errors.Category, bool) {
	switch o {
	case Duplicate:
		return errors.DuplicateIgnored, true
	case Rejected:
		return errors.MalformedRecord, true
	case Dangling:
		return errors.DanglingReference, true
	case Failed:
		return errors.ExternalServiceFailure, true
	}
	return 0, false
}

// IsError reports whether the outcome counts against the stage error rate.
// Duplicates and filtered records are expected and do not.
func (o Outcome) IsError() bool {
	return o == Rejected || o == Dangling || o == Failed
}

// StageStats accumulates outcome counts per scope (entity kind, link table
// or label) for one stage. Safe for concurrent use.
type StageStats struct {
	Stage     string
	RunID     string
	StartedAt time.Time
	Duration  time.Duration

	mu     sync.Mutex
	counts map[string]map[Outcome]int64
	fatal  error
}

// NewStageStats starts a stats collector for a stage.
func NewStageStats(stage, runID string) *StageStats {
	return &StageStats{
		Stage:     stage,
		RunID:     runID,
		StartedAt: time.Now(),
		counts:    make(map[string]map[Outcome]int64),
	}
}

// Add records n occurrences of outcome under scope.
func (s *StageStats) Add(scope string, o Outcome, n int64) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.counts[scope]
	if !ok {
		m = make(map[Outcome]int64)
		s.counts[scope] = m
	}
	m[o] += n
}

// Inc records a single outcome under scope.
func (s *StageStats) Inc(scope string, o Outcome) {
	s.Add(scope, o, 1)
}

// Get returns the count for scope and outcome.
func (s *StageStats) Get(scope string, o Outcome) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[scope][o]
}

// Total sums an outcome across all scopes.
func (s *StageStats) Total(o Outcome) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.counts {
		n += m[o]
	}
	return n
}

// Processed is the number of units that reached a terminal outcome.
func (s *StageStats) Processed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.counts {
		for _, c := range m {
			n += c
		}
	}
	return n
}

// ErrorRate is the share of processed units with an error outcome.
func (s *StageStats) ErrorRate() float64 {
	processed := s.Processed()
	if processed == 0 {
		return 0
	}
	var errs int64
	for _, o := range outcomeOrder {
		if o.IsError() {
			errs += s.Total(o)
		}
	}
	return float64(errs) / float64(processed)
}

// ByCategory folds the outcome counts into the error taxonomy.
func (s *StageStats) ByCategory() map[errors.Category]int64 {
	out := make(map[errors.Category]int64)
	for _, o := range outcomeOrder {
		if c, ok := o.Category(); ok {
			if n := s.Total(o); n > 0 {
				out[c] += n
			}
		}
	}
	if s.Fatal() != nil {
		if c, ok := errors.CategoryOf(s.Fatal()); ok {
			out[c]++
		}
	}
	return out
}

// Scopes returns the scopes seen so far, sorted.
func (s *StageStats) Scopes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	scopes := make([]string, 0, len(s.counts))
	for k := range s.counts {
		scopes = append(scopes, k)
	}
	sort.Strings(scopes)
	return scopes
}

// Snapshot copies the counts for reporting. Outcomes with zero counts are omitted.
func (s *StageStats) Snapshot() map[string]map[Outcome]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[Outcome]int64, len(s.counts))
	for scope, m := range s.counts {
		cp := make(map[Outcome]int64, len(m))
		for o, n := range m {
			if n != 0 {
				cp[o] = n
			}
		}
		out[scope] = cp
	}
	return out
}

// Finish stamps the stage duration and the fatal error, if any.
func (s *StageStats) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Duration = time.Since(s.StartedAt)
	s.fatal = err
}

// Fatal returns the error that aborted the stage, if any.
func (s *StageStats) Fatal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Outcomes returns the outcome order used for reporting.
func Outcomes() []Outcome {
	return append([]Outcome(nil), outcomeOrder...)
}
