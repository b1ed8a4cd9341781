package validation

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rohankatakam/cdegraph/internal/graph"
	"github.com/rohankatakam/cdegraph/internal/models"
	"github.com/rohankatakam/cdegraph/internal/storage"
)

// DefaultThreshold is the minimum graph/store coverage, in percent.
const DefaultThreshold = 95.0

// ValidationResult contains the results of a consistency check
type ValidationResult struct {
	EntityType      string  `json:"entity_type"`
	StoreCount      int64   `json:"store_count"`
	GraphCount      int64   `json:"graph_count"`
	VariancePercent float64 `json:"variance_percent"`
	PassedThreshold bool    `json:"passed_threshold"`
	// Advisory results are reported but do not fail validation. Concept
	// edges depend on an external vocabulary being loaded.
	Advisory bool `json:"advisory,omitempty"`
}

// Report is the outcome of a full validation.
type Report struct {
	Threshold float64            `json:"threshold"`
	Results   []ValidationResult `json:"results"`
}

// Passed reports whether every non-advisory check met the threshold.
func (r *Report) Passed() bool {
	for _, res := range r.Results {
		if !res.Advisory && !res.PassedThreshold {
			return false
		}
	}
	return true
}

// Failed returns the non-advisory checks below the threshold.
func (r *Report) Failed() []ValidationResult {
	var out []ValidationResult
	for _, res := range r.Results {
		if !res.Advisory && !res.PassedThreshold {
			out = append(out, res)
		}
	}
	return out
}

// ConsistencyValidator compares schema store row counts with graph counts.
// Every entity row projects to exactly one node; a link row projects to at
// least one edge unless an endpoint is missing.
type ConsistencyValidator struct {
	store     storage.Store
	graph     graph.Backend
	threshold float64
	logger    *logrus.Logger
}

// NewConsistencyValidator creates a validator. threshold <= 0 uses DefaultThreshold.
func NewConsistencyValidator(store storage.Store, backend graph.Backend, threshold float64, logger *logrus.Logger) *ConsistencyValidator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ConsistencyValidator{store: store, graph: backend, threshold: threshold, logger: logger}
}

// Validate checks all kinds and link tables.
func (v *ConsistencyValidator) Validate(ctx context.Context) (*Report, error) {
	nodes, err := v.ValidateNodes(ctx, models.AllKinds)
	if err != nil {
		return nil, err
	}
	edges, err := v.ValidateEdges(ctx, models.AllLinkTypes)
	if err != nil {
		return nil, err
	}
	report := &Report{Threshold: v.threshold, Results: append(nodes, edges...)}

	log := v.logger.WithFields(logrus.Fields{"checks": len(report.Results), "threshold": v.threshold})
	if failed := report.Failed(); len(failed) > 0 {
		log.WithField("failed", len(failed)).Warn("Graph is not consistent with the schema store")
	} else {
		log.Info("Graph is consistent with the schema store")
	}
	return report, nil
}

// ValidateNodes checks node counts per kind.
func (v *ConsistencyValidator) ValidateNodes(ctx context.Context, kinds []models.Kind) ([]ValidationResult, error) {
	results := make([]ValidationResult, 0, len(kinds))
	for _, kind := range kinds {
		rows, err := v.store.CountEntities(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s rows: %w", kind.Table(), err)
		}
		nodes, err := v.graph.CountNodes(ctx, string(kind))
		if err != nil {
			return nil, fmt.Errorf("failed to count %s nodes: %w", kind, err)
		}
		results = append(results, v.result(string(kind), rows, nodes, false))
	}
	return results, nil
}

// ValidateEdges checks relationship counts per link table.
func (v *ConsistencyValidator) ValidateEdges(ctx context.Context, links []models.LinkType) ([]ValidationResult, error) {
	results := make([]ValidationResult, 0, len(links))
	for _, lt := range links {
		rows, err := v.store.CountLinks(ctx, lt)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s rows: %w", lt.Table, err)
		}
		edges, err := v.graph.CountEdges(ctx, graph.EdgeSpecFor(lt))
		if err != nil {
			return nil, fmt.Errorf("failed to count %s edges: %w", lt.Relationship, err)
		}
		results = append(results, v.result(lt.Table, rows, edges, lt.IsConcept()))
	}
	return results, nil
}

func (v *ConsistencyValidator) result(name string, storeCount, graphCount int64, advisory bool) ValidationResult {
	variance := 100.0
	if storeCount > 0 {
		variance = float64(graphCount) / float64(storeCount) * 100.0
	}
	res := ValidationResult{
		EntityType:      name,
		StoreCount:      storeCount,
		GraphCount:      graphCount,
		VariancePercent: variance,
		PassedThreshold: variance >= v.threshold,
		Advisory:        advisory,
	}
	v.logger.WithFields(logrus.Fields{
		"check":    name,
		"store":    storeCount,
		"graph":    graphCount,
		"variance": fmt.Sprintf("%.1f%%", variance),
	}).Debug("Consistency check")
	return res
}
