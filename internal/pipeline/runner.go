// Package pipeline runs the ETL stages in order and summarizes the run.
package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rohankatakam/cdegraph/internal/embedding"
	"github.com/rohankatakam/cdegraph/internal/errors"
	"github.com/rohankatakam/cdegraph/internal/ingestion"
	"github.com/rohankatakam/cdegraph/internal/linking"
	"github.com/rohankatakam/cdegraph/internal/metrics"
	"github.com/rohankatakam/cdegraph/internal/models"
	"github.com/rohankatakam/cdegraph/internal/sync"
)

// ErrThresholdExceeded is returned when a stage finished with an error
// rate above Options.MaxErrorRate.
var ErrThresholdExceeded = stderrors.New("stage error rate above threshold")

// Exit codes of the command line.
const (
	ExitOK        = 0
	ExitThreshold = 1
	ExitFatal     = 2
)

// ExitCode maps a run error onto the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case stderrors.Is(err, ErrThresholdExceeded):
		return ExitThreshold
	default:
		return ExitFatal
	}
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Components are the stage implementations. A nil component makes its
// stage unavailable.
type Components struct {
	Source     *ingestion.Source
	Normalizer *ingestion.Normalizer
	Extractor  *linking.Extractor
	Nodes      *sync.NodeSyncer
	Edges      *sync.EdgeSyncer
	Enricher   *embedding.Enricher
}

// Options controls a run.
type Options struct {
	Workers      int
	Interleave   bool // normalize and extract-links in one pass per record
	MaxErrorRate float64
	Kinds        []models.Kind
	Links        []models.LinkType
}

// Runner executes stages strictly one after the other.
type Runner struct {
	c      Components
	opts   Options
	logger *logrus.Logger
}

// NewRunner creates a stage runner.
func NewRunner(c Components, opts Options, logger *logrus.Logger) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{c: c, opts: opts, logger: logger}
}

// OrderStages validates stage names and puts them in pipeline order.
// Empty input selects every stage.
func OrderStages(names []string) ([]string, error) {
	if len(names) == 0 {
		return append([]string(nil), metrics.Stages...), nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		known := false
		for _, s := range metrics.Stages {
			if s == n {
				known = true
				break
			}
		}
		if !known {
			return nil, errors.ConfigErrorf("unknown stage %q (valid: %s)", n, strings.Join(metrics.Stages, ", "))
		}
		want[n] = true
	}
	var out []string
	for _, s := range metrics.Stages {
		if want[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

// Run executes the named stages. A fatal error stops the run at once;
// a stage above the error-rate threshold does not stop later stages, but
// the run then returns ErrThresholdExceeded.
func (r *Runner) Run(ctx context.Context, names []string, runID string) (*Summary, error) {
	if runID == "" {
		runID = NewRunID()
	}
	summary := NewSummary(runID, r.opts.MaxErrorRate)
	defer summary.Finish()

	stages, err := OrderStages(names)
	if err != nil {
		return summary, err
	}
	r.logger.WithFields(logrus.Fields{
		"run_id":     runID,
		"stages":     strings.Join(stages, ","),
		"interleave": r.opts.Interleave,
	}).Info("Starting pipeline run")

	for i := 0; i < len(stages); i++ {
		stage := stages[i]
		if r.opts.Interleave && stage == metrics.StageNormalize &&
			i+1 < len(stages) && stages[i+1] == metrics.StageExtractLinks {
			norm, links, err := r.RunInterleaved(ctx, runID)
			summary.Add(norm)
			summary.Add(links)
			if err != nil {
				return summary, err
			}
			i++
			continue
		}

		stats, err := r.RunStage(ctx, stage, runID)
		summary.Add(stats)
		if err != nil {
			return summary, err
		}
	}

	if exceeded := summary.Exceeded(); len(exceeded) > 0 {
		r.logger.WithFields(logrus.Fields{
			"run_id":         runID,
			"stages":         strings.Join(exceeded, ","),
			"max_error_rate": r.opts.MaxErrorRate,
		}).Warn("Run finished with stages above the error threshold")
		return summary, fmt.Errorf("%w: %s", ErrThresholdExceeded, strings.Join(exceeded, ", "))
	}
	r.logger.WithField("run_id", runID).Info("Pipeline run finished")
	return summary, nil
}

// RunStage executes a single stage.
func (r *Runner) RunStage(ctx context.Context, stage, runID string) (*metrics.StageStats, error) {
	start := time.Now()
	log := r.logger.WithFields(logrus.Fields{"stage": stage, "run_id": runID})
	log.Info("Stage starting")

	var (
		stats *metrics.StageStats
		err   error
	)
	switch stage {
	case metrics.StageNormalize:
		if r.c.Normalizer == nil || r.c.Source == nil {
			return nil, notConfigured(stage)
		}
		stats, err = r.c.Normalizer.Run(ctx, r.c.Source, runID)
	case metrics.StageExtractLinks:
		if r.c.Extractor == nil || r.c.Source == nil {
			return nil, notConfigured(stage)
		}
		stats, err = r.c.Extractor.Run(ctx, r.c.Source, runID)
	case metrics.StageLoadNodes:
		if r.c.Nodes == nil {
			return nil, notConfigured(stage)
		}
		stats, err = r.c.Nodes.Run(ctx, r.opts.Kinds, runID)
	case metrics.StageLoadEdges:
		if r.c.Edges == nil {
			return nil, notConfigured(stage)
		}
		stats, err = r.c.Edges.Run(ctx, r.opts.Links, runID)
	case metrics.StageEnrich:
		if r.c.Enricher == nil {
			return nil, notConfigured(stage)
		}
		stats, err = r.c.Enricher.Run(ctx, runID)
	default:
		return nil, errors.ConfigErrorf("unknown stage %q", stage)
	}

	fields := logrus.Fields{"duration": time.Since(start).Round(time.Millisecond).String()}
	if stats != nil {
		fields["processed"] = stats.Processed()
		fields["error_rate"] = fmt.Sprintf("%.4f", stats.ErrorRate())
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Error("Stage failed")
	} else {
		log.WithFields(fields).Info("Stage finished")
	}
	return stats, err
}

// RunInterleaved normalizes and extracts links in a single pass, handling
// each record fragment with both stages before moving on. The final state
// equals running the two stages one after the other.
func (r *Runner) RunInterleaved(ctx context.Context, runID string) (*metrics.StageStats, *metrics.StageStats, error) {
	if r.c.Normalizer == nil || r.c.Extractor == nil || r.c.Source == nil {
		return nil, nil, notConfigured(metrics.StageNormalize + "+" + metrics.StageExtractLinks)
	}
	norm := metrics.NewStageStats(metrics.StageNormalize, runID)
	links := metrics.NewStageStats(metrics.StageExtractLinks, runID)

	err := ingestion.Dispatch(ctx, r.c.Source, r.opts.Workers, func(ctx context.Context, f *ingestion.Fragment) error {
		if err := r.c.Normalizer.ProcessFragment(ctx, f, norm); err != nil {
			return err
		}
		return r.c.Extractor.ProcessFragment(ctx, f, links)
	}, func(fe *ingestion.FileError) {
		r.c.Normalizer.FileFailed(ctx, fe, norm)
		links.Inc("file", metrics.Rejected)
	})
	norm.Finish(err)
	links.Finish(err)

	r.logger.WithFields(logrus.Fields{
		"run_id":   runID,
		"entities": norm.Processed(),
		"links":    links.Processed(),
		"duration": norm.Duration.Round(time.Millisecond).String(),
	}).Info("Interleaved normalize and extract-links finished")
	return norm, links, err
}

func notConfigured(stage string) error {
	return errors.ConfigErrorf("stage %s is not configured", stage)
}
