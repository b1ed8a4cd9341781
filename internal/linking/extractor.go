package linking

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rohankatakam/cdegraph/internal/errors"
	"github.com/rohankatakam/cdegraph/internal/ingestion"
	"github.com/rohankatakam/cdegraph/internal/metrics"
	"github.com/rohankatakam/cdegraph/internal/models"
	"github.com/rohankatakam/cdegraph/internal/storage"
)

// Extractor derives link rows from record nesting and concept references
// and stores them in the link tables.
type Extractor struct {
	store   storage.Store
	logger  *logrus.Logger
	workers int
}

// NewExtractor creates a link extractor.
func NewExtractor(store storage.Store, logger *logrus.Logger, workers int) *Extractor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Extractor{store: store, logger: logger, workers: workers}
}

// Run extracts links from every fragment of src.
func (x *Extractor) Run(ctx context.Context, src *ingestion.Source, runID string) (*metrics.StageStats, error) {
	stats := metrics.NewStageStats(metrics.StageExtractLinks, runID)
	x.logger.WithFields(logrus.Fields{
		"files":   len(src.Files),
		"workers": x.workers,
	}).Info("Starting link extraction")

	err := ingestion.Dispatch(ctx, src, x.workers, func(ctx context.Context, f *ingestion.Fragment) error {
		return x.ProcessFragment(ctx, f, stats)
	}, func(*ingestion.FileError) {
		stats.Inc("file", metrics.Rejected)
	})
	stats.Finish(err)

	x.logger.WithFields(logrus.Fields{
		"inserted":  stats.Total(metrics.Inserted),
		"duplicate": stats.Total(metrics.Duplicate),
		"duration":  stats.Duration.Round(time.Millisecond).String(),
	}).Info("Link extraction finished")
	return stats, err
}

// ProcessFragment stores the links found in one fragment.
func (x *Extractor) ProcessFragment(ctx context.Context, f *ingestion.Fragment, stats *metrics.StageStats) error {
	if f.Err != nil {
		stats.Inc("file", metrics.Rejected)
		return nil
	}
	for _, rec := range f.Records {
		err := rec.Walk(func(parent, r *ingestion.Record) error {
			if parent != nil {
				if err := x.entityLink(ctx, parent, r, stats); err != nil {
					return err
				}
			}
			return x.conceptLinks(ctx, r, stats)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (x *Extractor) entityLink(ctx context.Context, parent, child *ingestion.Record, stats *metrics.StageStats) error {
	lt, ok := models.LinkBetween(parent.Kind, child.Kind)
	if !ok {
		return nil
	}
	switch {
	case parent.Status == ingestion.StatusRejected || child.Status == ingestion.StatusRejected:
		stats.Inc(lt.Table, metrics.Rejected)
		return nil
	case parent.Status == ingestion.StatusFiltered || child.Status == ingestion.StatusFiltered:
		stats.Inc(lt.Table, metrics.Filtered)
		return nil
	}
	return x.storeLink(ctx, lt, models.Link{From: parent.Entity.Ref(), To: child.Entity.Ref()}, stats)
}

func (x *Extractor) conceptLinks(ctx context.Context, r *ingestion.Record, stats *metrics.StageStats) error {
	if r.Status != ingestion.StatusAccepted || len(r.Concepts) == 0 {
		return nil
	}
	lt, ok := models.ConceptLinkFor(r.Kind)
	if !ok {
		return nil
	}
	for _, code := range r.Concepts {
		link := models.Link{From: r.Entity.Ref(), To: models.Ref{Code: code}}
		if err := x.storeLink(ctx, lt, link, stats); err != nil {
			return err
		}
	}
	return nil
}

func (x *Extractor) storeLink(ctx context.Context, lt models.LinkType, l models.Link, stats *metrics.StageStats) error {
	outcome, err := x.store.UpsertLink(ctx, lt, l)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Unavailable(err, "schema store write failed")
	}
	stats.Inc(lt.Table, outcome)
	return nil
}
