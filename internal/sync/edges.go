package sync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rohankatakam/cdegraph/internal/dlq"
	"github.com/rohankatakam/cdegraph/internal/errors"
	"github.com/rohankatakam/cdegraph/internal/graph"
	"github.com/rohankatakam/cdegraph/internal/metrics"
	"github.com/rohankatakam/cdegraph/internal/models"
	"github.com/rohankatakam/cdegraph/internal/storage"
)

// EdgeSyncer projects link rows onto relationships between existing nodes.
// Rows whose endpoints are missing are counted as dangling and recorded in
// the failure ledger; a later run that finds both endpoints merges them and
// clears the entry.
type EdgeSyncer struct {
	store    storage.Store
	graph    graph.Backend
	failures dlq.Recorder
	batch    graph.BatchConfig
	workers  int
	logger   *logrus.Logger
}

// NewEdgeSyncer creates an edge syncer. failures may be nil.
func NewEdgeSyncer(store storage.Store, backend graph.Backend, failures dlq.Recorder, batch graph.BatchConfig, workers int, logger *logrus.Logger) *EdgeSyncer {
	if failures == nil {
		failures = dlq.Nop{}
	}
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EdgeSyncer{store: store, graph: backend, failures: failures, batch: batch, workers: workers, logger: logger}
}

// Run merges every row of the given link tables (all tables if empty).
func (s *EdgeSyncer) Run(ctx context.Context, links []models.LinkType, runID string) (*metrics.StageStats, error) {
	if len(links) == 0 {
		links = models.AllLinkTypes
	}
	stats := metrics.NewStageStats(metrics.StageLoadEdges, runID)

	if err := s.graph.EnsureSchema(ctx, graph.LookupSchema()); err != nil {
		if ctx.Err() == nil {
			err = errors.Unavailable(err, "ensuring graph lookup indexes failed")
		}
		stats.Finish(err)
		return stats, err
	}

	pending, err := s.failures.PendingKeys(ctx, metrics.StageLoadEdges)
	if err != nil {
		s.logger.WithError(err).Warn("Could not load recorded dangling edges; they will not be cleared this run")
	}

	for _, lt := range links {
		if err = s.SyncLinkType(ctx, lt, runID, pending, stats); err != nil {
			break
		}
	}
	stats.Finish(err)

	s.logger.WithFields(logrus.Fields{
		"run_id":   runID,
		"created":  stats.Total(metrics.Inserted),
		"existing": stats.Total(metrics.Duplicate),
		"dangling": stats.Total(metrics.Dangling),
		"duration": stats.Duration.Round(time.Millisecond).String(),
	}).Info("Edge load finished")
	return stats, err
}

// SyncLinkType merges one link table. pending holds ledger keys that should
// be resolved once their edge merges.
func (s *EdgeSyncer) SyncLinkType(ctx context.Context, lt models.LinkType, runID string, pending map[string]bool, stats *metrics.StageStats) error {
	spec := graph.EdgeSpecFor(lt)
	size := s.batch.EdgeBatch()
	log := s.logger.WithFields(logrus.Fields{"stage": metrics.StageLoadEdges, "table": lt.Table})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	submit := func(links []models.Link) {
		g.Go(func() error {
			return s.mergeBatch(gctx, lt, spec, links, runID, pending, stats)
		})
	}

	batch := make([]models.Link, 0, size)
	readErr := s.store.EachLink(gctx, lt, func(l models.Link) error {
		batch = append(batch, l)
		if len(batch) == size {
			submit(batch)
			batch = make([]models.Link, 0, size)
		}
		return gctx.Err()
	})
	if readErr == nil && len(batch) > 0 {
		submit(batch)
	}

	err := g.Wait()
	if readErr != nil && err == nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = errors.Unavailable(readErr, "reading %s rows failed", lt.Table)
	}
	if err == nil {
		log.WithFields(logrus.Fields{
			"created":  stats.Get(lt.Table, metrics.Inserted),
			"dangling": stats.Get(lt.Table, metrics.Dangling),
		}).Info("Edges synced")
	}
	return err
}

func (s *EdgeSyncer) mergeBatch(ctx context.Context, lt models.LinkType, spec graph.EdgeSpec, links []models.Link, runID string, pending map[string]bool, stats *metrics.StageStats) error {
	rows := make([]graph.EdgeRow, len(links))
	for i, l := range links {
		rows[i] = graph.EdgeRowFromLink(l)
	}

	results, err := s.graph.MergeEdges(ctx, spec, rows, runID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Unavailable(err, "graph merge of %d %s edges failed", len(rows), lt.Table)
	}

	for i, res := range results {
		key := links[i].Key(lt)
		if res.Dangling() {
			stats.Inc(lt.Table, metrics.Dangling)
			derr := errors.Dangling("%s endpoint missing from graph", res.MissingSide()).
				WithContext("source_matches", res.Sources).
				WithContext("target_matches", res.Targets)
			if err := s.failures.Record(ctx, dlq.Failure{
				Stage:     metrics.StageLoadEdges,
				Category:  errors.DanglingReference,
				EntityKey: key,
				Err:       derr,
			}); err != nil {
				s.logger.WithError(err).WithField("key", key).Warn("Failed to record dangling edge")
			}
			continue
		}

		if res.Created > 0 {
			stats.Inc(lt.Table, metrics.Inserted)
		} else {
			stats.Inc(lt.Table, metrics.Duplicate)
		}
		if pending[key] {
			if err := s.failures.Resolve(ctx, metrics.StageLoadEdges, key); err != nil {
				s.logger.WithError(err).WithField("key", key).Warn("Failed to clear repaired edge")
			}
		}
	}
	return nil
}
