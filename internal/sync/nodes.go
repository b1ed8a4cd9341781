package sync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rohankatakam/cdegraph/internal/errors"
	"github.com/rohankatakam/cdegraph/internal/graph"
	"github.com/rohankatakam/cdegraph/internal/metrics"
	"github.com/rohankatakam/cdegraph/internal/models"
	"github.com/rohankatakam/cdegraph/internal/storage"
)

// NodeSyncer projects entity rows from the schema store onto graph nodes.
type NodeSyncer struct {
	store   storage.Store
	graph   graph.Backend
	batch   graph.BatchConfig
	workers int
	logger  *logrus.Logger
}

// NewNodeSyncer creates a node syncer. workers bounds concurrent batches.
func NewNodeSyncer(store storage.Store, backend graph.Backend, batch graph.BatchConfig, workers int, logger *logrus.Logger) *NodeSyncer {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &NodeSyncer{store: store, graph: backend, batch: batch, workers: workers, logger: logger}
}

// Run merges every row of the given kinds (all kinds if empty).
func (s *NodeSyncer) Run(ctx context.Context, kinds []models.Kind, runID string) (*metrics.StageStats, error) {
	if len(kinds) == 0 {
		kinds = models.AllKinds
	}
	stats := metrics.NewStageStats(metrics.StageLoadNodes, runID)

	if err := s.graph.EnsureSchema(ctx, graph.LookupSchema()); err != nil {
		if ctx.Err() == nil {
			err = errors.Unavailable(err, "ensuring graph lookup indexes failed")
		}
		stats.Finish(err)
		return stats, err
	}

	var err error
	for _, kind := range kinds {
		if err = s.SyncKind(ctx, kind, runID, stats); err != nil {
			break
		}
	}
	stats.Finish(err)

	s.logger.WithFields(logrus.Fields{
		"run_id":    runID,
		"created":   stats.Total(metrics.Inserted),
		"refreshed": stats.Total(metrics.Refreshed),
		"duration":  stats.Duration.Round(time.Millisecond).String(),
	}).Info("Node load finished")
	return stats, err
}

// SyncKind streams the rows of one kind in batches and merges them.
// Rows are distinct, so batches never touch the same node and can run
// concurrently.
func (s *NodeSyncer) SyncKind(ctx context.Context, kind models.Kind, runID string, stats *metrics.StageStats) error {
	label := string(kind)
	size := s.batch.GetBatchSizeForLabel(label)
	log := s.logger.WithFields(logrus.Fields{"stage": metrics.StageLoadNodes, "label": label})
	log.WithField("batch_size", size).Debug("Syncing nodes")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	submit := func(batch []graph.Node) {
		g.Go(func() error {
			created, err := s.graph.MergeNodes(gctx, label, batch, runID)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.Unavailable(err, "graph merge of %d %s nodes failed", len(batch), label)
			}
			stats.Add(label, metrics.Inserted, int64(created))
			stats.Add(label, metrics.Refreshed, int64(len(batch)-created))
			return nil
		})
	}

	batch := make([]graph.Node, 0, size)
	readErr := s.store.EachEntity(gctx, kind, func(e *models.Entity) error {
		batch = append(batch, graph.NodeFromEntity(e))
		if len(batch) == size {
			submit(batch)
			batch = make([]graph.Node, 0, size)
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
		err = errors.Unavailable(readErr, "reading %s rows failed", kind.Table())
	}
	if err == nil {
		log.WithFields(logrus.Fields{
			"created":   stats.Get(label, metrics.Inserted),
			"refreshed": stats.Get(label, metrics.Refreshed),
		}).Info("Nodes synced")
	}
	return err
}
