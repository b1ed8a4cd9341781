package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rohankatakam/cdegraph/internal/dlq"
	"github.com/rohankatakam/cdegraph/internal/errors"
	"github.com/rohankatakam/cdegraph/internal/metrics"
	"github.com/rohankatakam/cdegraph/internal/storage"
)

// scopeFile is the stats scope for fragments that could not be decoded.
const scopeFile = "file"

// Normalizer loads entity records from XML into the schema store.
type Normalizer struct {
	store    storage.Store
	failures dlq.Recorder
	logger   *logrus.Logger
	workers  int
}

// NewNormalizer creates a normalizer. failures may be nil.
func NewNormalizer(store storage.Store, failures dlq.Recorder, logger *logrus.Logger, workers int) *Normalizer {
	if failures == nil {
		failures = dlq.Nop{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Normalizer{store: store, failures: failures, logger: logger, workers: workers}
}

// Run normalizes every fragment of src. Malformed input is counted and
// skipped; only a store failure aborts the stage.
func (n *Normalizer) Run(ctx context.Context, src *Source, runID string) (*metrics.StageStats, error) {
	stats := metrics.NewStageStats(metrics.StageNormalize, runID)
	n.logger.WithFields(logrus.Fields{
		"files":   len(src.Files),
		"workers": n.workers,
	}).Info("Starting normalization")

	err := Dispatch(ctx, src, n.workers, func(ctx context.Context, f *Fragment) error {
		return n.ProcessFragment(ctx, f, stats)
	}, func(fe *FileError) {
		n.FileFailed(ctx, fe, stats)
	})
	stats.Finish(err)

	n.logger.WithFields(logrus.Fields{
		"processed": stats.Processed(),
		"rejected":  stats.Total(metrics.Rejected),
		"duration":  stats.Duration.Round(time.Millisecond).String(),
	}).Info("Normalization finished")
	return stats, err
}

// ProcessFragment stores every accepted entity in the fragment.
func (n *Normalizer) ProcessFragment(ctx context.Context, f *Fragment, stats *metrics.StageStats) error {
	if f.Err != nil {
		stats.Inc(scopeFile, metrics.Rejected)
		n.logger.WithError(f.Err).WithField("source", f.Source).Warn("Skipping malformed record fragment")
		n.record(ctx, f.Source, errors.Wrap(f.Err, errors.MalformedRecord, "unparseable fragment"))
		return nil
	}
	// pos numbers the entities of the fragment in document order so every
	// rejected one gets its own ledger key.
	pos := 0
	for _, rec := range f.Records {
		err := rec.Walk(func(_, r *Record) error {
			pos++
			return n.processRecord(ctx, r, pos, stats)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// FileFailed counts and records a source file that could not be read to the end.
func (n *Normalizer) FileFailed(ctx context.Context, fe *FileError, stats *metrics.StageStats) {
	stats.Inc(scopeFile, metrics.Rejected)
	n.record(ctx, fe.Path, fe)
}

func (n *Normalizer) processRecord(ctx context.Context, r *Record, pos int, stats *metrics.StageStats) error {
	scope := string(r.Kind)
	switch r.Status {
	case StatusRejected:
		stats.Inc(scope, metrics.Rejected)
		n.logger.WithFields(logrus.Fields{
			"kind":   r.Kind,
			"source": r.Source,
		}).Debug(r.Reason)
		n.record(ctx, fmt.Sprintf("%s:%s#%d", r.Source, scope, pos), errors.Malformed("%s", r.Reason))
		return nil
	case StatusFiltered:
		stats.Inc(scope, metrics.Filtered)
		return nil
	}

	outcome, err := n.store.UpsertEntity(ctx, r.Entity)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Unavailable(err, "schema store write failed")
	}
	stats.Inc(scope, outcome)
	return nil
}

func (n *Normalizer) record(ctx context.Context, key string, err error) {
	rerr := n.failures.Record(ctx, dlq.Failure{
		Stage:     metrics.StageNormalize,
		Category:  errors.MalformedRecord,
		EntityKey: key,
		Err:       err,
	})
	if rerr != nil {
		n.logger.WithError(rerr).Warn("Could not record failure")
	}
}
