package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/rohankatakam/cdegraph/internal/errors"
)

// Entry is one row of the failure ledger.
type Entry struct {
	ID           int64     `db:"id" json:"id"`
	Stage        string    `db:"stage" json:"stage"`
	Category     string    `db:"category" json:"category"`
	EntityKey    string    `db:"entity_key" json:"entity_key"`
	ErrorMessage string    `db:"error_message" json:"error_message"`
	RetryCount   int       `db:"retry_count" json:"retry_count"`
	RunID        string    `db:"run_id" json:"run_id"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Failure is what a stage reports for one failed unit of work.
type Failure struct {
	Stage     string
	Category  errors.Category
	EntityKey string
	Err       error
}

// Recorder is the part of the ledger the stages depend on.
type Recorder interface {
	Record(ctx context.Context, f Failure) error
	Resolve(ctx context.Context, stage, entityKey string) error
	// PendingKeys returns the keys currently recorded for stage, so callers
	// only resolve what is actually in the ledger.
	PendingKeys(ctx context.Context, stage string) (map[string]bool, error)
}

// Nop discards everything. Used when the ledger is disabled.
type Nop struct{}

func (Nop) Record(context.Context, Failure) error         { return nil }
func (Nop) Resolve(context.Context, string, string) error { return nil }
func (Nop) PendingKeys(context.Context, string) (map[string]bool, error) {
	return nil, nil
}

// Queue persists failures in the pipeline_failures table of the schema store.
type Queue struct {
	db     *sqlx.DB
	runID  string
	logger *logrus.Logger
}

// NewQueue creates a ledger bound to one run.
func NewQueue(db *sqlx.DB, runID string, logger *logrus.Logger) *Queue {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Queue{db: db, runID: runID, logger: logger}
}

// Record adds a failure. If the same stage/key is already recorded its
// retry_count is incremented and the message replaced.
func (q *Queue) Record(ctx context.Context, f Failure) error {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	now := time.Now().UTC()

	_, err := q.db.ExecContext(ctx, q.db.Rebind(`
		INSERT INTO pipeline_failures (stage, category, entity_key, error_message, retry_count, run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT (stage, entity_key) DO UPDATE
		SET retry_count = pipeline_failures.retry_count + 1,
		    category = excluded.category,
		    error_message = excluded.error_message,
		    run_id = excluded.run_id,
		    updated_at = excluded.updated_at
	`), f.Stage, f.Category.String(), f.EntityKey, msg, q.runID, now, now)
	if err != nil {
		return fmt.Errorf("failed to record failure for %s: %w", f.EntityKey, err)
	}

	q.logger.WithFields(logrus.Fields{
		"stage":    f.Stage,
		"category": f.Category.String(),
		"key":      f.EntityKey,
	}).Debug("failure recorded")
	return nil
}

// Resolve removes an entry after the unit of work later succeeded.
func (q *Queue) Resolve(ctx context.Context, stage, entityKey string) error {
	result, err := q.db.ExecContext(ctx, q.db.Rebind(`
		DELETE FROM pipeline_failures WHERE stage = ? AND entity_key = ?
	`), stage, entityKey)
	if err != nil {
		return fmt.Errorf("failed to resolve failure %s: %w", entityKey, err)
	}

	if rows, _ := result.RowsAffected(); rows > 0 {
		q.logger.WithFields(logrus.Fields{
			"stage": stage,
			"key":   entityKey,
		}).Debug("failure resolved")
	}
	return nil
}

// PendingKeys returns the entity keys recorded for stage.
func (q *Queue) PendingKeys(ctx context.Context, stage string) (map[string]bool, error) {
	var keys []string
	err := q.db.SelectContext(ctx, &keys, q.db.Rebind(`
		SELECT entity_key FROM pipeline_failures WHERE stage = ?
	`), stage)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending failures for %s: %w", stage, err)
	}
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k] = true
	}
	return out, nil
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Stage    string
	Category string
	Limit    int
}

// List returns ledger entries, most recently updated first.
func (q *Queue) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT id, stage, category, entity_key, error_message, retry_count, run_id, created_at, updated_at
		FROM pipeline_failures WHERE 1 = 1`
	var args []interface{}
	if f.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, f.Stage)
	}
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	query += ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	var entries []Entry
	if err := q.db.SelectContext(ctx, &entries, q.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	return entries, nil
}

// Stats counts ledger entries per stage and category.
type Stats struct {
	Stage    string `db:"stage" json:"stage"`
	Category string `db:"category" json:"category"`
	Count    int    `db:"n" json:"count"`
}

// GetStats returns ledger totals grouped by stage and category.
func (q *Queue) GetStats(ctx context.Context) ([]Stats, error) {
	var stats []Stats
	err := q.db.SelectContext(ctx, &stats, `
		SELECT stage, category, COUNT(*) AS n
		FROM pipeline_failures
		GROUP BY stage, category
		ORDER BY stage, category
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get failure stats: %w", err)
	}
	return stats, nil
}

// PurgeOld removes entries not updated within olderThan.
func (q *Queue) PurgeOld(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	result, err := q.db.ExecContext(ctx, q.db.Rebind(`
		DELETE FROM pipeline_failures WHERE updated_at < ?
	`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old failures: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		q.logger.WithFields(logrus.Fields{
			"count":      rows,
			"older_than": olderThan,
		}).Info("purged old failures")
	}
	return int(rows), nil
}
