package storage

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/rohankatakam/cdegraph/internal/metrics"
	"github.com/rohankatakam/cdegraph/internal/models"
)

// Common errors
var (
	ErrUnknownDialect = errors.New("unknown storage dialect")
)

// Dialect names the relational engine behind a Store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Store is the Schema Store: six entity tables and eight link tables,
// written with insert-if-absent semantics and never updated or deleted.
type Store interface {
	// UpsertEntity inserts the entity unless its full attribute tuple is
	// already present. Returns metrics.Inserted, metrics.Revised (new row for
	// a code/version that already exists with other content) or metrics.Duplicate.
	UpsertEntity(ctx context.Context, e *models.Entity) (metrics.Outcome, error)
	// UpsertLink inserts a link row unless present. Returns metrics.Inserted or metrics.Duplicate.
	UpsertLink(ctx context.Context, lt models.LinkType, l models.Link) (metrics.Outcome, error)

	// EachEntity streams all rows of kind ordered by code and version. Rows
	// are fetched in pages, so fn may use the store while iterating.
	EachEntity(ctx context.Context, kind models.Kind, fn func(*models.Entity) error) error
	// EachLink streams all rows of a link table.
	EachLink(ctx context.Context, lt models.LinkType, fn func(models.Link) error) error

	CountEntities(ctx context.Context, kind models.Kind) (int64, error)
	CountLinks(ctx context.Context, lt models.LinkType) (int64, error)

	// Migrate applies pending schema migrations.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Dialect() Dialect
	// DB exposes the handle for auxiliary tables (failure ledger).
	DB() *sqlx.DB
	Close() error
}
