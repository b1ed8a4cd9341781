package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/rohankatakam/cdegraph/internal/metrics"
	"github.com/rohankatakam/cdegraph/internal/models"
)

// SQLStore implements Store on sqlx for both SQLite and PostgreSQL.
// Queries are written with ? placeholders and rebound per driver.
type SQLStore struct {
	db      *sqlx.DB
	dialect Dialect
	dsn     string
	logger  *logrus.Logger

	insertEntity map[models.Kind]string
	revisionOf   map[models.Kind]string
	insertLink   map[string]string
	selectLinks  map[string]linkPageQueries
}

// Rows are read in keyset-ordered pages so no cursor stays open while the
// caller's callback runs. SQLite allows only one connection.
const pageSize = 1000

type linkPageQueries struct {
	first string
	after string
	keys  int
}

func newSQLStore(db *sqlx.DB, dialect Dialect, dsn string, logger *logrus.Logger) *SQLStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &SQLStore{
		db:           db,
		dialect:      dialect,
		dsn:          dsn,
		logger:       logger,
		insertEntity: make(map[models.Kind]string),
		revisionOf:   make(map[models.Kind]string),
		insertLink:   make(map[string]string),
		selectLinks:  make(map[string]linkPageQueries),
	}
	s.prepareQueries()
	return s
}

func entityColumns(kind models.Kind) []string {
	cols := []string{"code", "version", "type", "term", "definition", "context", "short_name"}
	if kind.HasConcept() {
		cols = append(cols, "concept_code", "concept_origin")
	}
	return append(cols, "content_fingerprint", "created_at")
}

func (s *SQLStore) prepareQueries() {
	for _, kind := range models.AllKinds {
		cols := entityColumns(kind)
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		s.insertEntity[kind] = s.db.Rebind(fmt.Sprintf(
			`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING`,
			kind.Table(), strings.Join(cols, ", "), placeholders))
		s.revisionOf[kind] = s.db.Rebind(fmt.Sprintf(
			`SELECT COUNT(*) FROM %s WHERE code = ? AND version = ? AND content_fingerprint <> ?`,
			kind.Table()))
	}

	for _, lt := range models.AllLinkTypes {
		fromCode, fromVersion := lt.FromColumns()
		toCode, toVersion := lt.ToColumns()
		if lt.IsConcept() {
			s.insertLink[lt.Table] = s.db.Rebind(fmt.Sprintf(
				`INSERT INTO %s (%s, %s, %s, created_at) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
				lt.Table, fromCode, fromVersion, toCode))
			s.selectLinks[lt.Table] = s.linkPages(lt.Table,
				[]string{fromCode, fromVersion, toCode},
				[]string{"from_code", "from_version", "to_code"})
			continue
		}
		s.insertLink[lt.Table] = s.db.Rebind(fmt.Sprintf(
			`INSERT INTO %s (%s, %s, %s, %s, created_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			lt.Table, fromCode, fromVersion, toCode, toVersion))
		s.selectLinks[lt.Table] = s.linkPages(lt.Table,
			[]string{fromCode, fromVersion, toCode, toVersion},
			[]string{"from_code", "from_version", "to_code", "to_version"})
	}
}

func (s *SQLStore) linkPages(table string, cols, aliases []string) linkPageQueries {
	selects := make([]string, len(cols))
	for i := range cols {
		selects[i] = cols[i] + " AS " + aliases[i]
	}
	key := strings.Join(cols, ", ")
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	base := fmt.Sprintf(`SELECT %s FROM %s`, strings.Join(selects, ", "), table)
	return linkPageQueries{
		first: s.db.Rebind(fmt.Sprintf(`%s ORDER BY %s LIMIT %d`, base, key, pageSize)),
		after: s.db.Rebind(fmt.Sprintf(`%s WHERE (%s) > (%s) ORDER BY %s LIMIT %d`,
			base, key, placeholders, key, pageSize)),
		keys: len(cols),
	}
}

// Dialect returns the engine behind the store.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// DB returns the underlying handle.
func (s *SQLStore) DB() *sqlx.DB { return s.db }

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) UpsertEntity(ctx context.Context, e *models.Entity) (metrics.Outcome, error) {
	query, ok := s.insertEntity[e.Type]
	if !ok {
		return "", fmt.Errorf("upsert entity: unknown kind %q", e.Type)
	}
	if e.Fingerprint == "" {
		e.Fingerprint = e.ComputeFingerprint()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	args := []interface{}{e.Code, e.Version, string(e.Type), e.Term, e.Definition, e.Context, e.ShortName}
	if e.Type.HasConcept() {
		args = append(args, e.ConceptCode, e.ConceptOrigin)
	}
	args = append(args, e.Fingerprint, e.CreatedAt)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return "", fmt.Errorf("insert %s %s: %w", e.Type, e.Ref(), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("insert %s %s: rows affected: %w", e.Type, e.Ref(), err)
	}
	if affected == 0 {
		return metrics.Duplicate, nil
	}

	var others int64
	if err := s.db.GetContext(ctx, &others, s.revisionOf[e.Type], e.Code, e.Version, e.Fingerprint); err != nil {
		return "", fmt.Errorf("check revisions of %s %s: %w", e.Type, e.Ref(), err)
	}
	if others > 0 {
		s.logger.WithFields(logrus.Fields{
			"kind":    e.Type,
			"code":    e.Code,
			"version": e.Version,
		}).Debug("content changed for existing code/version, kept as new row")
		return metrics.Revised, nil
	}
	return metrics.Inserted, nil
}

func (s *SQLStore) UpsertLink(ctx context.Context, lt models.LinkType, l models.Link) (metrics.Outcome, error) {
	query, ok := s.insertLink[lt.Table]
	if !ok {
		return "", fmt.Errorf("upsert link: unknown table %q", lt.Table)
	}
	args := []interface{}{l.From.Code, l.From.Version, l.To.Code}
	if !lt.IsConcept() {
		args = append(args, l.To.Version)
	}
	args = append(args, time.Now().UTC())

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return "", fmt.Errorf("insert link %s: %w", l.Key(lt), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("insert link %s: rows affected: %w", l.Key(lt), err)
	}
	if affected == 0 {
		return metrics.Duplicate, nil
	}
	return metrics.Inserted, nil
}

func (s *SQLStore) EachEntity(ctx context.Context, kind models.Kind, fn func(*models.Entity) error) error {
	base := fmt.Sprintf(`SELECT %s FROM %s`, strings.Join(entityColumns(kind), ", "), kind.Table())
	first := fmt.Sprintf(`%s ORDER BY code, version, content_fingerprint LIMIT %d`, base, pageSize)
	after := s.db.Rebind(fmt.Sprintf(
		`%s WHERE (code, version, content_fingerprint) > (?, ?, ?) ORDER BY code, version, content_fingerprint LIMIT %d`,
		base, pageSize))

	var last *models.Entity
	for {
		var page []models.Entity
		var err error
		if last == nil {
			err = s.db.SelectContext(ctx, &page, first)
		} else {
			err = s.db.SelectContext(ctx, &page, after, last.Code, last.Version, last.Fingerprint)
		}
		if err != nil {
			return fmt.Errorf("query %s: %w", kind.Table(), err)
		}
		for i := range page {
			if err := fn(&page[i]); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		last = &page[len(page)-1]
	}
}

type linkRow struct {
	FromCode    string `db:"from_code"`
	FromVersion string `db:"from_version"`
	ToCode      string `db:"to_code"`
	ToVersion   string `db:"to_version"`
}

func (r linkRow) keyArgs(n int) []interface{} {
	args := []interface{}{r.FromCode, r.FromVersion, r.ToCode, r.ToVersion}
	return args[:n]
}

func (s *SQLStore) EachLink(ctx context.Context, lt models.LinkType, fn func(models.Link) error) error {
	q, ok := s.selectLinks[lt.Table]
	if !ok {
		return fmt.Errorf("each link: unknown table %q", lt.Table)
	}

	var last *linkRow
	for {
		var page []linkRow
		var err error
		if last == nil {
			err = s.db.SelectContext(ctx, &page, q.first)
		} else {
			err = s.db.SelectContext(ctx, &page, q.after, last.keyArgs(q.keys)...)
		}
		if err != nil {
			return fmt.Errorf("query %s: %w", lt.Table, err)
		}
		for _, r := range page {
			l := models.Link{
				From: models.Ref{Code: r.FromCode, Version: r.FromVersion},
				To:   models.Ref{Code: r.ToCode, Version: r.ToVersion},
			}
			if err := fn(l); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		last = &page[len(page)-1]
	}
}

func (s *SQLStore) CountEntities(ctx context.Context, kind models.Kind) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM `+kind.Table()); err != nil {
		return 0, fmt.Errorf("count %s: %w", kind.Table(), err)
	}
	return n, nil
}

func (s *SQLStore) CountLinks(ctx context.Context, lt models.LinkType) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM `+lt.Table); err != nil {
		return 0, fmt.Errorf("count %s: %w", lt.Table, err)
	}
	return n, nil
}
