package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohankatakam/cdegraph/internal/metrics"
	"github.com/rohankatakam/cdegraph/internal/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	store, err := NewSQLiteStore(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func cde(code, version, term, def string) *models.Entity {
	return &models.Entity{Code: code, Version: version, Type: models.KindCDE, Term: term, Definition: def}
}

func TestUpsertEntityOutcomes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	tests := []struct {
		name   string
		entity *models.Entity
		want   metrics.Outcome
	}{
		{"first insert", cde("C1", "1", "Age", "Age in years"), metrics.Inserted},
		{"exact duplicate", cde("C1", "1", "Age", "Age in years"), metrics.Duplicate},
		{"same code/version, new content", cde("C1", "1", "Age", "Age in whole years"), metrics.Revised},
		{"new version", cde("C1", "2", "Age", "Age in years"), metrics.Inserted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.UpsertEntity(ctx, tt.entity)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	n, err := store.CountEntities(ctx, models.KindCDE)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "homonymous C1@1 rows are both kept")
}

func TestUpsertEntityIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	batch := []*models.Entity{
		cde("C1", "1", "Age", "Age in years"),
		{Code: "P1", Version: "1", Type: models.KindPV, Term: "Male", ConceptCode: "C20197", ConceptOrigin: "NCI Thesaurus"},
		{Code: "P1", Version: "1", Type: models.KindPV, Term: "Male", ConceptCode: "C46109", ConceptOrigin: "NCI Thesaurus"},
	}
	for round := 0; round < 2; round++ {
		for _, e := range batch {
			cp := *e
			_, err := store.UpsertEntity(ctx, &cp)
			require.NoError(t, err)
		}
	}

	n, err := store.CountEntities(ctx, models.KindPV)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "PV rows differing only in concept_code are distinct")

	n, err = store.CountEntities(ctx, models.KindCDE)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEachEntityRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	pv := &models.Entity{Code: "P9", Version: "1", Type: models.KindPV, Term: "Yes", ShortName: "Y",
		ConceptCode: "C49488", ConceptOrigin: "NCI Thesaurus"}
	_, err := store.UpsertEntity(ctx, pv)
	require.NoError(t, err)

	var got []*models.Entity
	err = store.EachEntity(ctx, models.KindPV, func(e *models.Entity) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "C49488", got[0].ConceptCode)
	assert.Equal(t, models.KindPV, got[0].Type)
	assert.Equal(t, pv.ComputeFingerprint(), got[0].Fingerprint)
	assert.False(t, got[0].CreatedAt.IsZero())
}

func TestUpsertLink(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	link := models.Link{From: models.Ref{Code: "C1", Version: "1"}, To: models.Ref{Code: "V1", Version: "1"}}
	got, err := store.UpsertLink(ctx, models.LinkCDEVDM, link)
	require.NoError(t, err)
	assert.Equal(t, metrics.Inserted, got)

	got, err = store.UpsertLink(ctx, models.LinkCDEVDM, link)
	require.NoError(t, err)
	assert.Equal(t, metrics.Duplicate, got)

	concept := models.Link{From: models.Ref{Code: "P1", Version: "1"}, To: models.Ref{Code: "C20197"}}
	got, err = store.UpsertLink(ctx, models.LinkPVConcept, concept)
	require.NoError(t, err)
	assert.Equal(t, metrics.Inserted, got)

	var links []models.Link
	require.NoError(t, store.EachLink(ctx, models.LinkPVConcept, func(l models.Link) error {
		links = append(links, l)
		return nil
	}))
	require.Len(t, links, 1)
	assert.Equal(t, concept, links[0])

	n, err := store.CountLinks(ctx, models.LinkCDEVDM)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestForwardReferencesAllowed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// No entity rows exist for either endpoint.
	_, err := store.UpsertLink(ctx, models.LinkVDMPV, models.Link{
		From: models.Ref{Code: "V404", Version: "1"},
		To:   models.Ref{Code: "P404", Version: "1"},
	})
	assert.NoError(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, store.Ping(context.Background()))
	assert.Equal(t, DialectSQLite, store.Dialect())
}

func TestEachPagesThroughLargeTables(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	total := pageSize*2 + 7
	for i := 0; i < total; i++ {
		code := fmt.Sprintf("C%05d", i)
		_, err := store.UpsertEntity(ctx, cde(code, "1", "t", "d"))
		require.NoError(t, err)
		_, err = store.UpsertLink(ctx, models.LinkOCConcept, models.Link{
			From: models.Ref{Code: "O1", Version: "1"},
			To:   models.Ref{Code: code},
		})
		require.NoError(t, err)
	}

	seen := 0
	prev := ""
	require.NoError(t, store.EachEntity(ctx, models.KindCDE, func(e *models.Entity) error {
		assert.Greater(t, e.Code, prev)
		prev = e.Code
		seen++
		// Writing from inside the callback must not block on the single connection.
		_, err := store.UpsertLink(ctx, models.LinkCDEDEC, models.Link{From: e.Ref(), To: models.Ref{Code: "D1", Version: "1"}})
		return err
	}))
	assert.Equal(t, total, seen)

	links := 0
	require.NoError(t, store.EachLink(ctx, models.LinkOCConcept, func(models.Link) error {
		links++
		return nil
	}))
	assert.Equal(t, total, links)
}
