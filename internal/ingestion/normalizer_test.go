package ingestion

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohankatakam/cdegraph/internal/dlq"
	"github.com/rohankatakam/cdegraph/internal/metrics"
	"github.com/rohankatakam/cdegraph/internal/models"
	"github.com/rohankatakam/cdegraph/internal/storage"
)

var fixtureDir = filepath.Join("..", "..", "test", "fixtures", "cadsr")

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func defaultMapper() *Mapper {
	return NewMapper(MapperOptions{SkipRetired: true, EnumeratedOnly: true, ConceptOrigin: "NCI"})
}

func fixtureSource(t *testing.T) *Source {
	t.Helper()
	files, err := WalkSourceFiles(fixtureDir)
	require.NoError(t, err)
	require.NotEmpty(t, files.XML)
	return &Source{Files: files.XML, Mapper: defaultMapper(), Logger: quietLogger()}
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewSQLiteStore(context.Background(), ":memory:", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMapperRecognizesNestedEntities(t *testing.T) {
	src := fixtureSource(t)
	var frags []*Fragment
	require.NoError(t, src.Each(context.Background(), func(f *Fragment) error {
		frags = append(frags, f)
		return nil
	}, nil))
	require.Len(t, frags, 5)

	c1 := frags[0].Records
	require.Len(t, c1, 1)
	assert.Equal(t, models.KindCDE, c1[0].Kind)
	assert.Equal(t, "C1", c1[0].Entity.Code)
	assert.Equal(t, "PT_SEX_CD", c1[0].Entity.ShortName)

	var kinds []models.Kind
	var pvs []*Record
	require.NoError(t, c1[0].Walk(func(parent, r *Record) error {
		kinds = append(kinds, r.Kind)
		if r.Kind == models.KindPV {
			assert.Equal(t, models.KindVDM, parent.Kind, "PV's nearest entity ancestor is its VDM")
			pvs = append(pvs, r)
		}
		return nil
	}))
	assert.Equal(t, []models.Kind{models.KindCDE, models.KindDEC, models.KindOC, models.KindPR, models.KindVDM, models.KindPV, models.KindPV}, kinds)

	require.Len(t, pvs, 2)
	assert.Equal(t, "Male", pvs[0].Entity.Term)
	assert.Equal(t, "M", pvs[0].Entity.ShortName)
	assert.Equal(t, []string{"C20197"}, pvs[0].Concepts)
	assert.Equal(t, []string{"C16576", "C46110"}, pvs[1].Concepts)

	// Retired CDE is filtered with its subtree.
	c2 := frags[1].Records[0]
	assert.Equal(t, StatusFiltered, c2.Status)
	assert.Empty(t, c2.Children)

	// Missing version rejects the CDE but not its children.
	c4 := frags[3].Records[0]
	assert.Equal(t, StatusRejected, c4.Status)
	assert.Contains(t, c4.Reason, "version")
	require.Len(t, c4.Children, 1)
	assert.Equal(t, StatusAccepted, c4.Children[0].Status)

	assert.Error(t, frags[4].Err)
}

func TestMapperFiltersCanBeDisabled(t *testing.T) {
	m := NewMapper(MapperOptions{})
	el, err := parseElement([]byte(`<DataElement><PUBLICID>C2</PUBLICID><VERSION>1</VERSION><WORKFLOWSTATUS>RETIRED</WORKFLOWSTATUS>
		<ValueDomain><PublicId>V9</PublicId><Version>1</Version><ValueDomainType>NonEnumerated</ValueDomainType></ValueDomain></DataElement>`))
	require.NoError(t, err)

	recs := m.Map(el, "inline:1")
	require.Len(t, recs, 1)
	assert.Equal(t, StatusAccepted, recs[0].Status)
	require.Len(t, recs[0].Children, 1)
	assert.Equal(t, StatusAccepted, recs[0].Children[0].Status)
}

func TestMapperConceptOriginFilter(t *testing.T) {
	m := NewMapper(MapperOptions{ConceptOrigin: "NCI"})
	el, err := parseElement([]byte(`<PermissibleValues_ITEM><VMPUBLICID>P7</VMPUBLICID><VMVERSION>1</VMVERSION>
		<VALUEMEANING>Other</VALUEMEANING><MEANINGCONCEPTS>X1</MEANINGCONCEPTS><MEANINGCONCEPTORIGIN>LOINC</MEANINGCONCEPTORIGIN></PermissibleValues_ITEM>`))
	require.NoError(t, err)

	recs := m.Map(el, "inline:1")
	require.Len(t, recs, 1)
	assert.Equal(t, "X1", recs[0].Entity.ConceptCode, "attribute is kept")
	assert.Empty(t, recs[0].Concepts, "but no concept link for a non-NCI origin")
}

func TestMapperExtraAliases(t *testing.T) {
	m := NewMapper(MapperOptions{ExtraAliases: map[models.Kind]FieldMap{
		models.KindOC: {AttrCode: {"oc_id"}},
	}})
	el, err := parseElement([]byte(`<ObjectClass><OC_ID>O9</OC_ID><Version>2</Version></ObjectClass>`))
	require.NoError(t, err)
	recs := m.Map(el, "inline:1")
	require.Len(t, recs, 1)
	assert.Equal(t, "O9", recs[0].Entity.Code)
}

func TestNormalizerCounts(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	n := NewNormalizer(store, nil, quietLogger(), 1)

	stats, err := n.Run(ctx, fixtureSource(t), "run-1")
	require.NoError(t, err)

	tests := []struct {
		scope   string
		outcome metrics.Outcome
		want    int64
	}{
		{"CDE", metrics.Inserted, 2},
		{"CDE", metrics.Filtered, 1},
		{"CDE", metrics.Rejected, 1},
		{"DEC", metrics.Inserted, 2},
		{"DEC", metrics.Duplicate, 1},
		{"OC", metrics.Inserted, 1},
		{"OC", metrics.Duplicate, 2},
		{"PR", metrics.Inserted, 2},
		{"PR", metrics.Duplicate, 1},
		{"VDM", metrics.Inserted, 1},
		{"VDM", metrics.Filtered, 1},
		{"PV", metrics.Inserted, 2},
		{"file", metrics.Rejected, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stats.Get(tt.scope, tt.outcome), "%s %s", tt.scope, tt.outcome)
	}

	count, err := store.CountEntities(ctx, models.KindOC)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestNormalizerIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	n := NewNormalizer(store, nil, quietLogger(), 4)

	_, err := n.Run(ctx, fixtureSource(t), "run-1")
	require.NoError(t, err)
	before := countAll(t, store)

	stats, err := n.Run(ctx, fixtureSource(t), "run-2")
	require.NoError(t, err)
	assert.Equal(t, before, countAll(t, store))
	assert.Zero(t, stats.Total(metrics.Inserted))
	assert.Zero(t, stats.Total(metrics.Revised))
}

func TestNormalizerDetectsRevision(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	n := NewNormalizer(store, nil, quietLogger(), 1)
	src := &Source{Mapper: defaultMapper(), Logger: quietLogger()}

	doc := func(def string) string {
		return `<DataElement><PUBLICID>C9</PUBLICID><VERSION>1</VERSION><WORKFLOWSTATUS>RELEASED</WORKFLOWSTATUS>` +
			`<PREFERREDDEFINITION>` + def + `</PREFERREDDEFINITION></DataElement>`
	}
	stats := metrics.NewStageStats(metrics.StageNormalize, "run")
	for _, def := range []string{"first", "second"} {
		require.NoError(t, src.EachInReader(ctx, strings.NewReader(doc(def)), "inline", func(f *Fragment) error {
			return n.ProcessFragment(ctx, f, stats)
		}))
	}
	assert.Equal(t, int64(1), stats.Get("CDE", metrics.Inserted))
	assert.Equal(t, int64(1), stats.Get("CDE", metrics.Revised))

	count, err := store.CountEntities(ctx, models.KindCDE)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestWalkSourceFiles(t *testing.T) {
	files, err := WalkSourceFiles(fixtureDir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(fixtureDir, "sample.xml")}, files.XML)

	single, err := WalkSourceFiles(filepath.Join(fixtureDir, "sample.xml"))
	require.NoError(t, err)
	assert.Len(t, single.XML, 1)

	_, err = WalkSourceFiles(filepath.Join(fixtureDir, "missing"))
	assert.Error(t, err)
}

func countAll(t *testing.T, store storage.Store) map[models.Kind]int64 {
	t.Helper()
	out := make(map[models.Kind]int64)
	for _, kind := range models.AllKinds {
		n, err := store.CountEntities(context.Background(), kind)
		require.NoError(t, err)
		out[kind] = n
	}
	return out
}

type keyRecorder struct {
	dlq.Nop
	mu   sync.Mutex
	keys []string
}

func (r *keyRecorder) Record(_ context.Context, f dlq.Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, f.EntityKey)
	return nil
}

func releasedCDE(code string) string {
	return `<DataElement><PUBLICID>` + code + `</PUBLICID><VERSION>1</VERSION>` +
		`<WORKFLOWSTATUS>RELEASED</WORKFLOWSTATUS><LONGNAME>` + code + ` term</LONGNAME></DataElement>`
}

func TestNormalizerSkipsUnclosedRecordMidFile(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	failures := &keyRecorder{}
	n := NewNormalizer(store, failures, quietLogger(), 1)
	src := &Source{Mapper: defaultMapper(), Logger: quietLogger()}

	broken := `<DataElement><PUBLICID>C7</PUBLICID><VERSION>1</VERSION><WORKFLOWSTATUS>RELEASED</WORKFLOWSTATUS>`
	doc := `<?xml version="1.0"?><DataElementsList>` + broken + releasedCDE("C8") + releasedCDE("C9") + `</DataElementsList>`

	stats := metrics.NewStageStats(metrics.StageNormalize, "run")
	var frags int
	require.NoError(t, src.EachInReader(ctx, strings.NewReader(doc), "mid.xml", func(f *Fragment) error {
		frags++
		return n.ProcessFragment(ctx, f, stats)
	}))

	assert.Equal(t, 3, frags)
	assert.Equal(t, int64(1), stats.Get("file", metrics.Rejected))
	assert.Equal(t, int64(2), stats.Get("CDE", metrics.Inserted))
	assert.Equal(t, []string{"mid.xml:1"}, failures.keys)

	count, err := store.CountEntities(ctx, models.KindCDE)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestNormalizerLedgerKeysAreDistinctPerRecord(t *testing.T) {
	ctx := context.Background()
	failures := &keyRecorder{}
	n := NewNormalizer(newStore(t), failures, quietLogger(), 1)
	src := &Source{Mapper: defaultMapper(), Logger: quietLogger()}

	pv := func(value string) string {
		return `<PermissibleValues_ITEM><VALIDVALUE>` + value + `</VALIDVALUE><VMPUBLICID>P` + value + `</VMPUBLICID></PermissibleValues_ITEM>`
	}
	doc := `<ValueDomain><PublicId>V5</PublicId><Version>1</Version><ValueDomainType>Enumerated</ValueDomainType>` +
		`<PermissibleValues>` + pv("A") + pv("B") + `</PermissibleValues></ValueDomain>`

	stats := metrics.NewStageStats(metrics.StageNormalize, "run")
	require.NoError(t, src.EachInReader(ctx, strings.NewReader(doc), "vd.xml", func(f *Fragment) error {
		return n.ProcessFragment(ctx, f, stats)
	}))

	assert.Equal(t, int64(2), stats.Get("PV", metrics.Rejected))
	require.Len(t, failures.keys, 2)
	assert.NotEqual(t, failures.keys[0], failures.keys[1])
	assert.Equal(t, "vd.xml:1:PV#2", failures.keys[0])
}
