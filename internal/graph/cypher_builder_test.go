package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohankatakam/cdegraph/internal/models"
)

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"CDE", true},
		{"openai_embedding", true},
		{"_x1", true},
		{"", false},
		{"1abc", false},
		{"a-b", false},
		{"CDE) DETACH DELETE n //", false},
		{"name`", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, isValidIdentifier(tt.input))
		})
	}
}

func TestBuildMergeNodes(t *testing.T) {
	b := NewCypherBuilder()
	rows := []map[string]any{{"key": map[string]any{"code": "C1"}, "props": map[string]any{}}}
	q, err := b.BuildMergeNodes("CDE", []string{"code", "version"}, rows, "run-1")
	require.NoError(t, err)

	assert.Contains(t, q, "UNWIND $rows AS row")
	assert.Contains(t, q, "MERGE (n:CDE {code: row.key.code, version: row.key.version})")
	assert.Contains(t, q, "ON CREATE SET n.created_run = $run")
	assert.Contains(t, q, "SET n += row.props, n:Term")
	assert.Equal(t, "run-1", b.Params()["run"])
	assert.Equal(t, rows, b.Params()["rows"])

	_, err = NewCypherBuilder().BuildMergeNodes("CDE x", []string{"code"}, rows, "r")
	assert.Error(t, err)
	_, err = NewCypherBuilder().BuildMergeNodes("CDE", []string{"code}) DELETE n"}, rows, "r")
	assert.Error(t, err)
	_, err = NewCypherBuilder().BuildMergeNodes("CDE", nil, rows, "r")
	assert.Error(t, err)
}

func TestBuildMergeEdges(t *testing.T) {
	entity, err := NewCypherBuilder().BuildMergeEdges(EdgeSpecFor(models.LinkCDEVDM), nil, "run-1")
	require.NoError(t, err)
	assert.Contains(t, entity, "OPTIONAL MATCH (s:CDE {code: row.from_code, version: row.from_version})")
	assert.Contains(t, entity, "OPTIONAL MATCH (d:VDM {code: row.to_code, version: row.to_version})")
	assert.Contains(t, entity, "MERGE (a)-[r:HAS_VDM]->(z) ON CREATE SET r.created_run = $run")
	assert.Contains(t, entity, "size(srcs) AS sources")

	concept, err := NewCypherBuilder().BuildMergeEdges(EdgeSpecFor(models.LinkPVConcept), nil, "run-1")
	require.NoError(t, err)
	assert.Contains(t, concept, "OPTIONAL MATCH (d:NCIT {code: row.to_code})")
	assert.Contains(t, concept, "MERGE (a)-[r:HAS_CONCEPT]->(z)")

	_, err = NewCypherBuilder().BuildMergeEdges(EdgeSpec{Relationship: "HAS-X", FromLabel: "A", ToLabel: "B"}, nil, "run-1")
	assert.Error(t, err)
}

func TestBuildEmbeddingQueries(t *testing.T) {
	b := NewCypherBuilder()
	q, err := b.BuildPendingEmbeddings("PV", "openai_embedding", "", 50)
	require.NoError(t, err)
	assert.Contains(t, q, "n.openai_embedding IS NULL")
	assert.Contains(t, q, "trim(n.definition) <> ''")
	assert.Equal(t, int64(50), b.Params()["limit"])

	b = NewCypherBuilder()
	q, err = b.BuildSetEmbeddings("PV", "openai_embedding", nil, EmbeddingMeta{Model: "m", EmbeddedAt: time.Unix(0, 0)})
	require.NoError(t, err)
	assert.Contains(t, q, "n.embedding_indexed = true")
	assert.Equal(t, "m", b.Params()["model"])
	assert.Equal(t, "1970-01-01T00:00:00Z", b.Params()["at"])

	_, err = NewCypherBuilder().BuildClearEmbeddings("PV", "bad prop")
	assert.Error(t, err)
}

func TestBuildIndexes(t *testing.T) {
	q, err := BuildLookupIndex("CDE", true)
	require.NoError(t, err)
	assert.Equal(t, "CREATE INDEX cde_code_version IF NOT EXISTS FOR (n:CDE) ON (n.code, n.version)", q)

	q, err = BuildLookupIndex("NCIT", false)
	require.NoError(t, err)
	assert.Equal(t, "CREATE INDEX ncit_code IF NOT EXISTS FOR (n:NCIT) ON (n.code)", q)

	q, err = BuildVectorIndex("PV", "openai_embedding", 1536, "cosine")
	require.NoError(t, err)
	assert.Contains(t, q, "CREATE VECTOR INDEX pvIndex IF NOT EXISTS FOR (n:PV) ON (n.openai_embedding)")
	assert.Contains(t, q, "`vector.dimensions`: 1536")

	_, err = BuildVectorIndex("PV", "openai_embedding", 0, "cosine")
	assert.Error(t, err)
	_, err = BuildVectorIndex("PV", "openai_embedding", 8, "dot'")
	assert.Error(t, err)
}

func TestNodeRowsRejectsKeyOverwrite(t *testing.T) {
	_, _, err := nodeRows([]Node{{
		Key:        map[string]any{"code": "C1"},
		Properties: map[string]any{"code": "C2"},
	}})
	assert.Error(t, err)

	rows, fields, err := nodeRows([]Node{{
		Key:        map[string]any{"version": "1", "code": "C1"},
		Properties: map[string]any{"fingerprint": "f"},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"code", "version"}, fields)
	assert.Len(t, rows, 1)
}

func TestBatchConfig(t *testing.T) {
	bc := DefaultBatchConfig()
	assert.Equal(t, 250, bc.GetBatchSizeForLabel("PV"))
	bc.LabelOverrides = map[string]int{"PV": 100}
	assert.Equal(t, 100, bc.GetBatchSizeForLabel("PV"))
	assert.Equal(t, 250, bc.GetBatchSizeForLabel("CDE"))
	assert.Equal(t, DefaultBatchSize, BatchConfig{}.EdgeBatch())
}
