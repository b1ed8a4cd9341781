package graph

import (
	"context"
	"strings"
	"time"

	"github.com/rohankatakam/cdegraph/internal/models"
)

// EntityLabel is the secondary label shared by every entity node.
const EntityLabel = "Term"

var (
	_ Backend = (*Neo4jBackend)(nil)
	_ Backend = (*MemoryBackend)(nil)
)

// Backend defines the graph operations the loaders and the enricher need.
// Neo4jBackend is the production implementation; MemoryBackend backs tests.
type Backend interface {
	// EnsureSchema creates lookup indexes and vector indexes if absent.
	EnsureSchema(ctx context.Context, opts SchemaOptions) error

	// MergeNodes merges one batch of nodes of a single label keyed on the
	// full Node.Key map. Returns how many nodes were created by this call.
	MergeNodes(ctx context.Context, label string, nodes []Node, runID string) (created int, err error)

	// MergeEdges merges one batch of edges. The result slice is aligned
	// with rows and reports how many nodes matched each endpoint and how
	// many relationships this call created.
	MergeEdges(ctx context.Context, spec EdgeSpec, rows []EdgeRow, runID string) ([]EdgeResult, error)

	// PendingEmbeddings pages through nodes of label that have a non-blank
	// definition and no value in property, ordered by ID, starting after
	// the given ID.
	PendingEmbeddings(ctx context.Context, label, property, after string, limit int) ([]EmbeddingTarget, error)

	// SetEmbeddings writes vectors and embedding metadata. Returns the
	// number of nodes updated.
	SetEmbeddings(ctx context.Context, label, property string, vectors []NodeVector, meta EmbeddingMeta) (int, error)

	// ClearEmbeddings removes the embedding property and metadata from
	// every node of label. Returns the number of nodes cleared.
	ClearEmbeddings(ctx context.Context, label, property string) (int64, error)

	CountNodes(ctx context.Context, label string) (int64, error)
	CountEdges(ctx context.Context, spec EdgeSpec) (int64, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// Node is a node to merge. Key properties identify the node and are never
// overwritten; Properties are set on every merge.
type Node struct {
	Key        map[string]any
	Properties map[string]any
}

// NodeFromEntity projects a relational row onto a graph node.
func NodeFromEntity(e *models.Entity) Node {
	return Node{
		Key: e.GraphKey(),
		Properties: map[string]any{
			"fingerprint": e.Fingerprint,
			"updated_at":  time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// EdgeSpec describes how one link table is projected onto relationships.
// Entity endpoints match on code and version; concept targets match on
// code only.
type EdgeSpec struct {
	Relationship string
	FromLabel    string
	ToLabel      string
	ToVersioned  bool
}

// EdgeSpecFor returns the projection of a link table.
func EdgeSpecFor(lt models.LinkType) EdgeSpec {
	return EdgeSpec{
		Relationship: lt.Relationship,
		FromLabel:    string(lt.From),
		ToLabel:      lt.TargetLabel(),
		ToVersioned:  !lt.IsConcept(),
	}
}

// EdgeRow is one link row to merge.
type EdgeRow struct {
	FromCode    string
	FromVersion string
	ToCode      string
	ToVersion   string
}

// EdgeRowFromLink converts a link table row.
func EdgeRowFromLink(l models.Link) EdgeRow {
	return EdgeRow{FromCode: l.From.Code, FromVersion: l.From.Version, ToCode: l.To.Code, ToVersion: l.To.Version}
}

// EdgeResult reports endpoint matches for one EdgeRow.
type EdgeResult struct {
	Sources int
	Targets int
	Created int
}

// Dangling reports whether either endpoint was missing.
func (r EdgeResult) Dangling() bool {
	return r.Sources == 0 || r.Targets == 0
}

// MissingSide names the missing endpoint(s) for the failure ledger.
func (r EdgeResult) MissingSide() string {
	switch {
	case r.Sources == 0 && r.Targets == 0:
		return "both"
	case r.Sources == 0:
		return "source"
	case r.Targets == 0:
		return "target"
	}
	return ""
}

// EmbeddingTarget is a node waiting for an embedding.
type EmbeddingTarget struct {
	ID   string
	Text string
}

// NodeVector pairs a node ID with its embedding.
type NodeVector struct {
	ID     string
	Vector []float32
}

// EmbeddingMeta is written next to every vector.
type EmbeddingMeta struct {
	Model      string
	EmbeddedAt time.Time
}

// SchemaOptions controls EnsureSchema.
type SchemaOptions struct {
	// Labels get a (code, version) lookup index; CodeLabels a code index.
	Labels         []string
	CodeLabels     []string
	VectorLabels   []string
	VectorProperty string
	Dimensions     int
	Similarity     string
}

// LookupSchema returns the lookup indexes node and edge merges rely on:
// (code, version) on every entity label and code on concept nodes.
func LookupSchema() SchemaOptions {
	labels := make([]string, len(models.AllKinds))
	for i, k := range models.AllKinds {
		labels[i] = string(k)
	}
	return SchemaOptions{Labels: labels, CodeLabels: []string{models.ConceptLabel}}
}

// VectorIndexName returns the vector index name for a label, e.g. "pvIndex".
func VectorIndexName(label string) string {
	return strings.ToLower(label) + "Index"
}
