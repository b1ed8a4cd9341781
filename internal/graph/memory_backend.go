package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type memNode struct {
	id     string
	labels map[string]bool
	props  map[string]any
}

// MemoryBackend is an in-process Backend with the same merge semantics as
// Neo4jBackend. It backs tests and dry runs.
type MemoryBackend struct {
	mu     sync.RWMutex
	nextID int
	nodes  map[string]*memNode
	// label -> merge key -> node
	byKey map[string]map[string]*memNode
	// label -> code\x1fversion -> nodes
	byRef map[string]map[string][]*memNode
	// relationship -> from id \x1f to id -> created run
	edges map[string]map[string]string
	// every EnsureSchema call, in order
	schemas []SchemaOptions
}

// NewMemoryBackend creates an empty in-memory graph.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		nodes: make(map[string]*memNode),
		byKey: make(map[string]map[string]*memNode),
		byRef: make(map[string]map[string][]*memNode),
		edges: make(map[string]map[string]string),
	}
}

// SchemaCalls returns the options of every EnsureSchema call so far.
func (m *MemoryBackend) SchemaCalls() []SchemaOptions {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SchemaOptions(nil), m.schemas...)
}

func (m *MemoryBackend) newNode(label string, props map[string]any) *memNode {
	m.nextID++
	n := &memNode{
		id:     fmt.Sprintf("4:mem:%08d", m.nextID),
		labels: map[string]bool{label: true},
		props:  props,
	}
	m.nodes[n.id] = n
	code, _ := props["code"].(string)
	version, _ := props["version"].(string)
	if m.byRef[label] == nil {
		m.byRef[label] = make(map[string][]*memNode)
	}
	ref := code + "\x1f" + version
	m.byRef[label][ref] = append(m.byRef[label][ref], n)
	if version != "" {
		codeOnly := code + "\x1f"
		m.byRef[label][codeOnly] = append(m.byRef[label][codeOnly], n)
	}
	return n
}

// AddNode creates a node outside the merge path, e.g. an external concept
// node. Returns its ID.
func (m *MemoryBackend) AddNode(label string, props map[string]any) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]any, len(props))
	for k, v := range props {
		cp[k] = v
	}
	return m.newNode(label, cp).id
}

func (m *MemoryBackend) EnsureSchema(ctx context.Context, opts SchemaOptions) error {
	for _, label := range append(append([]string{}, opts.Labels...), opts.CodeLabels...) {
		if _, err := BuildLookupIndex(label, true); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.schemas = append(m.schemas, opts)
	m.mu.Unlock()
	for _, label := range opts.VectorLabels {
		if _, err := BuildVectorIndex(label, opts.VectorProperty, opts.Dimensions, opts.Similarity); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func mergeKey(fields []string, key map[string]any) string {
	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, "%s=%v\x1f", f, key[f])
	}
	return b.String()
}

func (m *MemoryBackend) MergeNodes(ctx context.Context, label string, nodes []Node, runID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(nodes) == 0 {
		return 0, nil
	}
	rows, keyFields, err := nodeRows(nodes)
	if err != nil {
		return 0, err
	}
	if _, err := NewCypherBuilder().BuildMergeNodes(label, keyFields, rows, runID); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byKey[label] == nil {
		m.byKey[label] = make(map[string]*memNode)
	}
	created := 0
	for _, node := range nodes {
		k := mergeKey(keyFields, node.Key)
		n, ok := m.byKey[label][k]
		if !ok {
			props := make(map[string]any, len(node.Key)+len(node.Properties)+1)
			for f, v := range node.Key {
				props[f] = v
			}
			props["created_run"] = runID
			n = m.newNode(label, props)
			m.byKey[label][k] = n
			created++
		}
		for p, v := range node.Properties {
			n.props[p] = v
		}
		n.labels[EntityLabel] = true
	}
	return created, nil
}

func (m *MemoryBackend) MergeEdges(ctx context.Context, spec EdgeSpec, rows []EdgeRow, runID string) ([]EdgeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := NewCypherBuilder().BuildMergeEdges(spec, nil, runID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.edges[spec.Relationship] == nil {
		m.edges[spec.Relationship] = make(map[string]string)
	}
	out := make([]EdgeResult, len(rows))
	for i, r := range rows {
		srcs := m.byRef[spec.FromLabel][r.FromCode+"\x1f"+r.FromVersion]
		toVersion := r.ToVersion
		if !spec.ToVersioned {
			toVersion = ""
		}
		dsts := m.byRef[spec.ToLabel][r.ToCode+"\x1f"+toVersion]
		created := 0
		for _, s := range srcs {
			for _, d := range dsts {
				pair := s.id + "\x1f" + d.id
				if _, ok := m.edges[spec.Relationship][pair]; !ok {
					m.edges[spec.Relationship][pair] = runID
					created++
				}
			}
		}
		out[i] = EdgeResult{Sources: len(srcs), Targets: len(dsts), Created: created}
	}
	return out, nil
}

func (m *MemoryBackend) labelNodes(label string) []*memNode {
	var out []*memNode
	for _, n := range m.nodes {
		if n.labels[label] {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *MemoryBackend) PendingEmbeddings(ctx context.Context, label, property, after string, limit int) ([]EmbeddingTarget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := NewCypherBuilder().BuildPendingEmbeddings(label, property, after, limit); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []EmbeddingTarget
	for _, n := range m.labelNodes(label) {
		if n.id <= after {
			continue
		}
		if _, has := n.props[property]; has {
			continue
		}
		def, _ := n.props["definition"].(string)
		if strings.TrimSpace(def) == "" {
			continue
		}
		out = append(out, EmbeddingTarget{ID: n.id, Text: def})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryBackend) SetEmbeddings(ctx context.Context, label, property string, vectors []NodeVector, meta EmbeddingMeta) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, err := NewCypherBuilder().BuildSetEmbeddings(label, property, nil, meta); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := 0
	for _, v := range vectors {
		n, ok := m.nodes[v.ID]
		if !ok || !n.labels[label] {
			continue
		}
		n.props[property] = append([]float32(nil), v.Vector...)
		n.props["embedding_model"] = meta.Model
		n.props["embedded_at"] = meta.EmbeddedAt
		n.props["embedding_indexed"] = true
		updated++
	}
	return updated, nil
}

func (m *MemoryBackend) ClearEmbeddings(ctx context.Context, label, property string) (int64, error) {
	if _, err := NewCypherBuilder().BuildClearEmbeddings(label, property); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var cleared int64
	for _, n := range m.labelNodes(label) {
		if _, has := n.props[property]; !has {
			continue
		}
		for _, p := range []string{property, "embedding_model", "embedded_at", "embedding_indexed"} {
			delete(n.props, p)
		}
		cleared++
	}
	return cleared, ctx.Err()
}

func (m *MemoryBackend) CountNodes(ctx context.Context, label string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.labelNodes(label))), ctx.Err()
}

func (m *MemoryBackend) CountEdges(ctx context.Context, spec EdgeSpec) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var count int64
	for pair := range m.edges[spec.Relationship] {
		ids := strings.SplitN(pair, "\x1f", 2)
		if m.nodes[ids[0]].labels[spec.FromLabel] && m.nodes[ids[1]].labels[spec.ToLabel] {
			count++
		}
	}
	return count, ctx.Err()
}

func (m *MemoryBackend) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryBackend) Close(context.Context) error {
	return nil
}

// NodeProps returns copies of the properties of every node of label,
// ordered by creation.
func (m *MemoryBackend) NodeProps(label string) []map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []map[string]any
	for _, n := range m.labelNodes(label) {
		cp := make(map[string]any, len(n.props))
		for k, v := range n.props {
			cp[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// HasEdge reports whether a relationship exists between the nodes of the
// given labels whose code (and version, if non-empty) match.
func (m *MemoryBackend) HasEdge(rel, fromLabel string, from [2]string, toLabel string, to [2]string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.byRef[fromLabel][from[0]+"\x1f"+from[1]] {
		for _, d := range m.byRef[toLabel][to[0]+"\x1f"+to[1]] {
			if _, ok := m.edges[rel][s.id+"\x1f"+d.id]; ok {
				return true
			}
		}
	}
	return false
}
