package graph

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Labels, relationship types and property names cannot be parameters in
// Cypher, so every identifier interpolated into a query goes through
// isValidIdentifier first. All values are passed as parameters.

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// CypherBuilder accumulates parameters for a single query.
type CypherBuilder struct {
	params  map[string]any
	counter int
}

// NewCypherBuilder creates a query builder
func NewCypherBuilder() *CypherBuilder {
	return &CypherBuilder{
		params: make(map[string]any),
	}
}

// AddParam adds a parameter and returns its placeholder
func (b *CypherBuilder) AddParam(value any) string {
	paramName := fmt.Sprintf("p%d", b.counter)
	b.counter++
	b.params[paramName] = value
	return "$" + paramName
}

// SetParam adds a named parameter and returns its placeholder
func (b *CypherBuilder) SetParam(name string, value any) string {
	b.params[name] = value
	return "$" + name
}

// Params returns all parameters for the query
func (b *CypherBuilder) Params() map[string]any {
	return b.params
}

// BuildMergeNodes creates an UNWIND query merging $rows of one label.
// Each row is {key: {...}, props: {...}}; keyFields name the key
// properties. The query returns how many rows were created by runID.
func (b *CypherBuilder) BuildMergeNodes(label string, keyFields []string, rows []map[string]any, runID string) (string, error) {
	if err := validateIdentifiers("node label", label); err != nil {
		return "", err
	}
	if len(keyFields) == 0 {
		return "", fmt.Errorf("merge on %s needs at least one key field", label)
	}
	if err := validateIdentifiers("key field", keyFields...); err != nil {
		return "", err
	}

	matchers := make([]string, len(keyFields))
	for i, f := range keyFields {
		matchers[i] = fmt.Sprintf("%s: row.key.%s", f, f)
	}
	rowsParam := b.SetParam("rows", rows)
	runParam := b.SetParam("run", runID)

	return fmt.Sprintf(`UNWIND %s AS row
MERGE (n:%s {%s})
ON CREATE SET n.created_run = %s
SET n += row.props, n:%s
RETURN sum(CASE WHEN n.created_run = %s THEN 1 ELSE 0 END) AS created`,
		rowsParam, label, strings.Join(matchers, ", "), runParam, EntityLabel, runParam), nil
}

// BuildMergeEdges creates an UNWIND query merging $rows as relationships.
// Endpoints are located with OPTIONAL MATCH so a missing node does not
// drop the row; the per-row match counts come back as sources/targets and
// the relationships stamped with runID as created.
func (b *CypherBuilder) BuildMergeEdges(spec EdgeSpec, rows []map[string]any, runID string) (string, error) {
	if err := validateIdentifiers("edge label", spec.FromLabel, spec.ToLabel, spec.Relationship); err != nil {
		return "", err
	}
	target := "code: row.to_code, version: row.to_version"
	if !spec.ToVersioned {
		target = "code: row.to_code"
	}
	rowsParam := b.SetParam("rows", rows)
	runParam := b.SetParam("run", runID)

	return fmt.Sprintf(`UNWIND %[1]s AS row
OPTIONAL MATCH (s:%[2]s {code: row.from_code, version: row.from_version})
WITH row, collect(s) AS srcs
OPTIONAL MATCH (d:%[3]s {%[4]s})
WITH row, srcs, collect(d) AS dsts
FOREACH (a IN srcs | FOREACH (z IN dsts | MERGE (a)-[r:%[5]s]->(z) ON CREATE SET r.created_run = %[6]s))
RETURN row.idx AS idx, size(srcs) AS sources, size(dsts) AS targets,
  reduce(c = 0, a IN srcs | c + size([(a)-[r:%[5]s]->(z) WHERE z IN dsts AND r.created_run = %[6]s | 1])) AS created`,
		rowsParam, spec.FromLabel, spec.ToLabel, target, spec.Relationship, runParam), nil
}

// BuildCountEdges counts relationships of one projection.
func (b *CypherBuilder) BuildCountEdges(spec EdgeSpec) (string, error) {
	if err := validateIdentifiers("edge label", spec.FromLabel, spec.ToLabel, spec.Relationship); err != nil {
		return "", err
	}
	return fmt.Sprintf("MATCH (:%s)-[r:%s]->(:%s) RETURN count(r) AS count",
		spec.FromLabel, spec.Relationship, spec.ToLabel), nil
}

// BuildCountNodes counts nodes of a label.
func (b *CypherBuilder) BuildCountNodes(label string) (string, error) {
	if err := validateIdentifiers("node label", label); err != nil {
		return "", err
	}
	return fmt.Sprintf("MATCH (n:%s) RETURN count(n) AS count", label), nil
}

// BuildPendingEmbeddings pages through nodes still missing property.
func (b *CypherBuilder) BuildPendingEmbeddings(label, property, after string, limit int) (string, error) {
	if err := validateIdentifiers("embedding target", label, property); err != nil {
		return "", err
	}
	afterParam := b.SetParam("after", after)
	limitParam := b.SetParam("limit", int64(limit))
	return fmt.Sprintf(`MATCH (n:%s)
WHERE n.%s IS NULL AND n.definition IS NOT NULL AND trim(n.definition) <> '' AND elementId(n) > %s
RETURN elementId(n) AS id, n.definition AS text
ORDER BY id
LIMIT %s`, label, property, afterParam, limitParam), nil
}

// BuildSetEmbeddings writes vectors by element ID.
func (b *CypherBuilder) BuildSetEmbeddings(label, property string, rows []map[string]any, meta EmbeddingMeta) (string, error) {
	if err := validateIdentifiers("embedding target", label, property); err != nil {
		return "", err
	}
	rowsParam := b.SetParam("rows", rows)
	modelParam := b.SetParam("model", meta.Model)
	atParam := b.SetParam("at", meta.EmbeddedAt.UTC().Format("2006-01-02T15:04:05Z07:00"))
	return fmt.Sprintf(`UNWIND %s AS row
MATCH (n:%s) WHERE elementId(n) = row.id
SET n.%s = row.vector, n.embedding_model = %s, n.embedded_at = %s, n.embedding_indexed = true
RETURN count(n) AS updated`, rowsParam, label, property, modelParam, atParam), nil
}

// BuildClearEmbeddings removes embeddings from every node of label.
func (b *CypherBuilder) BuildClearEmbeddings(label, property string) (string, error) {
	if err := validateIdentifiers("embedding target", label, property); err != nil {
		return "", err
	}
	return fmt.Sprintf(`MATCH (n:%s) WHERE n.%s IS NOT NULL
REMOVE n.%s, n.embedding_model, n.embedded_at, n.embedding_indexed
RETURN count(n) AS cleared`, label, property, property), nil
}

// BuildLookupIndex creates the (code, version) range index for a label.
// Concept nodes are matched on code only.
func BuildLookupIndex(label string, versioned bool) (string, error) {
	if err := validateIdentifiers("index label", label); err != nil {
		return "", err
	}
	name := strings.ToLower(label) + "_code_version"
	on := "n.code, n.version"
	if !versioned {
		name = strings.ToLower(label) + "_code"
		on = "n.code"
	}
	return fmt.Sprintf("CREATE INDEX %s IF NOT EXISTS FOR (n:%s) ON (%s)", name, label, on), nil
}

// BuildVectorIndex creates the vector index named by VectorIndexName.
func BuildVectorIndex(label, property string, dimensions int, similarity string) (string, error) {
	if err := validateIdentifiers("vector index", label, property); err != nil {
		return "", err
	}
	if dimensions <= 0 {
		return "", fmt.Errorf("vector index on %s needs positive dimensions, got %d", label, dimensions)
	}
	switch similarity {
	case "cosine", "euclidean":
	default:
		return "", fmt.Errorf("unsupported vector similarity %q", similarity)
	}
	return fmt.Sprintf("CREATE VECTOR INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.%s) "+
		"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: '%s'}}",
		VectorIndexName(label), label, property, dimensions, similarity), nil
}

// nodeRows converts nodes into UNWIND rows, checking property names.
func nodeRows(nodes []Node) ([]map[string]any, []string, error) {
	if len(nodes) == 0 {
		return nil, nil, nil
	}
	keyFields := make([]string, 0, len(nodes[0].Key))
	for k := range nodes[0].Key {
		keyFields = append(keyFields, k)
	}
	sort.Strings(keyFields)

	rows := make([]map[string]any, len(nodes))
	for i, n := range nodes {
		if len(n.Key) != len(keyFields) {
			return nil, nil, fmt.Errorf("node %d has %d key fields, expected %d", i, len(n.Key), len(keyFields))
		}
		for k := range n.Properties {
			if _, clash := n.Key[k]; clash {
				return nil, nil, fmt.Errorf("property %q is part of the merge key", k)
			}
			if !isValidIdentifier(k) {
				return nil, nil, fmt.Errorf("invalid property key: %s", k)
			}
		}
		rows[i] = map[string]any{"key": n.Key, "props": n.Properties}
	}
	return rows, keyFields, nil
}

func edgeRows(rows []EdgeRow) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = map[string]any{
			"idx":          int64(i),
			"from_code":    r.FromCode,
			"from_version": r.FromVersion,
			"to_code":      r.ToCode,
			"to_version":   r.ToVersion,
		}
	}
	return out
}

func validateIdentifiers(what string, ids ...string) error {
	for _, id := range ids {
		if !isValidIdentifier(id) {
			return fmt.Errorf("invalid %s: %q (must be alphanumeric + underscore)", what, id)
		}
	}
	return nil
}

// isValidIdentifier validates that a string can be safely used as a Cypher identifier
// Only allows alphanumeric characters and underscores (prevents injection)
func isValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}
