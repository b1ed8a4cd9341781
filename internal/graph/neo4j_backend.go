package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"
)

// Neo4jConfig holds connection settings.
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string

	MaxConnectionPoolSize        int
	ConnectionAcquisitionTimeout time.Duration
}

// Neo4jBackend implements Backend with Cypher over the official driver.
// Every call is its own managed transaction through ExecuteQuery.
type Neo4jBackend struct {
	driver   neo4j.DriverWithContext
	database string
	monitor  *TimeoutMonitor
	logger   *logrus.Logger
}

// NewNeo4jBackend connects and verifies connectivity (fail fast on startup).
func NewNeo4jBackend(ctx context.Context, cfg Neo4jConfig, logger *logrus.Logger) (*Neo4jBackend, error) {
	if cfg.URI == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("neo4j credentials missing: uri=%s, user=%s", cfg.URI, cfg.Username)
	}
	if cfg.Database == "" {
		cfg.Database = "neo4j"
	}
	if cfg.MaxConnectionPoolSize <= 0 {
		cfg.MaxConnectionPoolSize = 50
	}
	if cfg.ConnectionAcquisitionTimeout <= 0 {
		cfg.ConnectionAcquisitionTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(config *neo4j.Config) {
			config.MaxConnectionPoolSize = cfg.MaxConnectionPoolSize
			config.ConnectionAcquisitionTimeout = cfg.ConnectionAcquisitionTimeout
			config.MaxConnectionLifetime = time.Hour
			config.ConnectionLivenessCheckTimeout = 5 * time.Second
			config.SocketConnectTimeout = 5 * time.Second
			config.SocketKeepalive = true
		})
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to neo4j at %s: %w", cfg.URI, err)
	}

	logger.WithFields(logrus.Fields{
		"uri":           cfg.URI,
		"database":      cfg.Database,
		"max_pool_size": cfg.MaxConnectionPoolSize,
	}).Info("Connected to Neo4j")

	return &Neo4jBackend{driver: driver, database: cfg.Database, monitor: NewTimeoutMonitor(logger), logger: logger}, nil
}

func (n *Neo4jBackend) write(ctx context.Context, op, query string, params map[string]any) (*neo4j.EagerResult, error) {
	var result *neo4j.EagerResult
	err := n.monitor.Run(ctx, op, func(qctx context.Context) error {
		var err error
		result, err = neo4j.ExecuteQuery(qctx, n.driver, query, params,
			neo4j.EagerResultTransformer,
			neo4j.ExecuteQueryWithDatabase(n.database))
		return err
	})
	return result, err
}

func (n *Neo4jBackend) read(ctx context.Context, op, query string, params map[string]any) (*neo4j.EagerResult, error) {
	var result *neo4j.EagerResult
	err := n.monitor.Run(ctx, op, func(qctx context.Context) error {
		var err error
		result, err = neo4j.ExecuteQuery(qctx, n.driver, query, params,
			neo4j.EagerResultTransformer,
			neo4j.ExecuteQueryWithDatabase(n.database),
			neo4j.ExecuteQueryWithReadersRouting())
		return err
	})
	return result, err
}

// EnsureSchema creates lookup and vector indexes.
func (n *Neo4jBackend) EnsureSchema(ctx context.Context, opts SchemaOptions) error {
	var queries []string
	for _, label := range opts.Labels {
		q, err := BuildLookupIndex(label, true)
		if err != nil {
			return err
		}
		queries = append(queries, q)
	}
	for _, label := range opts.CodeLabels {
		q, err := BuildLookupIndex(label, false)
		if err != nil {
			return err
		}
		queries = append(queries, q)
	}
	for _, label := range opts.VectorLabels {
		q, err := BuildVectorIndex(label, opts.VectorProperty, opts.Dimensions, opts.Similarity)
		if err != nil {
			return err
		}
		queries = append(queries, q)
	}
	for _, q := range queries {
		if _, err := n.write(ctx, OpIndexCreation, q, nil); err != nil {
			return fmt.Errorf("index creation failed: %w", err)
		}
		n.logger.WithField("query", q).Debug("Ensured index")
	}
	return nil
}

// MergeNodes merges one batch of nodes with UNWIND.
func (n *Neo4jBackend) MergeNodes(ctx context.Context, label string, nodes []Node, runID string) (int, error) {
	if len(nodes) == 0 {
		return 0, nil
	}
	rows, keyFields, err := nodeRows(nodes)
	if err != nil {
		return 0, err
	}
	builder := NewCypherBuilder()
	query, err := builder.BuildMergeNodes(label, keyFields, rows, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to build node query: %w", err)
	}

	result, err := n.write(ctx, OpNodeMerge, query, builder.Params())
	if err != nil {
		return 0, fmt.Errorf("batch %s merge failed (%d nodes): %w", label, len(nodes), err)
	}
	created, err := singleInt(result, "created")
	if err != nil {
		return 0, err
	}
	return int(created), nil
}

// MergeEdges merges one batch of edges and reports endpoint matches per row.
func (n *Neo4jBackend) MergeEdges(ctx context.Context, spec EdgeSpec, rows []EdgeRow, runID string) ([]EdgeResult, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	builder := NewCypherBuilder()
	query, err := builder.BuildMergeEdges(spec, edgeRows(rows), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to build edge query: %w", err)
	}

	result, err := n.write(ctx, OpEdgeMerge, query, builder.Params())
	if err != nil {
		return nil, fmt.Errorf("batch %s edge merge failed (%d rows): %w", spec.Relationship, len(rows), err)
	}

	out := make([]EdgeResult, len(rows))
	for _, rec := range result.Records {
		idx, _, err := neo4j.GetRecordValue[int64](rec, "idx")
		if err != nil {
			return nil, fmt.Errorf("edge merge returned no idx: %w", err)
		}
		if idx < 0 || int(idx) >= len(out) {
			return nil, fmt.Errorf("edge merge returned idx %d outside batch of %d", idx, len(out))
		}
		srcs, _, err := neo4j.GetRecordValue[int64](rec, "sources")
		if err != nil {
			return nil, err
		}
		dsts, _, err := neo4j.GetRecordValue[int64](rec, "targets")
		if err != nil {
			return nil, err
		}
		created, _, err := neo4j.GetRecordValue[int64](rec, "created")
		if err != nil {
			return nil, err
		}
		out[idx] = EdgeResult{Sources: int(srcs), Targets: int(dsts), Created: int(created)}
	}
	return out, nil
}

// PendingEmbeddings returns one page of nodes missing an embedding.
func (n *Neo4jBackend) PendingEmbeddings(ctx context.Context, label, property, after string, limit int) ([]EmbeddingTarget, error) {
	builder := NewCypherBuilder()
	query, err := builder.BuildPendingEmbeddings(label, property, after, limit)
	if err != nil {
		return nil, err
	}
	result, err := n.read(ctx, OpEmbeddingRead, query, builder.Params())
	if err != nil {
		return nil, fmt.Errorf("pending embedding query for %s failed: %w", label, err)
	}
	targets := make([]EmbeddingTarget, 0, len(result.Records))
	for _, rec := range result.Records {
		id, _, err := neo4j.GetRecordValue[string](rec, "id")
		if err != nil {
			return nil, err
		}
		text, _, err := neo4j.GetRecordValue[string](rec, "text")
		if err != nil {
			return nil, err
		}
		targets = append(targets, EmbeddingTarget{ID: id, Text: text})
	}
	return targets, nil
}

// SetEmbeddings writes vectors by element ID.
func (n *Neo4jBackend) SetEmbeddings(ctx context.Context, label, property string, vectors []NodeVector, meta EmbeddingMeta) (int, error) {
	if len(vectors) == 0 {
		return 0, nil
	}
	rows := make([]map[string]any, len(vectors))
	for i, v := range vectors {
		vec := make([]float64, len(v.Vector))
		for j, f := range v.Vector {
			vec[j] = float64(f)
		}
		rows[i] = map[string]any{"id": v.ID, "vector": vec}
	}
	builder := NewCypherBuilder()
	query, err := builder.BuildSetEmbeddings(label, property, rows, meta)
	if err != nil {
		return 0, err
	}
	result, err := n.write(ctx, OpEmbeddingWrite, query, builder.Params())
	if err != nil {
		return 0, fmt.Errorf("embedding write for %s failed (%d vectors): %w", label, len(vectors), err)
	}
	updated, err := singleInt(result, "updated")
	return int(updated), err
}

// ClearEmbeddings removes embeddings from every node of label.
func (n *Neo4jBackend) ClearEmbeddings(ctx context.Context, label, property string) (int64, error) {
	builder := NewCypherBuilder()
	query, err := builder.BuildClearEmbeddings(label, property)
	if err != nil {
		return 0, err
	}
	result, err := n.write(ctx, OpEmbeddingWrite, query, builder.Params())
	if err != nil {
		return 0, fmt.Errorf("clearing %s embeddings failed: %w", label, err)
	}
	return singleInt(result, "cleared")
}

func (n *Neo4jBackend) CountNodes(ctx context.Context, label string) (int64, error) {
	query, err := NewCypherBuilder().BuildCountNodes(label)
	if err != nil {
		return 0, err
	}
	result, err := n.read(ctx, OpCountQuery, query, nil)
	if err != nil {
		return 0, fmt.Errorf("count query for %s failed: %w", label, err)
	}
	return singleInt(result, "count")
}

func (n *Neo4jBackend) CountEdges(ctx context.Context, spec EdgeSpec) (int64, error) {
	query, err := NewCypherBuilder().BuildCountEdges(spec)
	if err != nil {
		return 0, err
	}
	result, err := n.read(ctx, OpCountQuery, query, nil)
	if err != nil {
		return 0, fmt.Errorf("count query for %s failed: %w", spec.Relationship, err)
	}
	return singleInt(result, "count")
}

// HealthCheck verifies Neo4j connectivity
func (n *Neo4jBackend) HealthCheck(ctx context.Context) error {
	err := n.monitor.Run(ctx, OpHealthCheck, func(hctx context.Context) error {
		return n.driver.VerifyConnectivity(hctx)
	})
	if err != nil {
		return fmt.Errorf("neo4j health check failed: %w", err)
	}
	return nil
}

// Close closes the Neo4j driver connection
func (n *Neo4jBackend) Close(ctx context.Context) error {
	n.monitor.LogSummary()
	if err := n.driver.Close(ctx); err != nil {
		return fmt.Errorf("failed to close neo4j driver: %w", err)
	}
	n.logger.Debug("Neo4j driver closed")
	return nil
}

func singleInt(result *neo4j.EagerResult, key string) (int64, error) {
	if len(result.Records) == 0 {
		return 0, nil
	}
	v, _, err := neo4j.GetRecordValue[int64](result.Records[0], key)
	if err != nil {
		return 0, fmt.Errorf("unexpected %s value: %w", key, err)
	}
	return v, nil
}
