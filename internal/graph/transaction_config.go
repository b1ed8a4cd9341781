package graph

import (
	"context"
	"time"
)

// Operation names used for per-query timeouts and log fields.
const (
	OpNodeMerge      = "node_merge"
	OpEdgeMerge      = "edge_merge"
	OpEmbeddingRead  = "embedding_read"
	OpEmbeddingWrite = "embedding_write"
	OpIndexCreation  = "index_creation"
	OpCountQuery     = "count_query"
	OpHealthCheck    = "health_check"
)

// TransactionConfig defines the timeout for one class of graph operation.
// ExecuteQuery has no per-query timeout option, so the timeout is applied
// to the context instead.
type TransactionConfig struct {
	Timeout time.Duration
}

// DefaultTransactionConfigs returns the timeouts per operation type.
func DefaultTransactionConfigs() map[string]TransactionConfig {
	return map[string]TransactionConfig{
		OpNodeMerge:      {Timeout: 3 * time.Minute},
		OpEdgeMerge:      {Timeout: 3 * time.Minute},
		OpEmbeddingRead:  {Timeout: time.Minute},
		OpEmbeddingWrite: {Timeout: 2 * time.Minute},
		// Index creation can be slow on large graphs
		OpIndexCreation: {Timeout: 5 * time.Minute},
		OpCountQuery:    {Timeout: time.Minute},
		OpHealthCheck:   {Timeout: 5 * time.Second},
	}
}

// GetConfigForOperation retrieves the config for an operation, or a 60s
// default if the operation is unknown.
func GetConfigForOperation(operation string) TransactionConfig {
	if config, ok := DefaultTransactionConfigs()[operation]; ok {
		return config
	}
	return TransactionConfig{Timeout: 60 * time.Second}
}

// contextFor derives the query context for an operation.
func contextFor(ctx context.Context, operation string) (context.Context, context.CancelFunc) {
	tc := GetConfigForOperation(operation)
	if tc.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, tc.Timeout)
}
