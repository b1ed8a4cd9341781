package graph

// DefaultBatchSize is the number of rows sent per UNWIND statement.
const DefaultBatchSize = 250

// BatchConfig defines batch sizes for graph writes.
//
// Nodes carry long definition strings in their merge key, so batches stay
// small. Edge rows only hold codes and versions.
type BatchConfig struct {
	NodeBatchSize int
	EdgeBatchSize int
	// PendingPageSize bounds each PendingEmbeddings page.
	PendingPageSize int

	// LabelOverrides replaces NodeBatchSize for specific labels.
	LabelOverrides map[string]int
}

// DefaultBatchConfig returns the default batch sizes.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		NodeBatchSize:   DefaultBatchSize,
		EdgeBatchSize:   DefaultBatchSize,
		PendingPageSize: 1000,
	}
}

// GetBatchSizeForLabel returns the node batch size for a label.
func (bc BatchConfig) GetBatchSizeForLabel(label string) int {
	if n, ok := bc.LabelOverrides[label]; ok && n > 0 {
		return n
	}
	if bc.NodeBatchSize > 0 {
		return bc.NodeBatchSize
	}
	return DefaultBatchSize
}

// EdgeBatch returns the edge batch size.
func (bc BatchConfig) EdgeBatch() int {
	if bc.EdgeBatchSize > 0 {
		return bc.EdgeBatchSize
	}
	return DefaultBatchSize
}

// PendingPage returns the pending-embedding page size.
func (bc BatchConfig) PendingPage() int {
	if bc.PendingPageSize > 0 {
		return bc.PendingPageSize
	}
	return 1000
}
