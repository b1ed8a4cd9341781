// Package embedding fills in text embeddings on graph nodes.
package embedding

import (
	"context"
	"fmt"
	"strings"
)

// Provider selects the embedding service implementation
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderCompatible Provider = "openai-compatible"
	ProviderGemini     Provider = "gemini"
)

// Defaults for the vector property read by the retrieval tools.
const (
	DefaultModel      = "text-embedding-ada-002"
	DefaultDimensions = 1536
	DefaultProperty   = "openai_embedding"

	defaultGeminiModel      = "text-embedding-004"
	defaultGeminiDimensions = 768
)

// Embedder turns texts into vectors. The result has one vector per input,
// in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimensions() int
}

// Config selects and configures a provider.
type Config struct {
	Provider   Provider
	Model      string
	APIKey     string
	BaseURL    string // openai-compatible endpoints, optional for openai
	Dimensions int
}

// New creates the Embedder for cfg.Provider.
func New(ctx context.Context, cfg Config) (Embedder, error) {
	switch Provider(strings.ToLower(string(cfg.Provider))) {
	case ProviderOpenAI, "":
		return NewOpenAIEmbedder(cfg)
	case ProviderCompatible:
		return NewCompatibleEmbedder(cfg)
	case ProviderGemini:
		return NewGeminiEmbedder(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q (want openai, openai-compatible or gemini)", cfg.Provider)
	}
}

// statusError carries an HTTP status from a provider so retry can tell
// throttling and server faults from bad requests.
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }
func (e *statusError) IsRetryable() bool {
	return e.status == 429 || e.status >= 500
}

// checkVectors validates a provider response against the request.
func checkVectors(texts []string, vectors [][]float32, dims int) error {
	if len(vectors) != len(texts) {
		return fmt.Errorf("embedding response has %d vectors for %d texts", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("embedding response has no vector for input %d", i)
		}
		if dims > 0 && len(v) != dims {
			return fmt.Errorf("embedding for input %d has %d dimensions, expected %d", i, len(v), dims)
		}
	}
	return nil
}

// estimateTokens approximates token usage for rate limiting (~4 chars/token).
func estimateTokens(texts []string) int64 {
	var chars int
	for _, t := range texts {
		chars += len(t)
	}
	return int64(chars/4 + 1)
}
