package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// CompatibleEmbedder talks to any OpenAI-compatible embeddings endpoint
// (Azure, vLLM, Ollama, LiteLLM, ...).
type CompatibleEmbedder struct {
	client *openai.Client
	model  string
	dims   int
}

// NewCompatibleEmbedder creates an embedder for cfg.BaseURL.
func NewCompatibleEmbedder(cfg Config) (*CompatibleEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai-compatible provider needs embedding.base_url")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	config := openai.DefaultConfig(cfg.APIKey)
	config.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &CompatibleEmbedder{
		client: openai.NewClientWithConfig(config),
		model:  cfg.Model,
		dims:   cfg.Dimensions,
	}, nil
}

func (e *CompatibleEmbedder) Model() string   { return e.model }
func (e *CompatibleEmbedder) Dimensions() int { return e.dims }

func (e *CompatibleEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, &statusError{status: apiErr.HTTPStatusCode, err: fmt.Errorf("create embeddings: %w", err)}
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			return nil, &statusError{status: reqErr.HTTPStatusCode, err: fmt.Errorf("create embeddings: %w", err)}
		}
		return nil, fmt.Errorf("create embeddings: %w", err)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding response index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	if err := checkVectors(texts, vectors, e.dims); err != nil {
		return nil, err
	}
	return vectors, nil
}
