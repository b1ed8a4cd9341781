package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rohankatakam/cdegraph/internal/errors"
)

// ValidationContext specifies what configuration is required
type ValidationContext string

const (
	// ValidationContextSource - normalize and extract-links read XML into the store
	ValidationContextSource ValidationContext = "source"
	// ValidationContextStore - migrate and failures only touch the store
	ValidationContextStore ValidationContext = "store"
	// ValidationContextGraph - load-nodes, load-edges and validate need store and Neo4j
	ValidationContextGraph ValidationContext = "graph"
	// ValidationContextEmbed - enrich-embeddings needs Neo4j and a provider
	ValidationContextEmbed ValidationContext = "embed"
	// ValidationContextAll - run validates everything
	ValidationContextAll ValidationContext = "all"
)

// ValidationResult holds validation results
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// AddError adds an error to the validation result
func (vr *ValidationResult) AddError(format string, args ...interface{}) {
	vr.Valid = false
	vr.Errors = append(vr.Errors, fmt.Sprintf(format, args...))
}

// AddWarning adds a warning to the validation result
func (vr *ValidationResult) AddWarning(format string, args ...interface{}) {
	vr.Warnings = append(vr.Warnings, fmt.Sprintf(format, args...))
}

// HasErrors returns true if there are any errors
func (vr *ValidationResult) HasErrors() bool {
	return !vr.Valid || len(vr.Errors) > 0
}

// Error returns a formatted error message
func (vr *ValidationResult) Error() string {
	if !vr.HasErrors() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range vr.Errors {
		sb.WriteString("  - " + err + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Err returns the result as a config error, or nil.
func (vr *ValidationResult) Err() error {
	if !vr.HasErrors() {
		return nil
	}
	return errors.ConfigErrorf("%s", vr.Error())
}

// Validate validates configuration for the given context
func (c *Config) Validate(ctx ValidationContext) *ValidationResult {
	result := &ValidationResult{Valid: true}

	switch ctx {
	case ValidationContextSource:
		c.validateSource(result)
		c.validateStorage(result)
		c.validatePipeline(result)
	case ValidationContextStore:
		c.validateStorage(result)
	case ValidationContextGraph:
		c.validateStorage(result)
		c.validateNeo4j(result)
		c.validatePipeline(result)
	case ValidationContextEmbed:
		c.validateNeo4j(result)
		c.validateEmbedding(result)
	case ValidationContextAll:
		c.validateSource(result)
		c.validateStorage(result)
		c.validateNeo4j(result)
		c.validateEmbedding(result)
		c.validatePipeline(result)
	default:
		result.AddError("unknown validation context %q", ctx)
	}
	c.validateLogging(result)
	return result
}

func (c *Config) validateSource(result *ValidationResult) {
	if c.Source.Dir == "" {
		result.AddError("source.dir is required (set it in the config file, CDEGRAPH_SOURCE_DIR or --source)")
	}
	if c.Source.MaxRecordBytes < 0 {
		result.AddError("source.max_record_bytes must not be negative")
	}
}

func (c *Config) validateStorage(result *ValidationResult) {
	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			result.AddError("storage.sqlite_path is required for sqlite storage")
		}
	case "postgres":
		dsn := c.Storage.PostgresURL()
		if dsn == "" {
			result.AddError("POSTGRES_DSN (or POSTGRES_HOST and POSTGRES_DB) is required for postgres storage")
			return
		}
		if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
			result.AddError("POSTGRES_DSN must start with postgres:// or postgresql://")
		}
		if strings.Contains(dsn, "sslmode=disable") && !strings.Contains(dsn, "@localhost") && !strings.Contains(dsn, "@127.0.0.1") {
			result.AddWarning("PostgreSQL DSN has sslmode=disable for a remote host")
		}
	default:
		result.AddError("storage.type must be sqlite or postgres, got %q", c.Storage.Type)
	}
}

func (c *Config) validateNeo4j(result *ValidationResult) {
	if c.Neo4j.URI == "" {
		result.AddError("NEO4J_URI is required but not set")
	} else if u, err := url.Parse(c.Neo4j.URI); err != nil {
		result.AddError("NEO4J_URI is invalid: %v", err)
	} else {
		switch u.Scheme {
		case "bolt", "bolt+s", "bolt+ssc", "neo4j", "neo4j+s", "neo4j+ssc":
		default:
			result.AddError("NEO4J_URI scheme %q is not a bolt or neo4j scheme", u.Scheme)
		}
	}
	if c.Neo4j.User == "" {
		result.AddError("NEO4J_USERNAME is required but not set")
	}
	if c.Neo4j.Password == "" {
		result.AddError("NEO4J_PASSWORD is required but not set. Set it via environment variable or .env file.")
	} else if c.Neo4j.Password == "password" || c.Neo4j.Password == "neo4j" {
		result.AddWarning("NEO4J_PASSWORD is set to a very common password")
	}
	if c.Neo4j.Database == "" {
		result.AddWarning("NEO4J_DATABASE is not set, will use 'neo4j' as default")
	}
}

func (c *Config) validateEmbedding(result *ValidationResult) {
	e := c.Embedding
	switch e.Provider {
	case "openai":
		if e.APIKey == "" {
			result.AddError("OPENAI_API_KEY is required but not set. Set it via environment variable or keychain (cdegraph config set-key).")
		}
	case "openai-compatible":
		if e.BaseURL == "" {
			result.AddError("embedding.base_url is required for the openai-compatible provider")
		} else if _, err := url.ParseRequestURI(e.BaseURL); err != nil {
			result.AddError("embedding.base_url is invalid: %v", err)
		}
		if e.APIKey == "" {
			result.AddWarning("no API key set for the openai-compatible provider")
		}
	case "gemini":
		if e.APIKey == "" {
			result.AddError("GEMINI_API_KEY is required but not set")
		}
	default:
		result.AddError("embedding.provider must be openai, openai-compatible or gemini, got %q", e.Provider)
	}

	if e.Dimensions < 0 {
		result.AddError("embedding.dimensions must not be negative")
	}
	if e.Property == "" {
		result.AddError("embedding.property is required")
	}
	if e.Similarity != "cosine" && e.Similarity != "euclidean" {
		result.AddError("embedding.similarity must be cosine or euclidean, got %q", e.Similarity)
	}
	if e.BatchSize <= 0 {
		result.AddError("embedding.batch_size must be positive")
	}
	if e.Concurrency <= 0 {
		result.AddWarning("embedding.concurrency is not positive, will use 1")
	}
	if e.CallTimeout <= 0 {
		result.AddWarning("embedding.call_timeout is not set, calls are bounded only by the run")
	}
	if e.RequestsPerMinute < 0 || e.TokensPerMinute < 0 || e.RequestsPerDay < 0 {
		result.AddError("embedding rate limits must not be negative")
	}
}

func (c *Config) validatePipeline(result *ValidationResult) {
	p := c.Pipeline
	if p.MaxErrorRate < 0 || p.MaxErrorRate > 1 {
		result.AddError("pipeline.max_error_rate must be between 0 and 1, got %.4f", p.MaxErrorRate)
	}
	if p.Workers <= 0 {
		result.AddWarning("pipeline.workers is not positive, will use 1")
	}
	if p.NodeBatchSize < 0 || p.EdgeBatchSize < 0 {
		result.AddError("pipeline batch sizes must not be negative")
	}
	if p.ValidationThreshold < 0 || p.ValidationThreshold > 100 {
		result.AddError("pipeline.validation_threshold must be a percentage, got %.1f", p.ValidationThreshold)
	}
}

func (c *Config) validateLogging(result *ValidationResult) {
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		result.AddError("logging.format must be text or json, got %q", c.Logging.Format)
	}
}
