package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/rohankatakam/cdegraph/internal/errors"
)

// isolate keeps Load away from the developer's real environment.
func isolate(t *testing.T) string {
	t.Helper()
	keyring.MockInit()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{
		"NEO4J_URI", "NEO4J_USERNAME", "NEO4J_USER", "NEO4J_PASSWORD", "NEO4J_DATABASE",
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "GEMINI_API_KEY", "GOOGLE_API_KEY",
		"POSTGRES_DSN", "DATABASE_URL", "POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_DB",
		"POSTGRES_USER", "POSTGRES_PASSWORD", "REDIS_ADDR",
	} {
		t.Setenv(key, "")
	}
	return home
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cdegraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, filepath.Join(home, ".cdegraph", "cdegraph.db"), cfg.Storage.SQLitePath)
	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, "openai_embedding", cfg.Embedding.Property)
	assert.Empty(t, cfg.Embedding.Model, "provider default")
	assert.Equal(t, 30*time.Second, cfg.Embedding.CallTimeout)
	assert.Equal(t, 250, cfg.Pipeline.NodeBatchSize)
	assert.True(t, cfg.Source.SkipRetired)
	assert.Equal(t, "none", cfg.Embedding.KeySource)
	assert.Empty(t, cfg.File)
}

func TestLoadFileThenPrefixedEnv(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
source:
  dir: ~/exports
pipeline:
  workers: 8
  max_error_rate: 0.2
embedding:
  provider: gemini
  call_timeout: 5s
`)
	t.Setenv("CDEGRAPH_PIPELINE_WORKERS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, 2, cfg.Pipeline.Workers, "prefixed env wins over the file")
	assert.InDelta(t, 0.2, cfg.Pipeline.MaxErrorRate, 1e-9)
	assert.Equal(t, "gemini", cfg.Embedding.Provider)
	assert.Equal(t, 5*time.Second, cfg.Embedding.CallTimeout)
	assert.False(t, strings.HasPrefix(cfg.Source.Dir, "~"))
}

func TestConventionalEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("NEO4J_URI", "neo4j://graph:7687")
	t.Setenv("NEO4J_USERNAME", "reader")
	t.Setenv("NEO4J_PASSWORD", "s3cret-pass")
	t.Setenv("OPENAI_API_KEY", "sk-from-env-0000000")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_DB", "cde")
	t.Setenv("POSTGRES_USER", "etl")
	t.Setenv("POSTGRES_PASSWORD", "pw")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "neo4j://graph:7687", cfg.Neo4j.URI)
	assert.Equal(t, "reader", cfg.Neo4j.User)
	assert.Equal(t, "s3cret-pass", cfg.Neo4j.Password)
	assert.Equal(t, "sk-from-env-0000000", cfg.Embedding.APIKey)
	assert.Equal(t, "env", cfg.Embedding.KeySource)
	assert.Equal(t, "postgres://etl:pw@db:5432/cde?sslmode=disable", cfg.Storage.PostgresURL())
}

func TestAPIKeyFromKeychain(t *testing.T) {
	isolate(t)
	require.NoError(t, NewKeyringManager(nil).SaveAPIKey("openai", "sk-keychain-123456"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-keychain-123456", cfg.Embedding.APIKey)
	assert.Equal(t, "keychain", cfg.Embedding.KeySource)
}

func TestValidateContexts(t *testing.T) {
	cfg := Default()

	res := cfg.Validate(ValidationContextSource)
	assert.True(t, res.HasErrors(), "source dir is required")
	assert.True(t, errors.Is(res.Err(), errors.Config))

	cfg.Source.Dir = "/data/cadsr"
	assert.False(t, cfg.Validate(ValidationContextSource).HasErrors())
	assert.NoError(t, cfg.Validate(ValidationContextStore).Err())

	// neo4j password and API key are missing
	graph := cfg.Validate(ValidationContextGraph)
	assert.Len(t, graph.Errors, 1)
	embed := cfg.Validate(ValidationContextEmbed)
	assert.Len(t, embed.Errors, 2)

	cfg.Neo4j.Password = "long-enough-password"
	cfg.Embedding.APIKey = "sk-123456789012"
	assert.False(t, cfg.Validate(ValidationContextAll).HasErrors())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ctx    ValidationContext
	}{
		{"unknown storage", func(c *Config) { c.Storage.Type = "mysql" }, ValidationContextStore},
		{"postgres without dsn", func(c *Config) { c.Storage.Type = "postgres" }, ValidationContextStore},
		{"bad neo4j scheme", func(c *Config) { c.Neo4j.URI = "http://localhost:7474" }, ValidationContextGraph},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "cohere" }, ValidationContextEmbed},
		{"compatible without base url", func(c *Config) { c.Embedding.Provider = "openai-compatible" }, ValidationContextEmbed},
		{"error rate above one", func(c *Config) { c.Pipeline.MaxErrorRate = 1.5 }, ValidationContextGraph},
		{"bad similarity", func(c *Config) { c.Embedding.Similarity = "dot" }, ValidationContextEmbed},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, ValidationContextStore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Neo4j.Password = "long-enough-password"
			cfg.Embedding.APIKey = "sk-123456789012"
			tt.mutate(cfg)
			assert.True(t, cfg.Validate(tt.ctx).HasErrors())
		})
	}
}

func TestRedactedYAML(t *testing.T) {
	cfg := Default()
	cfg.Neo4j.Password = "super-secret-password"
	cfg.Embedding.APIKey = "sk-proj-abcdefghijklmnop1234"
	cfg.Storage.PostgresDSN = "postgres://etl:hunter2@db:5432/cde"

	out, err := cfg.Redacted().YAML()
	require.NoError(t, err)
	text := string(out)
	assert.NotContains(t, text, "super-secret-password")
	assert.NotContains(t, text, "abcdefghijklmnop")
	assert.NotContains(t, text, "hunter2")
	assert.Contains(t, text, "sk-proj...1234")
	assert.Equal(t, "super-secret-password", cfg.Neo4j.Password, "original is untouched")
}

func TestSaveThenLoad(t *testing.T) {
	isolate(t)
	cfg := Default()
	cfg.Source.Dir = "/data/cadsr"
	cfg.Pipeline.Interleave = true
	path := filepath.Join(t.TempDir(), "nested", "cdegraph.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/cadsr", loaded.Source.Dir)
	assert.True(t, loaded.Pipeline.Interleave)
	assert.Equal(t, cfg.Embedding.CallTimeout, loaded.Embedding.CallTimeout)
}
