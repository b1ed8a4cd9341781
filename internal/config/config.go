// Package config loads cdegraph settings from a YAML file, .env files, the
// environment and the OS keychain.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable that maps onto a config key,
// e.g. CDEGRAPH_PIPELINE_MAX_ERROR_RATE for pipeline.max_error_rate.
const EnvPrefix = "CDEGRAPH"

// Config holds all configuration settings
type Config struct {
	Source    SourceConfig    `yaml:"source" mapstructure:"source"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Neo4j     Neo4jConfig     `yaml:"neo4j" mapstructure:"neo4j"`
	Embedding EmbeddingConfig `yaml:"embedding" mapstructure:"embedding"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`

	// File is the config file that was read, if any.
	File string `yaml:"-" mapstructure:"-"`
}

// SourceConfig describes the XML export.
type SourceConfig struct {
	Dir            string `yaml:"dir" mapstructure:"dir"`
	SkipRetired    bool   `yaml:"skip_retired" mapstructure:"skip_retired"`
	EnumeratedOnly bool   `yaml:"enumerated_only" mapstructure:"enumerated_only"`
	ConceptOrigin  string `yaml:"concept_origin" mapstructure:"concept_origin"`
	MaxRecordBytes int    `yaml:"max_record_bytes" mapstructure:"max_record_bytes"`
}

type StorageConfig struct {
	Type             string `yaml:"type" mapstructure:"type"` // "sqlite", "postgres"
	SQLitePath       string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	PostgresDSN      string `yaml:"postgres_dsn" mapstructure:"postgres_dsn"`
	PostgresHost     string `yaml:"postgres_host" mapstructure:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port" mapstructure:"postgres_port"`
	PostgresDB       string `yaml:"postgres_db" mapstructure:"postgres_db"`
	PostgresUser     string `yaml:"postgres_user" mapstructure:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password" mapstructure:"postgres_password"`
	PostgresSSLMode  string `yaml:"postgres_sslmode" mapstructure:"postgres_sslmode"`
	MaxOpenConns     int    `yaml:"max_open_conns" mapstructure:"max_open_conns"`
}

type Neo4jConfig struct {
	URI         string `yaml:"uri" mapstructure:"uri"`
	User        string `yaml:"user" mapstructure:"user"`
	Password    string `yaml:"password" mapstructure:"password"`
	Database    string `yaml:"database" mapstructure:"database"`
	MaxPoolSize int    `yaml:"max_pool_size" mapstructure:"max_pool_size"`
}

type EmbeddingConfig struct {
	Provider    string        `yaml:"provider" mapstructure:"provider"` // "openai", "openai-compatible", "gemini"
	Model       string        `yaml:"model" mapstructure:"model"` // empty uses the provider default
	APIKey      string        `yaml:"api_key" mapstructure:"api_key"`
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	Dimensions  int           `yaml:"dimensions" mapstructure:"dimensions"`
	Property    string        `yaml:"property" mapstructure:"property"`
	Similarity  string        `yaml:"similarity" mapstructure:"similarity"`
	BatchSize   int           `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency int           `yaml:"concurrency" mapstructure:"concurrency"`
	CallTimeout time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
	MaxRetries  int           `yaml:"max_retries" mapstructure:"max_retries"`
	CachePath   string        `yaml:"cache_path" mapstructure:"cache_path"` // empty disables the cache

	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	TokensPerMinute   int `yaml:"tokens_per_minute" mapstructure:"tokens_per_minute"`
	RequestsPerDay    int `yaml:"requests_per_day" mapstructure:"requests_per_day"`

	// RedisAddr switches to a limiter shared by every process using it.
	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `yaml:"redis_db" mapstructure:"redis_db"`

	// KeySource tells where APIKey came from: env, keychain, config or none.
	KeySource string `yaml:"-" mapstructure:"-"`
}

type PipelineConfig struct {
	Workers             int     `yaml:"workers" mapstructure:"workers"`
	MaxErrorRate        float64 `yaml:"max_error_rate" mapstructure:"max_error_rate"`
	NodeBatchSize       int     `yaml:"node_batch_size" mapstructure:"node_batch_size"`
	EdgeBatchSize       int     `yaml:"edge_batch_size" mapstructure:"edge_batch_size"`
	Interleave          bool    `yaml:"interleave" mapstructure:"interleave"`
	ValidationThreshold float64 `yaml:"validation_threshold" mapstructure:"validation_threshold"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // "text", "json"
	File   string `yaml:"file" mapstructure:"file"`
}

// Default returns default configuration
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Source: SourceConfig{
			SkipRetired:    true,
			EnumeratedOnly: true,
			ConceptOrigin:  "NCI",
			MaxRecordBytes: 64 << 20,
		},
		Storage: StorageConfig{
			Type:            "sqlite",
			SQLitePath:      filepath.Join(homeDir, ".cdegraph", "cdegraph.db"),
			PostgresPort:    5432,
			PostgresSSLMode: "disable",
			MaxOpenConns:    25,
		},
		Neo4j: Neo4jConfig{
			URI:         "bolt://localhost:7687",
			User:        "neo4j",
			Database:    "neo4j",
			MaxPoolSize: 50,
		},
		Embedding: EmbeddingConfig{
			Provider:          "openai",
			Property:          "openai_embedding",
			Similarity:        "cosine",
			BatchSize:         100,
			Concurrency:       4,
			CallTimeout:       30 * time.Second,
			MaxRetries:        3,
			CachePath:         filepath.Join(homeDir, ".cdegraph", "embeddings.db"),
			RequestsPerMinute: 3000,
			TokensPerMinute:   1000000,
		},
		Pipeline: PipelineConfig{
			Workers:             4,
			MaxErrorRate:        0.05,
			NodeBatchSize:       250,
			EdgeBatchSize:       250,
			ValidationThreshold: 95,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	// .env files first so their values are visible to viper
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if err := setDefaults(v, cfg); err != nil {
		return nil, err
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	applyEnvOverrides(cfg)
	cfg.Storage.SQLitePath = expandPath(cfg.Storage.SQLitePath)
	cfg.Embedding.CachePath = expandPath(cfg.Embedding.CachePath)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.Source.Dir = expandPath(cfg.Source.Dir)

	if cfg.Embedding.APIKey != "" && cfg.Embedding.KeySource == "" {
		cfg.Embedding.KeySource = "config"
	}
	if cfg.Embedding.APIKey == "" {
		km := NewKeyringManager(nil)
		if km.IsAvailable() {
			if key, err := km.GetAPIKey(cfg.Embedding.Provider); err == nil && key != "" {
				cfg.Embedding.APIKey = key
				cfg.Embedding.KeySource = "keychain"
			}
		}
	}
	if cfg.Embedding.KeySource == "" {
		cfg.Embedding.KeySource = "none"
	}
	return cfg, nil
}

// setDefaults registers every key with viper so AutomaticEnv can bind it.
func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	for section, values := range tree {
		fields, ok := values.(map[string]any)
		if !ok {
			continue
		}
		for key, val := range fields {
			v.SetDefault(section+"."+key, val)
		}
	}
	return nil
}

func findConfigFile() string {
	candidates := []string{"cdegraph.yaml", "cdegraph.yml"}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".cdegraph", "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// applyEnvOverrides applies the conventional service variables. They win
// over the config file and the CDEGRAPH_ prefixed keys.
func applyEnvOverrides(cfg *Config) {
	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		cfg.Neo4j.URI = uri
	}
	if user := firstEnv("NEO4J_USERNAME", "NEO4J_USER"); user != "" {
		cfg.Neo4j.User = user
	}
	if password := os.Getenv("NEO4J_PASSWORD"); password != "" {
		cfg.Neo4j.Password = password
	}
	if db := os.Getenv("NEO4J_DATABASE"); db != "" {
		cfg.Neo4j.Database = db
	}

	switch cfg.Embedding.Provider {
	case "gemini":
		if key := firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY"); key != "" {
			cfg.Embedding.APIKey = key
			cfg.Embedding.KeySource = "env"
		}
	default:
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.Embedding.APIKey = key
			cfg.Embedding.KeySource = "env"
		}
		if base := os.Getenv("OPENAI_BASE_URL"); base != "" && cfg.Embedding.BaseURL == "" {
			cfg.Embedding.BaseURL = base
		}
	}

	if dsn := firstEnv("POSTGRES_DSN", "DATABASE_URL"); dsn != "" {
		cfg.Storage.PostgresDSN = dsn
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		cfg.Storage.PostgresHost = host
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Storage.PostgresPort = p
		}
	}
	if db := os.Getenv("POSTGRES_DB"); db != "" {
		cfg.Storage.PostgresDB = db
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		cfg.Storage.PostgresUser = user
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		cfg.Storage.PostgresPassword = password
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Embedding.RedisAddr = addr
	}
}

// PostgresURL returns the configured DSN, or one assembled from the
// individual connection settings.
func (s StorageConfig) PostgresURL() string {
	if s.PostgresDSN != "" {
		return s.PostgresDSN
	}
	if s.PostgresHost == "" || s.PostgresDB == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", s.PostgresHost, s.PostgresPort),
		Path:   "/" + s.PostgresDB,
	}
	if s.PostgresUser != "" {
		u.User = url.UserPassword(s.PostgresUser, s.PostgresPassword)
	}
	if s.PostgresSSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(s.PostgresSSLMode)
	}
	return u.String()
}

// Redacted returns a copy with every secret masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Neo4j.Password = MaskSecret(c.Neo4j.Password)
	out.Embedding.APIKey = MaskSecret(c.Embedding.APIKey)
	out.Embedding.RedisPassword = MaskSecret(c.Embedding.RedisPassword)
	out.Storage.PostgresPassword = MaskSecret(c.Storage.PostgresPassword)
	if c.Storage.PostgresDSN != "" {
		if u, err := url.Parse(c.Storage.PostgresDSN); err == nil {
			out.Storage.PostgresDSN = u.Redacted()
		}
	}
	return &out
}

// YAML renders the configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := c.YAML()
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, path[1:])
}

// MaskSecret masks a secret for display, keeping a short prefix and suffix
// of long values: "sk-proj...abc1".
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) < 12 {
		return "***"
	}
	return fmt.Sprintf("%s...%s", s[:7], s[len(s)-4:])
}
