// Package config provides configuration loading for knowledged.
//
// Configuration is assembled from hardcoded defaults, an optional YAML file
// and KNOWLEDGED_ prefixed environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Embedding provider names accepted by EmbeddingsConfig.Provider.
const (
	ProviderHash      = "hash"
	ProviderTEI       = "tei"
	ProviderOpenAI    = "openai"
	ProviderFastEmbed = "fastembed"
)

// Config holds the complete knowledged configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Documents     DocumentsConfig     `koanf:"documents"`
	Index         IndexConfig         `koanf:"index"`
	Chunker       ChunkerConfig       `koanf:"chunker"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Access        AccessConfig        `koanf:"access"`
	Query         QueryConfig         `koanf:"query"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	MCP           MCPConfig           `koanf:"mcp"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DocumentsConfig locates the document tree. Each immediate subdirectory of
// Root is one department partition.
type DocumentsConfig struct {
	Root          string   `koanf:"root"`
	Extensions    []string `koanf:"extensions"`
	MaxFileSize   int64    `koanf:"max_file_size"`
	WatchEnabled  bool     `koanf:"watch_enabled"`
	WatchDebounce Duration `koanf:"watch_debounce"`
}

// IndexConfig controls where partition indices are persisted.
type IndexConfig struct {
	Path             string `koanf:"path"`
	Compress         bool   `koanf:"compress"`
	BuildConcurrency int    `koanf:"build_concurrency"`
	RebuildOnStart   bool   `koanf:"rebuild_on_start"`
}

// ChunkerConfig sizes passages in characters.
type ChunkerConfig struct {
	Size    int `koanf:"size"`
	Overlap int `koanf:"overlap"`
}

// EmbeddingsConfig selects and tunes the embedding provider.
type EmbeddingsConfig struct {
	Provider          string   `koanf:"provider"`
	Model             string   `koanf:"model"`
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	Dimension         int      `koanf:"dimension"`
	CacheDir          string   `koanf:"cache_dir"`
	BatchSize         int      `koanf:"batch_size"`
	Timeout           Duration `koanf:"timeout"`
	RateLimit         float64  `koanf:"rate_limit"`
	Burst             int      `koanf:"burst"`
	MaxRetries        int      `koanf:"max_retries"`
	InitialBackoff    Duration `koanf:"initial_backoff"`
	MaxBackoff        Duration `koanf:"max_backoff"`
	BackoffMultiplier float64  `koanf:"backoff_multiplier"`
}

// AccessConfig points at the identity directory.
type AccessConfig struct {
	UsersFile string `koanf:"users_file"`
	AdminRole string `koanf:"admin_role"`
}

// QueryConfig bounds retrieval requests.
type QueryConfig struct {
	DefaultK    int `koanf:"default_k"`
	MaxK        int `koanf:"max_k"`
	Concurrency int `koanf:"concurrency"`
}

// LoggingConfig is the subset of logger settings exposed to operators.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	OTEL     bool   `koanf:"otel"`
	Sampling bool   `koanf:"sampling"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	SampleRate      float64 `koanf:"sample_rate"`
}

// MCPConfig configures the stdio MCP mode.
type MCPConfig struct {
	User string `koanf:"user"`
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Documents.Root == "" {
		cfg.Documents.Root = "data"
	}
	if len(cfg.Documents.Extensions) == 0 {
		cfg.Documents.Extensions = []string{".txt", ".md"}
	}
	if cfg.Documents.MaxFileSize == 0 {
		cfg.Documents.MaxFileSize = 10 * 1024 * 1024
	}
	if cfg.Documents.WatchDebounce == 0 {
		cfg.Documents.WatchDebounce = Duration(2 * time.Second)
	}

	if cfg.Index.Path == "" {
		cfg.Index.Path = "vectorstore"
	}
	if cfg.Index.BuildConcurrency == 0 {
		cfg.Index.BuildConcurrency = 2
	}

	if cfg.Chunker.Size == 0 {
		cfg.Chunker.Size = 1000
		if cfg.Chunker.Overlap == 0 {
			cfg.Chunker.Overlap = 100
		}
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = ProviderHash
	}
	switch cfg.Embeddings.Provider {
	case ProviderTEI:
		if cfg.Embeddings.BaseURL == "" {
			cfg.Embeddings.BaseURL = "http://localhost:8080"
		}
		if cfg.Embeddings.Model == "" {
			cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
		}
	case ProviderOpenAI:
		if cfg.Embeddings.Model == "" {
			cfg.Embeddings.Model = "text-embedding-3-small"
		}
	case ProviderFastEmbed:
		if cfg.Embeddings.Model == "" {
			cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
		}
	}
	if cfg.Embeddings.Dimension == 0 {
		switch cfg.Embeddings.Provider {
		case ProviderOpenAI:
			cfg.Embeddings.Dimension = 1536
		default:
			cfg.Embeddings.Dimension = 384
		}
	}
	if cfg.Embeddings.BatchSize == 0 {
		cfg.Embeddings.BatchSize = 32
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = Duration(30 * time.Second)
	}
	if cfg.Embeddings.Burst == 0 {
		cfg.Embeddings.Burst = 1
	}
	if cfg.Embeddings.MaxRetries == 0 {
		cfg.Embeddings.MaxRetries = 3
	}
	if cfg.Embeddings.InitialBackoff == 0 {
		cfg.Embeddings.InitialBackoff = Duration(500 * time.Millisecond)
	}
	if cfg.Embeddings.MaxBackoff == 0 {
		cfg.Embeddings.MaxBackoff = Duration(10 * time.Second)
	}
	if cfg.Embeddings.BackoffMultiplier == 0 {
		cfg.Embeddings.BackoffMultiplier = 2
	}

	if cfg.Access.UsersFile == "" {
		cfg.Access.UsersFile = "users.yaml"
	}
	if cfg.Access.AdminRole == "" {
		cfg.Access.AdminRole = "admin"
	}

	if cfg.Query.DefaultK == 0 {
		cfg.Query.DefaultK = 4
	}
	if cfg.Query.MaxK == 0 {
		cfg.Query.MaxK = 50
	}
	if cfg.Query.Concurrency == 0 {
		cfg.Query.Concurrency = 4
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "knowledged"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Documents.Root == "" {
		return errors.New("documents root is required")
	}
	if c.Documents.MaxFileSize < 0 {
		return fmt.Errorf("documents max_file_size must be >= 0, got %d", c.Documents.MaxFileSize)
	}
	if c.Index.Path == "" {
		return errors.New("index path is required")
	}
	if c.Index.BuildConcurrency < 1 {
		return fmt.Errorf("index build_concurrency must be >= 1, got %d", c.Index.BuildConcurrency)
	}

	if c.Chunker.Size <= 0 {
		return fmt.Errorf("chunker size must be positive, got %d", c.Chunker.Size)
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.Size {
		return fmt.Errorf("chunker overlap must be in [0, %d), got %d", c.Chunker.Size, c.Chunker.Overlap)
	}

	if err := c.Embeddings.Validate(); err != nil {
		return fmt.Errorf("embeddings: %w", err)
	}

	if c.Query.DefaultK < 1 {
		return fmt.Errorf("query default_k must be >= 1, got %d", c.Query.DefaultK)
	}
	if c.Query.MaxK < c.Query.DefaultK {
		return fmt.Errorf("query max_k (%d) must be >= default_k (%d)", c.Query.MaxK, c.Query.DefaultK)
	}
	if c.Query.Concurrency < 1 {
		return fmt.Errorf("query concurrency must be >= 1, got %d", c.Query.Concurrency)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if c.Observability.EnableTelemetry {
		if c.Observability.ServiceName == "" {
			return errors.New("service name required when telemetry is enabled")
		}
		if c.Observability.Protocol != "grpc" && c.Observability.Protocol != "http" {
			return fmt.Errorf("observability protocol must be 'grpc' or 'http', got %q", c.Observability.Protocol)
		}
		if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
			return fmt.Errorf("observability sample_rate must be in [0, 1], got %v", c.Observability.SampleRate)
		}
	}

	return nil
}

// Validate checks the embeddings section.
func (e *EmbeddingsConfig) Validate() error {
	switch e.Provider {
	case ProviderHash, ProviderFastEmbed:
	case ProviderTEI:
		if e.BaseURL == "" {
			return errors.New("base_url is required for tei")
		}
	case ProviderOpenAI:
		if !e.APIKey.IsSet() {
			return errors.New("api_key is required for openai")
		}
	default:
		return fmt.Errorf("unknown provider %q", e.Provider)
	}
	if e.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", e.Dimension)
	}
	if e.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", e.BatchSize)
	}
	if e.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", e.MaxRetries)
	}
	if e.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1, got %v", e.BackoffMultiplier)
	}
	if e.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be >= 0, got %v", e.RateLimit)
	}
	return nil
}
