package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/config"
)

var (
	// ErrEmptyInput indicates empty or whitespace-only input.
	ErrEmptyInput = errors.New("empty input")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failed for good.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrTransient marks failures worth retrying (timeouts, 429, 5xx,
	// connection errors).
	ErrTransient = errors.New("transient embedding failure")

	// ErrDimensionMismatch indicates a vector of unexpected length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Provider maps text to vectors of a fixed dimension.
//
// EmbedDocuments embeds passages for indexing and returns one vector per
// input, in input order. EmbedQuery embeds a search query; some models use
// a different prompt for queries than for passages. Implementations return
// errors wrapping ErrTransient for failures that may succeed on retry.
type Provider interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimension is constant for the lifetime of the provider.
	Dimension() int
	// Name identifies the backend and model, e.g. "tei:BAAI/bge-small-en-v1.5".
	Name() string
	Close() error
}

// NewProvider creates the configured backend wrapped in Resilient.
func NewProvider(cfg config.EmbeddingsConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var (
		base Provider
		err  error
	)
	switch cfg.Provider {
	case config.ProviderHash:
		base, err = NewHashProvider(cfg.Dimension)
	case config.ProviderTEI:
		base, err = NewTEIProvider(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: cfg.Dimension,
		})
	case config.ProviderOpenAI:
		base, err = NewOpenAIProvider(OpenAIConfig{
			APIKey:    cfg.APIKey.Value(),
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
		})
	case config.ProviderFastEmbed:
		base, err = NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("embedding provider initialized",
		zap.String("provider", base.Name()),
		zap.Int("dimension", base.Dimension()))

	return NewResilient(base, ResilientConfig{
		BatchSize: cfg.BatchSize,
		Timeout:   cfg.Timeout.Duration(),
		RateLimit: cfg.RateLimit,
		Burst:     cfg.Burst,
		Retry: RetryConfig{
			MaxRetries:        cfg.MaxRetries,
			InitialBackoff:    cfg.InitialBackoff.Duration(),
			MaxBackoff:        cfg.MaxBackoff.Duration(),
			BackoffMultiplier: cfg.BackoffMultiplier,
		},
	}, logger), nil
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// transient marks err as retryable.
func transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
