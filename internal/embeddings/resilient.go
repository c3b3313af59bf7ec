package embeddings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("knowledged.embeddings")

// RetryConfig configures retries of transient failures.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero disables retries.
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	// Default: 500ms
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries.
	// Default: 10s
	MaxBackoff time.Duration

	// BackoffMultiplier grows the wait after each retry.
	// Default: 2
	BackoffMultiplier float64
}

// ApplyDefaults sets default values for unset backoff fields.
func (c *RetryConfig) ApplyDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
}

// ResilientConfig configures Resilient.
type ResilientConfig struct {
	// BatchSize caps texts per backend call. Zero sends everything at once.
	BatchSize int

	// Timeout bounds each attempt. Zero means no per-attempt timeout.
	Timeout time.Duration

	// RateLimit is the number of backend calls per second. Zero is unlimited.
	RateLimit float64

	// Burst is the limiter bucket size.
	Burst int

	Retry RetryConfig
}

// Resilient wraps a Provider with batching, rate limiting, per-attempt
// timeouts, retries of transient failures and dimension checks.
type Resilient struct {
	base    Provider
	cfg     ResilientConfig
	limiter *rate.Limiter
	metrics *Metrics
	logger  *zap.Logger
}

// NewResilient wraps base.
func NewResilient(base Provider, cfg ResilientConfig, logger *zap.Logger) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Retry.ApplyDefaults()

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Resilient{
		base:    base,
		cfg:     cfg,
		limiter: limiter,
		metrics: NewMetrics(logger),
		logger:  logger.Named("embeddings"),
	}
}

// Unwrap returns the wrapped provider.
func (r *Resilient) Unwrap() Provider { return r.base }

// EmbedDocuments embeds texts in batches, preserving input order.
func (r *Resilient) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	ctx, span := tracer.Start(ctx, "Resilient.EmbedDocuments")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", r.base.Name()),
		attribute.Int("text_count", len(texts)),
	)

	start := time.Now()
	defer func() {
		r.metrics.RecordGeneration(ctx, r.base.Name(), "embed_documents", time.Since(start), len(texts), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	size := r.cfg.BatchSize
	if size <= 0 {
		size = len(texts)
	}

	vectors = make([][]float32, 0, len(texts))
	for lo := 0; lo < len(texts); lo += size {
		hi := min(lo+size, len(texts))
		batch := texts[lo:hi]

		var out [][]float32
		err = r.do(ctx, "embed_documents", func(ctx context.Context) error {
			var callErr error
			out, callErr = r.base.EmbedDocuments(ctx, batch)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		if len(out) != len(batch) {
			err = fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(out), len(batch))
			return nil, err
		}
		for _, v := range out {
			if err = r.checkDimension(v); err != nil {
				return nil, err
			}
		}
		vectors = append(vectors, out...)
	}
	return vectors, nil
}

// EmbedQuery embeds a single query.
func (r *Resilient) EmbedQuery(ctx context.Context, text string) (vec []float32, err error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}

	ctx, span := tracer.Start(ctx, "Resilient.EmbedQuery")
	defer span.End()
	span.SetAttributes(attribute.String("provider", r.base.Name()))

	start := time.Now()
	defer func() {
		r.metrics.RecordGeneration(ctx, r.base.Name(), "embed_query", time.Since(start), 1, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	err = r.do(ctx, "embed_query", func(ctx context.Context) error {
		var callErr error
		vec, callErr = r.base.EmbedQuery(ctx, text)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if err = r.checkDimension(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// do runs call with rate limiting and retries transient failures with
// exponential backoff. The caller's context always wins over retries.
func (r *Resilient) do(ctx context.Context, operation string, call func(context.Context) error) error {
	backoff := r.cfg.Retry.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= r.cfg.Retry.MaxRetries; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limiter: %w", ErrEmbeddingFailed, err)
		}

		lastErr = r.attempt(ctx, call)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrEmbeddingFailed, ctx.Err())
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == r.cfg.Retry.MaxRetries {
			break
		}

		r.logger.Debug("retrying embedding call after transient error",
			zap.String("provider", r.base.Name()),
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr))
		r.metrics.RecordRetry(ctx, r.base.Name(), operation)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrEmbeddingFailed, ctx.Err())
		case <-timer.C:
		}
		backoff = min(time.Duration(float64(backoff)*r.cfg.Retry.BackoffMultiplier), r.cfg.Retry.MaxBackoff)
	}

	r.logger.Warn("embedding call failed after retries",
		zap.String("provider", r.base.Name()),
		zap.String("operation", operation),
		zap.Int("attempts", r.cfg.Retry.MaxRetries+1),
		zap.Error(lastErr))
	return fmt.Errorf("%w: after %d attempts: %w", ErrEmbeddingFailed, r.cfg.Retry.MaxRetries+1, lastErr)
}

func (r *Resilient) attempt(ctx context.Context, call func(context.Context) error) error {
	if r.cfg.Timeout <= 0 {
		return call(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return call(attemptCtx)
}

func (r *Resilient) checkDimension(vec []float32) error {
	if want := r.base.Dimension(); len(vec) != want {
		return fmt.Errorf("%w: provider %s returned %d, want %d", ErrDimensionMismatch, r.base.Name(), len(vec), want)
	}
	return nil
}

func (r *Resilient) Dimension() int { return r.base.Dimension() }

func (r *Resilient) Name() string { return r.base.Name() }

func (r *Resilient) Close() error { return r.base.Close() }
