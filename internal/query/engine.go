// Package query answers retrieval requests across the partitions a user is
// allowed to search.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/knowledged/internal/access"
	"github.com/fyrsmithlabs/knowledged/internal/docstore"
	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/index"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
)

var tracer = otel.Tracer("knowledged.query")

var (
	// ErrInvalidInput indicates an empty query, a non-positive k or a
	// malformed partition name.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAccessDenied indicates a requested partition outside the grant.
	ErrAccessDenied = errors.New("access denied")

	// ErrRetrievalFailed indicates the query could not be embedded.
	ErrRetrievalFailed = errors.New("retrieval failed")
)

// Passage is one retrieved chunk with its citation.
type Passage struct {
	Text       string  `json:"text"`
	DocumentID string  `json:"document_id"`
	Partition  string  `json:"partition"`
	Score      float32 `json:"score"`
	Chunk      int     `json:"chunk"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
}

// Result is the outcome of a retrieval.
type Result struct {
	Passages []Passage `json:"passages"`
	// Partitions lists the partitions searched, in grant order.
	Partitions []string `json:"partitions"`
	// Skipped lists searched partitions that have no index yet.
	Skipped []string `json:"skipped,omitempty"`
	// Incomplete is set when some partition search failed.
	Incomplete bool              `json:"incomplete,omitempty"`
	Failed     map[string]string `json:"failed,omitempty"`
}

// Options narrows a retrieval.
type Options struct {
	// Partitions restricts the search to a subset of the grant.
	Partitions []string
}

// Config configures an Engine.
type Config struct {
	// MaxK caps k; larger requests are clamped.
	MaxK int
	// Concurrency bounds parallel partition searches.
	Concurrency int
	Logger      *logging.Logger
}

// Engine runs retrievals.
type Engine struct {
	resolver *access.Resolver
	embedder embeddings.Provider
	catalog  *index.Catalog
	cfg      Config
	logger   *logging.Logger
}

// NewEngine creates an Engine.
func NewEngine(resolver *access.Resolver, embedder embeddings.Provider, catalog *index.Catalog, cfg Config) *Engine {
	if cfg.MaxK < 1 {
		cfg.MaxK = 50
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{
		resolver: resolver,
		embedder: embedder,
		catalog:  catalog,
		cfg:      cfg,
		logger:   logger.Named("query"),
	}
}

// Retrieve returns at most k passages from the partitions user may search,
// ordered by descending score.
func (e *Engine) Retrieve(ctx context.Context, user, text string, k int) (*Result, error) {
	return e.RetrieveWithOptions(ctx, user, text, k, Options{})
}

// RetrieveWithOptions is Retrieve with a partition filter.
func (e *Engine) RetrieveWithOptions(ctx context.Context, user, text string, k int, opts Options) (_ *Result, err error) {
	ctx = logging.WithUser(ctx, user)
	ctx, span := tracer.Start(ctx, "Engine.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	start := time.Now()
	defer func() {
		observeQuery(err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: query text is empty", ErrInvalidInput)
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidInput, k)
	}
	if k > e.cfg.MaxK {
		k = e.cfg.MaxK
	}

	// Resolved per call so role changes apply to the next query.
	grant := e.resolver.AllowedPartitions(ctx, user)
	targets, err := narrow(grant, opts.Partitions)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.StringSlice("partitions", targets.Partitions))

	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		e.logger.Warn(ctx, "query embedding failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrRetrievalFailed, err)
	}

	res := &Result{Partitions: targets.Partitions}
	var (
		mu   sync.Mutex
		hits []ranked
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for pos, name := range targets.Partitions {
		// Each slot is loaded once; a concurrent publish does not affect
		// this query.
		idx := e.catalog.Get(name)
		if idx == nil {
			res.Skipped = append(res.Skipped, name)
			continue
		}
		g.Go(func() error {
			found, err := idx.Search(gctx, vec, k)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if res.Failed == nil {
					res.Failed = make(map[string]string)
				}
				res.Failed[name] = err.Error()
				PartitionFailures.WithLabelValues(name).Inc()
				e.logger.Warn(logging.WithPartition(ctx, name), "partition search failed", zap.Error(err))
				return nil
			}
			for _, h := range found {
				hits = append(hits, ranked{hit: h, partition: name, pos: pos})
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res.Incomplete = len(res.Failed) > 0
	res.Passages = merge(hits, grant, k)

	e.logger.Debug(ctx, "retrieval complete",
		zap.Strings("partitions", res.Partitions),
		zap.Strings("skipped", res.Skipped),
		zap.Int("passages", len(res.Passages)),
		zap.Bool("incomplete", res.Incomplete))
	return res, nil
}

type ranked struct {
	hit       index.Hit
	partition string
	pos       int
}

// merge orders hits by score, then grant position, then insertion order,
// and keeps the first k that the grant still allows.
func merge(hits []ranked, grant access.Grant, k int) []Passage {
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.hit.Score != b.hit.Score {
			return a.hit.Score > b.hit.Score
		}
		if a.pos != b.pos {
			return a.pos < b.pos
		}
		return a.hit.Seq < b.hit.Seq
	})

	out := make([]Passage, 0, min(k, len(hits)))
	for _, r := range hits {
		if len(out) == k {
			break
		}
		if !grant.Allows(r.partition) {
			continue
		}
		out = append(out, Passage{
			Text:       r.hit.Text,
			DocumentID: r.hit.DocumentID,
			Partition:  r.partition,
			Score:      r.hit.Score,
			Chunk:      r.hit.Chunk,
			Start:      r.hit.Start,
			End:        r.hit.End,
		})
	}
	return out
}

// narrow restricts grant to the requested partitions, keeping grant order.
func narrow(grant access.Grant, requested []string) (access.Grant, error) {
	if len(requested) == 0 {
		return grant, nil
	}
	want := make(map[string]struct{}, len(requested))
	for _, name := range requested {
		if err := docstore.ValidatePartitionName(name); err != nil {
			return access.Grant{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if !grant.Allows(name) {
			return access.Grant{}, fmt.Errorf("%w: partition %s", ErrAccessDenied, name)
		}
		want[name] = struct{}{}
	}
	out := grant
	out.Partitions = nil
	for _, name := range grant.Partitions {
		if _, ok := want[name]; ok {
			out.Partitions = append(out.Partitions, name)
		}
	}
	return out, nil
}
