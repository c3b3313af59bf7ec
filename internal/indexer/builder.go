package indexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/knowledged/internal/chunker"
	"github.com/fyrsmithlabs/knowledged/internal/docstore"
	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/index"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
)

var (
	// ErrBuildFailed wraps any failure that aborted a build.
	ErrBuildFailed = errors.New("index build failed")

	// ErrRebuildInProgress rejects a build or delete of a partition that is
	// already being built.
	ErrRebuildInProgress = errors.New("rebuild already in progress")
)

// State is the lifecycle state of a partition index.
type State string

const (
	StateAbsent   State = "absent"
	StateBuilding State = "building"
	StateActive   State = "active"
)

// Status describes one partition for admin display.
type Status struct {
	Partition  string     `json:"partition"`
	State      State      `json:"state"`
	Registered bool       `json:"registered"`
	Documents  int        `json:"documents"`
	Chunks     int        `json:"chunks"`
	Dimension  int        `json:"dimension,omitempty"`
	Provider   string     `json:"provider,omitempty"`
	BuildID    string     `json:"build_id,omitempty"`
	BuiltAt    *time.Time `json:"built_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// Config configures a Builder.
type Config struct {
	// Concurrency bounds parallel partition builds in BuildAll.
	Concurrency int

	Logger *logging.Logger
}

// partition tracks per-partition build bookkeeping.
type partition struct {
	build sync.Mutex

	mu       sync.Mutex
	building bool
	lastErr  error
}

// Builder orchestrates chunking, embedding, persistence and publishing.
type Builder struct {
	docs     *docstore.Store
	chunker  *chunker.Chunker
	embedder embeddings.Provider
	catalog  *index.Catalog
	store    *index.Store
	cfg      Config
	logger   *logging.Logger

	mu         sync.Mutex
	partitions map[string]*partition
}

// NewBuilder creates a Builder.
func NewBuilder(docs *docstore.Store, ch *chunker.Chunker, embedder embeddings.Provider, catalog *index.Catalog, store *index.Store, cfg Config) *Builder {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Builder{
		docs:       docs,
		chunker:    ch,
		embedder:   embedder,
		catalog:    catalog,
		store:      store,
		cfg:        cfg,
		logger:     logger.Named("indexer"),
		partitions: make(map[string]*partition),
	}
}

// Catalog returns the catalog the builder publishes to.
func (b *Builder) Catalog() *index.Catalog { return b.catalog }

// Registry returns the partition registry of the document store.
func (b *Builder) Registry() *docstore.Registry { return b.docs.Registry() }

func (b *Builder) partition(name string) *partition {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.partitions[name]
	if !ok {
		p = &partition{}
		b.partitions[name] = p
	}
	return p
}

// Build rebuilds one partition from scratch and publishes the result.
func (b *Builder) Build(ctx context.Context, name string) (*index.Index, error) {
	if !b.docs.Registry().Has(name) {
		return nil, fmt.Errorf("%w: %s", docstore.ErrPartitionNotFound, name)
	}

	p := b.partition(name)
	if !p.build.TryLock() {
		BuildsTotal.WithLabelValues(name, resultConflict).Inc()
		return nil, fmt.Errorf("%w: %s", ErrRebuildInProgress, name)
	}
	defer p.build.Unlock()

	p.setBuilding(true)
	defer p.setBuilding(false)

	ctx = logging.WithPartition(ctx, name)
	start := time.Now()
	b.logger.Info(ctx, "index build started")

	idx, err := b.build(ctx, name)
	elapsed := time.Since(start)
	BuildDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrBuildFailed, name, err)
		p.setLastErr(err)
		BuildsTotal.WithLabelValues(name, resultFailure).Inc()
		b.logger.Error(ctx, "index build failed",
			zap.Duration("duration", elapsed),
			zap.Bool("previous_index_kept", b.catalog.Get(name) != nil),
			zap.Error(err))
		return nil, err
	}

	b.catalog.Publish(name, idx)
	p.setLastErr(nil)
	BuildsTotal.WithLabelValues(name, resultSuccess).Inc()

	m := idx.Manifest()
	b.logger.Info(ctx, "index build published",
		zap.String("build_id", m.BuildID),
		zap.Int("documents", m.Documents),
		zap.Int("chunks", m.Chunks),
		zap.Duration("duration", elapsed))
	return idx, nil
}

func (b *Builder) build(ctx context.Context, name string) (*index.Index, error) {
	docs, err := b.docs.Documents(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}

	var (
		entries []index.Entry
		texts   []string
	)
	for _, doc := range docs {
		for _, span := range b.chunker.Split(doc.Content) {
			if strings.TrimSpace(span.Text) == "" {
				continue
			}
			entries = append(entries, index.Entry{
				DocumentID: doc.ID,
				Chunk:      span.Index,
				Start:      span.Start,
				End:        span.End,
				Text:       span.Text,
			})
			texts = append(texts, span.Text)
		}
	}

	if len(texts) > 0 {
		vectors, err := b.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embedding %d chunks: %w", len(texts), err)
		}
		if len(vectors) != len(entries) {
			return nil, fmt.Errorf("%w: got %d vectors for %d chunks", embeddings.ErrEmbeddingFailed, len(vectors), len(entries))
		}
		for i := range entries {
			entries[i].Vector = vectors[i]
		}
	}

	idx, err := index.New(ctx, index.Manifest{
		Partition: name,
		Provider:  b.embedder.Name(),
		Dimension: b.embedder.Dimension(),
		Documents: len(docs),
	}, entries)
	if err != nil {
		return nil, fmt.Errorf("constructing index: %w", err)
	}

	if err := b.store.Save(ctx, idx); err != nil {
		return nil, fmt.Errorf("persisting index: %w", err)
	}
	return idx, nil
}

// BuildAll rebuilds every registered partition with bounded parallelism.
// Each partition succeeds or fails on its own; the returned map holds the
// partitions that were published and the error joins every failure.
func (b *Builder) BuildAll(ctx context.Context) (map[string]*index.Index, error) {
	names := b.docs.Registry().Partitions()

	var (
		mu     sync.Mutex
		built  = make(map[string]*index.Index, len(names))
		failed []error
	)

	var g errgroup.Group
	g.SetLimit(b.cfg.Concurrency)
	for _, name := range names {
		g.Go(func() error {
			idx, err := b.Build(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, err)
				return nil
			}
			built[name] = idx
			return nil
		})
	}
	_ = g.Wait()

	return built, errors.Join(failed...)
}

// Restore publishes the persisted index of every registered partition.
// Artifacts that cannot be loaded, including ones built with a different
// embedding dimension, leave their partition absent.
func (b *Builder) Restore(ctx context.Context) (int, error) {
	loaded, failed, err := b.store.LoadAll(ctx, b.embedder.Dimension())
	if err != nil {
		return 0, fmt.Errorf("restoring indexes: %w", err)
	}

	names := make([]string, 0, len(failed))
	for name := range failed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.partition(name).setLastErr(failed[name])
		b.logger.Warn(logging.WithPartition(ctx, name), "persisted index not restored", zap.Error(failed[name]))
	}

	restored := 0
	for name, idx := range loaded {
		pctx := logging.WithPartition(ctx, name)
		if !b.docs.Registry().Has(name) {
			b.logger.Warn(pctx, "persisted index has no registered partition; skipping")
			continue
		}
		b.catalog.Publish(name, idx)
		restored++
		b.logger.Info(pctx, "index restored",
			zap.String("build_id", idx.BuildID()),
			zap.Int("chunks", idx.Len()))
	}
	return restored, nil
}

// Delete removes the index of a partition from the catalog and from disk.
// The partition itself stays registered and can be rebuilt later.
func (b *Builder) Delete(ctx context.Context, name string) error {
	if err := docstore.ValidatePartitionName(name); err != nil {
		return err
	}

	p := b.partition(name)
	if !p.build.TryLock() {
		return fmt.Errorf("%w: %s", ErrRebuildInProgress, name)
	}
	defer p.build.Unlock()

	if b.catalog.Get(name) == nil && !b.store.Exists(name) {
		return fmt.Errorf("%w: %s", index.ErrNotFound, name)
	}

	// Drop from disk first so a restart cannot resurrect it.
	if err := b.store.Delete(ctx, name); err != nil {
		return fmt.Errorf("deleting index %s: %w", name, err)
	}
	b.catalog.Remove(name)
	p.setLastErr(nil)

	b.logger.Info(logging.WithPartition(ctx, name), "index deleted")
	return nil
}

// Status reports the state of one partition.
func (b *Builder) Status(name string) Status {
	st := Status{
		Partition:  name,
		State:      StateAbsent,
		Registered: b.docs.Registry().Has(name),
	}

	if idx := b.catalog.Get(name); idx != nil {
		m := idx.Manifest()
		st.State = StateActive
		st.Documents = m.Documents
		st.Chunks = m.Chunks
		st.Dimension = m.Dimension
		st.Provider = m.Provider
		st.BuildID = m.BuildID
		builtAt := m.BuiltAt
		st.BuiltAt = &builtAt
	}

	b.mu.Lock()
	p, ok := b.partitions[name]
	b.mu.Unlock()
	if ok {
		p.mu.Lock()
		if p.building {
			st.State = StateBuilding
		}
		if p.lastErr != nil {
			st.LastError = p.lastErr.Error()
		}
		p.mu.Unlock()
	}
	return st
}

// Statuses reports every registered partition and every partition with an
// active index, sorted by name.
func (b *Builder) Statuses() []Status {
	seen := make(map[string]struct{})
	for _, name := range b.docs.Registry().Partitions() {
		seen[name] = struct{}{}
	}
	for _, name := range b.catalog.Names() {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Status, len(names))
	for i, name := range names {
		out[i] = b.Status(name)
	}
	return out
}

func (p *partition) setBuilding(v bool) {
	p.mu.Lock()
	p.building = v
	p.mu.Unlock()
}

func (p *partition) setLastErr(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}
