package indexer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/docstore"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
)

// AutoReindexer rebuilds partitions after their documents change. Changes
// are collected per partition and flushed once no new change has arrived
// for the debounce interval.
type AutoReindexer struct {
	builder  *Builder
	debounce time.Duration
	logger   *logging.Logger

	mu    sync.Mutex
	seq   uint64
	dirty map[string]uint64 // partition -> seq of its latest change

	// flushed is signalled after each flush; tests wait on it.
	flushed chan struct{}
}

// NewAutoReindexer creates an AutoReindexer.
func NewAutoReindexer(b *Builder, debounce time.Duration, logger *logging.Logger) *AutoReindexer {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &AutoReindexer{
		builder:  b,
		debounce: debounce,
		logger:   logger.Named("autoreindex"),
		dirty:    make(map[string]uint64),
		flushed:  make(chan struct{}, 1),
	}
}

// Dirty returns the partitions waiting for a rebuild, sorted.
func (a *AutoReindexer) Dirty() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.dirty))
	for name := range a.dirty {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run consumes changes until ctx is cancelled or changes is closed.
func (a *AutoReindexer) Run(ctx context.Context, changes <-chan docstore.Change) error {
	timer := time.NewTimer(a.debounce)
	stopTimer(timer)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case change, ok := <-changes:
			if !ok {
				return nil
			}
			a.handle(ctx, change)
			stopTimer(timer)
			timer.Reset(a.debounce)

		case <-timer.C:
			if retry := a.flush(ctx); retry {
				timer.Reset(a.debounce)
			}
		}
	}
}

func (a *AutoReindexer) handle(ctx context.Context, change docstore.Change) {
	ctx = logging.WithPartition(ctx, change.Partition)

	switch change.Op {
	case docstore.OpPartitionAdded, docstore.OpPartitionRemoved:
		res, err := a.builder.Registry().Rescan(ctx)
		if err != nil {
			a.logger.Warn(ctx, "registry rescan failed", zap.Error(err))
			return
		}
		a.logger.Info(ctx, "registry rescanned",
			zap.String("trigger", change.Op.String()),
			zap.Strings("added", res.Added),
			zap.Strings("removed", res.Removed))
		if change.Op == docstore.OpPartitionRemoved {
			// The index stays active until an admin deletes it.
			a.mu.Lock()
			delete(a.dirty, change.Partition)
			a.mu.Unlock()
			return
		}
	}

	a.logger.Debug(ctx, "document change",
		zap.String("op", change.Op.String()),
		zap.String("document", change.DocumentID))

	a.mu.Lock()
	a.seq++
	a.dirty[change.Partition] = a.seq
	a.mu.Unlock()
}

// flush rebuilds every dirty partition. A partition stays dirty when its
// build was rejected as a conflict or when a newer change arrived during the
// build. It reports whether anything is left dirty.
func (a *AutoReindexer) flush(ctx context.Context) bool {
	a.mu.Lock()
	pending := make(map[string]uint64, len(a.dirty))
	names := make([]string, 0, len(a.dirty))
	for name, seq := range a.dirty {
		pending[name] = seq
		names = append(names, name)
	}
	a.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		pctx := logging.WithPartition(ctx, name)
		_, err := a.builder.Build(pctx, name)
		switch {
		case err == nil:
		case errors.Is(err, ErrRebuildInProgress):
			a.logger.Info(pctx, "rebuild in progress; will retry")
			continue
		case errors.Is(err, docstore.ErrPartitionNotFound):
			a.logger.Debug(pctx, "changed partition no longer registered")
		default:
			// Build already logged the failure; the next change retries.
			a.logger.Debug(pctx, "automatic rebuild failed", zap.Error(err))
		}
		a.mu.Lock()
		if a.dirty[name] == pending[name] {
			delete(a.dirty, name)
		}
		a.mu.Unlock()
	}

	a.mu.Lock()
	retry := len(a.dirty) > 0
	a.mu.Unlock()

	select {
	case a.flushed <- struct{}{}:
	default:
	}
	return retry
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
