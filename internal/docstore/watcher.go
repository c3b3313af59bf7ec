package docstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/ignore"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Op is the kind of change observed in the document tree.
type Op int

const (
	OpAdded Op = iota + 1
	OpUpdated
	OpRemoved
	// OpPartitionAdded reports a new directory under the root. The registry
	// is not changed; callers decide whether to Rescan.
	OpPartitionAdded
	OpPartitionRemoved
)

func (o Op) String() string {
	switch o {
	case OpAdded:
		return "added"
	case OpUpdated:
		return "updated"
	case OpRemoved:
		return "removed"
	case OpPartitionAdded:
		return "partition_added"
	case OpPartitionRemoved:
		return "partition_removed"
	default:
		return "unknown"
	}
}

// Change is a document change notification.
type Change struct {
	Op         Op
	Partition  string
	DocumentID string
}

// Watcher turns filesystem events under the documents root into Changes.
type Watcher struct {
	store   *Store
	fsw     *fsnotify.Watcher
	events  chan Change
	logger  *zap.Logger
	stop    chan struct{}
	stopped sync.Once
	started atomic.Bool
	done    chan struct{}
}

// NewWatcher creates a watcher for the partitions of store.
func NewWatcher(store *Store, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &Watcher{
		store:  store,
		fsw:    fsw,
		events: make(chan Change, 64),
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start watches the root and every registered partition directory that
// exists, then processes events in a background goroutine until ctx is
// cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	root := w.store.registry.Root()
	if err := w.fsw.Add(root); err != nil {
		return fmt.Errorf("watching documents root %s: %w", root, err)
	}
	w.Sync()

	w.started.Store(true)
	go w.run(ctx)
	return nil
}

// Sync adds watches for registered partitions that are not yet watched,
// typically after a Rescan.
func (w *Watcher) Sync() {
	watched := make(map[string]struct{})
	for _, p := range w.fsw.WatchList() {
		watched[p] = struct{}{}
	}
	for _, name := range w.store.registry.Partitions() {
		dir, _ := w.store.registry.Lookup(name)
		if _, ok := watched[dir]; ok {
			continue
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if err := w.fsw.Add(dir); err != nil {
			w.logger.Warn("failed to watch partition directory",
				zap.String("partition", name), zap.String("dir", dir), zap.Error(err))
		}
	}
}

// Events returns the channel on which changes are delivered. It is closed
// when the watcher stops.
func (w *Watcher) Events() <-chan Change {
	return w.events
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.stopped.Do(func() {
		close(w.stop)
		_ = w.fsw.Close()
	})
	if w.started.Load() {
		<-w.done
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.events)

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			w.stopped.Do(func() {
				close(w.stop)
				_ = w.fsw.Close()
			})
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			change, ok := w.translate(ev)
			if !ok {
				continue
			}
			select {
			case w.events <- change:
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) translate(ev fsnotify.Event) (Change, bool) {
	if ev.Op == fsnotify.Chmod {
		return Change{}, false
	}

	dir, name := filepath.Split(ev.Name)
	dir = filepath.Clean(dir)

	// Directories directly under the root are partitions.
	if dir == w.store.registry.Root() {
		switch {
		case ev.Op.Has(fsnotify.Create):
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				if ValidatePartitionName(name) != nil {
					return Change{}, false
				}
				if err := w.fsw.Add(ev.Name); err != nil {
					w.logger.Warn("failed to watch new partition directory",
						zap.String("dir", ev.Name), zap.Error(err))
				}
				return Change{Op: OpPartitionAdded, Partition: name}, true
			}
		case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
			if w.store.registry.Has(name) {
				return Change{Op: OpPartitionRemoved, Partition: name}, true
			}
		}
		return Change{}, false
	}

	partition, ok := w.store.registry.PartitionForDir(dir)
	if !ok {
		return Change{}, false
	}
	// Editing the ignore file can change every document's visibility.
	if name == ignore.FileName {
		return Change{Op: OpUpdated, Partition: partition, DocumentID: name}, true
	}
	if !w.store.Accepts(name) {
		return Change{}, false
	}

	change := Change{Partition: partition, DocumentID: name}
	switch {
	case ev.Op.Has(fsnotify.Create):
		change.Op = OpAdded
	case ev.Op.Has(fsnotify.Write):
		change.Op = OpUpdated
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		change.Op = OpRemoved
	default:
		return Change{}, false
	}
	return change, true
}
