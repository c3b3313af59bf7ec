package docstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextChange(t *testing.T, w *Watcher, match func(Change) bool) Change {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-w.Events():
			require.True(t, ok, "watcher closed")
			if match(c) {
				return c
			}
		case <-deadline:
			t.Fatal("timed out waiting for change")
		}
	}
}

func TestWatcher_DocumentChanges(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "hr")
	store := newTestStore(t, root)

	w, err := NewWatcher(store, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	path := filepath.Join(root, "hr", "policy.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	c := nextChange(t, w, func(c Change) bool { return c.DocumentID == "policy.txt" })
	assert.Equal(t, "hr", c.Partition)
	assert.Contains(t, []Op{OpAdded, OpUpdated}, c.Op)

	require.NoError(t, os.Remove(path))
	c = nextChange(t, w, func(c Change) bool { return c.Op == OpRemoved })
	assert.Equal(t, "policy.txt", c.DocumentID)
}

func TestWatcher_NewPartitionDirectory(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t, root)

	w, err := NewWatcher(store, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	mkdirs(t, root, "legal")
	c := nextChange(t, w, func(c Change) bool { return c.Op == OpPartitionAdded })
	assert.Equal(t, "legal", c.Partition)
	assert.False(t, store.Registry().Has("legal"), "registry changes only on Rescan")
}

func TestWatcher_IgnoresUnindexedFiles(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "hr")
	store := newTestStore(t, root)
	w, err := NewWatcher(store, nil)
	require.NoError(t, err)

	dir := filepath.Join(root, "hr")
	_, ok := w.translate(fsEvent(filepath.Join(dir, "photo.png"), "create"))
	assert.False(t, ok)

	c, ok := w.translate(fsEvent(filepath.Join(dir, "a.md"), "write"))
	require.True(t, ok)
	assert.Equal(t, Change{Op: OpUpdated, Partition: "hr", DocumentID: "a.md"}, c)
	w.Stop()
}

func TestWatcher_IgnoreFileChangeUpdatesPartition(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "hr")
	store := newTestStore(t, root)
	w, err := NewWatcher(store, nil)
	require.NoError(t, err)
	defer w.Stop()

	for _, op := range []string{"create", "write", "remove"} {
		c, ok := w.translate(fsEvent(filepath.Join(root, "hr", ".kbignore"), op))
		require.True(t, ok, op)
		assert.Equal(t, Change{Op: OpUpdated, Partition: "hr", DocumentID: ".kbignore"}, c)
	}
}

func TestWatcher_StopWithoutStart(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	w, err := NewWatcher(store, nil)
	require.NoError(t, err)
	w.Stop()
	w.Stop()
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "added", OpAdded.String())
	assert.Equal(t, "partition_removed", OpPartitionRemoved.String())
	assert.Equal(t, "unknown", Op(0).String())
}
