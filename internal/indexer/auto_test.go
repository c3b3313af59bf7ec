package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowledged/internal/docstore"
)

func startAuto(t *testing.T, f *fixture) (*AutoReindexer, chan docstore.Change) {
	t.Helper()
	a := NewAutoReindexer(f.builder, 20*time.Millisecond, f.logs.Logger)
	changes := make(chan docstore.Change, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx, changes)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a, changes
}

func TestAutoReindexer_RebuildsChangedPartition(t *testing.T) {
	f := newFixture(t)
	a, changes := startAuto(t, f)

	changes <- docstore.Change{Op: docstore.OpAdded, Partition: "hr", DocumentID: "leave.txt"}
	changes <- docstore.Change{Op: docstore.OpUpdated, Partition: "hr", DocumentID: "leave.txt"}
	waitFor(t, a.flushed)

	assert.NotNil(t, f.catalog.Get("hr"))
	assert.Nil(t, f.catalog.Get("engineering"))
	assert.Equal(t, 1, f.embedder.DocumentCalls())
	assert.Empty(t, a.Dirty())
}

func TestAutoReindexer_NewPartition(t *testing.T) {
	f := newFixture(t)
	a, changes := startAuto(t, f)

	writeDoc(t, f.root, "sales", "targets.txt", "Quarterly targets are set in January.")
	changes <- docstore.Change{Op: docstore.OpPartitionAdded, Partition: "sales"}
	waitFor(t, a.flushed)

	assert.True(t, f.docs.Registry().Has("sales"))
	assert.NotNil(t, f.catalog.Get("sales"))
}

func TestAutoReindexer_ConflictStaysDirty(t *testing.T) {
	f := newFixture(t)
	a, changes := startAuto(t, f)
	ctx := context.Background()

	f.embedder.Hold()
	done := make(chan error, 1)
	go func() {
		_, err := f.builder.Build(ctx, "engineering")
		done <- err
	}()
	waitFor(t, f.embedder.Entered())

	changes <- docstore.Change{Op: docstore.OpUpdated, Partition: "engineering", DocumentID: "deploy.md"}
	waitFor(t, a.flushed)
	assert.Equal(t, []string{"engineering"}, a.Dirty())

	f.embedder.Release()
	require.NoError(t, <-done)

	require.Eventually(t, func() bool {
		return len(a.Dirty()) == 0 && f.embedder.DocumentCalls() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAutoReindexer_PartitionRemovedKeepsIndex(t *testing.T) {
	f := newFixture(t)
	a, changes := startAuto(t, f)

	_, err := f.builder.Build(context.Background(), "hr")
	require.NoError(t, err)

	require.NoError(t, removeAll(f.root, "hr"))
	changes <- docstore.Change{Op: docstore.OpUpdated, Partition: "hr", DocumentID: "leave.txt"}
	changes <- docstore.Change{Op: docstore.OpPartitionRemoved, Partition: "hr"}

	require.Eventually(t, func() bool { return !f.docs.Registry().Has("hr") }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	assert.Empty(t, a.Dirty())
	assert.NotNil(t, f.catalog.Get("hr"))
}
