package index

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vec(xs ...float32) []float32 { return xs }

func sampleEntries() []Entry {
	return []Entry{
		{DocumentID: "a.txt", Chunk: 0, Start: 0, End: 5, Text: "alpha", Vector: vec(1, 0, 0)},
		{DocumentID: "a.txt", Chunk: 1, Start: 4, End: 9, Text: "alpha-beta", Vector: vec(1, 1, 0)},
		{DocumentID: "b.txt", Chunk: 0, Start: 0, End: 4, Text: "beta", Vector: vec(0, 1, 0)},
		{DocumentID: "c.txt", Chunk: 0, Start: 0, End: 5, Text: "gamma", Vector: vec(0, 0, 1)},
	}
}

func newTestIndex(t *testing.T, entries []Entry) *Index {
	t.Helper()
	idx, err := New(context.Background(), Manifest{Partition: "engineering", Dimension: 3, Documents: 3}, entries)
	require.NoError(t, err)
	return idx
}

func TestNew_FillsManifest(t *testing.T) {
	idx := newTestIndex(t, sampleEntries())

	m := idx.Manifest()
	assert.Equal(t, "engineering", m.Partition)
	assert.NotEmpty(t, m.BuildID)
	assert.False(t, m.BuiltAt.IsZero())
	assert.Equal(t, 4, m.Chunks)
	assert.Equal(t, 4, idx.Len())
}

func TestNew_RejectsBadVectors(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, Manifest{Partition: "p", Dimension: 3}, []Entry{{DocumentID: "x", Text: "x", Vector: vec(1, 0)}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = New(ctx, Manifest{Partition: "p", Dimension: 3}, []Entry{{DocumentID: "x", Text: "x", Vector: vec(0, 0, 0)}})
	assert.ErrorIs(t, err, ErrInvalidVector)

	_, err = New(ctx, Manifest{Partition: "p"}, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSearch_OrdersByScore(t *testing.T) {
	idx := newTestIndex(t, sampleEntries())

	hits, err := idx.Search(context.Background(), vec(1, 0, 0), 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)

	assert.Equal(t, "alpha", hits[0].Text)
	assert.Equal(t, "alpha-beta", hits[1].Text)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	assert.InDelta(t, 0.7071, hits[1].Score, 1e-3)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}

	assert.Equal(t, "a.txt", hits[1].DocumentID)
	assert.Equal(t, 1, hits[1].Chunk)
	assert.Equal(t, 4, hits[1].Start)
	assert.Equal(t, 9, hits[1].End)
}

func TestSearch_TiesBrokenByInsertionOrder(t *testing.T) {
	entries := []Entry{
		{DocumentID: "z.txt", Text: "first", Vector: vec(0, 1, 0)},
		{DocumentID: "y.txt", Text: "second", Vector: vec(0, 1, 0)},
		{DocumentID: "x.txt", Text: "third", Vector: vec(0, 1, 0)},
	}
	idx := newTestIndex(t, entries)

	for range 20 {
		hits, err := idx.Search(context.Background(), vec(0, 1, 0), 3)
		require.NoError(t, err)
		require.Len(t, hits, 3)
		assert.Equal(t, []string{"first", "second", "third"}, []string{hits[0].Text, hits[1].Text, hits[2].Text})
		assert.Equal(t, []int{0, 1, 2}, []int{hits[0].Seq, hits[1].Seq, hits[2].Seq})
	}
}

func TestSearch_FewerThanK(t *testing.T) {
	idx := newTestIndex(t, sampleEntries())

	hits, err := idx.Search(context.Background(), vec(0, 0, 1), 10)
	require.NoError(t, err)
	assert.Len(t, hits, 4)
}

func TestSearch_EmptyIndexAndZeroK(t *testing.T) {
	empty := newTestIndex(t, nil)
	hits, err := empty.Search(context.Background(), vec(1, 0, 0), 5)
	require.NoError(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)

	idx := newTestIndex(t, sampleEntries())
	hits, err = idx.Search(context.Background(), vec(1, 0, 0), 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearch_DimensionMismatch(t *testing.T) {
	idx := newTestIndex(t, sampleEntries())

	_, err := idx.Search(context.Background(), vec(1, 0), 2)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = idx.Search(context.Background(), vec(0, 0, 0), 2)
	assert.ErrorIs(t, err, ErrInvalidVector)
}

func TestSearch_DoesNotMutateQuery(t *testing.T) {
	idx := newTestIndex(t, sampleEntries())
	q := vec(3, 4, 0)

	_, err := idx.Search(context.Background(), q, 1)
	require.NoError(t, err)
	assert.Equal(t, vec(3, 4, 0), q)
}

func TestSearch_Concurrent(t *testing.T) {
	idx := newTestIndex(t, sampleEntries())

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hits, err := idx.Search(context.Background(), vec(1, 0, 0), 2)
			assert.NoError(t, err)
			assert.Len(t, hits, 2)
		}()
	}
	wg.Wait()
}
