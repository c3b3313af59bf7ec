package docstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkdirs(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.MkdirAll(filepath.Join(root, n), 0o755))
	}
}

func TestNewRegistry_GeneralAlwaysPresent(t *testing.T) {
	root := t.TempDir()
	reg, err := NewRegistry(root)
	require.NoError(t, err)

	assert.Equal(t, []string{GeneralPartition}, reg.Partitions())
	dir, ok := reg.Lookup(GeneralPartition)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, GeneralPartition), dir)
}

func TestRegistry_Rescan(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "engineering", "hr", "Bad Name")
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644))

	reg, err := NewRegistry(root)
	require.NoError(t, err)

	res, err := reg.Rescan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"engineering", "hr"}, res.Added)
	assert.Empty(t, res.Removed)
	assert.Equal(t, []string{"Bad Name"}, res.Skipped)
	assert.Equal(t, []string{"engineering", GeneralPartition, "hr"}, reg.Partitions())

	require.NoError(t, os.RemoveAll(filepath.Join(root, "hr")))
	mkdirs(t, root, "finance")

	res, err = reg.Rescan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"finance"}, res.Added)
	assert.Equal(t, []string{"hr"}, res.Removed)
	assert.False(t, reg.Has("hr"))
}

func TestRegistry_RescanKeepsExplicit(t *testing.T) {
	root := t.TempDir()
	elsewhere := t.TempDir()

	reg, err := NewRegistry(root)
	require.NoError(t, err)
	require.NoError(t, reg.Register("legal", elsewhere))

	_, err = reg.Rescan(context.Background())
	require.NoError(t, err)

	dir, ok := reg.Lookup("legal")
	require.True(t, ok)
	assert.Equal(t, elsewhere, dir)
}

func TestRegistry_RescanMissingRootKeepsState(t *testing.T) {
	root := filepath.Join(t.TempDir(), "missing")
	reg, err := NewRegistry(root)
	require.NoError(t, err)

	_, err = reg.Rescan(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{GeneralPartition}, reg.Partitions())
}

func TestRegistry_RegisterValidation(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "HR", "../etc", "a b", "-lead"} {
		assert.ErrorIs(t, reg.Register(name, t.TempDir()), ErrInvalidPartition, name)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, reg.Register("ops", t.TempDir()))

	require.NoError(t, reg.Unregister("ops"))
	assert.ErrorIs(t, reg.Unregister("ops"), ErrPartitionNotFound)
	assert.Error(t, reg.Unregister(GeneralPartition))
}

func TestRegistry_PartitionForDir(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "hr")
	reg, err := NewRegistry(root)
	require.NoError(t, err)
	_, err = reg.Rescan(context.Background())
	require.NoError(t, err)

	name, ok := reg.PartitionForDir(filepath.Join(root, "hr") + string(filepath.Separator))
	require.True(t, ok)
	assert.Equal(t, "hr", name)

	_, ok = reg.PartitionForDir(filepath.Join(root, "nope"))
	assert.False(t, ok)
}
