package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/knowledged/internal/chunker"
	"github.com/fyrsmithlabs/knowledged/internal/docstore"
	"github.com/fyrsmithlabs/knowledged/internal/embeddings/embedtest"
	"github.com/fyrsmithlabs/knowledged/internal/index"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
)

type fixture struct {
	root     string
	docs     *docstore.Store
	embedder *embedtest.Fake
	catalog  *index.Catalog
	store    *index.Store
	builder  *Builder
	logs     *logging.TestLogger
}

func writeDoc(t *testing.T, root, partition, name, content string) {
	t.Helper()
	dir := filepath.Join(root, partition)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := filepath.Join(t.TempDir(), "data")
	writeDoc(t, root, "general", "Welcome.txt", "Welcome to the company. Please read the handbook.")
	writeDoc(t, root, "hr", "leave.txt", "Employees receive twenty days of paid leave each year.")
	writeDoc(t, root, "engineering", "deploy.md", "Deploys happen every Tuesday after the change review.")
	return newFixtureAt(t, root, embedtest.New(32), filepath.Join(t.TempDir(), "vectorstore"))
}

func newFixtureAt(t *testing.T, root string, fake *embedtest.Fake, indexPath string) *fixture {
	t.Helper()
	reg, err := docstore.NewRegistry(root)
	require.NoError(t, err)
	_, err = reg.Rescan(context.Background())
	require.NoError(t, err)

	ch, err := chunker.New(60, 10)
	require.NoError(t, err)

	store, err := index.NewStore(indexPath, false, zaptest.NewLogger(t))
	require.NoError(t, err)

	logs := logging.NewTestLogger()
	catalog := index.NewCatalog()
	docs := docstore.NewStore(reg)
	return &fixture{
		root:     root,
		docs:     docs,
		embedder: fake,
		catalog:  catalog,
		store:    store,
		logs:     logs,
		builder:  NewBuilder(docs, ch, fake, catalog, store, Config{Concurrency: 2, Logger: logs.Logger}),
	}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func removeAll(root, partition string) error {
	return os.RemoveAll(filepath.Join(root, partition))
}
