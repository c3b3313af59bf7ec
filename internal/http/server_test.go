package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/knowledged/internal/access"
	"github.com/fyrsmithlabs/knowledged/internal/chunker"
	"github.com/fyrsmithlabs/knowledged/internal/docstore"
	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/embeddings/embedtest"
	"github.com/fyrsmithlabs/knowledged/internal/index"
	"github.com/fyrsmithlabs/knowledged/internal/indexer"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"github.com/fyrsmithlabs/knowledged/internal/query"
)

type testEnv struct {
	server  *Server
	root    string
	fake    *embedtest.Fake
	builder *indexer.Builder
	logs    *logging.TestLogger
}

func writeDoc(t *testing.T, root, partition, name, content string) {
	t.Helper()
	dir := filepath.Join(root, partition)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	root := filepath.Join(t.TempDir(), "data")
	writeDoc(t, root, "general", "Welcome.txt", "Welcome to the company. The welcome pack is on the intranet.")
	writeDoc(t, root, "hr", "leave.txt", "Employees receive twenty days of paid leave each year.")
	writeDoc(t, root, "engineering", "deploy.md", "Deploys happen every Tuesday after the change review.")

	reg, err := docstore.NewRegistry(root)
	require.NoError(t, err)
	_, err = reg.Rescan(context.Background())
	require.NoError(t, err)

	ch, err := chunker.New(200, 20)
	require.NoError(t, err)
	store, err := index.NewStore(filepath.Join(t.TempDir(), "vectorstore"), false, zaptest.NewLogger(t))
	require.NoError(t, err)

	logs := logging.NewTestLogger()
	fake := embedtest.New(32)
	catalog := index.NewCatalog()
	builder := indexer.NewBuilder(docstore.NewStore(reg), ch, fake, catalog, store, indexer.Config{Concurrency: 2, Logger: logs.Logger})
	resolver := access.NewResolver(access.NewStaticDirectory(
		access.Identity{User: "alice", Role: "Admin", Department: "engineering"},
		access.Identity{User: "hannah", Role: "HR Officer", Department: "hr"},
	), "admin", logs.Logger)
	engine := query.NewEngine(resolver, fake, catalog, query.Config{MaxK: 5, Logger: logs.Logger})

	server, err := NewServer(engine, builder, resolver, logs.Logger, &Config{DefaultK: 3, Provider: fake.Name()})
	require.NoError(t, err)
	return &testEnv{server: server, root: root, fake: fake, builder: builder, logs: logs}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNewServer(t *testing.T) {
	env := setupTestServer(t)

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		s, err := NewServer(env.server.engine, env.builder, env.server.resolver, logging.Nop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", s.config.Host)
		assert.Equal(t, 4, s.config.DefaultK)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(env.server.engine, env.builder, env.server.resolver, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when dependencies are missing", func(t *testing.T) {
		_, err := NewServer(nil, env.builder, env.server.resolver, logging.Nop(), nil)
		assert.Error(t, err)
	})
}

func TestHandleHealth(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "fake", resp.Provider)
	assert.Equal(t, 3, resp.Partitions)
	assert.Equal(t, 0, resp.Active)
}

func TestHandleQuery(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, http.MethodPost, "/api/v1/rebuild", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	t.Run("returns passages from granted partitions", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/query", "hannah", QueryRequest{Query: "welcome pack"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decode[QueryResponse](t, rec)
		assert.Equal(t, 3, resp.K)
		assert.Equal(t, []string{"hr", "general"}, resp.Partitions)
		require.NotEmpty(t, resp.Passages)
		assert.Equal(t, "Welcome.txt", resp.Passages[0].DocumentID)
		for _, p := range resp.Passages {
			assert.NotEqual(t, "engineering", p.Partition)
		}
	})

	t.Run("anonymous callers search general only", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/query", "", QueryRequest{Query: "deploys"})
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[QueryResponse](t, rec)
		assert.Equal(t, []string{"general"}, resp.Partitions)
	})

	t.Run("empty query is rejected without embedding", func(t *testing.T) {
		before := env.fake.QueryCalls()
		rec := env.do(t, http.MethodPost, "/api/v1/query", "hannah", QueryRequest{Query: "   "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, before, env.fake.QueryCalls())
	})

	t.Run("non-positive k is rejected", func(t *testing.T) {
		k := 0
		rec := env.do(t, http.MethodPost, "/api/v1/query", "hannah", QueryRequest{Query: "leave", K: &k})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("partition outside grant is forbidden", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/query", "hannah", QueryRequest{Query: "leave", Partitions: []string{"engineering"}})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("invalid json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader("invalid json"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("embedding failure maps to bad gateway", func(t *testing.T) {
		env.fake.FailWith(embeddings.ErrEmbeddingFailed)
		defer env.fake.FailWith(nil)
		rec := env.do(t, http.MethodPost, "/api/v1/query", "hannah", QueryRequest{Query: "leave"})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestHandlePartitions(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodGet, "/api/v1/partitions", "hannah", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[PartitionsResponse](t, rec)
	var names []string
	for _, st := range resp.Partitions {
		names = append(names, st.Partition)
		assert.Equal(t, indexer.StateAbsent, st.State)
	}
	assert.Equal(t, []string{"general", "hr"}, names)

	rec = env.do(t, http.MethodGet, "/api/v1/partitions", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[PartitionsResponse](t, rec).Partitions, 3)
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	env := setupTestServer(t)

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodPost, "/api/v1/partitions/rescan"},
		{http.MethodPost, "/api/v1/partitions/hr/rebuild"},
		{http.MethodDelete, "/api/v1/partitions/hr"},
		{http.MethodPost, "/api/v1/rebuild"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			assert.Equal(t, http.StatusForbidden, env.do(t, tc.method, tc.path, "", nil).Code)
			assert.Equal(t, http.StatusForbidden, env.do(t, tc.method, tc.path, "hannah", nil).Code)
			assert.Equal(t, http.StatusForbidden, env.do(t, tc.method, tc.path, "nobody", nil).Code)
		})
	}
	assert.Zero(t, env.fake.DocumentCalls())
}

func TestHandleRebuild(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/partitions/hr/rebuild", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[RebuildResponse](t, rec)
	assert.Equal(t, indexer.StateActive, resp.Status.State)
	assert.Equal(t, 1, resp.Status.Documents)

	rec = env.do(t, http.MethodPost, "/api/v1/partitions/finance/rebuild", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/partitions/Bad.Name/rebuild", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.logs.AssertLogged(t, zapcore.InfoLevel, "http request")
}

func TestHandleRebuild_Conflict(t *testing.T) {
	env := setupTestServer(t)
	env.fake.Hold()

	done := make(chan int, 1)
	go func() {
		done <- env.do(t, http.MethodPost, "/api/v1/partitions/hr/rebuild", "alice", nil).Code
	}()
	<-env.fake.Entered()

	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/v1/partitions/hr/rebuild", "alice", nil).Code)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodDelete, "/api/v1/partitions/hr", "alice", nil).Code)

	env.fake.Release()
	assert.Equal(t, http.StatusOK, <-done)
}

func TestHandleRebuild_EmbeddingFailure(t *testing.T) {
	env := setupTestServer(t)
	env.fake.FailWith(embeddings.ErrEmbeddingFailed)

	rec := env.do(t, http.MethodPost, "/api/v1/partitions/hr/rebuild", "alice", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleDelete(t *testing.T) {
	env := setupTestServer(t)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/v1/partitions/hr", "alice", nil).Code)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/partitions/hr/rebuild", "alice", nil).Code)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/v1/partitions/hr", "alice", nil).Code)
	assert.Equal(t, indexer.StateAbsent, env.builder.Status("hr").State)
}

func TestHandleRebuildAll(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/rebuild", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[RebuildAllResponse](t, rec)
	assert.Equal(t, []string{"engineering", "general", "hr"}, resp.Built)
	assert.Empty(t, resp.Failed)

	health := decode[HealthResponse](t, env.do(t, http.MethodGet, "/health", "", nil))
	assert.Equal(t, 3, health.Active)
}

func TestHandleRescan(t *testing.T) {
	env := setupTestServer(t)
	writeDoc(t, env.root, "finance", "budget.txt", "The budget closes in March.")

	rec := env.do(t, http.MethodPost, "/api/v1/partitions/rescan", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[RescanResponse](t, rec)
	assert.Equal(t, []string{"finance"}, resp.Added)
	assert.Contains(t, resp.Partitions, "finance")
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	env.do(t, http.MethodPost, "/api/v1/rebuild", "alice", nil)

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "knowledged_index_rebuilds_total")
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	env := setupTestServer(t)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/nope", "", nil).Code)
}
