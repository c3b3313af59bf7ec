package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func teiServer(t *testing.T, status int, dim int) (*httptest.Server, *[]teiRequest) {
	t.Helper()
	var seen []teiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		var req teiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = append(seen, req)

		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("boom"))
			return
		}

		n := 1
		if list, ok := req.Inputs.([]any); ok {
			n = len(list)
		}
		out := make([][]float32, n)
		for i := range out {
			out[i] = make([]float32, dim)
			out[i][i%dim] = 1
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestNewTEIProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TEIConfig
		wantErr bool
		wantDim int
	}{
		{
			name:    "known model",
			cfg:     TEIConfig{BaseURL: "http://localhost:8080", Model: "BAAI/bge-small-en-v1.5"},
			wantDim: 384,
		},
		{
			name:    "explicit dimension",
			cfg:     TEIConfig{BaseURL: "http://localhost:8080", Model: "custom", Dimension: 42},
			wantDim: 42,
		},
		{
			name:    "unknown model without dimension",
			cfg:     TEIConfig{BaseURL: "http://localhost:8080", Model: "custom"},
			wantErr: true,
		},
		{
			name:    "empty base URL",
			cfg:     TEIConfig{Model: "BAAI/bge-small-en-v1.5"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewTEIProvider(tt.cfg)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDim, p.Dimension())
		})
	}
}

func TestTEIProvider_EmbedDocuments(t *testing.T) {
	srv, seen := teiServer(t, http.StatusOK, 4)
	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL, Model: "m", Dimension: 4, APIKey: "k"})
	require.NoError(t, err)

	vecs, err := p.EmbedDocuments(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
	require.Len(t, *seen, 1)
	assert.True(t, (*seen)[0].Truncate)
	assert.Equal(t, "tei:m", p.Name())
}

func TestTEIProvider_EmbedQuery(t *testing.T) {
	srv, _ := teiServer(t, http.StatusOK, 4)
	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL + "/", Model: "m", Dimension: 4})
	require.NoError(t, err)

	vec, err := p.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 4)

	_, err = p.EmbedQuery(context.Background(), " ")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestTEIProvider_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := teiServer(t, tt.status, 4)
			p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL, Model: "m", Dimension: 4})
			require.NoError(t, err)

			_, err = p.EmbedDocuments(context.Background(), []string{"a"})
			require.ErrorIs(t, err, ErrEmbeddingFailed)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Contains(t, err.Error(), "boom")
		})
	}
}

func TestTEIProvider_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, err := NewTEIProvider(TEIConfig{BaseURL: url, Model: "m", Dimension: 4})
	require.NoError(t, err)

	_, err = p.EmbedDocuments(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
