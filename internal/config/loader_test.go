package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// setupTestHome points HOME at an empty temp directory so the default config
// path never resolves to a real file.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("KNOWLEDGED_CONFIG", "")
	return home
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	// WriteFile is subject to umask; force the requested mode.
	if err := os.Chmod(path, perm); err != nil {
		t.Fatalf("failed to chmod test config: %v", err)
	}
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	home := setupTestHome(t)

	path := writeConfig(t, home, `server:
  http_port: 9300
  shutdown_timeout: 3s
documents:
  root: /srv/kb
  extensions: [".txt"]
chunker:
  size: 500
  overlap: 50
embeddings:
  provider: tei
  base_url: http://tei:8080
query:
  default_k: 6
`, 0o600)

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 9300 {
		t.Errorf("Server.Port = %d, want 9300", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout.Duration() != 3*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 3s", cfg.Server.ShutdownTimeout.Duration())
	}
	if cfg.Documents.Root != "/srv/kb" {
		t.Errorf("Documents.Root = %q, want /srv/kb", cfg.Documents.Root)
	}
	if len(cfg.Documents.Extensions) != 1 || cfg.Documents.Extensions[0] != ".txt" {
		t.Errorf("Documents.Extensions = %v, want [.txt]", cfg.Documents.Extensions)
	}
	if cfg.Chunker.Size != 500 || cfg.Chunker.Overlap != 50 {
		t.Errorf("Chunker = %+v, want size 500 overlap 50", cfg.Chunker)
	}
	if cfg.Embeddings.Provider != ProviderTEI || cfg.Embeddings.BaseURL != "http://tei:8080" {
		t.Errorf("Embeddings = %+v", cfg.Embeddings)
	}
	if cfg.Embeddings.Model != "BAAI/bge-small-en-v1.5" {
		t.Errorf("Embeddings.Model = %q, want tei default", cfg.Embeddings.Model)
	}
	if cfg.Query.DefaultK != 6 {
		t.Errorf("Query.DefaultK = %d, want 6", cfg.Query.DefaultK)
	}
	// Untouched sections keep their defaults.
	if cfg.Index.Path != "vectorstore" {
		t.Errorf("Index.Path = %q, want vectorstore", cfg.Index.Path)
	}
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, "server:\n  http_port: 9300\n", 0o600)

	t.Setenv("KNOWLEDGED_SERVER_HTTP_PORT", "9400")
	t.Setenv("KNOWLEDGED_CHUNKER_SIZE", "800")
	t.Setenv("KNOWLEDGED_DOCUMENTS_WATCH_ENABLED", "true")
	t.Setenv("KNOWLEDGED_EMBEDDINGS_INITIAL_BACKOFF", "250ms")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.Server.Port != 9400 {
		t.Errorf("Server.Port = %d, want 9400 from env", cfg.Server.Port)
	}
	if cfg.Chunker.Size != 800 {
		t.Errorf("Chunker.Size = %d, want 800", cfg.Chunker.Size)
	}
	if !cfg.Documents.WatchEnabled {
		t.Error("Documents.WatchEnabled = false, want true")
	}
	if cfg.Embeddings.InitialBackoff.Duration() != 250*time.Millisecond {
		t.Errorf("Embeddings.InitialBackoff = %v, want 250ms", cfg.Embeddings.InitialBackoff.Duration())
	}
}

func TestLoadWithFile_MissingDefaultFileUsesDefaults(t *testing.T) {
	setupTestHome(t)

	cfg, err := LoadWithFile("")
	if err != nil {
		t.Fatalf("LoadWithFile(\"\") error = %v", err)
	}
	if cfg.Chunker.Size != 1000 || cfg.Chunker.Overlap != 100 {
		t.Errorf("Chunker = %+v, want 1000/100", cfg.Chunker)
	}
	if cfg.Query.DefaultK != 4 {
		t.Errorf("Query.DefaultK = %d, want 4", cfg.Query.DefaultK)
	}
	if cfg.Embeddings.Provider != ProviderHash {
		t.Errorf("Embeddings.Provider = %q, want hash", cfg.Embeddings.Provider)
	}
}

func TestLoadWithFile_MissingExplicitFile(t *testing.T) {
	home := setupTestHome(t)

	if _, err := LoadWithFile(filepath.Join(home, "nope.yaml")); err == nil {
		t.Fatal("LoadWithFile() error = nil, want error for missing explicit file")
	}
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	home := setupTestHome(t)
	path := writeConfig(t, home, "server:\n  http_port: 9300\n", 0o666)

	if _, err := LoadWithFile(path); err == nil {
		t.Fatal("LoadWithFile() error = nil, want error for world-writable file")
	}
}

func TestLoadWithFile_TooLarge(t *testing.T) {
	home := setupTestHome(t)
	big := make([]byte, maxConfigFileSize+10)
	for i := range big {
		big[i] = '#'
	}
	path := writeConfig(t, home, string(big), 0o600)

	if _, err := LoadWithFile(path); err == nil {
		t.Fatal("LoadWithFile() error = nil, want error for oversized file")
	}
}

func TestLoadWithFile_InvalidValues(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, "chunker:\n  size: 100\n  overlap: 100\n", 0o600)

	if _, err := LoadWithFile(path); err == nil {
		t.Fatal("LoadWithFile() error = nil, want validation error for overlap >= size")
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"KNOWLEDGED_SERVER_HTTP_PORT":   "server.http_port",
		"KNOWLEDGED_EMBEDDINGS_API_KEY": "embeddings.api_key",
		"KNOWLEDGED_MCP_USER":           "mcp.user",
		"KNOWLEDGED_CONFIG":             "",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
