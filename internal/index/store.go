package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	currentFile  = "CURRENT"
	manifestFile = "manifest.json"
	chunksFile   = "chunks.gob"
)

// Store persists indexes under a root directory, one subdirectory per
// partition.
type Store struct {
	root     string
	compress bool
	logger   *zap.Logger
}

// NewStore creates the root directory if needed.
func NewStore(root string, compress bool, logger *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("index store root is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating index root %s: %w", root, err)
	}
	return &Store{root: root, compress: compress, logger: logger}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

func (s *Store) partitionDir(partition string) (string, error) {
	if partition == "" || partition == "." || partition == ".." ||
		strings.ContainsAny(partition, `/\`) || strings.HasPrefix(partition, ".") {
		return "", fmt.Errorf("invalid partition name %q", partition)
	}
	return filepath.Join(s.root, partition), nil
}

func (s *Store) chunksName() string {
	if s.compress {
		return chunksFile + ".gz"
	}
	return chunksFile
}

// Save writes idx to a new build directory and atomically makes it the
// partition's current build. Older builds are removed afterwards. On error
// the previous current build is left untouched.
func (s *Store) Save(ctx context.Context, idx *Index) (err error) {
	ctx, span := tracer.Start(ctx, "Store.Save")
	defer span.End()
	span.SetAttributes(
		attribute.String("partition", idx.manifest.Partition),
		attribute.String("build_id", idx.manifest.BuildID),
		attribute.Int("chunks", idx.manifest.Chunks),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	partDir, err := s.partitionDir(idx.manifest.Partition)
	if err != nil {
		return err
	}
	if _, err := uuid.Parse(idx.manifest.BuildID); err != nil {
		return fmt.Errorf("invalid build id %q: %w", idx.manifest.BuildID, err)
	}
	if err := os.MkdirAll(partDir, 0o755); err != nil {
		return fmt.Errorf("creating partition dir: %w", err)
	}

	buildDir := filepath.Join(partDir, idx.manifest.BuildID)
	if err := os.Mkdir(buildDir, 0o755); err != nil {
		return fmt.Errorf("creating build dir: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(buildDir)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := idx.db.ExportToFile(filepath.Join(buildDir, s.chunksName()), s.compress, ""); err != nil {
		return fmt.Errorf("exporting chunks: %w", err)
	}

	m := idx.manifest
	m.Compressed = s.compress
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := writeFileSync(filepath.Join(buildDir, manifestFile), data); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.swapCurrent(partDir, m.BuildID); err != nil {
		return err
	}

	s.logger.Info("index persisted",
		zap.String("partition", m.Partition),
		zap.String("build_id", m.BuildID),
		zap.Int("chunks", m.Chunks),
		zap.Bool("compressed", m.Compressed))

	s.collectGarbage(partDir, m.BuildID)
	return nil
}

// swapCurrent points CURRENT at buildID via write-to-temp, fsync, rename.
func (s *Store) swapCurrent(partDir, buildID string) error {
	tmp, err := os.CreateTemp(partDir, currentFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp pointer: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(buildID + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp pointer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp pointer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp pointer: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(partDir, currentFile)); err != nil {
		return fmt.Errorf("publishing pointer: %w", err)
	}
	syncDir(partDir)
	return nil
}

func (s *Store) collectGarbage(partDir, keep string) {
	entries, err := os.ReadDir(partDir)
	if err != nil {
		s.logger.Warn("listing old builds", zap.String("dir", partDir), zap.Error(err))
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == keep {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(partDir, e.Name())); err != nil {
			s.logger.Warn("removing old build", zap.String("build_id", e.Name()), zap.Error(err))
		}
	}
}

// Load reads the current build of partition. A positive dimension is checked
// against the manifest and a difference reports ErrDimensionMismatch.
func (s *Store) Load(ctx context.Context, partition string, dimension int) (_ *Index, err error) {
	ctx, span := tracer.Start(ctx, "Store.Load")
	defer span.End()
	span.SetAttributes(attribute.String("partition", partition))
	defer func() {
		if err != nil && !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	partDir, err := s.partitionDir(partition)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filepath.Join(partDir, currentFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, partition)
	}
	if err != nil {
		return nil, fmt.Errorf("reading pointer: %w", err)
	}
	buildID := strings.TrimSpace(string(raw))
	if _, err := uuid.Parse(buildID); err != nil {
		return nil, fmt.Errorf("%w: %s: bad build id %q", ErrCorrupt, partition, buildID)
	}
	buildDir := filepath.Join(partDir, buildID)

	data, err := os.ReadFile(filepath.Join(buildDir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reading manifest: %v", ErrCorrupt, partition, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: decoding manifest: %v", ErrCorrupt, partition, err)
	}
	if m.Partition != partition || m.BuildID != buildID {
		return nil, fmt.Errorf("%w: %s: manifest names %s/%s", ErrCorrupt, partition, m.Partition, m.BuildID)
	}
	if dimension > 0 && m.Dimension != dimension {
		return nil, fmt.Errorf("%w: %s was built with %d (%s), provider has %d", ErrDimensionMismatch, partition, m.Dimension, m.Provider, dimension)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := chunksFile
	if m.Compressed {
		name += ".gz"
	}
	db := chromem.NewDB()
	if err := db.ImportFromFile(filepath.Join(buildDir, name), ""); err != nil {
		return nil, fmt.Errorf("%w: %s: importing chunks: %v", ErrCorrupt, partition, err)
	}
	coll := db.GetCollection(collectionName, refuseEmbedding)
	if coll == nil {
		if m.Chunks != 0 {
			return nil, fmt.Errorf("%w: %s: collection missing", ErrCorrupt, partition)
		}
		if coll, err = db.CreateCollection(collectionName, nil, refuseEmbedding); err != nil {
			return nil, fmt.Errorf("creating collection: %w", err)
		}
	}
	if coll.Count() != m.Chunks {
		return nil, fmt.Errorf("%w: %s: manifest has %d chunks, artifact %d", ErrCorrupt, partition, m.Chunks, coll.Count())
	}

	return &Index{manifest: m, db: db, coll: coll}, nil
}

// Partitions lists partitions that have a current build, sorted.
func (s *Store) Partitions() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing index root: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), currentFile)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether partition has a current build on disk.
func (s *Store) Exists(partition string) bool {
	partDir, err := s.partitionDir(partition)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(partDir, currentFile))
	return err == nil
}

// LoadAll loads every persisted partition. Partitions that fail to load are
// reported in failed and left out of loaded.
func (s *Store) LoadAll(ctx context.Context, dimension int) (loaded map[string]*Index, failed map[string]error, err error) {
	names, err := s.Partitions()
	if err != nil {
		return nil, nil, err
	}
	loaded = make(map[string]*Index, len(names))
	failed = make(map[string]error)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		idx, err := s.Load(ctx, name, dimension)
		if err != nil {
			failed[name] = err
			continue
		}
		loaded[name] = idx
	}
	return loaded, failed, nil
}

// Delete removes every artifact of partition. Removing the pointer first
// makes the partition absent even if the directory sweep fails midway.
func (s *Store) Delete(ctx context.Context, partition string) error {
	partDir, err := s.partitionDir(partition)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(partDir, currentFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing pointer: %w", err)
	}
	syncDir(partDir)
	if err := os.RemoveAll(partDir); err != nil {
		return fmt.Errorf("removing %s: %w", partDir, err)
	}
	s.logger.Info("index artifacts deleted", zap.String("partition", partition))
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir flushes a directory entry change. Not all platforms support it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
