package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/ignore"
)

const defaultMaxFileSize = 10 * 1024 * 1024

// Document is one knowledge-base file. ID is the file name within its
// partition directory.
type Document struct {
	ID        string
	Partition string
	Path      string
	Content   string
	ModTime   time.Time
}

// Store reads documents for registered partitions.
type Store struct {
	registry    *Registry
	extensions  map[string]struct{}
	maxFileSize int64
	logger      *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithExtensions restricts documents to the given file extensions
// (case-insensitive, leading dot optional).
func WithExtensions(exts ...string) Option {
	return func(s *Store) {
		if len(exts) == 0 {
			return
		}
		s.extensions = make(map[string]struct{}, len(exts))
		for _, ext := range exts {
			ext = strings.ToLower(ext)
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			s.extensions[ext] = struct{}{}
		}
	}
}

// WithMaxFileSize skips files larger than n bytes. Zero keeps the default.
func WithMaxFileSize(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxFileSize = n
		}
	}
}

// WithLogger sets the logger used to report skipped files.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a Store over the partitions in registry.
func NewStore(registry *Registry, opts ...Option) *Store {
	s := &Store{
		registry:    registry,
		extensions:  map[string]struct{}{".txt": {}, ".md": {}},
		maxFileSize: defaultMaxFileSize,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the registry backing the store.
func (s *Store) Registry() *Registry {
	return s.registry
}

// Accepts reports whether a file name has an indexed extension.
func (s *Store) Accepts(name string) bool {
	_, ok := s.extensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Documents lists the documents of a partition, sorted by ID. Names matched
// by the partition's ignore file are left out. A registered partition whose
// directory does not exist yet has no documents.
func (s *Store) Documents(ctx context.Context, partition string) ([]Document, error) {
	dir, ok := s.registry.Lookup(partition)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPartitionNotFound, partition)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing partition %s: %w", partition, err)
	}

	ign, err := ignore.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("loading ignore rules for partition %s: %w", partition, err)
	}

	docs := make([]Document, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.Type().IsRegular() || !s.Accepts(e.Name()) || ign.Match(e.Name()) {
			continue
		}
		doc, err := s.readFile(partition, filepath.Join(dir, e.Name()))
		if err != nil {
			if errors.Is(err, errSkipped) {
				continue
			}
			if errors.Is(err, os.ErrNotExist) {
				// Removed between listing and reading.
				continue
			}
			return nil, err
		}
		docs = append(docs, doc)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// Read returns a single document of a partition.
func (s *Store) Read(ctx context.Context, partition, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	dir, ok := s.registry.Lookup(partition)
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrPartitionNotFound, partition)
	}
	if id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return Document{}, fmt.Errorf("%w: %q", ErrPathTraversal, id)
	}
	ign, err := ignore.Load(dir)
	if err != nil {
		return Document{}, fmt.Errorf("loading ignore rules for partition %s: %w", partition, err)
	}
	if ign.Match(id) {
		return Document{}, fmt.Errorf("%w: %s/%s", ErrDocumentNotFound, partition, id)
	}

	doc, err := s.readFile(partition, filepath.Join(dir, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, errSkipped) {
			return Document{}, fmt.Errorf("%w: %s/%s", ErrDocumentNotFound, partition, id)
		}
		return Document{}, err
	}
	return doc, nil
}

var errSkipped = errors.New("document skipped")

func (s *Store) readFile(partition, path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Document{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > s.maxFileSize {
		s.logger.Warn("skipping oversized document",
			zap.String("partition", partition),
			zap.String("path", path),
			zap.Int64("size", info.Size()),
			zap.Int64("max_size", s.maxFileSize))
		return Document{}, errSkipped
	}

	content, err := io.ReadAll(io.LimitReader(f, s.maxFileSize))
	if err != nil {
		return Document{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if !utf8.Valid(content) {
		s.logger.Warn("skipping document with invalid UTF-8",
			zap.String("partition", partition),
			zap.String("path", path))
		return Document{}, errSkipped
	}

	return Document{
		ID:        filepath.Base(path),
		Partition: partition,
		Path:      path,
		Content:   string(content),
		ModTime:   info.ModTime(),
	}, nil
}
