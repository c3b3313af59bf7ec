// Package docstore reads knowledge-base documents grouped into department
// partitions.
//
// Partition membership is held in an explicit Registry. The filesystem is
// consulted only when Rescan is called:
//
//	data/
//	├── general/      ← always registered
//	│   └── Welcome.txt
//	├── engineering/
//	└── hr/
package docstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
)

// GeneralPartition is included in every user's grant and always registered.
const GeneralPartition = "general"

// Errors for registry and document operations.
var (
	ErrPartitionNotFound = errors.New("partition not found")
	ErrInvalidPartition  = errors.New("invalid partition name: must match [a-z0-9][a-z0-9_-]{0,63}")
	ErrDocumentNotFound  = errors.New("document not found")
	ErrPathTraversal     = errors.New("path traversal detected")
)

var partitionPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidatePartitionName reports whether name can be used as a partition.
func ValidatePartitionName(name string) error {
	if !partitionPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidPartition, name)
	}
	return nil
}

// RescanResult describes how a rescan changed the registry.
type RescanResult struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	// Skipped lists directories whose names are not valid partition names.
	Skipped []string `json:"skipped,omitempty"`
}

type registration struct {
	dir      string
	explicit bool
}

// Registry maps partition names to document source directories.
type Registry struct {
	mu         sync.RWMutex
	root       string
	partitions map[string]registration
}

// NewRegistry creates a registry rooted at root with only the general
// partition registered. Call Rescan to discover department directories.
func NewRegistry(root string) (*Registry, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving documents root: %w", err)
	}
	return &Registry{
		root: abs,
		partitions: map[string]registration{
			GeneralPartition: {dir: filepath.Join(abs, GeneralPartition)},
		},
	}, nil
}

// Root returns the absolute documents root.
func (r *Registry) Root() string {
	return r.root
}

// Register adds or replaces a partition with an explicit source directory.
// Explicit registrations survive Rescan.
func (r *Registry) Register(name, dir string) error {
	if err := ValidatePartitionName(name); err != nil {
		return err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", dir, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.partitions[name] = registration{dir: abs, explicit: true}
	return nil
}

// Unregister removes a partition. The general partition cannot be removed.
func (r *Registry) Unregister(name string) error {
	if name == GeneralPartition {
		return fmt.Errorf("%w: %s cannot be unregistered", ErrInvalidPartition, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.partitions[name]; !ok {
		return fmt.Errorf("%w: %s", ErrPartitionNotFound, name)
	}
	delete(r.partitions, name)
	return nil
}

// Rescan replaces the discovered partitions with the immediate
// subdirectories of the root. Explicit registrations and the general
// partition are kept. On error the registry is left unchanged.
func (r *Registry) Rescan(ctx context.Context) (RescanResult, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return RescanResult{}, fmt.Errorf("scanning documents root %s: %w", r.root, err)
	}
	if err := ctx.Err(); err != nil {
		return RescanResult{}, err
	}

	var result RescanResult
	discovered := make(map[string]registration, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if ValidatePartitionName(name) != nil {
			result.Skipped = append(result.Skipped, name)
			continue
		}
		discovered[name] = registration{dir: filepath.Join(r.root, name)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]registration, len(discovered)+1)
	for name, reg := range r.partitions {
		if reg.explicit {
			next[name] = reg
		}
	}
	for name, reg := range discovered {
		if _, ok := next[name]; !ok {
			next[name] = reg
		}
	}
	if _, ok := next[GeneralPartition]; !ok {
		next[GeneralPartition] = registration{dir: filepath.Join(r.root, GeneralPartition)}
	}

	for name := range next {
		if _, ok := r.partitions[name]; !ok {
			result.Added = append(result.Added, name)
		}
	}
	for name := range r.partitions {
		if _, ok := next[name]; !ok {
			result.Removed = append(result.Removed, name)
		}
	}
	sort.Strings(result.Added)
	sort.Strings(result.Removed)
	sort.Strings(result.Skipped)

	r.partitions = next
	return result, nil
}

// Lookup returns the source directory of a partition.
func (r *Registry) Lookup(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.partitions[name]
	return reg.dir, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Partitions returns the registered partition names, sorted.
func (r *Registry) Partitions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.partitions))
	for name := range r.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PartitionForDir returns the partition whose source directory is dir.
func (r *Registry) PartitionForDir(dir string) (string, bool) {
	clean := filepath.Clean(dir)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, reg := range r.partitions {
		if reg.dir == clean {
			return name, true
		}
	}
	return "", false
}
