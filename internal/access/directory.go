// Package access decides which partitions a user may search.
package access

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownUser indicates the directory has no entry for a user.
var ErrUnknownUser = errors.New("unknown user")

// Identity is what the directory knows about a user.
type Identity struct {
	User       string `json:"user"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role,omitempty"`
	Department string `json:"department,omitempty"`
}

// Directory looks up user identities. Implementations must reflect changes
// on the next call; callers never cache results.
type Directory interface {
	Lookup(ctx context.Context, user string) (Identity, error)
}

// StaticDirectory is an in-memory Directory.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[string]Identity
}

// NewStaticDirectory creates a directory from identities keyed by User.
func NewStaticDirectory(ids ...Identity) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string]Identity, len(ids))}
	for _, id := range ids {
		d.users[id.User] = id
	}
	return d
}

// Set adds or replaces an identity.
func (d *StaticDirectory) Set(id Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[id.User] = id
}

// Remove deletes a user.
func (d *StaticDirectory) Remove(user string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, user)
}

func (d *StaticDirectory) Lookup(ctx context.Context, user string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.users[user]
	if !ok {
		return Identity{}, fmt.Errorf("%w: %s", ErrUnknownUser, user)
	}
	return id, nil
}

// fileUser is one entry of users.yaml. The password hash is read but never
// leaves this package.
type fileUser struct {
	Name       string `yaml:"name"`
	Password   string `yaml:"password"`
	Role       string `yaml:"role"`
	Department string `yaml:"department"`
}

// FileDirectory reads a users.yaml file of the form
//
//	alice:
//	  name: Alice
//	  password: <sha256 hex>
//	  role: Finance Analyst
//	  department: finance
//
// The file is re-read on every lookup so edits apply to the next query.
type FileDirectory struct {
	path string
}

// NewFileDirectory creates a FileDirectory. The file need not exist yet.
func NewFileDirectory(path string) *FileDirectory {
	return &FileDirectory{path: path}
}

// Path returns the users file location.
func (d *FileDirectory) Path() string { return d.path }

func (d *FileDirectory) Lookup(ctx context.Context, user string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Identity{}, fmt.Errorf("%w: %s (no users file)", ErrUnknownUser, user)
		}
		return Identity{}, fmt.Errorf("reading users file: %w", err)
	}

	var users map[string]fileUser
	if err := yaml.Unmarshal(data, &users); err != nil {
		return Identity{}, fmt.Errorf("parsing users file %s: %w", d.path, err)
	}

	u, ok := users[user]
	if !ok {
		return Identity{}, fmt.Errorf("%w: %s", ErrUnknownUser, user)
	}
	name := u.Name
	if name == "" {
		name = user
	}
	return Identity{
		User:       user,
		Name:       name,
		Role:       strings.TrimSpace(u.Role),
		Department: strings.TrimSpace(u.Department),
	}, nil
}
