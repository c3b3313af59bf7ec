package access

import (
	"context"
	"errors"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/docstore"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
)

// ErrForbidden indicates the caller lacks the role an operation requires.
var ErrForbidden = errors.New("forbidden")

// Grant is the set of partitions a user may search for one query.
type Grant struct {
	User       string `json:"user"`
	Department string `json:"department,omitempty"`
	Role       string `json:"role,omitempty"`
	// Partitions lists the department partition first, then general.
	Partitions []string `json:"partitions"`
}

// Allows reports whether partition is part of the grant.
func (g Grant) Allows(partition string) bool {
	return slices.Contains(g.Partitions, partition)
}

// Position returns the index of partition in the grant, or -1.
func (g Grant) Position(partition string) int {
	return slices.Index(g.Partitions, partition)
}

// Resolver maps users to grants. It holds no per-user state.
type Resolver struct {
	dir       Directory
	adminRole string
	logger    *logging.Logger
}

// NewResolver creates a Resolver.
func NewResolver(dir Directory, adminRole string, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Nop()
	}
	if adminRole == "" {
		adminRole = "admin"
	}
	return &Resolver{dir: dir, adminRole: adminRole, logger: logger.Named("access")}
}

// AllowedPartitions returns the grant for user. Every user, known or not,
// gets the general partition; a valid department adds its partition.
func (r *Resolver) AllowedPartitions(ctx context.Context, user string) Grant {
	g := Grant{User: user, Partitions: []string{docstore.GeneralPartition}}

	id, err := r.dir.Lookup(ctx, user)
	if err != nil {
		if !errors.Is(err, ErrUnknownUser) {
			r.logger.Warn(ctx, "identity lookup failed; granting general only", zap.Error(err))
		}
		return g
	}

	g.Role = id.Role
	dept := strings.ToLower(id.Department)
	if dept == "" || dept == docstore.GeneralPartition {
		return g
	}
	if err := docstore.ValidatePartitionName(dept); err != nil {
		r.logger.Warn(ctx, "ignoring invalid department", zap.String("department", id.Department))
		return g
	}
	g.Department = dept
	g.Partitions = []string{dept, docstore.GeneralPartition}
	return g
}

// Identity looks up user.
func (r *Resolver) Identity(ctx context.Context, user string) (Identity, error) {
	return r.dir.Lookup(ctx, user)
}

// RequireAdmin fails with ErrForbidden unless user has the admin role.
func (r *Resolver) RequireAdmin(ctx context.Context, user string) (Identity, error) {
	if user == "" {
		return Identity{}, ErrForbidden
	}
	id, err := r.dir.Lookup(ctx, user)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			return Identity{}, ErrForbidden
		}
		return Identity{}, err
	}
	if !strings.EqualFold(id.Role, r.adminRole) {
		return id, ErrForbidden
	}
	return id, nil
}
