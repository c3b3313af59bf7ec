package access

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/knowledged/internal/logging"
)

const usersYAML = `
alice:
  name: Alice Doe
  password: 5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8
  role: Finance Analyst
  department: Finance
bob:
  password: x
  role: admin
  department: it
carol:
  name: Carol
  role: Intern
dave:
  role: Operator
  department: "../etc"
`

func writeUsers(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileDirectory_Lookup(t *testing.T) {
	d := NewFileDirectory(writeUsers(t, usersYAML))

	id, err := d.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, Identity{User: "alice", Name: "Alice Doe", Role: "Finance Analyst", Department: "Finance"}, id)

	id, err = d.Lookup(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", id.Name)

	_, err = d.Lookup(context.Background(), "mallory")
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestFileDirectory_MissingAndBrokenFile(t *testing.T) {
	_, err := NewFileDirectory(filepath.Join(t.TempDir(), "nope.yaml")).Lookup(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrUnknownUser)

	_, err = NewFileDirectory(writeUsers(t, "alice: [unterminated")).Lookup(context.Background(), "alice")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownUser)
}

func TestResolver_AllowedPartitions(t *testing.T) {
	r := NewResolver(NewFileDirectory(writeUsers(t, usersYAML)), "admin", nil)
	ctx := context.Background()

	tests := []struct {
		user string
		want []string
		dept string
	}{
		{"alice", []string{"finance", "general"}, "finance"},
		{"bob", []string{"it", "general"}, "it"},
		{"carol", []string{"general"}, ""},
		{"dave", []string{"general"}, ""},
		{"mallory", []string{"general"}, ""},
		{"", []string{"general"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			g := r.AllowedPartitions(ctx, tt.user)
			assert.Equal(t, tt.want, g.Partitions)
			assert.Equal(t, tt.dept, g.Department)
			assert.True(t, g.Allows("general"))
		})
	}
}

func TestResolver_ChangesApplyImmediately(t *testing.T) {
	path := writeUsers(t, usersYAML)
	r := NewResolver(NewFileDirectory(path), "admin", nil)
	ctx := context.Background()

	assert.Equal(t, []string{"finance", "general"}, r.AllowedPartitions(ctx, "alice").Partitions)

	require.NoError(t, os.WriteFile(path, []byte("alice:\n  role: HR Officer\n  department: hr\n"), 0o600))
	assert.Equal(t, []string{"hr", "general"}, r.AllowedPartitions(ctx, "alice").Partitions)
}

type failingDirectory struct{}

func (failingDirectory) Lookup(context.Context, string) (Identity, error) {
	return Identity{}, errors.New("ldap unreachable")
}

func TestResolver_DirectoryErrorGrantsGeneralOnly(t *testing.T) {
	logs := logging.NewTestLogger()
	r := NewResolver(failingDirectory{}, "admin", logs.Logger)

	g := r.AllowedPartitions(context.Background(), "alice")
	assert.Equal(t, []string{"general"}, g.Partitions)
	logs.AssertLogged(t, zapcore.WarnLevel, "identity lookup failed")
}

func TestResolver_RequireAdmin(t *testing.T) {
	dir := NewStaticDirectory(
		Identity{User: "root", Role: "Admin"},
		Identity{User: "eve", Role: "Intern", Department: "hr"},
	)
	r := NewResolver(dir, "admin", nil)
	ctx := context.Background()

	id, err := r.RequireAdmin(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, "root", id.User)

	_, err = r.RequireAdmin(ctx, "eve")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = r.RequireAdmin(ctx, "nobody")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = r.RequireAdmin(ctx, "")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = NewResolver(failingDirectory{}, "admin", nil).RequireAdmin(ctx, "root")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrForbidden)
}

func TestGrant_Position(t *testing.T) {
	g := Grant{Partitions: []string{"hr", "general"}}
	assert.Equal(t, 0, g.Position("hr"))
	assert.Equal(t, 1, g.Position("general"))
	assert.Equal(t, -1, g.Position("finance"))
	assert.False(t, g.Allows("finance"))
}

func TestStaticDirectory_SetRemove(t *testing.T) {
	d := NewStaticDirectory()
	d.Set(Identity{User: "a", Department: "hr"})
	id, err := d.Lookup(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "hr", id.Department)

	d.Remove("a")
	_, err = d.Lookup(context.Background(), "a")
	assert.ErrorIs(t, err, ErrUnknownUser)
}
