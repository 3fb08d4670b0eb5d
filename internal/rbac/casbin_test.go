package rbac_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bootfleet/gateway/internal/rbac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPolicy = `p, public, posts.list
p, authenticated, accounts.me
p, editor, posts.*
g, administrator, editor
`

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCasbinAuthority_HasAccess(t *testing.T) {
	authority, err := rbac.NewCasbinAuthority(writePolicy(t, testPolicy), nil)
	require.NoError(t, err)

	tests := []struct {
		name        string
		roles       []string
		permissions []string
		want        bool
	}{
		{"public list", []string{"public"}, []string{"posts.list"}, true},
		{"public create", []string{"public"}, []string{"posts.create"}, false},
		{"editor wildcard", []string{"authenticated", "editor"}, []string{"posts.create"}, true},
		{"admin inherits editor", []string{"authenticated", "administrator"}, []string{"posts.remove"}, true},
		{"all permissions required", []string{"authenticated"}, []string{"accounts.me", "posts.create"}, false},
		{"roles combine", []string{"authenticated", "editor"}, []string{"accounts.me", "posts.create"}, true},
		{"no permissions", []string{"editor"}, nil, false},
		{"unknown role", []string{"ghost"}, []string{"posts.list"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := authority.HasAccess(context.Background(), rbac.PermissionRequest{
				Roles:       tt.roles,
				Permissions: tt.permissions,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCasbinAuthority_Reload(t *testing.T) {
	path := writePolicy(t, "p, public, posts.list\n")
	authority, err := rbac.NewCasbinAuthority(path, nil)
	require.NoError(t, err)

	req := rbac.PermissionRequest{Roles: []string{"public"}, Permissions: []string{"posts.create"}}
	allowed, err := authority.HasAccess(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, allowed)

	require.NoError(t, os.WriteFile(path, []byte("p, public, posts.*\n"), 0o600))
	require.NoError(t, authority.Reload())

	allowed, err = authority.HasAccess(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestCasbinAuthority_RunStopsOnCancel(t *testing.T) {
	authority, err := rbac.NewCasbinAuthority(writePolicy(t, testPolicy), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- authority.Run(ctx, 10*time.Millisecond) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCasbinAuthority_MissingFile(t *testing.T) {
	_, err := rbac.NewCasbinAuthority(filepath.Join(t.TempDir(), "absent.csv"), nil)
	assert.Error(t, err)
}

func TestCasbinAuthority_WithEnforcer(t *testing.T) {
	authority, err := rbac.NewCasbinAuthority(writePolicy(t, testPolicy), nil)
	require.NoError(t, err)

	enforcer := rbac.NewEnforcer(authority)
	_, err = enforcer.Authorize(context.Background(), "", nil, &rbac.Operation{Service: "posts", Action: "list"}, nil)
	assert.NoError(t, err)

	_, err = enforcer.Authorize(context.Background(), "", nil, &rbac.Operation{Service: "posts", Action: "create"}, nil)
	var accessErr *rbac.AccessError
	assert.ErrorAs(t, err, &accessErr)
}
