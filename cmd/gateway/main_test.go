package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bootfleet/gateway/internal/accounts"
	"github.com/bootfleet/gateway/internal/audit"
	"github.com/bootfleet/gateway/internal/auth"
	"github.com/bootfleet/gateway/internal/platform/config"
	"github.com/bootfleet/gateway/internal/platform/database"
	"github.com/bootfleet/gateway/internal/rbac"
	"github.com/bootfleet/gateway/internal/upload"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Identity: config.IdentityConfig{
			Backend: config.BackendRemote,
			JWT: config.JWTConfig{
				SigningKey: "test-signing-key-must-be-32-chars!!",
				Issuer:     "gateway",
			},
		},
		Policy:  config.PolicyConfig{Backend: config.BackendRemote},
		Profile: config.ProfileConfig{Backend: config.BackendRemote},
	}
}

func TestBuildIdentityAuthority(t *testing.T) {
	client := accounts.NewClient("http://accounts.invalid", time.Second)
	pool := (*database.Pool)(&pgxpool.Pool{})

	t.Run("remote uses the accounts client", func(t *testing.T) {
		a, err := buildIdentityAuthority(testConfig(), nil, client)
		require.NoError(t, err)
		assert.Same(t, client, a)
	})

	t.Run("postgres without database fails", func(t *testing.T) {
		cfg := testConfig()
		cfg.Identity.Backend = config.BackendPostgres
		_, err := buildIdentityAuthority(cfg, nil, client)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database")
	})

	t.Run("postgres with database uses the store", func(t *testing.T) {
		cfg := testConfig()
		cfg.Identity.Backend = config.BackendPostgres
		a, err := buildIdentityAuthority(cfg, pool, client)
		require.NoError(t, err)
		assert.IsType(t, &accounts.Store{}, a)
	})

	t.Run("jwt validates its own tokens", func(t *testing.T) {
		cfg := testConfig()
		cfg.Identity.Backend = config.BackendJWT
		a, err := buildIdentityAuthority(cfg, nil, client)
		require.NoError(t, err)

		issuer := auth.NewTokenAuthority(cfg.Identity.JWT.SigningKey, cfg.Identity.JWT.Issuer)
		token, err := issuer.IssueToken(&auth.Identity{ID: "user-1", Roles: []string{"editor"}}, time.Hour)
		require.NoError(t, err)

		identity, err := a.ResolveToken(context.Background(), token)
		require.NoError(t, err)
		require.NotNil(t, identity)
		assert.Equal(t, "user-1", identity.ID)
	})

	t.Run("unknown backend fails", func(t *testing.T) {
		cfg := testConfig()
		cfg.Identity.Backend = "ldap"
		_, err := buildIdentityAuthority(cfg, nil, client)
		require.Error(t, err)
	})
}

func TestBuildPolicyAuthority(t *testing.T) {
	client := accounts.NewClient("http://accounts.invalid", time.Second)

	t.Run("remote uses the accounts client", func(t *testing.T) {
		a, casbinAuthority, err := buildPolicyAuthority(testConfig(), client, nil)
		require.NoError(t, err)
		assert.Same(t, client, a)
		assert.Nil(t, casbinAuthority)
	})

	t.Run("casbin loads the policy file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.csv")
		require.NoError(t, os.WriteFile(path, []byte("p, editor, posts.create\n"), 0o600))

		cfg := testConfig()
		cfg.Policy.Backend = config.BackendCasbin
		cfg.Policy.Casbin.PolicyFile = path

		a, casbinAuthority, err := buildPolicyAuthority(cfg, client, nil)
		require.NoError(t, err)
		require.NotNil(t, casbinAuthority)

		ok, err := a.HasAccess(context.Background(), rbac.PermissionRequest{
			Roles:       []string{"authenticated", "editor"},
			Permissions: []string{"posts.create"},
		})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("casbin with missing file fails", func(t *testing.T) {
		cfg := testConfig()
		cfg.Policy.Backend = config.BackendCasbin
		cfg.Policy.Casbin.PolicyFile = filepath.Join(t.TempDir(), "missing.csv")

		_, _, err := buildPolicyAuthority(cfg, client, nil)
		require.Error(t, err)
	})
}

func TestBuildProfileUpdater(t *testing.T) {
	client := accounts.NewClient("http://accounts.invalid", time.Second)

	p, err := buildProfileUpdater(testConfig(), nil, client)
	require.NoError(t, err)
	assert.Same(t, client, p)

	cfg := testConfig()
	cfg.Profile.Backend = config.BackendPostgres
	_, err = buildProfileUpdater(cfg, nil, client)
	require.Error(t, err)

	p, err = buildProfileUpdater(cfg, (*database.Pool)(&pgxpool.Pool{}), client)
	require.NoError(t, err)
	assert.IsType(t, &accounts.Store{}, p)
}

func TestNeedsDatabase(t *testing.T) {
	cfg := testConfig()
	assert.False(t, needsDatabase(cfg))

	cfg.Profile.Backend = config.BackendPostgres
	assert.True(t, needsDatabase(cfg))
}

func TestBuildResolver_NegativeCache(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	authority := auth.IdentityAuthorityFunc(func(context.Context, string) (*auth.Identity, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil, nil
	})

	resolver := buildResolver(config.IdentityConfig{
		Timeout: time.Second,
		NegativeCache: config.NegativeCacheConfig{
			Enabled: true,
			Size:    10,
			TTL:     time.Minute,
		},
	}, authority)

	for i := 0; i < 3; i++ {
		identity, err := resolver.Resolve(context.Background(), "bogus")
		require.NoError(t, err)
		assert.Nil(t, identity)
	}
	assert.Equal(t, 1, calls)
}

type recordingAudit struct {
	events []audit.Event
}

func (r *recordingAudit) Log(_ context.Context, event audit.Event) {
	r.events = append(r.events, event)
}

func (r *recordingAudit) Close() error { return nil }

func TestAuditAdapters(t *testing.T) {
	rec := &recordingAudit{}

	(&rbacAuditAdapter{l: rec}).Log(context.Background(), rbac.AuditEvent{
		ActorID:  "user-1",
		Action:   audit.ActionAccessDenied,
		Resource: "posts.delete",
		Source:   audit.SourceAPI,
	})
	(&uploadAuditAdapter{l: rec}).Log(context.Background(), upload.AuditEvent{
		ActorID:  "user-1",
		Action:   audit.ActionAvatarUploaded,
		Resource: "abc.png",
		Metadata: map[string]any{"size": int64(3)},
	})

	require.Len(t, rec.events, 2)
	assert.Equal(t, audit.Event{
		ActorID:  "user-1",
		Action:   audit.ActionAccessDenied,
		Resource: "posts.delete",
		Source:   audit.SourceAPI,
	}, rec.events[0])
	assert.Equal(t, audit.SourceAPI, rec.events[1].Source)
	assert.Equal(t, "abc.png", rec.events[1].Resource)
}
