package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bootfleet/gateway/internal/accounts"
	"github.com/bootfleet/gateway/internal/audit"
	"github.com/bootfleet/gateway/internal/auth"
	"github.com/bootfleet/gateway/internal/platform/config"
	"github.com/bootfleet/gateway/internal/platform/database"
	"github.com/bootfleet/gateway/internal/platform/middleware"
	"github.com/bootfleet/gateway/internal/platform/server"
	"github.com/bootfleet/gateway/internal/platform/telemetry"
	"github.com/bootfleet/gateway/internal/proxy"
	"github.com/bootfleet/gateway/internal/rbac"
	"github.com/bootfleet/gateway/internal/upload"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logging
	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	telemetry.SetDefault(logger)

	slog.Info("gateway starting",
		"port", cfg.Server.Port,
		"identity_backend", cfg.Identity.Backend,
		"policy_backend", cfg.Policy.Backend,
		"profile_backend", cfg.Profile.Backend,
	)

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Database is optional unless a backend stores its data there.
	var pool *database.Pool
	if cfg.Database.URL != "" {
		slog.Info("connecting to database")
		p, err := database.Connect(ctx, cfg.Database.URL,
			database.WithMaxConns(cfg.Database.MaxConns),
			database.WithMinConns(cfg.Database.MinConns),
			database.WithConnLifetime(cfg.Database.MaxConnLifetime, cfg.Database.MaxConnIdleTime),
			database.WithApplicationName(cfg.Database.ApplicationName),
		)
		if err != nil {
			if needsDatabase(cfg) {
				return fmt.Errorf("connecting to database: %w", err)
			}
			slog.Warn("database connection failed, starting without DB", "error", err)
		} else {
			pool = p
			defer pool.Close()

			if err := database.RunMigrations(cfg.Database.URL); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}
			slog.Info("migrations complete")
		}
	}

	client := accounts.NewClient(cfg.Accounts.URL, cfg.Accounts.Timeout)

	// Identity
	identityAuthority, err := buildIdentityAuthority(cfg, pool, client)
	if err != nil {
		return err
	}
	resolver := buildResolver(cfg.Identity, identityAuthority)
	defer resolver.Purge()

	// Policy
	policyAuthority, casbinAuthority, err := buildPolicyAuthority(cfg, client, logger)
	if err != nil {
		return err
	}
	enforcer := rbac.NewEnforcer(policyAuthority,
		rbac.WithAdminRole(cfg.Policy.AdminRole),
		rbac.WithPolicyTimeout(cfg.Policy.Timeout),
	)

	// Audit
	var auditLogger audit.Logger = audit.NopLogger{}
	var auditHandler *audit.Handler
	if pool != nil {
		auditStore := audit.NewStore()
		auditLogger = audit.NewAsyncLogger(pool, auditStore, audit.LoggerConfig{
			BufferSize:    cfg.Audit.BufferSize,
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
			Logger:        logger,
		})
		defer auditLogger.Close()
		auditHandler = audit.NewHandler(pool, auditStore)
		slog.Info("audit logger started")
	} else {
		auditHandler = audit.NewHandler(nil, audit.NewStore())
	}

	gate := rbac.NewGate(resolver, enforcer,
		rbac.WithAuditLogger(&rbacAuditAdapter{l: auditLogger}),
		rbac.WithLogger(logger),
	)

	// Avatar uploads
	profiles, err := buildProfileUpdater(cfg, pool, client)
	if err != nil {
		return err
	}
	avatarStore, err := upload.NewDirStore(cfg.Upload.Dir)
	if err != nil {
		return fmt.Errorf("preparing upload directory: %w", err)
	}
	intake := upload.NewIntake(avatarStore, profiles, cfg.Upload.PublicURL,
		upload.WithMaxBytes(cfg.Upload.MaxBytes),
	)
	uploadHandler := upload.NewHandler(intake,
		upload.WithTimeout(cfg.Upload.Timeout),
		upload.WithBodyLimit(upload.BodyLimitFor(cfg.Upload.MaxBytes)),
		upload.WithLogger(logger),
		upload.WithAuditLogger(&uploadAuditAdapter{l: auditLogger}),
	)

	// Service actions
	proxyHandler := proxy.NewHandler(gate, proxy.HandlerConfig{
		UpstreamURL: cfg.Upstream.URL,
		Timeout:     cfg.Upstream.Timeout,
	}, logger)

	// Create and start server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.New(addr, server.Dependencies{
		Pool:          pool,
		Gate:          gate,
		ProxyHandler:  proxyHandler,
		UploadHandler: uploadHandler,
		AvatarFiles:   avatarStore.Handler(),
		AuditHandler:  auditHandler,
		APIPrefix:     cfg.Server.APIPrefix,
		Logger:        logger,
		CORS: middleware.CORSConfig{
			AllowedOrigins: cfg.Server.CORSOrigins,
			AllowedMethods: cfg.Server.CORSMethods,
			AllowedHeaders: cfg.Server.CORSHeaders,
			MaxAge:         cfg.Server.CORSMaxAge,
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if casbinAuthority != nil {
		g.Go(func() error {
			return casbinAuthority.Run(gctx, cfg.Policy.Casbin.Reload)
		})
	}

	slog.Info("server ready", "addr", addr, "upload_dir", avatarStore.Dir())
	return g.Wait()
}

func needsDatabase(cfg *config.Config) bool {
	return cfg.Identity.Backend == config.BackendPostgres || cfg.Profile.Backend == config.BackendPostgres
}

func buildIdentityAuthority(cfg *config.Config, pool *database.Pool, client *accounts.Client) (auth.IdentityAuthority, error) {
	switch cfg.Identity.Backend {
	case config.BackendRemote:
		return client, nil
	case config.BackendPostgres:
		if pool == nil {
			return nil, fmt.Errorf("identity backend %q requires a database", cfg.Identity.Backend)
		}
		return accounts.NewStore(pool), nil
	case config.BackendJWT:
		return auth.NewTokenAuthority(cfg.Identity.JWT.SigningKey, cfg.Identity.JWT.Issuer), nil
	}
	return nil, fmt.Errorf("unknown identity backend %q", cfg.Identity.Backend)
}

func buildResolver(cfg config.IdentityConfig, authority auth.IdentityAuthority) *auth.Resolver {
	opts := []auth.ResolverOption{
		auth.WithCache(auth.NewIdentityCache(cfg.Cache.Size, cfg.Cache.TTL)),
		auth.WithTimeout(cfg.Timeout),
	}
	if cfg.NegativeCache.Enabled {
		opts = append(opts, auth.WithNegativeCache(cfg.NegativeCache.Size, cfg.NegativeCache.TTL))
	}
	return auth.NewResolver(authority, opts...)
}

// buildPolicyAuthority returns the configured policy authority. The casbin
// authority is also returned on its own so its reload loop can be started.
func buildPolicyAuthority(cfg *config.Config, client *accounts.Client, logger *slog.Logger) (rbac.PolicyAuthority, *rbac.CasbinAuthority, error) {
	switch cfg.Policy.Backend {
	case config.BackendRemote:
		return client, nil, nil
	case config.BackendCasbin:
		a, err := rbac.NewCasbinAuthority(cfg.Policy.Casbin.PolicyFile, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("loading casbin policy: %w", err)
		}
		return a, a, nil
	}
	return nil, nil, fmt.Errorf("unknown policy backend %q", cfg.Policy.Backend)
}

func buildProfileUpdater(cfg *config.Config, pool *database.Pool, client *accounts.Client) (upload.ProfileUpdater, error) {
	switch cfg.Profile.Backend {
	case config.BackendRemote:
		return client, nil
	case config.BackendPostgres:
		if pool == nil {
			return nil, fmt.Errorf("profile backend %q requires a database", cfg.Profile.Backend)
		}
		return accounts.NewStore(pool), nil
	}
	return nil, fmt.Errorf("unknown profile backend %q", cfg.Profile.Backend)
}

// rbacAuditAdapter bridges audit.Logger to rbac.AuditLogger.
type rbacAuditAdapter struct {
	l audit.Logger
}

func (a *rbacAuditAdapter) Log(ctx context.Context, event rbac.AuditEvent) {
	a.l.Log(ctx, audit.Event{
		ActorID:  event.ActorID,
		Action:   event.Action,
		Resource: event.Resource,
		Metadata: event.Metadata,
		Source:   event.Source,
	})
}

// uploadAuditAdapter bridges audit.Logger to upload.AuditLogger.
type uploadAuditAdapter struct {
	l audit.Logger
}

func (a *uploadAuditAdapter) Log(ctx context.Context, event upload.AuditEvent) {
	a.l.Log(ctx, audit.Event{
		ActorID:  event.ActorID,
		Action:   event.Action,
		Resource: event.Resource,
		Metadata: event.Metadata,
		Source:   audit.SourceAPI,
	})
}
