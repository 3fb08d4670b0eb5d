package rbac

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
)

//go:embed model.conf
var casbinModelContent string

// CasbinAuthority answers permission requests from a local casbin policy file
// instead of a remote accounts service. Policy lines have the form
//
//	p, editor, posts.*
//	g, administrator, editor
type CasbinAuthority struct {
	enforcer *casbin.SyncedEnforcer
	logger   *slog.Logger
}

// NewCasbinAuthority loads the policy at path with the embedded role model.
func NewCasbinAuthority(path string, logger *slog.Logger) (*CasbinAuthority, error) {
	m, err := model.NewModelFromString(casbinModelContent)
	if err != nil {
		return nil, fmt.Errorf("parse casbin model: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(path))
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}

	if err := enforcer.LoadPolicy(); err != nil {
		return nil, fmt.Errorf("load casbin policy: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &CasbinAuthority{enforcer: enforcer, logger: logger}, nil
}

// HasAccess allows the request when every permission is granted to at least
// one of the roles.
func (a *CasbinAuthority) HasAccess(ctx context.Context, req PermissionRequest) (bool, error) {
	if len(req.Permissions) == 0 {
		return false, nil
	}

	for _, permission := range req.Permissions {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		granted := false
		for _, role := range req.Roles {
			ok, err := a.enforcer.Enforce(role, permission)
			if err != nil {
				return false, fmt.Errorf("enforce %s for %s: %w", permission, role, err)
			}
			if ok {
				granted = true
				break
			}
		}
		if !granted {
			return false, nil
		}
	}
	return true, nil
}

// Reload re-reads the policy file.
func (a *CasbinAuthority) Reload() error {
	if err := a.enforcer.LoadPolicy(); err != nil {
		return fmt.Errorf("reload casbin policy: %w", err)
	}
	return nil
}

// Run reloads the policy every interval until ctx is cancelled. A failed
// reload keeps the previous policy in place.
func (a *CasbinAuthority) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.Reload(); err != nil {
				a.logger.Warn("policy reload failed", "error", err)
			}
		}
	}
}
