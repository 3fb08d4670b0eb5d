package rbac

import (
	"context"
	"sort"

	"github.com/bootfleet/gateway/internal/auth"
)

// Context is the authorization state of a single request. It is owned by
// the request and never shared.
//
// The role set holds "public" exactly when no identity was resolved; once
// Authenticate runs it holds "authenticated" plus the identity's roles.
type Context struct {
	Credential string
	IdentityID string
	Identity   *auth.Identity

	roles map[string]struct{}
}

// NewContext returns an anonymous context.
func NewContext() *Context {
	return &Context{
		roles: map[string]struct{}{RolePublic: {}},
	}
}

// Authenticate records the resolved identity and switches the role set from
// public to authenticated.
func (c *Context) Authenticate(credential string, identity *auth.Identity) {
	delete(c.roles, RolePublic)
	c.roles[RoleAuthenticated] = struct{}{}
	for _, role := range identity.Roles {
		if role == "" || role == RolePublic {
			continue
		}
		c.roles[role] = struct{}{}
	}
	c.Credential = credential
	c.IdentityID = identity.ID
	c.Identity = identity
}

func (c *Context) Authenticated() bool {
	return c.Identity != nil
}

func (c *Context) HasRole(role string) bool {
	_, ok := c.roles[role]
	return ok
}

// Roles returns the role set in sorted order.
func (c *Context) Roles() []string {
	roles := make([]string, 0, len(c.roles))
	for role := range c.roles {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

type contextKey struct{}

// WithContext attaches the authorization context to ctx.
func WithContext(ctx context.Context, actx *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, actx)
}

// FromContext returns the authorization context established by the gate.
func FromContext(ctx context.Context) (*Context, bool) {
	actx, ok := ctx.Value(contextKey{}).(*Context)
	return actx, ok
}
