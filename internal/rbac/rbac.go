package rbac

import (
	"context"
	"errors"
)

const (
	RolePublic        = "public"
	RoleAuthenticated = "authenticated"

	// DefaultAdminRole may set the reserved scope parameter.
	DefaultAdminRole = "administrator"

	// ScopeParam is stripped from the request parameters of non-admin callers.
	ScopeParam = "scope"
)

var ErrPolicyUnavailable = errors.New("policy authority unavailable")

// Operation names a guarded action of an upstream service.
type Operation struct {
	Service string
	Action  string
}

// Permission returns the "<service>.<action>" string sent to the policy
// authority.
func (o Operation) Permission() string {
	return o.Service + "." + o.Action
}

func (o Operation) String() string {
	return o.Permission()
}

// Params are the merged inbound request parameters handed to the target
// operation.
type Params map[string]any

// PermissionRequest asks whether any of Roles grants all of Permissions.
type PermissionRequest struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// PolicyAuthority makes the final allow/deny decision. Implementations return
// true only when the authority answered with a literal boolean true.
type PolicyAuthority interface {
	HasAccess(ctx context.Context, req PermissionRequest) (bool, error)
}

// PolicyAuthorityFunc adapts a function to PolicyAuthority.
type PolicyAuthorityFunc func(ctx context.Context, req PermissionRequest) (bool, error)

func (f PolicyAuthorityFunc) HasAccess(ctx context.Context, req PermissionRequest) (bool, error) {
	return f(ctx, req)
}
