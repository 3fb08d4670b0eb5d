package rbac

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bootfleet/gateway/internal/auth"
)

const (
	ErrCodeHasNoAccess = "ERR_HAS_NO_ACCESS"

	accessDeniedMessage  = "You have no right for this operation!"
	defaultPolicyTimeout = 5 * time.Second
)

// AccessError is returned when the policy authority does not allow an
// operation. It carries the role set and permissions that were checked.
type AccessError struct {
	Message     string
	Status      int
	Code        string
	Roles       []string
	Permissions []string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// NewAccessError returns the denial for req.
func NewAccessError(req PermissionRequest) *AccessError {
	return &AccessError{
		Message:     accessDeniedMessage,
		Status:      http.StatusUnauthorized,
		Code:        ErrCodeHasNoAccess,
		Roles:       req.Roles,
		Permissions: req.Permissions,
	}
}

// EnforcerOption configures the Enforcer.
type EnforcerOption func(*Enforcer)

// WithAdminRole sets the role allowed to pass the reserved scope parameter.
func WithAdminRole(role string) EnforcerOption {
	return func(e *Enforcer) {
		if role != "" {
			e.adminRole = role
		}
	}
}

// WithPolicyTimeout bounds each call to the policy authority.
func WithPolicyTimeout(d time.Duration) EnforcerOption {
	return func(e *Enforcer) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// Enforcer builds the effective role set of a request and delegates the
// allow/deny decision to a PolicyAuthority. It holds no per-request state.
type Enforcer struct {
	policy    PolicyAuthority
	adminRole string
	timeout   time.Duration
}

func NewEnforcer(policy PolicyAuthority, opts ...EnforcerOption) *Enforcer {
	e := &Enforcer{
		policy:    policy,
		adminRole: DefaultAdminRole,
		timeout:   defaultPolicyTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authorize returns the authorization context for a caller presenting
// credential, resolved to identity (nil for anonymous).
//
// Non-admin callers lose the scope parameter from params. When op is nil the
// call only establishes identity and no policy check is made. Otherwise a
// denial yields *AccessError and a policy authority failure wraps
// ErrPolicyUnavailable.
func (e *Enforcer) Authorize(ctx context.Context, credential string, identity *auth.Identity, op *Operation, params Params) (*Context, error) {
	actx := NewContext()
	if identity != nil {
		actx.Authenticate(credential, identity)
	}

	if params != nil && !actx.HasRole(e.adminRole) {
		delete(params, ScopeParam)
	}

	if op == nil {
		return actx, nil
	}

	req := PermissionRequest{
		Roles:       actx.Roles(),
		Permissions: []string{op.Permission()},
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	allowed, err := e.policy.HasAccess(ctx, req)
	if err != nil {
		return actx, fmt.Errorf("%w: %w", ErrPolicyUnavailable, err)
	}
	if !allowed {
		return actx, NewAccessError(req)
	}
	return actx, nil
}
