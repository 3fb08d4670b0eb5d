package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bootfleet/gateway/internal/auth"
)

// AuditLogger is the audit interface for access denials.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent)
}

// AuditEvent captures a denied call.
type AuditEvent struct {
	ActorID  string
	Action   string
	Resource string
	Metadata map[string]any
	Source   string
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithAuditLogger records every denial.
func WithAuditLogger(logger AuditLogger) GateOption {
	return func(g *Gate) {
		g.audit = logger
	}
}

// WithLogger sets the logger used for system errors.
func WithLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Gate runs credential extraction, identity resolution and enforcement for an
// inbound request, in that order.
type Gate struct {
	resolver *auth.Resolver
	enforcer *Enforcer
	audit    AuditLogger
	logger   *slog.Logger
}

func NewGate(resolver *auth.Resolver, enforcer *Enforcer, opts ...GateOption) *Gate {
	g := &Gate{
		resolver: resolver,
		enforcer: enforcer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check authorizes r against op. A nil op only establishes identity.
// params may be nil; when present the scope parameter is stripped from it for
// non-admin callers.
func (g *Gate) Check(r *http.Request, op *Operation, params Params) (*Context, error) {
	credential := auth.ExtractCredential(r)

	identity, err := g.resolver.Resolve(r.Context(), credential)
	if err != nil {
		return nil, err
	}

	actx, err := g.enforcer.Authorize(r.Context(), credential, identity, op, params)
	var accessErr *AccessError
	if errors.As(err, &accessErr) && g.audit != nil {
		g.audit.Log(r.Context(), AuditEvent{
			ActorID:  actx.IdentityID,
			Action:   "access.denied",
			Resource: op.Permission(),
			Metadata: map[string]any{
				"roles":       accessErr.Roles,
				"permissions": accessErr.Permissions,
				"remote_addr": r.RemoteAddr,
			},
			Source: "api",
		})
	}
	return actx, err
}

// Authenticate returns middleware for routes that address no guarded
// operation: the caller's identity is established and attached to the request
// context, but no policy check is made.
func (g *Gate) Authenticate() func(http.Handler) http.Handler {
	return g.middleware(nil)
}

// RequireOperation returns middleware that only lets callers through when the
// policy authority allows op.
func (g *Gate) RequireOperation(op Operation) func(http.Handler) http.Handler {
	return g.middleware(&op)
}

func (g *Gate) middleware(op *Operation) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			query := r.URL.Query()
			params := make(Params, len(query))
			for key, values := range query {
				params[key] = values
			}

			actx, err := g.Check(r, op, params)
			if err != nil {
				g.Reject(w, r, op, err)
				return
			}

			if _, kept := params[ScopeParam]; !kept && query.Has(ScopeParam) {
				query.Del(ScopeParam)
				r.URL.RawQuery = query.Encode()
			}

			ctx := WithContext(r.Context(), actx)
			if actx.Identity != nil {
				ctx = auth.WithIdentity(ctx, actx.Identity)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Reject writes the response for a failed Check. Denials are returned to the
// caller verbatim; any other error is logged and answered with a generic 500.
func (g *Gate) Reject(w http.ResponseWriter, r *http.Request, op *Operation, err error) {
	var accessErr *AccessError
	if errors.As(err, &accessErr) {
		WriteError(w, accessErr)
		return
	}

	operation := ""
	if op != nil {
		operation = op.Permission()
	}
	g.logger.Error("request gate failed",
		"error", err,
		"remote_addr", r.RemoteAddr,
		"operation", operation,
		"path", r.URL.Path,
	)
	WriteError(w, err)
}

// WriteError maps an error to the gateway's error response.
func WriteError(w http.ResponseWriter, err error) {
	var accessErr *AccessError
	if errors.As(err, &accessErr) {
		writeJSON(w, accessErr.Status, map[string]any{
			"message":     accessErr.Message,
			"code":        accessErr.Code,
			"roles":       accessErr.Roles,
			"permissions": accessErr.Permissions,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "internal server error",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
