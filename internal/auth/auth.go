package auth

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTokenExpired         = errors.New("token expired")
	ErrTokenInvalid         = errors.New("token invalid")
	ErrAuthorityUnavailable = errors.New("identity authority unavailable")
)

// Identity is a principal resolved from a bearer credential.
// It is treated as immutable once returned by an IdentityAuthority.
type Identity struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`

	// ExpiresAt is when the backing credential stops being valid. Zero means
	// the authority did not say, and the identity lives as long as the cache
	// entry does.
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// Expired reports whether the credential behind the identity has lapsed at now.
func (i *Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// IdentityAuthority resolves credentials to identities.
//
// A nil identity with a nil error means the authority does not recognise the
// credential. A non-nil error is a fault of the authority itself and must not
// be treated as an anonymous caller.
type IdentityAuthority interface {
	ResolveToken(ctx context.Context, token string) (*Identity, error)
}

// IdentityAuthorityFunc adapts a function to IdentityAuthority.
type IdentityAuthorityFunc func(ctx context.Context, token string) (*Identity, error)

func (f IdentityAuthorityFunc) ResolveToken(ctx context.Context, token string) (*Identity, error) {
	return f(ctx, token)
}

type identityContextKey struct{}

// WithIdentity returns a copy of ctx carrying the resolved identity.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// GetIdentity retrieves the resolved identity from the request context.
func GetIdentity(ctx context.Context) *Identity {
	identity, _ := ctx.Value(identityContextKey{}).(*Identity)
	return identity
}
