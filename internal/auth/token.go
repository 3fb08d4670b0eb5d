package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type gatewayClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// TokenAuthority resolves HS256-signed credentials locally instead of asking
// a remote identity authority. The subject claim becomes the identity ID.
type TokenAuthority struct {
	signingKey []byte
	issuer     string
}

func NewTokenAuthority(signingKey, issuer string) *TokenAuthority {
	return &TokenAuthority{
		signingKey: []byte(signingKey),
		issuer:     issuer,
	}
}

// IssueToken signs a credential for identity. Used by tooling and tests; the
// gateway itself never issues credentials.
func (a *TokenAuthority) IssueToken(identity *Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := gatewayClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: identity.Roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signingKey)
}

// ValidateToken parses and verifies tokenString.
func (a *TokenAuthority) ValidateToken(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &gatewayClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.signingKey, nil
	}, jwt.WithIssuer(a.issuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*gatewayClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}

	return &Identity{
		ID:        claims.Subject,
		Roles:     claims.Roles,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// ResolveToken implements IdentityAuthority. Invalid and expired credentials
// resolve to no identity rather than an error.
func (a *TokenAuthority) ResolveToken(_ context.Context, token string) (*Identity, error) {
	identity, err := a.ValidateToken(token)
	if err != nil {
		return nil, nil
	}
	return identity, nil
}
