package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultResolveTimeout = 5 * time.Second

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCache replaces the default unbounded, non-expiring identity cache.
func WithCache(cache *IdentityCache) ResolverOption {
	return func(r *Resolver) {
		r.cache = cache
	}
}

// WithNegativeCache remembers credentials the authority rejected for ttl, so
// they are not re-sent to the authority on every request. Disabled by default.
func WithNegativeCache(size int, ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl > 0 {
			r.rejected = newRejectionCache(size, ttl)
		}
	}
}

// WithTimeout bounds each call to the identity authority.
func WithTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Resolver turns credentials into identities, consulting its cache before the
// identity authority.
type Resolver struct {
	authority IdentityAuthority
	cache     *IdentityCache
	rejected  *rejectionCache
	timeout   time.Duration
	inflight  singleflight.Group
}

func NewResolver(authority IdentityAuthority, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		authority: authority,
		cache:     NewIdentityCache(0, 0),
		timeout:   defaultResolveTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the identity for credential. An empty credential, or one the
// authority does not recognise, yields nil with no error. Authority failures
// are returned wrapped in ErrAuthorityUnavailable.
func (r *Resolver) Resolve(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, nil
	}

	if identity, ok := r.cache.Get(credential); ok {
		if !identity.Expired(time.Now()) {
			return identity, nil
		}
		r.cache.Invalidate(credential)
	}
	if r.rejected != nil && r.rejected.contains(credential) {
		return nil, nil
	}

	// The shared lookup is detached from ctx; each caller stops waiting on its
	// own cancellation.
	lookupCtx := context.WithoutCancel(ctx)
	ch := r.inflight.DoChan(credential, func() (any, error) {
		return r.lookup(lookupCtx, credential)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrAuthorityUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		identity, _ := res.Val.(*Identity)
		return identity, nil
	}
}

func (r *Resolver) lookup(ctx context.Context, credential string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	identity, err := r.authority.ResolveToken(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthorityUnavailable, err)
	}
	if identity == nil {
		if r.rejected != nil {
			r.rejected.add(credential)
		}
		return nil, nil
	}
	if identity.Expired(time.Now()) {
		return nil, nil
	}

	r.cache.Add(credential, identity)
	return identity, nil
}

// Invalidate forgets everything known about credential.
func (r *Resolver) Invalidate(credential string) {
	r.cache.Invalidate(credential)
	if r.rejected != nil {
		r.rejected.remove(credential)
	}
}

// Purge empties the caches. Called when the service stops.
func (r *Resolver) Purge() {
	r.cache.Purge()
	if r.rejected != nil {
		r.rejected.purge()
	}
}

// Cache exposes the positive identity cache.
func (r *Resolver) Cache() *IdentityCache {
	return r.cache
}
