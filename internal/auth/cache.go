package auth

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// IdentityCache maps credentials to resolved identities. It is safe for
// concurrent use. A size of 0 means unbounded and a TTL of 0 means entries
// never expire, so by default an entry lives until it is invalidated or the
// cache is purged.
type IdentityCache struct {
	entries *expirable.LRU[string, *Identity]
}

// NewIdentityCache builds the cache. expirable starts a cleanup goroutine that
// is never stopped; there is one cache per process, so it lives as long as the
// process does.
func NewIdentityCache(size int, ttl time.Duration) *IdentityCache {
	return &IdentityCache{
		entries: expirable.NewLRU[string, *Identity](size, nil, ttl),
	}
}

// Get returns the identity cached for credential.
func (c *IdentityCache) Get(credential string) (*Identity, bool) {
	return c.entries.Get(credential)
}

// Add stores identity under credential. Overwriting an existing entry is
// harmless: the same credential always resolves to the same identity.
func (c *IdentityCache) Add(credential string, identity *Identity) {
	c.entries.Add(credential, identity)
}

// Invalidate drops the entry for credential, if any.
func (c *IdentityCache) Invalidate(credential string) {
	c.entries.Remove(credential)
}

// Purge drops every entry.
func (c *IdentityCache) Purge() {
	c.entries.Purge()
}

func (c *IdentityCache) Len() int {
	return c.entries.Len()
}

// rejectionCache remembers credentials the authority did not recognise.
type rejectionCache struct {
	entries *expirable.LRU[string, struct{}]
}

// newRejectionCache carries the same process-lifetime cleanup goroutine as
// NewIdentityCache.
func newRejectionCache(size int, ttl time.Duration) *rejectionCache {
	return &rejectionCache{
		entries: expirable.NewLRU[string, struct{}](size, nil, ttl),
	}
}

func (c *rejectionCache) contains(credential string) bool {
	_, ok := c.entries.Get(credential)
	return ok
}

func (c *rejectionCache) add(credential string) {
	c.entries.Add(credential, struct{}{})
}

func (c *rejectionCache) remove(credential string) {
	c.entries.Remove(credential)
}

func (c *rejectionCache) purge() {
	c.entries.Purge()
}
