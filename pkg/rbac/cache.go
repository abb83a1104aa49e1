package rbac

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/shopkeep/pkg/invalidation"
)

// EffectiveCache holds unfiltered permission sets keyed by tenant and user.
// A zero TTL disables it and every check recomputes.
type EffectiveCache struct {
	cache *lru.LRU[string, PermissionSet]
	// epoch moves on every invalidation so a set resolved before it is not stored after it
	epoch atomic.Uint64
}

// NewEffectiveCache creates a cache of at most size sets living for ttl
func NewEffectiveCache(size int, ttl time.Duration) *EffectiveCache {
	c := &EffectiveCache{}
	if ttl <= 0 {
		return c
	}
	if size <= 0 {
		size = 10000
	}
	c.cache = lru.NewLRU[string, PermissionSet](size, nil, ttl)
	return c
}

// Enabled reports whether the cache stores anything
func (c *EffectiveCache) Enabled() bool {
	return c != nil && c.cache != nil
}

func cacheKey(tenantID, userID string) string {
	return tenantID + "/" + userID
}

// Epoch returns the invalidation counter to pass to Put
func (c *EffectiveCache) Epoch() uint64 {
	if c == nil {
		return 0
	}
	return c.epoch.Load()
}

// Get returns the cached set unless it is missing or a grant in it has lapsed at now
func (c *EffectiveCache) Get(tenantID, userID string, now time.Time) (PermissionSet, bool) {
	if !c.Enabled() {
		return PermissionSet{}, false
	}
	key := cacheKey(tenantID, userID)
	set, ok := c.cache.Get(key)
	if !ok {
		return PermissionSet{}, false
	}
	if set.Expired(now) {
		c.cache.Remove(key)
		return PermissionSet{}, false
	}
	return set, true
}

// Put stores set unless an invalidation happened since epoch was read
func (c *EffectiveCache) Put(tenantID, userID string, set PermissionSet, epoch uint64) {
	if !c.Enabled() {
		return
	}
	if c.epoch.Load() != epoch {
		return
	}
	c.cache.Add(cacheKey(tenantID, userID), set)
	// An invalidation may have slipped in between the check and the add
	if c.epoch.Load() != epoch {
		c.cache.Remove(cacheKey(tenantID, userID))
	}
}

// Invalidate drops one user's set
func (c *EffectiveCache) Invalidate(tenantID, userID string) {
	if !c.Enabled() {
		return
	}
	c.epoch.Add(1)
	c.cache.Remove(cacheKey(tenantID, userID))
}

// InvalidateTenant drops every set of tenantID
func (c *EffectiveCache) InvalidateTenant(tenantID string) {
	if !c.Enabled() {
		return
	}
	c.epoch.Add(1)
	prefix := cacheKey(tenantID, "")
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Remove(key)
		}
	}
}

// Len returns the number of cached sets
func (c *EffectiveCache) Len() int {
	if !c.Enabled() {
		return 0
	}
	return c.cache.Len()
}

// HandleInvalidation applies a permissions invalidation message
func (c *EffectiveCache) HandleInvalidation(_ context.Context, msg invalidation.Message) error {
	if msg.UserID == "" {
		c.InvalidateTenant(msg.TenantID)
		return nil
	}
	c.Invalidate(msg.TenantID, msg.UserID)
	return nil
}
