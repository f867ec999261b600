package billing

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// defaultSnapshotTTL keeps snapshots fresh enough for page-load syncs while
// absorbing bursts of reads between webhook deliveries.
const defaultSnapshotTTL = 300 * time.Second

// SubscriptionCache is a short-TTL read-through cache for provider
// subscription snapshots. Entries are keyed per (subscription, tenant) so a
// poisoned or misrouted entry can never leak across tenants.
type SubscriptionCache struct {
	store *gocache.Cache
	ttl   time.Duration
}

// NewSubscriptionCache creates a snapshot cache. ttl <= 0 uses the 300s
// default.
func NewSubscriptionCache(ttl time.Duration) *SubscriptionCache {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &SubscriptionCache{
		store: gocache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

func snapshotKey(subscriptionID, tenantKey string) string {
	return subscriptionID + "|" + tenantKey
}

// Get returns the cached snapshot for (subscription, tenant), if present.
func (c *SubscriptionCache) Get(subscriptionID, tenantKey string) (*SubscriptionSnapshot, bool) {
	v, ok := c.store.Get(snapshotKey(subscriptionID, tenantKey))
	if !ok {
		return nil, false
	}
	snap, ok := v.(*SubscriptionSnapshot)
	return snap, ok
}

// Set stores a snapshot under the cache TTL.
func (c *SubscriptionCache) Set(subscriptionID, tenantKey string, snap *SubscriptionSnapshot) {
	if snap == nil {
		return
	}
	c.store.Set(snapshotKey(subscriptionID, tenantKey), snap, c.ttl)
}

// Invalidate drops the cached snapshot. Called on every mutating event
// before re-reading, and by force-refresh syncs before fetching.
func (c *SubscriptionCache) Invalidate(subscriptionID, tenantKey string) {
	c.store.Delete(snapshotKey(subscriptionID, tenantKey))
}
