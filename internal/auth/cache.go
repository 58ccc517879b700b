package auth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rotor.dev/internal/obs"
)

// CacheEntry is the cached revocation state of a cid.
type CacheEntry struct {
	Revoked bool
	Entry   RevocationEntry
}

// CacheBackend stores revocation state with per-entry TTLs. StoreActive must never replace a
// revoked entry.
type CacheBackend interface {
	Get(ctx context.Context, cid string) (CacheEntry, bool, error)
	StoreRevoked(ctx context.Context, entry RevocationEntry, ttl time.Duration) error
	StoreActive(ctx context.Context, cid string, ttl time.Duration) error
}

// LocalCache is an in-process CacheBackend.
type LocalCache struct {
	mu      sync.Mutex
	now     func() time.Time
	items   map[string]localItem
	writes  int
	pruneAt int
}

type localItem struct {
	entry   CacheEntry
	expires time.Time
}

var _ CacheBackend = (*LocalCache)(nil)

// NewLocalCache creates an empty cache. now may be nil.
func NewLocalCache(now func() time.Time) *LocalCache {
	if now == nil {
		now = time.Now
	}
	return &LocalCache{now: now, items: make(map[string]localItem), pruneAt: 1024}
}

func (c *LocalCache) Get(_ context.Context, cid string) (CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[cid]
	if !ok {
		return CacheEntry{}, false, nil
	}
	if !c.now().Before(it.expires) {
		delete(c.items, cid)
		return CacheEntry{}, false, nil
	}
	return it.entry, true, nil
}

func (c *LocalCache) StoreRevoked(_ context.Context, entry RevocationEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[entry.CredentialID] = localItem{
		entry:   CacheEntry{Revoked: true, Entry: entry},
		expires: c.now().Add(ttl),
	}
	c.afterWrite()
	return nil
}

func (c *LocalCache) StoreActive(_ context.Context, cid string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if it, ok := c.items[cid]; ok && it.entry.Revoked && now.Before(it.expires) {
		return nil
	}
	c.items[cid] = localItem{expires: now.Add(ttl)}
	c.afterWrite()
	return nil
}

// Len reports the number of entries, expired ones included.
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *LocalCache) afterWrite() {
	c.writes++
	if c.writes < c.pruneAt {
		return
	}
	c.writes = 0
	now := c.now()
	for k, it := range c.items {
		if !now.Before(it.expires) {
			delete(c.items, k)
		}
	}
}

// RevocationCache is the read-through, write-through front of a RevocationStore.
// Revoked results are cached until the credential expires; "not revoked" results only for
// negativeTTL, which bounds how long another node may keep accepting a revoked credential.
type RevocationCache struct {
	store       RevocationStore
	backend     CacheBackend
	negativeTTL time.Duration
	timeout     time.Duration
	now         func() time.Time
	log         *zap.Logger
}

// NewRevocationCache fronts store with backend. A nil backend disables caching.
func NewRevocationCache(store RevocationStore, backend CacheBackend, negativeTTL, timeout time.Duration, now func() time.Time, log *zap.Logger) *RevocationCache {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RevocationCache{
		store:       store,
		backend:     backend,
		negativeTTL: negativeTTL,
		timeout:     timeout,
		now:         now,
		log:         log,
	}
}

// Check answers IsRevoked for cid, consulting the cache before the store. Store failures are
// returned as ErrStoreUnavailable and never reported as "not revoked".
func (c *RevocationCache) Check(ctx context.Context, cid string) (RevocationEntry, bool, error) {
	return c.check(ctx, cid, true)
}

// CheckFresh is Check without trusting cached "active" markers; only cached revocations short
// circuit the store read.
func (c *RevocationCache) CheckFresh(ctx context.Context, cid string) (RevocationEntry, bool, error) {
	return c.check(ctx, cid, false)
}

func (c *RevocationCache) check(ctx context.Context, cid string, trustActive bool) (RevocationEntry, bool, error) {
	if c.backend != nil {
		ce, ok, err := c.backend.Get(ctx, cid)
		switch {
		case err != nil:
			obs.CacheLookups.WithLabelValues("error").Inc()
			c.log.Warn("revocation cache read failed", zap.String("cid", cid), zap.Error(err))
		case ok && ce.Revoked:
			obs.CacheLookups.WithLabelValues("hit_revoked").Inc()
			return ce.Entry, true, nil
		case ok && trustActive:
			obs.CacheLookups.WithLabelValues("hit_active").Inc()
			return RevocationEntry{}, false, nil
		case ok:
			obs.CacheLookups.WithLabelValues("bypass_active").Inc()
		default:
			obs.CacheLookups.WithLabelValues("miss").Inc()
		}
	}

	sctx, cancel := withTimeout(ctx, c.timeout)
	entry, revoked, err := c.store.Lookup(sctx, cid)
	cancel()
	if err != nil {
		return RevocationEntry{}, false, storeErr("lookup revocation", err)
	}
	if revoked {
		c.remember(ctx, entry)
	} else {
		c.rememberActive(ctx, cid)
	}
	return entry, revoked, nil
}

// Revoke writes through to the store and then marks the cid revoked in the cache.
func (c *RevocationCache) Revoke(ctx context.Context, cid string, reason Reason, at time.Time) (RevocationEntry, bool, error) {
	sctx, cancel := withTimeout(ctx, c.timeout)
	entry, created, err := c.store.Revoke(sctx, cid, reason, at)
	cancel()
	if err != nil {
		return RevocationEntry{}, false, storeErr("revoke", err)
	}
	if created {
		obs.Revocations.WithLabelValues(string(reason)).Inc()
	}
	c.remember(ctx, entry)
	return entry, created, nil
}

// RevokeFamily revokes the unexpired members of familyID and caches every new entry.
func (c *RevocationCache) RevokeFamily(ctx context.Context, familyID string, reason Reason, at time.Time) ([]RevocationEntry, error) {
	sctx, cancel := withTimeout(ctx, c.timeout)
	entries, err := c.store.RevokeFamily(sctx, familyID, reason, at)
	cancel()
	if err != nil {
		return nil, storeErr("revoke family", err)
	}
	for _, e := range entries {
		obs.Revocations.WithLabelValues(string(reason)).Inc()
		c.remember(ctx, e)
	}
	return entries, nil
}

func (c *RevocationCache) remember(ctx context.Context, entry RevocationEntry) {
	if c.backend == nil {
		return
	}
	ttl := entry.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return
	}
	if err := c.backend.StoreRevoked(ctx, entry, ttl); err != nil {
		c.log.Warn("revocation cache write failed", zap.String("cid", entry.CredentialID), zap.Error(err))
	}
}

func (c *RevocationCache) rememberActive(ctx context.Context, cid string) {
	if c.backend == nil || c.negativeTTL <= 0 {
		return
	}
	if err := c.backend.StoreActive(ctx, cid, c.negativeTTL); err != nil {
		c.log.Warn("revocation cache write failed", zap.String("cid", cid), zap.Error(err))
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
