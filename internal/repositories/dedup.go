package repositories

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultDedupTTL bounds how stale the [DedupCache] may get before it reloads.
const DefaultDedupTTL = 5 * time.Minute

// IdentifierLoader lists every stored identifier.
type IdentifierLoader interface {
	ListIdentifiers(ctx context.Context) ([]string, error)
}

// DedupCache mirrors the set of stored identifiers in memory.
//
// It is a cache, not a source of truth: it reloads lazily once older than its TTL or after [DedupCache.Invalidate].
type DedupCache struct {
	loader IdentifierLoader
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	known     map[string]struct{}
	refreshed time.Time
}

// NewDedupCache creates a [DedupCache] backed by loader. A non-positive ttl uses [DefaultDedupTTL].
func NewDedupCache(loader IdentifierLoader, ttl time.Duration) *DedupCache {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &DedupCache{loader: loader, ttl: ttl, now: time.Now}
}

// Contains reports whether id is already stored, reloading the set first when it is stale.
func (c *DedupCache) Contains(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.refresh(ctx); err != nil {
		return false, err
	}
	_, ok := c.known[id]
	return ok, nil
}

// Len returns the size of the cached set, reloading it when stale.
func (c *DedupCache) Len(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.refresh(ctx); err != nil {
		return 0, err
	}
	return len(c.known), nil
}

// Invalidate forces the next lookup to reload from the store.
func (c *DedupCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known = nil
	c.refreshed = time.Time{}
}

// refresh reloads the set if it is missing or expired. Callers hold mu.
func (c *DedupCache) refresh(ctx context.Context) error {
	if c.known != nil && c.now().Sub(c.refreshed) < c.ttl {
		return nil
	}

	ids, err := c.loader.ListIdentifiers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load identifiers: %w", err)
	}

	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	c.known = known
	c.refreshed = c.now()
	return nil
}
