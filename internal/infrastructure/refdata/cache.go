package refdata

import (
	"context"
	"sync"
	"time"

	"github.com/metering/backend/internal/domain/billing"
)

// SnapshotCache stores reference snapshots keyed by (currency, date).
type SnapshotCache interface {
	// Get returns the cached snapshot and whether one was found. Staleness
	// is the caller's concern; expired snapshots are simply not returned.
	Get(ctx context.Context, key string) (*billing.ReferenceSnapshot, bool, error)
	Put(ctx context.Context, key string, snapshot *billing.ReferenceSnapshot, ttl time.Duration) error
	Close() error
}

type cacheEntry struct {
	snapshot  *billing.ReferenceSnapshot
	expiresAt time.Time
}

// InMemorySnapshotCache is a process-local snapshot cache. Suitable for
// single-instance deployments; multi-instance deployments should use the
// Redis cache so all instances cost against the same daily snapshot.
type InMemorySnapshotCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry

	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
}

// NewInMemorySnapshotCache creates an in-memory snapshot cache with a
// background sweep of expired entries.
func NewInMemorySnapshotCache() *InMemorySnapshotCache {
	c := &InMemorySnapshotCache{
		entries:         make(map[string]cacheEntry),
		cleanupInterval: 10 * time.Minute,
		stopCh:          make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get returns the cached snapshot for the key if present and unexpired
func (c *InMemorySnapshotCache) Get(_ context.Context, key string) (*billing.ReferenceSnapshot, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.snapshot, true, nil
}

// Put stores a snapshot under the key for the given TTL
func (c *InMemorySnapshotCache) Put(_ context.Context, key string, snapshot *billing.ReferenceSnapshot, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = cacheEntry{
		snapshot:  snapshot,
		expiresAt: time.Now().Add(ttl),
	}
	c.mu.Unlock()
	return nil
}

// Close stops the background cleanup goroutine
func (c *InMemorySnapshotCache) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	return nil
}

func (c *InMemorySnapshotCache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stopCh:
			return
		}
	}
}

func (c *InMemorySnapshotCache) removeExpired() {
	now := time.Now()
	c.mu.Lock()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}
