package liveusage

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appbilling "github.com/metering/backend/internal/application/billing"
	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/domain/shared"
)

// counterKey identifies one live counter
type counterKey struct {
	tenantID uuid.UUID
	modelID  string
}

// expiryItem is a scheduled expiry check for one session. Items are lazy:
// a session touched after its item was queued is revalidated against the
// session map when the item surfaces, and requeued if still alive.
type expiryItem struct {
	key       counterKey
	sessionID string
	expiresAt time.Time
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)         { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Config holds tracker settings
type Config struct {
	// SessionTTL is how long a session stays counted after its last touch
	SessionTTL time.Duration
	// MaxSessions caps the total tracked sessions; touches for unseen
	// sessions are dropped at the cap so a flood cannot exhaust memory
	MaxSessions int
}

// DefaultConfig returns the default tracker settings
func DefaultConfig() *Config {
	return &Config{
		SessionTTL:  5 * time.Minute,
		MaxSessions: 100000,
	}
}

func (c *Config) applyDefaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 5 * time.Minute
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 100000
	}
}

// Tracker maintains approximate live session counts per (tenant, model).
// Counts live only in memory; a restart starts from zero and repopulates
// from incoming traffic. A single reaper goroutine drains an expiry heap,
// so Touch stays O(log n) and there is no per-session timer.
type Tracker struct {
	config    *Config
	publisher shared.EventPublisher
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[counterKey]map[string]time.Time // sessionID -> expiresAt
	total    int
	expiries expiryHeap
	wake     chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewTracker creates a live usage tracker and starts its reaper
func NewTracker(config *Config, publisher shared.EventPublisher, logger *zap.Logger) *Tracker {
	if config == nil {
		config = DefaultConfig()
	}
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tracker{
		config:    config,
		publisher: publisher,
		logger:    logger,
		sessions:  make(map[counterKey]map[string]time.Time),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.reapLoop()
	return t
}

// Touch registers activity for a session, creating it if unseen and
// extending its expiry otherwise.
func (t *Tracker) Touch(tenantID uuid.UUID, modelID string, sessionID string) {
	if tenantID == uuid.Nil || sessionID == "" {
		return
	}
	key := counterKey{tenantID: tenantID, modelID: modelID}
	now := time.Now()
	expiresAt := now.Add(t.config.SessionTTL)

	t.mu.Lock()
	set, ok := t.sessions[key]
	seen := false
	if ok {
		_, seen = set[sessionID]
	}

	var cleared []counterKey
	if !seen && t.total >= t.config.MaxSessions {
		// expired sessions still hold capacity until the reaper pops their
		// heap items; reclaim them now instead of dropping a live touch
		cleared = t.evictExpiredLocked(now)
		if t.total >= t.config.MaxSessions {
			t.mu.Unlock()
			t.publishCleared(cleared, now)
			t.logger.Warn("Live session cap reached, dropping session",
				zap.String("tenant_id", tenantID.String()),
				zap.String("model_id", modelID),
				zap.Int("cap", t.config.MaxSessions))
			return
		}
		set = t.sessions[key] // eviction may have dropped the counter
	}
	if set == nil {
		set = make(map[string]time.Time)
		t.sessions[key] = set
	}
	if !seen {
		t.total++
		heap.Push(&t.expiries, expiryItem{key: key, sessionID: sessionID, expiresAt: expiresAt})
	}
	set[sessionID] = expiresAt
	t.mu.Unlock()

	t.publishCleared(cleared, now)

	// nudge the reaper in case this item is now the earliest deadline
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Snapshot returns the live counts for one tenant, sorted by model id
func (t *Tracker) Snapshot(tenantID uuid.UUID) []appbilling.LiveCount {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	counts := make([]appbilling.LiveCount, 0)
	for key, set := range t.sessions {
		if key.tenantID != tenantID {
			continue
		}
		if n := liveCount(set, now); n > 0 {
			counts = append(counts, appbilling.LiveCount{
				TenantID: key.tenantID,
				ModelID:  key.modelID,
				Sessions: n,
			})
		}
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].ModelID < counts[j].ModelID })
	return counts
}

// SnapshotAll returns live counts across all tenants, sorted by tenant
// then model
func (t *Tracker) SnapshotAll() []appbilling.LiveCount {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	counts := make([]appbilling.LiveCount, 0)
	for key, set := range t.sessions {
		if n := liveCount(set, now); n > 0 {
			counts = append(counts, appbilling.LiveCount{
				TenantID: key.tenantID,
				ModelID:  key.modelID,
				Sessions: n,
			})
		}
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].TenantID != counts[j].TenantID {
			return counts[i].TenantID.String() < counts[j].TenantID.String()
		}
		return counts[i].ModelID < counts[j].ModelID
	})
	return counts
}

// Close stops the reaper goroutine and waits for it to exit
func (t *Tracker) Close() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
	<-t.done
}

// liveCount counts unexpired sessions in a set. Caller holds the lock.
func liveCount(set map[string]time.Time, now time.Time) int {
	n := 0
	for _, expiresAt := range set {
		if now.Before(expiresAt) {
			n++
		}
	}
	return n
}

func (t *Tracker) reapLoop() {
	defer close(t.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next := t.reap()

		wait := time.Hour
		if !next.IsZero() {
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-t.wake:
		case <-t.stopCh:
			return
		}
	}
}

// reap removes expired sessions and returns the next deadline, or the zero
// time when nothing is queued. Counters that drain to zero publish a
// cleared event.
func (t *Tracker) reap() time.Time {
	now := time.Now()

	t.mu.Lock()
	cleared := t.evictExpiredLocked(now)

	var next time.Time
	if t.expiries.Len() > 0 {
		next = t.expiries[0].expiresAt
	}
	t.mu.Unlock()

	t.publishCleared(cleared, now)
	return next
}

// evictExpiredLocked pops every due heap item, dropping expired sessions
// and requeueing ones touched since they were scheduled. Caller holds the
// lock; drained counter keys are returned for publishing after unlock.
func (t *Tracker) evictExpiredLocked(now time.Time) []counterKey {
	var cleared []counterKey
	for t.expiries.Len() > 0 {
		item := t.expiries[0]
		if item.expiresAt.After(now) {
			break
		}
		heap.Pop(&t.expiries)

		set, ok := t.sessions[item.key]
		if !ok {
			continue
		}
		current, seen := set[item.sessionID]
		if !seen {
			continue
		}
		if current.After(now) {
			// touched since this item was queued; requeue at the new deadline
			heap.Push(&t.expiries, expiryItem{key: item.key, sessionID: item.sessionID, expiresAt: current})
			continue
		}

		delete(set, item.sessionID)
		t.total--
		if len(set) == 0 {
			delete(t.sessions, item.key)
			cleared = append(cleared, item.key)
		}
	}
	return cleared
}

func (t *Tracker) publishCleared(cleared []counterKey, now time.Time) {
	if t.publisher == nil {
		return
	}
	for _, key := range cleared {
		event := billing.NewLiveUsageClearedEvent(key.tenantID, key.modelID, now)
		if err := t.publisher.Publish(context.Background(), event); err != nil {
			t.logger.Warn("Failed to publish live usage cleared event",
				zap.String("tenant_id", key.tenantID.String()),
				zap.String("model_id", key.modelID),
				zap.Error(err))
		}
	}
}
