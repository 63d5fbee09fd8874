package shared

import (
	"context"
	"time"
)

// IdempotencyStore remembers recently seen external reference keys so the
// hot recording path can short-circuit obvious replays without a round trip
// to the ledger. The ledger's uniqueness constraint remains the source of
// truth; this store is a best-effort pre-check.
type IdempotencyStore interface {
	// MarkProcessed marks a key as seen with a TTL.
	// Returns true if the key was newly marked, false if it was already seen.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// IsProcessed checks whether a key has already been seen
	IsProcessed(ctx context.Context, key string) (bool, error)

	// Close closes the store and releases resources
	Close() error
}

// IdempotencyConfig holds configuration for the replay pre-check
type IdempotencyConfig struct {
	// TTL is the time-to-live for seen keys. After this duration a replay
	// falls through to the ledger constraint instead of the fast path.
	TTL time.Duration

	// Enabled determines whether the pre-check is enabled
	Enabled bool
}

// DefaultIdempotencyConfig returns the default idempotency configuration
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		TTL:     24 * time.Hour,
		Enabled: true,
	}
}
