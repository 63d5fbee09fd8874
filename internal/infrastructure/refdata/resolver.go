package refdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/metering/backend/internal/domain/billing"
)

// ResolverConfig holds resolver behavior settings
type ResolverConfig struct {
	// HomeCurrency skips the FX fetch and uses parity for same-currency lookups
	HomeCurrency string
	// CacheTTL is how long fetched snapshots are served before refetching
	CacheTTL time.Duration
	// FallbackTTL is how long degraded snapshots are cached, kept short so
	// recovery is retried promptly once providers come back
	FallbackTTL time.Duration
}

// DefaultResolverConfig returns the default resolver settings
func DefaultResolverConfig() *ResolverConfig {
	return &ResolverConfig{
		HomeCurrency: "USD",
		CacheTTL:     time.Hour,
		FallbackTTL:  5 * time.Minute,
	}
}

func (c *ResolverConfig) applyDefaults() {
	if c.HomeCurrency == "" {
		c.HomeCurrency = "USD"
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.FallbackTTL <= 0 {
		c.FallbackTTL = 5 * time.Minute
	}
}

// Resolver serves reference snapshots from cache, fetching from the FX and
// price providers on miss and degrading to hardcoded fallbacks when the
// providers are unreachable. Resolve never fails: costing must proceed even
// during provider outages, with degraded entries flagged for reconciliation.
type Resolver struct {
	fx     FXProvider
	prices PriceProvider
	cache  SnapshotCache
	config *ResolverConfig
	logger *zap.Logger

	// single-flight per key so a cold cache does not stampede the providers
	mu       sync.Mutex
	inflight map[string]*fetchCall
}

type fetchCall struct {
	done     chan struct{}
	snapshot *billing.ReferenceSnapshot
}

// NewResolver creates a reference resolver
func NewResolver(fx FXProvider, prices PriceProvider, cache SnapshotCache, config *ResolverConfig, logger *zap.Logger) *Resolver {
	if config == nil {
		config = DefaultResolverConfig()
	}
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		fx:       fx,
		prices:   prices,
		cache:    cache,
		config:   config,
		logger:   logger,
		inflight: make(map[string]*fetchCall),
	}
}

// Resolve returns the snapshot for the currency and date, serving from
// cache when fresh. Provider failures degrade to fallback data instead of
// returning an error.
func (r *Resolver) Resolve(ctx context.Context, currency string, date time.Time) (*billing.ReferenceSnapshot, error) {
	key := billing.SnapshotKey(currency, date)

	snapshot, found, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("Snapshot cache read failed", zap.String("key", key), zap.Error(err))
	} else if found && snapshot.Fresh(time.Now()) {
		return snapshot, nil
	}

	return r.fetchShared(ctx, key, currency, date), nil
}

// Refresh fetches fresh data for the currency and date, bypassing the
// cache. Unlike Resolve it propagates provider errors so callers can
// report upstream outages, but a partially degraded snapshot is still
// cached and returned so the surviving half keeps serving reads.
func (r *Resolver) Refresh(ctx context.Context, currency string, date time.Time) (*billing.ReferenceSnapshot, error) {
	snapshot, err := r.fetch(ctx, currency, date)
	r.store(ctx, billing.SnapshotKey(currency, date), snapshot, snapshot.TTL)
	return snapshot, err
}

// fetchShared collapses concurrent fetches for the same key into one
// provider round trip.
func (r *Resolver) fetchShared(ctx context.Context, key, currency string, date time.Time) *billing.ReferenceSnapshot {
	r.mu.Lock()
	if call, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			if call.snapshot != nil {
				return call.snapshot
			}
		case <-ctx.Done():
		}
		return FallbackSnapshot(currency, date, r.config.FallbackTTL)
	}
	call := &fetchCall{done: make(chan struct{})}
	r.inflight[key] = call
	r.mu.Unlock()

	defer func() {
		close(call.done)
		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
	}()

	snapshot, err := r.fetch(ctx, currency, date)
	if err != nil {
		r.logger.Warn("Reference fetch degraded, merged in fallback data",
			zap.String("currency", currency),
			zap.Time("date", date),
			zap.Error(err))
	}
	r.store(ctx, key, snapshot, snapshot.TTL)
	call.snapshot = snapshot
	return snapshot
}

// fetch retrieves the FX rate and price table concurrently. Same-currency
// lookups skip the FX provider and use parity. A failed half is replaced
// by its hardcoded fallback while the other half stays live; the snapshot
// is then flagged degraded, cached short, and the error reports which
// halves failed. The snapshot is never nil.
func (r *Resolver) fetch(ctx context.Context, currency string, date time.Time) (*billing.ReferenceSnapshot, error) {
	var (
		wg       sync.WaitGroup
		rate     decimal.Decimal
		rateErr  error
		prices   billing.ModelPriceTable
		priceErr error
	)

	if currency == r.config.HomeCurrency {
		rate = decimal.NewFromInt(1)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rate, rateErr = r.fx.FetchRate(ctx, currency, date)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		prices, priceErr = r.prices.FetchPrices(ctx, date)
	}()

	wg.Wait()

	var errs []error
	if rateErr != nil {
		rate = FallbackRate(currency)
		errs = append(errs, fmt.Errorf("fx rate unavailable: %w", rateErr))
	}
	if priceErr != nil {
		prices = fallbackPrices
		errs = append(errs, fmt.Errorf("price table unavailable: %w", priceErr))
	}

	ttl := r.config.CacheTTL
	if len(errs) > 0 {
		ttl = r.config.FallbackTTL
	}
	return &billing.ReferenceSnapshot{
		Currency:  currency,
		AsOfDate:  date.UTC().Truncate(24 * time.Hour),
		Rate:      rate,
		Prices:    prices,
		FetchedAt: time.Now().UTC(),
		TTL:       ttl,
		Degraded:  len(errs) > 0,
	}, errors.Join(errs...)
}

func (r *Resolver) store(ctx context.Context, key string, snapshot *billing.ReferenceSnapshot, ttl time.Duration) {
	if err := r.cache.Put(ctx, key, snapshot, ttl); err != nil {
		r.logger.Warn("Snapshot cache write failed", zap.String("key", key), zap.Error(err))
	}
}
