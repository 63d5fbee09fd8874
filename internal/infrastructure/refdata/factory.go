package refdata

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/metering/backend/internal/infrastructure/config"
)

// ResolverFactory assembles a reference resolver from configuration
type ResolverFactory struct {
	refdataConfig config.RefDataConfig
	redisConfig   config.RedisConfig
	homeCurrency  string
	logger        *zap.Logger
}

// ResolverFactoryOption is a functional option for configuring the factory
type ResolverFactoryOption func(*ResolverFactory)

// WithResolverLogger sets the logger for the factory and the resolver it builds
func WithResolverLogger(logger *zap.Logger) ResolverFactoryOption {
	return func(f *ResolverFactory) {
		f.logger = logger
	}
}

// WithHomeCurrency sets the home currency used for parity short-circuits
func WithHomeCurrency(currency string) ResolverFactoryOption {
	return func(f *ResolverFactory) {
		f.homeCurrency = currency
	}
}

// NewResolverFactory creates a new factory
func NewResolverFactory(refdataCfg config.RefDataConfig, redisCfg config.RedisConfig, opts ...ResolverFactoryOption) *ResolverFactory {
	f := &ResolverFactory{
		refdataConfig: refdataCfg,
		redisConfig:   redisCfg,
		homeCurrency:  "USD",
		logger:        zap.NewNop(),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// CreateResolver builds the resolver with HTTP providers and the configured
// snapshot cache. When Redis caching is requested but unreachable it falls
// back to the in-memory cache with a warning; snapshot sharing degrades but
// costing continues.
func (f *ResolverFactory) CreateResolver() (*Resolver, error) {
	fx, err := NewHTTPFXProvider(&ProviderConfig{
		BaseURL: f.refdataConfig.FXEndpoint,
		Timeout: f.refdataConfig.FetchTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create fx provider: %w", err)
	}

	prices, err := NewHTTPPriceProvider(&ProviderConfig{
		BaseURL: f.refdataConfig.PriceEndpoint,
		Timeout: f.refdataConfig.FetchTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create price provider: %w", err)
	}

	return NewResolver(fx, prices, f.createCache(), &ResolverConfig{
		HomeCurrency: f.homeCurrency,
		CacheTTL:     f.refdataConfig.CacheTTL,
	}, f.logger), nil
}

func (f *ResolverFactory) createCache() SnapshotCache {
	if !f.refdataConfig.UseRedis {
		return NewInMemorySnapshotCache()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     f.redisConfig.Addr(),
		Password: f.redisConfig.Password,
		DB:       f.redisConfig.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		f.logger.Warn("Redis unavailable, falling back to in-memory snapshot cache. "+
			"Instances may cost usage against different daily snapshots.",
			zap.Error(err),
		)
		return NewInMemorySnapshotCache()
	}

	f.logger.Info("using Redis snapshot cache")
	return NewRedisSnapshotCache(client)
}
