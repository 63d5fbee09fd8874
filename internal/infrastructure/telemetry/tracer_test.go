package telemetry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/metering/backend/internal/infrastructure/telemetry"
)

func disabledTracerConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:           false,
		CollectorEndpoint: "otel-collector:4317",
		SamplingRatio:     1.0,
		ServiceName:       "metering-backend",
	}
}

func TestNewTracerProvider_DisabledIsNoop(t *testing.T) {
	ctx := context.Background()

	tp, err := telemetry.NewTracerProvider(ctx, disabledTracerConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, tp)

	assert.False(t, tp.IsEnabled())
	assert.Equal(t, "metering-backend", tp.GetConfig().ServiceName)

	// Even disabled, callers can take a tracer and record spans into the
	// global no-op provider.
	tracer := tp.Tracer("billing.consolidation")
	require.NotNil(t, tracer)
	_, span := tracer.Start(ctx, "run.aggregate")
	span.End()

	assert.NoError(t, tp.ForceFlush(ctx))
	assert.NoError(t, tp.Shutdown(ctx))
}

func TestNewTracerProvider_AgainstLiveCollector(t *testing.T) {
	// Needs an OTLP collector listening locally.
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	cfg := disabledTracerConfig()
	cfg.Enabled = true
	cfg.CollectorEndpoint = "localhost:14317"

	tp, err := telemetry.NewTracerProvider(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, tp)

	assert.True(t, tp.IsEnabled())

	_, span := tp.Tracer("billing.recorder").Start(ctx, "usage.record")
	span.End()

	assert.NoError(t, tp.ForceFlush(ctx))
	assert.NoError(t, tp.Shutdown(ctx))
}

func TestNewTracerProvider_SamplingRatios(t *testing.T) {
	ctx := context.Background()

	for _, ratio := range []float64{1.0, 0.0, 0.25} {
		cfg := disabledTracerConfig()
		cfg.SamplingRatio = ratio

		tp, err := telemetry.NewTracerProvider(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.NoError(t, tp.Shutdown(ctx))
	}
}

func TestTracerProvider_ShutdownWithCancelledContext(t *testing.T) {
	ctx := context.Background()

	tp, err := telemetry.NewTracerProvider(ctx, disabledTracerConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	assert.NoError(t, tp.Shutdown(cancelled))
}

func TestNewTracerProvider_UnreachableCollector(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.ErrorLevel))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	cfg := disabledTracerConfig()
	cfg.Enabled = true
	cfg.CollectorEndpoint = "invalid-host:99999"

	// The gRPC exporter connects lazily, so construction typically
	// succeeds; the batcher drops spans later.
	tp, err := telemetry.NewTracerProvider(ctx, cfg, logger)
	if err != nil {
		t.Logf("collector unreachable at construction: %v", err)
		return
	}
	_ = tp.Shutdown(context.Background())
}

func TestTracerProvider_SpanProfiles(t *testing.T) {
	ctx := context.Background()

	t.Run("noop when telemetry disabled", func(t *testing.T) {
		tp, err := telemetry.NewTracerProvider(ctx, disabledTracerConfig(), zaptest.NewLogger(t))
		require.NoError(t, err)

		assert.False(t, tp.IsSpanProfilesEnabled())
		assert.NoError(t, tp.EnableSpanProfiles())
		assert.False(t, tp.IsSpanProfilesEnabled())

		assert.NoError(t, tp.Shutdown(ctx))
	})

	t.Run("idempotent against a live collector", func(t *testing.T) {
		if testing.Short() {
			t.Skip("Skipping integration test in short mode")
		}

		cfg := disabledTracerConfig()
		cfg.Enabled = true
		cfg.CollectorEndpoint = "localhost:14317"

		tp, err := telemetry.NewTracerProvider(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer func() { _ = tp.Shutdown(ctx) }()

		assert.False(t, tp.IsSpanProfilesEnabled())

		require.NoError(t, tp.EnableSpanProfiles())
		assert.True(t, tp.IsSpanProfilesEnabled())

		require.NoError(t, tp.EnableSpanProfiles())
		assert.True(t, tp.IsSpanProfilesEnabled())

		// Spans under ~10ms may carry no CPU samples, so hold the span
		// open briefly.
		_, span := tp.Tracer("billing.consolidation").Start(ctx, "run.rollover")
		time.Sleep(15 * time.Millisecond)
		span.End()

		assert.NoError(t, tp.ForceFlush(ctx))
	})

	t.Run("concurrent enable is safe", func(t *testing.T) {
		tp, err := telemetry.NewTracerProvider(ctx, disabledTracerConfig(), zaptest.NewLogger(t))
		require.NoError(t, err)
		defer func() { _ = tp.Shutdown(ctx) }()

		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = tp.EnableSpanProfiles()
				_ = tp.IsSpanProfilesEnabled()
			}()
		}
		wg.Wait()

		assert.False(t, tp.IsSpanProfilesEnabled())
	})
}
