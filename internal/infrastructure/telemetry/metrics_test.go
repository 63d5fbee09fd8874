package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/metering/backend/internal/infrastructure/telemetry"
)

func disabledMetricsConfig() telemetry.MetricsConfig {
	return telemetry.MetricsConfig{
		Enabled:           false,
		CollectorEndpoint: "otel-collector:4317",
		ExportInterval:    time.Minute,
		ServiceName:       "metering-backend",
	}
}

// noopMeter returns a meter backed by a disabled provider; instrument
// creation and recording stay valid, they just go nowhere.
func noopMeter(t *testing.T) (context.Context, *telemetry.MeterProvider) {
	t.Helper()
	ctx := context.Background()
	mp, err := telemetry.NewMeterProvider(ctx, disabledMetricsConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return ctx, mp
}

func TestNewMeterProvider_DisabledIsNoop(t *testing.T) {
	ctx, mp := noopMeter(t)

	assert.False(t, mp.IsEnabled())
	assert.Equal(t, "metering-backend", mp.GetConfig().ServiceName)
	require.NotNil(t, mp.Meter("billing"))

	assert.NoError(t, mp.ForceFlush(ctx))
	assert.NoError(t, mp.Shutdown(ctx))
}

func TestNewMeterProvider_AgainstLiveCollector(t *testing.T) {
	// Needs an OTLP collector listening locally.
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	cfg := disabledMetricsConfig()
	cfg.Enabled = true
	cfg.CollectorEndpoint = "localhost:14317"
	cfg.ExportInterval = time.Second
	cfg.Insecure = true

	mp, err := telemetry.NewMeterProvider(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, mp)

	assert.True(t, mp.IsEnabled())
	require.NotNil(t, mp.Meter("billing"))

	assert.NoError(t, mp.ForceFlush(ctx))
	assert.NoError(t, mp.Shutdown(ctx))
}

func TestMeterProvider_DefaultExportInterval(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	cfg := disabledMetricsConfig()
	cfg.Enabled = true
	cfg.CollectorEndpoint = "localhost:14317"
	cfg.ExportInterval = 0 // falls back to 60s
	cfg.Insecure = true

	mp, err := telemetry.NewMeterProvider(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	_ = mp.Shutdown(ctx)
}

func TestMeterProvider_ShutdownWithCancelledContext(t *testing.T) {
	ctx, mp := noopMeter(t)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	assert.NoError(t, mp.Shutdown(cancelled))
}

func TestNewMeterProvider_UnreachableCollector(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.ErrorLevel))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	cfg := disabledMetricsConfig()
	cfg.Enabled = true
	cfg.CollectorEndpoint = "invalid-host:99999"
	cfg.ExportInterval = time.Second

	mp, err := telemetry.NewMeterProvider(ctx, cfg, logger)
	if err != nil {
		t.Logf("collector unreachable at construction: %v", err)
		return
	}
	_ = mp.Shutdown(context.Background())
}

func TestCounter(t *testing.T) {
	ctx, mp := noopMeter(t)

	counter, err := telemetry.NewCounter(mp.Meter("billing"),
		"billing_usage_events_total", "Usage events admitted to the ledger", "{event}")
	require.NoError(t, err)
	require.NotNil(t, counter)

	counter.Add(ctx, 5, telemetry.AttrSource.String("api"))
	counter.Add(ctx, 2, telemetry.AttrSource.String("batch"))
	counter.Inc(ctx, telemetry.AttrOutcome.String("duplicate"))
	counter.Inc(ctx)
}

func TestHistogram(t *testing.T) {
	ctx, mp := noopMeter(t)
	meter := mp.Meter("billing")

	t.Run("latency with shared buckets", func(t *testing.T) {
		hist, err := telemetry.NewHistogram(meter, telemetry.HistogramOpts{
			Name:        "billing_consolidation_phase_duration_seconds",
			Description: "Consolidation phase latency",
			Unit:        "s",
			Boundaries:  telemetry.HTTPDurationBuckets,
		})
		require.NoError(t, err)

		hist.Record(ctx, 0.02)
		hist.Record(ctx, 1.8, attribute.String("phase", "aggregate"))
		hist.RecordDuration(ctx, 35*time.Millisecond, attribute.String("phase", "rollover"))
	})

	t.Run("custom boundaries", func(t *testing.T) {
		hist, err := telemetry.NewHistogram(meter, telemetry.HistogramOpts{
			Name:        "billing_batch_tenant_count",
			Description: "Tenants processed per consolidation run",
			Unit:        "{tenant}",
			Boundaries:  []float64{1, 10, 100, 1000, 10000},
		})
		require.NoError(t, err)
		require.NotNil(t, hist)

		hist.Record(ctx, 42)
	})

	t.Run("sdk default boundaries", func(t *testing.T) {
		hist, err := telemetry.NewHistogram(meter, telemetry.HistogramOpts{
			Name:        "billing_refund_amount_credits",
			Description: "Refund sizes in credits",
			Unit:        "{credit}",
		})
		require.NoError(t, err)
		require.NotNil(t, hist)

		hist.Record(ctx, 12.5)
	})
}

func TestGauges(t *testing.T) {
	ctx, mp := noopMeter(t)
	meter := mp.Meter("billing")

	gauge, err := telemetry.NewGauge(meter,
		"billing_live_sessions", "Sessions currently tracked in memory", "{session}")
	require.NoError(t, err)
	require.NotNil(t, gauge)

	gauge.Record(ctx, 120)
	gauge.Record(ctx, 95, telemetry.AttrModelID.String("gpt-4o"))

	fgauge, err := telemetry.NewFloatGauge(meter,
		"billing_reference_age_seconds", "Age of the cached reference snapshot", "s")
	require.NoError(t, err)
	require.NotNil(t, fgauge)

	fgauge.Record(ctx, 12.4)
	fgauge.Record(ctx, 3600.0, attribute.Bool("degraded", true))
}

func TestCommonAttributeKeys(t *testing.T) {
	assert.Equal(t, "tenant_id", string(telemetry.AttrTenantID))
	assert.Equal(t, "user_id", string(telemetry.AttrUserID))
	assert.Equal(t, "http.method", string(telemetry.AttrHTTPMethod))
	assert.Equal(t, "http.status_code", string(telemetry.AttrHTTPStatusCode))
	assert.Equal(t, "http.route", string(telemetry.AttrHTTPRoute))
	assert.Equal(t, "db.operation", string(telemetry.AttrDBOperation))
	assert.Equal(t, "db.table", string(telemetry.AttrDBTable))
	assert.Equal(t, "db.pool.state", string(telemetry.AttrDBState))
	assert.Equal(t, "source", string(telemetry.AttrSource))
	assert.Equal(t, "model_id", string(telemetry.AttrModelID))
	assert.Equal(t, "outcome", string(telemetry.AttrOutcome))
}

func TestBucketBoundaries(t *testing.T) {
	assert.Equal(t, []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		telemetry.HTTPDurationBuckets)
	assert.Equal(t, []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		telemetry.DBDurationBuckets)
	assert.Equal(t, []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		telemetry.SmallDurationBuckets)
}
