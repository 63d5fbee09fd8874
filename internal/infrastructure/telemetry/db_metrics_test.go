package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// dbTestMeter wires a manual reader so tests can pull datapoints on demand.
func dbTestMeter(t *testing.T) (metric.Meter, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})
	return provider.Meter("billing.db"), reader
}

// collectDBMetrics drains the reader and indexes the result by metric name.
func collectDBMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	byName := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			byName[m.Name] = m
		}
	}
	return byName
}

// ledgerDB opens a GORM handle over sqlmock, standing in for the
// billing database without a live Postgres.
func ledgerDB(t *testing.T) *gorm.DB {
	t.Helper()
	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)
	return gormDB
}

func counterTotal(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s should be an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestDefaultDBMetricsConfig(t *testing.T) {
	cfg := DefaultDBMetricsConfig()

	assert.True(t, cfg.Enabled)
	assert.Equal(t, 200*time.Millisecond, cfg.SlowQueryThreshold)
	assert.Equal(t, 15*time.Second, cfg.PoolStatsInterval)
}

func TestNewDBMetrics(t *testing.T) {
	meter, _ := dbTestMeter(t)

	t.Run("builds the full instrument set", func(t *testing.T) {
		metrics, err := NewDBMetrics(meter, DefaultDBMetricsConfig(), zap.NewNop())
		require.NoError(t, err)

		assert.NotNil(t, metrics.poolConnections)
		assert.NotNil(t, metrics.poolConnectionsMax)
		assert.NotNil(t, metrics.queryTotal)
		assert.NotNil(t, metrics.queryDuration)
		assert.NotNil(t, metrics.slowQueryTotal)
	})

	t.Run("zero config falls back to defaults", func(t *testing.T) {
		metrics, err := NewDBMetrics(meter, DBMetricsConfig{}, zap.NewNop())
		require.NoError(t, err)

		assert.Equal(t, 200*time.Millisecond, metrics.config.SlowQueryThreshold)
		assert.Equal(t, 15*time.Second, metrics.config.PoolStatsInterval)
	})

	t.Run("nil logger is replaced with a nop", func(t *testing.T) {
		metrics, err := NewDBMetrics(meter, DefaultDBMetricsConfig(), nil)
		require.NoError(t, err)
		require.NotNil(t, metrics.logger)
	})
}

func TestDBMetrics_RecordQuery(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name      string
		operation string
		table     string
		duration  time.Duration
		wantOp    string
		wantSlow  int64
		slowTable string
	}{
		{
			name:      "fast ledger insert is counted but not slow",
			operation: "INSERT",
			table:     "ledger_entries",
			duration:  12 * time.Millisecond,
			wantOp:    "INSERT",
			wantSlow:  0,
		},
		{
			name:      "aggregate scan over threshold bumps the slow counter",
			operation: "SELECT",
			table:     "daily_usage_aggregates",
			duration:  450 * time.Millisecond,
			wantOp:    "SELECT",
			wantSlow:  1,
			slowTable: "daily_usage_aggregates",
		},
		{
			name:      "lowercase verb is normalized",
			operation: "update",
			table:     "monthly_billing_records",
			duration:  5 * time.Millisecond,
			wantOp:    "UPDATE",
			wantSlow:  0,
		},
		{
			name:      "empty verb is recorded as UNKNOWN",
			operation: "",
			table:     "usage_events",
			duration:  5 * time.Millisecond,
			wantOp:    "UNKNOWN",
			wantSlow:  0,
		},
		{
			name:      "slow statement with no table falls back to unknown",
			operation: "DELETE",
			table:     "",
			duration:  900 * time.Millisecond,
			wantOp:    "DELETE",
			wantSlow:  1,
			slowTable: "unknown",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			meter, reader := dbTestMeter(t)
			metrics, err := NewDBMetrics(meter, DefaultDBMetricsConfig(), zap.NewNop())
			require.NoError(t, err)

			metrics.RecordQuery(ctx, tc.operation, tc.table, tc.duration, nil)

			byName := collectDBMetrics(t, reader)

			total, ok := byName["db_query_total"]
			require.True(t, ok, "every statement should count toward db_query_total")
			sum := total.Data.(metricdata.Sum[int64])
			require.Len(t, sum.DataPoints, 1)
			assert.Equal(t, int64(1), sum.DataPoints[0].Value)
			op, _ := sum.DataPoints[0].Attributes.Value(attribute.Key("db.operation"))
			assert.Equal(t, tc.wantOp, op.AsString())

			_, ok = byName["db_query_duration_seconds"]
			assert.True(t, ok, "latency should be recorded for every statement")

			slow, ok := byName["db_slow_query_total"]
			if tc.wantSlow == 0 {
				if ok {
					assert.Equal(t, int64(0), counterTotal(t, slow))
				}
				return
			}
			require.True(t, ok, "slow statements should count toward db_slow_query_total")
			slowSum := slow.Data.(metricdata.Sum[int64])
			require.Len(t, slowSum.DataPoints, 1)
			assert.Equal(t, tc.wantSlow, slowSum.DataPoints[0].Value)
			table, _ := slowSum.DataPoints[0].Attributes.Value(attribute.Key("db.table"))
			assert.Equal(t, tc.slowTable, table.AsString())
		})
	}

	t.Run("threshold from config decides what is slow", func(t *testing.T) {
		meter, reader := dbTestMeter(t)
		metrics, err := NewDBMetrics(meter, DBMetricsConfig{
			Enabled:            true,
			SlowQueryThreshold: 50 * time.Millisecond,
		}, zap.NewNop())
		require.NoError(t, err)

		metrics.RecordQuery(ctx, "SELECT", "reference_rates", 30*time.Millisecond, nil)
		metrics.RecordQuery(ctx, "SELECT", "reference_rates", 80*time.Millisecond, nil)

		byName := collectDBMetrics(t, reader)
		assert.Equal(t, int64(2), counterTotal(t, byName["db_query_total"]))
		assert.Equal(t, int64(1), counterTotal(t, byName["db_slow_query_total"]))
	})
}

func TestDBMetrics_PoolStats(t *testing.T) {
	t.Run("samples pool gauges on the interval", func(t *testing.T) {
		meter, reader := dbTestMeter(t)

		mockDB, _, err := sqlmock.New()
		require.NoError(t, err)
		defer mockDB.Close()

		metrics, err := NewDBMetrics(meter, DBMetricsConfig{
			Enabled:           true,
			PoolStatsInterval: 20 * time.Millisecond,
		}, zap.NewNop())
		require.NoError(t, err)
		metrics.SetSQLDB(mockDB)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		metrics.StartPoolStatsCollection(ctx)
		time.Sleep(60 * time.Millisecond)
		metrics.Stop()

		byName := collectDBMetrics(t, reader)
		require.Contains(t, byName, "db_pool_connections_max")

		pool, ok := byName["db_pool_connections"]
		require.True(t, ok)
		gauge := pool.Data.(metricdata.Gauge[int64])
		states := make(map[string]bool)
		for _, dp := range gauge.DataPoints {
			state, _ := dp.Attributes.Value(attribute.Key("db.pool.state"))
			states[state.AsString()] = true
		}
		assert.True(t, states["idle"] && states["in_use"] && states["open"],
			"pool gauge should report idle, in_use and open states, got %v", states)
	})

	t.Run("refuses to start without a sql.DB", func(t *testing.T) {
		meter, reader := dbTestMeter(t)
		metrics, err := NewDBMetrics(meter, DefaultDBMetricsConfig(), zap.NewNop())
		require.NoError(t, err)

		metrics.StartPoolStatsCollection(context.Background())
		metrics.Stop()

		byName := collectDBMetrics(t, reader)
		assert.NotContains(t, byName, "db_pool_connections")
	})

	t.Run("context cancellation ends the collector", func(t *testing.T) {
		meter, _ := dbTestMeter(t)

		mockDB, _, err := sqlmock.New()
		require.NoError(t, err)
		defer mockDB.Close()

		metrics, err := NewDBMetrics(meter, DBMetricsConfig{
			Enabled:           true,
			PoolStatsInterval: time.Second,
		}, zap.NewNop())
		require.NoError(t, err)
		metrics.SetSQLDB(mockDB)

		ctx, cancel := context.WithCancel(context.Background())
		metrics.StartPoolStatsCollection(ctx)
		cancel()

		metrics.Stop()
	})
}

func TestDBMetrics_Stop(t *testing.T) {
	meter, _ := dbTestMeter(t)

	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	metrics, err := NewDBMetrics(meter, DBMetricsConfig{
		Enabled:           true,
		PoolStatsInterval: 50 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	metrics.SetSQLDB(mockDB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	metrics.StartPoolStatsCollection(ctx)

	done := make(chan struct{})
	go func() {
		metrics.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// Repeated stops are a no-op.
	assert.NotPanics(t, func() {
		metrics.Stop()
		metrics.Stop()
	})
}

func TestDBMetricsPlugin(t *testing.T) {
	meter, _ := dbTestMeter(t)
	metrics, err := NewDBMetrics(meter, DefaultDBMetricsConfig(), zap.NewNop())
	require.NoError(t, err)

	plugin := NewDBMetricsPlugin(metrics, zap.NewNop())
	assert.Equal(t, "db_metrics", plugin.Name())

	require.NoError(t, plugin.Initialize(ledgerDB(t)))
}

func TestDetectOperationType(t *testing.T) {
	cases := []struct {
		sql  string
		want string
	}{
		{"SELECT balance FROM ledger_entries WHERE tenant_id = $1", "SELECT"},
		{"select * from daily_usage_aggregates", "SELECT"},
		{"  SELECT count(*) FROM usage_events", "SELECT"},
		{"INSERT INTO ledger_entries (tenant_id, amount) VALUES ($1, $2)", "INSERT"},
		{"insert into billing_seats values ($1)", "INSERT"},
		{"UPDATE monthly_billing_records SET status = 'consolidated'", "UPDATE"},
		{"update reference_rates set rate = $1", "UPDATE"},
		{"DELETE FROM live_session_counters WHERE expires_at < now()", "DELETE"},
		{"delete from usage_events", "DELETE"},
		{"CREATE INDEX idx_ledger_tenant ON ledger_entries (tenant_id)", "OTHER"},
		{"TRUNCATE TABLE daily_usage_aggregates", "OTHER"},
		{"", "OTHER"},
	}

	for _, tc := range cases {
		t.Run(tc.sql, func(t *testing.T) {
			assert.Equal(t, tc.want, detectOperationType(tc.sql))
		})
	}
}

func TestRegisterDBMetrics(t *testing.T) {
	logger := zap.NewNop()

	t.Run("disabled config registers nothing", func(t *testing.T) {
		metrics, err := RegisterDBMetrics(ledgerDB(t), nil, DBMetricsConfig{Enabled: false}, logger)
		require.NoError(t, err)
		assert.Nil(t, metrics)
	})

	t.Run("nil meter provider registers nothing", func(t *testing.T) {
		metrics, err := RegisterDBMetrics(ledgerDB(t), nil, DBMetricsConfig{Enabled: true}, logger)
		require.NoError(t, err)
		assert.Nil(t, metrics)
	})

	t.Run("enabled config wires the plugin", func(t *testing.T) {
		reader := sdkmetric.NewManualReader()
		sdkProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer sdkProvider.Shutdown(context.Background())

		mp := &MeterProvider{
			provider: sdkProvider,
			logger:   logger,
			config:   MetricsConfig{Enabled: true},
		}

		metrics, err := RegisterDBMetrics(ledgerDB(t), mp, DefaultDBMetricsConfig(), logger)
		require.NoError(t, err)
		require.NotNil(t, metrics)
	})
}

func TestDBMetrics_ConcurrentRecordQuery(t *testing.T) {
	ctx := context.Background()
	meter, reader := dbTestMeter(t)

	metrics, err := NewDBMetrics(meter, DefaultDBMetricsConfig(), zap.NewNop())
	require.NoError(t, err)

	operations := []string{"SELECT", "INSERT", "UPDATE", "DELETE"}
	tables := []string{"ledger_entries", "daily_usage_aggregates", "monthly_billing_records", "billing_seats"}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			metrics.RecordQuery(ctx, operations[i%4], tables[i%4], time.Duration(i)*time.Millisecond, nil)
		}(i)
	}
	wg.Wait()

	byName := collectDBMetrics(t, reader)
	require.Contains(t, byName, "db_query_total")
	assert.Equal(t, int64(100), counterTotal(t, byName["db_query_total"]))
}
