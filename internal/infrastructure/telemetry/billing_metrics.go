// Package telemetry provides OpenTelemetry integration for metrics collection.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// BillingMetrics provides usage metering and billing metrics.
// It tracks recorded usage events, ledger movement, and consolidation health.
type BillingMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	// Counter metrics (monotonically increasing)
	usageEventsTotal        *Counter
	duplicateEventsTotal    *Counter
	creditsConsumedTotal    *Counter
	consolidationRunsTotal  *Counter
	consolidationFailsTotal *Counter
	monthsClosedTotal       *Counter

	// Gauge metrics (point-in-time values)
	liveSessions *Gauge

	// Periodic collector
	stopChan    chan struct{}
	stopOnce    sync.Once
	collectOnce sync.Once

	liveProvider LiveSessionsProvider
}

// LiveSessionsProvider supplies live session counts for periodic gauge
// collection. This interface lets the telemetry layer observe the tracker
// without depending on it directly.
type LiveSessionsProvider interface {
	// LiveSessionCounts returns current session counts keyed by tenant and model
	LiveSessionCounts(ctx context.Context) (map[uuid.UUID]map[string]int, error)
}

// BillingMetricsConfig holds configuration for billing metrics.
type BillingMetricsConfig struct {
	Meter           metric.Meter
	Logger          *zap.Logger
	CollectInterval time.Duration // Default: 1 minute
	LiveProvider    LiveSessionsProvider
}

// NewBillingMetrics creates a new BillingMetrics instance.
func NewBillingMetrics(cfg BillingMetricsConfig) (*BillingMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bm := &BillingMetrics{
		meter:        cfg.Meter,
		logger:       logger,
		stopChan:     make(chan struct{}),
		liveProvider: cfg.LiveProvider,
	}

	var err error

	bm.usageEventsTotal, err = NewCounter(
		cfg.Meter,
		"meter_usage_events_total",
		"Total number of usage events accepted into the ledger",
		"{events}",
	)
	if err != nil {
		return nil, err
	}

	bm.duplicateEventsTotal, err = NewCounter(
		cfg.Meter,
		"meter_duplicate_events_total",
		"Total number of replayed events collapsed by idempotency",
		"{events}",
	)
	if err != nil {
		return nil, err
	}

	bm.creditsConsumedTotal, err = NewCounter(
		cfg.Meter,
		"meter_credits_consumed_total",
		"Total credits consumed by usage, in centi-credits",
		"{centicredits}",
	)
	if err != nil {
		return nil, err
	}

	bm.consolidationRunsTotal, err = NewCounter(
		cfg.Meter,
		"meter_consolidation_runs_total",
		"Total number of consolidation runs",
		"{runs}",
	)
	if err != nil {
		return nil, err
	}

	bm.consolidationFailsTotal, err = NewCounter(
		cfg.Meter,
		"meter_consolidation_tenant_failures_total",
		"Total number of per-tenant consolidation failures",
		"{failures}",
	)
	if err != nil {
		return nil, err
	}

	bm.monthsClosedTotal, err = NewCounter(
		cfg.Meter,
		"meter_months_closed_total",
		"Total number of monthly billing records frozen",
		"{records}",
	)
	if err != nil {
		return nil, err
	}

	bm.liveSessions, err = NewGauge(
		cfg.Meter,
		"meter_live_sessions",
		"Current live session count",
		"{sessions}",
	)
	if err != nil {
		return nil, err
	}

	return bm, nil
}

// RecordOutcome labels for usage event recording.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
)

// RecordUsageEvent records the outcome of one recording attempt.
func (bm *BillingMetrics) RecordUsageEvent(ctx context.Context, tenantID uuid.UUID, source, outcome string) {
	attrs := []attribute.KeyValue{
		AttrTenantID.String(tenantID.String()),
		AttrSource.String(source),
		AttrOutcome.String(outcome),
	}
	if outcome == OutcomeDuplicate {
		bm.duplicateEventsTotal.Add(ctx, 1, attrs...)
		return
	}
	bm.usageEventsTotal.Add(ctx, 1, attrs...)
}

// RecordCreditsConsumed records credits consumed by a usage entry.
// The delta is converted to centi-credits because OTLP counters are integral.
func (bm *BillingMetrics) RecordCreditsConsumed(ctx context.Context, tenantID uuid.UUID, modelID string, credits decimal.Decimal) {
	centi := credits.Mul(decimal.NewFromInt(100)).IntPart()
	if centi <= 0 {
		return
	}
	bm.creditsConsumedTotal.Add(ctx, centi,
		AttrTenantID.String(tenantID.String()),
		AttrModelID.String(modelID),
	)
}

// RecordConsolidationRun records a finished consolidation run.
func (bm *BillingMetrics) RecordConsolidationRun(ctx context.Context, tenantFailures, monthsClosed int) {
	bm.consolidationRunsTotal.Add(ctx, 1)
	if tenantFailures > 0 {
		bm.consolidationFailsTotal.Add(ctx, int64(tenantFailures))
	}
	if monthsClosed > 0 {
		bm.monthsClosedTotal.Add(ctx, int64(monthsClosed))
	}
}

// RecordLiveSessions records the live session gauge for a tenant and model.
func (bm *BillingMetrics) RecordLiveSessions(ctx context.Context, tenantID uuid.UUID, modelID string, sessions int64) {
	bm.liveSessions.Record(ctx, sessions,
		AttrTenantID.String(tenantID.String()),
		AttrModelID.String(modelID),
	)
}

// StartPeriodicCollection starts periodic collection of gauge metrics.
// This is non-blocking - use Stop() to stop collection.
func (bm *BillingMetrics) StartPeriodicCollection(ctx context.Context, interval time.Duration) {
	bm.collectOnce.Do(func() {
		if interval <= 0 {
			interval = time.Minute
		}
		go bm.runPeriodicCollection(ctx, interval)
	})
}

func (bm *BillingMetrics) runPeriodicCollection(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	bm.collectLiveSessions(ctx)

	for {
		select {
		case <-bm.stopChan:
			bm.logger.Info("Stopping periodic billing metrics collection")
			return
		case <-ctx.Done():
			bm.logger.Info("Context cancelled, stopping periodic billing metrics collection")
			return
		case <-ticker.C:
			bm.collectLiveSessions(ctx)
		}
	}
}

func (bm *BillingMetrics) collectLiveSessions(ctx context.Context) {
	if bm.liveProvider == nil {
		bm.logger.Debug("No live sessions provider configured, skipping collection")
		return
	}

	counts, err := bm.liveProvider.LiveSessionCounts(ctx)
	if err != nil {
		bm.logger.Error("Failed to collect live session counts", zap.Error(err))
		return
	}

	for tenantID, models := range counts {
		for modelID, sessions := range models {
			bm.RecordLiveSessions(ctx, tenantID, modelID, int64(sessions))
		}
	}
}

// Stop stops the periodic collection.
func (bm *BillingMetrics) Stop() {
	bm.stopOnce.Do(func() {
		close(bm.stopChan)
	})
}

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = &MetricsError{Op: "NewBillingMetrics", Err: "meter cannot be nil"}

// MetricsError represents a metrics-related error.
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}
