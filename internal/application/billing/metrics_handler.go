package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/domain/shared"
)

// BillingMetricsRecorder records metric samples for billing activity. The
// telemetry layer provides the OTLP-backed implementation.
type BillingMetricsRecorder interface {
	RecordUsageEvent(ctx context.Context, tenantID uuid.UUID, source, outcome string)
	RecordCreditsConsumed(ctx context.Context, tenantID uuid.UUID, modelID string, credits decimal.Decimal)
	RecordConsolidationRun(ctx context.Context, tenantFailures, monthsClosed int)
}

// BillingMetricsHandler turns billing domain events into metric samples.
// It subscribes to ledger and consolidation events so the hot recording
// path never blocks on metric export.
type BillingMetricsHandler struct {
	recorder BillingMetricsRecorder
	logger   *zap.Logger
}

// NewBillingMetricsHandler creates a new handler for billing metric events
func NewBillingMetricsHandler(recorder BillingMetricsRecorder, logger *zap.Logger) *BillingMetricsHandler {
	return &BillingMetricsHandler{
		recorder: recorder,
		logger:   logger,
	}
}

// EventTypes returns the event types this handler is interested in
func (h *BillingMetricsHandler) EventTypes() []string {
	return []string{
		billing.EventUsageRecorded,
		billing.EventMonthClosed,
		billing.EventConsolidationFinished,
	}
}

// Handle records the metric sample for one billing event
func (h *BillingMetricsHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	switch e := event.(type) {
	case *billing.UsageRecordedEvent:
		h.recorder.RecordUsageEvent(ctx, e.TenantID(), e.Source.String(), "accepted")
		if e.CreditsDelta.IsNegative() {
			h.recorder.RecordCreditsConsumed(ctx, e.TenantID(), e.ModelID, e.CreditsDelta.Neg())
		}
	case *billing.MonthClosedEvent:
		h.recorder.RecordConsolidationRun(ctx, 0, 1)
	case *billing.ConsolidationFinishedEvent:
		h.recorder.RecordConsolidationRun(ctx, e.TenantsFailed, 0)
	default:
		h.logger.Error("unexpected event type",
			zap.String("event_type", event.EventType()),
		)
		return fmt.Errorf("unexpected event type: %s", event.EventType())
	}
	return nil
}
