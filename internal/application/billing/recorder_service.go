package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/domain/shared"
)

// RecordResult is the outcome of submitting one usage event
type RecordResult struct {
	Accepted      bool   `json:"accepted"`
	Duplicate     bool   `json:"duplicate"`
	LedgerEntryID string `json:"ledger_entry_id"`
}

// UsageRecorderService is the hot ingestion path: it turns validated usage
// events into ledger entries exactly once. Safety under at-least-once
// delivery comes from two layers - a best-effort replay pre-check in front,
// and the ledger's (source, reference_id) uniqueness behind it. The
// pre-check may fail open; the constraint may not.
type UsageRecorderService struct {
	ledgerRepo  billing.LedgerEntryRepository
	reference   ReferenceResolver
	liveTracker LiveUsageTracker
	precheck    shared.IdempotencyStore
	publisher   shared.EventPublisher
	logger      *zap.Logger

	homeCurrency  string
	markupPercent decimal.Decimal
	precheckTTL   time.Duration
}

// UsageRecorderConfig contains configuration for UsageRecorderService
type UsageRecorderConfig struct {
	HomeCurrency  string
	MarkupPercent decimal.Decimal // e.g. 20 for a 20% platform markup
	PrecheckTTL   time.Duration
}

// DefaultUsageRecorderConfig returns default recorder configuration
func DefaultUsageRecorderConfig() UsageRecorderConfig {
	return UsageRecorderConfig{
		HomeCurrency:  "USD",
		MarkupPercent: decimal.NewFromInt(20),
		PrecheckTTL:   24 * time.Hour,
	}
}

// NewUsageRecorderService creates a new UsageRecorderService
func NewUsageRecorderService(
	ledgerRepo billing.LedgerEntryRepository,
	reference ReferenceResolver,
	liveTracker LiveUsageTracker,
	precheck shared.IdempotencyStore,
	publisher shared.EventPublisher,
	logger *zap.Logger,
	config UsageRecorderConfig,
) *UsageRecorderService {
	if config.HomeCurrency == "" {
		config.HomeCurrency = "USD"
	}
	if config.PrecheckTTL <= 0 {
		config.PrecheckTTL = 24 * time.Hour
	}
	return &UsageRecorderService{
		ledgerRepo:    ledgerRepo,
		reference:     reference,
		liveTracker:   liveTracker,
		precheck:      precheck,
		publisher:     publisher,
		logger:        logger,
		homeCurrency:  config.HomeCurrency,
		markupPercent: config.MarkupPercent,
		precheckTTL:   config.PrecheckTTL,
	}
}

// Record ingests one usage event. Validation failures are terminal and must
// not be retried; transient store failures surface as STORE_UNAVAILABLE and
// are safe to retry with the same reference id.
func (s *UsageRecorderService) Record(ctx context.Context, event *billing.UsageEvent) (*RecordResult, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	if dup := s.seenBefore(ctx, event.IdempotencyKey()); dup {
		existing, err := s.ledgerRepo.FindByReference(ctx, event.Source, event.ReferenceID)
		if err == nil {
			s.logger.Debug("Duplicate event short-circuited by pre-check",
				zap.String("reference_id", event.ReferenceID),
				zap.String("source", event.Source.String()))
			return &RecordResult{Accepted: true, Duplicate: true, LedgerEntryID: existing.ID.String()}, nil
		}
		// Pre-check hit but no ledger row: a previous attempt marked the key
		// and then failed to append. Fall through to the constraint.
	}

	entry, err := s.buildEntry(ctx, event)
	if err != nil {
		return nil, err
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	appended, duplicate, err := s.ledgerRepo.Append(ctx, entry)
	if err != nil {
		return nil, err
	}

	s.markSeen(ctx, event.IdempotencyKey())

	if duplicate {
		return &RecordResult{Accepted: true, Duplicate: true, LedgerEntryID: appended.ID.String()}, nil
	}

	if event.Source == billing.SourceLLMUsage && s.liveTracker != nil && event.UserID != uuid.Nil {
		s.liveTracker.Touch(event.TenantID, event.ModelID, event.UserID.String())
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, billing.NewUsageRecordedEvent(appended)); err != nil {
			s.logger.Warn("Failed to publish usage recorded event",
				zap.String("entry_id", appended.ID.String()), zap.Error(err))
		}
	}

	return &RecordResult{Accepted: true, Duplicate: false, LedgerEntryID: appended.ID.String()}, nil
}

func (s *UsageRecorderService) buildEntry(ctx context.Context, event *billing.UsageEvent) (*billing.LedgerEntry, error) {
	switch event.Source {
	case billing.SourceLLMUsage:
		cost, err := s.costEvent(ctx, event)
		if err != nil {
			return nil, err
		}
		return billing.NewUsageLedgerEntry(event, cost), nil
	case billing.SourcePurchase:
		rate, degraded := s.rateFor(ctx, event.Currency, event.OccurredAt)
		entry := billing.NewPurchaseLedgerEntry(event.TenantID, event.ReferenceID, event.RawCost, event.Currency, rate)
		if degraded {
			entry.Metadata["reference_degraded"] = true
		}
		return entry, nil
	case billing.SourceAdjustment:
		rate, _ := s.rateFor(ctx, event.Currency, event.OccurredAt)
		entry := billing.NewPurchaseLedgerEntry(event.TenantID, event.ReferenceID, event.RawCost, event.Currency, rate)
		entry.Source = billing.SourceAdjustment
		return entry, nil
	default:
		return nil, shared.NewDomainError("VALIDATION_FAILED", "Source cannot be recorded directly: "+event.Source.String())
	}
}

// costEvent resolves the event's cost in home currency with markup applied.
// Reference outages never reject usage: the resolver's fallback snapshot is
// used and the resulting entry is marked degraded. A model missing from the
// price table is different from an outage - with no provider-reported cost
// there is nothing to bill, so the event is rejected rather than recorded
// as free usage.
func (s *UsageRecorderService) costEvent(ctx context.Context, event *billing.UsageEvent) (billing.CostBreakdown, error) {
	snapshot, err := s.reference.Resolve(ctx, event.Currency, s.eventDate(event))
	if err != nil {
		return billing.CostBreakdown{}, err
	}

	raw := event.RawCost
	if raw.IsZero() {
		tableCost, ok := snapshot.Prices.CostFor(event.ModelID, event.InputTokens, event.OutputTokens)
		if !ok {
			return billing.CostBreakdown{}, shared.NewDomainError("VALIDATION_FAILED",
				"Unknown model and no provider cost reported: "+event.ModelID)
		}
		raw = tableCost
	}
	rawHome := raw.Mul(snapshot.Rate)
	markup := rawHome.Mul(decimal.NewFromInt(100).Add(s.markupPercent)).Div(decimal.NewFromInt(100))

	return billing.CostBreakdown{
		RawCost:     raw,
		Currency:    event.Currency,
		FXRate:      snapshot.Rate,
		RawCostHome: rawHome,
		MarkupCost:  markup,
		Degraded:    snapshot.Degraded,
	}, nil
}

func (s *UsageRecorderService) rateFor(ctx context.Context, currency string, at time.Time) (decimal.Decimal, bool) {
	if currency == s.homeCurrency {
		return decimal.NewFromInt(1), false
	}
	snapshot, err := s.reference.Resolve(ctx, currency, at)
	if err != nil {
		s.logger.Warn("Reference resolve failed for purchase, assuming parity",
			zap.String("currency", currency), zap.Error(err))
		return decimal.NewFromInt(1), true
	}
	return snapshot.Rate, snapshot.Degraded
}

func (s *UsageRecorderService) eventDate(event *billing.UsageEvent) time.Time {
	if event.OccurredAt.IsZero() {
		return time.Now().UTC()
	}
	return event.OccurredAt
}

// seenBefore asks the pre-check store whether the key was already recorded.
// Any store error means "unknown" - the ledger constraint decides.
func (s *UsageRecorderService) seenBefore(ctx context.Context, key string) bool {
	if s.precheck == nil {
		return false
	}
	seen, err := s.precheck.IsProcessed(ctx, key)
	if err != nil {
		s.logger.Warn("Idempotency pre-check unavailable", zap.Error(err))
		return false
	}
	return seen
}

func (s *UsageRecorderService) markSeen(ctx context.Context, key string) {
	if s.precheck == nil {
		return
	}
	if _, err := s.precheck.MarkProcessed(ctx, key, s.precheckTTL); err != nil {
		s.logger.Warn("Failed to mark idempotency key", zap.Error(err))
	}
}
