package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/domain/shared"
)

// BalanceView is a tenant's current credit position
type BalanceView struct {
	TenantID uuid.UUID       `json:"tenant_id"`
	Balance  decimal.Decimal `json:"balance"`
	AsOf     time.Time       `json:"as_of"`
}

// MonthlySummaryView combines the frozen subscription invoice with the
// month's consolidated usage
type MonthlySummaryView struct {
	TenantID       uuid.UUID                      `json:"tenant_id"`
	Year           int                            `json:"year"`
	Month          time.Month                     `json:"month"`
	Record         *billing.MonthlyBillingRecord  `json:"record,omitempty"`
	Days           []*billing.DailyUsageAggregate `json:"days"`
	UsageTokens    int64                          `json:"usage_tokens"`
	UsageRequests  int64                          `json:"usage_requests"`
	UsageCost      decimal.Decimal                `json:"usage_cost"`
	SubscriptionOK bool                           `json:"subscription_closed"`
}

// BillingQueryService serves read paths and the refund command. Balance is
// always computed live from the ledger - there is no cached balance column
// to drift out of sync.
type BillingQueryService struct {
	ledgerRepo  billing.LedgerEntryRepository
	dailyRepo   billing.DailyUsageRepository
	monthlyRepo billing.MonthlyBillingRepository
	liveTracker LiveUsageTracker
	publisher   shared.EventPublisher
	logger      *zap.Logger
}

// NewBillingQueryService creates a new BillingQueryService
func NewBillingQueryService(
	ledgerRepo billing.LedgerEntryRepository,
	dailyRepo billing.DailyUsageRepository,
	monthlyRepo billing.MonthlyBillingRepository,
	liveTracker LiveUsageTracker,
	publisher shared.EventPublisher,
	logger *zap.Logger,
) *BillingQueryService {
	return &BillingQueryService{
		ledgerRepo:  ledgerRepo,
		dailyRepo:   dailyRepo,
		monthlyRepo: monthlyRepo,
		liveTracker: liveTracker,
		publisher:   publisher,
		logger:      logger,
	}
}

// Balance returns the tenant's credit balance from the ledger. A zero asOf
// means now; a non-zero asOf sums only entries appended up to and including
// that instant, so historical balances stay reproducible after later writes.
func (s *BillingQueryService) Balance(ctx context.Context, tenantID uuid.UUID, asOf time.Time) (*BalanceView, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if asOf.IsZero() {
		balance, err := s.ledgerRepo.SumCreditsByTenant(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return &BalanceView{TenantID: tenantID, Balance: balance, AsOf: time.Now().UTC()}, nil
	}
	balance, err := s.ledgerRepo.SumCreditsByTenantAsOf(ctx, tenantID, asOf)
	if err != nil {
		return nil, err
	}
	return &BalanceView{TenantID: tenantID, Balance: balance, AsOf: asOf.UTC()}, nil
}

// Refund appends an offsetting entry for an earlier ledger entry. The
// original row is never touched. Refunding twice returns the first refund
// entry as a duplicate.
func (s *BillingQueryService) Refund(ctx context.Context, source billing.Source, referenceID, reason string) (*RecordResult, error) {
	if referenceID == "" {
		return nil, shared.NewDomainError("VALIDATION_FAILED", "Reference ID cannot be empty")
	}
	if source == billing.SourceRefund {
		return nil, shared.NewDomainError("VALIDATION_FAILED", "Cannot refund a refund entry")
	}

	original, err := s.ledgerRepo.FindByReference(ctx, source, referenceID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.NewDomainError("NOT_FOUND", "No ledger entry found for reference: "+referenceID)
		}
		return nil, err
	}

	refund := billing.NewRefundLedgerEntry(original, reason)
	appended, duplicate, err := s.ledgerRepo.Append(ctx, refund)
	if err != nil {
		return nil, err
	}

	if !duplicate && s.publisher != nil {
		if err := s.publisher.Publish(ctx, billing.NewUsageRecordedEvent(appended)); err != nil {
			s.logger.Warn("Failed to publish refund event", zap.Error(err))
		}
	}

	return &RecordResult{Accepted: true, Duplicate: duplicate, LedgerEntryID: appended.ID.String()}, nil
}

// MonthlySummary assembles the billing view for a tenant's month: the
// frozen record if the month has closed, plus the daily usage aggregates.
func (s *BillingQueryService) MonthlySummary(ctx context.Context, tenantID uuid.UUID, year int, month time.Month) (*MonthlySummaryView, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if month < time.January || month > time.December {
		return nil, shared.NewDomainError("INVALID_INPUT", "Month out of range")
	}

	view := &MonthlySummaryView{
		TenantID:  tenantID,
		Year:      year,
		Month:     month,
		UsageCost: decimal.Zero,
	}

	record, err := s.monthlyRepo.FindByTenantMonth(ctx, tenantID, year, month)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}
	if record != nil {
		view.Record = record
		view.SubscriptionOK = record.Frozen
	}

	days, err := s.dailyRepo.ListByTenantAndMonth(ctx, tenantID, year, month)
	if err != nil {
		return nil, err
	}
	view.Days = days
	for _, day := range days {
		view.UsageTokens += day.TotalTokens
		view.UsageRequests += day.TotalRequests
		view.UsageCost = view.UsageCost.Add(day.MarkupCost)
	}
	return view, nil
}

// LiveUsage returns current live session counts, optionally scoped to one
// tenant. Counts are approximate and reset on restart.
func (s *BillingQueryService) LiveUsage(tenantID uuid.UUID) []LiveCount {
	if s.liveTracker == nil {
		return []LiveCount{}
	}
	if tenantID == uuid.Nil {
		return s.liveTracker.SnapshotAll()
	}
	return s.liveTracker.Snapshot(tenantID)
}
