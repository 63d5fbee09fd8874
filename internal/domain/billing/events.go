package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/metering/backend/internal/domain/shared"
)

const (
	EventUsageRecorded         = "billing.usage.recorded"
	EventLiveUsageCleared      = "billing.live.cleared"
	EventMonthClosed           = "billing.month.closed"
	EventConsolidationFinished = "billing.consolidation.completed"
)

// UsageRecordedEvent is published after a ledger entry has been durably
// appended. Duplicate submissions do not re-publish.
type UsageRecordedEvent struct {
	shared.BaseDomainEvent
	Source       Source          `json:"source"`
	ReferenceID  string          `json:"reference_id"`
	CreditsDelta decimal.Decimal `json:"credits_delta"`
	ModelID      string          `json:"model_id,omitempty"`
	TotalTokens  int64           `json:"total_tokens"`
}

func NewUsageRecordedEvent(entry *LedgerEntry) *UsageRecordedEvent {
	return &UsageRecordedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventUsageRecorded, "LedgerEntry", entry.ID, entry.TenantID),
		Source:          entry.Source,
		ReferenceID:     entry.ReferenceID,
		CreditsDelta:    entry.CreditsDelta,
		ModelID:         entry.ModelID,
		TotalTokens:     entry.TotalTokens(),
	}
}

// LiveUsageClearedEvent fires when the last live session for a
// (tenant, model) pair expires and the live counter drops to zero.
type LiveUsageClearedEvent struct {
	shared.BaseDomainEvent
	ModelID string    `json:"model_id"`
	Since   time.Time `json:"since"`
}

func NewLiveUsageClearedEvent(tenantID uuid.UUID, modelID string, since time.Time) *LiveUsageClearedEvent {
	return &LiveUsageClearedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventLiveUsageCleared, "LiveCounter", uuid.New(), tenantID),
		ModelID:         modelID,
		Since:           since,
	}
}

// MonthClosedEvent is published once per tenant when its monthly billing
// record freezes. Re-running consolidation for an already-frozen month
// does not re-publish.
type MonthClosedEvent struct {
	shared.BaseDomainEvent
	Year      int             `json:"year"`
	Month     time.Month      `json:"month"`
	SeatCount int             `json:"seat_count"`
	TotalDue  decimal.Decimal `json:"total_due"`
}

func NewMonthClosedEvent(record *MonthlyBillingRecord) *MonthClosedEvent {
	return &MonthClosedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventMonthClosed, "MonthlyBillingRecord", record.ID, record.TenantID),
		Year:            record.Year,
		Month:           record.Month,
		SeatCount:       record.SeatCount,
		TotalDue:        record.TotalDue,
	}
}

// ConsolidationFinishedEvent summarizes a completed daily run, successful
// or not. Per-tenant failures are carried in the counts, not as an error.
type ConsolidationFinishedEvent struct {
	shared.BaseDomainEvent
	Day           time.Time     `json:"day"`
	TenantsOK     int           `json:"tenants_ok"`
	TenantsFailed int           `json:"tenants_failed"`
	Elapsed       time.Duration `json:"elapsed"`
	Forced        bool          `json:"forced"`
}

func NewConsolidationFinishedEvent(runID uuid.UUID, day time.Time, ok, failed int, elapsed time.Duration, forced bool) *ConsolidationFinishedEvent {
	return &ConsolidationFinishedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventConsolidationFinished, "ConsolidationRun", runID, uuid.Nil),
		Day:             day,
		TenantsOK:       ok,
		TenantsFailed:   failed,
		Elapsed:         elapsed,
		Forced:          forced,
	}
}
