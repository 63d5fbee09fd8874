package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// SeatCharge is one user's line in the month-end seat breakdown,
// kept for auditability of the proportional billing.
type SeatCharge struct {
	UserID     uuid.UUID       `json:"user_id"`
	DayAdded   int             `json:"day_added"`
	DaysActive int             `json:"days_active"`
	Proportion decimal.Decimal `json:"proportion"`
	Amount     decimal.Decimal `json:"amount"`
}

// MonthlyBillingRecord is the subscription invoice for one tenant-month.
// It is created open at the month's start (or first activity), closed by
// the rollover phase of the nightly batch, and immutable once frozen.
type MonthlyBillingRecord struct {
	shared.BaseEntity
	TenantID  uuid.UUID
	Year      int
	Month     time.Month
	TierPrice decimal.Decimal // per-seat price of the tier selected at close
	SeatCount int             // seats active at month end (tier basis)
	Seats     []SeatCharge
	TotalDue  decimal.Decimal
	Frozen    bool
	FrozenAt  *time.Time
}

// NewMonthlyBillingRecord opens an empty record for a tenant-month
func NewMonthlyBillingRecord(tenantID uuid.UUID, year int, month time.Month) (*MonthlyBillingRecord, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if month < time.January || month > time.December {
		return nil, shared.NewDomainError("INVALID_INPUT", "Month out of range")
	}
	return &MonthlyBillingRecord{
		BaseEntity: shared.NewBaseEntity(),
		TenantID:   tenantID,
		Year:       year,
		Month:      month,
		TierPrice:  decimal.Zero,
		TotalDue:   decimal.Zero,
		Seats:      make([]SeatCharge, 0),
	}, nil
}

// Freeze marks the record immutable. Freezing twice is rejected, which is
// the guard that makes month-end rollover re-runs no-ops.
func (r *MonthlyBillingRecord) Freeze(at time.Time) error {
	if r.Frozen {
		return shared.ErrRecordFrozen
	}
	r.Frozen = true
	t := at.UTC()
	r.FrozenAt = &t
	return nil
}

// PeriodKey returns a YYYY-MM key for the record's month
func (r *MonthlyBillingRecord) PeriodKey() string {
	return time.Date(r.Year, r.Month, 1, 0, 0, 0, 0, time.UTC).Format("2006-01")
}
