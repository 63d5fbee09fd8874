package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/shared"
)

// BillingSeat records one user's subscription presence for a tenant.
// The identity collaborator maintains these through the seat repository;
// this context only reads them at month close.
type BillingSeat struct {
	shared.BaseEntity
	TenantID    uuid.UUID
	UserID      uuid.UUID
	ActiveFrom  time.Time
	ActiveUntil *time.Time // nil = still active
}

// NewBillingSeat creates a seat active from the given time
func NewBillingSeat(tenantID, userID uuid.UUID, activeFrom time.Time) (*BillingSeat, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if userID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_INPUT", "User ID cannot be empty")
	}
	return &BillingSeat{
		BaseEntity: shared.NewBaseEntity(),
		TenantID:   tenantID,
		UserID:     userID,
		ActiveFrom: activeFrom.UTC(),
	}, nil
}

// Deactivate closes the seat at the given time
func (s *BillingSeat) Deactivate(at time.Time) {
	t := at.UTC()
	s.ActiveUntil = &t
}

// ActiveDuring reports whether the seat was active at any point in the month
func (s *BillingSeat) ActiveDuring(year int, month time.Month) bool {
	monthStart := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)
	if !s.ActiveFrom.Before(monthEnd) {
		return false
	}
	return s.ActiveUntil == nil || s.ActiveUntil.After(monthStart)
}

// ActiveAtMonthEnd reports whether the seat is active on the last day of
// the month, which is when the tier-determining seat count is taken.
func (s *BillingSeat) ActiveAtMonthEnd(year int, month time.Month) bool {
	lastDay := time.Date(year, month, DaysInMonth(year, month), 0, 0, 0, 0, time.UTC)
	if s.ActiveFrom.After(lastDay) {
		return false
	}
	return s.ActiveUntil == nil || s.ActiveUntil.After(lastDay)
}

// DayAdded returns the 1-based day of the month the seat became active,
// or 1 when the seat predates the month.
func (s *BillingSeat) DayAdded(year int, month time.Month) int {
	monthStart := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	if s.ActiveFrom.Before(monthStart) {
		return 1
	}
	return s.ActiveFrom.Day()
}
