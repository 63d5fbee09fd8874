package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerEntryRepository persists the append-only credit ledger. Append is
// the idempotency anchor: a unique (source, reference_id) constraint makes
// replays collapse onto the original row.
type LedgerEntryRepository interface {
	// Append inserts the entry. When a row with the same (source,
	// reference_id) already exists, Append returns the existing row with
	// duplicate=true and no error.
	Append(ctx context.Context, entry *LedgerEntry) (*LedgerEntry, bool, error)
	FindByReference(ctx context.Context, source Source, referenceID string) (*LedgerEntry, error)
	// SumCreditsByTenant returns the tenant's current balance, the sum of
	// all credit deltas.
	SumCreditsByTenant(ctx context.Context, tenantID uuid.UUID) (decimal.Decimal, error)
	// SumCreditsByTenantAsOf returns the balance at a point in time: the sum
	// of deltas over entries with created_at <= asOf, ties on created_at
	// resolved by seq. For any t1 < t2 the difference of the two sums equals
	// the sum of deltas appended in (t1, t2].
	SumCreditsByTenantAsOf(ctx context.Context, tenantID uuid.UUID, asOf time.Time) (decimal.Decimal, error)
	// ListByTenantAndDay returns the tenant's entries for the UTC day in
	// (occurred_at, seq) order, for deterministic daily recompute.
	ListByTenantAndDay(ctx context.Context, tenantID uuid.UUID, day time.Time) ([]*LedgerEntry, error)
	DistinctTenantsForDay(ctx context.Context, day time.Time) ([]uuid.UUID, error)
}

// DailyUsageRepository stores per-(tenant, day) aggregates. Upsert replaces
// the existing row so recompute stays idempotent.
type DailyUsageRepository interface {
	Upsert(ctx context.Context, aggregate *DailyUsageAggregate) error
	Find(ctx context.Context, tenantID uuid.UUID, day time.Time) (*DailyUsageAggregate, error)
	ListByTenantAndMonth(ctx context.Context, tenantID uuid.UUID, year int, month time.Month) ([]*DailyUsageAggregate, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MonthlyBillingRepository stores month-end invoices. Frozen records are
// immutable; Save must refuse to overwrite one.
type MonthlyBillingRepository interface {
	Save(ctx context.Context, record *MonthlyBillingRecord) error
	FindByTenantMonth(ctx context.Context, tenantID uuid.UUID, year int, month time.Month) (*MonthlyBillingRecord, error)
	// TenantsWithOpenRecords lists tenants whose record for the period is
	// missing or not yet frozen.
	TenantsWithOpenRecords(ctx context.Context, year int, month time.Month) ([]uuid.UUID, error)
}

// BillingSeatRepository tracks which users occupy billable seats.
type BillingSeatRepository interface {
	Upsert(ctx context.Context, seat *BillingSeat) error
	FindActiveInMonth(ctx context.Context, tenantID uuid.UUID, year int, month time.Month) ([]*BillingSeat, error)
	Deactivate(ctx context.Context, tenantID, userID uuid.UUID, at time.Time) error
}
