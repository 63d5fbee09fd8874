package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/domain/shared"
)

// mockLedgerRepo is a mock implementation of billing.LedgerEntryRepository
type mockLedgerRepo struct {
	mock.Mock
}

// Append echoes the input entry when the test returns nil for the entry,
// mirroring a successful insert of whatever the service built.
func (m *mockLedgerRepo) Append(ctx context.Context, entry *billing.LedgerEntry) (*billing.LedgerEntry, bool, error) {
	args := m.Called(ctx, entry)
	if args.Get(0) == nil {
		if args.Error(2) != nil {
			return nil, args.Bool(1), args.Error(2)
		}
		return entry, args.Bool(1), nil
	}
	return args.Get(0).(*billing.LedgerEntry), args.Bool(1), args.Error(2)
}

func (m *mockLedgerRepo) FindByReference(ctx context.Context, source billing.Source, referenceID string) (*billing.LedgerEntry, error) {
	args := m.Called(ctx, source, referenceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.LedgerEntry), args.Error(1)
}

func (m *mockLedgerRepo) SumCreditsByTenant(ctx context.Context, tenantID uuid.UUID) (decimal.Decimal, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockLedgerRepo) SumCreditsByTenantAsOf(ctx context.Context, tenantID uuid.UUID, asOf time.Time) (decimal.Decimal, error) {
	args := m.Called(ctx, tenantID, asOf)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockLedgerRepo) ListByTenantAndDay(ctx context.Context, tenantID uuid.UUID, day time.Time) ([]*billing.LedgerEntry, error) {
	args := m.Called(ctx, tenantID, day)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*billing.LedgerEntry), args.Error(1)
}

func (m *mockLedgerRepo) DistinctTenantsForDay(ctx context.Context, day time.Time) ([]uuid.UUID, error) {
	args := m.Called(ctx, day)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

// mockDailyRepo is a mock implementation of billing.DailyUsageRepository
type mockDailyRepo struct {
	mock.Mock
}

func (m *mockDailyRepo) Upsert(ctx context.Context, aggregate *billing.DailyUsageAggregate) error {
	args := m.Called(ctx, aggregate)
	return args.Error(0)
}

func (m *mockDailyRepo) Find(ctx context.Context, tenantID uuid.UUID, day time.Time) (*billing.DailyUsageAggregate, error) {
	args := m.Called(ctx, tenantID, day)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.DailyUsageAggregate), args.Error(1)
}

func (m *mockDailyRepo) ListByTenantAndMonth(ctx context.Context, tenantID uuid.UUID, year int, month time.Month) ([]*billing.DailyUsageAggregate, error) {
	args := m.Called(ctx, tenantID, year, month)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*billing.DailyUsageAggregate), args.Error(1)
}

func (m *mockDailyRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// mockMonthlyRepo is a mock implementation of billing.MonthlyBillingRepository
type mockMonthlyRepo struct {
	mock.Mock
}

func (m *mockMonthlyRepo) Save(ctx context.Context, record *billing.MonthlyBillingRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *mockMonthlyRepo) FindByTenantMonth(ctx context.Context, tenantID uuid.UUID, year int, month time.Month) (*billing.MonthlyBillingRecord, error) {
	args := m.Called(ctx, tenantID, year, month)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.MonthlyBillingRecord), args.Error(1)
}

func (m *mockMonthlyRepo) TenantsWithOpenRecords(ctx context.Context, year int, month time.Month) ([]uuid.UUID, error) {
	args := m.Called(ctx, year, month)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

// mockSeatRepo is a mock implementation of billing.BillingSeatRepository
type mockSeatRepo struct {
	mock.Mock
}

func (m *mockSeatRepo) Upsert(ctx context.Context, seat *billing.BillingSeat) error {
	args := m.Called(ctx, seat)
	return args.Error(0)
}

func (m *mockSeatRepo) FindActiveInMonth(ctx context.Context, tenantID uuid.UUID, year int, month time.Month) ([]*billing.BillingSeat, error) {
	args := m.Called(ctx, tenantID, year, month)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*billing.BillingSeat), args.Error(1)
}

func (m *mockSeatRepo) Deactivate(ctx context.Context, tenantID, userID uuid.UUID, at time.Time) error {
	args := m.Called(ctx, tenantID, userID, at)
	return args.Error(0)
}

// mockReferenceResolver is a mock implementation of ReferenceResolver
type mockReferenceResolver struct {
	mock.Mock
}

func (m *mockReferenceResolver) Resolve(ctx context.Context, currency string, date time.Time) (*billing.ReferenceSnapshot, error) {
	args := m.Called(ctx, currency, date)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.ReferenceSnapshot), args.Error(1)
}

func (m *mockReferenceResolver) Refresh(ctx context.Context, currency string, date time.Time) (*billing.ReferenceSnapshot, error) {
	args := m.Called(ctx, currency, date)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.ReferenceSnapshot), args.Error(1)
}

// mockLiveTracker is a mock implementation of LiveUsageTracker
type mockLiveTracker struct {
	mock.Mock
}

func (m *mockLiveTracker) Touch(tenantID uuid.UUID, modelID string, sessionID string) {
	m.Called(tenantID, modelID, sessionID)
}

func (m *mockLiveTracker) Snapshot(tenantID uuid.UUID) []LiveCount {
	args := m.Called(tenantID)
	return args.Get(0).([]LiveCount)
}

func (m *mockLiveTracker) SnapshotAll() []LiveCount {
	args := m.Called()
	return args.Get(0).([]LiveCount)
}

func (m *mockLiveTracker) Close() {
	m.Called()
}

// mockDirectory is a mock implementation of TenantDirectory
type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) ListTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

// mockPrecheck is a mock implementation of shared.IdempotencyStore
type mockPrecheck struct {
	mock.Mock
}

func (m *mockPrecheck) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *mockPrecheck) IsProcessed(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *mockPrecheck) Close() error {
	args := m.Called()
	return args.Error(0)
}

// mockPublisher is a mock implementation of shared.EventPublisher
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	args := m.Called(ctx, events)
	return args.Error(0)
}
