package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metering/backend/internal/domain/billing"
)

func TestTenantDirectory_ListTenantIDs(t *testing.T) {
	db := setupMonthlyBillingTestDB(t)
	dir := NewTenantDirectory(db)
	ctx := context.Background()

	seatTenant := uuid.New()
	recordTenant := uuid.New()
	bothTenant := uuid.New()

	for _, tenantID := range []uuid.UUID{seatTenant, bothTenant} {
		seat, err := billing.NewBillingSeat(tenantID, uuid.New(), time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		require.NoError(t, NewBillingSeatRepository(db).Upsert(ctx, seat))
	}

	monthlyRepo := NewMonthlyBillingRepository(db)
	for _, tenantID := range []uuid.UUID{recordTenant, bothTenant} {
		record, err := billing.NewMonthlyBillingRecord(tenantID, 2026, time.July)
		require.NoError(t, err)
		require.NoError(t, monthlyRepo.Save(ctx, record))
	}

	ids, err := dir.ListTenantIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.Contains(t, ids, seatTenant)
	assert.Contains(t, ids, recordTenant)
	assert.Contains(t, ids, bothTenant)
}

func TestTenantDirectory_ListTenantIDsEmpty(t *testing.T) {
	db := setupMonthlyBillingTestDB(t)

	ids, err := NewTenantDirectory(db).ListTenantIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}
