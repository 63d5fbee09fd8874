package integration

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/infrastructure/persistence"
)

// TestMain runs before any tests and handles cleanup
func TestMain(m *testing.M) {
	code := m.Run()
	CleanupSharedContainer()
	os.Exit(code)
}

// TestLedgerEntryRepository_Integration tests the append-only ledger against
// a real PostgreSQL database, including the unique-index conflict path that
// sqlite-backed unit tests cannot fully exercise.
func TestLedgerEntryRepository_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := NewTestDB(t)
	repo := persistence.NewLedgerEntryRepository(testDB.DB)
	ctx := context.Background()

	t.Run("Append and FindByReference", func(t *testing.T) {
		tenantID := uuid.New()
		entry := billing.NewPurchaseLedgerEntry(tenantID, "txn-append-1", decimal.NewFromInt(50), "USD", decimal.NewFromInt(1))

		saved, duplicate, err := repo.Append(ctx, entry)
		require.NoError(t, err)
		assert.False(t, duplicate)
		assert.Equal(t, entry.ID, saved.ID)
		assert.Greater(t, saved.Seq, int64(0), "store should assign a sequence number")

		found, err := repo.FindByReference(ctx, billing.SourcePurchase, "txn-append-1")
		require.NoError(t, err)
		assert.Equal(t, entry.ID, found.ID)
		assert.Equal(t, tenantID, found.TenantID)
		assert.True(t, found.CreditsDelta.Equal(decimal.NewFromInt(50)))
	})

	t.Run("FindByReference returns ErrNotFound for unknown keys", func(t *testing.T) {
		_, err := repo.FindByReference(ctx, billing.SourcePurchase, "txn-never-written")
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("Duplicate append returns the first entry", func(t *testing.T) {
		tenantID := uuid.New()
		first := billing.NewPurchaseLedgerEntry(tenantID, "txn-dup-1", decimal.NewFromInt(20), "USD", decimal.NewFromInt(1))

		saved, duplicate, err := repo.Append(ctx, first)
		require.NoError(t, err)
		require.False(t, duplicate)

		// Same (source, reference_id), different entity and amount. The
		// stored row must not change.
		second := billing.NewPurchaseLedgerEntry(tenantID, "txn-dup-1", decimal.NewFromInt(9999), "USD", decimal.NewFromInt(1))
		replayed, duplicate, err := repo.Append(ctx, second)
		require.NoError(t, err)
		assert.True(t, duplicate)
		assert.Equal(t, saved.ID, replayed.ID)
		assert.True(t, replayed.CreditsDelta.Equal(decimal.NewFromInt(20)))
	})

	t.Run("Concurrent appends of one reference insert a single row", func(t *testing.T) {
		tenantID := uuid.New()
		const writers = 10

		var (
			wg         sync.WaitGroup
			mu         sync.Mutex
			duplicates int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				entry := billing.NewPurchaseLedgerEntry(tenantID, "txn-race-1", decimal.NewFromInt(10), "USD", decimal.NewFromInt(1))
				_, dup, err := repo.Append(ctx, entry)
				assert.NoError(t, err)
				mu.Lock()
				if dup {
					duplicates++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Equal(t, writers-1, duplicates, "exactly one append should win")

		var count int64
		err := testDB.DB.Model(&persistence.LedgerEntryModel{}).
			Where("tenant_id = ? AND reference_id = ?", tenantID, "txn-race-1").
			Count(&count).Error
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		balance, err := repo.SumCreditsByTenant(ctx, tenantID)
		require.NoError(t, err)
		assert.True(t, balance.Equal(decimal.NewFromInt(10)), "balance should count the row once, got %s", balance)
	})

	t.Run("SumCreditsByTenant nets purchases against usage", func(t *testing.T) {
		tenantID := uuid.New()

		purchase := billing.NewPurchaseLedgerEntry(tenantID, "txn-sum-1", decimal.NewFromInt(100), "USD", decimal.NewFromInt(1))
		_, _, err := repo.Append(ctx, purchase)
		require.NoError(t, err)

		usage := billing.NewUsageLedgerEntry(&billing.UsageEvent{
			ReferenceID:  "gen-sum-1",
			Source:       billing.SourceLLMUsage,
			TenantID:     tenantID,
			ModelID:      "gpt-4o",
			InputTokens:  1200,
			OutputTokens: 300,
			RawCost:      decimal.NewFromFloat(0.03),
			Currency:     "USD",
			OccurredAt:   time.Now().UTC(),
		}, billing.CostBreakdown{
			RawCost:     decimal.NewFromFloat(0.03),
			Currency:    "USD",
			FXRate:      decimal.NewFromInt(1),
			RawCostHome: decimal.NewFromFloat(0.03),
			MarkupCost:  decimal.NewFromFloat(0.036),
		})
		_, _, err = repo.Append(ctx, usage)
		require.NoError(t, err)

		refund := billing.NewRefundLedgerEntry(usage, "customer complaint")
		_, _, err = repo.Append(ctx, refund)
		require.NoError(t, err)

		balance, err := repo.SumCreditsByTenant(ctx, tenantID)
		require.NoError(t, err)
		assert.True(t, balance.Equal(decimal.NewFromInt(100)), "refund should cancel the usage, got %s", balance)
	})

	t.Run("Balance differences equal the deltas appended between cutoffs", func(t *testing.T) {
		tenantID := uuid.New()
		base := time.Date(2024, 4, 10, 8, 0, 0, 0, time.UTC)

		amounts := []int64{100, -30, 45, -5}
		for i, amount := range amounts {
			entry := billing.NewPurchaseLedgerEntry(tenantID, fmt.Sprintf("txn-cons-%d", i), decimal.NewFromInt(amount), "USD", decimal.NewFromInt(1))
			entry.CreatedAt = base.Add(time.Duration(i) * time.Hour)
			_, _, err := repo.Append(ctx, entry)
			require.NoError(t, err)
		}

		// A cutoff between entry i and i+1 must see exactly the prefix sum,
		// and the difference of any two cutoffs must equal the deltas written
		// in between. Later writes never disturb an earlier cutoff.
		prefix := decimal.Zero
		cutoffs := make([]decimal.Decimal, len(amounts))
		for i, amount := range amounts {
			prefix = prefix.Add(decimal.NewFromInt(amount))
			balance, err := repo.SumCreditsByTenantAsOf(ctx, tenantID, base.Add(time.Duration(i)*time.Hour+30*time.Minute))
			require.NoError(t, err)
			assert.True(t, prefix.Equal(balance), "cutoff %d: want %s, got %s", i, prefix, balance)
			cutoffs[i] = balance
		}

		diff := cutoffs[3].Sub(cutoffs[1])
		assert.True(t, decimal.NewFromInt(40).Equal(diff), "deltas in (t1, t3] should be 45-5, got %s", diff)

		full, err := repo.SumCreditsByTenant(ctx, tenantID)
		require.NoError(t, err)
		assert.True(t, full.Equal(cutoffs[3]))
	})

	t.Run("ListByTenantAndDay and DistinctTenantsForDay honor day windows", func(t *testing.T) {
		tenantA := uuid.New()
		tenantB := uuid.New()
		yesterday := billing.Midnight(time.Now().UTC().AddDate(0, 0, -1))

		for i, tenantID := range []uuid.UUID{tenantA, tenantA, tenantB} {
			entry := billing.NewPurchaseLedgerEntry(tenantID, fmt.Sprintf("txn-day-%d", i), decimal.NewFromInt(5), "USD", decimal.NewFromInt(1))
			entry.CreatedAt = yesterday.Add(time.Duration(i+1) * time.Hour)
			_, _, err := repo.Append(ctx, entry)
			require.NoError(t, err)
		}

		// Same tenant, different day: must stay out of yesterday's window.
		today := billing.NewPurchaseLedgerEntry(tenantA, "txn-day-today", decimal.NewFromInt(5), "USD", decimal.NewFromInt(1))
		_, _, err := repo.Append(ctx, today)
		require.NoError(t, err)

		entries, err := repo.ListByTenantAndDay(ctx, tenantA, yesterday)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Less(t, entries[0].Seq, entries[1].Seq, "entries should come back in insertion order")

		tenants, err := repo.DistinctTenantsForDay(ctx, yesterday)
		require.NoError(t, err)
		assert.Contains(t, tenants, tenantA)
		assert.Contains(t, tenants, tenantB)
	})
}
