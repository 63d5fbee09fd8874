package billing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usageEntry(tenantID uuid.UUID, model string, in, out int64, markup float64) *LedgerEntry {
	event := &UsageEvent{
		ReferenceID:  uuid.NewString(),
		Source:       SourceLLMUsage,
		TenantID:     tenantID,
		ModelID:      model,
		InputTokens:  in,
		OutputTokens: out,
		RawCost:      decimal.NewFromFloat(markup / 1.2),
		Currency:     "USD",
	}
	return NewUsageLedgerEntry(event, CostBreakdown{
		RawCost:    event.RawCost,
		Currency:   "USD",
		FXRate:     decimal.NewFromInt(1),
		MarkupCost: decimal.NewFromFloat(markup),
	})
}

func TestDailyUsageAggregate_Fold(t *testing.T) {
	tenantID := uuid.New()
	agg, err := NewDailyUsageAggregate(tenantID, time.Date(2024, 4, 15, 13, 45, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC), agg.Date)

	agg.Fold(usageEntry(tenantID, "gpt-4o", 1000, 500, 0.06))
	agg.Fold(usageEntry(tenantID, "gpt-4o", 2000, 1000, 0.12))
	agg.Fold(usageEntry(tenantID, "claude-sonnet", 500, 200, 0.03))

	assert.Equal(t, int64(3), agg.TotalRequests)
	assert.Equal(t, int64(5200), agg.TotalTokens)
	assert.True(t, decimal.NewFromFloat(0.21).Equal(agg.MarkupCost), "got %s", agg.MarkupCost)
	assert.Len(t, agg.Models, 2)
}

func TestDailyUsageAggregate_Fold_SkipsNonUsage(t *testing.T) {
	tenantID := uuid.New()
	agg, err := NewDailyUsageAggregate(tenantID, time.Now())
	require.NoError(t, err)

	agg.Fold(NewPurchaseLedgerEntry(tenantID, "txn-1", decimal.NewFromInt(50), "USD", decimal.NewFromInt(1)))

	assert.Zero(t, agg.TotalRequests)
	assert.True(t, agg.MarkupCost.IsZero())
	assert.Empty(t, agg.Models)
}

func TestDailyUsageAggregate_Normalize_OrderIndependent(t *testing.T) {
	tenantID := uuid.New()
	day := time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC)
	entries := []*LedgerEntry{
		usageEntry(tenantID, "gpt-4o", 100, 50, 0.01),
		usageEntry(tenantID, "claude-sonnet", 200, 80, 0.02),
		usageEntry(tenantID, "mistral-large", 300, 90, 0.03),
	}

	first, err := NewDailyUsageAggregate(tenantID, day)
	require.NoError(t, err)
	for _, e := range entries {
		first.Fold(e)
	}
	first.Normalize()

	second, err := NewDailyUsageAggregate(tenantID, day)
	require.NoError(t, err)
	for i := len(entries) - 1; i >= 0; i-- {
		second.Fold(entries[i])
	}
	second.Normalize()

	require.Len(t, second.Models, len(first.Models))
	for i := range first.Models {
		assert.Equal(t, first.Models[i].ModelID, second.Models[i].ModelID)
		assert.Equal(t, first.Models[i].Requests, second.Models[i].Requests)
		assert.True(t, first.Models[i].MarkupCost.Equal(second.Models[i].MarkupCost))
	}
}

func TestModelPriceTable_CostFor(t *testing.T) {
	table := ModelPriceTable{
		"gpt-4o": {
			InputPerKTok:  decimal.NewFromFloat(0.005),
			OutputPerKTok: decimal.NewFromFloat(0.015),
		},
	}

	cost, ok := table.CostFor("gpt-4o", 2000, 1000)
	require.True(t, ok)
	// 2 * 0.005 + 1 * 0.015
	assert.True(t, decimal.NewFromFloat(0.025).Equal(cost), "got %s", cost)

	_, ok = table.CostFor("unknown-model", 100, 100)
	assert.False(t, ok)
}

func TestReferenceSnapshot_Fresh(t *testing.T) {
	now := time.Now()
	snapshot := &ReferenceSnapshot{
		Currency:  "EUR",
		Rate:      decimal.NewFromFloat(1.08),
		FetchedAt: now,
		TTL:       time.Hour,
	}

	assert.True(t, snapshot.Fresh(now.Add(30*time.Minute)))
	assert.False(t, snapshot.Fresh(now.Add(2*time.Hour)))

	snapshot.TTL = 0
	assert.False(t, snapshot.Fresh(now))
}

func TestSnapshotKey(t *testing.T) {
	key := SnapshotKey("EUR", time.Date(2024, 4, 15, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, "EUR:2024-04-15", key)
}
