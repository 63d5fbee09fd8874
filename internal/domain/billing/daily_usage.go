package billing

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// ModelUsage is the per-model slice of a daily aggregate
type ModelUsage struct {
	ModelID      string          `json:"model_id"`
	Requests     int64           `json:"requests"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	MarkupCost   decimal.Decimal `json:"markup_cost"`
}

// DailyUsageAggregate is the per-tenant, per-day consolidation of the
// ledger. It is derived state: every batch run recomputes it in full from
// that day's ledger entries, so it can be rebuilt or deleted at any time.
type DailyUsageAggregate struct {
	shared.BaseEntity
	TenantID      uuid.UUID
	Date          time.Time // UTC midnight
	TotalTokens   int64
	TotalRequests int64
	RawCostHome   decimal.Decimal
	MarkupCost    decimal.Decimal
	Models        []ModelUsage
}

// NewDailyUsageAggregate creates an empty aggregate for a tenant and day
func NewDailyUsageAggregate(tenantID uuid.UUID, date time.Time) (*DailyUsageAggregate, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	return &DailyUsageAggregate{
		BaseEntity:  shared.NewBaseEntity(),
		TenantID:    tenantID,
		Date:        Midnight(date),
		RawCostHome: decimal.Zero,
		MarkupCost:  decimal.Zero,
		Models:      make([]ModelUsage, 0),
	}, nil
}

// Midnight truncates a time to its UTC date
func Midnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Fold accumulates one consumption ledger entry into the aggregate.
// Non-consumption entries (purchases, refunds, adjustments) do not count
// as usage and are skipped.
func (a *DailyUsageAggregate) Fold(entry *LedgerEntry) {
	if entry.Source != SourceLLMUsage {
		return
	}
	a.TotalRequests++
	a.TotalTokens += entry.TotalTokens()
	a.RawCostHome = a.RawCostHome.Add(entry.RawCost.Mul(entry.FXRate))
	markup := entry.CreditsDelta.Neg()
	a.MarkupCost = a.MarkupCost.Add(markup)

	for i := range a.Models {
		if a.Models[i].ModelID == entry.ModelID {
			a.Models[i].Requests++
			a.Models[i].InputTokens += entry.InputTokens
			a.Models[i].OutputTokens += entry.OutputTokens
			a.Models[i].MarkupCost = a.Models[i].MarkupCost.Add(markup)
			return
		}
	}
	a.Models = append(a.Models, ModelUsage{
		ModelID:      entry.ModelID,
		Requests:     1,
		InputTokens:  entry.InputTokens,
		OutputTokens: entry.OutputTokens,
		MarkupCost:   markup,
	})
}

// Normalize sorts the per-model breakdown so recomputing the same ledger
// rows yields a bit-identical aggregate regardless of arrival order.
func (a *DailyUsageAggregate) Normalize() {
	sort.Slice(a.Models, func(i, j int) bool {
		return a.Models[i].ModelID < a.Models[j].ModelID
	})
}
