package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// ModelPrice holds the per-1000-token prices for a model, in home currency
type ModelPrice struct {
	InputPerKTok  decimal.Decimal
	OutputPerKTok decimal.Decimal
}

// ModelPriceTable maps model ids to their prices
type ModelPriceTable map[string]ModelPrice

// CostFor computes the token cost for a model. The second return value is
// false when the model is not priced in this table.
func (t ModelPriceTable) CostFor(modelID string, inputTokens, outputTokens int64) (decimal.Decimal, bool) {
	price, ok := t[modelID]
	if !ok {
		return decimal.Zero, false
	}
	thousand := decimal.NewFromInt(1000)
	in := price.InputPerKTok.Mul(decimal.NewFromInt(inputTokens)).Div(thousand)
	out := price.OutputPerKTok.Mul(decimal.NewFromInt(outputTokens)).Div(thousand)
	return in.Add(out), true
}

// ReferenceSnapshot is the cached FX rate and model price table used to
// cost usage events. Snapshots are keyed by (currency, date) so repeated
// same-day reads are stable regardless of intraday upstream changes -
// "average daily rate" semantics, not point-in-time.
type ReferenceSnapshot struct {
	Currency  string          // source currency of the rate
	AsOfDate  time.Time       // UTC date the snapshot applies to
	Rate      decimal.Decimal // home units per 1 Currency unit
	Prices    ModelPriceTable
	FetchedAt time.Time
	TTL       time.Duration
	Degraded  bool // true when built from hardcoded fallbacks
}

// Fresh reports whether the snapshot is still within its TTL
func (s *ReferenceSnapshot) Fresh(now time.Time) bool {
	if s.TTL <= 0 {
		return false
	}
	return now.Before(s.FetchedAt.Add(s.TTL))
}

// Key returns the cache key for a currency and date
func SnapshotKey(currency string, date time.Time) string {
	return currency + ":" + date.UTC().Format("2006-01-02")
}
