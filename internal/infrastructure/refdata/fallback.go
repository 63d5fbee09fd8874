package refdata

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/metering/backend/internal/domain/billing"
)

// Fallback reference data used when upstream providers are unreachable.
// Rates are deliberately conservative round figures; snapshots built from
// them carry Degraded=true so downstream entries can be flagged for later
// reconciliation.
var fallbackRates = map[string]decimal.Decimal{
	"USD": decimal.NewFromInt(1),
	"EUR": decimal.NewFromFloat(1.10),
	"GBP": decimal.NewFromFloat(1.30),
	"JPY": decimal.NewFromFloat(0.007),
	"CNY": decimal.NewFromFloat(0.14),
	"CHF": decimal.NewFromFloat(1.15),
	"CAD": decimal.NewFromFloat(0.75),
	"AUD": decimal.NewFromFloat(0.67),
}

var fallbackPrices = billing.ModelPriceTable{
	"gpt-4o": {
		InputPerKTok:  decimal.NewFromFloat(0.005),
		OutputPerKTok: decimal.NewFromFloat(0.015),
	},
	"gpt-4o-mini": {
		InputPerKTok:  decimal.NewFromFloat(0.00015),
		OutputPerKTok: decimal.NewFromFloat(0.0006),
	},
	"claude-sonnet-4": {
		InputPerKTok:  decimal.NewFromFloat(0.003),
		OutputPerKTok: decimal.NewFromFloat(0.015),
	},
	"claude-haiku-3.5": {
		InputPerKTok:  decimal.NewFromFloat(0.0008),
		OutputPerKTok: decimal.NewFromFloat(0.004),
	},
}

// FallbackRate returns the hardcoded home-currency rate for a currency.
// Unknown currencies fall back to parity so costing still proceeds; the
// degraded flag on the snapshot marks the result for reconciliation.
func FallbackRate(currency string) decimal.Decimal {
	if rate, ok := fallbackRates[currency]; ok {
		return rate
	}
	return decimal.NewFromInt(1)
}

// FallbackSnapshot builds a degraded reference snapshot from the hardcoded
// rates and prices.
func FallbackSnapshot(currency string, date time.Time, ttl time.Duration) *billing.ReferenceSnapshot {
	return &billing.ReferenceSnapshot{
		Currency:  currency,
		AsOfDate:  date.UTC().Truncate(24 * time.Hour),
		Rate:      FallbackRate(currency),
		Prices:    fallbackPrices,
		FetchedAt: time.Now().UTC(),
		TTL:       ttl,
		Degraded:  true,
	}
}
