package billing

import (
	"time"

	"github.com/metering/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// SubscriptionTier is one seat-count band of the subscription price table.
// MaxSeats == 0 means the tier is unbounded above.
type SubscriptionTier struct {
	MinSeats     int
	MaxSeats     int
	PricePerSeat decimal.Decimal
}

// Contains reports whether a seat count falls inside this tier
func (t SubscriptionTier) Contains(seats int) bool {
	if seats < t.MinSeats {
		return false
	}
	return t.MaxSeats == 0 || seats <= t.MaxSeats
}

// SubscriptionTierTable is the ordered, contiguous, exhaustive list of
// seat tiers. The last tier must be unbounded above.
type SubscriptionTierTable []SubscriptionTier

// Validate enforces the structural invariants of the table: tiers start at
// one seat, are contiguous with no gaps or overlaps, and the final tier is
// unbounded.
func (tt SubscriptionTierTable) Validate() error {
	if len(tt) == 0 {
		return shared.NewDomainError("INVALID_TIER_TABLE", "Tier table cannot be empty")
	}
	if tt[0].MinSeats != 1 {
		return shared.NewDomainError("INVALID_TIER_TABLE", "First tier must start at one seat")
	}
	for i, tier := range tt {
		last := i == len(tt)-1
		if last {
			if tier.MaxSeats != 0 {
				return shared.NewDomainError("INVALID_TIER_TABLE", "Last tier must be unbounded")
			}
			continue
		}
		if tier.MaxSeats < tier.MinSeats {
			return shared.NewDomainError("INVALID_TIER_TABLE", "Tier bounds are inverted")
		}
		if tt[i+1].MinSeats != tier.MaxSeats+1 {
			return shared.NewDomainError("INVALID_TIER_TABLE", "Tiers must be contiguous")
		}
	}
	return nil
}

// PriceFor returns the per-seat price for the given seat count
func (tt SubscriptionTierTable) PriceFor(seats int) (decimal.Decimal, error) {
	if seats < 1 {
		return decimal.Zero, shared.NewDomainError("INVALID_INPUT", "Seat count must be at least one")
	}
	for _, tier := range tt {
		if tier.Contains(seats) {
			return tier.PricePerSeat, nil
		}
	}
	return decimal.Zero, shared.NewDomainError("INVALID_TIER_TABLE", "No tier covers the requested seat count")
}

// DaysInMonth returns the true Gregorian day count for a year/month,
// 28/29/30/31 aware.
func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// SeatProportion computes the billable fraction of a month for a seat
// added on dayAdded (1-based). A seat present before the month started
// bills the whole month.
func SeatProportion(year int, month time.Month, dayAdded int) decimal.Decimal {
	days := DaysInMonth(year, month)
	if dayAdded <= 1 {
		return decimal.NewFromInt(1)
	}
	if dayAdded > days {
		return decimal.Zero
	}
	billable := int64(days - dayAdded + 1)
	return decimal.NewFromInt(billable).Div(decimal.NewFromInt(int64(days)))
}
