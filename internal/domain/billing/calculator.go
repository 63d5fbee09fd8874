package billing

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CloseMonth computes the frozen month-end invoice for a tenant. It is a
// pure function of the tier table and the tenant's seat-day data:
//
//	total_due = tier_price(seats at month end) x sum(proportion_i)
//
// where each seat's proportion is the calendar-exact fraction of the month
// it was present for. The tier is selected from the month-end seat count,
// not a historical per-day lookup - a policy choice: adding or removing
// seats near month end changes the whole month's per-seat price.
func CloseMonth(tenantID uuid.UUID, year int, month time.Month, tiers SubscriptionTierTable, seats []*BillingSeat) (*MonthlyBillingRecord, error) {
	if err := tiers.Validate(); err != nil {
		return nil, err
	}
	record, err := NewMonthlyBillingRecord(tenantID, year, month)
	if err != nil {
		return nil, err
	}

	days := DaysInMonth(year, month)
	seatCount := 0
	active := make([]*BillingSeat, 0, len(seats))
	for _, seat := range seats {
		if !seat.ActiveDuring(year, month) {
			continue
		}
		active = append(active, seat)
		if seat.ActiveAtMonthEnd(year, month) {
			seatCount++
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].UserID.String() < active[j].UserID.String()
	})

	// A tenant with no seats at month end has nothing subscription-billable;
	// the record still closes (and freezes) with a zero total.
	tierPrice := decimal.Zero
	if seatCount > 0 {
		tierPrice, err = tiers.PriceFor(seatCount)
		if err != nil {
			return nil, err
		}
	}

	totalProportion := decimal.Zero
	for _, seat := range active {
		dayAdded := seat.DayAdded(year, month)
		proportion := SeatProportion(year, month, dayAdded)
		amount := tierPrice.Mul(proportion)
		record.Seats = append(record.Seats, SeatCharge{
			UserID:     seat.UserID,
			DayAdded:   dayAdded,
			DaysActive: days - dayAdded + 1,
			Proportion: proportion,
			Amount:     amount,
		})
		totalProportion = totalProportion.Add(proportion)
	}

	record.TierPrice = tierPrice
	record.SeatCount = seatCount
	record.TotalDue = tierPrice.Mul(totalProportion)
	return record, nil
}
