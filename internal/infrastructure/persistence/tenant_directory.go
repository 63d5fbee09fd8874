package persistence

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TenantDirectory enumerates tenants known to the billing store. There is
// no tenant master table in this context, so the directory is the union of
// tenants that ever held a seat or a billing record; tenants seen only in
// the ledger are picked up per day through DistinctTenantsForDay.
type TenantDirectory struct {
	db *gorm.DB
}

// NewTenantDirectory creates a new tenant directory
func NewTenantDirectory(db *gorm.DB) *TenantDirectory {
	return &TenantDirectory{db: db}
}

// ListTenantIDs returns the distinct tenant IDs, sorted
func (d *TenantDirectory) ListTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	var fromSeats []uuid.UUID
	err := d.db.WithContext(ctx).
		Model(&BillingSeatModel{}).
		Distinct("tenant_id").
		Pluck("tenant_id", &fromSeats).Error
	if err != nil {
		return nil, err
	}

	var fromRecords []uuid.UUID
	err = d.db.WithContext(ctx).
		Model(&MonthlyBillingModel{}).
		Distinct("tenant_id").
		Pluck("tenant_id", &fromRecords).Error
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]struct{}, len(fromSeats)+len(fromRecords))
	out := make([]uuid.UUID, 0, len(fromSeats)+len(fromRecords))
	for _, id := range append(fromSeats, fromRecords...) {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}
