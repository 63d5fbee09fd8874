package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/domain/shared"
)

// MonthlyBillingModel is the GORM model for monthly billing records
type MonthlyBillingModel struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	TenantID  uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:ux_monthly_billing_tenant_period"`
	Year      int             `gorm:"not null;uniqueIndex:ux_monthly_billing_tenant_period"`
	Month     int             `gorm:"not null;uniqueIndex:ux_monthly_billing_tenant_period"`
	TierPrice decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	SeatCount int             `gorm:"not null;default:0"`
	Seats     []byte          `gorm:"type:jsonb;default:'[]'"`
	TotalDue  decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Frozen    bool            `gorm:"not null;default:false"`
	FrozenAt  *time.Time
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (MonthlyBillingModel) TableName() string {
	return "monthly_billing_records"
}

// ToEntity converts the model to a domain entity
func (m *MonthlyBillingModel) ToEntity() *billing.MonthlyBillingRecord {
	var seats []billing.SeatCharge
	if len(m.Seats) > 0 {
		_ = json.Unmarshal(m.Seats, &seats)
	}
	if seats == nil {
		seats = make([]billing.SeatCharge, 0)
	}

	return &billing.MonthlyBillingRecord{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		TenantID:  m.TenantID,
		Year:      m.Year,
		Month:     time.Month(m.Month),
		TierPrice: m.TierPrice,
		SeatCount: m.SeatCount,
		Seats:     seats,
		TotalDue:  m.TotalDue,
		Frozen:    m.Frozen,
		FrozenAt:  m.FrozenAt,
	}
}

// MonthlyBillingModelFromEntity creates a model from a domain entity
func MonthlyBillingModelFromEntity(e *billing.MonthlyBillingRecord) *MonthlyBillingModel {
	seatBytes, _ := json.Marshal(e.Seats)
	if seatBytes == nil {
		seatBytes = []byte("[]")
	}

	return &MonthlyBillingModel{
		ID:        e.ID,
		TenantID:  e.TenantID,
		Year:      e.Year,
		Month:     int(e.Month),
		TierPrice: e.TierPrice,
		SeatCount: e.SeatCount,
		Seats:     seatBytes,
		TotalDue:  e.TotalDue,
		Frozen:    e.Frozen,
		FrozenAt:  e.FrozenAt,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

// MonthlyBillingRepository implements the billing.MonthlyBillingRepository
// interface on GORM
type MonthlyBillingRepository struct {
	db *gorm.DB
}

// NewMonthlyBillingRepository creates a new monthly billing repository
func NewMonthlyBillingRepository(db *gorm.DB) *MonthlyBillingRepository {
	return &MonthlyBillingRepository{db: db}
}

// Save upserts the record for the (tenant, year, month) period. A frozen
// row in the store is immutable: the write is refused with RECORD_FROZEN.
func (r *MonthlyBillingRepository) Save(ctx context.Context, record *billing.MonthlyBillingRecord) error {
	var existing MonthlyBillingModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND year = ? AND month = ?", record.TenantID, record.Year, int(record.Month)).
		First(&existing).Error
	if err == nil && existing.Frozen {
		return shared.ErrRecordFrozen
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	model := MonthlyBillingModelFromEntity(record)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "year"}, {Name: "month"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"tier_price", "seat_count", "seats", "total_due", "frozen", "frozen_at", "updated_at",
		}),
	}).Create(model).Error
}

// FindByTenantMonth returns the record for a tenant's period
func (r *MonthlyBillingRepository) FindByTenantMonth(ctx context.Context, tenantID uuid.UUID, year int, month time.Month) (*billing.MonthlyBillingRecord, error) {
	var model MonthlyBillingModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND year = ? AND month = ?", tenantID, year, int(month)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// TenantsWithOpenRecords lists tenants that billed usage or hold seats in
// the period but have no frozen record yet. Tenants that never appear in
// the ledger or seat table are not billable.
func (r *MonthlyBillingRepository) TenantsWithOpenRecords(ctx context.Context, year int, month time.Month) ([]uuid.UUID, error) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	frozen := r.db.Model(&MonthlyBillingModel{}).
		Select("tenant_id").
		Where("year = ? AND month = ? AND frozen = ?", year, int(month), true)

	var fromSeats []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&BillingSeatModel{}).
		Where("active_from < ? AND (active_until IS NULL OR active_until > ?)", end, start).
		Where("tenant_id NOT IN (?)", frozen).
		Distinct("tenant_id").
		Pluck("tenant_id", &fromSeats).Error
	if err != nil {
		return nil, err
	}

	var fromLedger []uuid.UUID
	err = r.db.WithContext(ctx).
		Model(&LedgerEntryModel{}).
		Where("created_at >= ? AND created_at < ?", start, end).
		Where("tenant_id NOT IN (?)", frozen).
		Distinct("tenant_id").
		Pluck("tenant_id", &fromLedger).Error
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]struct{}, len(fromSeats)+len(fromLedger))
	out := make([]uuid.UUID, 0, len(fromSeats)+len(fromLedger))
	for _, id := range append(fromSeats, fromLedger...) {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}
