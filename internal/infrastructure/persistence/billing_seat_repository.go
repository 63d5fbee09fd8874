package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/domain/shared"
)

// BillingSeatModel is the GORM model for billing seats
type BillingSeatModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_billing_seats_tenant_user"`
	UserID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_billing_seats_tenant_user"`
	ActiveFrom  time.Time `gorm:"not null"`
	ActiveUntil *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (BillingSeatModel) TableName() string {
	return "billing_seats"
}

// ToEntity converts the model to a domain entity
func (m *BillingSeatModel) ToEntity() *billing.BillingSeat {
	return &billing.BillingSeat{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		TenantID:    m.TenantID,
		UserID:      m.UserID,
		ActiveFrom:  m.ActiveFrom.UTC(),
		ActiveUntil: m.ActiveUntil,
	}
}

// BillingSeatModelFromEntity creates a model from a domain entity
func BillingSeatModelFromEntity(e *billing.BillingSeat) *BillingSeatModel {
	return &BillingSeatModel{
		ID:          e.ID,
		TenantID:    e.TenantID,
		UserID:      e.UserID,
		ActiveFrom:  e.ActiveFrom,
		ActiveUntil: e.ActiveUntil,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

// BillingSeatRepository implements the billing.BillingSeatRepository
// interface on GORM
type BillingSeatRepository struct {
	db *gorm.DB
}

// NewBillingSeatRepository creates a new billing seat repository
func NewBillingSeatRepository(db *gorm.DB) *BillingSeatRepository {
	return &BillingSeatRepository{db: db}
}

// Upsert creates or updates the seat for the (tenant, user) pair
func (r *BillingSeatRepository) Upsert(ctx context.Context, seat *billing.BillingSeat) error {
	model := BillingSeatModelFromEntity(seat)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"active_from", "active_until", "updated_at",
		}),
	}).Create(model).Error
}

// FindActiveInMonth returns the tenant's seats that were active at any
// point inside the month
func (r *BillingSeatRepository) FindActiveInMonth(ctx context.Context, tenantID uuid.UUID, year int, month time.Month) ([]*billing.BillingSeat, error) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	var models []BillingSeatModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Where("active_from < ? AND (active_until IS NULL OR active_until > ?)", end, start).
		Order("user_id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	seats := make([]*billing.BillingSeat, len(models))
	for i := range models {
		seats[i] = models[i].ToEntity()
	}
	return seats, nil
}

// Deactivate closes a user's seat at the given time
func (r *BillingSeatRepository) Deactivate(ctx context.Context, tenantID, userID uuid.UUID, at time.Time) error {
	t := at.UTC()
	result := r.db.WithContext(ctx).
		Model(&BillingSeatModel{}).
		Where("tenant_id = ? AND user_id = ? AND active_until IS NULL", tenantID, userID).
		Update("active_until", &t)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}
