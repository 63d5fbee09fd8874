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

// DailyUsageModel is the GORM model for daily usage aggregates
type DailyUsageModel struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	TenantID      uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:ux_daily_usage_tenant_date"`
	Date          time.Time       `gorm:"not null;uniqueIndex:ux_daily_usage_tenant_date;index"`
	TotalTokens   int64           `gorm:"not null;default:0"`
	TotalRequests int64           `gorm:"not null;default:0"`
	RawCostHome   decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	MarkupCost    decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Models        []byte          `gorm:"type:jsonb;default:'[]'"`
	CreatedAt     time.Time       `gorm:"autoCreateTime"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (DailyUsageModel) TableName() string {
	return "daily_usage_aggregates"
}

// ToEntity converts the model to a domain entity
func (m *DailyUsageModel) ToEntity() *billing.DailyUsageAggregate {
	var models []billing.ModelUsage
	if len(m.Models) > 0 {
		_ = json.Unmarshal(m.Models, &models)
	}
	if models == nil {
		models = make([]billing.ModelUsage, 0)
	}

	return &billing.DailyUsageAggregate{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		TenantID:      m.TenantID,
		Date:          m.Date.UTC(),
		TotalTokens:   m.TotalTokens,
		TotalRequests: m.TotalRequests,
		RawCostHome:   m.RawCostHome,
		MarkupCost:    m.MarkupCost,
		Models:        models,
	}
}

// DailyUsageModelFromEntity creates a model from a domain entity
func DailyUsageModelFromEntity(e *billing.DailyUsageAggregate) *DailyUsageModel {
	modelBytes, _ := json.Marshal(e.Models)
	if modelBytes == nil {
		modelBytes = []byte("[]")
	}

	return &DailyUsageModel{
		ID:            e.ID,
		TenantID:      e.TenantID,
		Date:          e.Date,
		TotalTokens:   e.TotalTokens,
		TotalRequests: e.TotalRequests,
		RawCostHome:   e.RawCostHome,
		MarkupCost:    e.MarkupCost,
		Models:        modelBytes,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

// DailyUsageRepository implements the billing.DailyUsageRepository
// interface on GORM
type DailyUsageRepository struct {
	db *gorm.DB
}

// NewDailyUsageRepository creates a new daily usage repository
func NewDailyUsageRepository(db *gorm.DB) *DailyUsageRepository {
	return &DailyUsageRepository{db: db}
}

// Upsert replaces the aggregate for the (tenant, date) pair. Recomputes
// overwrite whatever a previous run stored.
func (r *DailyUsageRepository) Upsert(ctx context.Context, aggregate *billing.DailyUsageAggregate) error {
	model := DailyUsageModelFromEntity(aggregate)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_tokens", "total_requests", "raw_cost_home", "markup_cost", "models", "updated_at",
		}),
	}).Create(model).Error
}

// Find returns the aggregate for a tenant and UTC day
func (r *DailyUsageRepository) Find(ctx context.Context, tenantID uuid.UUID, day time.Time) (*billing.DailyUsageAggregate, error) {
	var model DailyUsageModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND date = ?", tenantID, billing.Midnight(day)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// ListByTenantAndMonth returns a tenant's aggregates for a month in date order
func (r *DailyUsageRepository) ListByTenantAndMonth(ctx context.Context, tenantID uuid.UUID, year int, month time.Month) ([]*billing.DailyUsageAggregate, error) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	var models []DailyUsageModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND date >= ? AND date < ?", tenantID, start, end).
		Order("date ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	aggregates := make([]*billing.DailyUsageAggregate, len(models))
	for i := range models {
		aggregates[i] = models[i].ToEntity()
	}
	return aggregates, nil
}

// DeleteOlderThan removes aggregates with a date before the cutoff and
// returns the number of rows removed
func (r *DailyUsageRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("date < ?", billing.Midnight(cutoff)).
		Delete(&DailyUsageModel{})
	return result.RowsAffected, result.Error
}
