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

// LedgerEntryModel is the GORM model for ledger entries
type LedgerEntryModel struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey"`
	TenantID     uuid.UUID       `gorm:"type:uuid;index;not null"`
	Source       string          `gorm:"type:varchar(30);not null;uniqueIndex:ux_ledger_source_reference"`
	ReferenceID  string          `gorm:"type:varchar(255);not null;uniqueIndex:ux_ledger_source_reference"`
	CreditsDelta decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	FreeDelta    decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	PaidDelta    decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	ModelID      string          `gorm:"type:varchar(100)"`
	InputTokens  int64           `gorm:"not null;default:0"`
	OutputTokens int64           `gorm:"not null;default:0"`
	RawCost      decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	RawCurrency  string          `gorm:"type:varchar(3)"`
	FXRate       decimal.Decimal `gorm:"column:fx_rate;type:numeric(20,8);not null"`
	Metadata     []byte          `gorm:"type:jsonb;default:'{}'"`
	Seq          int64           `gorm:"autoIncrement;uniqueIndex:ux_ledger_seq"`
	CreatedAt    time.Time       `gorm:"autoCreateTime;index"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (LedgerEntryModel) TableName() string {
	return "ledger_entries"
}

// ToEntity converts the model to a domain entity
func (m *LedgerEntryModel) ToEntity() *billing.LedgerEntry {
	var metadata billing.Metadata
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &metadata)
	}
	if metadata == nil {
		metadata = make(billing.Metadata)
	}

	return &billing.LedgerEntry{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		TenantID:     m.TenantID,
		Source:       billing.Source(m.Source),
		ReferenceID:  m.ReferenceID,
		CreditsDelta: m.CreditsDelta,
		FreeDelta:    m.FreeDelta,
		PaidDelta:    m.PaidDelta,
		ModelID:      m.ModelID,
		InputTokens:  m.InputTokens,
		OutputTokens: m.OutputTokens,
		RawCost:      m.RawCost,
		RawCurrency:  m.RawCurrency,
		FXRate:       m.FXRate,
		Metadata:     metadata,
		Seq:          m.Seq,
	}
}

// LedgerEntryModelFromEntity creates a model from a domain entity
func LedgerEntryModelFromEntity(e *billing.LedgerEntry) *LedgerEntryModel {
	var metadataBytes []byte
	if e.Metadata != nil {
		metadataBytes, _ = json.Marshal(e.Metadata)
	} else {
		metadataBytes = []byte("{}")
	}

	return &LedgerEntryModel{
		ID:           e.ID,
		TenantID:     e.TenantID,
		Source:       string(e.Source),
		ReferenceID:  e.ReferenceID,
		CreditsDelta: e.CreditsDelta,
		FreeDelta:    e.FreeDelta,
		PaidDelta:    e.PaidDelta,
		ModelID:      e.ModelID,
		InputTokens:  e.InputTokens,
		OutputTokens: e.OutputTokens,
		RawCost:      e.RawCost,
		RawCurrency:  e.RawCurrency,
		FXRate:       e.FXRate,
		Metadata:     metadataBytes,
		Seq:          e.Seq,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

// LedgerEntryRepository implements the billing.LedgerEntryRepository
// interface on GORM
type LedgerEntryRepository struct {
	db *gorm.DB
}

// NewLedgerEntryRepository creates a new ledger entry repository
func NewLedgerEntryRepository(db *gorm.DB) *LedgerEntryRepository {
	return &LedgerEntryRepository{db: db}
}

// Append inserts the entry, relying on the unique (source, reference_id)
// index to collapse replays. ON CONFLICT DO NOTHING keeps the losing writer
// error-free under races; zero rows affected means the row already exists
// and the original is returned instead.
func (r *LedgerEntryRepository) Append(ctx context.Context, entry *billing.LedgerEntry) (*billing.LedgerEntry, bool, error) {
	model := LedgerEntryModelFromEntity(entry)

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source"}, {Name: "reference_id"}},
		DoNothing: true,
	}).Create(model)
	if result.Error != nil {
		return nil, false, shared.NewDomainError("STORE_UNAVAILABLE", "Failed to append ledger entry: "+result.Error.Error())
	}

	// Re-read so store-assigned fields (seq) are populated on both paths
	existing, err := r.FindByReference(ctx, entry.Source, entry.ReferenceID)
	if err != nil {
		return nil, false, err
	}
	return existing, result.RowsAffected == 0, nil
}

// FindByReference looks up an entry by its idempotency key
func (r *LedgerEntryRepository) FindByReference(ctx context.Context, source billing.Source, referenceID string) (*billing.LedgerEntry, error) {
	var model LedgerEntryModel
	err := r.db.WithContext(ctx).
		Where("source = ? AND reference_id = ?", string(source), referenceID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// SumCreditsByTenant computes the tenant's balance from the full ledger
func (r *LedgerEntryRepository) SumCreditsByTenant(ctx context.Context, tenantID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := r.db.WithContext(ctx).
		Model(&LedgerEntryModel{}).
		Where("tenant_id = ?", tenantID).
		Select("SUM(credits_delta)").
		Scan(&sum).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

// SumCreditsByTenantAsOf computes the balance at the cutoff. Entries are
// append-only and created_at never changes, so the same cutoff always sums
// the same prefix of the (created_at, seq) order.
func (r *LedgerEntryRepository) SumCreditsByTenantAsOf(ctx context.Context, tenantID uuid.UUID, asOf time.Time) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := r.db.WithContext(ctx).
		Model(&LedgerEntryModel{}).
		Where("tenant_id = ? AND created_at <= ?", tenantID, asOf).
		Select("SUM(credits_delta)").
		Scan(&sum).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

// ListByTenantAndDay returns the tenant's entries created on the UTC day,
// ordered by insertion for deterministic recompute.
func (r *LedgerEntryRepository) ListByTenantAndDay(ctx context.Context, tenantID uuid.UUID, day time.Time) ([]*billing.LedgerEntry, error) {
	start := billing.Midnight(day)
	end := start.AddDate(0, 0, 1)

	var models []LedgerEntryModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND created_at >= ? AND created_at < ?", tenantID, start, end).
		Order("seq ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	entries := make([]*billing.LedgerEntry, len(models))
	for i := range models {
		entries[i] = models[i].ToEntity()
	}
	return entries, nil
}

// DistinctTenantsForDay lists tenants with at least one entry on the UTC day
func (r *LedgerEntryRepository) DistinctTenantsForDay(ctx context.Context, day time.Time) ([]uuid.UUID, error) {
	start := billing.Midnight(day)
	end := start.AddDate(0, 0, 1)

	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&LedgerEntryModel{}).
		Where("created_at >= ? AND created_at < ?", start, end).
		Distinct("tenant_id").
		Pluck("tenant_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
