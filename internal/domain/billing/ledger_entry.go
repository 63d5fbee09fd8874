package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// Metadata holds additional context attached to a ledger entry
type Metadata map[string]any

// LedgerEntry is an immutable, append-only signed credit delta. Once
// written, entries are never updated or deleted - corrections are new
// offsetting entries referencing the original.
//
// The (Source, ReferenceID) pair is unique across the ledger and is the
// sole idempotency and concurrency primitive: concurrent or replayed
// writes of the same pair are defined as no-ops.
type LedgerEntry struct {
	shared.BaseEntity
	TenantID     uuid.UUID
	Source       Source
	ReferenceID  string
	CreditsDelta decimal.Decimal // signed; negative = consumption
	FreeDelta    decimal.Decimal // portion drawn from / granted to free credits
	PaidDelta    decimal.Decimal // portion drawn from / granted to paid credits
	ModelID      string          // model that produced the usage, empty otherwise
	InputTokens  int64
	OutputTokens int64
	RawCost      decimal.Decimal // provider cost in RawCurrency
	RawCurrency  string
	FXRate       decimal.Decimal // home units per 1 RawCurrency unit at entry time
	Metadata     Metadata
	Seq          int64 // store-assigned monotonic insertion order
}

// CostBreakdown is the resolved cost of a usage event in home currency
type CostBreakdown struct {
	RawCost     decimal.Decimal // as reported, in Currency
	Currency    string
	FXRate      decimal.Decimal // home units per 1 Currency unit
	RawCostHome decimal.Decimal // RawCost converted to home currency
	MarkupCost  decimal.Decimal // RawCostHome with platform markup applied
	Degraded    bool            // true when a fallback rate or price was used
}

// NewUsageLedgerEntry creates the consumption entry for a validated usage
// event. The markup cost is charged against paid credits.
func NewUsageLedgerEntry(event *UsageEvent, cost CostBreakdown) *LedgerEntry {
	delta := cost.MarkupCost.Neg()
	entry := &LedgerEntry{
		BaseEntity:   shared.NewBaseEntity(),
		TenantID:     event.TenantID,
		Source:       event.Source,
		ReferenceID:  event.ReferenceID,
		CreditsDelta: delta,
		FreeDelta:    decimal.Zero,
		PaidDelta:    delta,
		ModelID:      event.ModelID,
		InputTokens:  event.InputTokens,
		OutputTokens: event.OutputTokens,
		RawCost:      cost.RawCost,
		RawCurrency:  cost.Currency,
		FXRate:       cost.FXRate,
		Metadata:     make(Metadata),
	}
	if event.UserID != uuid.Nil {
		entry.Metadata["user_id"] = event.UserID.String()
	}
	if cost.Degraded {
		entry.Metadata["reference_degraded"] = true
	}
	if !event.OccurredAt.IsZero() {
		entry.Metadata["occurred_at"] = event.OccurredAt.UTC().Format(time.RFC3339)
	}
	return entry
}

// NewPurchaseLedgerEntry creates a positive entry crediting purchased
// credits, keyed by the payment gateway's transaction id.
func NewPurchaseLedgerEntry(tenantID uuid.UUID, referenceID string, amount decimal.Decimal, currency string, rate decimal.Decimal) *LedgerEntry {
	credited := amount.Mul(rate)
	return &LedgerEntry{
		BaseEntity:   shared.NewBaseEntity(),
		TenantID:     tenantID,
		Source:       SourcePurchase,
		ReferenceID:  referenceID,
		CreditsDelta: credited,
		FreeDelta:    decimal.Zero,
		PaidDelta:    credited,
		RawCost:      amount,
		RawCurrency:  currency,
		FXRate:       rate,
		Metadata:     make(Metadata),
	}
}

// NewRefundLedgerEntry creates the offsetting entry for an earlier entry.
// It carries the negated delta and a back-reference; the original is never
// mutated. Reusing the original's reference id under the refund source
// makes refunding itself idempotent.
func NewRefundLedgerEntry(original *LedgerEntry, reason string) *LedgerEntry {
	entry := &LedgerEntry{
		BaseEntity:   shared.NewBaseEntity(),
		TenantID:     original.TenantID,
		Source:       SourceRefund,
		ReferenceID:  original.ReferenceID,
		CreditsDelta: original.CreditsDelta.Neg(),
		FreeDelta:    original.FreeDelta.Neg(),
		PaidDelta:    original.PaidDelta.Neg(),
		ModelID:      original.ModelID,
		RawCurrency:  original.RawCurrency,
		FXRate:       original.FXRate,
		Metadata: Metadata{
			"refund_of": original.ID.String(),
			"reason":    reason,
		},
	}
	return entry
}

// IdempotencyKey returns the (source, reference_id) key of this entry
func (e *LedgerEntry) IdempotencyKey() string {
	return string(e.Source) + ":" + e.ReferenceID
}

// IsConsumption returns true if the entry debits credits
func (e *LedgerEntry) IsConsumption() bool {
	return e.CreditsDelta.IsNegative()
}

// TotalTokens returns the combined token count recorded on the entry
func (e *LedgerEntry) TotalTokens() int64 {
	return e.InputTokens + e.OutputTokens
}

// Validate checks the internal consistency of an entry before it is
// appended. The free/paid split must always reconcile with the total delta.
func (e *LedgerEntry) Validate() error {
	if e.TenantID == uuid.Nil {
		return shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if e.ReferenceID == "" {
		return shared.NewDomainError("VALIDATION_FAILED", "Reference ID cannot be empty")
	}
	if !e.Source.IsValid() {
		return shared.NewDomainError("VALIDATION_FAILED", "Unknown entry source")
	}
	if !e.FreeDelta.Add(e.PaidDelta).Equal(e.CreditsDelta) {
		return shared.NewDomainError("INVALID_STATE", "Free and paid deltas must sum to the credits delta")
	}
	return nil
}
