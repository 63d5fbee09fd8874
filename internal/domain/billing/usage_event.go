package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// Source identifies the external system that produced a ledger-affecting
// event. Together with the event's reference ID it forms the idempotency
// key that makes at-least-once delivery safe.
type Source string

const (
	// SourceLLMUsage is a completed LLM call reported by the proxy layer
	SourceLLMUsage Source = "llm_usage"
	// SourcePurchase is a credit purchase confirmed by a payment gateway
	SourcePurchase Source = "purchase"
	// SourceRefund is a correcting entry that offsets an earlier entry
	SourceRefund Source = "refund"
	// SourceAdjustment is a manual operator correction or credit grant
	SourceAdjustment Source = "adjustment"
)

// ParseSource parses a string into a Source
func ParseSource(s string) (Source, error) {
	source := Source(s)
	if !source.IsValid() {
		return "", shared.NewDomainError("INVALID_SOURCE", "Unknown event source: "+s)
	}
	return source, nil
}

// IsValid returns true if the source is a known value
func (s Source) IsValid() bool {
	switch s {
	case SourceLLMUsage, SourcePurchase, SourceRefund, SourceAdjustment:
		return true
	}
	return false
}

// String returns the string representation of the source
func (s Source) String() string {
	return string(s)
}

// UsageEvent is the ephemeral per-call telemetry accepted by the recorder.
// It is never persisted as-is; a valid event is consumed to produce exactly
// one LedgerEntry.
type UsageEvent struct {
	ReferenceID  string          // provider generation id or gateway transaction id
	Source       Source          // origin of the event
	TenantID     uuid.UUID       // tenant the usage belongs to
	UserID       uuid.UUID       // user who triggered the call (optional for purchases)
	ModelID      string          // model identifier, required for llm_usage
	InputTokens  int64           // prompt tokens
	OutputTokens int64           // completion tokens
	RawCost      decimal.Decimal // provider-reported cost in Currency
	Currency     string          // ISO currency code of RawCost
	OccurredAt   time.Time       // when the call completed upstream
}

// Validate checks the event once at the recorder boundary. Violations are
// surfaced immediately and must never be retried.
func (e *UsageEvent) Validate() error {
	if e.ReferenceID == "" {
		return shared.NewDomainError("VALIDATION_FAILED", "Reference ID cannot be empty")
	}
	if !e.Source.IsValid() {
		return shared.NewDomainError("VALIDATION_FAILED", "Unknown event source: "+string(e.Source))
	}
	if e.TenantID == uuid.Nil {
		return shared.NewDomainError("VALIDATION_FAILED", "Tenant ID cannot be empty")
	}
	if e.InputTokens < 0 || e.OutputTokens < 0 {
		return shared.NewDomainError("VALIDATION_FAILED", "Token counts cannot be negative")
	}
	if e.RawCost.IsNegative() {
		return shared.NewDomainError("VALIDATION_FAILED", "Raw cost cannot be negative")
	}
	if e.Source == SourceLLMUsage && e.ModelID == "" {
		return shared.NewDomainError("VALIDATION_FAILED", "Model ID is required for LLM usage events")
	}
	if e.Currency == "" {
		return shared.NewDomainError("VALIDATION_FAILED", "Currency cannot be empty")
	}
	return nil
}

// TotalTokens returns the combined token count of the call
func (e *UsageEvent) TotalTokens() int64 {
	return e.InputTokens + e.OutputTokens
}

// IdempotencyKey returns the (source, reference_id) key for this event
func (e *UsageEvent) IdempotencyKey() string {
	return string(e.Source) + ":" + e.ReferenceID
}
