// Package billing provides the domain model for usage metering and billing
// consolidation in a multi-tenant LLM platform.
//
// This package implements the credit ledger bounded context, which is
// responsible for:
//   - Recording per-call usage telemetry as signed credit ledger entries
//   - Enforcing exactly-once recording via the (source, reference_id) key
//   - Consolidating the ledger into daily usage aggregates per tenant
//   - Closing month-end subscription billing with tiered, calendar-aware
//     proportional seat pricing
//
// Key Aggregates:
//   - LedgerEntry: Immutable, append-only signed credit delta
//   - MonthlyBillingRecord: Frozen month-end subscription invoice
//
// Value Objects:
//   - UsageEvent: Validated per-call telemetry consumed by the recorder
//   - ReferenceSnapshot: Cached FX rate and model price table for a date
//   - SubscriptionTierTable: Ordered, contiguous, exhaustive seat tiers
//   - DailyUsageAggregate: Rebuildable per-tenant daily consolidation
//
// The ledger is the sole source of truth for consumption and purchases.
// Everything derived from it (daily aggregates) can be rebuilt at any time;
// monthly billing records are append-only once frozen.
package billing
