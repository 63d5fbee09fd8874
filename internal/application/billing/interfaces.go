package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/metering/backend/internal/domain/billing"
)

// ReferenceResolver supplies the FX rate and model price table used to cost
// usage events. Implementations cache by (currency, date) and fall back to
// hardcoded values when upstream providers are unreachable; a fallback
// snapshot carries Degraded=true so entries costed from it are marked.
type ReferenceResolver interface {
	Resolve(ctx context.Context, currency string, date time.Time) (*billing.ReferenceSnapshot, error)
	// Refresh forces a fetch for the currency/date pair, bypassing the cache
	Refresh(ctx context.Context, currency string, date time.Time) (*billing.ReferenceSnapshot, error)
}

// LiveCount is one (tenant, model) live usage reading
type LiveCount struct {
	TenantID uuid.UUID `json:"tenant_id"`
	ModelID  string    `json:"model_id"`
	Sessions int       `json:"sessions"`
}

// LiveUsageTracker maintains approximate real-time session counts per
// tenant and model. Counts are ephemeral and never persisted; a restart
// starts from zero.
type LiveUsageTracker interface {
	// Touch registers activity for a session, creating it if unseen and
	// extending its expiry otherwise.
	Touch(tenantID uuid.UUID, modelID string, sessionID string)
	Snapshot(tenantID uuid.UUID) []LiveCount
	SnapshotAll() []LiveCount
	Close()
}

// TenantDirectory lists the tenants known to the platform. Tenant identity
// lives outside this context; consolidation only needs enumeration.
type TenantDirectory interface {
	ListTenantIDs(ctx context.Context) ([]uuid.UUID, error)
}
