package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/domain/shared"
)

// SeatService maintains billing seats on behalf of the identity
// collaborator. Seat membership decides the subscription tier and the
// prorated per-seat charges at month close; this service only records
// occupancy, it never prices.
type SeatService struct {
	seatRepo  billing.BillingSeatRepository
	publisher shared.EventPublisher
	logger    *zap.Logger
}

// NewSeatService creates a new SeatService
func NewSeatService(
	seatRepo billing.BillingSeatRepository,
	publisher shared.EventPublisher,
	logger *zap.Logger,
) *SeatService {
	return &SeatService{
		seatRepo:  seatRepo,
		publisher: publisher,
		logger:    logger,
	}
}

// AddSeat activates a billing seat for the user. Re-adding an active seat
// is a no-op through the repository upsert; the proration anchor stays at
// the first activation.
func (s *SeatService) AddSeat(ctx context.Context, tenantID, userID uuid.UUID, activeFrom time.Time) (*billing.BillingSeat, error) {
	if activeFrom.IsZero() {
		activeFrom = time.Now().UTC()
	}
	seat, err := billing.NewBillingSeat(tenantID, userID, activeFrom)
	if err != nil {
		return nil, err
	}
	if err := s.seatRepo.Upsert(ctx, seat); err != nil {
		return nil, err
	}
	s.logger.Info("Billing seat activated",
		zap.String("tenant_id", tenantID.String()),
		zap.String("user_id", userID.String()),
		zap.Time("active_from", seat.ActiveFrom))
	return seat, nil
}

// RemoveSeat deactivates the user's seat. The seat row is kept so the
// month it was active in still bills its prorated share.
func (s *SeatService) RemoveSeat(ctx context.Context, tenantID, userID uuid.UUID, at time.Time) error {
	if tenantID == uuid.Nil {
		return shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if userID == uuid.Nil {
		return shared.NewDomainError("INVALID_INPUT", "User ID cannot be empty")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := s.seatRepo.Deactivate(ctx, tenantID, userID, at); err != nil {
		return err
	}
	s.logger.Info("Billing seat deactivated",
		zap.String("tenant_id", tenantID.String()),
		zap.String("user_id", userID.String()))
	return nil
}

// ListSeats returns the tenant's seats active at any point in the month
func (s *SeatService) ListSeats(ctx context.Context, tenantID uuid.UUID, year int, month time.Month) ([]*billing.BillingSeat, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if month < time.January || month > time.December {
		return nil, shared.NewDomainError("INVALID_INPUT", "Month out of range")
	}
	return s.seatRepo.FindActiveInMonth(ctx, tenantID, year, month)
}
