package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	appbilling "github.com/metering/backend/internal/application/billing"
	"github.com/metering/backend/internal/domain/billing"
)

// BillingHandler handles balance, refund, seat and monthly summary API endpoints
type BillingHandler struct {
	BaseHandler
	queries *appbilling.BillingQueryService
	seats   *appbilling.SeatService
}

// NewBillingHandler creates a new BillingHandler
func NewBillingHandler(queries *appbilling.BillingQueryService, seats *appbilling.SeatService) *BillingHandler {
	return &BillingHandler{queries: queries, seats: seats}
}

// AddSeatRequest represents a request to activate a billing seat
// @Description Request body for activating a subscription seat
type AddSeatRequest struct {
	UserID     string `json:"user_id" binding:"required,uuid" example:"7c9e6679-7425-40de-944b-e07fc1f90ae7"`
	ActiveFrom string `json:"active_from" binding:"omitempty" example:"2026-08-10T09:00:00Z"`
}

// SeatResponse represents one billing seat
type SeatResponse struct {
	UserID      string     `json:"user_id"`
	ActiveFrom  time.Time  `json:"active_from"`
	ActiveUntil *time.Time `json:"active_until,omitempty"`
}

func toSeatResponse(seat *billing.BillingSeat) SeatResponse {
	return SeatResponse{
		UserID:      seat.UserID.String(),
		ActiveFrom:  seat.ActiveFrom,
		ActiveUntil: seat.ActiveUntil,
	}
}

// RefundRequest represents a request to refund an earlier ledger entry
// @Description Request body for refunding a recorded charge
type RefundRequest struct {
	Source      string `json:"source" binding:"required,oneof=llm_usage purchase adjustment" example:"llm_usage"`
	ReferenceID string `json:"reference_id" binding:"required,max=255" example:"gen-8f3a2b91"`
	Reason      string `json:"reason" binding:"required,min=1,max=500" example:"Provider outage, generation never delivered"`
}

// Balance godoc
// @ID           getBalance
// @Summary      Get tenant credit balance
// @Description  Return the tenant's balance computed live from the ledger. Pass as_of to read the balance at a past instant.
// @Tags         billing
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID"
// @Param        as_of query string false "Balance cutoff, RFC3339 (defaults to now)" example(2026-08-31T23:59:59Z)
// @Success      200 {object} APIResponse[appbilling.BalanceView]
// @Failure      400 {object} dto.ErrorResponse
// @Router       /billing/balance [get]
func (h *BillingHandler) Balance(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}

	var asOf time.Time
	if raw := c.Query("as_of"); raw != "" {
		asOf, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			h.BadRequest(c, "Invalid as_of, expected RFC3339")
			return
		}
	}

	view, err := h.queries.Balance(c.Request.Context(), tenantID, asOf)
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}

	h.Success(c, view)
}

// Refund godoc
// @ID           refundEntry
// @Summary      Refund a ledger entry
// @Description  Append an offsetting entry for an earlier charge. The original row is never modified; refunding the same reference twice returns the first refund.
// @Tags         billing
// @Accept       json
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID"
// @Param        request body RefundRequest true "Refund request"
// @Success      201 {object} APIResponse[RecordUsageResponse]
// @Success      200 {object} APIResponse[RecordUsageResponse] "Refund already issued"
// @Failure      400 {object} dto.ErrorResponse
// @Failure      404 {object} dto.ErrorResponse
// @Router       /billing/refunds [post]
func (h *BillingHandler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	source, err := billing.ParseSource(req.Source)
	if err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	result, err := h.queries.Refund(c.Request.Context(), source, req.ReferenceID, req.Reason)
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}

	if result.Duplicate {
		h.Success(c, result)
		return
	}
	h.Created(c, result)
}

// MonthlySummary godoc
// @ID           getMonthlySummary
// @Summary      Get monthly billing summary
// @Description  Return the tenant's month view: the frozen subscription invoice when the month has closed, plus the consolidated daily usage
// @Tags         billing
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID"
// @Param        year path int true "Billing year" example(2026)
// @Param        month path int true "Billing month (1-12)" example(8)
// @Success      200 {object} APIResponse[appbilling.MonthlySummaryView]
// @Failure      400 {object} dto.ErrorResponse
// @Router       /billing/summary/{year}/{month} [get]
func (h *BillingHandler) MonthlySummary(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}

	year, err := strconv.Atoi(c.Param("year"))
	if err != nil || year < 2000 || year > 9999 {
		h.BadRequest(c, "Invalid year")
		return
	}

	month, err := strconv.Atoi(c.Param("month"))
	if err != nil || month < 1 || month > 12 {
		h.BadRequest(c, "Invalid month")
		return
	}

	view, err := h.queries.MonthlySummary(c.Request.Context(), tenantID, year, time.Month(month))
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}

	h.Success(c, view)
}

// AddSeat godoc
// @ID           addSeat
// @Summary      Activate a billing seat
// @Description  Activate a subscription seat for a user. Re-adding an active seat keeps the original activation time.
// @Tags         billing
// @Accept       json
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID"
// @Param        request body AddSeatRequest true "Seat request"
// @Success      201 {object} APIResponse[SeatResponse]
// @Failure      400 {object} dto.ErrorResponse
// @Router       /billing/seats [post]
func (h *BillingHandler) AddSeat(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}

	var req AddSeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.BadRequest(c, "Invalid user ID")
		return
	}

	var activeFrom time.Time
	if req.ActiveFrom != "" {
		activeFrom, err = time.Parse(time.RFC3339, req.ActiveFrom)
		if err != nil {
			h.BadRequest(c, "Invalid active_from, expected RFC3339")
			return
		}
	}

	seat, err := h.seats.AddSeat(c.Request.Context(), tenantID, userID, activeFrom)
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}

	h.Created(c, toSeatResponse(seat))
}

// RemoveSeat godoc
// @ID           removeSeat
// @Summary      Deactivate a billing seat
// @Description  Close the user's seat. The seat still bills its prorated share for the month it was active in.
// @Tags         billing
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID"
// @Param        user_id path string true "User ID"
// @Success      200 {object} APIResponse[any]
// @Failure      400 {object} dto.ErrorResponse
// @Router       /billing/seats/{user_id} [delete]
func (h *BillingHandler) RemoveSeat(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}

	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		h.BadRequest(c, "Invalid user ID")
		return
	}

	if err := h.seats.RemoveSeat(c.Request.Context(), tenantID, userID, time.Now().UTC()); err != nil {
		h.HandleDomainError(c, err)
		return
	}

	h.Success(c, gin.H{"removed": true})
}

// ListSeats godoc
// @ID           listSeats
// @Summary      List billing seats for a month
// @Description  Return the seats active at any point in the given month. Defaults to the current month.
// @Tags         billing
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID"
// @Param        year query int false "Billing year" example(2026)
// @Param        month query int false "Billing month (1-12)" example(8)
// @Success      200 {object} APIResponse[[]SeatResponse]
// @Failure      400 {object} dto.ErrorResponse
// @Router       /billing/seats [get]
func (h *BillingHandler) ListSeats(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}

	now := time.Now().UTC()
	year, month := now.Year(), int(now.Month())
	if v := c.Query("year"); v != "" {
		year, err = strconv.Atoi(v)
		if err != nil || year < 2000 || year > 9999 {
			h.BadRequest(c, "Invalid year")
			return
		}
	}
	if v := c.Query("month"); v != "" {
		month, err = strconv.Atoi(v)
		if err != nil || month < 1 || month > 12 {
			h.BadRequest(c, "Invalid month")
			return
		}
	}

	seats, err := h.seats.ListSeats(c.Request.Context(), tenantID, year, time.Month(month))
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}

	out := make([]SeatResponse, 0, len(seats))
	for _, seat := range seats {
		out = append(out, toSeatResponse(seat))
	}
	h.Success(c, out)
}

// RegisterRoutes registers billing routes
func (h *BillingHandler) RegisterRoutes(rg *gin.RouterGroup) {
	billingGroup := rg.Group("/billing")
	{
		billingGroup.GET("/balance", h.Balance)
		billingGroup.POST("/refunds", h.Refund)
		billingGroup.GET("/summary/:year/:month", h.MonthlySummary)
		billingGroup.POST("/seats", h.AddSeat)
		billingGroup.GET("/seats", h.ListSeats)
		billingGroup.DELETE("/seats/:user_id", h.RemoveSeat)
	}
}
