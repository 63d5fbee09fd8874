package handler

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	appbilling "github.com/metering/backend/internal/application/billing"
	"github.com/metering/backend/internal/domain/billing"
)

// UsageHandler handles usage event ingestion and live usage API endpoints
type UsageHandler struct {
	BaseHandler
	recorder *appbilling.UsageRecorderService
	queries  *appbilling.BillingQueryService
}

// NewUsageHandler creates a new UsageHandler
func NewUsageHandler(
	recorder *appbilling.UsageRecorderService,
	queries *appbilling.BillingQueryService,
) *UsageHandler {
	return &UsageHandler{
		recorder: recorder,
		queries:  queries,
	}
}

// RecordUsageRequest represents one usage event submitted for metering
// @Description Request body for recording a usage event
type RecordUsageRequest struct {
	ReferenceID  string  `json:"reference_id" binding:"required,max=255" example:"gen-8f3a2b91"`
	Source       string  `json:"source" binding:"required,oneof=llm_usage purchase adjustment" example:"llm_usage"`
	UserID       string  `json:"user_id" binding:"omitempty,uuid" example:"550e8400-e29b-41d4-a716-446655440002"`
	ModelID      string  `json:"model_id" binding:"max=100" example:"gpt-4o"`
	InputTokens  int64   `json:"input_tokens" binding:"min=0" example:"1200"`
	OutputTokens int64   `json:"output_tokens" binding:"min=0" example:"350"`
	RawCost      float64 `json:"raw_cost" binding:"min=0" example:"0.0123"`
	Currency     string  `json:"currency" binding:"omitempty,len=3" example:"USD"`
	OccurredAt   string  `json:"occurred_at" binding:"omitempty" example:"2026-09-01T10:00:00Z"`
}

// RecordUsageResponse represents the outcome of recording a usage event
// @Description Usage event recording outcome
type RecordUsageResponse struct {
	Accepted      bool   `json:"accepted" example:"true"`
	Duplicate     bool   `json:"duplicate" example:"false"`
	LedgerEntryID string `json:"ledger_entry_id" example:"550e8400-e29b-41d4-a716-446655440000"`
}

// Record godoc
// @ID           recordUsageEvent
// @Summary      Record a usage event
// @Description  Ingest one metered usage event. Replays with the same source and reference ID return the original ledger entry instead of double-charging.
// @Tags         usage
// @Accept       json
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID"
// @Param        request body RecordUsageRequest true "Usage event"
// @Success      201 {object} APIResponse[RecordUsageResponse]
// @Success      200 {object} APIResponse[RecordUsageResponse] "Duplicate replay, original entry returned"
// @Failure      400 {object} dto.ErrorResponse
// @Failure      422 {object} dto.ErrorResponse
// @Failure      503 {object} dto.ErrorResponse
// @Router       /usage/events [post]
func (h *UsageHandler) Record(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}

	var req RecordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	source, err := billing.ParseSource(req.Source)
	if err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	var userID uuid.UUID
	if req.UserID != "" {
		userID, err = uuid.Parse(req.UserID)
		if err != nil {
			h.BadRequest(c, "Invalid user ID format")
			return
		}
	}

	occurredAt := time.Now().UTC()
	if req.OccurredAt != "" {
		occurredAt, err = time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			h.BadRequest(c, "occurred_at must be RFC3339")
			return
		}
	}

	event := &billing.UsageEvent{
		ReferenceID:  req.ReferenceID,
		Source:       source,
		TenantID:     tenantID,
		UserID:       userID,
		ModelID:      req.ModelID,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		RawCost:      decimal.NewFromFloat(req.RawCost),
		Currency:     req.Currency,
		OccurredAt:   occurredAt,
	}

	result, err := h.recorder.Record(c.Request.Context(), event)
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

// LiveUsage godoc
// @ID           getLiveUsage
// @Summary      Get live usage counts
// @Description  Return approximate in-flight session counts per model for the tenant. Counts are ephemeral and reset on restart.
// @Tags         usage
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID"
// @Success      200 {object} APIResponse[[]appbilling.LiveCount]
// @Failure      400 {object} dto.ErrorResponse
// @Router       /usage/live [get]
func (h *UsageHandler) LiveUsage(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}

	h.Success(c, h.queries.LiveUsage(tenantID))
}

// RegisterRoutes registers usage routes
func (h *UsageHandler) RegisterRoutes(rg *gin.RouterGroup) {
	usage := rg.Group("/usage")
	{
		usage.POST("/events", h.Record)
		usage.GET("/live", h.LiveUsage)
	}
}
