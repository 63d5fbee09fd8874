package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	appbilling "github.com/metering/backend/internal/application/billing"
)

// ConsolidationRunner runs a consolidation pass for one target day
type ConsolidationRunner interface {
	Run(ctx context.Context, target time.Time, forced bool) (*appbilling.RunReport, error)
}

// SchedulerInfo exposes the scheduler's next planned consolidation run
type SchedulerInfo interface {
	NextRunAt() *time.Time
}

// AdminHandler handles operator endpoints for the consolidation batch
type AdminHandler struct {
	BaseHandler
	runner    ConsolidationRunner
	scheduler SchedulerInfo
}

// NewAdminHandler creates a new AdminHandler. scheduler may be nil when the
// cron is disabled.
func NewAdminHandler(runner ConsolidationRunner, scheduler SchedulerInfo) *AdminHandler {
	return &AdminHandler{
		runner:    runner,
		scheduler: scheduler,
	}
}

// ConsolidationStatusResponse represents consolidation scheduling status
// @Description Consolidation scheduler status
type ConsolidationStatusResponse struct {
	SchedulerEnabled bool       `json:"scheduler_enabled" example:"true"`
	NextRunAt        *time.Time `json:"next_run_at,omitempty" example:"2026-09-02T02:30:00Z"`
}

// RunConsolidation godoc
// @ID           runConsolidation
// @Summary      Run consolidation for a day
// @Description  Trigger the daily consolidation batch on demand. Defaults to yesterday (UTC); pass date to repair a specific day. force=true closes the target day's month even before its last day; months already frozen are never re-closed.
// @Tags         admin
// @Produce      json
// @Param        date query string false "Target day, YYYY-MM-DD (defaults to yesterday UTC)"
// @Param        force query bool false "Close the target month early, before its last calendar day"
// @Success      200 {object} APIResponse[appbilling.RunReport]
// @Failure      400 {object} dto.ErrorResponse
// @Failure      409 {object} dto.ErrorResponse "A run is already in progress"
// @Router       /admin/consolidation/run [post]
func (h *AdminHandler) RunConsolidation(c *gin.Context) {
	target := time.Now().UTC().AddDate(0, 0, -1)
	if raw := c.Query("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			h.BadRequest(c, "date must be YYYY-MM-DD")
			return
		}
		target = parsed
	}

	forced := c.Query("force") == "true"

	report, err := h.runner.Run(c.Request.Context(), target, forced)
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}

	h.Success(c, report)
}

// ConsolidationStatus godoc
// @ID           getConsolidationStatus
// @Summary      Get consolidation scheduler status
// @Description  Return whether the daily cron is enabled and when it will fire next
// @Tags         admin
// @Produce      json
// @Success      200 {object} APIResponse[ConsolidationStatusResponse]
// @Router       /admin/consolidation/status [get]
func (h *AdminHandler) ConsolidationStatus(c *gin.Context) {
	status := ConsolidationStatusResponse{}
	if h.scheduler != nil {
		status.SchedulerEnabled = true
		status.NextRunAt = h.scheduler.NextRunAt()
	}
	h.Success(c, status)
}

// RegisterRoutes registers admin routes
func (h *AdminHandler) RegisterRoutes(rg *gin.RouterGroup) {
	admin := rg.Group("/admin")
	{
		admin.POST("/consolidation/run", h.RunConsolidation)
		admin.GET("/consolidation/status", h.ConsolidationStatus)
	}
}
