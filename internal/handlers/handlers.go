package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"crewflow/internal/metrics"
	"crewflow/internal/services"

	"github.com/gin-gonic/gin"
)

// ErrorResponse 统一错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// SuccessResponse 统一成功响应
type SuccessResponse struct {
	Message string `json:"message"`
}

// tenantID reads the tenant resolved by the upstream auth layer. Auth
// itself never happens here; a missing header is a bad request.
func tenantID(c *gin.Context) (uint, bool) {
	raw := c.GetHeader("X-Tenant-ID")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid tenant", Message: "X-Tenant-ID header required"})
		return 0, false
	}
	return uint(id), true
}

// actorID reads the optional acting user id.
func actorID(c *gin.Context) *uint {
	raw := c.GetHeader("X-Actor-ID")
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return nil
	}
	actor := uint(id)
	return &actor
}

// writeServiceError maps validation errors to 4xx with their stable
// code and everything else to a 500.
func writeServiceError(c *gin.Context, err error) {
	var verr *services.ValidationError
	if errors.As(err, &verr) {
		status := http.StatusBadRequest
		switch verr.Code {
		case "rule_not_found", "job_not_found", "material_not_found", "event_not_found":
			status = http.StatusNotFound
		case "test_required", "test_stale", "confirmation_required":
			status = http.StatusConflict
		}
		c.JSON(status, ErrorResponse{Error: "Request rejected", Code: verr.Code, Message: verr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal error", Message: err.Error()})
}

// HealthCheck 健康检查
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Stats exposes the in-process automation counters.
func Stats(c *gin.Context) {
	events, matched, throttled, queued, delivered := metrics.AutomationSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"events_seen":         events,
		"rules_matched":       matched,
		"rules_throttled":     throttled,
		"outbox_queued":       queued,
		"outbox_delivered":    delivered,
		"rate_limit_rejected": metrics.RateLimitDrops(),
	})
}
