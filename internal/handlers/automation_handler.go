package handlers

import (
	"net/http"
	"strconv"
	"time"

	"crewflow/internal/services"

	"github.com/gin-gonic/gin"
)

// AutomationHandler exposes the rule engine: rule CRUD behind the
// activation gate, dry-run, run history, event ingestion and manual
// worker passes.
type AutomationHandler struct {
	rules  *services.RuleService
	dryRun *services.DryRunService
	engine *services.AutomationEngine
	worker *services.OutboxWorker
}

func NewAutomationHandler(rules *services.RuleService, dryRun *services.DryRunService, engine *services.AutomationEngine, worker *services.OutboxWorker) *AutomationHandler {
	return &AutomationHandler{rules: rules, dryRun: dryRun, engine: engine, worker: worker}
}

func (h *AutomationHandler) ListRules(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	rules, err := h.rules.ListRules(c.Request.Context(), tenant)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (h *AutomationHandler) GetRule(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	rule, err := h.rules.GetRule(c.Request.Context(), tenant, id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *AutomationHandler) CreateRule(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.rules.CreateRule(c.Request.Context(), tenant, actorID(c), &req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.rules.UpdateRule(c.Request.Context(), tenant, id, actorID(c), &req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.rules.DeleteRule(c.Request.Context(), tenant, id); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

func (h *AutomationHandler) EnableRule(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req services.EnableRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.rules.EnableRule(c.Request.Context(), tenant, id, &req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *AutomationHandler) DisableRule(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.rules.DisableRule(c.Request.Context(), tenant, id); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "disabled"})
}

func (h *AutomationHandler) DryRun(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	var req services.DryRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	result, err := h.dryRun.Run(c.Request.Context(), tenant, &req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *AutomationHandler) ListRuns(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	filter := services.RunFilter{
		Status:  c.Query("status"),
		EventID: c.Query("event_id"),
	}
	if raw := c.Query("rule_id"); raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 32); err == nil {
			filter.RuleID = uint(id)
		}
	}
	if raw := c.Query("from"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.From = &t
		}
	}
	if raw := c.Query("to"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.To = &t
		}
	}
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}
	runs, err := h.rules.ListRuns(c.Request.Context(), tenant, filter)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

// IngestEvent accepts an event fact and evaluates it synchronously.
func (h *AutomationHandler) IngestEvent(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	var req struct {
		EventType string                 `json:"event_type" binding:"required"`
		Payload   map[string]interface{} `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	event, err := h.engine.IngestEvent(c.Request.Context(), tenant, req.EventType, req.Payload, actorID(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, event)
}

// RunWorker triggers one delivery pass for the tenant. Safe to call
// repeatedly.
func (h *AutomationHandler) RunWorker(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	processed := h.worker.ProcessTenant(c.Request.Context(), tenant)
	c.JSON(http.StatusOK, gin.H{"processed": processed})
}

func pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return 0, false
	}
	return uint(id), true
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("/rules", handler.ListRules)
		auto.POST("/rules", handler.CreateRule)
		auto.GET("/rules/:id", handler.GetRule)
		auto.PUT("/rules/:id", handler.UpdateRule)
		auto.DELETE("/rules/:id", handler.DeleteRule)
		auto.POST("/rules/:id/enable", handler.EnableRule)
		auto.POST("/rules/:id/disable", handler.DisableRule)
		auto.POST("/rules/dry-run", handler.DryRun)
		auto.GET("/runs", handler.ListRuns)
		auto.POST("/events", handler.IngestEvent)
		auto.POST("/worker/run", handler.RunWorker)
	}
}
