package handlers

import (
	"net/http"
	"strconv"

	"crewflow/internal/services"

	"github.com/gin-gonic/gin"
)

// JobHandler is the thin CRUD surface for jobs and materials. The
// interesting behavior happens downstream when these writes emit
// automation events.
type JobHandler struct {
	jobs      *services.JobService
	materials *services.MaterialService
}

func NewJobHandler(jobs *services.JobService, materials *services.MaterialService) *JobHandler {
	return &JobHandler{jobs: jobs, materials: materials}
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	jobs, err := h.jobs.ListJobs(c.Request.Context(), tenant, c.Query("status"), limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *JobHandler) GetJob(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	job, err := h.jobs.GetJob(c.Request.Context(), tenant, id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) CreateJob(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	var req services.JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	job, err := h.jobs.CreateJob(c.Request.Context(), tenant, actorID(c), &req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (h *JobHandler) UpdateJobStatus(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	job, err := h.jobs.UpdateJobStatus(c.Request.Context(), tenant, id, actorID(c), req.Status)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) AdjustStock(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req services.StockAdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	movement, err := h.materials.AdjustStock(c.Request.Context(), tenant, id, actorID(c), &req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, movement)
}

// RegisterJobRoutes 注册路由
func RegisterJobRoutes(r *gin.RouterGroup, handler *JobHandler) {
	jobs := r.Group("/jobs")
	{
		jobs.GET("", handler.ListJobs)
		jobs.POST("", handler.CreateJob)
		jobs.GET(":id", handler.GetJob)
		jobs.PUT(":id/status", handler.UpdateJobStatus)
	}
	materials := r.Group("/materials")
	{
		materials.POST(":id/stock", handler.AdjustStock)
	}
}
