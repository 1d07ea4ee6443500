package services

import (
	"context"
	"time"

	"crewflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// JobService is the thin CRUD layer over jobs. Its writes are ordinary
// tenant-scoped mutations; the interesting part is that each one emits
// an automation event afterwards.
type JobService struct {
	db     *gorm.DB
	logger *logrus.Logger
	engine *AutomationEngine
}

func NewJobService(db *gorm.DB, logger *logrus.Logger, engine *AutomationEngine) *JobService {
	if logger == nil {
		logger = logrus.New()
	}
	return &JobService{db: db, logger: logger, engine: engine}
}

type JobRequest struct {
	Title          string     `json:"title" binding:"required"`
	Description    string     `json:"description"`
	Priority       string     `json:"priority"`
	CrewID         *uint      `json:"crew_id"`
	SiteAddress    string     `json:"site_address"`
	ScheduledStart *time.Time `json:"scheduled_start"`
	ScheduledEnd   *time.Time `json:"scheduled_end"`
}

func (s *JobService) CreateJob(ctx context.Context, tenantID uint, actorID *uint, req *JobRequest) (*models.Job, error) {
	if req == nil || req.Title == "" {
		return nil, validationErr("invalid_request", "job title required")
	}
	job := &models.Job{
		TenantID:       tenantID,
		Title:          req.Title,
		Description:    req.Description,
		Status:         "draft",
		Priority:       orDefault(req.Priority, "normal"),
		CrewID:         req.CrewID,
		SiteAddress:    req.SiteAddress,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	s.emit(ctx, tenantID, "job.created", map[string]interface{}{"jobId": job.ID}, actorID)
	return job, nil
}

// UpdateJobStatus transitions a job and emits the status-change event
// carrying both sides of the transition.
func (s *JobService) UpdateJobStatus(ctx context.Context, tenantID, jobID uint, actorID *uint, status string) (*models.Job, error) {
	switch status {
	case "draft", "scheduled", "in_progress", "completed", "cancelled":
	default:
		return nil, validationErr("invalid_request", "unsupported job status: %s", status)
	}

	var job models.Job
	if err := s.db.WithContext(ctx).Scopes(TenantScoped(tenantID)).First(&job, jobID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, validationErr("job_not_found", "job not found")
		}
		return nil, err
	}
	from := job.Status

	updates := map[string]interface{}{"status": status}
	if status == "completed" {
		updates["completed_at"] = time.Now()
	}
	if err := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND tenant_id = ?", jobID, tenantID).
		Updates(updates).Error; err != nil {
		return nil, err
	}
	job.Status = status

	s.emit(ctx, tenantID, "job.status.changed", map[string]interface{}{
		"jobId": job.ID,
		"from":  from,
		"to":    status,
	}, actorID)
	if status == "completed" {
		s.emit(ctx, tenantID, "job.completed", map[string]interface{}{"jobId": job.ID}, actorID)
	}
	return &job, nil
}

func (s *JobService) GetJob(ctx context.Context, tenantID, jobID uint) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).
		Preload("Contacts").
		Scopes(TenantScoped(tenantID)).
		First(&job, jobID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, validationErr("job_not_found", "job not found")
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *JobService) ListJobs(ctx context.Context, tenantID uint, status string, limit int) ([]models.Job, error) {
	q := s.db.WithContext(ctx).Scopes(TenantScoped(tenantID))
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var jobs []models.Job
	if err := q.Order("id DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *JobService) emit(ctx context.Context, tenantID uint, eventType string, payload map[string]interface{}, actorID *uint) {
	if s.engine == nil {
		return
	}
	if _, err := s.engine.IngestEvent(ctx, tenantID, eventType, payload, actorID); err != nil {
		s.logger.Warnf("job service: emit %s failed: %v", eventType, err)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// MaterialService covers stock movements; receiving or adjusting stock
// emits material.stock.updated so reorder rules can fire.
type MaterialService struct {
	db     *gorm.DB
	logger *logrus.Logger
	engine *AutomationEngine
}

func NewMaterialService(db *gorm.DB, logger *logrus.Logger, engine *AutomationEngine) *MaterialService {
	if logger == nil {
		logger = logrus.New()
	}
	return &MaterialService{db: db, logger: logger, engine: engine}
}

type StockAdjustRequest struct {
	Quantity float64 `json:"quantity" binding:"required"`
	Reason   string  `json:"reason"`
	JobID    *uint   `json:"job_id"`
}

func (s *MaterialService) AdjustStock(ctx context.Context, tenantID, materialID uint, actorID *uint, req *StockAdjustRequest) (*models.StockMovement, error) {
	if req == nil || req.Quantity == 0 {
		return nil, validationErr("invalid_request", "non-zero quantity required")
	}
	var material models.Material
	if err := s.db.WithContext(ctx).Scopes(TenantScoped(tenantID)).First(&material, materialID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, validationErr("material_not_found", "material not found")
		}
		return nil, err
	}

	movement := &models.StockMovement{
		TenantID:   tenantID,
		MaterialID: materialID,
		JobID:      req.JobID,
		Quantity:   req.Quantity,
		Reason:     orDefault(req.Reason, "adjust"),
	}
	if err := s.db.WithContext(ctx).Create(movement).Error; err != nil {
		return nil, err
	}

	if s.engine != nil {
		_, err := s.engine.IngestEvent(ctx, tenantID, "material.stock.updated", map[string]interface{}{
			"materialId": materialID,
			"quantity":   req.Quantity,
		}, actorID)
		if err != nil {
			s.logger.Warnf("material service: emit stock event failed: %v", err)
		}
	}
	return movement, nil
}

// CurrentStock sums the movement ledger for one material.
func (s *MaterialService) CurrentStock(ctx context.Context, tenantID, materialID uint) (float64, error) {
	var stock float64
	err := s.db.WithContext(ctx).Model(&models.StockMovement{}).
		Scopes(TenantScoped(tenantID)).
		Where("material_id = ?", materialID).
		Select("COALESCE(SUM(quantity), 0)").
		Scan(&stock).Error
	if err != nil {
		return 0, err
	}
	return stock, nil
}
