package services

import (
	"context"
	"encoding/json"
	"time"

	"crewflow/internal/models"
	"crewflow/internal/pathutil"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EvaluationContext is the read-only snapshot one evaluation pass runs
// against. Data is a nested map addressed by dot-paths; it holds the
// event, the resolved entities and the computed fields. It lives for
// one pass and is never persisted.
type EvaluationContext struct {
	TenantID uint
	Event    *models.AutomationEvent
	Data     map[string]interface{}
	Now      time.Time

	// tenant settings snapshot used by time conditions and readiness
	// checks
	Timezone            string
	WorkdayStartMinutes int
	WorkdayEndMinutes   int
	AutomationsEnabled  bool
	EmailSenderIdentity string
	SMSProviderEnabled  bool
}

// Lookup resolves a dot-path against the context data.
func (ec *EvaluationContext) Lookup(path string) (interface{}, bool) {
	if ec == nil || ec.Data == nil {
		return nil, false
	}
	return pathutil.Get(ec.Data, path)
}

// Location returns the tenant's timezone, falling back to UTC.
func (ec *EvaluationContext) Location() *time.Location {
	if ec.Timezone != "" {
		if loc, err := time.LoadLocation(ec.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

// ContextResolver loads the entities an event references and derives
// the computed fields. It is read-only and never fails: entities the
// payload does not reference (or that no longer exist) are simply
// absent from the context.
type ContextResolver struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewContextResolver(db *gorm.DB, logger *logrus.Logger) *ContextResolver {
	if logger == nil {
		logger = logrus.New()
	}
	return &ContextResolver{db: db, logger: logger}
}

// Resolve builds the EvaluationContext for one event.
func (r *ContextResolver) Resolve(ctx context.Context, tenantID uint, event *models.AutomationEvent) *EvaluationContext {
	now := time.Now()

	payload := map[string]interface{}{}
	if event != nil && event.Payload != "" {
		if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
			r.logger.Warnf("automation: event %s payload is not an object: %v", event.ID, err)
			payload = map[string]interface{}{}
		}
	}

	ec := &EvaluationContext{
		TenantID:            tenantID,
		Event:               event,
		Now:                 now,
		Timezone:            "UTC",
		WorkdayStartMinutes: 8 * 60,
		WorkdayEndMinutes:   17 * 60,
		AutomationsEnabled:  true,
		Data:                map[string]interface{}{"computed": map[string]interface{}{}},
	}

	var settings models.TenantSettings
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&settings).Error; err == nil {
		ec.Timezone = settings.Timezone
		ec.WorkdayStartMinutes = settings.WorkdayStartMinutes
		ec.WorkdayEndMinutes = settings.WorkdayEndMinutes
		ec.AutomationsEnabled = settings.AutomationsEnabled
		ec.EmailSenderIdentity = settings.EmailSenderIdentity
		ec.SMSProviderEnabled = settings.SMSProviderEnabled
		ec.Data["settings"] = structToMap(settings)
	}

	if event != nil {
		ec.Data["event"] = map[string]interface{}{
			"id":            event.ID,
			"type":          event.EventType,
			"payload":       payload,
			"created_at":    event.CreatedAt,
			"actor_user_id": event.ActorUserID,
		}
	}

	job := r.resolveJob(ctx, tenantID, payload)
	assignment := r.resolveAssignment(ctx, tenantID, payload)
	r.resolveMaterial(ctx, tenantID, payload, ec, now)
	r.resolveCrew(ctx, tenantID, payload, job, assignment, ec)

	if job != nil {
		ec.Data["job"] = structToMap(job)
		contacts := make([]interface{}, 0, len(job.Contacts))
		for i := range job.Contacts {
			contacts = append(contacts, structToMap(job.Contacts[i]))
		}
		ec.Data["contacts"] = contacts
	}
	if assignment != nil {
		ec.Data["assignment"] = structToMap(assignment)
	}

	var users []models.User
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Find(&users).Error; err == nil {
		list := make([]interface{}, 0, len(users))
		for i := range users {
			list = append(list, structToMap(users[i]))
		}
		ec.Data["users"] = list
	}

	r.computeSchedule(ec, job, assignment, now)
	return ec
}

func (r *ContextResolver) resolveJob(ctx context.Context, tenantID uint, payload map[string]interface{}) *models.Job {
	jobID, ok := payloadID(payload, "jobId", "job_id")
	if !ok {
		return nil
	}
	var job models.Job
	err := r.db.WithContext(ctx).
		Preload("Contacts").
		Where("tenant_id = ?", tenantID).
		First(&job, jobID).Error
	if err != nil {
		return nil
	}
	return &job
}

func (r *ContextResolver) resolveAssignment(ctx context.Context, tenantID uint, payload map[string]interface{}) *models.ScheduleAssignment {
	assignmentID, ok := payloadID(payload, "assignmentId", "assignment_id")
	if !ok {
		return nil
	}
	var assignment models.ScheduleAssignment
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&assignment, assignmentID).Error
	if err != nil {
		return nil
	}
	return &assignment
}

func (r *ContextResolver) resolveMaterial(ctx context.Context, tenantID uint, payload map[string]interface{}, ec *EvaluationContext, now time.Time) {
	materialID, ok := payloadID(payload, "materialId", "material_id")
	if !ok {
		return
	}
	var material models.Material
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&material, materialID).Error; err != nil {
		return
	}
	ec.Data["material"] = structToMap(material)

	db := r.db.WithContext(ctx)

	var stock float64
	db.Model(&models.StockMovement{}).
		Where("tenant_id = ? AND material_id = ?", tenantID, materialID).
		Select("COALESCE(SUM(quantity), 0)").Scan(&stock)

	// reserved = allocations on jobs still in flight, net of what was
	// already logged as used on those jobs, floored at zero
	activeJobs := db.Model(&models.Job{}).
		Select("id").
		Where("tenant_id = ? AND status NOT IN ?", tenantID, []string{"completed", "cancelled"})

	var allocated float64
	db.Model(&models.MaterialAllocation{}).
		Where("tenant_id = ? AND material_id = ? AND job_id IN (?)", tenantID, materialID, activeJobs).
		Select("COALESCE(SUM(quantity), 0)").Scan(&allocated)

	var used float64
	db.Model(&models.MaterialUsageLog{}).
		Where("tenant_id = ? AND material_id = ? AND job_id IN (?)", tenantID, materialID, activeJobs).
		Select("COALESCE(SUM(quantity), 0)").Scan(&used)

	reserved := allocated - used
	if reserved < 0 {
		reserved = 0
	}

	var usage30d float64
	db.Model(&models.MaterialUsageLog{}).
		Where("tenant_id = ? AND material_id = ? AND used_at >= ?", tenantID, materialID, now.AddDate(0, 0, -30)).
		Select("COALESCE(SUM(quantity), 0)").Scan(&usage30d)

	computed := ec.Data["computed"].(map[string]interface{})
	computed["materialStock"] = stock
	computed["materialReserved"] = reserved
	computed["materialAvailable"] = stock - reserved
	computed["materialUsage30dTotal"] = usage30d
	computed["materialUsage30dAvg"] = usage30d / 30
}

func (r *ContextResolver) resolveCrew(ctx context.Context, tenantID uint, payload map[string]interface{}, job *models.Job, assignment *models.ScheduleAssignment, ec *EvaluationContext) {
	var crewID uint
	if id, ok := payloadID(payload, "crewId", "crew_id"); ok {
		crewID = id
	} else if assignment != nil && assignment.CrewID != nil {
		crewID = *assignment.CrewID
	} else if job != nil && job.CrewID != nil {
		crewID = *job.CrewID
	}
	if crewID == 0 {
		return
	}
	var crew models.Crew
	err := r.db.WithContext(ctx).
		Preload("Members").
		Preload("Members.User").
		Where("tenant_id = ?", tenantID).
		First(&crew, crewID).Error
	if err != nil {
		return
	}
	ec.Data["crew"] = structToMap(crew)
}

func (r *ContextResolver) computeSchedule(ec *EvaluationContext, job *models.Job, assignment *models.ScheduleAssignment, now time.Time) {
	computed := ec.Data["computed"].(map[string]interface{})

	var start, end *time.Time
	if assignment != nil {
		start, end = &assignment.StartAt, &assignment.EndAt
	} else if job != nil {
		start, end = job.ScheduledStart, job.ScheduledEnd
	}
	if start != nil {
		computed["scheduleStart"] = *start
	}
	if end != nil {
		computed["scheduleEnd"] = *end
	}
	if start != nil && end != nil {
		computed["assignmentDurationMinutes"] = end.Sub(*start).Minutes()
	}

	if job != nil && job.ScheduledEnd != nil {
		overdue := now.After(*job.ScheduledEnd) &&
			job.Status != "completed" && job.Status != "cancelled"
		computed["jobOverdue"] = overdue
	}
}

// payloadID pulls a numeric entity id out of the event payload. JSON
// numbers arrive as float64; string ids are tolerated.
func payloadID(payload map[string]interface{}, keys ...string) (uint, bool) {
	for _, key := range keys {
		v, ok := payload[key]
		if !ok {
			continue
		}
		if n, ok := toNumber(v); ok && n > 0 {
			return uint(n), true
		}
	}
	return 0, false
}

// structToMap renders a model through its json tags into the nested
// map shape the path resolver walks.
func structToMap(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
