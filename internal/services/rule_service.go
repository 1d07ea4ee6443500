package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crewflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// testFreshnessWindow is how recent a successful dry-run must be for a
// rule to be enabled.
const testFreshnessWindow = 10 * time.Minute

// ValidationError carries a stable code alongside the human message.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func validationErr(code, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrRuleNotFound is returned for missing or other-tenant rules.
var ErrRuleNotFound = &ValidationError{Code: "rule_not_found", Message: "automation rule not found"}

// AutomationRuleRequest 创建/更新规则的请求
type AutomationRuleRequest struct {
	Name           string                 `json:"name" binding:"required"`
	Description    string                 `json:"description"`
	TriggerKey     string                 `json:"trigger_key" binding:"required"`
	TriggerVersion int                    `json:"trigger_version"`
	TriggerFilters map[string]interface{} `json:"trigger_filters"`
	Conditions     []ConditionNode        `json:"conditions"`
	Actions        []ActionNode           `json:"actions"`
	Throttle       *ThrottleRequest       `json:"throttle"`
}

type ThrottleRequest struct {
	WindowHours  int    `json:"window_hours"`
	MaxPerWindow int    `json:"max_per_window"`
	Scope        string `json:"scope"` // org, entity, job
}

// EnableRuleRequest carries the activation-gate inputs.
type EnableRuleRequest struct {
	Tested                bool `json:"tested"`
	ConfirmCustomerFacing bool `json:"confirm_customer_facing"`
	ConfirmStatusChange   bool `json:"confirm_status_change"`
}

// RuleService owns rule CRUD and the activation gate.
type RuleService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewRuleService(db *gorm.DB, logger *logrus.Logger) *RuleService {
	if logger == nil {
		logger = logrus.New()
	}
	return &RuleService{db: db, logger: logger}
}

// validate checks the rule shape against the trigger catalogue and the
// closed action set. Rejected synchronously, never partially applied.
func (s *RuleService) validate(req *AutomationRuleRequest) error {
	if req == nil {
		return validationErr("invalid_request", "request required")
	}
	if req.Name == "" {
		return validationErr("invalid_request", "rule name required")
	}
	if !KnownTriggerKey(req.TriggerKey) {
		return validationErr("invalid_trigger", "unsupported trigger key: %s", req.TriggerKey)
	}
	if req.TriggerVersion < 0 {
		return validationErr("invalid_trigger", "trigger version must be positive")
	}
	seen := map[string]bool{}
	for i := range req.Actions {
		a := &req.Actions[i]
		switch a.Kind {
		case ActionSendCommunication, ActionCreateNotification, ActionUpdateJob,
			ActionUpsertAssignment, ActionAdjustStock, ActionCreateTask,
			ActionCallWebhook, ActionDraftInvoice, ActionEmitIntegration:
		default:
			return validationErr("invalid_actions", "unsupported action kind: %s", a.Kind)
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if seen[a.ID] {
			return validationErr("invalid_actions", "duplicate action id: %s", a.ID)
		}
		seen[a.ID] = true
	}
	if t := req.Throttle; t != nil {
		if t.WindowHours < 0 || t.MaxPerWindow < 0 {
			return validationErr("invalid_throttle", "throttle bounds must be non-negative")
		}
		switch t.Scope {
		case "", "org", "entity", "job":
		default:
			return validationErr("invalid_throttle", "unsupported throttle scope: %s", t.Scope)
		}
	}
	return nil
}

func (s *RuleService) apply(rule *models.AutomationRule, req *AutomationRuleRequest) error {
	filtersJSON, err := json.Marshal(req.TriggerFilters)
	if err != nil {
		return validationErr("invalid_trigger", "trigger filters not serializable")
	}
	condJSON, err := json.Marshal(req.Conditions)
	if err != nil {
		return validationErr("invalid_conditions", "conditions not serializable")
	}
	actJSON, err := json.Marshal(req.Actions)
	if err != nil {
		return validationErr("invalid_actions", "actions not serializable")
	}

	rule.Name = req.Name
	rule.Description = req.Description
	rule.TriggerKey = req.TriggerKey
	if req.TriggerVersion > 0 {
		rule.TriggerVersion = req.TriggerVersion
	} else if rule.TriggerVersion == 0 {
		rule.TriggerVersion = 1
	}
	if req.TriggerFilters == nil {
		rule.TriggerFilters = ""
	} else {
		rule.TriggerFilters = string(filtersJSON)
	}
	rule.Conditions = string(condJSON)
	rule.Actions = string(actJSON)

	if t := req.Throttle; t != nil {
		rule.ThrottleWindowHours = t.WindowHours
		rule.ThrottleMaxPerWindow = t.MaxPerWindow
		if t.Scope != "" {
			rule.ThrottleScope = t.Scope
		}
	} else {
		rule.ThrottleWindowHours = 0
		rule.ThrottleMaxPerWindow = 0
		rule.ThrottleScope = "org"
	}

	// safety flags are always recomputed, never caller-supplied
	rule.IsCustomerFacing, rule.RequiresSMS, rule.RequiresEmail = deriveSafetyFlags(req.Actions)
	return nil
}

// CreateRule creates a rule in the disabled state.
func (s *RuleService) CreateRule(ctx context.Context, tenantID uint, actorID *uint, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	rule := &models.AutomationRule{
		TenantID:  tenantID,
		Enabled:   false,
		CreatedBy: actorID,
		UpdatedBy: actorID,
	}
	if err := s.apply(rule, req); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, err
	}
	return rule, nil
}

// UpdateRule saves edits. Any structural change (trigger, conditions or
// actions) atomically disables the rule and clears last_tested_at, no
// matter what the caller asked for.
func (s *RuleService) UpdateRule(ctx context.Context, tenantID, ruleID uint, actorID *uint, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	var rule models.AutomationRule
	err := RunTenantScoped(ctx, s.db, tenantID, func(tx *gorm.DB) error {
		if err := tx.Scopes(TenantScoped(tenantID)).First(&rule, ruleID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrRuleNotFound
			}
			return err
		}

		before := structuralFingerprint(&rule)
		if err := s.apply(&rule, req); err != nil {
			return err
		}
		rule.UpdatedBy = actorID

		if structuralFingerprint(&rule) != before {
			rule.Enabled = false
			rule.LastTestedAt = nil
			// Save skips clearing pointer fields unless told
			if err := tx.Model(&models.AutomationRule{}).
				Where("id = ? AND tenant_id = ?", rule.ID, tenantID).
				Updates(map[string]interface{}{"enabled": false, "last_tested_at": nil}).Error; err != nil {
				return err
			}
		}
		return tx.Save(&rule).Error
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// structuralFingerprint identifies the parts of a rule whose change
// forces re-validation.
func structuralFingerprint(rule *models.AutomationRule) string {
	return fmt.Sprintf("%s|%d|%s|%s|%s",
		rule.TriggerKey, rule.TriggerVersion, rule.TriggerFilters, rule.Conditions, rule.Actions)
}

// EnableRule is the activation gate. It requires a fresh successful
// dry-run and, for customer-facing or status-change rules, explicit
// operator confirmation.
func (s *RuleService) EnableRule(ctx context.Context, tenantID, ruleID uint, req *EnableRuleRequest) (*models.AutomationRule, error) {
	if req == nil || !req.Tested {
		return nil, validationErr("test_required", "rule must be dry-run tested before enabling")
	}

	var rule models.AutomationRule
	err := RunTenantScoped(ctx, s.db, tenantID, func(tx *gorm.DB) error {
		if err := tx.Scopes(TenantScoped(tenantID)).First(&rule, ruleID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrRuleNotFound
			}
			return err
		}

		if rule.LastTestedAt == nil || time.Since(*rule.LastTestedAt) > testFreshnessWindow {
			return validationErr("test_stale", "last dry-run is missing or older than %s", testFreshnessWindow)
		}
		if rule.IsCustomerFacing && !req.ConfirmCustomerFacing {
			return validationErr("confirmation_required", "rule is customer-facing; confirm_customer_facing must be set")
		}
		if statusChangeTriggers[rule.TriggerKey] && !req.ConfirmStatusChange {
			return validationErr("confirmation_required", "rule changes entity status; confirm_status_change must be set")
		}

		now := time.Now()
		rule.Enabled = true
		rule.LastEnabledAt = &now
		return tx.Model(&models.AutomationRule{}).
			Where("id = ? AND tenant_id = ?", rule.ID, tenantID).
			Updates(map[string]interface{}{"enabled": true, "last_enabled_at": now}).Error
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// DisableRule turns a rule off. Always allowed.
func (s *RuleService) DisableRule(ctx context.Context, tenantID, ruleID uint) error {
	res := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ? AND tenant_id = ?", ruleID, tenantID).
		Update("enabled", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// DeleteRule soft-deletes; run and outbox history stays for audit.
func (s *RuleService) DeleteRule(ctx context.Context, tenantID, ruleID uint) error {
	res := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Delete(&models.AutomationRule{}, ruleID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *RuleService) GetRule(ctx context.Context, tenantID, ruleID uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	err := s.db.WithContext(ctx).Scopes(TenantScoped(tenantID)).First(&rule, ruleID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// RuleWithLastRun pairs a rule with its most recent run for listings.
type RuleWithLastRun struct {
	models.AutomationRule
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
}

// ListRules returns the tenant's rules, newest first, each with its
// latest run status.
func (s *RuleService) ListRules(ctx context.Context, tenantID uint) ([]RuleWithLastRun, error) {
	var rules []models.AutomationRule
	if err := s.db.WithContext(ctx).
		Scopes(TenantScoped(tenantID)).
		Order("id DESC").
		Find(&rules).Error; err != nil {
		return nil, err
	}

	out := make([]RuleWithLastRun, 0, len(rules))
	for i := range rules {
		item := RuleWithLastRun{AutomationRule: rules[i]}
		var run models.AutomationRun
		err := s.db.WithContext(ctx).
			Scopes(TenantScoped(tenantID)).
			Where("rule_id = ?", rules[i].ID).
			Order("id DESC").
			First(&run).Error
		if err == nil {
			item.LastRunStatus = run.Status
			item.LastRunAt = &run.StartedAt
		}
		out = append(out, item)
	}
	return out, nil
}

// RunFilter narrows run history queries.
type RunFilter struct {
	RuleID  uint
	Status  string
	EventID string
	From    *time.Time
	To      *time.Time
	Limit   int
}

// ListRuns returns run history, newest first.
func (s *RuleService) ListRuns(ctx context.Context, tenantID uint, filter RunFilter) ([]models.AutomationRun, error) {
	q := s.db.WithContext(ctx).Scopes(TenantScoped(tenantID)).Model(&models.AutomationRun{})
	if filter.RuleID != 0 {
		q = q.Where("rule_id = ?", filter.RuleID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.EventID != "" {
		q = q.Where("event_id = ?", filter.EventID)
	}
	if filter.From != nil {
		q = q.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("created_at <= ?", *filter.To)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var runs []models.AutomationRun
	if err := q.Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// MarkTested stamps a fresh successful dry-run. The one write dry-run
// is allowed to make.
func (s *RuleService) MarkTested(ctx context.Context, tenantID, ruleID uint) error {
	return s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ? AND tenant_id = ?", ruleID, tenantID).
		Update("last_tested_at", time.Now()).Error
}
