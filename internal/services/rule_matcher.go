package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crewflow/internal/metrics"
	"crewflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AutomationEngine matches incoming events against enabled rules and
// hands the matches to the dispatcher. One event is evaluated against
// one rule at a time; there is no cross-event workflow state.
type AutomationEngine struct {
	db         *gorm.DB
	logger     *logrus.Logger
	resolver   *ContextResolver
	dispatcher *ActionDispatcher
}

func NewAutomationEngine(db *gorm.DB, logger *logrus.Logger, resolver *ContextResolver, dispatcher *ActionDispatcher) *AutomationEngine {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationEngine{db: db, logger: logger, resolver: resolver, dispatcher: dispatcher}
}

// IngestEvent persists an immutable event fact and evaluates it.
func (e *AutomationEngine) IngestEvent(ctx context.Context, tenantID uint, eventType string, payload map[string]interface{}, actorUserID *uint) (*models.AutomationEvent, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid event payload: %w", err)
	}
	event := &models.AutomationEvent{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		EventType:   eventType,
		Payload:     string(payloadJSON),
		ActorUserID: actorUserID,
		CreatedAt:   time.Now(),
	}
	if err := e.db.WithContext(ctx).Create(event).Error; err != nil {
		return nil, err
	}
	e.HandleEvent(ctx, event)
	return event, nil
}

// HandleEvent evaluates every enabled rule listening on the event's
// trigger key. Rules are independent: no ordering guarantee across
// rules, and one rule's failure never touches another's.
func (e *AutomationEngine) HandleEvent(ctx context.Context, event *models.AutomationEvent) {
	metrics.IncEventSeen()

	key := TriggerKeyForEvent(event.EventType)
	if key == "" {
		return
	}

	var rules []models.AutomationRule
	err := e.db.WithContext(ctx).
		Scopes(TenantScoped(event.TenantID)).
		Where("trigger_key = ? AND enabled = ?", key, true).
		Find(&rules).Error
	if err != nil {
		e.logger.Warnf("automation: load rules for %s failed: %v", key, err)
		return
	}
	if len(rules) == 0 {
		return
	}

	ec := e.resolver.Resolve(ctx, event.TenantID, event)

	for i := range rules {
		e.evaluateRule(ctx, &rules[i], event, ec)
	}
}

// evaluateRule runs one (rule, event) pass: filters, conditions,
// throttle, dispatch, run record.
func (e *AutomationEngine) evaluateRule(ctx context.Context, rule *models.AutomationRule, event *models.AutomationEvent, ec *EvaluationContext) {
	if !matchesTriggerFilters(rule, ec) {
		return // not a candidate, no run record
	}

	run := &models.AutomationRun{
		TenantID:  rule.TenantID,
		RuleID:    rule.ID,
		EventID:   event.ID,
		Status:    models.RunRunning,
		StartedAt: time.Now(),
	}
	if err := e.db.WithContext(ctx).Create(run).Error; err != nil {
		e.logger.Warnf("automation: create run for rule %d failed: %v", rule.ID, err)
		return
	}

	if !ec.AutomationsEnabled {
		e.finishRun(ctx, run, models.RunSkipped, nil, "automations disabled for tenant")
		return
	}

	var nodes []ConditionNode
	if rule.Conditions != "" {
		if err := json.Unmarshal([]byte(rule.Conditions), &nodes); err != nil {
			e.finishRun(ctx, run, models.RunSkipped, []TraceEntry{{
				Node: "unsupported_condition",
				Note: "conditions are not valid JSON",
			}}, "invalid conditions")
			return
		}
	}

	result := EvaluateConditions(nodes, ec)
	if !result.Pass {
		e.finishRun(ctx, run, models.RunSkipped, result.Trace, "conditions did not match")
		return
	}

	scopeKey := throttleScopeKey(rule, ec)
	run.ScopeKey = scopeKey
	if e.throttled(ctx, rule, scopeKey) {
		metrics.IncRuleThrottled()
		e.finishRun(ctx, run, models.RunRateLimited, result.Trace, "throttle window exhausted")
		return
	}

	var actions []ActionNode
	if rule.Actions != "" {
		if err := json.Unmarshal([]byte(rule.Actions), &actions); err != nil {
			e.finishRun(ctx, run, models.RunFailed, result.Trace, "invalid actions")
			return
		}
	}

	metrics.IncRuleMatched()
	e.logger.Infof("automation: rule %q matched event %s", rule.Name, event.EventType)

	e.dispatcher.Dispatch(ctx, rule, event, actions, ec)
	e.finishRun(ctx, run, models.RunSucceeded, result.Trace, "")
}

// matchesTriggerFilters applies the rule's optional flat equality
// filters to the event payload.
func matchesTriggerFilters(rule *models.AutomationRule, ec *EvaluationContext) bool {
	if rule.TriggerFilters == "" {
		return true
	}
	filters := map[string]interface{}{}
	if err := json.Unmarshal([]byte(rule.TriggerFilters), &filters); err != nil {
		return false // malformed filters fail closed
	}
	for field, want := range filters {
		got, ok := ec.Lookup("event.payload." + field)
		if !ok || !looseEqual(got, want) {
			return false
		}
	}
	return true
}

// throttleScopeKey computes the key occurrences are counted under.
// A scope without a resolvable id degrades to the org key rather than
// silently disabling the throttle.
func throttleScopeKey(rule *models.AutomationRule, ec *EvaluationContext) string {
	orgKey := fmt.Sprintf("org:%d", rule.TenantID)
	switch rule.ThrottleScope {
	case "job":
		if v, ok := ec.Lookup("job.id"); ok {
			if n, ok := toNumber(v); ok {
				return fmt.Sprintf("job:%d", uint(n))
			}
		}
		return orgKey
	case "entity":
		for _, path := range []string{"material.id", "assignment.id", "crew.id", "job.id"} {
			if v, ok := ec.Lookup(path); ok {
				if n, ok := toNumber(v); ok {
					return fmt.Sprintf("entity:%s:%d", path, uint(n))
				}
			}
		}
		return orgKey
	default:
		return orgKey
	}
}

// throttled counts successful passes for this rule and scope inside
// the sliding window. Runs before any dispatch, so a throttled rule
// never partially applies.
func (e *AutomationEngine) throttled(ctx context.Context, rule *models.AutomationRule, scopeKey string) bool {
	if rule.ThrottleWindowHours <= 0 || rule.ThrottleMaxPerWindow <= 0 {
		return false
	}
	since := time.Now().Add(-time.Duration(rule.ThrottleWindowHours) * time.Hour)
	var count int64
	err := e.db.WithContext(ctx).Model(&models.AutomationRun{}).
		Scopes(TenantScoped(rule.TenantID)).
		Where("rule_id = ? AND scope_key = ? AND status = ? AND created_at >= ?",
			rule.ID, scopeKey, models.RunSucceeded, since).
		Count(&count).Error
	if err != nil {
		e.logger.Warnf("automation: throttle count for rule %d failed: %v", rule.ID, err)
		return false
	}
	return count >= int64(rule.ThrottleMaxPerWindow)
}

func (e *AutomationEngine) finishRun(ctx context.Context, run *models.AutomationRun, status string, trace []TraceEntry, message string) {
	now := time.Now()
	traceJSON := ""
	if len(trace) > 0 {
		if data, err := json.Marshal(trace); err == nil {
			traceJSON = string(data)
		}
	}
	updates := map[string]interface{}{
		"status":      status,
		"trace":       traceJSON,
		"message":     message,
		"scope_key":   run.ScopeKey,
		"finished_at": now,
	}
	if err := e.db.WithContext(ctx).Model(&models.AutomationRun{}).
		Where("id = ?", run.ID).
		Updates(updates).Error; err != nil {
		e.logger.Warnf("automation: finish run %d failed: %v", run.ID, err)
		return
	}
	run.Status = status
	run.Message = message
	run.Trace = traceJSON
	run.FinishedAt = &now
}
