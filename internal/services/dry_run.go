package services

import (
	"context"
	"encoding/json"
	"time"

	"crewflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DryRunRequest simulates a rule against a sample event. Either a
// saved rule id or an inline definition; either a saved event id or an
// inline payload.
type DryRunRequest struct {
	RuleID uint                   `json:"rule_id"`
	Rule   *AutomationRuleRequest `json:"rule"`

	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
}

// ActionPreview is the best-effort rendering of one configured action:
// what would happen, without doing it.
type ActionPreview struct {
	ActionID   string         `json:"action_id"`
	Kind       string         `json:"kind"`
	Recipients []Recipient    `json:"recipients,omitempty"`
	Rendered   renderedAction `json:"rendered"`
	Note       string         `json:"note,omitempty"`
}

// DryRunResult is always returned, matched or not, so the caller can
// tell "did not match" apart from "rule is broken".
type DryRunResult struct {
	Matched        bool            `json:"matched"`
	MatchDetails   []TraceEntry    `json:"match_details"`
	ActionPreviews []ActionPreview `json:"action_previews"`
	Warnings       []string        `json:"warnings,omitempty"`
}

// DryRunService reuses the live pipeline with the dispatch stage
// swapped for a preview: same context resolution, same evaluator, same
// parameter rendering, zero persistence and zero external calls. Its
// single permitted side effect is stamping last_tested_at on a saved
// rule.
type DryRunService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	resolver *ContextResolver
	rules    *RuleService
}

func NewDryRunService(db *gorm.DB, logger *logrus.Logger, resolver *ContextResolver, rules *RuleService) *DryRunService {
	if logger == nil {
		logger = logrus.New()
	}
	return &DryRunService{db: db, logger: logger, resolver: resolver, rules: rules}
}

// Run simulates one rule against one sample event.
func (s *DryRunService) Run(ctx context.Context, tenantID uint, req *DryRunRequest) (*DryRunResult, error) {
	if req == nil {
		return nil, validationErr("invalid_request", "request required")
	}

	rule, ruleReq, err := s.resolveRule(ctx, tenantID, req)
	if err != nil {
		return nil, err
	}

	event, err := s.resolveEvent(ctx, tenantID, req, ruleReq.TriggerKey)
	if err != nil {
		return nil, err
	}

	ec := s.resolver.Resolve(ctx, tenantID, event)
	evalResult := EvaluateConditions(ruleReq.Conditions, ec)

	result := &DryRunResult{
		Matched:      evalResult.Pass,
		MatchDetails: evalResult.Trace,
	}

	// previews are produced for every action regardless of pass/fail
	for _, action := range ruleReq.Actions {
		preview := ActionPreview{
			ActionID: action.ID,
			Kind:     action.Kind,
			Rendered: renderAction(action, ec),
		}
		preview.Recipients = preview.Rendered.Recipients
		switch action.Kind {
		case ActionSendCommunication, ActionCreateNotification:
			if len(preview.Recipients) == 0 {
				preview.Note = "no resolvable recipients"
			}
		case ActionCallWebhook:
			if preview.Rendered.URL == "" {
				preview.Note = "webhook url is empty"
			}
		}
		result.ActionPreviews = append(result.ActionPreviews, preview)
	}

	result.Warnings = s.readinessWarnings(ruleReq, ec)

	// the single permitted side effect
	if rule != nil {
		if err := s.rules.MarkTested(ctx, tenantID, rule.ID); err != nil {
			s.logger.Warnf("automation: mark rule %d tested failed: %v", rule.ID, err)
		}
	}

	return result, nil
}

func (s *DryRunService) resolveRule(ctx context.Context, tenantID uint, req *DryRunRequest) (*models.AutomationRule, *AutomationRuleRequest, error) {
	if req.RuleID != 0 {
		rule, err := s.rules.GetRule(ctx, tenantID, req.RuleID)
		if err != nil {
			return nil, nil, err
		}
		ruleReq, err := ruleToRequest(rule)
		if err != nil {
			return nil, nil, err
		}
		return rule, ruleReq, nil
	}
	if req.Rule == nil {
		return nil, nil, validationErr("invalid_request", "rule_id or inline rule required")
	}
	if err := s.rules.validate(req.Rule); err != nil {
		return nil, nil, err
	}
	return nil, req.Rule, nil
}

func (s *DryRunService) resolveEvent(ctx context.Context, tenantID uint, req *DryRunRequest, triggerKey string) (*models.AutomationEvent, error) {
	if req.EventID != "" {
		var event models.AutomationEvent
		err := s.db.WithContext(ctx).
			Scopes(TenantScoped(tenantID)).
			Where("id = ?", req.EventID).
			First(&event).Error
		if err == gorm.ErrRecordNotFound {
			return nil, validationErr("event_not_found", "sample event %s not found", req.EventID)
		}
		if err != nil {
			return nil, err
		}
		return &event, nil
	}

	eventType := req.EventType
	if eventType == "" {
		// pick any event type that feeds the rule's trigger
		for et, key := range triggerCatalogue {
			if key == triggerKey {
				eventType = et
				break
			}
		}
	}
	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, validationErr("invalid_request", "sample payload not serializable")
	}
	// synthetic, never persisted
	return &models.AutomationEvent{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		EventType: eventType,
		Payload:   string(payloadJSON),
		CreatedAt: time.Now(),
	}, nil
}

func (s *DryRunService) readinessWarnings(ruleReq *AutomationRuleRequest, ec *EvaluationContext) []string {
	var warnings []string
	if !ec.AutomationsEnabled {
		warnings = append(warnings, "automations are disabled for this tenant")
	}
	_, requiresSMS, requiresEmail := deriveSafetyFlags(ruleReq.Actions)
	if requiresEmail && ec.EmailSenderIdentity == "" {
		warnings = append(warnings, "rule sends email but no sender identity is configured")
	}
	if requiresSMS && !ec.SMSProviderEnabled {
		warnings = append(warnings, "rule sends SMS but the SMS provider is not enabled")
	}
	return warnings
}

// ruleToRequest reconstructs the request shape from a stored rule so
// dry-run and save paths share validation and rendering.
func ruleToRequest(rule *models.AutomationRule) (*AutomationRuleRequest, error) {
	req := &AutomationRuleRequest{
		Name:           rule.Name,
		Description:    rule.Description,
		TriggerKey:     rule.TriggerKey,
		TriggerVersion: rule.TriggerVersion,
	}
	if rule.TriggerFilters != "" {
		if err := json.Unmarshal([]byte(rule.TriggerFilters), &req.TriggerFilters); err != nil {
			return nil, validationErr("invalid_trigger", "stored trigger filters are corrupt")
		}
	}
	if rule.Conditions != "" {
		if err := json.Unmarshal([]byte(rule.Conditions), &req.Conditions); err != nil {
			return nil, validationErr("invalid_conditions", "stored conditions are corrupt")
		}
	}
	if rule.Actions != "" {
		if err := json.Unmarshal([]byte(rule.Actions), &req.Actions); err != nil {
			return nil, validationErr("invalid_actions", "stored actions are corrupt")
		}
	}
	return req, nil
}
