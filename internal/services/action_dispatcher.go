package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"time"

	"crewflow/internal/metrics"
	"crewflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Action kinds. Closed set: the dispatcher switch is exhaustive over
// these and anything else lands on the error branch.
const (
	ActionSendCommunication  = "communication.send"
	ActionCreateNotification = "notification.create"
	ActionUpdateJob          = "job.update"
	ActionUpsertAssignment   = "assignment.upsert"
	ActionAdjustStock        = "material.adjust_stock"
	ActionCreateTask         = "task.create"
	ActionCallWebhook        = "webhook.call"
	ActionDraftInvoice       = "invoice.draft"
	ActionEmitIntegration    = "integration.emit"
)

const maxDeliveryAttempts = 3

// ActionNode is one entry of a rule's ordered action list. ID is
// stable per rule and forms the idempotency key together with the
// tenant, rule and event ids.
type ActionNode struct {
	ID     string                 `json:"id"`
	Kind   string                 `json:"kind"`
	Params map[string]interface{} `json:"params"`
}

// deriveSafetyFlags recomputes the rule safety flags from the action
// list. They gate the stricter enable confirmations.
func deriveSafetyFlags(actions []ActionNode) (customerFacing, requiresSMS, requiresEmail bool) {
	for _, a := range actions {
		switch a.Kind {
		case ActionSendCommunication:
			customerFacing = true
			switch fmt.Sprintf("%v", a.Params["channel"]) {
			case "sms":
				requiresSMS = true
			case "email":
				requiresEmail = true
			}
		case ActionCallWebhook, ActionDraftInvoice:
			customerFacing = true
		}
	}
	return
}

var templateVarRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// renderTemplate substitutes {{dot.path}} variables from the context.
// Unresolvable variables render empty, never error.
func renderTemplate(s string, ec *EvaluationContext) string {
	return templateVarRe.ReplaceAllStringFunc(s, func(match string) string {
		path := templateVarRe.FindStringSubmatch(match)[1]
		if v, ok := ec.Lookup(path); ok && v != nil {
			return fmt.Sprintf("%v", v)
		}
		return ""
	})
}

// renderValue resolves {"ref": path} maps and templates strings,
// recursing through nested maps and slices.
func renderValue(v interface{}, ec *EvaluationContext) interface{} {
	switch val := v.(type) {
	case string:
		return renderTemplate(val, ec)
	case map[string]interface{}:
		if ref, ok := val["ref"].(string); ok && len(val) == 1 {
			resolved, _ := ec.Lookup(ref)
			return resolved
		}
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = renderValue(item, ec)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = renderValue(item, ec)
		}
		return out
	default:
		return v
	}
}

// Recipient is a resolved delivery target.
type Recipient struct {
	Address string `json:"address,omitempty"`
	UserID  uint   `json:"user_id,omitempty"`
}

// resolveRecipients expands the recipients param into concrete
// targets. Supported entry forms: {"ref": path}, {"userId": n},
// {"email": addr}, {"phone": number}. Entries that resolve to nothing
// are dropped.
func resolveRecipients(params map[string]interface{}, channel string, ec *EvaluationContext) []Recipient {
	raw, _ := params["recipients"].([]interface{})
	var out []Recipient
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		switch {
		case m["ref"] != nil:
			ref, _ := m["ref"].(string)
			if v, ok := ec.Lookup(ref); ok && v != nil {
				if addr := fmt.Sprintf("%v", v); addr != "" {
					out = append(out, Recipient{Address: addr})
				}
			}
		case m["userId"] != nil:
			if n, ok := toNumber(m["userId"]); ok && n > 0 {
				r := Recipient{UserID: uint(n)}
				if addr := userAddress(uint(n), channel, ec); addr != "" {
					r.Address = addr
				}
				out = append(out, r)
			}
		case m["email"] != nil:
			out = append(out, Recipient{Address: fmt.Sprintf("%v", m["email"])})
		case m["phone"] != nil:
			out = append(out, Recipient{Address: fmt.Sprintf("%v", m["phone"])})
		}
	}
	return out
}

// userAddress picks the channel-appropriate address for a tenant user
// already present in the context snapshot.
func userAddress(userID uint, channel string, ec *EvaluationContext) string {
	users, _ := ec.Lookup("users")
	list, ok := users.([]interface{})
	if !ok {
		return ""
	}
	for _, u := range list {
		m, ok := u.(map[string]interface{})
		if !ok {
			continue
		}
		if n, ok := toNumber(m["id"]); !ok || uint(n) != userID {
			continue
		}
		if channel == "sms" {
			return fmt.Sprintf("%v", m["phone"])
		}
		return fmt.Sprintf("%v", m["email"])
	}
	return ""
}

// renderedAction is what gets persisted on the outbox row: everything
// the delivery attempt needs, resolved against the context at dispatch
// time so retries see the same inputs.
type renderedAction struct {
	Channel    string                 `json:"channel,omitempty"`
	Subject    string                 `json:"subject,omitempty"`
	Body       string                 `json:"body,omitempty"`
	Recipients []Recipient            `json:"recipients,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	JobID      uint                   `json:"job_id,omitempty"`
	URL        string                 `json:"url,omitempty"`
	Payload    interface{}            `json:"payload,omitempty"`
	SubjectKey string                 `json:"subject_key,omitempty"` // integration subject
}

// renderAction turns an ActionNode plus context into the persisted
// payload. Shared verbatim by live dispatch and dry-run preview.
func renderAction(action ActionNode, ec *EvaluationContext) renderedAction {
	params := action.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	channel := fmt.Sprintf("%v", params["channel"])
	if params["channel"] == nil {
		channel = ""
	}

	ra := renderedAction{Channel: channel}

	switch action.Kind {
	case ActionSendCommunication, ActionCreateNotification:
		ra.Subject = renderTemplate(stringParam(params, "subject", "title"), ec)
		ra.Body = renderTemplate(stringParam(params, "body", "message"), ec)
		ra.Recipients = resolveRecipients(params, channel, ec)
	case ActionUpdateJob, ActionUpsertAssignment, ActionAdjustStock, ActionCreateTask:
		fields, _ := renderValue(params, ec).(map[string]interface{})
		delete(fields, "recipients")
		ra.Fields = fields
		ra.JobID = contextJobID(params, ec)
	case ActionCallWebhook:
		ra.URL = renderTemplate(stringParam(params, "url"), ec)
		ra.Payload = renderValue(params["payload"], ec)
	case ActionDraftInvoice:
		fields, _ := renderValue(params, ec).(map[string]interface{})
		ra.Fields = fields
		ra.JobID = contextJobID(params, ec)
	case ActionEmitIntegration:
		ra.SubjectKey = renderTemplate(stringParam(params, "subject"), ec)
		ra.Payload = renderValue(params["payload"], ec)
	}
	return ra
}

func stringParam(params map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := params[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// contextJobID prefers an explicit jobId param, falling back to the
// job the event resolved.
func contextJobID(params map[string]interface{}, ec *EvaluationContext) uint {
	if n, ok := toNumber(params["jobId"]); ok && n > 0 {
		return uint(n)
	}
	if v, ok := ec.Lookup("job.id"); ok {
		if n, ok := toNumber(v); ok {
			return uint(n)
		}
	}
	return 0
}

// ActionDispatcher turns a matched rule into outbox rows and drives
// them to a terminal status. The same delivery path serves the worker's
// retry passes.
type ActionDispatcher struct {
	db     *gorm.DB
	logger *logrus.Logger
	caps   *Capabilities
}

func NewActionDispatcher(db *gorm.DB, logger *logrus.Logger, caps *Capabilities) *ActionDispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if caps == nil {
		caps = &Capabilities{}
	}
	return &ActionDispatcher{db: db, logger: logger, caps: caps}
}

// Dispatch executes the rule's actions in declared order. A failure in
// one action never stops its siblings; each outcome is recorded on its
// own outbox row.
func (d *ActionDispatcher) Dispatch(ctx context.Context, rule *models.AutomationRule, event *models.AutomationEvent, actions []ActionNode, ec *EvaluationContext) []models.AutomationActionOutbox {
	var rows []models.AutomationActionOutbox
	for _, action := range actions {
		row, err := d.enqueue(ctx, rule, event, action, ec)
		if err != nil {
			d.logger.Warnf("automation: rule %d action %s enqueue failed: %v", rule.ID, action.ID, err)
			continue
		}
		if row == nil {
			continue // already delivered for this event
		}
		d.Deliver(ctx, row)
		rows = append(rows, *row)
	}
	return rows
}

// terminalSuccess reports statuses that must never be re-executed.
func terminalSuccess(status string) bool {
	switch status {
	case models.OutboxSent, models.OutboxSuppressed, models.OutboxSkipped:
		return true
	}
	return false
}

// enqueue upserts the queued outbox row for (tenant, rule, event,
// action). Returns nil when a terminal-success row already exists:
// re-delivery of the same event is a no-op.
func (d *ActionDispatcher) enqueue(ctx context.Context, rule *models.AutomationRule, event *models.AutomationEvent, action ActionNode, ec *EvaluationContext) (*models.AutomationActionOutbox, error) {
	var existing models.AutomationActionOutbox
	err := d.db.WithContext(ctx).
		Where("tenant_id = ? AND rule_id = ? AND event_id = ? AND action_id = ?",
			rule.TenantID, rule.ID, event.ID, action.ID).
		First(&existing).Error
	if err == nil {
		if terminalSuccess(existing.Status) {
			return nil, nil
		}
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	rendered := renderAction(action, ec)
	paramsJSON, err := json.Marshal(rendered)
	if err != nil {
		return nil, fmt.Errorf("render action %s: %w", action.ID, err)
	}

	row := &models.AutomationActionOutbox{
		TenantID:   rule.TenantID,
		RuleID:     rule.ID,
		EventID:    event.ID,
		ActionID:   action.ID,
		ActionKind: action.Kind,
		Params:     string(paramsJSON),
		Status:     models.OutboxQueued,
	}
	if err := d.db.WithContext(ctx).Create(row).Error; err != nil {
		// unique-index conflict means a concurrent dispatcher won the
		// insert; reuse its row
		var raced models.AutomationActionOutbox
		if ferr := d.db.WithContext(ctx).
			Where("tenant_id = ? AND rule_id = ? AND event_id = ? AND action_id = ?",
				rule.TenantID, rule.ID, event.ID, action.ID).
			First(&raced).Error; ferr == nil {
			if terminalSuccess(raced.Status) {
				return nil, nil
			}
			return &raced, nil
		}
		return nil, err
	}
	metrics.IncOutboxQueued(action.Kind)
	return row, nil
}

// Deliver drives one outbox row to a terminal status. Claiming is a
// conditional update from queued (or failed with attempts left) to
// sending: if another worker already holds the row the update affects
// zero rows and we walk away. This is the only concurrency control the
// outbox needs.
func (d *ActionDispatcher) Deliver(ctx context.Context, row *models.AutomationActionOutbox) {
	claim := d.db.WithContext(ctx).
		Model(&models.AutomationActionOutbox{}).
		Where("id = ? AND (status = ? OR (status = ? AND attempt_count < ?))",
			row.ID, models.OutboxQueued, models.OutboxFailed, maxDeliveryAttempts).
		Update("status", models.OutboxSending)
	if claim.Error != nil {
		d.logger.Warnf("automation: claim outbox %d failed: %v", row.ID, claim.Error)
		return
	}
	if claim.RowsAffected == 0 {
		return // lost the race or already terminal
	}
	row.Status = models.OutboxSending

	status, providerID, execErr := d.execute(ctx, row)

	updates := map[string]interface{}{"status": status}
	switch status {
	case models.OutboxSent:
		updates["provider_message_id"] = providerID
		updates["last_error"] = ""
	case models.OutboxSuppressed, models.OutboxSkipped:
		if execErr != nil {
			updates["last_error"] = execErr.Error()
		}
	case models.OutboxFailed:
		row.AttemptCount++
		updates["attempt_count"] = row.AttemptCount
		if execErr != nil {
			updates["last_error"] = execErr.Error()
		}
		if row.AttemptCount < maxDeliveryAttempts {
			next := time.Now().Add(time.Duration(math.Pow(2, float64(row.AttemptCount))) * time.Minute)
			updates["next_attempt_at"] = next
			row.NextAttemptAt = &next
		} else {
			updates["next_attempt_at"] = nil
			row.NextAttemptAt = nil
		}
	}
	if err := d.db.WithContext(ctx).
		Model(&models.AutomationActionOutbox{}).
		Where("id = ?", row.ID).
		Updates(updates).Error; err != nil {
		d.logger.Errorf("automation: record outbox %d outcome: %v", row.ID, err)
		return
	}
	row.Status = status
	row.ProviderMessageID = providerID
	if execErr != nil {
		row.LastError = execErr.Error()
	}

	metrics.IncOutboxDelivered(status)
	if d.caps.Audit != nil {
		d.caps.Audit.Record(ctx, row.TenantID, nil, "automation.action."+status,
			"automation_action_outbox", fmt.Sprintf("%d", row.ID), nil, nil,
			map[string]interface{}{
				"rule_id":   row.RuleID,
				"event_id":  row.EventID,
				"action_id": row.ActionID,
				"kind":      row.ActionKind,
				"attempts":  row.AttemptCount,
				"error":     row.LastError,
			})
	}
}

// execute performs the side effect for a claimed row. It returns the
// terminal status; errors belong to failed (retryable) outcomes.
func (d *ActionDispatcher) execute(ctx context.Context, row *models.AutomationActionOutbox) (string, string, error) {
	var ra renderedAction
	if err := json.Unmarshal([]byte(row.Params), &ra); err != nil {
		return models.OutboxFailed, "", fmt.Errorf("corrupt action params: %w", err)
	}

	switch row.ActionKind {
	case ActionSendCommunication:
		return d.executeSend(ctx, row, &ra)
	case ActionCreateNotification:
		return d.executeNotification(ctx, row, &ra)
	case ActionUpdateJob:
		return d.executeJobUpdate(ctx, row, &ra)
	case ActionUpsertAssignment:
		return d.executeAssignmentUpsert(ctx, row, &ra)
	case ActionAdjustStock:
		return d.executeStockAdjust(ctx, row, &ra)
	case ActionCreateTask:
		return d.executeTaskCreate(ctx, row, &ra)
	case ActionCallWebhook:
		return d.executeWebhook(ctx, row, &ra)
	case ActionDraftInvoice:
		if d.caps.Invoicing == nil {
			return models.OutboxSuppressed, "", fmt.Errorf("invoicing not configured")
		}
		key := fmt.Sprintf("%d:%d:%s:%s", row.TenantID, row.RuleID, row.EventID, row.ActionID)
		if err := d.caps.Invoicing.QueueDraft(ctx, row.TenantID, key, ra.Fields); err != nil {
			return models.OutboxFailed, "", err
		}
		return models.OutboxSent, key, nil
	case ActionEmitIntegration:
		if d.caps.Integration == nil {
			return models.OutboxSuppressed, "", fmt.Errorf("integration bus not configured")
		}
		payload, err := json.Marshal(map[string]interface{}{
			"tenant_id": row.TenantID,
			"rule_id":   row.RuleID,
			"event_id":  row.EventID,
			"action_id": row.ActionID,
			"payload":   ra.Payload,
		})
		if err != nil {
			return models.OutboxFailed, "", err
		}
		subject := ra.SubjectKey
		if subject == "" {
			subject = "automation"
		}
		if err := d.caps.Integration.Publish(ctx, subject, payload); err != nil {
			return models.OutboxFailed, "", err
		}
		return models.OutboxSent, "", nil
	default:
		return models.OutboxFailed, "", fmt.Errorf("unsupported action kind: %s", row.ActionKind)
	}
}

func (d *ActionDispatcher) executeSend(ctx context.Context, row *models.AutomationActionOutbox, ra *renderedAction) (string, string, error) {
	if ra.Channel == "sms" || ra.Channel == "email" {
		var settings models.TenantSettings
		if err := d.db.WithContext(ctx).Where("tenant_id = ?", row.TenantID).First(&settings).Error; err == nil {
			if ra.Channel == "sms" && !settings.SMSProviderEnabled {
				return models.OutboxSuppressed, "", fmt.Errorf("sms provider not enabled")
			}
			if ra.Channel == "email" && settings.EmailSenderIdentity == "" {
				return models.OutboxSuppressed, "", fmt.Errorf("no email sender identity configured")
			}
		}
	}
	if d.caps.Communicator == nil {
		return models.OutboxSuppressed, "", fmt.Errorf("communication provider not configured")
	}
	if len(ra.Recipients) == 0 {
		return models.OutboxSkipped, "", fmt.Errorf("no resolvable recipients")
	}

	var lastErr error
	var providerID string
	for _, rcpt := range ra.Recipients {
		if rcpt.Address == "" {
			continue
		}
		res := d.caps.Communicator.Send(ctx, ra.Channel, rcpt.Address, ra.Subject, ra.Body)
		if !res.OK {
			lastErr = fmt.Errorf("send to %s: %s", rcpt.Address, res.Error)
			continue
		}
		providerID = res.ProviderMessageID
	}
	if lastErr != nil {
		return models.OutboxFailed, providerID, lastErr
	}
	return models.OutboxSent, providerID, nil
}

func (d *ActionDispatcher) executeNotification(ctx context.Context, row *models.AutomationActionOutbox, ra *renderedAction) (string, string, error) {
	if len(ra.Recipients) == 0 {
		return models.OutboxSkipped, "", fmt.Errorf("no resolvable recipients")
	}
	for _, rcpt := range ra.Recipients {
		if rcpt.UserID == 0 {
			continue
		}
		n := &models.Notification{
			TenantID: row.TenantID,
			UserID:   rcpt.UserID,
			Title:    ra.Subject,
			Body:     ra.Body,
			Kind:     "automation",
		}
		if err := d.db.WithContext(ctx).Create(n).Error; err != nil {
			return models.OutboxFailed, "", err
		}
	}
	return models.OutboxSent, "", nil
}

func (d *ActionDispatcher) executeJobUpdate(ctx context.Context, row *models.AutomationActionOutbox, ra *renderedAction) (string, string, error) {
	if ra.JobID == 0 {
		return models.OutboxSkipped, "", fmt.Errorf("no target job")
	}
	updates := map[string]interface{}{}
	for _, field := range []string{"status", "priority", "title", "description"} {
		if v, ok := ra.Fields[field]; ok {
			updates[field] = v
		}
	}
	if v, ok := ra.Fields["crewId"]; ok {
		if n, ok := toNumber(v); ok {
			updates["crew_id"] = uint(n)
		}
	}
	if len(updates) == 0 {
		return models.OutboxSkipped, "", fmt.Errorf("no updatable fields")
	}
	err := d.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND tenant_id = ?", ra.JobID, row.TenantID).
		Updates(updates).Error
	if err != nil {
		return models.OutboxFailed, "", err
	}
	return models.OutboxSent, "", nil
}

func (d *ActionDispatcher) executeAssignmentUpsert(ctx context.Context, row *models.AutomationActionOutbox, ra *renderedAction) (string, string, error) {
	startAt, sok := parseTime(ra.Fields["startAt"])
	endAt, eok := parseTime(ra.Fields["endAt"])

	if n, ok := toNumber(ra.Fields["assignmentId"]); ok && n > 0 {
		updates := map[string]interface{}{}
		if sok {
			updates["start_at"] = startAt
		}
		if eok {
			updates["end_at"] = endAt
		}
		if v, ok := ra.Fields["status"]; ok {
			updates["status"] = v
		}
		if len(updates) == 0 {
			return models.OutboxSkipped, "", fmt.Errorf("no updatable fields")
		}
		err := d.db.WithContext(ctx).Model(&models.ScheduleAssignment{}).
			Where("id = ? AND tenant_id = ?", uint(n), row.TenantID).
			Updates(updates).Error
		if err != nil {
			return models.OutboxFailed, "", err
		}
		return models.OutboxSent, "", nil
	}

	if ra.JobID == 0 || !sok || !eok {
		return models.OutboxSkipped, "", fmt.Errorf("assignment create needs jobId, startAt and endAt")
	}
	assignment := &models.ScheduleAssignment{
		TenantID: row.TenantID,
		JobID:    ra.JobID,
		StartAt:  startAt,
		EndAt:    endAt,
		Status:   "scheduled",
	}
	if n, ok := toNumber(ra.Fields["crewId"]); ok && n > 0 {
		crewID := uint(n)
		assignment.CrewID = &crewID
	}
	if err := d.db.WithContext(ctx).Create(assignment).Error; err != nil {
		return models.OutboxFailed, "", err
	}
	return models.OutboxSent, "", nil
}

func (d *ActionDispatcher) executeStockAdjust(ctx context.Context, row *models.AutomationActionOutbox, ra *renderedAction) (string, string, error) {
	materialID, mok := toNumber(ra.Fields["materialId"])
	quantity, qok := toNumber(ra.Fields["quantity"])
	if !mok || !qok || quantity == 0 {
		return models.OutboxSkipped, "", fmt.Errorf("stock adjust needs materialId and a non-zero quantity")
	}
	movement := &models.StockMovement{
		TenantID:   row.TenantID,
		MaterialID: uint(materialID),
		Quantity:   quantity,
		Reason:     "automation",
	}
	if ra.JobID != 0 {
		jobID := ra.JobID
		movement.JobID = &jobID
	}
	if err := d.db.WithContext(ctx).Create(movement).Error; err != nil {
		return models.OutboxFailed, "", err
	}
	return models.OutboxSent, "", nil
}

func (d *ActionDispatcher) executeTaskCreate(ctx context.Context, row *models.AutomationActionOutbox, ra *renderedAction) (string, string, error) {
	title, _ := ra.Fields["title"].(string)
	if title == "" {
		return models.OutboxSkipped, "", fmt.Errorf("task title required")
	}
	task := &models.Task{
		TenantID: row.TenantID,
		Title:    title,
	}
	if notes, ok := ra.Fields["notes"].(string); ok {
		task.Notes = notes
	}
	if ra.JobID != 0 {
		jobID := ra.JobID
		task.JobID = &jobID
	}
	if n, ok := toNumber(ra.Fields["assigneeId"]); ok && n > 0 {
		assignee := uint(n)
		task.AssigneeID = &assignee
	}
	if due, ok := parseTime(ra.Fields["dueAt"]); ok {
		task.DueAt = &due
	}
	if err := d.db.WithContext(ctx).Create(task).Error; err != nil {
		return models.OutboxFailed, "", err
	}
	return models.OutboxSent, "", nil
}

func (d *ActionDispatcher) executeWebhook(ctx context.Context, row *models.AutomationActionOutbox, ra *renderedAction) (string, string, error) {
	if d.caps.Webhooks == nil {
		return models.OutboxSuppressed, "", fmt.Errorf("webhook capability not configured")
	}
	if ra.URL == "" {
		return models.OutboxSkipped, "", fmt.Errorf("webhook url required")
	}
	payload, err := json.Marshal(map[string]interface{}{
		"event_id": row.EventID,
		"rule_id":  row.RuleID,
		"payload":  ra.Payload,
	})
	if err != nil {
		return models.OutboxFailed, "", err
	}
	status, _, err := d.caps.Webhooks.Post(ctx, ra.URL, payload)
	if err != nil {
		return models.OutboxFailed, "", err
	}
	if status >= 400 {
		return models.OutboxFailed, "", fmt.Errorf("webhook returned %d", status)
	}
	return models.OutboxSent, "", nil
}
