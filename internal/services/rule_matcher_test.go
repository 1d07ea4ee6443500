package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"crewflow/internal/models"

	"gorm.io/gorm"
)

func newTestEngine(db *gorm.DB, caps *Capabilities) *AutomationEngine {
	resolver := NewContextResolver(db, nil)
	dispatcher := NewActionDispatcher(db, nil, caps)
	return NewAutomationEngine(db, nil, resolver, dispatcher)
}

func createEnabledRule(t *testing.T, db *gorm.DB, tenantID uint, req *AutomationRuleRequest) *models.AutomationRule {
	t.Helper()
	svc := NewRuleService(db, nil)
	ctx := context.Background()
	rule, err := svc.CreateRule(ctx, tenantID, nil, req)
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if err := svc.MarkTested(ctx, tenantID, rule.ID); err != nil {
		t.Fatalf("MarkTested failed: %v", err)
	}
	enabled, err := svc.EnableRule(ctx, tenantID, rule.ID, &EnableRuleRequest{
		Tested:                true,
		ConfirmCustomerFacing: true,
		ConfirmStatusChange:   true,
	})
	if err != nil {
		t.Fatalf("EnableRule failed: %v", err)
	}
	return enabled
}

func TestEngine_LowStockScenario(t *testing.T) {
	db := newAutomationTestDB(t)
	tenantID := seedTenant(t, db, models.TenantSettings{AutomationsEnabled: true})

	owner := models.User{TenantID: tenantID, Name: "Owner", Email: "owner@example.com"}
	db.Create(&owner)
	material := models.Material{TenantID: tenantID, Name: "copper pipe"}
	db.Create(&material)
	db.Create(&models.StockMovement{TenantID: tenantID, MaterialID: material.ID, Quantity: 10, Reason: "receive"})

	req := &AutomationRuleRequest{
		Name:       "low stock alert",
		TriggerKey: "material.stock_updated",
		Conditions: parseNodes(t, `[{"compare": {"op": "lt", "left": {"ref": "computed.materialAvailable"}, "right": 25}}]`),
		Actions: []ActionNode{
			{ID: "notify", Kind: ActionCreateNotification, Params: map[string]interface{}{
				"title":      "Low stock: {{material.name}}",
				"body":       "Only {{computed.materialAvailable}} left",
				"recipients": []interface{}{map[string]interface{}{"userId": float64(owner.ID)}},
			}},
		},
	}
	createEnabledRule(t, db, tenantID, req)

	engine := newTestEngine(db, &Capabilities{})
	event, err := engine.IngestEvent(context.Background(), tenantID, "material.stock.updated",
		map[string]interface{}{"materialId": material.ID, "quantity": -5}, nil)
	if err != nil {
		t.Fatalf("IngestEvent failed: %v", err)
	}

	if got := countRuns(t, db, tenantID, models.RunSucceeded); got != 1 {
		t.Fatalf("expected 1 succeeded run, got %d", got)
	}

	var row models.AutomationActionOutbox
	if err := db.Where("tenant_id = ? AND event_id = ?", tenantID, event.ID).First(&row).Error; err != nil {
		t.Fatalf("expected an outbox row: %v", err)
	}
	if row.Status != models.OutboxSent {
		t.Errorf("outbox status = %s, want sent", row.Status)
	}
	if !strings.Contains(row.Params, "Low stock: copper pipe") {
		t.Errorf("template not rendered: %s", row.Params)
	}

	var notification models.Notification
	if err := db.Where("tenant_id = ? AND user_id = ?", tenantID, owner.ID).First(&notification).Error; err != nil {
		t.Fatalf("expected a notification row: %v", err)
	}
	if notification.Title != "Low stock: copper pipe" {
		t.Errorf("notification title = %q", notification.Title)
	}
}

func TestEngine_ConditionsNotMatchedRecordsSkip(t *testing.T) {
	db := newAutomationTestDB(t)
	tenantID := seedTenant(t, db, models.TenantSettings{AutomationsEnabled: true})

	material := models.Material{TenantID: tenantID, Name: "sand"}
	db.Create(&material)
	db.Create(&models.StockMovement{TenantID: tenantID, MaterialID: material.ID, Quantity: 500, Reason: "receive"})

	req := &AutomationRuleRequest{
		Name:       "low stock alert",
		TriggerKey: "material.stock_updated",
		Conditions: parseNodes(t, `[{"compare": {"op": "lt", "left": {"ref": "computed.materialAvailable"}, "right": 25}}]`),
		Actions: []ActionNode{
			{ID: "notify", Kind: ActionCreateNotification, Params: map[string]interface{}{"title": "x"}},
		},
	}
	createEnabledRule(t, db, tenantID, req)

	engine := newTestEngine(db, &Capabilities{})
	engine.IngestEvent(context.Background(), tenantID, "material.stock.updated",
		map[string]interface{}{"materialId": material.ID}, nil)

	if got := countRuns(t, db, tenantID, models.RunSkipped); got != 1 {
		t.Fatalf("expected 1 skipped run, got %d", got)
	}
	if got := countOutboxRows(t, db, tenantID); got != 0 {
		t.Fatalf("skipped run must enqueue nothing, got %d rows", got)
	}

	// skip 的运行必须携带条件轨迹
	var run models.AutomationRun
	db.Where("tenant_id = ? AND status = ?", tenantID, models.RunSkipped).First(&run)
	var trace []TraceEntry
	if err := json.Unmarshal([]byte(run.Trace), &trace); err != nil || len(trace) == 0 {
		t.Errorf("skipped run should carry a trace, got %q", run.Trace)
	}
}

func TestEngine_TriggerFilters(t *testing.T) {
	db := newAutomationTestDB(t)
	tenantID := seedTenant(t, db, models.TenantSettings{AutomationsEnabled: true})

	job := models.Job{TenantID: tenantID, Title: "install", Status: "scheduled"}
	db.Create(&job)

	req := &AutomationRuleRequest{
		Name:           "completion watcher",
		TriggerKey:     "job.status_changed",
		TriggerFilters: map[string]interface{}{"to": "completed"},
		Actions: []ActionNode{
			{ID: "t1", Kind: ActionCreateTask, Params: map[string]interface{}{"title": "follow up"}},
		},
	}
	createEnabledRule(t, db, tenantID, req)

	engine := newTestEngine(db, &Capabilities{})

	// 不满足过滤条件：不产生运行记录
	engine.IngestEvent(context.Background(), tenantID, "job.status.changed",
		map[string]interface{}{"jobId": job.ID, "from": "scheduled", "to": "in_progress"}, nil)
	if got := countRuns(t, db, tenantID, ""); got != 0 {
		t.Fatalf("filtered-out event must not create a run, got %d", got)
	}

	// 满足过滤条件
	engine.IngestEvent(context.Background(), tenantID, "job.status.changed",
		map[string]interface{}{"jobId": job.ID, "from": "in_progress", "to": "completed"}, nil)
	if got := countRuns(t, db, tenantID, models.RunSucceeded); got != 1 {
		t.Fatalf("matching event should create a succeeded run, got %d", got)
	}

	var task models.Task
	if err := db.Where("tenant_id = ?", tenantID).First(&task).Error; err != nil {
		t.Fatalf("expected a created task: %v", err)
	}
}

func TestEngine_ThrottleJobScope(t *testing.T) {
	db := newAutomationTestDB(t)
	tenantID := seedTenant(t, db, models.TenantSettings{AutomationsEnabled: true})

	job := models.Job{TenantID: tenantID, Title: "install", Status: "scheduled"}
	db.Create(&job)

	req := &AutomationRuleRequest{
		Name:       "update ping",
		TriggerKey: "job.updated",
		Actions: []ActionNode{
			{ID: "t1", Kind: ActionCreateTask, Params: map[string]interface{}{"title": "check {{job.title}}"}},
		},
		Throttle: &ThrottleRequest{WindowHours: 1, MaxPerWindow: 1, Scope: "job"},
	}
	createEnabledRule(t, db, tenantID, req)

	engine := newTestEngine(db, &Capabilities{})
	ctx := context.Background()

	engine.IngestEvent(ctx, tenantID, "job.updated", map[string]interface{}{"jobId": job.ID}, nil)
	if got := countRuns(t, db, tenantID, models.RunSucceeded); got != 1 {
		t.Fatalf("first event should succeed, got %d", got)
	}
	before := countOutboxRows(t, db, tenantID)

	// 第二次命中限流，不再入队任何动作
	engine.IngestEvent(ctx, tenantID, "job.updated", map[string]interface{}{"jobId": job.ID}, nil)
	if got := countRuns(t, db, tenantID, models.RunRateLimited); got != 1 {
		t.Fatalf("second event should be rate_limited, got %d", got)
	}
	if after := countOutboxRows(t, db, tenantID); after != before {
		t.Fatalf("rate-limited run enqueued actions: %d -> %d", before, after)
	}

	// 其他作业不受同一 job 范围的限流影响
	other := models.Job{TenantID: tenantID, Title: "repair", Status: "scheduled"}
	db.Create(&other)
	engine.IngestEvent(ctx, tenantID, "job.updated", map[string]interface{}{"jobId": other.ID}, nil)
	if got := countRuns(t, db, tenantID, models.RunSucceeded); got != 2 {
		t.Fatalf("different job should not be throttled, got %d succeeded", got)
	}
}

func TestEngine_TenantKillSwitch(t *testing.T) {
	db := newAutomationTestDB(t)
	tenantID := seedTenant(t, db, models.TenantSettings{AutomationsEnabled: false})

	job := models.Job{TenantID: tenantID, Title: "install", Status: "scheduled"}
	db.Create(&job)

	req := &AutomationRuleRequest{
		Name:       "update ping",
		TriggerKey: "job.updated",
		Actions: []ActionNode{
			{ID: "t1", Kind: ActionCreateTask, Params: map[string]interface{}{"title": "x"}},
		},
	}
	createEnabledRule(t, db, tenantID, req)

	engine := newTestEngine(db, &Capabilities{})
	engine.IngestEvent(context.Background(), tenantID, "job.updated", map[string]interface{}{"jobId": job.ID}, nil)

	if got := countRuns(t, db, tenantID, models.RunSkipped); got != 1 {
		t.Fatalf("kill switch should record skipped runs, got %d", got)
	}
	if got := countOutboxRows(t, db, tenantID); got != 0 {
		t.Fatalf("kill switch must block all dispatch, got %d rows", got)
	}
}

func TestEngine_CrossTenantRulesNeverFire(t *testing.T) {
	db := newAutomationTestDB(t)
	tenantA := seedTenant(t, db, models.TenantSettings{AutomationsEnabled: true})
	tenantB := seedTenant(t, db, models.TenantSettings{AutomationsEnabled: true})

	req := &AutomationRuleRequest{
		Name:       "a-only",
		TriggerKey: "job.created",
		Actions: []ActionNode{
			{ID: "t1", Kind: ActionCreateTask, Params: map[string]interface{}{"title": "x"}},
		},
	}
	createEnabledRule(t, db, tenantA, req)

	engine := newTestEngine(db, &Capabilities{})
	engine.IngestEvent(context.Background(), tenantB, "job.created", map[string]interface{}{"jobId": 1}, nil)

	if got := countRuns(t, db, tenantA, ""); got != 0 {
		t.Fatalf("tenant A rule fired for tenant B event: %d runs", got)
	}
	if got := countRuns(t, db, tenantB, ""); got != 0 {
		t.Fatalf("tenant B has no rules, got %d runs", got)
	}
}

func TestEngine_UnknownEventTypeIgnored(t *testing.T) {
	db := newAutomationTestDB(t)
	tenantID := seedTenant(t, db, models.TenantSettings{AutomationsEnabled: true})

	engine := newTestEngine(db, &Capabilities{})
	event, err := engine.IngestEvent(context.Background(), tenantID, "meteor.strike", map[string]interface{}{}, nil)
	if err != nil {
		t.Fatalf("unknown event types are still persisted: %v", err)
	}

	var stored models.AutomationEvent
	if err := db.First(&stored, "id = ?", event.ID).Error; err != nil {
		t.Fatalf("event should be persisted: %v", err)
	}
	if got := countRuns(t, db, tenantID, ""); got != 0 {
		t.Fatalf("unknown trigger should evaluate nothing, got %d runs", got)
	}
}
