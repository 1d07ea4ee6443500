package services

import (
	"context"
	"testing"
	"time"

	"crewflow/internal/models"
)

func newDryRunFixture(t *testing.T, settings models.TenantSettings) (*DryRunService, *RuleService, uint) {
	t.Helper()
	db := newAutomationTestDB(t)
	tenantID := seedTenant(t, db, settings)
	rules := NewRuleService(db, nil)
	resolver := NewContextResolver(db, nil)
	return NewDryRunService(db, nil, resolver, rules), rules, tenantID
}

func TestDryRun_InlineRuleAndPayload(t *testing.T) {
	svc, _, tenantID := newDryRunFixture(t, models.TenantSettings{AutomationsEnabled: true})

	result, err := svc.Run(context.Background(), tenantID, &DryRunRequest{
		Rule: &AutomationRuleRequest{
			Name:       "ping",
			TriggerKey: "job.created",
			Conditions: parseNodes(t, `[{"compare": {"op": "eq", "left": {"ref": "event.payload.kind"}, "right": "install"}}]`),
			Actions: []ActionNode{
				{ID: "a1", Kind: ActionCreateTask, Params: map[string]interface{}{"title": "inspect {{event.payload.kind}}"}},
			},
		},
		EventType: "job.created",
		Payload:   map[string]interface{}{"kind": "install"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Matched {
		t.Fatalf("expected match, trace: %+v", result.MatchDetails)
	}
	if len(result.ActionPreviews) != 1 {
		t.Fatalf("expected 1 preview, got %d", len(result.ActionPreviews))
	}
	if got := result.ActionPreviews[0].Rendered.Fields["title"]; got != "inspect install" {
		t.Errorf("rendered title = %v", got)
	}
}

func TestDryRun_NonMatchStillPreviews(t *testing.T) {
	svc, _, tenantID := newDryRunFixture(t, models.TenantSettings{AutomationsEnabled: true})

	result, err := svc.Run(context.Background(), tenantID, &DryRunRequest{
		Rule: &AutomationRuleRequest{
			Name:       "ping",
			TriggerKey: "job.created",
			Conditions: parseNodes(t, `[{"compare": {"op": "eq", "left": {"ref": "event.payload.kind"}, "right": "install"}}]`),
			Actions: []ActionNode{
				{ID: "a1", Kind: ActionCreateTask, Params: map[string]interface{}{"title": "x"}},
			},
		},
		EventType: "job.created",
		Payload:   map[string]interface{}{"kind": "repair"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Matched {
		t.Fatal("expected no match")
	}
	if len(result.MatchDetails) == 0 {
		t.Error("non-match must still explain itself")
	}
	if len(result.ActionPreviews) != 1 {
		t.Error("previews are produced regardless of match")
	}
}

func TestDryRun_NeverPersistsAnything(t *testing.T) {
	svc, rules, tenantID := newDryRunFixture(t, models.TenantSettings{AutomationsEnabled: true})
	ctx := context.Background()

	rule, err := rules.CreateRule(ctx, tenantID, nil, &AutomationRuleRequest{
		Name:       "stock alert",
		TriggerKey: "material.stock_updated",
		Actions: []ActionNode{
			{ID: "a1", Kind: ActionAdjustStock, Params: map[string]interface{}{"materialId": 1, "quantity": 5}},
			{ID: "a2", Kind: ActionCallWebhook, Params: map[string]interface{}{"url": "https://example.com/hook"}},
		},
	})
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}

	if _, err := svc.Run(ctx, tenantID, &DryRunRequest{
		RuleID:  rule.ID,
		Payload: map[string]interface{}{"materialId": 1},
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// 除 last_tested_at 外零持久化
	counts := map[string]int64{}
	var n int64
	svc.db.Model(&models.AutomationRun{}).Count(&n)
	counts["runs"] = n
	svc.db.Model(&models.AutomationActionOutbox{}).Count(&n)
	counts["outbox"] = n
	svc.db.Model(&models.AutomationEvent{}).Count(&n)
	counts["events"] = n
	svc.db.Model(&models.StockMovement{}).Count(&n)
	counts["movements"] = n
	for table, c := range counts {
		if c != 0 {
			t.Errorf("dry-run persisted %d rows in %s", c, table)
		}
	}

	stored, err := rules.GetRule(ctx, tenantID, rule.ID)
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if stored.LastTestedAt == nil {
		t.Fatal("dry-run on a saved rule must stamp last_tested_at")
	}
	if time.Since(*stored.LastTestedAt) > time.Minute {
		t.Errorf("last_tested_at not fresh: %v", stored.LastTestedAt)
	}
}

func TestDryRun_InlineRuleDoesNotStamp(t *testing.T) {
	svc, _, tenantID := newDryRunFixture(t, models.TenantSettings{AutomationsEnabled: true})

	if _, err := svc.Run(context.Background(), tenantID, &DryRunRequest{
		Rule: &AutomationRuleRequest{
			Name:       "inline",
			TriggerKey: "job.created",
			Actions:    []ActionNode{{ID: "a1", Kind: ActionCreateTask, Params: map[string]interface{}{"title": "x"}}},
		},
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var n int64
	svc.db.Model(&models.AutomationRule{}).Count(&n)
	if n != 0 {
		t.Errorf("inline dry-run must not save rules, got %d", n)
	}
}

func TestDryRun_ReadinessWarnings(t *testing.T) {
	svc, _, tenantID := newDryRunFixture(t, models.TenantSettings{
		AutomationsEnabled: false,
		SMSProviderEnabled: false,
	})

	result, err := svc.Run(context.Background(), tenantID, &DryRunRequest{
		Rule: &AutomationRuleRequest{
			Name:       "texter",
			TriggerKey: "job.created",
			Actions: []ActionNode{
				{ID: "a1", Kind: ActionSendCommunication, Params: map[string]interface{}{
					"channel": "sms", "body": "hi",
					"recipients": []interface{}{map[string]interface{}{"phone": "+1555"}},
				}},
				{ID: "a2", Kind: ActionSendCommunication, Params: map[string]interface{}{
					"channel": "email", "subject": "s", "body": "b",
					"recipients": []interface{}{map[string]interface{}{"email": "a@b.c"}},
				}},
			},
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Warnings) != 3 {
		t.Fatalf("expected 3 warnings (kill switch, email identity, sms), got %v", result.Warnings)
	}
}

func TestDryRun_SavedEventLookupIsTenantScoped(t *testing.T) {
	svc, _, tenantA := newDryRunFixture(t, models.TenantSettings{AutomationsEnabled: true})
	tenantB := seedTenant(t, svc.db, models.TenantSettings{AutomationsEnabled: true})

	event := models.AutomationEvent{ID: "evt-b", TenantID: tenantB, EventType: "job.created", Payload: "{}"}
	svc.db.Create(&event)

	_, err := svc.Run(context.Background(), tenantA, &DryRunRequest{
		Rule: &AutomationRuleRequest{
			Name:       "r",
			TriggerKey: "job.created",
			Actions:    []ActionNode{{ID: "a1", Kind: ActionCreateTask, Params: map[string]interface{}{"title": "x"}}},
		},
		EventID: "evt-b",
	})
	if verr, ok := err.(*ValidationError); !ok || verr.Code != "event_not_found" {
		t.Fatalf("cross-tenant event must not be visible, got %v", err)
	}
}
