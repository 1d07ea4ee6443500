package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"crewflow/internal/models"
)

func queueOutboxRow(t *testing.T, d *ActionDispatcher, tenantID uint, actionID string, kind string, params string) *models.AutomationActionOutbox {
	t.Helper()
	row := &models.AutomationActionOutbox{
		TenantID:   tenantID,
		RuleID:     1,
		EventID:    "evt-" + actionID,
		ActionID:   actionID,
		ActionKind: kind,
		Params:     params,
		Status:     models.OutboxQueued,
	}
	if err := d.db.Create(row).Error; err != nil {
		t.Fatalf("create outbox row: %v", err)
	}
	return row
}

func TestWorker_ProcessTenantDeliversQueuedRows(t *testing.T) {
	poster := &fakeWebhookPoster{}
	d, _, _, _, tenantID := dispatcherFixture(t, &Capabilities{Webhooks: poster})

	queueOutboxRow(t, d, tenantID, "w1", ActionCallWebhook, `{"url":"https://example.com/a"}`)
	queueOutboxRow(t, d, tenantID, "w2", ActionCallWebhook, `{"url":"https://example.com/b"}`)

	worker := NewOutboxWorker(d.db, nil, d, time.Second, 10)
	n := worker.ProcessTenant(context.Background(), tenantID)
	if n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if poster.calls != 2 {
		t.Fatalf("expected 2 webhook calls, got %d", poster.calls)
	}

	// 再跑一遍是空操作
	n = worker.ProcessTenant(context.Background(), tenantID)
	if n != 0 || poster.calls != 2 {
		t.Fatalf("second pass should deliver nothing: n=%d calls=%d", n, poster.calls)
	}
}

func TestWorker_SkipsRowsNotYetDue(t *testing.T) {
	poster := &fakeWebhookPoster{}
	d, _, _, _, tenantID := dispatcherFixture(t, &Capabilities{Webhooks: poster})

	future := time.Now().Add(10 * time.Minute)
	row := queueOutboxRow(t, d, tenantID, "w1", ActionCallWebhook, `{"url":"https://example.com/a"}`)
	d.db.Model(row).Updates(map[string]interface{}{
		"status":          models.OutboxFailed,
		"attempt_count":   1,
		"next_attempt_at": future,
	})

	worker := NewOutboxWorker(d.db, nil, d, time.Second, 10)
	if n := worker.ProcessTenant(context.Background(), tenantID); n != 0 {
		t.Fatalf("future retry must not be picked up, got %d", n)
	}

	// 到期后被拣选
	past := time.Now().Add(-time.Minute)
	d.db.Model(row).Update("next_attempt_at", past)
	if n := worker.ProcessTenant(context.Background(), tenantID); n != 1 {
		t.Fatal("due retry should be picked up")
	}
	if poster.calls != 1 {
		t.Fatalf("expected 1 call, got %d", poster.calls)
	}
}

func TestWorker_SkipsExhaustedRows(t *testing.T) {
	poster := &fakeWebhookPoster{err: errors.New("down")}
	d, _, _, _, tenantID := dispatcherFixture(t, &Capabilities{Webhooks: poster})

	row := queueOutboxRow(t, d, tenantID, "w1", ActionCallWebhook, `{"url":"https://example.com/a"}`)
	past := time.Now().Add(-time.Minute)
	d.db.Model(row).Updates(map[string]interface{}{
		"status":          models.OutboxFailed,
		"attempt_count":   maxDeliveryAttempts,
		"next_attempt_at": past,
	})

	worker := NewOutboxWorker(d.db, nil, d, time.Second, 10)
	if n := worker.ProcessTenant(context.Background(), tenantID); n != 0 {
		t.Fatalf("exhausted row must stay failed, got %d deliveries", n)
	}
	if poster.calls != 0 {
		t.Fatalf("exhausted row was executed: %d calls", poster.calls)
	}
}

func TestWorker_ProcessAllTenantsIsScoped(t *testing.T) {
	poster := &fakeWebhookPoster{}
	d, _, _, _, tenantA := dispatcherFixture(t, &Capabilities{Webhooks: poster})
	tenantB := seedTenant(t, d.db, models.TenantSettings{AutomationsEnabled: true})

	queueOutboxRow(t, d, tenantA, "a1", ActionCallWebhook, `{"url":"https://example.com/a"}`)
	queueOutboxRow(t, d, tenantB, "b1", ActionCallWebhook, `{"url":"https://example.com/b"}`)

	worker := NewOutboxWorker(d.db, nil, d, time.Second, 10)
	if n := worker.ProcessAllTenants(context.Background()); n != 2 {
		t.Fatalf("expected 2 deliveries across tenants, got %d", n)
	}

	var statuses []string
	d.db.Model(&models.AutomationActionOutbox{}).Order("tenant_id").Pluck("status", &statuses)
	for _, s := range statuses {
		if s != models.OutboxSent {
			t.Errorf("row left in status %s", s)
		}
	}
}

func TestWorker_StartStop(t *testing.T) {
	d, _, _, _, _ := dispatcherFixture(t, &Capabilities{})
	worker := NewOutboxWorker(d.db, nil, d, 10*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	worker.Stop() // must not hang or panic
}
