package services

import (
	"context"
	"sync"
	"testing"

	"crewflow/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newAutomationTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&models.Tenant{},
		&models.TenantSettings{},
		&models.User{},
		&models.Crew{},
		&models.CrewMember{},
		&models.Job{},
		&models.SiteContact{},
		&models.ScheduleAssignment{},
		&models.Material{},
		&models.StockMovement{},
		&models.MaterialAllocation{},
		&models.MaterialUsageLog{},
		&models.Task{},
		&models.Notification{},
		&models.AuditLog{},
		&models.AutomationRule{},
		&models.AutomationEvent{},
		&models.AutomationRun{},
		&models.AutomationActionOutbox{},
	)
	if err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func seedTenant(t *testing.T, db *gorm.DB, settings models.TenantSettings) uint {
	t.Helper()
	tenant := models.Tenant{Name: "test"}
	if err := db.Create(&tenant).Error; err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	settings.TenantID = tenant.ID
	if settings.Timezone == "" {
		settings.Timezone = "UTC"
	}
	if settings.WorkdayStartMinutes == 0 {
		settings.WorkdayStartMinutes = 480
	}
	if settings.WorkdayEndMinutes == 0 {
		settings.WorkdayEndMinutes = 1020
	}
	if err := db.Create(&settings).Error; err != nil {
		t.Fatalf("create tenant settings: %v", err)
	}
	// zero-valued bools are skipped by Create when the column carries a
	// default, so force the flag explicitly
	if !settings.AutomationsEnabled {
		db.Model(&models.TenantSettings{}).
			Where("tenant_id = ?", tenant.ID).
			Update("automations_enabled", false)
	}
	return tenant.ID
}

// fakeCommunicator records sends and can be told to fail.
type fakeCommunicator struct {
	mu    sync.Mutex
	sent  []string
	fail  bool
	calls int
}

func (f *fakeCommunicator) Send(ctx context.Context, channel, recipient, subject, body string) SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return SendResult{OK: false, Error: "provider unavailable"}
	}
	f.sent = append(f.sent, channel+":"+recipient)
	return SendResult{OK: true, ProviderMessageID: "msg-1"}
}

// fakeWebhookPoster captures payloads without any network traffic.
type fakeWebhookPoster struct {
	mu       sync.Mutex
	calls    int
	status   int
	err      error
	lastURL  string
	lastBody []byte
}

func (f *fakeWebhookPoster) Post(ctx context.Context, url string, payload []byte) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastURL = url
	f.lastBody = payload
	if f.err != nil {
		return 0, "", f.err
	}
	if f.status == 0 {
		return 200, "ok", nil
	}
	return f.status, "", nil
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakePublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	return nil
}

func countOutboxRows(t *testing.T, db *gorm.DB, tenantID uint) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.AutomationActionOutbox{}).Where("tenant_id = ?", tenantID).Count(&n).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	return n
}

func countRuns(t *testing.T, db *gorm.DB, tenantID uint, status string) int64 {
	t.Helper()
	q := db.Model(&models.AutomationRun{}).Where("tenant_id = ?", tenantID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count runs: %v", err)
	}
	return n
}
