package services

import (
	"context"
	"sync"
	"time"

	"crewflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OutboxWorker periodically drains queued and retryable outbox rows.
// Any number of workers can run against the same table: claiming is
// the dispatcher's conditional status update, so at most one wins each
// row and no lock table exists.
type OutboxWorker struct {
	db         *gorm.DB
	logger     *logrus.Logger
	dispatcher *ActionDispatcher
	interval   time.Duration
	batch      int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewOutboxWorker(db *gorm.DB, logger *logrus.Logger, dispatcher *ActionDispatcher, interval time.Duration, batch int) *OutboxWorker {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &OutboxWorker{
		db:         db,
		logger:     logger,
		dispatcher: dispatcher,
		interval:   interval,
		batch:      batch,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the delivery loop until Stop or context cancellation.
func (w *OutboxWorker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.ProcessAllTenants(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (w *OutboxWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// ProcessAllTenants runs one delivery pass for every tenant with
// deliverable rows. Tenants are processed concurrently; isolation
// comes from tenant-scoped queries, not from serialization.
func (w *OutboxWorker) ProcessAllTenants(ctx context.Context) int {
	var tenantIDs []uint
	if err := w.deliverableQuery(ctx, 0).
		Distinct("tenant_id").
		Pluck("tenant_id", &tenantIDs).Error; err != nil {
		w.logger.Warnf("automation: outbox tenant scan failed: %v", err)
		return 0
	}

	var total int64
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, tenantID := range tenantIDs {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			n := w.ProcessTenant(ctx, id)
			mu.Lock()
			total += int64(n)
			mu.Unlock()
		}(tenantID)
	}
	wg.Wait()
	return int(total)
}

// ProcessTenant delivers up to one batch of rows for a tenant.
// Idempotent to call repeatedly: rows already claimed or terminal are
// skipped by the conditional transition.
func (w *OutboxWorker) ProcessTenant(ctx context.Context, tenantID uint) int {
	var rows []models.AutomationActionOutbox
	err := w.deliverableQuery(ctx, tenantID).
		Order("id").
		Limit(w.batch).
		Find(&rows).Error
	if err != nil {
		w.logger.Warnf("automation: outbox scan for tenant %d failed: %v", tenantID, err)
		return 0
	}

	processed := 0
	for i := range rows {
		before := rows[i].Status
		w.dispatcher.Deliver(ctx, &rows[i])
		if rows[i].Status != before {
			processed++
		}
	}
	if processed > 0 {
		w.logger.Infof("automation: delivered %d outbox rows for tenant %d", processed, tenantID)
	}
	return processed
}

// deliverableQuery selects rows eligible for delivery: freshly queued,
// or failed with attempts left and a due retry time.
func (w *OutboxWorker) deliverableQuery(ctx context.Context, tenantID uint) *gorm.DB {
	q := w.db.WithContext(ctx).Model(&models.AutomationActionOutbox{}).
		Where("status = ? OR (status = ? AND attempt_count < ? AND next_attempt_at <= ?)",
			models.OutboxQueued, models.OutboxFailed, maxDeliveryAttempts, time.Now())
	if tenantID != 0 {
		q = q.Scopes(TenantScoped(tenantID))
	}
	return q
}
