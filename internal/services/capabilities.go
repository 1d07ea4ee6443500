package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"crewflow/internal/models"

	"github.com/nats-io/nats.go"
	"gorm.io/gorm"
)

// The engine talks to the outside world only through these interfaces.
// Provider clients (email/SMS gateways, accounting sync) live in other
// services; here they are collaborators the dispatcher records
// outcomes for.

// SendResult is the outcome of one communication send.
type SendResult struct {
	OK                bool
	ProviderMessageID string
	Error             string
}

// Communicator delivers a rendered message on a channel.
type Communicator interface {
	Send(ctx context.Context, channel, recipient, subject, body string) SendResult
}

// WebhookPoster posts a JSON payload to an external URL.
type WebhookPoster interface {
	Post(ctx context.Context, url string, payload []byte) (status int, body string, err error)
}

// IntegrationPublisher emits integration events to the message bus.
type IntegrationPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// InvoiceDrafter queues an invoice draft in the invoicing subsystem.
// The call must be idempotent on key.
type InvoiceDrafter interface {
	QueueDraft(ctx context.Context, tenantID uint, key string, params map[string]interface{}) error
}

// AuditSink records who did what. Failures are logged, never fatal.
type AuditSink interface {
	Record(ctx context.Context, tenantID uint, actorID *uint, action, entityType, entityID string, before, after, metadata interface{})
}

// Capabilities bundles the external collaborators handed to the
// dispatcher and worker. Nil members mean "not configured": the
// corresponding actions end up suppressed instead of failing.
type Capabilities struct {
	Communicator Communicator
	Webhooks     WebhookPoster
	Integration  IntegrationPublisher
	Invoicing    InvoiceDrafter
	Audit        AuditSink
}

// HTTPWebhookPoster posts with a bounded timeout per call. A timeout
// surfaces as an error and counts as a retryable failure upstream.
type HTTPWebhookPoster struct {
	Client  *http.Client
	Timeout time.Duration
}

func NewHTTPWebhookPoster(timeout time.Duration) *HTTPWebhookPoster {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPWebhookPoster{Client: &http.Client{}, Timeout: timeout}
}

func (p *HTTPWebhookPoster) Post(ctx context.Context, url string, payload []byte) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode, string(body), nil
}

// NATSIntegrationPublisher publishes integration events on NATS.
type NATSIntegrationPublisher struct {
	conn          *nats.Conn
	subjectPrefix string
}

func NewNATSIntegrationPublisher(url, subjectPrefix string) (*NATSIntegrationPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("crewflow-automation"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSIntegrationPublisher{conn: conn, subjectPrefix: subjectPrefix}, nil
}

func (p *NATSIntegrationPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	full := subject
	if p.subjectPrefix != "" {
		full = p.subjectPrefix + "." + subject
	}
	if err := p.conn.Publish(full, payload); err != nil {
		return err
	}
	return p.conn.FlushWithContext(ctx)
}

func (p *NATSIntegrationPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// DBAuditSink writes audit rows to the tenant's audit log table.
type DBAuditSink struct {
	db *gorm.DB
}

func NewDBAuditSink(db *gorm.DB) *DBAuditSink {
	return &DBAuditSink{db: db}
}

func (s *DBAuditSink) Record(ctx context.Context, tenantID uint, actorID *uint, action, entityType, entityID string, before, after, metadata interface{}) {
	entry := &models.AuditLog{
		TenantID:   tenantID,
		ActorID:    actorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Before:     jsonString(before),
		After:      jsonString(after),
		Metadata:   jsonString(metadata),
		CreatedAt:  time.Now(),
	}
	_ = s.db.WithContext(ctx).Create(entry).Error
}

func jsonString(v interface{}) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
