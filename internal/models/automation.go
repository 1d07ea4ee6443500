package models

import (
	"time"

	"gorm.io/gorm"
)

// AutomationRule 自动化规则定义
// Trigger + conditions tree + ordered actions, all tenant-scoped.
// Conditions and Actions are stored as JSON text the same way the
// trigger tables always have been; the services layer owns the shape.
type AutomationRule struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	TenantID       uint   `gorm:"index" json:"tenant_id"`
	Name           string `gorm:"not null" json:"name"`
	Description    string `gorm:"type:text" json:"description"`
	TriggerKey     string `gorm:"not null;index" json:"trigger_key"`
	TriggerVersion int    `gorm:"default:1" json:"trigger_version"`
	TriggerFilters string `gorm:"type:text" json:"trigger_filters"` // JSON: {field: value}
	Conditions     string `gorm:"type:text" json:"conditions"`      // JSON: []ConditionNode
	Actions        string `gorm:"type:text" json:"actions"`         // JSON: []ActionNode
	Enabled        bool   `gorm:"default:false;index" json:"enabled"`

	// Safety flags derived from the action list on every save.
	IsCustomerFacing bool `gorm:"default:false" json:"is_customer_facing"`
	RequiresSMS      bool `gorm:"default:false" json:"requires_sms"`
	RequiresEmail    bool `gorm:"default:false" json:"requires_email"`

	ThrottleWindowHours  int    `gorm:"default:0" json:"throttle_window_hours"`
	ThrottleMaxPerWindow int    `gorm:"default:0" json:"throttle_max_per_window"`
	ThrottleScope        string `gorm:"default:'org'" json:"throttle_scope"` // org, entity, job

	LastTestedAt  *time.Time     `json:"last_tested_at"`
	LastEnabledAt *time.Time     `json:"last_enabled_at"`
	CreatedBy     *uint          `json:"created_by"`
	UpdatedBy     *uint          `json:"updated_by"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

// AutomationEvent 触发事件（不可变）
type AutomationEvent struct {
	ID          string    `gorm:"primaryKey" json:"id"` // uuid
	TenantID    uint      `gorm:"index" json:"tenant_id"`
	EventType   string    `gorm:"index" json:"event_type"`
	Payload     string    `gorm:"type:text" json:"payload"` // JSON, event-type specific
	ActorUserID *uint     `json:"actor_user_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Run statuses.
const (
	RunQueued      = "queued"
	RunRunning     = "running"
	RunSucceeded   = "succeeded"
	RunFailed      = "failed"
	RunSkipped     = "skipped"
	RunRateLimited = "rate_limited"
)

// AutomationRun 执行记录用于审计
// One row per rule-evaluation pass; Trace holds the condition trace.
type AutomationRun struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	TenantID   uint       `gorm:"index" json:"tenant_id"`
	RuleID     uint       `gorm:"index" json:"rule_id"`
	EventID    string     `gorm:"index" json:"event_id"`
	ScopeKey   string     `gorm:"index" json:"scope_key"` // throttle counting key
	Status     string     `gorm:"index" json:"status"`
	Trace      string     `gorm:"type:text" json:"trace"` // JSON: []TraceEntry
	Message    string     `gorm:"type:text" json:"message"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	CreatedAt  time.Time  `json:"created_at"`

	Rule AutomationRule `gorm:"foreignKey:RuleID" json:"rule,omitempty"`
}

// Outbox statuses.
const (
	OutboxQueued      = "queued"
	OutboxSending     = "sending"
	OutboxSent        = "sent"
	OutboxFailed      = "failed"
	OutboxSuppressed  = "suppressed"
	OutboxSkipped     = "skipped"
	OutboxRateLimited = "rate_limited"
)

// AutomationActionOutbox is the durable record-then-deliver row, one
// per (rule, event, action). The unique index is the idempotency
// boundary: re-processing the same event can never create a second
// row for the same action.
type AutomationActionOutbox struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	TenantID          uint       `gorm:"uniqueIndex:idx_outbox_idem;index" json:"tenant_id"`
	RuleID            uint       `gorm:"uniqueIndex:idx_outbox_idem" json:"rule_id"`
	EventID           string     `gorm:"uniqueIndex:idx_outbox_idem" json:"event_id"`
	ActionID          string     `gorm:"uniqueIndex:idx_outbox_idem" json:"action_id"`
	ActionKind        string     `gorm:"index" json:"action_kind"`
	Params            string     `gorm:"type:text" json:"params"` // JSON, rendered at dispatch time
	Status            string     `gorm:"index" json:"status"`
	AttemptCount      int        `gorm:"default:0" json:"attempt_count"`
	LastError         string     `gorm:"type:text" json:"last_error"`
	NextAttemptAt     *time.Time `gorm:"index" json:"next_attempt_at"`
	ProviderMessageID string     `json:"provider_message_id"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
