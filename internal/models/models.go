package models

import (
	"time"

	"gorm.io/gorm"
)

// Tenant is the top-level isolation boundary. Every other row carries
// a TenantID and every query is scoped by it.
type Tenant struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Name      string         `gorm:"not null" json:"name"`
	Plan      string         `gorm:"default:'standard'" json:"plan"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Settings *TenantSettings `gorm:"foreignKey:TenantID" json:"settings,omitempty"`
}

// TenantSettings holds per-tenant automation and communication config.
type TenantSettings struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	TenantID            uint      `gorm:"uniqueIndex" json:"tenant_id"`
	Timezone            string    `gorm:"default:'UTC'" json:"timezone"`
	WorkdayStartMinutes int       `gorm:"default:480" json:"workday_start_minutes"` // 08:00
	WorkdayEndMinutes   int       `gorm:"default:1020" json:"workday_end_minutes"`  // 17:00
	AutomationsEnabled  bool      `gorm:"default:true" json:"automations_enabled"`
	EmailSenderIdentity string    `json:"email_sender_identity"`
	SMSProviderEnabled  bool      `gorm:"default:false" json:"sms_provider_enabled"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	TenantID  uint           `gorm:"index" json:"tenant_id"`
	Name      string         `json:"name"`
	Email     string         `gorm:"index" json:"email"`
	Phone     string         `json:"phone"`
	Role      string         `gorm:"default:'member'" json:"role"` // member, dispatcher, admin
	Status    string         `gorm:"default:'active'" json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

type Crew struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	TenantID  uint           `gorm:"index" json:"tenant_id"`
	Name      string         `gorm:"not null" json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Members []CrewMember `gorm:"foreignKey:CrewID" json:"members,omitempty"`
}

type CrewMember struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CrewID    uint      `gorm:"index" json:"crew_id"`
	UserID    uint      `gorm:"index" json:"user_id"`
	Role      string    `gorm:"default:'tech'" json:"role"` // tech, lead
	CreatedAt time.Time `json:"created_at"`

	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// Job is the central work unit of the platform.
type Job struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	TenantID       uint           `gorm:"index" json:"tenant_id"`
	Title          string         `gorm:"not null" json:"title"`
	Description    string         `gorm:"type:text" json:"description"`
	Status         string         `gorm:"default:'draft';index" json:"status"` // draft, scheduled, in_progress, completed, cancelled
	Priority       string         `gorm:"default:'normal'" json:"priority"`
	CrewID         *uint          `gorm:"index" json:"crew_id"`
	SiteAddress    string         `json:"site_address"`
	ScheduledStart *time.Time     `json:"scheduled_start"`
	ScheduledEnd   *time.Time     `json:"scheduled_end"`
	CompletedAt    *time.Time     `json:"completed_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	Crew     *Crew         `gorm:"foreignKey:CrewID" json:"crew,omitempty"`
	Contacts []SiteContact `gorm:"foreignKey:JobID" json:"contacts,omitempty"`
}

// SiteContact is a customer-side contact attached to a job site.
type SiteContact struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TenantID  uint      `gorm:"index" json:"tenant_id"`
	JobID     uint      `gorm:"index" json:"job_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	Role      string    `gorm:"default:'primary'" json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// ScheduleAssignment books a crew onto a job for a time window.
type ScheduleAssignment struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	TenantID  uint           `gorm:"index" json:"tenant_id"`
	JobID     uint           `gorm:"index" json:"job_id"`
	CrewID    *uint          `gorm:"index" json:"crew_id"`
	StartAt   time.Time      `json:"start_at"`
	EndAt     time.Time      `json:"end_at"`
	Status    string         `gorm:"default:'scheduled'" json:"status"` // scheduled, confirmed, completed, cancelled
	Notes     string         `json:"notes"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

type Material struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	TenantID     uint           `gorm:"index" json:"tenant_id"`
	Name         string         `gorm:"not null" json:"name"`
	SKU          string         `gorm:"index" json:"sku"`
	Unit         string         `gorm:"default:'each'" json:"unit"`
	ReorderLevel float64        `gorm:"default:0" json:"reorder_level"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

// StockMovement is an append-only inventory delta. Current stock is
// the sum of deltas, never a stored counter.
type StockMovement struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   uint      `gorm:"index" json:"tenant_id"`
	MaterialID uint      `gorm:"index" json:"material_id"`
	JobID      *uint     `gorm:"index" json:"job_id"`
	Quantity   float64   `json:"quantity"` // signed delta
	Reason     string    `json:"reason"`   // receive, adjust, usage, automation
	CreatedAt  time.Time `json:"created_at"`
}

// MaterialAllocation reserves quantity of a material for a job.
type MaterialAllocation struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   uint      `gorm:"index" json:"tenant_id"`
	MaterialID uint      `gorm:"index" json:"material_id"`
	JobID      uint      `gorm:"index" json:"job_id"`
	Quantity   float64   `json:"quantity"`
	CreatedAt  time.Time `json:"created_at"`
}

// MaterialUsageLog records quantity actually consumed on a job.
type MaterialUsageLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   uint      `gorm:"index" json:"tenant_id"`
	MaterialID uint      `gorm:"index" json:"material_id"`
	JobID      uint      `gorm:"index" json:"job_id"`
	Quantity   float64   `json:"quantity"`
	UsedAt     time.Time `json:"used_at"`
	CreatedAt  time.Time `json:"created_at"`
}

type Task struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	TenantID   uint           `gorm:"index" json:"tenant_id"`
	JobID      *uint          `gorm:"index" json:"job_id"`
	AssigneeID *uint          `gorm:"index" json:"assignee_id"`
	Title      string         `gorm:"not null" json:"title"`
	Notes      string         `gorm:"type:text" json:"notes"`
	DueAt      *time.Time     `json:"due_at"`
	Status     string         `gorm:"default:'open'" json:"status"` // open, done, cancelled
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

// Notification is an in-app message shown to a tenant user.
type Notification struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TenantID  uint      `gorm:"index" json:"tenant_id"`
	UserID    uint      `gorm:"index" json:"user_id"`
	Title     string    `json:"title"`
	Body      string    `gorm:"type:text" json:"body"`
	Kind      string    `gorm:"default:'info'" json:"kind"`
	Read      bool      `gorm:"default:false" json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditLog is the append-only record of who changed what.
type AuditLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   uint      `gorm:"index" json:"tenant_id"`
	ActorID    *uint     `gorm:"index" json:"actor_id"`
	Action     string    `gorm:"index" json:"action"`
	EntityType string    `gorm:"index" json:"entity_type"`
	EntityID   string    `gorm:"index" json:"entity_id"`
	Before     string    `gorm:"type:text" json:"before"`
	After      string    `gorm:"type:text" json:"after"`
	Metadata   string    `gorm:"type:text" json:"metadata"`
	CreatedAt  time.Time `json:"created_at"`
}
