package store

import (
	"time"

	"msggw/internal/domain"
)

type FlowDoc struct {
	ID         string
	TenantID   string
	Name       string
	IsActive   bool
	Position   int
	Definition []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type ScheduledSend struct {
	ID         string
	TenantID   string
	InstanceID string
	To         string
	Body       string
	FireAt     time.Time
	Status     domain.ScheduledSendStatus
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type ScheduledSendInsert struct {
	ID         string
	TenantID   string
	InstanceID string
	To         string
	Body       string
	FireAt     time.Time
	Now        time.Time
}

type ScheduledSendUpdate struct {
	ID        string
	Status    domain.ScheduledSendStatus
	LastError string
	Now       time.Time
}

// PollJob is an opaque per-tenant periodic job; the core only triggers it and
// computes the next due time.
type PollJob struct {
	ID              string
	TenantID        string
	Kind            string
	IntervalSeconds int
	NextRunAt       time.Time
}

type SessionSnapshotUpsert struct {
	TenantID    string
	InstanceID  string
	DisplayName string
	Status      domain.SessionStatus
	Address     string
	LastError   string
	Now         time.Time
}

type AuditEventInsert struct {
	Kind       string
	TenantID   string
	InstanceID string
	Fields     map[string]string
	OccurredAt time.Time
}

type CampaignUpsert struct {
	ID          string
	TenantID    string
	InstanceID  string
	Status      domain.CampaignStatus
	SentCount   int
	FailedCount int
	Now         time.Time
}

type CampaignRecipientUpsert struct {
	CampaignID string
	Position   int
	Address    string
	Status     domain.RecipientStatus
	Error      string
	MessageID  string
	Now        time.Time
}
