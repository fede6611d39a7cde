package session

import (
	"sync"
	"time"

	"msggw/internal/domain"
)

// Key identifies one session in the registry.
type Key struct {
	TenantID   string
	InstanceID string
}

// Session is one paired or pairing connection for a (tenant, instance) pair.
// All mutable fields are guarded by mu; the Manager is the only writer.
type Session struct {
	Key         Key
	DisplayName string

	mu sync.Mutex
	// gen invalidates in-flight async work after a destroy/recreate; a stale
	// goroutine compares its captured gen before applying any transition.
	gen            uint64
	status         domain.SessionStatus
	artifact       *Artifact
	pairedAddress  string
	lastError      string
	createdAt      time.Time
	connectedAt    time.Time
	disconnectedAt time.Time
	messageCount   int64
}

// Snapshot is a consistent read of session state for controllers and events.
type Snapshot struct {
	TenantID       string               `json:"tenantId"`
	InstanceID     string               `json:"instanceId"`
	DisplayName    string               `json:"displayName"`
	Status         domain.SessionStatus `json:"status"`
	PairedAddress  string               `json:"pairedAddress,omitempty"`
	LastError      string               `json:"lastError,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
	ConnectedAt    *time.Time           `json:"connectedAt,omitempty"`
	DisconnectedAt *time.Time           `json:"disconnectedAt,omitempty"`
	MessageCount   int64                `json:"messageCount"`
}

func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) MessageCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		TenantID:      s.Key.TenantID,
		InstanceID:    s.Key.InstanceID,
		DisplayName:   s.DisplayName,
		Status:        s.status,
		PairedAddress: s.pairedAddress,
		LastError:     s.lastError,
		CreatedAt:     s.createdAt,
		MessageCount:  s.messageCount,
	}
	if !s.connectedAt.IsZero() {
		t := s.connectedAt
		snap.ConnectedAt = &t
	}
	if !s.disconnectedAt.IsZero() {
		t := s.disconnectedAt
		snap.DisconnectedAt = &t
	}
	return snap
}
