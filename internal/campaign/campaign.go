package campaign

import (
	"sync"
	"time"

	"msggw/internal/domain"
)

type Recipient struct {
	Address   string
	Vars      map[string]string
	Status    domain.RecipientStatus
	Error     string
	MessageID string
}

type Settings struct {
	// Delay is the inter-message wait between recipients; deliberate
	// back-pressure against provider rate limits.
	Delay      time.Duration
	MaxRetries int
}

// Campaign is one bulk send job over an ordered recipient list. The
// dispatcher is the only writer after Start; controllers read snapshots.
type Campaign struct {
	ID         string
	TenantID   string
	InstanceID string
	Template   string
	Defaults   map[string]string
	Settings   Settings

	mu          sync.Mutex
	status      domain.CampaignStatus
	recipients  []*Recipient
	sentCount   int
	failedCount int
	// loopActive distinguishes "status says running" from "a worker loop is
	// actually draining recipients"; it is the guard against a second
	// concurrent run of the same campaign.
	loopActive bool
}

func New(id, tenantID, instanceID, template string, defaults map[string]string, recipients []Recipient, settings Settings) *Campaign {
	c := &Campaign{
		ID:         id,
		TenantID:   tenantID,
		InstanceID: instanceID,
		Template:   template,
		Defaults:   defaults,
		Settings:   settings,
		status:     domain.CampaignDraft,
	}
	for i := range recipients {
		r := recipients[i]
		if r.Status == "" {
			r.Status = domain.RecipientPending
		}
		c.recipients = append(c.recipients, &r)
	}
	return c
}

func (c *Campaign) Status() domain.CampaignStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

type RecipientSnapshot struct {
	Address   string                 `json:"address"`
	Status    domain.RecipientStatus `json:"status"`
	Error     string                 `json:"error,omitempty"`
	MessageID string                 `json:"messageId,omitempty"`
}

type Snapshot struct {
	ID          string                `json:"id"`
	TenantID    string                `json:"tenantId"`
	InstanceID  string                `json:"instanceId"`
	Status      domain.CampaignStatus `json:"status"`
	SentCount   int                   `json:"sentCount"`
	FailedCount int                   `json:"failedCount"`
	Recipients  []RecipientSnapshot   `json:"recipients"`
}

func (c *Campaign) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		ID:          c.ID,
		TenantID:    c.TenantID,
		InstanceID:  c.InstanceID,
		Status:      c.status,
		SentCount:   c.sentCount,
		FailedCount: c.failedCount,
	}
	for _, r := range c.recipients {
		snap.Recipients = append(snap.Recipients, RecipientSnapshot{
			Address: r.Address, Status: r.Status, Error: r.Error, MessageID: r.MessageID,
		})
	}
	return snap
}
