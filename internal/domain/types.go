package domain

import (
	"errors"
	"time"
)

// SessionStatus is the connection state of one (tenant, instance) session.
type SessionStatus string

const (
	StatusNotInitialized SessionStatus = "not_initialized"
	StatusInitializing   SessionStatus = "initializing"
	StatusQRReady        SessionStatus = "qr_ready"
	StatusAuthenticated  SessionStatus = "authenticated"
	StatusReady          SessionStatus = "ready"
	StatusAuthFailed     SessionStatus = "auth_failed"
	StatusDisconnected   SessionStatus = "disconnected"
)

// Terminal reports whether the status requires a fresh CreateSession to leave.
func (s SessionStatus) Terminal() bool {
	return s == StatusAuthFailed || s == StatusDisconnected
}

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

type ScheduledSendStatus string

const (
	SendScheduled ScheduledSendStatus = "scheduled"
	SendSent      ScheduledSendStatus = "sent"
	SendFailed    ScheduledSendStatus = "failed"
	SendCancelled ScheduledSendStatus = "cancelled"
)

var (
	ErrSessionNotFound           = errors.New("session not found")
	ErrSessionNotReady           = errors.New("session not ready")
	ErrPairingUnavailable        = errors.New("pairing code unavailable")
	ErrTransportFailure          = errors.New("transport failure")
	ErrValidationFailure         = errors.New("response validation failed")
	ErrCampaignInvalidTransition = errors.New("invalid campaign transition")
)

// Connection update events delivered by the provider webhook pipeline.
const (
	UpdateQR           = "qr"
	UpdatePaired       = "paired"
	UpdateConnected    = "connected"
	UpdateDisconnected = "disconnected"
	UpdateAuthFailure  = "auth_failure"
)

// ConnectionUpdate is a provider-side state change for one instance.
type ConnectionUpdate struct {
	Event     string `json:"event"`
	QRPayload string `json:"qrPayload,omitempty"`
	Address   string `json:"address,omitempty"`
	Error     string `json:"error,omitempty"`
}

// InboundMessage is one message received from the chat network, either via the
// provider webhook pipeline or injected synthetically for flow testing.
type InboundMessage struct {
	TenantID   string    `json:"tenantId"`
	InstanceID string    `json:"instanceId"`
	From       string    `json:"from"`
	Body       string    `json:"body"`
	HasMedia   bool      `json:"hasMedia,omitempty"`
	MediaType  string    `json:"mediaType,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}
