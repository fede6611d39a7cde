package domain

import (
	"context"
	"log/slog"
	"time"
)

type EventKind string

const (
	EventSessionStatusChanged EventKind = "session_status_changed"
	EventInboundMessage       EventKind = "inbound_message_received"
	EventMessageSent          EventKind = "message_sent"
	EventMessageFailed        EventKind = "message_failed"
	EventCampaignProgress     EventKind = "campaign_progress_changed"
	EventFlowTriggered        EventKind = "flow_triggered"
	EventPollJobFired         EventKind = "poll_job_fired"
)

// Event is the envelope the core publishes to persistence/audit/UI consumers.
// Fields carries kind-specific detail (status, messageId, error, ...).
type Event struct {
	Kind       EventKind         `json:"kind"`
	TenantID   string            `json:"tenantId"`
	InstanceID string            `json:"instanceId"`
	At         time.Time         `json:"at"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// EventSink receives core events. Publish must not block the caller for long;
// sinks that do I/O should buffer internally.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// LogSink writes every event to slog. Used as the default sink and in tests.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, ev Event) {
	attrs := []any{"kind", ev.Kind, "tenant_id", ev.TenantID, "instance_id", ev.InstanceID}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	slog.Info("core event", attrs...)
}

// MultiSink fans an event out to every child sink.
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Publish(ctx, ev)
	}
}
