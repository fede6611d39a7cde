package pg

import (
	"context"
	"log/slog"

	"msggw/internal/domain"
	"msggw/internal/store"
)

// EventSink writes core events into the audit trail. Session status changes
// additionally refresh the session snapshot row so controllers can report
// status across restarts.
type EventSink struct {
	Store *Store
}

func (s *EventSink) Publish(ctx context.Context, ev domain.Event) {
	if err := s.Store.InsertAuditEvent(ctx, store.AuditEventInsert{
		Kind:       string(ev.Kind),
		TenantID:   ev.TenantID,
		InstanceID: ev.InstanceID,
		Fields:     ev.Fields,
		OccurredAt: ev.At,
	}); err != nil {
		slog.Warn("audit event insert failed", "err", err, "kind", ev.Kind)
	}

	if ev.Kind != domain.EventSessionStatusChanged {
		return
	}
	if err := s.Store.UpsertSessionSnapshot(ctx, store.SessionSnapshotUpsert{
		TenantID:   ev.TenantID,
		InstanceID: ev.InstanceID,
		Status:     domain.SessionStatus(ev.Fields["status"]),
		LastError:  ev.Fields["error"],
		Now:        ev.At,
	}); err != nil {
		slog.Warn("session snapshot upsert failed", "err", err, "instance_id", ev.InstanceID)
	}
}
