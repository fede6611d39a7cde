package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"msggw/internal/campaign"
	"msggw/internal/domain"
	"msggw/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) ActiveFlowDocs(ctx context.Context, tenantID string) ([]store.FlowDoc, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, tenant_id, name, is_active, position, definition_json, created_at, updated_at
		FROM flows WHERE tenant_id=$1 AND is_active=true
		ORDER BY position, created_at
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.FlowDoc
	for rows.Next() {
		var d store.FlowDoc
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Name, &d.IsActive, &d.Position, &d.Definition, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) InsertScheduledSend(ctx context.Context, in store.ScheduledSendInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO scheduled_sends (id, tenant_id, instance_id, to_address, body, fire_at, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
	`, in.ID, in.TenantID, in.InstanceID, in.To, in.Body, in.FireAt, string(domain.SendScheduled), in.Now)
	return err
}

func (s *Store) DueScheduledSends(ctx context.Context, now time.Time) ([]store.ScheduledSend, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, tenant_id, instance_id, to_address, body, fire_at, status, COALESCE(last_error,''), created_at, updated_at
		FROM scheduled_sends
		WHERE status=$1 AND fire_at <= $2
		ORDER BY fire_at
	`, string(domain.SendScheduled), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ScheduledSend
	for rows.Next() {
		var m store.ScheduledSend
		if err := rows.Scan(&m.ID, &m.TenantID, &m.InstanceID, &m.To, &m.Body, &m.FireAt, &m.Status, &m.LastError, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkScheduledSend transitions a send out of scheduled. The WHERE guard makes
// the transition race-free: a cancelled send can not be marked sent later.
func (s *Store) MarkScheduledSend(ctx context.Context, in store.ScheduledSendUpdate) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE scheduled_sends SET status=$2, last_error=$3, updated_at=$4
		WHERE id=$1 AND status=$5
	`, in.ID, string(in.Status), nullIfEmpty(in.LastError), in.Now, string(domain.SendScheduled))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) DuePollJobs(ctx context.Context, now time.Time) ([]store.PollJob, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, tenant_id, kind, interval_seconds, next_run_at
		FROM poll_jobs WHERE enabled=true AND next_run_at <= $1
		ORDER BY next_run_at
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.PollJob
	for rows.Next() {
		var j store.PollJob
		if err := rows.Scan(&j.ID, &j.TenantID, &j.Kind, &j.IntervalSeconds, &j.NextRunAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) ReschedulePollJob(ctx context.Context, id string, next time.Time) error {
	_, err := s.DB.Exec(ctx, `UPDATE poll_jobs SET next_run_at=$2 WHERE id=$1`, id, next)
	return err
}

func (s *Store) UpsertSessionSnapshot(ctx context.Context, in store.SessionSnapshotUpsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO session_snapshots (tenant_id, instance_id, display_name, status, paired_address, last_error, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tenant_id, instance_id)
		DO UPDATE SET display_name=EXCLUDED.display_name, status=EXCLUDED.status,
		              paired_address=EXCLUDED.paired_address, last_error=EXCLUDED.last_error,
		              updated_at=EXCLUDED.updated_at
	`, in.TenantID, in.InstanceID, in.DisplayName, string(in.Status), nullIfEmpty(in.Address), nullIfEmpty(in.LastError), in.Now)
	return err
}

func (s *Store) IncrementMessageCount(ctx context.Context, tenantID, instanceID string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO message_counts (tenant_id, instance_id, count, updated_at)
		VALUES ($1,$2,1,now())
		ON CONFLICT (tenant_id, instance_id)
		DO UPDATE SET count = message_counts.count + 1, updated_at=now()
	`, tenantID, instanceID)
	return err
}

func (s *Store) InsertAuditEvent(ctx context.Context, in store.AuditEventInsert) error {
	b, _ := json.Marshal(in.Fields)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO audit_events (kind, tenant_id, instance_id, fields_json, occurred_at)
		VALUES ($1,$2,$3,$4,$5)
	`, in.Kind, in.TenantID, nullIfEmpty(in.InstanceID), b, in.OccurredAt)
	return err
}

// SaveCampaign persists the dispatcher's live view of a campaign.
func (s *Store) SaveCampaign(ctx context.Context, snap campaign.Snapshot) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO campaigns (id, tenant_id, instance_id, status, sent_count, failed_count, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id)
		DO UPDATE SET status=EXCLUDED.status, sent_count=EXCLUDED.sent_count,
		              failed_count=EXCLUDED.failed_count, updated_at=EXCLUDED.updated_at
	`, snap.ID, snap.TenantID, snap.InstanceID, string(snap.Status), snap.SentCount, snap.FailedCount, now)
	if err != nil {
		return err
	}

	for i, r := range snap.Recipients {
		_, err = tx.Exec(ctx, `
			INSERT INTO campaign_recipients (campaign_id, position, address, status, error_msg, message_id, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (campaign_id, position)
			DO UPDATE SET status=EXCLUDED.status, error_msg=EXCLUDED.error_msg,
			              message_id=EXCLUDED.message_id, updated_at=EXCLUDED.updated_at
		`, snap.ID, i, r.Address, string(r.Status), nullIfEmpty(r.Error), nullIfEmpty(r.MessageID), now)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
