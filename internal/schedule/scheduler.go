package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"msggw/internal/domain"
	"msggw/internal/observability"
	"msggw/internal/store"
	"msggw/internal/transport"
	"msggw/internal/util"
)

// Sender is the slice of the session manager the scheduler needs.
type Sender interface {
	Send(ctx context.Context, tenantID, instanceID, to, body string) (string, error)
}

// Store persists scheduled sends. Rows are never deleted; cancellation and
// completion are status transitions so the audit trail survives.
type Store interface {
	InsertScheduledSend(ctx context.Context, in store.ScheduledSendInsert) error
	DueScheduledSends(ctx context.Context, now time.Time) ([]store.ScheduledSend, error)
	MarkScheduledSend(ctx context.Context, in store.ScheduledSendUpdate) (bool, error)
}

// Jobs lists due external polling jobs and reschedules them. Optional.
type Jobs interface {
	DuePollJobs(ctx context.Context, now time.Time) ([]store.PollJob, error)
	ReschedulePollJob(ctx context.Context, id string, next time.Time) error
}

// PollFunc runs one external polling job. The job itself is opaque here.
type PollFunc func(ctx context.Context, job store.PollJob) error

// ErrNotCancellable is returned when a send has already fired or was
// cancelled before.
var ErrNotCancellable = errors.New("scheduled send not cancellable")

type Options struct {
	Interval time.Duration
	Jobs     Jobs
	Poll     PollFunc
	Now      func() time.Time
}

// Scheduler fires due one-off sends and due polling jobs on a fixed interval.
// A tick still running when the timer fires again is skipped, never queued.
type Scheduler struct {
	sender   Sender
	store    Store
	jobs     Jobs
	poll     PollFunc
	now      func() time.Time
	interval time.Duration

	busy atomic.Bool
}

func NewScheduler(sender Sender, st Store, opts Options) *Scheduler {
	s := &Scheduler{
		sender:   sender,
		store:    st,
		jobs:     opts.Jobs,
		poll:     opts.Poll,
		now:      opts.Now,
		interval: opts.Interval,
	}
	if s.now == nil {
		s.now = util.NowUTC
	}
	if s.interval <= 0 {
		s.interval = 30 * time.Second
	}
	return s
}

// ScheduleSend records a one-off send to fire at the given time.
func (s *Scheduler) ScheduleSend(ctx context.Context, tenantID, instanceID, to, body string, fireAt time.Time) (string, error) {
	id := util.NewScheduleID()
	err := s.store.InsertScheduledSend(ctx, store.ScheduledSendInsert{
		ID:         id,
		TenantID:   tenantID,
		InstanceID: instanceID,
		To:         util.NormalizeAddress(to),
		Body:       body,
		FireAt:     fireAt,
		Now:        s.now(),
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CancelScheduledSend transitions a still-scheduled send to cancelled.
// Fails once the send has already fired or was cancelled before.
func (s *Scheduler) CancelScheduledSend(ctx context.Context, id string) error {
	ok, err := s.store.MarkScheduledSend(ctx, store.ScheduledSendUpdate{
		ID: id, Status: domain.SendCancelled, Now: s.now(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotCancellable, id)
	}
	return nil
}

// Run drives the tick loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduler pass. Overlapping ticks are skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		observability.SchedulerTicks.WithLabelValues("skipped").Inc()
		return
	}
	defer s.busy.Store(false)

	s.fireDueSends(ctx)
	s.fireDueJobs(ctx)
	observability.SchedulerTicks.WithLabelValues("ok").Inc()
}

func (s *Scheduler) fireDueSends(ctx context.Context) {
	now := s.now()
	due, err := s.store.DueScheduledSends(ctx, now)
	if err != nil {
		slog.Error("scheduled send query failed", "err", err)
		return
	}
	for _, sched := range due {
		_, sendErr := s.sender.Send(ctx, sched.TenantID, sched.InstanceID, sched.To, sched.Body)
		update := store.ScheduledSendUpdate{ID: sched.ID, Status: domain.SendSent, Now: s.now()}
		if sendErr != nil {
			if transport.ShouldRetry(sendErr) {
				// leave the row scheduled; the next tick picks it up again
				slog.Warn("scheduled send deferred", "err", sendErr, "schedule_id", sched.ID,
					"tenant_id", sched.TenantID, "instance_id", sched.InstanceID)
				continue
			}
			update.Status = domain.SendFailed
			update.LastError = sendErr.Error()
			slog.Error("scheduled send failed", "err", sendErr, "schedule_id", sched.ID,
				"tenant_id", sched.TenantID, "instance_id", sched.InstanceID)
		}
		if _, err := s.store.MarkScheduledSend(ctx, update); err != nil {
			slog.Error("scheduled send mark failed", "err", err, "schedule_id", sched.ID)
		}
	}
}

func (s *Scheduler) fireDueJobs(ctx context.Context) {
	if s.jobs == nil || s.poll == nil {
		return
	}
	now := s.now()
	due, err := s.jobs.DuePollJobs(ctx, now)
	if err != nil {
		slog.Error("poll job query failed", "err", err)
		return
	}
	for _, job := range due {
		if err := s.poll(ctx, job); err != nil {
			slog.Error("poll job failed", "err", err, "job_id", job.ID, "kind", job.Kind)
		}
		next := s.now().Add(time.Duration(job.IntervalSeconds) * time.Second)
		if err := s.jobs.ReschedulePollJob(ctx, job.ID, next); err != nil {
			slog.Error("poll job reschedule failed", "err", err, "job_id", job.ID)
		}
	}
}
