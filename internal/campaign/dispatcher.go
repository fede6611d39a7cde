package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"msggw/internal/domain"
	"msggw/internal/observability"
	"msggw/internal/transport"
	"msggw/internal/util"
)

// Sessions is the slice of the session manager the dispatcher needs.
type Sessions interface {
	Status(tenantID, instanceID string) domain.SessionStatus
	Send(ctx context.Context, tenantID, instanceID, to, body string) (string, error)
}

// Saver persists campaign progress after each recipient. Optional.
type Saver interface {
	SaveCampaign(ctx context.Context, snap Snapshot) error
}

type Options struct {
	Events domain.EventSink
	Saver  Saver
	Now    func() time.Time

	// Base bounds campaign workers to the process lifetime. Cancelling it
	// stops every loop at the next recipient boundary with statuses left
	// intact, so a restart resumes from the remaining pending recipients.
	// Defaults to context.Background().
	Base context.Context
}

// Dispatcher drives campaigns to completion, one worker per campaign,
// strictly sequential within a campaign, concurrent across campaigns.
type Dispatcher struct {
	sessions Sessions
	events   domain.EventSink
	saver    Saver
	now      func() time.Time
	base     context.Context

	mu        sync.Mutex
	campaigns map[string]*Campaign
}

func NewDispatcher(sessions Sessions, opts Options) *Dispatcher {
	d := &Dispatcher{
		sessions:  sessions,
		events:    opts.Events,
		saver:     opts.Saver,
		now:       opts.Now,
		base:      opts.Base,
		campaigns: make(map[string]*Campaign),
	}
	if d.events == nil {
		d.events = domain.LogSink{}
	}
	if d.base == nil {
		d.base = context.Background()
	}
	if d.now == nil {
		d.now = util.NowUTC
	}
	return d
}

// Register makes a campaign addressable by id. Re-registering an id returns
// the existing campaign.
func (d *Dispatcher) Register(c *Campaign) *Campaign {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.campaigns[c.ID]; ok {
		return existing
	}
	d.campaigns[c.ID] = c
	return c
}

func (d *Dispatcher) Campaign(id string) (*Campaign, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.campaigns[id]
	return c, ok
}

// Start begins (or continues) processing from the first remaining pending
// recipient. Requires the target session to be ready and refuses a second
// logical run while one is active.
func (d *Dispatcher) Start(ctx context.Context, c *Campaign) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.status {
	case domain.CampaignDraft, domain.CampaignPaused:
	case domain.CampaignRunning:
		return fmt.Errorf("%w: campaign %s already running", domain.ErrCampaignInvalidTransition, c.ID)
	default:
		return fmt.Errorf("%w: cannot start from %s", domain.ErrCampaignInvalidTransition, c.status)
	}

	if st := d.sessions.Status(c.TenantID, c.InstanceID); st != domain.StatusReady {
		return fmt.Errorf("%w: status %s", domain.ErrSessionNotReady, st)
	}

	c.status = domain.CampaignRunning
	if c.loopActive {
		// a paused loop has not observed the pause yet; it will pick the new
		// status up at the next recipient boundary
		return nil
	}
	// The worker outlives the request, so it runs on the dispatcher's base
	// context rather than on ctx.
	c.loopActive = true
	go d.run(d.base, c)
	return nil
}

// Pause stops processing at the next recipient boundary, never mid-send.
func (d *Dispatcher) Pause(c *Campaign) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != domain.CampaignRunning {
		return fmt.Errorf("%w: cannot pause from %s", domain.ErrCampaignInvalidTransition, c.status)
	}
	c.status = domain.CampaignPaused
	return nil
}

// Resume is Start restricted to paused campaigns.
func (d *Dispatcher) Resume(ctx context.Context, c *Campaign) error {
	if st := c.Status(); st != domain.CampaignPaused {
		return fmt.Errorf("%w: cannot resume from %s", domain.ErrCampaignInvalidTransition, st)
	}
	return d.Start(ctx, c)
}

func (d *Dispatcher) run(ctx context.Context, c *Campaign) {
	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.status = domain.CampaignCancelled
			c.loopActive = false
			c.mu.Unlock()
			slog.Error("campaign dispatch panicked", "campaign_id", c.ID, "panic", r)
			d.publishProgress(ctx, c)
		}
	}()

	for {
		c.mu.Lock()
		if c.status == domain.CampaignPaused {
			c.loopActive = false
			c.mu.Unlock()
			d.publishProgress(ctx, c)
			return
		}
		r := nextPendingLocked(c)
		if r == nil {
			c.status = domain.CampaignCompleted
			c.loopActive = false
			c.mu.Unlock()
			d.publishProgress(ctx, c)
			return
		}
		c.mu.Unlock()

		if ctx.Err() != nil {
			// process shutdown: leave status untouched so a restart resumes
			// from the remaining pending recipients
			c.mu.Lock()
			c.loopActive = false
			c.mu.Unlock()
			return
		}

		body := util.RenderTemplateWithDefaults(c.Template, r.Vars, c.Defaults)
		msgID, err := d.sendWithRetries(ctx, c, r.Address, body)

		c.mu.Lock()
		if err != nil {
			r.Status = domain.RecipientFailed
			r.Error = err.Error()
			c.failedCount++
			observability.CampaignRecipients.WithLabelValues("failed").Inc()
		} else {
			r.Status = domain.RecipientSent
			r.MessageID = msgID
			c.sentCount++
			observability.CampaignRecipients.WithLabelValues("sent").Inc()
		}
		hasMore := nextPendingLocked(c) != nil
		c.mu.Unlock()

		d.publishProgress(ctx, c)

		if hasMore && c.Settings.Delay > 0 {
			select {
			case <-ctx.Done():
				c.mu.Lock()
				c.loopActive = false
				c.mu.Unlock()
				return
			case <-time.After(c.Settings.Delay):
			}
		}
	}
}

func (d *Dispatcher) sendWithRetries(ctx context.Context, c *Campaign, to, body string) (string, error) {
	var msgID string
	var err error
	for attempt := 0; attempt <= c.Settings.MaxRetries; attempt++ {
		msgID, err = d.sessions.Send(ctx, c.TenantID, c.InstanceID, to, body)
		if err == nil {
			return msgID, nil
		}
		// session-level errors will not heal between attempts
		if errors.Is(err, domain.ErrSessionNotReady) || errors.Is(err, domain.ErrSessionNotFound) {
			return "", err
		}
		if attempt < c.Settings.MaxRetries {
			time.Sleep(transport.Backoff(attempt))
		}
	}
	return "", err
}

func (d *Dispatcher) publishProgress(ctx context.Context, c *Campaign) {
	c.mu.Lock()
	fields := map[string]string{
		"campaign_id": c.ID,
		"status":      string(c.status),
		"sent":        strconv.Itoa(c.sentCount),
		"failed":      strconv.Itoa(c.failedCount),
	}
	tenantID, instanceID := c.TenantID, c.InstanceID
	c.mu.Unlock()

	d.events.Publish(ctx, domain.Event{
		Kind: domain.EventCampaignProgress, TenantID: tenantID, InstanceID: instanceID,
		At: d.now(), Fields: fields,
	})
	if d.saver != nil {
		if err := d.saver.SaveCampaign(ctx, c.Snapshot()); err != nil {
			slog.Warn("campaign save failed", "err", err, "campaign_id", c.ID)
		}
	}
}

// caller holds c.mu
func nextPendingLocked(c *Campaign) *Recipient {
	for _, r := range c.recipients {
		if r.Status == domain.RecipientPending {
			return r
		}
	}
	return nil
}
