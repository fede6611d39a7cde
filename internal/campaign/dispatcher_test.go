package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"msggw/internal/domain"
)

type sentMsg struct {
	To   string
	Body string
}

type fakeSessions struct {
	mu     sync.Mutex
	status domain.SessionStatus
	sent   []sentMsg
	// failures maps an address to the errors returned on successive attempts;
	// entries are consumed, so a drained list means success.
	failures map[string][]error
	gate     chan struct{}
	started  chan struct{}
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{status: domain.StatusReady, failures: make(map[string][]error)}
}

func (f *fakeSessions) Status(tenantID, instanceID string) domain.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSessions) Send(ctx context.Context, tenantID, instanceID, to, body string) (string, error) {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.failures[to]; len(errs) > 0 {
		err := errs[0]
		f.failures[to] = errs[1:]
		return "", err
	}
	f.sent = append(f.sent, sentMsg{To: to, Body: body})
	return fmt.Sprintf("m%d", len(f.sent)), nil
}

func (f *fakeSessions) sends() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMsg, len(f.sent))
	copy(out, f.sent)
	return out
}

func waitCampaign(t *testing.T, c *Campaign, want domain.CampaignStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("campaign never reached %s, stuck at %s", want, c.Status())
}

func recipients(addrs ...string) []Recipient {
	out := make([]Recipient, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, Recipient{Address: a})
	}
	return out
}

func TestCampaignRunsToCompletion(t *testing.T) {
	sessions := newFakeSessions()
	sessions.failures["+3"] = []error{errors.New("provider hiccup")}
	d := NewDispatcher(sessions, Options{})

	c := d.Register(New("c1", "t1", "i1", "hello", nil, recipients("+1", "+2", "+3"), Settings{}))
	if err := d.Start(context.Background(), c); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitCampaign(t, c, domain.CampaignCompleted)

	snap := c.Snapshot()
	if snap.SentCount != 2 || snap.FailedCount != 1 {
		t.Fatalf("expected 2 sent / 1 failed, got %d/%d", snap.SentCount, snap.FailedCount)
	}
	if snap.Recipients[2].Status != domain.RecipientFailed || snap.Recipients[2].Error == "" {
		t.Fatalf("failed recipient must record the error: %+v", snap.Recipients[2])
	}
	if snap.Recipients[0].MessageID == "" {
		t.Fatalf("sent recipient must record the message id")
	}

	got := sessions.sends()
	if len(got) != 2 || got[0].To != "+1" || got[1].To != "+2" {
		t.Fatalf("sends must follow list order, got %v", got)
	}
}

func TestCampaignTemplatesWithDefaults(t *testing.T) {
	sessions := newFakeSessions()
	d := NewDispatcher(sessions, Options{})

	recips := []Recipient{
		{Address: "+1", Vars: map[string]string{"name": "Ana"}},
		{Address: "+2"},
	}
	defaults := map[string]string{"name": "friend", "shop": "Acme"}
	c := d.Register(New("c1", "t1", "i1", "Hi {{name}}, welcome to {{shop}}", defaults, recips, Settings{}))

	if err := d.Start(context.Background(), c); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitCampaign(t, c, domain.CampaignCompleted)

	got := sessions.sends()
	if got[0].Body != "Hi Ana, welcome to Acme" {
		t.Fatalf("recipient vars must win: %q", got[0].Body)
	}
	if got[1].Body != "Hi friend, welcome to Acme" {
		t.Fatalf("defaults must fill the gaps: %q", got[1].Body)
	}
}

func TestStartRequiresReadySession(t *testing.T) {
	sessions := newFakeSessions()
	sessions.status = domain.StatusQRReady
	d := NewDispatcher(sessions, Options{})

	c := d.Register(New("c1", "t1", "i1", "x", nil, recipients("+1"), Settings{}))
	if err := d.Start(context.Background(), c); !errors.Is(err, domain.ErrSessionNotReady) {
		t.Fatalf("expected session not ready, got %v", err)
	}
	if c.Status() != domain.CampaignDraft {
		t.Fatalf("failed start must not change status, got %s", c.Status())
	}
}

func TestStartWhileRunningRejected(t *testing.T) {
	sessions := newFakeSessions()
	sessions.gate = make(chan struct{})
	d := NewDispatcher(sessions, Options{})

	c := d.Register(New("c1", "t1", "i1", "x", nil, recipients("+1", "+2"), Settings{}))
	if err := d.Start(context.Background(), c); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Start(context.Background(), c); !errors.Is(err, domain.ErrCampaignInvalidTransition) {
		t.Fatalf("expected invalid transition for double start, got %v", err)
	}

	close(sessions.gate)
	waitCampaign(t, c, domain.CampaignCompleted)

	if err := d.Start(context.Background(), c); !errors.Is(err, domain.ErrCampaignInvalidTransition) {
		t.Fatalf("expected invalid transition for completed campaign, got %v", err)
	}
}

func TestPauseAtRecipientBoundaryAndResume(t *testing.T) {
	sessions := newFakeSessions()
	gate := make(chan struct{})
	sessions.gate = gate
	sessions.started = make(chan struct{}, 1)
	d := NewDispatcher(sessions, Options{})

	c := d.Register(New("c1", "t1", "i1", "x", nil, recipients("+1", "+2", "+3"), Settings{}))
	if err := d.Start(context.Background(), c); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-sessions.started

	// first send is in flight; pause must not interrupt it
	if err := d.Pause(c); err != nil {
		t.Fatalf("pause: %v", err)
	}
	gate <- struct{}{}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(sessions.sends()) == 1 && c.Status() == domain.CampaignPaused {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := sessions.sends(); len(got) != 1 || got[0].To != "+1" {
		t.Fatalf("expected exactly the in-flight send to finish, got %v", got)
	}

	close(gate)
	if err := d.Resume(context.Background(), c); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitCampaign(t, c, domain.CampaignCompleted)

	got := sessions.sends()
	if len(got) != 3 || got[1].To != "+2" || got[2].To != "+3" {
		t.Fatalf("resume must continue from the first remaining pending, got %v", got)
	}
}

func TestShutdownLeavesPendingRecipients(t *testing.T) {
	sessions := newFakeSessions()
	gate := make(chan struct{})
	sessions.gate = gate
	sessions.started = make(chan struct{}, 1)

	base, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(sessions, Options{Base: base})

	c := d.Register(New("c1", "t1", "i1", "x", nil, recipients("+1", "+2", "+3"), Settings{Delay: time.Hour}))
	if err := d.Start(context.Background(), c); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-sessions.started

	// Stop the process while the first send is in flight. The send must
	// finish and the loop must exit at the recipient boundary.
	cancel()
	gate <- struct{}{}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		active := c.loopActive
		c.mu.Unlock()
		if !active {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	if c.loopActive {
		c.mu.Unlock()
		t.Fatalf("loop never exited after cancel")
	}
	c.mu.Unlock()

	snap := c.Snapshot()
	if snap.Status != domain.CampaignRunning {
		t.Fatalf("shutdown must leave status untouched for resume, got %s", snap.Status)
	}
	if snap.SentCount != 1 {
		t.Fatalf("the in-flight send must finish, got sent count %d", snap.SentCount)
	}
	pending := 0
	for _, r := range snap.Recipients {
		if r.Status == domain.RecipientPending {
			pending++
		}
	}
	if pending != 2 {
		t.Fatalf("remaining recipients must stay pending, got %d", pending)
	}
	if got := sessions.sends(); len(got) != 1 || got[0].To != "+1" {
		t.Fatalf("no sends may start after cancel, got %v", got)
	}
}

func TestInvalidTransitions(t *testing.T) {
	sessions := newFakeSessions()
	d := NewDispatcher(sessions, Options{})
	c := d.Register(New("c1", "t1", "i1", "x", nil, recipients("+1"), Settings{}))

	if err := d.Pause(c); !errors.Is(err, domain.ErrCampaignInvalidTransition) {
		t.Fatalf("pause from draft must fail, got %v", err)
	}
	if err := d.Resume(context.Background(), c); !errors.Is(err, domain.ErrCampaignInvalidTransition) {
		t.Fatalf("resume from draft must fail, got %v", err)
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	sessions := newFakeSessions()
	sessions.failures["+1"] = []error{errors.New("timeout")}
	d := NewDispatcher(sessions, Options{})

	c := d.Register(New("c1", "t1", "i1", "x", nil, recipients("+1"), Settings{MaxRetries: 2}))
	if err := d.Start(context.Background(), c); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitCampaign(t, c, domain.CampaignCompleted)

	if snap := c.Snapshot(); snap.SentCount != 1 {
		t.Fatalf("expected retry to succeed, got %+v", snap)
	}
}

func TestSessionErrorSkipsRetries(t *testing.T) {
	sessions := newFakeSessions()
	notReady := fmt.Errorf("%w: status disconnected", domain.ErrSessionNotReady)
	sessions.failures["+1"] = []error{notReady, notReady, notReady}
	d := NewDispatcher(sessions, Options{})

	c := d.Register(New("c1", "t1", "i1", "x", nil, recipients("+1"), Settings{MaxRetries: 5}))
	if err := d.Start(context.Background(), c); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitCampaign(t, c, domain.CampaignCompleted)

	snap := c.Snapshot()
	if snap.FailedCount != 1 {
		t.Fatalf("expected a single failed recipient, got %+v", snap)
	}
	sessions.mu.Lock()
	remaining := len(sessions.failures["+1"])
	sessions.mu.Unlock()
	if remaining != 2 {
		t.Fatalf("session error must abort further attempts, %d attempts consumed", 3-remaining)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	d := NewDispatcher(newFakeSessions(), Options{})
	a := d.Register(New("c1", "t1", "i1", "x", nil, recipients("+1"), Settings{}))
	b := d.Register(New("c1", "t1", "i1", "y", nil, recipients("+2"), Settings{}))
	if a != b {
		t.Fatalf("same id must return the registered campaign")
	}
	if got, ok := d.Campaign("c1"); !ok || got != a {
		t.Fatalf("lookup must return the registered campaign")
	}
}
