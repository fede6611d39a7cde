package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"msggw/internal/domain"
	"msggw/internal/observability"
	"msggw/internal/transport"
	"msggw/internal/util"
)

// Counters persists per-instance message counts. Optional; best-effort.
type Counters interface {
	IncrementMessageCount(ctx context.Context, tenantID, instanceID string) error
}

type Options struct {
	Pairing  *Coordinator
	Events   domain.EventSink
	Limiter  *rate.Limiter
	Breaker  *gobreaker.CircuitBreaker
	Counters Counters
	Now      func() time.Time

	// ConnectTimeout bounds the provider Connect call during pairing.
	ConnectTimeout time.Duration
}

// Manager owns the session registry. Operations on the same key are
// serialized through the session's own mutex; different keys run in parallel.
type Manager struct {
	mu       sync.Mutex
	sessions map[Key]*Session

	transport transport.Client
	pairing   *Coordinator
	events    domain.EventSink
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	counters  Counters
	now       func() time.Time

	connectTimeout time.Duration
}

func NewManager(t transport.Client, opts Options) *Manager {
	m := &Manager{
		sessions:       make(map[Key]*Session),
		transport:      t,
		pairing:        opts.Pairing,
		events:         opts.Events,
		limiter:        opts.Limiter,
		breaker:        opts.Breaker,
		counters:       opts.Counters,
		now:            opts.Now,
		connectTimeout: opts.ConnectTimeout,
	}
	if m.pairing == nil {
		m.pairing = &Coordinator{TTL: 60 * time.Second}
	}
	if m.events == nil {
		m.events = domain.LogSink{}
	}
	if m.now == nil {
		m.now = util.NowUTC
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = 30 * time.Second
	}
	return m
}

// CreateSession allocates (or revives) the session for the key and starts
// pairing in the background. If a non-terminal session already exists the
// current status is returned without reinitializing.
func (m *Manager) CreateSession(ctx context.Context, tenantID, instanceID, displayName string) (domain.SessionStatus, error) {
	key := Key{TenantID: tenantID, InstanceID: instanceID}

	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		s = &Session{Key: key, DisplayName: displayName, status: domain.StatusNotInitialized, createdAt: m.now()}
		m.sessions[key] = s
		observability.SessionsByStatus.WithLabelValues(string(domain.StatusNotInitialized)).Inc()
	}
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.StatusNotInitialized && !s.status.Terminal() {
		return s.status, nil
	}

	if displayName != "" {
		s.DisplayName = displayName
	}
	s.gen++
	gen := s.gen
	s.artifact = nil
	s.pairedAddress = ""
	s.lastError = ""
	m.setStatusLocked(ctx, s, domain.StatusInitializing)

	go m.beginPairing(gen, s)
	return domain.StatusInitializing, nil
}

func (m *Manager) beginPairing(gen uint64, s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	defer cancel()

	res, err := m.transport.Connect(ctx, s.Key.InstanceID)

	// The connect deadline must not gate the transitions below: a timed-out
	// connect still has to publish its auth_failed event.
	evCtx := context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		// destroyed or recreated while connecting; this client is stale
		return
	}
	if err != nil {
		s.lastError = err.Error()
		m.setStatusLocked(evCtx, s, domain.StatusAuthFailed)
		return
	}
	if res.AlreadyPaired {
		s.pairedAddress = res.Address
		s.connectedAt = m.now()
		m.setStatusLocked(evCtx, s, domain.StatusAuthenticated)
		m.setStatusLocked(evCtx, s, domain.StatusReady)
		return
	}
	art, err := m.pairing.Issue(res.QRPayload)
	if err != nil {
		s.lastError = err.Error()
		m.setStatusLocked(evCtx, s, domain.StatusAuthFailed)
		return
	}
	s.artifact = &art
	m.setStatusLocked(evCtx, s, domain.StatusQRReady)
}

// DestroySession releases the transport resource and leaves the session in
// disconnected. Safe to call on a non-existent session and while sends are in
// flight; in-flight work is invalidated through the generation counter. The
// session mutex is not held across the logout call, so status reads and sends
// on the key stay responsive while the provider is slow.
func (m *Manager) DestroySession(ctx context.Context, tenantID, instanceID string) error {
	s, ok := m.lookup(tenantID, instanceID)
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.artifact = nil
	s.mu.Unlock()

	// Release is unconditional: a failing logout still leaves the session
	// disconnected and its artifact cleared.
	logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.transport.Logout(logoutCtx, instanceID); err != nil {
		slog.Warn("transport logout failed", "err", err, "tenant_id", tenantID, "instance_id", instanceID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		// recreated while logging out; the newer generation owns the state
		return nil
	}
	s.disconnectedAt = m.now()
	m.setStatusLocked(context.WithoutCancel(ctx), s, domain.StatusDisconnected)
	return nil
}

// RegenerateQR forces a fresh pairing: destroy, then create anew. The destroy
// bumps the generation first, so no two transport clients for the key are
// ever live at once.
func (m *Manager) RegenerateQR(ctx context.Context, tenantID, instanceID string) (domain.SessionStatus, error) {
	displayName := ""
	if s, ok := m.lookup(tenantID, instanceID); ok {
		displayName = s.DisplayName
	}
	if err := m.DestroySession(ctx, tenantID, instanceID); err != nil {
		return domain.StatusNotInitialized, err
	}
	return m.CreateSession(ctx, tenantID, instanceID, displayName)
}

// Status never blocks on I/O.
func (m *Manager) Status(tenantID, instanceID string) domain.SessionStatus {
	s, ok := m.lookup(tenantID, instanceID)
	if !ok {
		return domain.StatusNotInitialized
	}
	return s.Status()
}

// PairingArtifact returns the latest artifact only while the session is in
// qr_ready and the artifact has not expired.
func (m *Manager) PairingArtifact(tenantID, instanceID string) (Artifact, error) {
	s, ok := m.lookup(tenantID, instanceID)
	if !ok {
		return Artifact{}, domain.ErrPairingUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != domain.StatusQRReady || s.artifact == nil || m.pairing.Expired(*s.artifact) {
		return Artifact{}, domain.ErrPairingUnavailable
	}
	return *s.artifact, nil
}

// GetSession exposes the live handle so flow and campaign code can read
// status/counters without re-deriving identity.
func (m *Manager) GetSession(tenantID, instanceID string) (*Session, bool) {
	return m.lookup(tenantID, instanceID)
}

// List returns snapshots for a tenant's sessions (all tenants when empty).
func (m *Manager) List(tenantID string) []Snapshot {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for k, s := range m.sessions {
		if tenantID == "" || k.TenantID == tenantID {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Send delivers a text message through a ready session and returns the
// provider message id. The session mutex is not held across the network call,
// so destroys and status queries stay responsive during sends.
func (m *Manager) Send(ctx context.Context, tenantID, instanceID, to, body string) (string, error) {
	s, ok := m.lookup(tenantID, instanceID)
	if !ok {
		return "", domain.ErrSessionNotFound
	}
	to = util.NormalizeAddress(to)

	s.mu.Lock()
	if s.status != domain.StatusReady {
		st := s.status
		s.mu.Unlock()
		return "", fmt.Errorf("%w: status %s", domain.ErrSessionNotReady, st)
	}
	gen := s.gen
	s.mu.Unlock()

	if m.limiter != nil {
		waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
		err := m.limiter.Wait(waitCtx)
		cancelWait()
		if err != nil {
			observability.Sends.WithLabelValues("rate_limited_local").Inc()
			return "", fmt.Errorf("%w: local rate limit", domain.ErrTransportFailure)
		}
	}

	start := time.Now()
	msgID, err := m.sendWithBreaker(ctx, instanceID, to, body)
	observability.SendLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		observability.Sends.WithLabelValues("error").Inc()
		m.events.Publish(ctx, domain.Event{
			Kind: domain.EventMessageFailed, TenantID: tenantID, InstanceID: instanceID, At: m.now(),
			Fields: map[string]string{"to": to, "error": err.Error()},
		})
		if errors.Is(err, transport.ErrNotConnected) {
			s.mu.Lock()
			if s.gen == gen {
				s.disconnectedAt = m.now()
				m.setStatusLocked(ctx, s, domain.StatusDisconnected)
			}
			s.mu.Unlock()
		}
		return "", fmt.Errorf("%w: %w", domain.ErrTransportFailure, err)
	}

	observability.Sends.WithLabelValues("ok").Inc()
	s.mu.Lock()
	if s.gen == gen {
		s.messageCount++
	}
	s.mu.Unlock()
	if m.counters != nil {
		if err := m.counters.IncrementMessageCount(ctx, tenantID, instanceID); err != nil {
			slog.Warn("message count persist failed", "err", err, "tenant_id", tenantID, "instance_id", instanceID)
		}
	}
	m.events.Publish(ctx, domain.Event{
		Kind: domain.EventMessageSent, TenantID: tenantID, InstanceID: instanceID, At: m.now(),
		Fields: map[string]string{"to": to, "message_id": msgID},
	})
	return msgID, nil
}

func (m *Manager) sendWithBreaker(ctx context.Context, instanceID, to, body string) (string, error) {
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
		defer cancel()
		return m.transport.SendText(reqCtx, instanceID, to, body)
	}
	if m.breaker == nil {
		id, err := call()
		if err != nil {
			return "", err
		}
		return id.(string), nil
	}
	res, err := m.breaker.Execute(call)
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// HandleConnectionUpdate applies a provider-side state change to the session.
// Updates for unknown instances are dropped.
func (m *Manager) HandleConnectionUpdate(ctx context.Context, tenantID, instanceID string, u domain.ConnectionUpdate) error {
	s, ok := m.lookup(tenantID, instanceID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch u.Event {
	case domain.UpdateQR:
		// provider rotated the pairing payload
		if s.status != domain.StatusInitializing && s.status != domain.StatusQRReady {
			return nil
		}
		art, err := m.pairing.Issue(u.QRPayload)
		if err != nil {
			return err
		}
		s.artifact = &art
		m.setStatusLocked(ctx, s, domain.StatusQRReady)
	case domain.UpdatePaired:
		s.pairedAddress = util.NormalizeAddress(u.Address)
		s.artifact = nil
		m.setStatusLocked(ctx, s, domain.StatusAuthenticated)
	case domain.UpdateConnected:
		s.connectedAt = m.now()
		s.artifact = nil
		m.setStatusLocked(ctx, s, domain.StatusReady)
	case domain.UpdateDisconnected:
		s.disconnectedAt = m.now()
		m.setStatusLocked(ctx, s, domain.StatusDisconnected)
	case domain.UpdateAuthFailure:
		s.lastError = u.Error
		s.artifact = nil
		m.setStatusLocked(ctx, s, domain.StatusAuthFailed)
	default:
		slog.Warn("unknown connection update", "event", u.Event, "instance_id", instanceID)
	}
	return nil
}

func (m *Manager) lookup(tenantID, instanceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[Key{TenantID: tenantID, InstanceID: instanceID}]
	return s, ok
}

// setStatusLocked applies a transition, keeps the status gauge current, and
// publishes the change. Caller holds s.mu.
func (m *Manager) setStatusLocked(ctx context.Context, s *Session, status domain.SessionStatus) {
	if s.status == status {
		return
	}
	observability.SessionsByStatus.WithLabelValues(string(s.status)).Dec()
	observability.SessionsByStatus.WithLabelValues(string(status)).Inc()
	s.status = status

	fields := map[string]string{"status": string(status)}
	if s.lastError != "" {
		fields["error"] = s.lastError
	}
	m.events.Publish(ctx, domain.Event{
		Kind: domain.EventSessionStatusChanged, TenantID: s.Key.TenantID, InstanceID: s.Key.InstanceID,
		At: m.now(), Fields: fields,
	})
}
