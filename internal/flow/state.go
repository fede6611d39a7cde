package flow

import (
	"sync"
	"time"
)

// pairKey scopes a conversation to one counterparty on one instance.
type pairKey struct {
	tenantID     string
	instanceID   string
	counterparty string
}

// Conversation is the wait-state of a multi-turn flow: which response node is
// pending, the variables gathered so far, and when the wait gives up.
// At most one exists per pair; a new one replaces the old.
type Conversation struct {
	FlowID    string
	NodeID    string
	Vars      map[string]string
	ExpiresAt time.Time
}

type conversationStore struct {
	mu sync.Mutex
	m  map[pairKey]*Conversation
}

func newConversationStore() *conversationStore {
	return &conversationStore{m: make(map[pairKey]*Conversation)}
}

func (s *conversationStore) get(k pairKey) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[k]
	return c, ok
}

func (s *conversationStore) put(k pairKey, c *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[k] = c
}

func (s *conversationStore) delete(k pairKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, k)
}

// keyedRunner serializes work per key while letting distinct keys run
// concurrently. Each key gets at most one draining goroutine; jobs submitted
// while one is active are appended to that key's queue in arrival order.
type keyedRunner struct {
	mu     sync.Mutex
	queues map[pairKey][]func()
	active map[pairKey]bool
	idle   *sync.Cond
}

func newKeyedRunner() *keyedRunner {
	r := &keyedRunner{
		queues: make(map[pairKey][]func()),
		active: make(map[pairKey]bool),
	}
	r.idle = sync.NewCond(&r.mu)
	return r
}

func (r *keyedRunner) do(k pairKey, fn func()) {
	r.mu.Lock()
	r.queues[k] = append(r.queues[k], fn)
	if r.active[k] {
		r.mu.Unlock()
		return
	}
	r.active[k] = true
	r.mu.Unlock()
	go r.drain(k)
}

func (r *keyedRunner) drain(k pairKey) {
	for {
		r.mu.Lock()
		q := r.queues[k]
		if len(q) == 0 {
			delete(r.queues, k)
			delete(r.active, k)
			r.idle.Broadcast()
			r.mu.Unlock()
			return
		}
		fn := q[0]
		r.queues[k] = q[1:]
		r.mu.Unlock()
		fn()
	}
}

// wait blocks until every queue has drained. Test helper.
func (r *keyedRunner) wait() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.active) > 0 {
		r.idle.Wait()
	}
}
