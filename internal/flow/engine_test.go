package flow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"msggw/internal/domain"
)

type memLoader struct {
	mu     sync.Mutex
	graphs []*Graph
}

func (l *memLoader) ActiveFlows(ctx context.Context, tenantID string) ([]*Graph, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.graphs, nil
}

func (l *memLoader) set(graphs ...*Graph) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.graphs = graphs
}

type memSender struct {
	mu    sync.Mutex
	sends []string
}

func (s *memSender) Send(ctx context.Context, tenantID, instanceID, to, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, body)
	return "m1", nil
}

func (s *memSender) bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sends))
	copy(out, s.sends)
	return out
}

func mustDecode(t *testing.T, id, def string) *Graph {
	t.Helper()
	g, err := Decode(id, "t1", id, true, []byte(def))
	if err != nil {
		t.Fatalf("decode %s: %v", id, err)
	}
	return g
}

func inbound(body string) domain.InboundMessage {
	return domain.InboundMessage{TenantID: "t1", InstanceID: "i1", From: "+15550009999", Body: body}
}

func deliver(e *Engine, msg domain.InboundMessage) {
	e.EvaluateInbound(context.Background(), msg)
	e.Wait()
}

func TestEngineTriggerFiresAction(t *testing.T) {
	g := mustDecode(t, "f1", `{
		"nodes": [
			{"id": "t", "type": "trigger", "config": {"match": "text_equals", "value": "hi"}},
			{"id": "a", "type": "action", "config": {"kind": "send_message", "text": "Welcome!"}}
		],
		"edges": [{"source": "t", "target": "a"}]
	}`)
	sender := &memSender{}
	e := NewEngine(&memLoader{graphs: []*Graph{g}}, sender, EngineOptions{})

	deliver(e, inbound("HI"))

	if got := sender.bodies(); len(got) != 1 || got[0] != "Welcome!" {
		t.Fatalf("expected welcome send, got %v", got)
	}

	// non-matching message does nothing
	deliver(e, inbound("bye"))
	if got := sender.bodies(); len(got) != 1 {
		t.Fatalf("expected no extra send, got %v", got)
	}
}

func TestEngineFirstMatchingFlowWins(t *testing.T) {
	first := mustDecode(t, "f1", `{
		"nodes": [
			{"id": "t", "type": "trigger", "config": {"match": "any_message"}},
			{"id": "a", "type": "action", "config": {"kind": "send_message", "text": "first"}}
		],
		"edges": [{"source": "t", "target": "a"}]
	}`)
	second := mustDecode(t, "f2", `{
		"nodes": [
			{"id": "t", "type": "trigger", "config": {"match": "any_message"}},
			{"id": "a", "type": "action", "config": {"kind": "send_message", "text": "second"}}
		],
		"edges": [{"source": "t", "target": "a"}]
	}`)
	sender := &memSender{}
	e := NewEngine(&memLoader{graphs: []*Graph{first, second}}, sender, EngineOptions{})

	deliver(e, inbound("anything"))

	if got := sender.bodies(); len(got) != 1 || got[0] != "first" {
		t.Fatalf("expected only the first flow to fire, got %v", got)
	}
}

func TestEngineInactiveFlowSkipped(t *testing.T) {
	g, err := Decode("f1", "t1", "f1", false, []byte(`{
		"nodes": [
			{"id": "t", "type": "trigger", "config": {"match": "any_message"}},
			{"id": "a", "type": "action", "config": {"kind": "send_message", "text": "x"}}
		],
		"edges": [{"source": "t", "target": "a"}]
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	sender := &memSender{}
	e := NewEngine(&memLoader{graphs: []*Graph{g}}, sender, EngineOptions{})

	deliver(e, inbound("hello"))
	if got := sender.bodies(); len(got) != 0 {
		t.Fatalf("inactive flow must not fire, got %v", got)
	}
}

const surveyFlow = `{
	"nodes": [
		{"id": "t", "type": "trigger", "config": {"match": "text_equals", "value": "start"}},
		{"id": "ask", "type": "response", "config": {"prompt": "Your name?", "variable": "name"}},
		{"id": "bye", "type": "action", "config": {"kind": "send_message", "text": "Thanks {{name}}!"}}
	],
	"edges": [
		{"source": "t", "target": "ask"},
		{"source": "ask", "target": "bye"}
	]
}`

func TestEngineResponseCollectsVariable(t *testing.T) {
	sender := &memSender{}
	e := NewEngine(&memLoader{graphs: []*Graph{mustDecode(t, "f1", surveyFlow)}}, sender, EngineOptions{})

	deliver(e, inbound("start"))
	deliver(e, inbound("Ana"))

	got := sender.bodies()
	if len(got) != 2 || got[0] != "Your name?" || got[1] != "Thanks Ana!" {
		t.Fatalf("unexpected conversation: %v", got)
	}
}

func TestEngineInvalidReplyReprompts(t *testing.T) {
	g := mustDecode(t, "f1", `{
		"nodes": [
			{"id": "t", "type": "trigger", "config": {"match": "text_equals", "value": "start"}},
			{"id": "ask", "type": "response", "config": {"prompt": "Age?", "responseType": "number", "variable": "age"}},
			{"id": "done", "type": "action", "config": {"kind": "send_message", "text": "Got {{age}}"}}
		],
		"edges": [
			{"source": "t", "target": "ask"},
			{"source": "ask", "target": "done"}
		]
	}`)
	sender := &memSender{}
	e := NewEngine(&memLoader{graphs: []*Graph{g}}, sender, EngineOptions{})

	deliver(e, inbound("start"))
	deliver(e, inbound("not a number"))
	deliver(e, inbound("33"))

	got := sender.bodies()
	want := []string{"Age?", "Age?", "Got 33"}
	if len(got) != len(want) {
		t.Fatalf("unexpected sends: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("send %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEngineChoiceBranching(t *testing.T) {
	g := mustDecode(t, "f1", `{
		"nodes": [
			{"id": "t", "type": "trigger", "config": {"match": "text_equals", "value": "menu"}},
			{"id": "pick", "type": "response", "config": {"prompt": "1 or 2?", "responseType": "choice", "choices": [{"value": "1"}, {"value": "2"}]}},
			{"id": "one", "type": "action", "config": {"kind": "send_message", "text": "sales"}},
			{"id": "two", "type": "action", "config": {"kind": "send_message", "text": "support"}}
		],
		"edges": [
			{"source": "t", "target": "pick"},
			{"source": "pick", "target": "one", "label": "1"},
			{"source": "pick", "target": "two", "label": "2"}
		]
	}`)
	sender := &memSender{}
	e := NewEngine(&memLoader{graphs: []*Graph{g}}, sender, EngineOptions{})

	deliver(e, inbound("menu"))
	deliver(e, inbound("2"))

	got := sender.bodies()
	if len(got) != 2 || got[1] != "support" {
		t.Fatalf("expected the choice-2 branch, got %v", got)
	}
}

func TestEngineConditionBranching(t *testing.T) {
	g := mustDecode(t, "f1", `{
		"nodes": [
			{"id": "t", "type": "trigger", "config": {"match": "text_equals", "value": "start"}},
			{"id": "ask", "type": "response", "config": {"prompt": "Age?", "responseType": "number", "variable": "age"}},
			{"id": "check", "type": "condition", "config": {"variable": "age", "operator": "greater_than", "value": "17"}},
			{"id": "adult", "type": "action", "config": {"kind": "send_message", "text": "adult"}},
			{"id": "minor", "type": "action", "config": {"kind": "send_message", "text": "minor"}}
		],
		"edges": [
			{"source": "t", "target": "ask"},
			{"source": "ask", "target": "check"},
			{"source": "check", "target": "adult", "label": "true"},
			{"source": "check", "target": "minor", "label": "false"}
		]
	}`)
	sender := &memSender{}
	e := NewEngine(&memLoader{graphs: []*Graph{g}}, sender, EngineOptions{})

	deliver(e, inbound("start"))
	deliver(e, inbound("15"))

	got := sender.bodies()
	if len(got) != 2 || got[1] != "minor" {
		t.Fatalf("expected the false branch, got %v", got)
	}
}

func TestEngineConversationExpires(t *testing.T) {
	var mu sync.Mutex
	now := time.Now().UTC()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	sender := &memSender{}
	e := NewEngine(&memLoader{graphs: []*Graph{mustDecode(t, "f1", surveyFlow)}}, sender, EngineOptions{
		Now:            clock,
		DefaultTimeout: 30 * time.Minute,
	})

	deliver(e, inbound("start"))

	mu.Lock()
	now = now.Add(31 * time.Minute)
	mu.Unlock()

	// reply arrives too late: not treated as an answer, rescanned as fresh
	deliver(e, inbound("start"))

	got := sender.bodies()
	if len(got) != 2 || got[1] != "Your name?" {
		t.Fatalf("expected a fresh trigger after expiry, got %v", got)
	}
}

func TestEngineFlowRemovedMidConversation(t *testing.T) {
	loader := &memLoader{graphs: []*Graph{mustDecode(t, "f1", surveyFlow)}}
	sender := &memSender{}
	e := NewEngine(loader, sender, EngineOptions{})

	deliver(e, inbound("start"))
	loader.set() // flow deleted while the user is mid-conversation

	deliver(e, inbound("Ana"))

	got := sender.bodies()
	if len(got) != 1 {
		t.Fatalf("reply after deletion must be discarded, got %v", got)
	}

	// the pair is usable again once the flow is back
	loader.set(mustDecode(t, "f1", surveyFlow))
	deliver(e, inbound("start"))
	if got := sender.bodies(); len(got) != 2 {
		t.Fatalf("expected a fresh trigger after restore, got %v", got)
	}
}

func TestEngineWebhookAction(t *testing.T) {
	var mu sync.Mutex
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := mustDecode(t, "f1", `{
		"nodes": [
			{"id": "t", "type": "trigger", "config": {"match": "any_message"}},
			{"id": "hook", "type": "action", "config": {"kind": "webhook", "url": "`+srv.URL+`/hook"}},
			{"id": "a", "type": "action", "config": {"kind": "send_message", "text": "notified"}}
		],
		"edges": [
			{"source": "t", "target": "hook"},
			{"source": "hook", "target": "a"}
		]
	}`)
	sender := &memSender{}
	e := NewEngine(&memLoader{graphs: []*Graph{g}}, sender, EngineOptions{})

	deliver(e, inbound("ping"))

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/hook" {
		t.Fatalf("webhook not called, path %q", gotPath)
	}
	if got := sender.bodies(); len(got) != 1 || got[0] != "notified" {
		t.Fatalf("walk must continue past the webhook, got %v", got)
	}
}

func TestEngineSetVariable(t *testing.T) {
	g := mustDecode(t, "f1", `{
		"nodes": [
			{"id": "t", "type": "trigger", "config": {"match": "any_message"}},
			{"id": "set", "type": "action", "config": {"kind": "set_variable", "variable": "plan", "value": "pro"}},
			{"id": "a", "type": "action", "config": {"kind": "send_message", "text": "plan={{plan}}"}}
		],
		"edges": [
			{"source": "t", "target": "set"},
			{"source": "set", "target": "a"}
		]
	}`)
	sender := &memSender{}
	e := NewEngine(&memLoader{graphs: []*Graph{g}}, sender, EngineOptions{})

	deliver(e, inbound("go"))

	if got := sender.bodies(); len(got) != 1 || got[0] != "plan=pro" {
		t.Fatalf("expected templated variable, got %v", got)
	}
}
