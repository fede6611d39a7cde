package flow

import (
	"strings"
	"testing"
	"time"
)

const welcomeFlow = `{
	"nodes": [
		{"id": "t1", "type": "trigger", "config": {"match": "text_equals", "value": "hi"}},
		{"id": "a1", "type": "action", "config": {"kind": "send_message", "text": "Welcome {{name}}!"}},
		{"id": "d1", "type": "delay", "config": {"seconds": 2}},
		{"id": "r1", "type": "response", "config": {"prompt": "Your name?", "variable": "name", "validation": {"minLength": 2}, "timeoutMinutes": 10}}
	],
	"edges": [
		{"source": "t1", "target": "a1"},
		{"source": "a1", "target": "d1"},
		{"source": "d1", "target": "r1"}
	]
}`

func TestDecodeWelcomeFlow(t *testing.T) {
	g, err := Decode("f1", "t1", "welcome", true, []byte(welcomeFlow))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(g.Triggers()) != 1 {
		t.Fatalf("expected one trigger, got %d", len(g.Triggers()))
	}
	if got := g.FirstOut("t1"); got != "a1" {
		t.Fatalf("expected t1 -> a1, got %q", got)
	}
	if n := g.Node("d1"); n.Delay.Duration != 2*time.Second {
		t.Fatalf("unexpected delay %v", n.Delay.Duration)
	}
	r := g.Node("r1").Response
	if r.MinLength != 2 || r.Timeout != 10*time.Minute || r.Variable != "name" {
		t.Fatalf("response config not decoded: %+v", r)
	}
}

func TestDecodeRejectsUnknownNodeType(t *testing.T) {
	_, err := Decode("f1", "t1", "x", true, []byte(`{"nodes":[{"id":"n1","type":"loop","config":{}}],"edges":[]}`))
	if err == nil || !strings.Contains(err.Error(), "unknown node type") {
		t.Fatalf("expected unknown node type error, got %v", err)
	}
}

func TestDecodeRejectsDanglingEdge(t *testing.T) {
	def := `{"nodes":[{"id":"t1","type":"trigger","config":{"match":"any_message"}}],"edges":[{"source":"t1","target":"ghost"}]}`
	_, err := Decode("f1", "t1", "x", true, []byte(def))
	if err == nil || !strings.Contains(err.Error(), "unknown node") {
		t.Fatalf("expected dangling edge error, got %v", err)
	}
}

func TestDecodeRejectsBadTriggerPattern(t *testing.T) {
	def := `{"nodes":[{"id":"t1","type":"trigger","config":{"match":"text_regex","value":"("}}],"edges":[]}`
	if _, err := Decode("f1", "t1", "x", true, []byte(def)); err == nil {
		t.Fatalf("expected regex compile error")
	}
}

func TestDecodeRejectsChoiceWithoutChoices(t *testing.T) {
	def := `{"nodes":[{"id":"r1","type":"response","config":{"prompt":"pick","responseType":"choice"}}],"edges":[]}`
	if _, err := Decode("f1", "t1", "x", true, []byte(def)); err == nil {
		t.Fatalf("expected choice validation error")
	}
}
