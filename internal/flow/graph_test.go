package flow

import (
	"errors"
	"regexp"
	"testing"

	"msggw/internal/domain"
)

func TestTriggerMatches(t *testing.T) {
	cases := []struct {
		name string
		trig Trigger
		msg  domain.InboundMessage
		want bool
	}{
		{"equals case-insensitive", Trigger{Match: MatchEquals, Value: "hi"}, domain.InboundMessage{Body: "HI"}, true},
		{"equals mismatch", Trigger{Match: MatchEquals, Value: "hi"}, domain.InboundMessage{Body: "hi there"}, false},
		{"contains", Trigger{Match: MatchContains, Value: "help"}, domain.InboundMessage{Body: "I need HELP now"}, true},
		{"starts_with", Trigger{Match: MatchStartsWith, Value: "order"}, domain.InboundMessage{Body: "Order #42"}, true},
		{"ends_with", Trigger{Match: MatchEndsWith, Value: "thanks"}, domain.InboundMessage{Body: "ok thanks"}, true},
		{"regex raw body", Trigger{Match: MatchRegex, re: regexp.MustCompile(`^\d+$`)}, domain.InboundMessage{Body: "1234"}, true},
		{"media any type", Trigger{Match: MatchMedia}, domain.InboundMessage{HasMedia: true, MediaType: "image"}, true},
		{"media wrong type", Trigger{Match: MatchMedia, MediaType: "video"}, domain.InboundMessage{HasMedia: true, MediaType: "image"}, false},
		{"media without media", Trigger{Match: MatchMedia}, domain.InboundMessage{Body: "text"}, false},
		{"any", Trigger{Match: MatchAny}, domain.InboundMessage{Body: ""}, true},
	}
	for _, tc := range cases {
		if got := tc.trig.Matches(tc.msg); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestConditionEval(t *testing.T) {
	vars := map[string]string{"age": "30", "name": "Ana", "raw": "abc"}

	if !(Condition{Variable: "name", Op: OpEquals, Value: "Ana"}).Eval(vars) {
		t.Fatalf("equals should hold")
	}
	if !(Condition{Variable: "age", Op: OpGreaterThan, Value: "18"}).Eval(vars) {
		t.Fatalf("30 > 18 should hold")
	}
	if (Condition{Variable: "age", Op: OpLessThan, Value: "18"}).Eval(vars) {
		t.Fatalf("30 < 18 should not hold")
	}
	// numeric comparison against a non-number fails closed
	if (Condition{Variable: "raw", Op: OpGreaterThan, Value: "1"}).Eval(vars) {
		t.Fatalf("non-numeric greater_than must be false")
	}
	if !(Condition{Variable: "missing", Op: OpNotEquals, Value: "x"}).Eval(vars) {
		t.Fatalf("missing variable not_equals should hold")
	}
}

func TestValidateReplyLengthBeforeType(t *testing.T) {
	r := &Response{Type: RespNumber, MinLength: 2}

	if _, err := r.ValidateReply("5"); !errors.Is(err, domain.ErrValidationFailure) {
		t.Fatalf("single digit must fail the length check, got %v", err)
	}
	if _, err := r.ValidateReply("42"); err != nil {
		t.Fatalf("two digits should pass: %v", err)
	}
	if _, err := r.ValidateReply("ab"); !errors.Is(err, domain.ErrValidationFailure) {
		t.Fatalf("non-number must fail the type check, got %v", err)
	}
}

func TestValidateReplyTypes(t *testing.T) {
	if _, err := (&Response{Type: RespEmail}).ValidateReply("ana@example.com"); err != nil {
		t.Fatalf("email should pass: %v", err)
	}
	if _, err := (&Response{Type: RespEmail}).ValidateReply("not-an-email"); err == nil {
		t.Fatalf("bad email should fail")
	}
	if _, err := (&Response{Type: RespPhone}).ValidateReply("+15550001234"); err != nil {
		t.Fatalf("phone should pass: %v", err)
	}
	if _, err := (&Response{Pattern: regexp.MustCompile(`^[A-Z]+$`)}).ValidateReply("abc"); err == nil {
		t.Fatalf("pattern mismatch should fail")
	}
}

func TestValidateReplyChoice(t *testing.T) {
	r := &Response{Type: RespChoice, Choices: []Choice{{Value: "1", Label: "Sales"}, {Value: "2", Label: "Support"}}}

	got, err := r.ValidateReply("2")
	if err != nil || got != "2" {
		t.Fatalf("expected choice 2, got %q err %v", got, err)
	}
	if _, err := r.ValidateReply("3"); !errors.Is(err, domain.ErrValidationFailure) {
		t.Fatalf("unknown choice must fail, got %v", err)
	}
	// matching is case-sensitive against the value, not the label
	if _, err := r.ValidateReply("sales"); err == nil {
		t.Fatalf("label text is not a valid choice value")
	}
}

func TestBranchLabelAndPositionFallback(t *testing.T) {
	g := &Graph{outgoing: map[string][]Edge{
		"labeled":   {{From: "labeled", To: "yes", Label: "true"}, {From: "labeled", To: "no", Label: "false"}},
		"unlabeled": {{From: "unlabeled", To: "first"}, {From: "unlabeled", To: "second"}},
	}}

	if got := g.Branch("labeled", true); got != "yes" {
		t.Fatalf("labeled true branch: got %q", got)
	}
	if got := g.Branch("labeled", false); got != "no" {
		t.Fatalf("labeled false branch: got %q", got)
	}
	if got := g.Branch("unlabeled", true); got != "first" {
		t.Fatalf("positional true branch: got %q", got)
	}
	if got := g.Branch("unlabeled", false); got != "second" {
		t.Fatalf("positional false branch: got %q", got)
	}
}
