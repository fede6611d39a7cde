package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"msggw/internal/domain"
)

type NodeType string

const (
	NodeTrigger   NodeType = "trigger"
	NodeAction    NodeType = "action"
	NodeCondition NodeType = "condition"
	NodeDelay     NodeType = "delay"
	NodeResponse  NodeType = "response"
)

type TriggerMatch string

const (
	MatchEquals     TriggerMatch = "text_equals"
	MatchContains   TriggerMatch = "text_contains"
	MatchStartsWith TriggerMatch = "text_starts_with"
	MatchEndsWith   TriggerMatch = "text_ends_with"
	MatchRegex      TriggerMatch = "text_regex"
	MatchMedia      TriggerMatch = "media_received"
	MatchAny        TriggerMatch = "any_message"
)

type Trigger struct {
	Match     TriggerMatch
	Value     string
	MediaType string

	re *regexp.Regexp
}

// Matches evaluates the trigger predicate. Text comparisons are
// case-insensitive; regex patterns run against the raw body.
func (t *Trigger) Matches(msg domain.InboundMessage) bool {
	body := strings.ToLower(msg.Body)
	want := strings.ToLower(t.Value)
	switch t.Match {
	case MatchEquals:
		return body == want
	case MatchContains:
		return strings.Contains(body, want)
	case MatchStartsWith:
		return strings.HasPrefix(body, want)
	case MatchEndsWith:
		return strings.HasSuffix(body, want)
	case MatchRegex:
		return t.re != nil && t.re.MatchString(msg.Body)
	case MatchMedia:
		if !msg.HasMedia {
			return false
		}
		return t.MediaType == "" || t.MediaType == msg.MediaType
	case MatchAny:
		return true
	}
	return false
}

type ActionKind string

const (
	ActionSendMessage ActionKind = "send_message"
	ActionWebhook     ActionKind = "webhook"
	ActionSetVariable ActionKind = "set_variable"
)

type Action struct {
	Kind     ActionKind
	Text     string
	URL      string
	Variable string
	Value    string
}

type ConditionOp string

const (
	OpEquals      ConditionOp = "equals"
	OpNotEquals   ConditionOp = "not_equals"
	OpContains    ConditionOp = "contains"
	OpGreaterThan ConditionOp = "greater_than"
	OpLessThan    ConditionOp = "less_than"
)

type Condition struct {
	Variable string
	Op       ConditionOp
	Value    string
}

// Eval compares the accumulated variable against the configured value.
// Numeric operators fail closed when either side does not parse.
func (c Condition) Eval(vars map[string]string) bool {
	got := vars[c.Variable]
	switch c.Op {
	case OpEquals:
		return got == c.Value
	case OpNotEquals:
		return got != c.Value
	case OpContains:
		return strings.Contains(got, c.Value)
	case OpGreaterThan, OpLessThan:
		a, errA := strconv.ParseFloat(strings.TrimSpace(got), 64)
		b, errB := strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
		if errA != nil || errB != nil {
			return false
		}
		if c.Op == OpGreaterThan {
			return a > b
		}
		return a < b
	}
	return false
}

type Delay struct {
	Duration time.Duration
}

type ResponseType string

const (
	RespAny    ResponseType = "any"
	RespText   ResponseType = "text"
	RespNumber ResponseType = "number"
	RespEmail  ResponseType = "email"
	RespPhone  ResponseType = "phone"
	RespChoice ResponseType = "choice"
)

type Choice struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

type Response struct {
	Prompt    string
	Type      ResponseType
	Variable  string
	Choices   []Choice
	MinLength int
	MaxLength int
	Pattern   *regexp.Regexp
	Timeout   time.Duration
}

var (
	emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phoneRe = regexp.MustCompile(`^\+?[0-9]{6,15}$`)
)

// ValidateReply checks a reply against the declared response type and
// constraints. For choice responses the matched choice value is returned;
// matching is case-sensitive and exact, first match wins.
func (r *Response) ValidateReply(reply string) (string, error) {
	if r.MinLength > 0 && len(reply) < r.MinLength {
		return "", fmt.Errorf("%w: shorter than %d", domain.ErrValidationFailure, r.MinLength)
	}
	if r.MaxLength > 0 && len(reply) > r.MaxLength {
		return "", fmt.Errorf("%w: longer than %d", domain.ErrValidationFailure, r.MaxLength)
	}
	if r.Pattern != nil && !r.Pattern.MatchString(reply) {
		return "", fmt.Errorf("%w: pattern mismatch", domain.ErrValidationFailure)
	}
	switch r.Type {
	case RespAny, RespText, "":
	case RespNumber:
		if _, err := strconv.ParseFloat(strings.TrimSpace(reply), 64); err != nil {
			return "", fmt.Errorf("%w: not a number", domain.ErrValidationFailure)
		}
	case RespEmail:
		if !emailRe.MatchString(strings.TrimSpace(reply)) {
			return "", fmt.Errorf("%w: not an email", domain.ErrValidationFailure)
		}
	case RespPhone:
		if !phoneRe.MatchString(strings.TrimSpace(reply)) {
			return "", fmt.Errorf("%w: not a phone number", domain.ErrValidationFailure)
		}
	case RespChoice:
		for _, c := range r.Choices {
			if reply == c.Value {
				return c.Value, nil
			}
		}
		return "", fmt.Errorf("%w: not a valid choice", domain.ErrValidationFailure)
	default:
		return "", fmt.Errorf("%w: unknown response type %q", domain.ErrValidationFailure, r.Type)
	}
	return "", nil
}

type Node struct {
	ID   string
	Type NodeType

	Trigger   *Trigger
	Action    *Action
	Condition *Condition
	Delay     *Delay
	Response  *Response
}

type Edge struct {
	From  string
	To    string
	Label string
}

// Graph is one tenant automation flow, decoded once at load time.
// Read-only after Decode.
type Graph struct {
	ID       string
	TenantID string
	Name     string
	Active   bool
	Nodes    []Node
	Edges    []Edge

	byID     map[string]*Node
	outgoing map[string][]Edge
	triggers []*Node
}

func (g *Graph) Node(id string) *Node {
	return g.byID[id]
}

func (g *Graph) Outgoing(id string) []Edge {
	return g.outgoing[id]
}

// FirstOut returns the target of the single outgoing edge, or "" at a leaf.
func (g *Graph) FirstOut(id string) string {
	edges := g.outgoing[id]
	if len(edges) == 0 {
		return ""
	}
	return edges[0].To
}

// Branch resolves a condition node's true/false edge. Falls back to edge
// position (first = true, second = false) when labels are absent.
func (g *Graph) Branch(id string, result bool) string {
	edges := g.outgoing[id]
	want := "false"
	if result {
		want = "true"
	}
	for _, e := range edges {
		if e.Label == want {
			return e.To
		}
	}
	if result && len(edges) > 0 {
		return edges[0].To
	}
	if !result && len(edges) > 1 {
		return edges[1].To
	}
	return ""
}

// ChoiceEdge resolves the edge labeled with the matched choice value.
func (g *Graph) ChoiceEdge(id, choice string) string {
	for _, e := range g.outgoing[id] {
		if e.Label == choice {
			return e.To
		}
	}
	return ""
}

// Triggers returns the trigger nodes in graph order.
func (g *Graph) Triggers() []*Node {
	return g.triggers
}
