package flow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Persisted node/edge shape. Config is a per-type variant decoded exactly
// once here; execution never touches raw JSON.
type rawNode struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Config json.RawMessage `json:"config"`
}

type rawEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

type rawDefinition struct {
	Nodes []rawNode `json:"nodes"`
	Edges []rawEdge `json:"edges"`
}

type triggerConfig struct {
	Match     TriggerMatch `json:"match"`
	Value     string       `json:"value,omitempty"`
	MediaType string       `json:"mediaType,omitempty"`
}

type actionConfig struct {
	Kind     ActionKind `json:"kind"`
	Text     string     `json:"text,omitempty"`
	URL      string     `json:"url,omitempty"`
	Variable string     `json:"variable,omitempty"`
	Value    string     `json:"value,omitempty"`
}

type conditionConfig struct {
	Variable string      `json:"variable"`
	Operator ConditionOp `json:"operator"`
	Value    string      `json:"value"`
}

type delayConfig struct {
	Seconds int `json:"seconds"`
}

type responseConfig struct {
	Prompt       string   `json:"prompt"`
	ResponseType string   `json:"responseType,omitempty"`
	Variable     string   `json:"variable,omitempty"`
	Choices      []Choice `json:"choices,omitempty"`
	Validation   struct {
		MinLength int    `json:"minLength,omitempty"`
		MaxLength int    `json:"maxLength,omitempty"`
		Pattern   string `json:"pattern,omitempty"`
	} `json:"validation"`
	TimeoutMinutes int `json:"timeoutMinutes,omitempty"`
}

// Decode parses a stored flow definition into an executable Graph.
func Decode(id, tenantID, name string, active bool, definition []byte) (*Graph, error) {
	var def rawDefinition
	if err := json.Unmarshal(definition, &def); err != nil {
		return nil, fmt.Errorf("flow %s: %w", id, err)
	}

	g := &Graph{
		ID:       id,
		TenantID: tenantID,
		Name:     name,
		Active:   active,
		byID:     make(map[string]*Node, len(def.Nodes)),
		outgoing: make(map[string][]Edge, len(def.Nodes)),
	}

	for _, rn := range def.Nodes {
		if rn.ID == "" {
			return nil, fmt.Errorf("flow %s: node without id", id)
		}
		node := Node{ID: rn.ID, Type: rn.Type}
		var err error
		switch rn.Type {
		case NodeTrigger:
			node.Trigger, err = decodeTrigger(rn.Config)
		case NodeAction:
			node.Action, err = decodeAction(rn.Config)
		case NodeCondition:
			node.Condition, err = decodeCondition(rn.Config)
		case NodeDelay:
			node.Delay, err = decodeDelay(rn.Config)
		case NodeResponse:
			node.Response, err = decodeResponse(rn.Config)
		default:
			err = fmt.Errorf("unknown node type %q", rn.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("flow %s node %s: %w", id, rn.ID, err)
		}
		g.Nodes = append(g.Nodes, node)
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		g.byID[n.ID] = n
		if n.Type == NodeTrigger {
			g.triggers = append(g.triggers, n)
		}
	}

	for _, edge := range def.Edges {
		if g.byID[edge.Source] == nil || g.byID[edge.Target] == nil {
			return nil, fmt.Errorf("flow %s: edge %s->%s references unknown node", id, edge.Source, edge.Target)
		}
		e := Edge{From: edge.Source, To: edge.Target, Label: edge.Label}
		g.Edges = append(g.Edges, e)
		g.outgoing[e.From] = append(g.outgoing[e.From], e)
	}

	return g, nil
}

func decodeTrigger(raw json.RawMessage) (*Trigger, error) {
	var cfg triggerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	t := &Trigger{Match: cfg.Match, Value: cfg.Value, MediaType: cfg.MediaType}
	switch cfg.Match {
	case MatchEquals, MatchContains, MatchStartsWith, MatchEndsWith, MatchMedia, MatchAny:
	case MatchRegex:
		re, err := regexp.Compile(cfg.Value)
		if err != nil {
			return nil, fmt.Errorf("bad trigger pattern: %w", err)
		}
		t.re = re
	default:
		return nil, fmt.Errorf("unknown trigger match %q", cfg.Match)
	}
	return t, nil
}

func decodeAction(raw json.RawMessage) (*Action, error) {
	var cfg actionConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	a := &Action{Kind: cfg.Kind, Text: cfg.Text, URL: cfg.URL, Variable: cfg.Variable, Value: cfg.Value}
	switch cfg.Kind {
	case ActionSendMessage:
		if a.Text == "" {
			return nil, fmt.Errorf("send_message action without text")
		}
	case ActionWebhook:
		if a.URL == "" {
			return nil, fmt.Errorf("webhook action without url")
		}
	case ActionSetVariable:
		if a.Variable == "" {
			return nil, fmt.Errorf("set_variable action without variable")
		}
	default:
		return nil, fmt.Errorf("unknown action kind %q", cfg.Kind)
	}
	return a, nil
}

func decodeCondition(raw json.RawMessage) (*Condition, error) {
	var cfg conditionConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	switch cfg.Operator {
	case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan:
	default:
		return nil, fmt.Errorf("unknown condition operator %q", cfg.Operator)
	}
	return &Condition{Variable: cfg.Variable, Op: cfg.Operator, Value: cfg.Value}, nil
}

func decodeDelay(raw json.RawMessage) (*Delay, error) {
	var cfg delayConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Seconds < 0 {
		return nil, fmt.Errorf("negative delay")
	}
	return &Delay{Duration: time.Duration(cfg.Seconds) * time.Second}, nil
}

func decodeResponse(raw json.RawMessage) (*Response, error) {
	var cfg responseConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Prompt == "" {
		return nil, fmt.Errorf("response node without prompt")
	}
	r := &Response{
		Prompt:    cfg.Prompt,
		Type:      ResponseType(cfg.ResponseType),
		Variable:  cfg.Variable,
		Choices:   cfg.Choices,
		MinLength: cfg.Validation.MinLength,
		MaxLength: cfg.Validation.MaxLength,
		Timeout:   time.Duration(cfg.TimeoutMinutes) * time.Minute,
	}
	switch r.Type {
	case "", RespAny, RespText, RespNumber, RespEmail, RespPhone:
	case RespChoice:
		if len(r.Choices) == 0 {
			return nil, fmt.Errorf("choice response without choices")
		}
	default:
		return nil, fmt.Errorf("unknown response type %q", r.Type)
	}
	if cfg.Validation.Pattern != "" {
		re, err := regexp.Compile(cfg.Validation.Pattern)
		if err != nil {
			return nil, fmt.Errorf("bad response pattern: %w", err)
		}
		r.Pattern = re
	}
	return r, nil
}
