package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"msggw/internal/domain"
	"msggw/internal/observability"
	"msggw/internal/util"
)

// Sender is the slice of the session manager the engine needs.
type Sender interface {
	Send(ctx context.Context, tenantID, instanceID, to, body string) (string, error)
}

// Loader supplies a tenant's active flows, decoded and in list order.
type Loader interface {
	ActiveFlows(ctx context.Context, tenantID string) ([]*Graph, error)
}

type EngineOptions struct {
	Events domain.EventSink
	HTTP   *http.Client
	Now    func() time.Time

	// DefaultTimeout applies to response nodes that declare none.
	DefaultTimeout time.Duration
}

// Engine matches inbound messages against tenant flows and drives at most one
// conversational step per message. Work for the same (instance, counterparty)
// pair is serialized; distinct pairs run concurrently.
type Engine struct {
	flows  Loader
	sender Sender
	events domain.EventSink
	http   *http.Client
	now    func() time.Time

	defaultTimeout time.Duration

	convs  *conversationStore
	runner *keyedRunner
}

func NewEngine(flows Loader, sender Sender, opts EngineOptions) *Engine {
	e := &Engine{
		flows:          flows,
		sender:         sender,
		events:         opts.Events,
		http:           opts.HTTP,
		now:            opts.Now,
		defaultTimeout: opts.DefaultTimeout,
		convs:          newConversationStore(),
		runner:         newKeyedRunner(),
	}
	if e.events == nil {
		e.events = domain.LogSink{}
	}
	if e.http == nil {
		e.http = &http.Client{Timeout: 5 * time.Second}
	}
	if e.now == nil {
		e.now = util.NowUTC
	}
	if e.defaultTimeout <= 0 {
		e.defaultTimeout = 30 * time.Minute
	}
	return e
}

// EvaluateInbound queues the message for its pair's worker and returns
// immediately. Ordering is preserved per pair.
func (e *Engine) EvaluateInbound(ctx context.Context, msg domain.InboundMessage) {
	key := pairKey{
		tenantID:     msg.TenantID,
		instanceID:   msg.InstanceID,
		counterparty: util.NormalizeAddress(msg.From),
	}
	e.runner.do(key, func() {
		e.process(context.WithoutCancel(ctx), key, msg)
	})
}

func (e *Engine) process(ctx context.Context, key pairKey, msg domain.InboundMessage) {
	observability.InboundEvents.WithLabelValues("message").Inc()
	e.events.Publish(ctx, domain.Event{
		Kind: domain.EventInboundMessage, TenantID: msg.TenantID, InstanceID: msg.InstanceID, At: e.now(),
		Fields: map[string]string{"from": key.counterparty},
	})

	if conv, ok := e.convs.get(key); ok {
		if e.now().After(conv.ExpiresAt) {
			// stale wait-state: discard and treat the message as fresh
			e.convs.delete(key)
		} else {
			e.handleReply(ctx, key, conv, msg)
			return
		}
	}
	e.scanTriggers(ctx, key, msg)
}

func (e *Engine) scanTriggers(ctx context.Context, key pairKey, msg domain.InboundMessage) {
	flows, err := e.flows.ActiveFlows(ctx, msg.TenantID)
	if err != nil {
		slog.Error("flow load failed", "err", err, "tenant_id", msg.TenantID)
		return
	}
	for _, g := range flows {
		if !g.Active {
			continue
		}
		for _, n := range g.Triggers() {
			if !n.Trigger.Matches(msg) {
				continue
			}
			// first matching trigger across the first flow wins
			observability.FlowTriggers.WithLabelValues(string(n.Trigger.Match)).Inc()
			e.events.Publish(ctx, domain.Event{
				Kind: domain.EventFlowTriggered, TenantID: msg.TenantID, InstanceID: msg.InstanceID, At: e.now(),
				Fields: map[string]string{"flow_id": g.ID, "node_id": n.ID, "from": key.counterparty},
			})
			e.walk(ctx, g, key, g.FirstOut(n.ID), map[string]string{})
			return
		}
	}
}

func (e *Engine) handleReply(ctx context.Context, key pairKey, conv *Conversation, msg domain.InboundMessage) {
	g, node := e.findPending(ctx, msg.TenantID, conv)
	if node == nil {
		// flow was deleted or deactivated underneath the conversation
		e.convs.delete(key)
		e.scanTriggers(ctx, key, msg)
		return
	}
	resp := node.Response

	choice, err := resp.ValidateReply(msg.Body)
	if err != nil {
		// re-prompt and keep waiting
		prompt := util.RenderTemplate(resp.Prompt, conv.Vars)
		if _, err := e.sender.Send(ctx, key.tenantID, key.instanceID, key.counterparty, prompt); err != nil {
			slog.Error("flow re-prompt failed", "err", err, "flow_id", g.ID, "node_id", node.ID)
		}
		return
	}

	vars := conv.Vars
	var next string
	if resp.Type == RespChoice {
		next = g.ChoiceEdge(node.ID, choice)
		if resp.Variable != "" {
			vars[resp.Variable] = choice
		}
	} else {
		if resp.Variable != "" {
			vars[resp.Variable] = msg.Body
		}
		next = g.FirstOut(node.ID)
	}

	e.convs.delete(key)
	e.walk(ctx, g, key, next, vars)
}

func (e *Engine) findPending(ctx context.Context, tenantID string, conv *Conversation) (*Graph, *Node) {
	flows, err := e.flows.ActiveFlows(ctx, tenantID)
	if err != nil {
		slog.Error("flow load failed", "err", err, "tenant_id", tenantID)
		return nil, nil
	}
	for _, g := range flows {
		if g.ID != conv.FlowID {
			continue
		}
		n := g.Node(conv.NodeID)
		if n != nil && n.Type == NodeResponse {
			return g, n
		}
	}
	return nil, nil
}

// walk executes the graph forward from nodeID until it halts at a response
// node, reaches a leaf, or a side effect fails. Runs inside the pair's
// worker, so a delay here suspends only this pair.
func (e *Engine) walk(ctx context.Context, g *Graph, key pairKey, nodeID string, vars map[string]string) {
	const maxSteps = 64 // cycle guard

	cur := nodeID
	for steps := 0; cur != "" && steps < maxSteps; steps++ {
		n := g.Node(cur)
		if n == nil {
			return
		}
		switch n.Type {
		case NodeAction:
			if err := e.runAction(ctx, key, n.Action, vars); err != nil {
				slog.Error("flow action failed", "err", err, "flow_id", g.ID, "node_id", n.ID,
					"tenant_id", key.tenantID, "instance_id", key.instanceID)
				return
			}
			cur = g.FirstOut(cur)
		case NodeCondition:
			cur = g.Branch(cur, n.Condition.Eval(vars))
		case NodeDelay:
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.Delay.Duration):
			}
			cur = g.FirstOut(cur)
		case NodeResponse:
			prompt := util.RenderTemplate(n.Response.Prompt, vars)
			if _, err := e.sender.Send(ctx, key.tenantID, key.instanceID, key.counterparty, prompt); err != nil {
				slog.Error("flow prompt failed", "err", err, "flow_id", g.ID, "node_id", n.ID,
					"tenant_id", key.tenantID, "instance_id", key.instanceID)
				return
			}
			timeout := n.Response.Timeout
			if timeout <= 0 {
				timeout = e.defaultTimeout
			}
			e.convs.put(key, &Conversation{
				FlowID:    g.ID,
				NodeID:    n.ID,
				Vars:      vars,
				ExpiresAt: e.now().Add(timeout),
			})
			return
		case NodeTrigger:
			cur = g.FirstOut(cur)
		}
	}
}

func (e *Engine) runAction(ctx context.Context, key pairKey, a *Action, vars map[string]string) error {
	switch a.Kind {
	case ActionSendMessage:
		body := util.RenderTemplate(a.Text, vars)
		_, err := e.sender.Send(ctx, key.tenantID, key.instanceID, key.counterparty, body)
		return err
	case ActionWebhook:
		payload, _ := json.Marshal(map[string]any{
			"tenantId":   key.tenantID,
			"instanceId": key.instanceID,
			"from":       key.counterparty,
			"vars":       vars,
		})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.http.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	case ActionSetVariable:
		vars[a.Variable] = util.RenderTemplate(a.Value, vars)
		return nil
	}
	return nil
}

// Wait blocks until all queued evaluations have drained. Intended for tests
// and graceful shutdown.
func (e *Engine) Wait() {
	e.runner.wait()
}
