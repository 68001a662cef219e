package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/collaboration"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"go.uber.org/zap"
)

// ErrUnknownTarget is returned by a transport that has no route to the target.
var ErrUnknownTarget = errors.New("no route to handoff target")

// Endpoint receives handoffs on behalf of an agent. *Coordinator satisfies it.
type Endpoint interface {
	Receive(ctx context.Context, msg *Message) (*Ack, error)
}

// EndpointFunc adapts a function to Endpoint.
type EndpointFunc func(ctx context.Context, msg *Message) (*Ack, error)

func (f EndpointFunc) Receive(ctx context.Context, msg *Message) (*Ack, error) { return f(ctx, msg) }

// Transport delivers a handoff to its target and returns the target's ack.
// Implementations must honour ctx cancellation.
type Transport interface {
	Deliver(ctx context.Context, msg *Message) (*Ack, error)
}

// =============================================================================
// LocalTransport
// =============================================================================

// LocalTransport routes handoffs to in-process endpoints.
type LocalTransport struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// NewLocalTransport creates an empty in-process transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{endpoints: make(map[string]Endpoint)}
}

// Register routes handoffs for agentID to ep.
func (t *LocalTransport) Register(agentID string, ep Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoints[agentID] = ep
}

// Unregister removes the route for agentID.
func (t *LocalTransport) Unregister(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.endpoints, agentID)
}

func (t *LocalTransport) Deliver(ctx context.Context, msg *Message) (*Ack, error) {
	t.mu.RLock()
	ep, ok := t.endpoints[msg.Target]
	t.mu.RUnlock()
	if !ok {
		return nil, types.NewDependencyError("no route to %s", msg.Target).WithEntity(msg.ID).WithCause(ErrUnknownTarget)
	}

	type reply struct {
		ack *Ack
		err error
	}
	done := make(chan reply, 1)
	go func() {
		ack, err := ep.Receive(ctx, msg.Clone())
		done <- reply{ack, err}
	}()
	select {
	case r := <-done:
		return r.ack, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// =============================================================================
// HubTransport
// =============================================================================

// HubTransport carries handoffs over a collaboration.MessageHub as
// request/reply pairs. Each target agent runs ServeAgent on its inbox.
type HubTransport struct {
	hub    *collaboration.MessageHub
	logger *zap.Logger
}

// NewHubTransport creates a transport over hub.
func NewHubTransport(hub *collaboration.MessageHub, logger *zap.Logger) *HubTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HubTransport{hub: hub, logger: logger.With(zap.String("component", "handoff_hub_transport"))}
}

func (t *HubTransport) Deliver(ctx context.Context, msg *Message) (*Ack, error) {
	env, err := collaboration.NewMessage(msg.Source, msg.Target, collaboration.MessageTypeHandoff, msg)
	if err != nil {
		return nil, types.NewValidationError("encode handoff: %v", err).WithEntity(msg.ID)
	}
	resp, err := t.hub.Request(ctx, env)
	if err != nil {
		if errors.Is(err, collaboration.ErrChannelNotFound) {
			return nil, types.NewDependencyError("no route to %s", msg.Target).WithEntity(msg.ID).
				WithCause(fmt.Errorf("%w: %w", ErrUnknownTarget, err))
		}
		if errors.Is(err, collaboration.ErrChannelFull) {
			return nil, types.NewTimeoutError("inbox of %s is full", msg.Target).WithEntity(msg.ID).WithCause(err)
		}
		return nil, err
	}
	var ack Ack
	if err := resp.Decode(&ack); err != nil {
		return nil, fmt.Errorf("decode ack from %s: %w", msg.Target, err)
	}
	return &ack, nil
}

// ServeAgent answers handoffs addressed to agentID with ep until ctx ends.
// Non-handoff messages are ignored.
func (t *HubTransport) ServeAgent(ctx context.Context, agentID string, ep Endpoint) error {
	t.hub.CreateChannel(agentID)
	return t.hub.Serve(ctx, agentID, func(ctx context.Context, env *collaboration.Message) {
		if env.Type != collaboration.MessageTypeHandoff {
			return
		}
		var msg Message
		if err := env.Decode(&msg); err != nil {
			t.logger.Warn("dropping undecodable handoff", zap.String("envelope_id", env.ID), zap.Error(err))
			return
		}
		ack, err := ep.Receive(ctx, &msg)
		if err != nil {
			ack = &Ack{MessageID: msg.ID, AgentID: agentID, Status: AckRejected, Reason: err.Error()}
		}
		resp, err := collaboration.NewMessage(agentID, env.FromID, collaboration.MessageTypeAck, ack)
		if err != nil {
			t.logger.Warn("encode ack failed", zap.String("message_id", msg.ID), zap.Error(err))
			return
		}
		if env.ExpectsReply() {
			_ = env.Reply(resp)
		}
	})
}
