package handoff

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/collaboration"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/contextstore"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/monitor"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/persistence"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.AckTimeout = 200 * time.Millisecond
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

// newLocal wires a coordinator that answers for every listed agent.
func newLocal(t *testing.T, cfg Config, agents []string, opts ...Option) (*Coordinator, *LocalTransport) {
	t.Helper()
	lt := NewLocalTransport()
	c := New(cfg, zaptest.NewLogger(t), append([]Option{WithTransport(lt)}, opts...)...)
	for _, a := range agents {
		lt.Register(a, c)
	}
	return c, lt
}

func initial(id string) *Message {
	return &Message{
		ID:         id,
		Source:     "orch",
		Target:     "designer",
		WorkflowID: "wf-1",
		Type:       TypeInitial,
		Task:       Task{ID: "task-" + id, Title: "design the landing page", Priority: types.PriorityHigh},
	}
}

// =============================================================================
// State machine and validation
// =============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusInitiated, StatusSent, true},
		{StatusSent, StatusAcknowledged, true},
		{StatusAcknowledged, StatusAccepted, true},
		{StatusAcknowledged, StatusRejected, true},
		{StatusAcknowledged, StatusFailed, true},
		{StatusAccepted, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInitiated, StatusCancelled, true},
		{StatusAcknowledged, StatusCancelled, true},
		{StatusInitiated, StatusAccepted, false},
		{StatusSent, StatusCompleted, false},
		{StatusAccepted, StatusCompleted, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCancelled, StatusSent, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *Message)
		errMsg string
	}{
		{name: "valid", mutate: func(*Message) {}},
		{name: "missing target", mutate: func(m *Message) { m.Target = "" }, errMsg: "target_agent"},
		{name: "missing task id", mutate: func(m *Message) { m.Task.ID = "" }, errMsg: "task.id"},
		{name: "unknown type", mutate: func(m *Message) { m.Type = "teleport" }, errMsg: "unknown handoff type"},
		{name: "unknown priority", mutate: func(m *Message) { m.Task.Priority = "urgent" }, errMsg: "unknown task priority"},
		{name: "self handoff", mutate: func(m *Message) { m.Target = m.Source }, errMsg: "both"},
		{name: "self dependency", mutate: func(m *Message) { m.Task.Dependencies = []string{m.Task.ID} }, errMsg: "depends on itself"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := initial("m1")
			tt.mutate(m)
			err := m.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, types.IsErrorCode(err, types.ErrValidation))
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

// =============================================================================
// Send / Receive
// =============================================================================

func TestCoordinator_SimpleHandoff(t *testing.T) {
	records := persistence.NewMemoryRecordStore()
	rec := monitor.NewRecorder()
	c, _ := newLocal(t, fastConfig(), []string{"designer", "orch"}, WithRecordStore(records), WithSink(rec))
	ctx := context.Background()

	res, err := c.Send(ctx, initial("h1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StatusAccepted, res.Status)
	require.NotNil(t, res.Ack)
	assert.Equal(t, AckAccepted, res.Ack.Status)
	assert.Equal(t, 1, res.Attempts)

	require.NoError(t, c.Start(ctx, "h1"))
	assert.Equal(t, TaskInProgress, c.Board().TaskStatus("task-h1"))

	done, err := c.CompleteAndForward(ctx, "h1", Output{Summary: "hero section and grid"}, nil)
	require.NoError(t, err)
	assert.True(t, done.Success)
	assert.Equal(t, "orch", done.Target)

	work := c.PreviousWork("wf-1")
	require.Len(t, work, 1)
	assert.Equal(t, "designer", work[0].AgentID)
	assert.Equal(t, "hero section and grid", work[0].Summary)

	completion, err := c.Get(done.HandoffID)
	require.NoError(t, err)
	assert.Equal(t, TypeCompletion, completion.Message.Type)
	assert.Equal(t, "designer", completion.Message.Source)
	require.Len(t, completion.Message.PreviousWork, 1)
	assert.Equal(t, "designer", completion.Message.PreviousWork[0].AgentID)

	first, err := c.Get("h1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, first.Status)
	assert.Equal(t, TaskCompleted, c.Board().TaskStatus("task-h1"))

	stored, err := records.Get(ctx, persistence.KindHandoff, "h1")
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompleted), stored.Status)
	assert.Equal(t, 1, rec.Count(types.ComponentHandoff, string(StatusCompleted)))
}

func TestCoordinator_ReplayIsIdempotent(t *testing.T) {
	var accepted, delivered atomic.Int32
	lt := NewLocalTransport()
	c := New(fastConfig(), zaptest.NewLogger(t), WithTransport(lt),
		WithOnAccept(func(context.Context, *Message) { accepted.Add(1) }))
	lt.Register("designer", EndpointFunc(func(ctx context.Context, m *Message) (*Ack, error) {
		delivered.Add(1)
		return c.Receive(ctx, m)
	}))
	ctx := context.Background()

	msg := initial("h1")
	_, err := c.Send(ctx, msg)
	require.NoError(t, err)
	_, err = c.Complete(ctx, "h1", Output{Summary: "done"})
	require.NoError(t, err)

	again, err := c.Send(ctx, msg)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Equal(t, int32(1), delivered.Load(), "resend does not deliver again")

	ack, err := c.Receive(ctx, msg)
	require.NoError(t, err)
	assert.True(t, ack.Replayed)
	assert.Equal(t, AckAccepted, ack.Status)

	assert.Equal(t, int32(1), accepted.Load(), "accept hook runs once per message id")
	assert.Len(t, c.PreviousWork("wf-1"), 1)
	got, _ := c.Get("h1")
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestCoordinator_RetriesUntilAcknowledged(t *testing.T) {
	var calls atomic.Int32
	lt := NewLocalTransport()
	c := New(fastConfig(), zaptest.NewLogger(t), WithTransport(lt))
	lt.Register("designer", EndpointFunc(func(ctx context.Context, m *Message) (*Ack, error) {
		if calls.Add(1) < 3 {
			return nil, types.NewTimeoutError("designer busy")
		}
		return c.Receive(ctx, m)
	}))

	res, err := c.Send(context.Background(), initial("h1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)

	rec, _ := c.Get("h1")
	assert.Equal(t, 2, rec.Message.Metadata.RetryCount)
}

func TestCoordinator_AckTimeoutExhausted(t *testing.T) {
	cfg := fastConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 2
	records := persistence.NewMemoryRecordStore()
	lt := NewLocalTransport()
	c := New(cfg, zaptest.NewLogger(t), WithTransport(lt), WithRecordStore(records))
	lt.Register("designer", EndpointFunc(func(ctx context.Context, _ *Message) (*Ack, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	res, err := c.Send(context.Background(), initial("h1"))
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrTimeout), "got %v", err)
	assert.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.NotEmpty(t, res.Error)

	stored, err := records.Get(context.Background(), persistence.KindHandoff, "h1")
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), stored.Status)
	assert.NotEmpty(t, stored.Reason)
}

func TestCoordinator_FallbackTarget(t *testing.T) {
	c, _ := newLocal(t, fastConfig(), []string{"designer-2"})

	msg := initial("h1")
	msg.Fallbacks = []string{"designer-2"}
	res, err := c.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "designer-2", res.Target)

	rec, _ := c.Get("h1")
	assert.Equal(t, "designer-2", rec.Message.Target)
}

func TestCoordinator_DependencyGating(t *testing.T) {
	var delivered atomic.Int32
	lt := NewLocalTransport()
	c := New(fastConfig(), zaptest.NewLogger(t), WithTransport(lt))
	lt.Register("designer", EndpointFunc(func(ctx context.Context, m *Message) (*Ack, error) {
		delivered.Add(1)
		return c.Receive(ctx, m)
	}))
	ctx := context.Background()

	blocked := initial("h1")
	blocked.Task.Dependencies = []string{"research"}
	res, err := c.Send(ctx, blocked)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrDependency), "got %v", err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Zero(t, delivered.Load())

	ack, err := c.Receive(ctx, blocked)
	require.NoError(t, err)
	assert.Equal(t, AckRejected, ack.Status)
	assert.Contains(t, ack.Reason, "research")

	c.Board().SetTaskStatus("research", TaskCompleted)
	ready := initial("h2")
	ready.Task.Dependencies = []string{"research"}
	res, err = c.Send(ctx, ready)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestCoordinator_RejectedHandoffFails(t *testing.T) {
	c, _ := newLocal(t, fastConfig(), []string{"designer"},
		WithAcceptor(func(context.Context, *Message) (bool, string) { return false, "at capacity" }))

	res, err := c.Send(context.Background(), initial("h1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at capacity")
	assert.Equal(t, StatusFailed, res.Status)

	rec, _ := c.Get("h1")
	var seen []Status
	for _, tr := range rec.History {
		seen = append(seen, tr.To)
	}
	assert.Equal(t, []Status{StatusInitiated, StatusSent, StatusAcknowledged, StatusRejected, StatusFailed}, seen)
}

func TestCoordinator_ContextVersion(t *testing.T) {
	store := contextstore.New(contextstore.DefaultConfig(), nil)
	defer store.Close()
	ctx := context.Background()
	root, err := store.Create(ctx, "ctx", contextstore.ChangeSet{
		contextstore.Set("design.layout", contextstore.String("grid")),
	}, "orch")
	require.NoError(t, err)

	c, _ := newLocal(t, fastConfig(), []string{"designer"}, WithVersions(store))

	ok := initial("h1")
	ok.ContextID, ok.ContextVersionID = "ctx", root.ID
	_, err = c.Send(ctx, ok)
	require.NoError(t, err)

	missing := initial("h2")
	missing.ContextVersionID = "no-such-version"
	res, err := c.Send(ctx, missing)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
	assert.Equal(t, StatusFailed, res.Status)
}

func TestCoordinator_Cancel(t *testing.T) {
	c, _ := newLocal(t, fastConfig(), []string{"designer"})
	ctx := context.Background()
	_, err := c.Send(ctx, initial("h1"))
	require.NoError(t, err)

	err = c.Cancel(ctx, "h1", "designer", "not mine")
	assert.True(t, types.IsErrorCode(err, types.ErrPermissionDenied))

	require.NoError(t, c.Cancel(ctx, "h1", "orch", "plan changed"))
	rec, _ := c.Get("h1")
	assert.Equal(t, StatusCancelled, rec.Status)
	assert.Equal(t, "plan changed", rec.Reason)

	_, err = c.Complete(ctx, "h1", Output{})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
	assert.True(t, types.IsErrorCode(c.Cancel(ctx, "h1", "orch", "again"), types.ErrInvalidTransition))
}

func TestCoordinator_SequentialForwardCarriesWork(t *testing.T) {
	c, _ := newLocal(t, fastConfig(), []string{"designer", "dev", "orch"})
	ctx := context.Background()

	msg := initial("h1")
	msg.Metadata = Metadata{StageIndex: 1, TotalStages: 2}
	_, err := c.Send(ctx, msg)
	require.NoError(t, err)

	next := &Message{ID: "h2", Target: "dev", Task: Task{ID: "build", Title: "implement the page", Dependencies: []string{"task-h1"}}}
	res, err := c.CompleteAndForward(ctx, "h1", Output{Summary: "mockups"}, next)
	require.NoError(t, err)
	assert.True(t, res.Success)

	fwd, _ := c.Get("h2")
	assert.Equal(t, TypeSequential, fwd.Message.Type)
	assert.Equal(t, "designer", fwd.Message.Source)
	assert.Equal(t, "wf-1", fwd.Message.WorkflowID)
	assert.Equal(t, 2, fwd.Message.Metadata.StageIndex)
	require.Len(t, fwd.Message.PreviousWork, 1)
	assert.Equal(t, "mockups", fwd.Message.PreviousWork[0].Summary)
}

func TestHubTransport_Delivers(t *testing.T) {
	hub := collaboration.NewMessageHub(8, zaptest.NewLogger(t))
	defer hub.Close()
	hub.CreateChannel("designer")

	tr := NewHubTransport(hub, zaptest.NewLogger(t))
	c := New(fastConfig(), zaptest.NewLogger(t), WithTransport(tr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tr.ServeAgent(ctx, "designer", c) }()

	res, err := c.Send(ctx, initial("h1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, AckAccepted, res.Ack.Status)

	unknown := initial("h2")
	unknown.Target = "nobody"
	_, err = c.Send(ctx, unknown)
	require.Error(t, err)
}

func TestCanTransition_EveryOpenStatusCanFail(t *testing.T) {
	for from := range transitions {
		assert.True(t, CanTransition(from, StatusFailed), "from %s", from)
	}
}
