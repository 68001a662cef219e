package handoff

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/contextstore"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newParallelFixture(t *testing.T, opts ...Option) (*Coordinator, *contextstore.Store, *contextstore.Version) {
	t.Helper()
	store := contextstore.New(contextstore.DefaultConfig(), nil)
	t.Cleanup(store.Close)
	root, err := store.Create(context.Background(), "site", contextstore.ChangeSet{
		contextstore.Set("design.layout", contextstore.String("grid")),
	}, "orch")
	require.NoError(t, err)

	c, _ := newLocal(t, fastConfig(), []string{"designer", "a11y", "perf", "dev"},
		append([]Option{WithVersions(store), WithContextWriter(store)}, opts...)...)
	return c, store, root
}

func reviewGroup(root *contextstore.Version, targets ...string) ParallelGroup {
	pg := ParallelGroup{
		ID:               "review-1",
		WorkflowID:       "wf-1",
		Source:           "orch",
		ContextID:        "site",
		ContextVersionID: root.ID,
	}
	for i, target := range targets {
		pg.Members = append(pg.Members, Member{
			Target: target,
			Task:   Task{ID: "review-" + target, Title: "review " + target, Priority: types.PriorityMedium},
			Stage:  i + 1,
		})
	}
	return pg
}

// memberID finds the handoff sent to target within a group.
func memberID(t *testing.T, c *Coordinator, groupID, target string) string {
	t.Helper()
	for _, r := range c.List("wf-1") {
		if r.Message.ParallelGroupID == groupID && r.Message.Target == target {
			return r.Message.ID
		}
	}
	t.Fatalf("no member for %s", target)
	return ""
}

func TestCoordinator_FanOutJoinMergesDeltas(t *testing.T) {
	c, store, root := newParallelFixture(t)
	ctx := context.Background()

	pg := reviewGroup(root, "a11y", "perf")
	pg.JoinTarget = "dev"
	id, results, err := c.FanOut(ctx, pg)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success)
	}

	// complete out of stage order
	_, err = c.Complete(ctx, memberID(t, c, id, "perf"), Output{
		Summary: "lcp budget",
		Changes: contextstore.ChangeSet{contextstore.Set("performance.lcp", contextstore.Number(2500))},
	})
	require.NoError(t, err)
	_, err = c.Complete(ctx, memberID(t, c, id, "a11y"), Output{
		Summary: "contrast fixes",
		Changes: contextstore.ChangeSet{contextstore.Set("design.contrast", contextstore.String("AA"))},
	})
	require.NoError(t, err)

	res, err := c.Join(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Empty(t, res.TimedOut)
	assert.Empty(t, res.Pending)
	require.Len(t, res.PreviousWork, 2)
	assert.Equal(t, "a11y", res.PreviousWork[0].AgentID, "merged in stage order")
	assert.Equal(t, "perf", res.PreviousWork[1].AgentID)

	snap, err := store.Read("site", res.HeadVersionID)
	require.NoError(t, err)
	contrast, ok := snap.Tree.Get("design.contrast")
	require.True(t, ok)
	assert.Equal(t, "AA", contrast.Any())
	lcp, ok := snap.Tree.Get("performance.lcp")
	require.True(t, ok)
	assert.Equal(t, 2500.0, lcp.Any())

	require.NotNil(t, res.Handoff)
	assert.True(t, res.Handoff.Success)
	joined, err := c.Get(res.Handoff.HandoffID)
	require.NoError(t, err)
	assert.Equal(t, TypeParallelJoin, joined.Message.Type)
	assert.Equal(t, res.HeadVersionID, joined.Message.ContextVersionID)
	assert.Len(t, joined.Message.PreviousWork, 2)

	again, err := c.Join(ctx, id)
	require.NoError(t, err)
	assert.Same(t, res, again)
}

func TestCoordinator_JoinHoldsClashingDeltas(t *testing.T) {
	c, store, root := newParallelFixture(t)
	ctx := context.Background()

	id, _, err := c.FanOut(ctx, reviewGroup(root, "designer", "a11y"))
	require.NoError(t, err)
	_, err = c.Complete(ctx, memberID(t, c, id, "designer"), Output{
		Changes: contextstore.ChangeSet{contextstore.Set("design.layout", contextstore.String("flex"))},
	})
	require.NoError(t, err)
	_, err = c.Complete(ctx, memberID(t, c, id, "a11y"), Output{
		Changes: contextstore.ChangeSet{contextstore.Set("design.layout", contextstore.String("stack"))},
	})
	require.NoError(t, err)

	res, err := c.Join(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	require.Len(t, res.Pending, 1)
	assert.Equal(t, res.Pending[0], res.Members[1].PendingID)

	pending, err := store.Pending("site")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestCoordinator_JoinMemberTimeout(t *testing.T) {
	c, _, root := newParallelFixture(t)
	ctx := context.Background()

	pg := reviewGroup(root, "designer", "a11y")
	pg.MemberTimeout = 50 * time.Millisecond
	id, _, err := c.FanOut(ctx, pg)
	require.NoError(t, err)
	_, err = c.Complete(ctx, memberID(t, c, id, "designer"), Output{Summary: "done"})
	require.NoError(t, err)

	res, err := c.Join(ctx, id)
	require.NoError(t, err)
	assert.False(t, res.Complete)
	require.Len(t, res.TimedOut, 1)
	assert.Len(t, res.PreviousWork, 1)

	late, _ := c.Get(res.TimedOut[0])
	assert.Equal(t, StatusFailed, late.Status)
	assert.Equal(t, "a11y", late.Message.Target)
}

func TestCoordinator_JoinUnknownGroup(t *testing.T) {
	c, _, _ := newParallelFixture(t)
	_, err := c.Join(context.Background(), "missing")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestCoordinator_JoinDeadlineFollowsClock(t *testing.T) {
	var skew atomic.Int64
	clock := func() time.Time { return time.Now().Add(time.Duration(skew.Load())) }
	c, _, root := newParallelFixture(t, WithClock(clock))
	ctx := context.Background()

	pg := reviewGroup(root, "designer", "a11y")
	pg.MemberTimeout = time.Hour
	id, _, err := c.FanOut(ctx, pg)
	require.NoError(t, err)
	_, err = c.Complete(ctx, memberID(t, c, id, "designer"), Output{Summary: "done"})
	require.NoError(t, err)

	skew.Store(int64(2 * time.Hour))
	done := make(chan *JoinResult, 1)
	go func() {
		res, err := c.Join(ctx, id)
		assert.NoError(t, err)
		done <- res
	}()
	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.False(t, res.Complete)
		require.Len(t, res.TimedOut, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("join ignored the coordinator clock")
	}
}

func TestCoordinator_JoinAfterCancelledJoin(t *testing.T) {
	c, _, root := newParallelFixture(t)
	ctx := context.Background()

	id, _, err := c.FanOut(ctx, reviewGroup(root, "designer", "a11y"))
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.Join(cancelled, id)
	assert.ErrorIs(t, err, context.Canceled)

	for _, target := range []string{"designer", "a11y"} {
		_, err = c.Complete(ctx, memberID(t, c, id, target), Output{Summary: target + " done"})
		require.NoError(t, err)
	}
	res, err := c.Join(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Len(t, res.Members, 2)

	again, err := c.Join(ctx, id)
	require.NoError(t, err)
	assert.Same(t, res, again)
}
