package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/conflict"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/contextstore"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/handoff"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/monitor"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/persistence"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/toolarbiter"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/config"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"github.com/alicebob/miniredis/v2"
	glebarez "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Persistence.CleanupEnabled = false
	cfg.Conflict.AutoResolve = false
	cfg.Handoff.AckTimeout = 200 * time.Millisecond
	cfg.Handoff.BaseDelay = time.Millisecond
	cfg.Handoff.MaxDelay = 5 * time.Millisecond
	cfg.Agents = []config.AgentConfig{
		{ID: "orch", Orchestrator: true, DomainWeights: map[string]float64{"project": 1}},
		{ID: "designer", Deputy: true, DomainWeights: map[string]float64{"design": 0.9}},
		{ID: "a11y", DomainWeights: map[string]float64{"accessibility": 0.95, "design": 0.4}},
	}
	cfg.Tools.Catalog = []config.ToolConfig{
		{ID: "lighthouse", Category: "exclusive", EstimatedDuration: time.Minute},
		{ID: "browser", Category: "pool", ConcurrentLimit: 2},
	}
	return cfg
}

func newCore(t *testing.T, cfg *config.Config, opts Options) *Core {
	t.Helper()
	opts.Config = cfg
	opts.Logger = zaptest.NewLogger(t)
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestNew_RegistersAgentsAndTools(t *testing.T) {
	c := newCore(t, testConfig(), Options{})

	assert.Len(t, c.Registry.List(), 3)
	orch, err := c.Registry.Orchestrator()
	require.NoError(t, err)
	assert.Equal(t, "orch", orch)
	assert.Equal(t, "designer", c.Registry.Deputy())
	assert.Equal(t, []string{"browser", "lighthouse"}, c.Tools.Tools())

	st, err := c.Tools.GetStatus("lighthouse")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Tool.ConcurrentLimit)
}

func TestNew_RejectsBadSeeds(t *testing.T) {
	cfg := testConfig()
	cfg.Agents[1].DomainWeights = map[string]float64{"marketing": 1}
	_, err := New(Options{Config: cfg})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	cfg = testConfig()
	cfg.Tools.Catalog[0].Category = "borrowed"
	_, err = New(Options{Config: cfg})
	require.Error(t, err)
}

func TestCore_HandoffOverHub(t *testing.T) {
	c := newCore(t, testConfig(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	root, err := c.Contexts.Create(ctx, "proj", contextstore.ChangeSet{
		contextstore.Set("project.name", contextstore.String("shop")),
	}, "orch")
	require.NoError(t, err)

	c.Hub.CreateChannel("designer")
	go func() { _ = c.ServeAgent(ctx, "designer") }()

	res, err := c.Handoffs.Send(ctx, &handoff.Message{
		ID:               "h1",
		Source:           "orch",
		Target:           "designer",
		WorkflowID:       "wf-1",
		Type:             handoff.TypeInitial,
		Task:             handoff.Task{ID: "task-1", Title: "design the landing page", Priority: types.PriorityHigh},
		ContextID:        "proj",
		ContextVersionID: root.ID,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, handoff.AckAccepted, res.Ack.Status)

	rec, err := c.Handoffs.Get("h1")
	require.NoError(t, err)
	assert.Equal(t, "proj", rec.Message.ContextID)
}

func TestCore_ContextClashReachesConflictEngine(t *testing.T) {
	rec := monitor.NewRecorder()
	c := newCore(t, testConfig(), Options{Sink: rec})
	ctx := context.Background()

	root, err := c.Contexts.Create(ctx, "proj", nil, "orch")
	require.NoError(t, err)
	_, err = c.Contexts.Write(ctx, contextstore.WriteRequest{
		ContextID: "proj", BaseVersionID: root.ID, Author: "designer",
		Changes:  contextstore.ChangeSet{contextstore.Set("design.color", contextstore.String("red"))},
		Priority: types.PriorityHigh, Confidence: 0.9,
	})
	require.NoError(t, err)
	_, err = c.Contexts.Write(ctx, contextstore.WriteRequest{
		ContextID: "proj", BaseVersionID: root.ID, Author: "a11y",
		Changes: contextstore.ChangeSet{contextstore.Set("design.color", contextstore.String("blue"))},
	})
	pe, ok := contextstore.AsPending(err)
	require.True(t, ok)

	cf, err := c.Conflicts.Get(pe.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, conflict.CategoryContextValue, cf.Category)
	assert.Equal(t, pe.PendingID, cf.PendingID)

	_, err = c.Conflicts.Dismiss(ctx, pe.ConflictID, "superseded")
	require.NoError(t, err)
	pending, err := c.Contexts.Pending("proj")
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.NotEmpty(t, rec.Filter(types.ComponentContext, "write_pending"))
}

func TestCore_ToolCatalogReload(t *testing.T) {
	c := newCore(t, testConfig(), Options{})

	updated := testConfig()
	updated.Tools.Catalog = append(updated.Tools.Catalog, config.ToolConfig{ID: "axe", Category: "shared", ConcurrentLimit: 4})
	c.OnConfigReload(nil, updated)
	assert.Contains(t, c.Tools.Tools(), "axe")

	bad := testConfig()
	bad.Tools.Catalog = []config.ToolConfig{{ID: "x", Category: "nope"}}
	c.OnConfigReload(nil, bad)
	assert.NotContains(t, c.Tools.Tools(), "x")
}

func TestCore_ExclusiveToolQueues(t *testing.T) {
	c := newCore(t, testConfig(), Options{})
	ctx := context.Background()

	g1, err := c.Tools.Request(ctx, toolarbiter.Request{ToolID: "lighthouse", AgentID: "designer", Priority: types.PriorityMedium})
	require.NoError(t, err)
	require.True(t, g1.Granted)

	g2, err := c.Tools.Request(ctx, toolarbiter.Request{ToolID: "lighthouse", AgentID: "a11y", Priority: types.PriorityMedium})
	require.NoError(t, err)
	assert.False(t, g2.Granted)
	assert.Equal(t, 0, g2.QueuePosition)

	require.NoError(t, c.Tools.Release(g1.LockID))
	st, err := c.Tools.GetStatus("lighthouse")
	require.NoError(t, err)
	require.Len(t, st.Held, 1)
	assert.Equal(t, "a11y", st.Held[0].AgentID)
}

func TestCore_ToolsRequireRegisteredAgent(t *testing.T) {
	c := newCore(t, testConfig(), Options{})

	_, err := c.Tools.Request(context.Background(), toolarbiter.Request{ToolID: "lighthouse", AgentID: "stranger"})
	assert.True(t, types.IsErrorCode(err, types.ErrPermissionDenied), "got %v", err)
}

func TestCore_ReloadLowersToolLimit(t *testing.T) {
	c := newCore(t, testConfig(), Options{})
	ctx := context.Background()
	for _, agent := range []string{"designer", "a11y"} {
		g, err := c.Tools.Request(ctx, toolarbiter.Request{ToolID: "browser", AgentID: agent})
		require.NoError(t, err)
		require.True(t, g.Granted)
	}

	updated := testConfig()
	updated.Tools.Catalog[1].ConcurrentLimit = 1
	c.OnConfigReload(nil, updated)

	st, err := c.Tools.GetStatus("browser")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Tool.ConcurrentLimit)
	assert.Len(t, st.Held, 2)
	assert.Equal(t, 0, st.Available)

	g, err := c.Tools.Request(ctx, toolarbiter.Request{ToolID: "browser", AgentID: "orch"})
	require.NoError(t, err)
	assert.False(t, g.Granted)
}

func TestCore_EventsBroadcast(t *testing.T) {
	c := newCore(t, testConfig(), Options{})
	events, unsubscribe := c.Events.Subscribe()
	defer unsubscribe()

	root, err := c.Contexts.Create(context.Background(), "proj", nil, "orch")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, types.ComponentContext, ev.Component)
		assert.Equal(t, root.ID, ev.EntityID)
		assert.Equal(t, "proj", ev.Attributes["context_id"])
	case <-time.After(time.Second):
		t.Fatal("no event broadcast")
	}
}

func TestCore_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Persistence.Type = string(persistence.StoreTypeRedis)
	cfg.Persistence.VersionLog = true
	cfg.Handoff.Idempotency = "redis"

	c := newCore(t, cfg, Options{Redis: redis.NewClient(&redis.Options{Addr: mr.Addr()})})
	require.NoError(t, c.Ping(context.Background()))

	_, err := c.Contexts.Create(context.Background(), "proj", contextstore.ChangeSet{
		contextstore.Set("project.name", contextstore.String("shop")),
	}, "orch")
	require.NoError(t, err)
	assert.NotEmpty(t, mr.Keys())
}

func TestCore_SQLBackend(t *testing.T) {
	db, err := gorm.Open(glebarez.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, persistence.AutoMigrate(db))

	cfg := testConfig()
	cfg.Persistence.Type = string(persistence.StoreTypeSQL)
	cfg.Persistence.VersionLog = true
	c := newCore(t, cfg, Options{DB: db})
	require.NoError(t, c.Ping(context.Background()))

	g, err := c.Tools.Request(context.Background(), toolarbiter.Request{ToolID: "browser", AgentID: "designer"})
	require.NoError(t, err)
	assert.True(t, g.Granted)
}

func TestCore_SQLBackendNeedsDB(t *testing.T) {
	cfg := testConfig()
	cfg.Persistence.Type = string(persistence.StoreTypeSQL)
	_, err := New(Options{Config: cfg})
	require.Error(t, err)
}

func TestCore_StartCloseIdempotent(t *testing.T) {
	c, err := New(Options{Config: testConfig()})
	require.NoError(t, err)
	c.Start(context.Background())
	c.Start(context.Background())
	c.Close()
	c.Close()
}
