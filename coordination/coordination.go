package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/collaboration"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/conflict"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/contextstore"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/decision"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/handoff"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/monitor"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/persistence"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/registry"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/toolarbiter"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/config"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/cache"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/idempotency"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Options assembles a Core. Only Config is required.
type Options struct {
	Config *config.Config
	Logger *zap.Logger

	// Sink receives every state transition in addition to the built-in log,
	// metrics and broadcast sinks.
	Sink    monitor.Sink
	Metrics *metrics.Collector

	// Redis is a shared client for the redis backends; when nil and a redis
	// backend is configured one is dialed from Config.Redis.
	Redis redis.UniversalClient
	// DB is the open handle for the sql backend.
	DB *gorm.DB

	// Records and VersionLog override the configured persistence backend.
	Records     persistence.RecordStore
	VersionLog  persistence.VersionLog
	Idempotency idempotency.Manager

	// Transport overrides the in-process message hub.
	Transport   handoff.Transport
	Board       handoff.TaskBoard
	Deliberator decision.Deliberator
	Arbitrator  conflict.Arbitrator
	Notifier    toolarbiter.Notifier
}

// Core owns the five coordination components and the stores they share.
type Core struct {
	Registry  *registry.Registry
	Contexts  *contextstore.Store
	Conflicts *conflict.Engine
	Decisions *decision.Engine
	Handoffs  *handoff.Coordinator
	Tools     *toolarbiter.Arbiter

	// Events fans every transition out to live subscribers.
	Events *monitor.Broadcaster
	// Hub carries handoffs when no Transport was supplied.
	Hub *collaboration.MessageHub

	records persistence.RecordStore
	versions persistence.VersionLog
	cleaner  *persistence.Cleaner
	redis    *cache.Manager
	rdb      redis.UniversalClient
	hubs     *handoff.HubTransport
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// New builds and cross-wires the components from opts.Config. Agents and the
// tool catalog in the config are registered before New returns.
func New(opts Options) (*Core, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("coordination: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Core{
		Registry: registry.New(logger),
		Events:   monitor.NewBroadcaster(cfg.Server.EventBuffer, logger),
		logger:   logger.With(zap.String("component", "coordination")),
	}
	for _, ac := range cfg.Agents {
		a, err := Agent(ac)
		if err != nil {
			return nil, err
		}
		if err := c.Registry.Register(a); err != nil {
			return nil, err
		}
	}

	sink := monitor.Multi(monitor.NewLogSink(logger), monitor.NewMetricsSink(opts.Metrics), c.Events, opts.Sink)

	if err := c.openStores(cfg, opts); err != nil {
		c.releaseStores()
		return nil, err
	}

	storeOpts := []contextstore.Option{
		contextstore.WithSink(sink),
		contextstore.WithMetrics(opts.Metrics),
	}
	if c.versions != nil {
		storeOpts = append(storeOpts, contextstore.WithVersionLog(c.versions))
	}
	c.Contexts = contextstore.New(contextConfig(cfg.Context), logger, storeOpts...)

	conflictOpts := []conflict.Option{
		conflict.WithSink(sink),
		conflict.WithMetrics(opts.Metrics),
		conflict.WithRecordStore(c.records),
		conflict.WithPendingResolver(c.Contexts),
	}
	if opts.Arbitrator != nil {
		conflictOpts = append(conflictOpts, conflict.WithArbitrator(opts.Arbitrator))
	}
	c.Conflicts = conflict.New(conflictConfig(cfg.Conflict), c.Registry, logger, conflictOpts...)
	c.Contexts.SetConflictReporter(c.Conflicts)

	decisionOpts := []decision.EngineOption{
		decision.WithSink(sink),
		decision.WithMetrics(opts.Metrics),
		decision.WithRecordStore(c.records),
	}
	if opts.Deliberator != nil {
		decisionOpts = append(decisionOpts, decision.WithDeliberator(opts.Deliberator))
	}
	c.Decisions = decision.New(decisionConfig(cfg.Decision), c.Registry, logger, decisionOpts...)
	c.Conflicts.SetConsensusRunner(c.Decisions)

	transport := opts.Transport
	if transport == nil {
		c.Hub = collaboration.NewMessageHub(cfg.Server.EventBuffer, logger)
		c.hubs = handoff.NewHubTransport(c.Hub, logger)
		transport = c.hubs
	}
	board := opts.Board
	if board == nil {
		board = handoff.NewMemoryTaskBoard()
	}
	idem := opts.Idempotency
	if idem == nil {
		idem = c.idempotency(cfg)
	}
	c.Handoffs = handoff.New(handoffConfig(cfg.Handoff), logger,
		handoff.WithTransport(transport),
		handoff.WithTaskBoard(board),
		handoff.WithVersions(c.Contexts),
		handoff.WithContextWriter(c.Contexts),
		handoff.WithIdempotency(idem),
		handoff.WithRecordStore(c.records),
		handoff.WithMetrics(opts.Metrics),
		handoff.WithSink(sink),
	)

	arbOpts := []toolarbiter.Option{
		toolarbiter.WithSink(sink),
		toolarbiter.WithMetrics(opts.Metrics),
		toolarbiter.WithRecordStore(c.records),
		toolarbiter.WithRegistry(c.Registry),
	}
	if opts.Notifier != nil {
		arbOpts = append(arbOpts, toolarbiter.WithNotifier(opts.Notifier))
	}
	c.Tools = toolarbiter.New(arbiterConfig(cfg.Tools), logger, arbOpts...)
	if err := c.ApplyToolCatalog(cfg.Tools.Catalog); err != nil {
		c.Close()
		return nil, err
	}

	if cfg.Persistence.CleanupEnabled {
		c.cleaner = persistence.NewCleaner(c.records, storeConfig(cfg.Persistence, cfg.Redis).Cleanup, logger)
	}

	c.logger.Info("coordination core ready",
		zap.Int("agents", len(cfg.Agents)),
		zap.Int("tools", len(cfg.Tools.Catalog)),
		zap.String("persistence", cfg.Persistence.Type),
	)
	return c, nil
}

func (c *Core) openStores(cfg *config.Config, opts Options) error {
	sc := storeConfig(cfg.Persistence, cfg.Redis)
	sc.DB = opts.DB
	if sc.Type == persistence.StoreTypeRedis || cfg.Handoff.Idempotency == "redis" {
		client, err := c.redisClient(cfg, opts)
		if err != nil {
			return err
		}
		sc.Client = client
		c.rdb = client
	}

	c.records = opts.Records
	if c.records == nil {
		rs, err := persistence.NewRecordStore(sc)
		if err != nil {
			return fmt.Errorf("record store: %w", err)
		}
		c.records = rs
	}
	c.versions = opts.VersionLog
	if c.versions == nil && cfg.Persistence.VersionLog {
		vl, err := persistence.NewVersionLog(sc)
		if err != nil {
			return fmt.Errorf("version log: %w", err)
		}
		c.versions = vl
	}
	return nil
}

func (c *Core) redisClient(cfg *config.Config, opts Options) (redis.UniversalClient, error) {
	if opts.Redis != nil {
		return opts.Redis, nil
	}
	if c.redis == nil {
		m, err := cache.NewManager(redisConfig(cfg.Redis), c.logger)
		if err != nil {
			return nil, err
		}
		c.redis = m
	}
	return c.redis.Client(), nil
}

func (c *Core) idempotency(cfg *config.Config) idempotency.Manager {
	if cfg.Handoff.Idempotency == "redis" && c.rdb != nil {
		return idempotency.NewRedisManager(c.rdb, cfg.Persistence.KeyPrefix+"idem:", c.logger)
	}
	return idempotency.NewMemoryManager()
}

// ApplyToolCatalog registers or updates every tool in catalog. Tools absent
// from catalog stay registered.
func (c *Core) ApplyToolCatalog(catalog []config.ToolConfig) error {
	for _, tc := range catalog {
		t, err := Tool(tc)
		if err != nil {
			return err
		}
		if err := c.Tools.Register(t); err != nil {
			return fmt.Errorf("register tool %s: %w", tc.ID, err)
		}
	}
	return nil
}

// OnConfigReload is a config.ReloadFunc that applies the hot-reloadable
// sections of updated.
func (c *Core) OnConfigReload(_, updated *config.Config) {
	if err := c.ApplyToolCatalog(updated.Tools.Catalog); err != nil {
		c.logger.Warn("tool catalog reload rejected", zap.Error(err))
		return
	}
	c.logger.Info("tool catalog reloaded", zap.Int("tools", len(updated.Tools.Catalog)))
}

// ServeAgent answers handoffs addressed to agentID from the message hub until
// ctx ends. It fails when a custom Transport was supplied.
func (c *Core) ServeAgent(ctx context.Context, agentID string) error {
	if c.hubs == nil {
		return errors.New("coordination: handoffs use a custom transport")
	}
	return c.hubs.ServeAgent(ctx, agentID, c.Handoffs)
}

// Start launches the background loops: context GC and redelivery, decision
// deadlines, tool expiry and deadlock detection, and audit record cleanup.
func (c *Core) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Contexts.Start(ctx)
	}()
	c.Decisions.Start(ctx)
	c.Tools.Start(ctx)
	if c.cleaner != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.cleaner.Run(ctx)
		}()
	}
}

// Ping checks the persistence backend.
func (c *Core) Ping(ctx context.Context) error {
	if err := c.records.Ping(ctx); err != nil {
		return fmt.Errorf("record store: %w", err)
	}
	if c.versions != nil {
		if err := c.versions.Ping(ctx); err != nil {
			return fmt.Errorf("version log: %w", err)
		}
	}
	return nil
}

// Close stops the background loops and releases every store. It is safe to
// call more than once.
func (c *Core) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	if c.Tools != nil {
		c.Tools.Close()
	}
	if c.Decisions != nil {
		c.Decisions.Close()
	}
	if c.Contexts != nil {
		c.Contexts.Close()
	}
	c.wg.Wait()
	if c.Hub != nil {
		_ = c.Hub.Close()
	}
	c.Events.Close()
	c.releaseStores()
	c.logger.Info("coordination core stopped")
}

func (c *Core) releaseStores() {
	if c.records != nil {
		if err := c.records.Close(); err != nil {
			c.logger.Warn("close record store", zap.Error(err))
		}
	}
	if c.versions != nil {
		if err := c.versions.Close(); err != nil {
			c.logger.Warn("close version log", zap.Error(err))
		}
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
}
