package toolarbiter

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/monitor"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/persistence"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/registry"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/metrics"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/pool"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/telemetry"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config controls the arbiter.
type Config struct {
	// DefaultDuration is the lock duration when neither request nor tool gives one.
	DefaultDuration time.Duration `json:"default_duration" yaml:"default_duration"`
	// Buffer is added to every lock's estimated duration.
	Buffer time.Duration `json:"buffer" yaml:"buffer"`
	// AgingStep raises a waiting request one priority tier per step; 0 disables aging.
	AgingStep time.Duration `json:"aging_step" yaml:"aging_step"`
	// SweepInterval is the period of the expiry sweep.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	// DeadlockInterval is the period of deadlock detection; 0 disables the background check.
	DeadlockInterval time.Duration `json:"deadlock_interval" yaml:"deadlock_interval"`
	// HistorySize bounds the durations kept for wait estimates.
	HistorySize int `json:"history_size" yaml:"history_size"`
	// NotifyWorkers bounds concurrent notifier calls.
	NotifyWorkers int `json:"notify_workers" yaml:"notify_workers"`
}

// DefaultConfig returns the default arbiter configuration.
func DefaultConfig() Config {
	return Config{
		DefaultDuration:  5 * time.Minute,
		Buffer:           30 * time.Second,
		AgingStep:        2 * time.Minute,
		SweepInterval:    time.Second,
		DeadlockInterval: 5 * time.Second,
		HistorySize:      50,
		NotifyWorkers:    8,
	}
}

// Notifier is told when a queued request is granted, cancelled or aborted.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithNotifier sets the queued-request notifier.
func WithNotifier(n Notifier) Option { return func(a *Arbiter) { a.notifier = n } }

// WithSink sets the monitoring sink.
func WithSink(s monitor.Sink) Option { return func(a *Arbiter) { a.sink = monitor.OrNop(s) } }

// WithMetrics sets the prometheus collector.
func WithMetrics(m *metrics.Collector) Option { return func(a *Arbiter) { a.metrics = m } }

// WithRecordStore persists lock lifecycles for audit.
func WithRecordStore(s persistence.RecordStore) Option { return func(a *Arbiter) { a.records = s } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(a *Arbiter) { a.now = now } }

// WithRegistry rejects requests from agents the registry does not know.
func WithRegistry(r *registry.Registry) Option { return func(a *Arbiter) { a.registry = r } }

type toolState struct {
	mu    sync.Mutex // serializes grant and release on one tool
	tool  Tool
	locks map[string]*Lock
	queue *waitQueue
	// waiters indexes queued requests by id.
	waiters map[string]*waiter

	stats     UsageStats
	durations []time.Duration
	waits     []time.Duration
}

// Arbiter grants, queues and revokes access to registered tools.
type Arbiter struct {
	cfg Config

	mu    sync.RWMutex
	tools map[string]*toolState

	// lockIdx and reqIdx map lock and request ids to their tool id.
	lockIdx sync.Map
	reqIdx  sync.Map

	seq      atomic.Uint64
	notifier Notifier
	notify   *pool.GoroutinePool
	sink     monitor.Sink
	metrics  *metrics.Collector
	records  persistence.RecordStore
	registry *registry.Registry
	tracer   trace.Tracer
	now      func() time.Time
	logger   *zap.Logger

	closed    atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates an arbiter.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Arbiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = def.DefaultDuration
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.NotifyWorkers <= 0 {
		cfg.NotifyWorkers = def.NotifyWorkers
	}
	a := &Arbiter{
		cfg:    cfg,
		tools:  make(map[string]*toolState),
		sink:   monitor.Nop,
		tracer: telemetry.Tracer("agent/toolarbiter"),
		now:    time.Now,
		logger: logger.With(zap.String("component", "tool_arbiter")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.notify = pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		MaxWorkers:  cfg.NotifyWorkers,
		QueueSize:   cfg.NotifyWorkers * 32,
		IdleTimeout: time.Minute,
		PanicHandler: func(r any) {
			a.logger.Error("notifier panicked", zap.Any("panic", r))
		},
	})
	return a
}

// Register adds or replaces a tool definition. Replacing keeps held locks and
// the queue; a lowered limit takes effect as held locks are released, and no
// new lock is granted while more than the new limit are held.
func (a *Arbiter) Register(t Tool) error {
	if t.ID == "" {
		return types.NewValidationError("tool id is required")
	}
	if t.Category == "" {
		t.Category = CategoryExclusive
	}
	if !t.Category.Valid() {
		return types.NewValidationError("unknown tool category %q", t.Category)
	}
	if t.Category == CategoryExclusive {
		t.ConcurrentLimit = 1
	}
	if t.ConcurrentLimit < 1 {
		return types.NewValidationError("tool %s needs a concurrent limit of at least 1", t.ID)
	}
	if t.Category == CategoryAgentSpecific && len(t.AllowedAgents) == 0 {
		return types.NewValidationError("agent_specific tool %s needs allowed agents", t.ID)
	}
	t.AllowedAgents = append([]string(nil), t.AllowedAgents...)

	a.mu.Lock()
	defer a.mu.Unlock()
	if ts, ok := a.tools[t.ID]; ok {
		ts.mu.Lock()
		ts.tool = t
		held := len(ts.locks)
		ts.mu.Unlock()
		if held > t.ConcurrentLimit {
			a.logger.Warn("tool limit lowered below held locks",
				zap.String("tool_id", t.ID),
				zap.Int("limit", t.ConcurrentLimit),
				zap.Int("held", held),
			)
		}
		a.logger.Info("tool updated", zap.String("tool_id", t.ID))
		return nil
	}
	a.tools[t.ID] = &toolState{
		tool:    t,
		locks:   make(map[string]*Lock),
		queue:   &waitQueue{aging: a.cfg.AgingStep},
		waiters: make(map[string]*waiter),
		stats:   UsageStats{ToolID: t.ID},
	}
	a.logger.Info("tool registered",
		zap.String("tool_id", t.ID),
		zap.String("category", string(t.Category)),
		zap.Int("limit", t.ConcurrentLimit),
	)
	return nil
}

// Tools returns registered tool ids in sorted order.
func (a *Arbiter) Tools() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.tools))
	for id := range a.tools {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (a *Arbiter) state(toolID string) (*toolState, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ts, ok := a.tools[toolID]
	if !ok {
		return nil, types.NewNotFoundError("tool", toolID)
	}
	return ts, nil
}

// =============================================================================
// Request
// =============================================================================

// Request grants a lock when a slot is free and nobody is waiting; otherwise it
// queues the request and reports its position, or fails with RESOURCE_BUSY
// when NoQueue is set. With Wait set it blocks until the outcome is known.
func (a *Arbiter) Request(ctx context.Context, req Request) (*Grant, error) {
	ctx, span := a.tracer.Start(ctx, "toolarbiter.Request", trace.WithAttributes(
		attribute.String("tool.id", req.ToolID),
		attribute.String("agent.id", req.AgentID),
	))

	g, err := a.request(ctx, req)
	if err == nil {
		span.SetAttributes(attribute.Bool("tool.granted", g.Granted), attribute.Int("tool.queue_position", g.QueuePosition))
	}
	telemetry.EndSpan(span, err)
	return g, err
}

func (a *Arbiter) request(ctx context.Context, req Request) (*Grant, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	if req.ToolID == "" || req.AgentID == "" {
		return nil, types.NewValidationError("tool_id and agent_id are required")
	}
	if req.Priority == "" {
		req.Priority = types.PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, types.NewValidationError("unknown priority %q", req.Priority)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if a.registry != nil && !a.registry.Has(req.AgentID) {
		return nil, types.NewPermissionError("agent %s is not registered", req.AgentID).WithEntity(req.AgentID)
	}
	ts, err := a.state(req.ToolID)
	if err != nil {
		return nil, err
	}

	ts.mu.Lock()
	if !ts.tool.allows(req.AgentID) {
		ts.mu.Unlock()
		return nil, types.NewPermissionError("agent %s may not use tool %s", req.AgentID, req.ToolID)
	}
	if prev, dup := ts.waiters[req.ID]; dup && prev.index >= 0 {
		ts.mu.Unlock()
		return nil, types.NewValidationError("request %s is already queued", req.ID)
	}
	now := a.now()
	if len(ts.locks) < ts.tool.ConcurrentLimit && ts.queue.Len() == 0 {
		lock := a.grantLocked(ts, req, now, 0)
		ts.mu.Unlock()
		a.afterGrant(ctx, lock, "immediate")
		return grantOf(lock), nil
	}
	if req.NoQueue {
		held := len(ts.locks)
		ts.mu.Unlock()
		return &Grant{RequestID: req.ID, QueuePosition: -1},
			types.NewResourceError("tool %s is at capacity (%d/%d)", req.ToolID, held, ts.tool.ConcurrentLimit).WithEntity(req.ToolID)
	}

	w := &waiter{req: req, seq: a.seq.Add(1), enqueuedAt: now, result: make(chan outcome, 1)}
	ts.queue.reorder(now)
	heap.Push(ts.queue, w)
	ts.waiters[req.ID] = w
	a.reqIdx.Store(req.ID, req.ToolID)
	ts.stats.Queued++
	depth := ts.queue.Len()
	if depth > ts.stats.MaxQueue {
		ts.stats.MaxQueue = depth
	}
	pos := ts.queue.position(w, now)
	wait := a.estimateWaitLocked(ts, pos)
	ts.mu.Unlock()

	if a.metrics != nil {
		a.metrics.SetToolQueueDepth(req.ToolID, depth)
	}
	a.logger.Debug("tool request queued",
		zap.String("tool_id", req.ToolID),
		zap.String("agent_id", req.AgentID),
		zap.String("request_id", req.ID),
		zap.Int("position", pos),
	)
	a.emit(req.ToolID, req.ID, "queued", map[string]any{"agent_id": req.AgentID, "position": pos})

	queued := &Grant{RequestID: req.ID, QueuePosition: pos, EstimatedWait: wait}
	if !req.Wait {
		return queued, nil
	}
	return a.await(ctx, ts, w)
}

// Await blocks until a queued request is granted, cancelled or aborted.
// The outcome of a request can be collected once; uncollected cancellations
// are pruned by Sweep after DefaultDuration.
func (a *Arbiter) Await(ctx context.Context, requestID string) (*Grant, error) {
	toolID, ok := a.reqIdx.Load(requestID)
	if !ok {
		return nil, types.NewNotFoundError("tool request", requestID)
	}
	ts, err := a.state(toolID.(string))
	if err != nil {
		return nil, err
	}
	ts.mu.Lock()
	w, ok := ts.waiters[requestID]
	ts.mu.Unlock()
	if !ok {
		return nil, types.NewNotFoundError("tool request", requestID)
	}
	return a.await(ctx, ts, w)
}

func (a *Arbiter) await(ctx context.Context, ts *toolState, w *waiter) (*Grant, error) {
	select {
	case o := <-w.result:
		a.forget(ts, w)
		return o.grant, o.err
	case <-ctx.Done():
		if err := a.CancelRequest(w.req.ID); err != nil {
			// already popped from the queue, so an outcome is on its way
			o := <-w.result
			if o.grant != nil && o.grant.Granted {
				_ = a.Release(o.grant.LockID)
			}
		}
		a.forget(ts, w)
		return nil, ctx.Err()
	}
}

// forget drops a settled waiter from the request index.
func (a *Arbiter) forget(ts *toolState, w *waiter) {
	ts.mu.Lock()
	delete(ts.waiters, w.req.ID)
	ts.mu.Unlock()
	a.reqIdx.Delete(w.req.ID)
}

func grantOf(l *Lock) *Grant {
	return &Grant{Granted: true, RequestID: l.RequestID, LockID: l.ID, ExpiresAt: l.ExpiresAt, QueuePosition: -1}
}

// grantLocked creates a lock. Callers hold ts.mu.
func (a *Arbiter) grantLocked(ts *toolState, req Request, now time.Time, waited time.Duration) *Lock {
	d := req.EstimatedDuration
	if d <= 0 {
		d = ts.tool.EstimatedDuration
	}
	if d <= 0 {
		d = a.cfg.DefaultDuration
	}
	lock := &Lock{
		ID:        uuid.NewString(),
		ToolID:    ts.tool.ID,
		AgentID:   req.AgentID,
		TaskID:    req.TaskID,
		RequestID: req.ID,
		Priority:  req.Priority,
		GrantedAt: now,
		ExpiresAt: now.Add(d + a.cfg.Buffer),
	}
	ts.locks[lock.ID] = lock
	ts.stats.Grants++
	ts.waits = appendBounded(ts.waits, waited, a.cfg.HistorySize)
	a.lockIdx.Store(lock.ID, ts.tool.ID)
	return lock
}

func (a *Arbiter) afterGrant(ctx context.Context, l *Lock, mode string) {
	if a.metrics != nil {
		a.metrics.RecordToolGrant(l.ToolID, mode, 0)
	}
	a.logger.Debug("tool lock granted",
		zap.String("tool_id", l.ToolID),
		zap.String("agent_id", l.AgentID),
		zap.String("lock_id", l.ID),
		zap.String("mode", mode),
	)
	a.emit(l.ToolID, l.ID, "granted", map[string]any{"agent_id": l.AgentID, "mode": mode, "request_id": l.RequestID})
	a.persist(ctx, l, "held", "")
}

// estimateWaitLocked is the average hold time × requests ahead / limit.
func (a *Arbiter) estimateWaitLocked(ts *toolState, position int) time.Duration {
	avg := average(ts.durations)
	if avg <= 0 {
		avg = ts.tool.EstimatedDuration
	}
	if avg <= 0 {
		avg = a.cfg.DefaultDuration
	}
	return avg * time.Duration(position+1) / time.Duration(ts.tool.ConcurrentLimit)
}

// =============================================================================
// Release / Extend / Cancel
// =============================================================================

// Release frees a lock and grants queued requests.
func (a *Arbiter) Release(lockID string) error {
	return a.release(context.Background(), lockID, "released")
}

func (a *Arbiter) release(ctx context.Context, lockID, reason string) error {
	toolID, ok := a.lockIdx.Load(lockID)
	if !ok {
		return types.NewNotFoundError("tool lock", lockID)
	}
	ts, err := a.state(toolID.(string))
	if err != nil {
		return err
	}
	ts.mu.Lock()
	lock, ok := ts.locks[lockID]
	if !ok {
		ts.mu.Unlock()
		return types.NewNotFoundError("tool lock", lockID)
	}
	now := a.now()
	a.dropLockLocked(ts, lock, now, reason)
	granted := a.processLocked(ts, now)
	depth := ts.queue.Len()
	ts.mu.Unlock()

	a.afterRelease(ctx, lock, reason, depth)
	a.deliver(ctx, granted)
	return nil
}

func (a *Arbiter) dropLockLocked(ts *toolState, l *Lock, now time.Time, reason string) {
	delete(ts.locks, l.ID)
	a.lockIdx.Delete(l.ID)
	if _, ok := ts.waiters[l.RequestID]; ok {
		delete(ts.waiters, l.RequestID)
		a.reqIdx.Delete(l.RequestID)
	}
	ts.durations = appendBounded(ts.durations, now.Sub(l.GrantedAt), a.cfg.HistorySize)
	if reason == "expired" {
		ts.stats.Expired++
	} else {
		ts.stats.Releases++
	}
}

func (a *Arbiter) afterRelease(ctx context.Context, l *Lock, reason string, depth int) {
	if a.metrics != nil {
		a.metrics.RecordToolRelease(l.ToolID, reason)
		a.metrics.SetToolQueueDepth(l.ToolID, depth)
	}
	a.emit(l.ToolID, l.ID, reason, map[string]any{"agent_id": l.AgentID})
	a.persist(ctx, l, reason, "")
}

type grantedWaiter struct {
	w    *waiter
	lock *Lock
}

// processLocked grants queued requests while slots are free. Callers hold ts.mu.
func (a *Arbiter) processLocked(ts *toolState, now time.Time) []grantedWaiter {
	var out []grantedWaiter
	ts.queue.reorder(now)
	for len(ts.locks) < ts.tool.ConcurrentLimit && ts.queue.Len() > 0 {
		w := heap.Pop(ts.queue).(*waiter)
		lock := a.grantLocked(ts, w.req, now, now.Sub(w.enqueuedAt))
		out = append(out, grantedWaiter{w: w, lock: lock})
	}
	return out
}

// deliver settles granted waiters outside the tool lock.
func (a *Arbiter) deliver(ctx context.Context, granted []grantedWaiter) {
	for _, g := range granted {
		grant := grantOf(g.lock)
		g.w.settle(outcome{grant: grant})
		if a.metrics != nil {
			a.metrics.RecordToolGrant(g.lock.ToolID, "queued", g.lock.GrantedAt.Sub(g.w.enqueuedAt))
		}
		a.logger.Debug("queued tool request granted",
			zap.String("tool_id", g.lock.ToolID),
			zap.String("agent_id", g.lock.AgentID),
			zap.Duration("waited", g.lock.GrantedAt.Sub(g.w.enqueuedAt)),
		)
		a.emit(g.lock.ToolID, g.lock.ID, "granted", map[string]any{
			"agent_id": g.lock.AgentID, "mode": "queued", "request_id": g.lock.RequestID,
		})
		a.persist(ctx, g.lock, "held", "")
		a.notifyAsync(Notification{RequestID: g.w.req.ID, ToolID: g.lock.ToolID, AgentID: g.lock.AgentID, Grant: grant})
	}
}

// Extend pushes a lock's expiry back by d.
func (a *Arbiter) Extend(lockID string, d time.Duration) (*Lock, error) {
	if d <= 0 {
		return nil, types.NewValidationError("extension must be positive")
	}
	toolID, ok := a.lockIdx.Load(lockID)
	if !ok {
		return nil, types.NewNotFoundError("tool lock", lockID)
	}
	ts, err := a.state(toolID.(string))
	if err != nil {
		return nil, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	lock, ok := ts.locks[lockID]
	if !ok {
		return nil, types.NewNotFoundError("tool lock", lockID)
	}
	lock.ExpiresAt = lock.ExpiresAt.Add(d)
	cp := *lock
	a.emit(lock.ToolID, lock.ID, "extended", map[string]any{"expires_at": lock.ExpiresAt})
	return &cp, nil
}

// CancelRequest removes a queued request; a Wait-ing caller receives ErrCancelled.
func (a *Arbiter) CancelRequest(requestID string) error {
	return a.dropWaiter(requestID, ErrCancelled)
}

func (a *Arbiter) dropWaiter(requestID string, cause error) error {
	toolID, ok := a.reqIdx.Load(requestID)
	if !ok {
		return types.NewNotFoundError("tool request", requestID)
	}
	ts, err := a.state(toolID.(string))
	if err != nil {
		return err
	}
	ts.mu.Lock()
	w, ok := ts.waiters[requestID]
	if !ok {
		ts.mu.Unlock()
		return types.NewNotFoundError("tool request", requestID)
	}
	now := a.now()
	ts.queue.reorder(now)
	if !ts.queue.remove(w) {
		ts.mu.Unlock()
		return types.NewNotFoundError("queued tool request", requestID)
	}
	// kept until Await collects the outcome or Sweep prunes it
	w.settledAt = now
	if errors.Is(cause, ErrAborted) {
		ts.stats.Aborted++
	} else {
		ts.stats.Cancelled++
	}
	// removal may unblock requests queued behind a full tool only if a slot is free
	granted := a.processLocked(ts, now)
	depth := ts.queue.Len()
	ts.mu.Unlock()

	w.settle(outcome{err: cause})
	if a.metrics != nil {
		a.metrics.SetToolQueueDepth(ts.tool.ID, depth)
	}
	a.emit(w.req.ToolID, requestID, eventFor(cause), map[string]any{"agent_id": w.req.AgentID})
	a.notifyAsync(Notification{RequestID: requestID, ToolID: w.req.ToolID, AgentID: w.req.AgentID, Err: cause})
	a.deliver(context.Background(), granted)
	return nil
}

func eventFor(cause error) string {
	if errors.Is(cause, ErrAborted) {
		return "aborted"
	}
	return "cancelled"
}

// =============================================================================
// Status
// =============================================================================

// GetStatus returns held locks and the queue in grant order.
func (a *Arbiter) GetStatus(toolID string) (*Status, error) {
	ts, err := a.state(toolID)
	if err != nil {
		return nil, err
	}
	now := a.now()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	st := &Status{Tool: ts.tool, Available: max(ts.tool.ConcurrentLimit-len(ts.locks), 0)}
	for _, l := range ts.locks {
		st.Held = append(st.Held, *l)
	}
	sort.Slice(st.Held, func(i, j int) bool { return st.Held[i].GrantedAt.Before(st.Held[j].GrantedAt) })
	for _, w := range ts.queue.ordered(now) {
		st.Queue = append(st.Queue, Waiting{
			RequestID:  w.req.ID,
			AgentID:    w.req.AgentID,
			TaskID:     w.req.TaskID,
			Priority:   w.req.Priority,
			Effective:  w.effective(now, a.cfg.AgingStep),
			EnqueuedAt: w.enqueuedAt,
		})
	}
	return st, nil
}

// GetUsageStats returns the tool's aggregated history.
func (a *Arbiter) GetUsageStats(toolID string) (*UsageStats, error) {
	ts, err := a.state(toolID)
	if err != nil {
		return nil, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	st := ts.stats
	st.AvgDuration = average(ts.durations)
	st.AvgWait = average(ts.waits)
	return &st, nil
}

// =============================================================================
// Expiry
// =============================================================================

// Sweep force-releases locks that expired at or before now and returns how many.
func (a *Arbiter) Sweep(now time.Time) int {
	a.mu.RLock()
	states := make([]*toolState, 0, len(a.tools))
	for _, ts := range a.tools {
		states = append(states, ts)
	}
	a.mu.RUnlock()

	n := 0
	for _, ts := range states {
		ts.mu.Lock()
		var expired []*Lock
		for _, l := range ts.locks {
			if !l.ExpiresAt.After(now) {
				expired = append(expired, l)
			}
		}
		for _, l := range expired {
			a.dropLockLocked(ts, l, now, "expired")
		}
		var granted []grantedWaiter
		if len(expired) > 0 {
			granted = a.processLocked(ts, now)
		}
		for id, w := range ts.waiters {
			if !w.settledAt.IsZero() && now.Sub(w.settledAt) > a.cfg.DefaultDuration {
				delete(ts.waiters, id)
				a.reqIdx.Delete(id)
			}
		}
		depth := ts.queue.Len()
		ts.mu.Unlock()

		for _, l := range expired {
			a.logger.Warn("tool lock expired, force-released",
				zap.String("tool_id", l.ToolID),
				zap.String("agent_id", l.AgentID),
				zap.String("lock_id", l.ID),
				zap.Time("expires_at", l.ExpiresAt),
			)
			a.afterRelease(context.Background(), l, "expired", depth)
		}
		a.deliver(context.Background(), granted)
		n += len(expired)
	}
	return n
}

// Start runs the expiry sweep and deadlock detection until Close or ctx ends.
func (a *Arbiter) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		go a.loop(ctx)
	})
}

func (a *Arbiter) loop(ctx context.Context) {
	defer close(a.done)
	sweep := time.NewTicker(a.cfg.SweepInterval)
	defer sweep.Stop()
	var deadlocks <-chan time.Time
	if a.cfg.DeadlockInterval > 0 {
		t := time.NewTicker(a.cfg.DeadlockInterval)
		defer t.Stop()
		deadlocks = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-sweep.C:
			a.Sweep(a.now())
		case <-deadlocks:
			a.DetectDeadlocks()
		}
	}
}

// Close stops background work; waiting requests receive ErrClosed.
func (a *Arbiter) Close() {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		close(a.stop)
		a.startOnce.Do(func() { close(a.done) })
		<-a.done

		a.mu.RLock()
		for _, ts := range a.tools {
			ts.mu.Lock()
			for ts.queue.Len() > 0 {
				w := heap.Pop(ts.queue).(*waiter)
				w.settle(outcome{err: ErrClosed})
			}
			ts.mu.Unlock()
		}
		a.mu.RUnlock()
		a.notify.Close()
	})
}

// =============================================================================
// helpers
// =============================================================================

func (a *Arbiter) notifyAsync(n Notification) {
	if a.notifier == nil || a.closed.Load() {
		return
	}
	err := a.notify.Submit(context.Background(), func(ctx context.Context) error {
		a.notifier.Notify(ctx, n)
		return nil
	})
	if err != nil {
		a.logger.Warn("notification dropped",
			zap.String("request_id", n.RequestID),
			zap.String("agent_id", n.AgentID),
			zap.Error(err),
		)
	}
}

func (a *Arbiter) persist(ctx context.Context, l *Lock, status, reason string) {
	if a.records == nil {
		return
	}
	r, err := persistence.NewRecord(persistence.KindToolLock, l.ID, status, reason, l)
	if err == nil {
		err = a.records.Put(ctx, r)
	}
	if err != nil {
		a.logger.Warn("tool lock audit write failed", zap.String("lock_id", l.ID), zap.Error(err))
	}
}

func (a *Arbiter) emit(toolID, entityID, eventType string, attrs map[string]any) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs["tool_id"] = toolID
	a.sink.Emit(types.NewEvent(types.ComponentTools, entityID, eventType, attrs))
}

func appendBounded(xs []time.Duration, d time.Duration, limit int) []time.Duration {
	xs = append(xs, d)
	if len(xs) > limit {
		xs = xs[len(xs)-limit:]
	}
	return xs
}

func average(xs []time.Duration) time.Duration {
	if len(xs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range xs {
		sum += d
	}
	return sum / time.Duration(len(xs))
}
