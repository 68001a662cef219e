package handoff

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/monitor"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/persistence"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/idempotency"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/metrics"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/retry"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/telemetry"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls delivery, retry and rate limiting.
type Config struct {
	// AckTimeout bounds each delivery attempt.
	AckTimeout time.Duration `json:"ack_timeout" yaml:"ack_timeout"`
	// EscalateAbove is the ack latency above which a slow_ack warning is raised.
	EscalateAbove time.Duration `json:"escalate_above" yaml:"escalate_above"`
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay     time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay"`
	// DefaultETA is used for the ack's estimated completion when a task has no estimate.
	DefaultETA time.Duration `json:"default_eta" yaml:"default_eta"`
	// MemberTimeout bounds how long Join waits for each parallel member.
	MemberTimeout time.Duration `json:"member_timeout" yaml:"member_timeout"`
	// SendRate is the per-agent send rate in handoffs per second; 0 disables limiting.
	SendRate  float64 `json:"send_rate" yaml:"send_rate"`
	SendBurst int     `json:"send_burst" yaml:"send_burst"`
	// IdempotencyTTL is how long receive acks are remembered.
	IdempotencyTTL time.Duration `json:"idempotency_ttl" yaml:"idempotency_ttl"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		AckTimeout:     500 * time.Millisecond,
		EscalateAbove:  1000 * time.Millisecond,
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		DefaultETA:     30 * time.Minute,
		MemberTimeout:  10 * time.Minute,
		IdempotencyTTL: idempotency.DefaultTTL,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.EscalateAbove <= 0 {
		c.EscalateAbove = def.EscalateAbove
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = def.MaxDelay
	}
	if c.DefaultETA <= 0 {
		c.DefaultETA = def.DefaultETA
	}
	if c.MemberTimeout <= 0 {
		c.MemberTimeout = def.MemberTimeout
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = def.IdempotencyTTL
	}
	if c.SendRate > 0 && c.SendBurst < 1 {
		c.SendBurst = 1
	}
	return c
}

// Acceptor lets the receiving agent turn down a valid handoff.
type Acceptor func(ctx context.Context, msg *Message) (accept bool, reason string)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTransport sets the delivery transport.
func WithTransport(t Transport) Option { return func(c *Coordinator) { c.transport = t } }

// WithTaskBoard sets the board used for dependency gating.
func WithTaskBoard(b TaskBoard) Option { return func(c *Coordinator) { c.board = b } }

// WithVersions sets the context version checker, normally the context store.
func WithVersions(v VersionChecker) Option { return func(c *Coordinator) { c.versions = v } }

// WithContextWriter sets where Join applies parallel members' context deltas.
func WithContextWriter(w ContextWriter) Option { return func(c *Coordinator) { c.contexts = w } }

// WithIdempotency sets the store that deduplicates Receive by message id.
func WithIdempotency(m idempotency.Manager) Option { return func(c *Coordinator) { c.idem = m } }

// WithRecordStore persists terminal handoffs for audit.
func WithRecordStore(s persistence.RecordStore) Option { return func(c *Coordinator) { c.records = s } }

// WithMetrics sets the prometheus collector.
func WithMetrics(m *metrics.Collector) Option { return func(c *Coordinator) { c.metrics = m } }

// WithSink sets the monitoring sink.
func WithSink(s monitor.Sink) Option { return func(c *Coordinator) { c.sink = monitor.OrNop(s) } }

// WithAcceptor installs the receive-side acceptance hook.
func WithAcceptor(a Acceptor) Option { return func(c *Coordinator) { c.acceptor = a } }

// WithOnAccept is called exactly once per accepted message id, after the ack is stored.
func WithOnAccept(fn func(ctx context.Context, msg *Message)) Option {
	return func(c *Coordinator) { c.onAccept = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

type entry struct {
	mu     sync.Mutex
	rec    *Record
	pinned string
	done   chan struct{}
}

// Coordinator manages handoffs between agents.
type Coordinator struct {
	cfg Config

	transport Transport
	board     TaskBoard
	versions  VersionChecker
	contexts  ContextWriter
	idem      idempotency.Manager
	records   persistence.RecordStore
	metrics   *metrics.Collector
	sink      monitor.Sink
	acceptor  Acceptor
	onAccept  func(ctx context.Context, msg *Message)

	mu        sync.RWMutex
	handoffs  map[string]*entry
	workflows map[string][]WorkEntry
	groups    map[string]*group

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	tracer trace.Tracer
	now    func() time.Time
	logger *zap.Logger
}

// New creates a handoff coordinator.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:       cfg.withDefaults(),
		board:     NewMemoryTaskBoard(),
		idem:      idempotency.NewMemoryManager(),
		sink:      monitor.Nop,
		handoffs:  make(map[string]*entry),
		workflows: make(map[string][]WorkEntry),
		groups:    make(map[string]*group),
		limiters:  make(map[string]*rate.Limiter),
		tracer:    telemetry.Tracer("agent/handoff"),
		now:       time.Now,
		logger:    logger.With(zap.String("component", "handoff_coordinator")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Board returns the task board used for dependency gating.
func (c *Coordinator) Board() TaskBoard { return c.board }

// =============================================================================
// Send
// =============================================================================

// Send validates msg, gates it on its dependencies and context version, and
// delivers it to the target, retrying with backoff and falling back to
// msg.Fallbacks in order. Re-sending a known message id returns the existing
// state without delivering again.
func (c *Coordinator) Send(ctx context.Context, msg *Message) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "handoff.Send", trace.WithAttributes(
		attribute.String("handoff.source", msgField(msg, func(m *Message) string { return m.Source })),
		attribute.String("handoff.target", msgField(msg, func(m *Message) string { return m.Target })),
	))

	res, err := c.send(ctx, msg)
	if res != nil {
		span.SetAttributes(attribute.String("handoff.id", res.HandoffID), attribute.Int("handoff.attempts", res.Attempts))
	}
	telemetry.EndSpan(span, err)
	return res, err
}

func msgField(m *Message, f func(*Message) string) string {
	if m == nil {
		return ""
	}
	return f(m)
}

func (c *Coordinator) send(ctx context.Context, msg *Message) (*Result, error) {
	if msg == nil {
		return nil, types.NewValidationError("handoff message is required")
	}
	m := msg.Clone()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Type == "" {
		m.Type = TypeInitial
	}
	if m.Task.Priority == "" {
		m.Task.Priority = types.PriorityMedium
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = c.now()
	}
	if err := m.Validate(); err != nil {
		return &Result{HandoffID: m.ID, Status: StatusFailed, Target: m.Target, Error: err.Error()}, err
	}
	if c.transport == nil {
		err := types.NewValidationError("no handoff transport configured").WithEntity(m.ID)
		return &Result{HandoffID: m.ID, Status: StatusFailed, Target: m.Target, Error: err.Error()}, err
	}

	c.mu.Lock()
	if e, ok := c.handoffs[m.ID]; ok {
		c.mu.Unlock()
		return e.duplicate(), nil
	}
	now := c.now()
	e := &entry{
		rec: &Record{
			Message:   m,
			Status:    StatusInitiated,
			CreatedAt: now,
			UpdatedAt: now,
			History:   []Transition{{To: StatusInitiated, At: now}},
		},
		done: make(chan struct{}),
	}
	c.handoffs[m.ID] = e
	c.mu.Unlock()

	c.emit(m, "initiated", nil)

	if err := c.waitLimiter(ctx, m.Source); err != nil {
		return c.abort(ctx, e, fmt.Sprintf("rate limiter: %v", err), err)
	}

	if v := m.ContextVersionID; v != "" {
		if c.versions == nil || !c.versions.HasVersion(v) {
			err := types.NewValidationError("context version %s does not exist", v).WithEntity(m.ID)
			return c.abort(ctx, e, err.Error(), err)
		}
		if err := c.versions.Pin(v); err != nil {
			return c.abort(ctx, e, fmt.Sprintf("pin context version: %v", err), err)
		}
		e.mu.Lock()
		e.pinned = v
		e.mu.Unlock()
	}

	targets := dedupeTargets(m.Source, append([]string{m.Target}, m.Fallbacks...))
	var lastErr error
	for i, target := range targets {
		if i > 0 {
			c.logger.Info("trying fallback target",
				zap.String("message_id", m.ID),
				zap.String("target", target),
				zap.NamedError("previous", lastErr),
			)
		}
		ack, err := c.deliver(ctx, e, target)
		if err == nil && ack.Status == AckAccepted {
			return c.accepted(ctx, e, ack)
		}
		if err == nil {
			lastErr = types.NewDependencyError("%s rejected handoff: %s", target, ack.Reason).WithEntity(m.ID)
			continue
		}
		lastErr = err
		if types.IsErrorCode(err, types.ErrCancelled) {
			return e.result(), err
		}
		// dependencies and structural failures do not depend on the target
		if ctx.Err() != nil || types.IsErrorCode(err, types.ErrDependency) && !errors.Is(err, ErrUnknownTarget) ||
			!types.IsRetryable(err) && !errors.Is(err, retry.ErrExhausted) {
			break
		}
	}

	surfaced := surface(m.ID, lastErr)
	return c.abort(ctx, e, surfaced.Error(), surfaced)
}

// deliver runs the retry loop against one target.
func (c *Coordinator) deliver(ctx context.Context, e *entry, target string) (*Ack, error) {
	e.mu.Lock()
	e.rec.Message.Target = target
	msgID := e.rec.Message.ID
	deps := e.rec.Message.Task.Dependencies
	e.mu.Unlock()

	started := c.now()
	policy := retry.Policy{
		MaxAttempts: c.cfg.MaxAttempts,
		BaseDelay:   c.cfg.BaseDelay,
		MaxDelay:    c.cfg.MaxDelay,
		Multiplier:  2,
		ShouldRetry: types.IsRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			if c.metrics != nil {
				c.metrics.RecordHandoffRetry(target)
			}
			c.logger.Debug("handoff retry",
				zap.String("message_id", msgID),
				zap.String("target", target),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		},
	}

	ack, err := retry.DoTyped(retry.NewBackoffRetryer(policy, c.logger), ctx, func(attempt int) (*Ack, error) {
		e.mu.Lock()
		if e.rec.Status.IsTerminal() {
			status := e.rec.Status
			e.mu.Unlock()
			return nil, types.NewError(types.ErrCancelled, fmt.Sprintf("handoff %s is %s", msgID, status)).WithEntity(msgID)
		}
		if missing := unmet(c.board, deps); len(missing) > 0 {
			e.rec.Attempts++
			e.mu.Unlock()
			return nil, types.NewDependencyError("unmet dependencies: %s", strings.Join(missing, ", ")).WithEntity(msgID)
		}
		if err := c.transition(ctx, e, StatusSent, ""); err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.rec.Attempts++
		e.rec.Message.Metadata.RetryCount = attempt
		out := e.rec.Message.Clone()
		e.mu.Unlock()

		ackCtx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
		got, err := c.transport.Deliver(ackCtx, out)
		cancel()
		switch {
		case err == nil && got == nil:
			return nil, types.NewTimeoutError("empty ack from %s", target).WithEntity(msgID)
		case err == nil:
			return got, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, types.NewTimeoutError("no ack from %s within %s", target, c.cfg.AckTimeout).WithEntity(msgID)
		}
		if _, ok := types.AsError(err); ok {
			return nil, err
		}
		return nil, types.NewTimeoutError("transport to %s failed", target).WithEntity(msgID).WithCause(err)
	})
	if err != nil {
		return nil, err
	}

	latency := c.now().Sub(started)
	if c.metrics != nil {
		c.metrics.RecordHandoffAck(target, latency)
	}
	e.mu.Lock()
	e.rec.AckLatency = latency
	m := e.rec.Message
	e.mu.Unlock()
	if latency > c.cfg.EscalateAbove {
		c.logger.Warn("slow handoff acknowledgment",
			zap.String("message_id", msgID),
			zap.String("target", target),
			zap.Duration("latency", latency),
			zap.Duration("threshold", c.cfg.EscalateAbove),
		)
		c.emit(m, "slow_ack", map[string]any{"latency_ms": latency.Milliseconds()})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.Ack = ack
	if err := c.transition(ctx, e, StatusAcknowledged, ""); err != nil {
		return nil, err
	}
	if ack.Status != AckAccepted {
		if err := c.transition(ctx, e, StatusRejected, ack.Reason); err != nil {
			return nil, err
		}
	}
	return ack, nil
}

func (c *Coordinator) accepted(ctx context.Context, e *entry, ack *Ack) (*Result, error) {
	e.mu.Lock()
	if err := c.transition(ctx, e, StatusAccepted, ""); err != nil {
		e.mu.Unlock()
		return e.result(), err
	}
	m := e.rec.Message
	res := e.resultLocked()
	e.mu.Unlock()

	c.board.SetTaskStatus(m.Task.ID, TaskPending)
	c.logger.Info("handoff accepted",
		zap.String("message_id", m.ID),
		zap.String("source", m.Source),
		zap.String("target", m.Target),
		zap.String("type", string(m.Type)),
		zap.Int("attempts", res.Attempts),
	)
	res.Ack = ack
	return res, nil
}

// abort fails the handoff and returns the failure to the caller.
func (c *Coordinator) abort(ctx context.Context, e *entry, reason string, cause error) (*Result, error) {
	e.mu.Lock()
	if !e.rec.Status.IsTerminal() {
		if err := c.transition(ctx, e, StatusFailed, reason); err != nil {
			c.logger.Error("fail transition rejected", zap.String("message_id", e.rec.Message.ID), zap.Error(err))
		}
	}
	res := e.resultLocked()
	m := e.rec.Message
	e.mu.Unlock()

	c.logger.Warn("handoff failed",
		zap.String("message_id", m.ID),
		zap.String("target", m.Target),
		zap.String("reason", reason),
	)
	return res, cause
}

// surface maps the last delivery error onto the error the caller sees.
func surface(msgID string, err error) error {
	if err == nil {
		return types.NewTimeoutError("handoff %s was not delivered", msgID).WithEntity(msgID)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewTimeoutError("handoff %s: %v", msgID, err).WithEntity(msgID).WithCause(err)
	}
	te, ok := types.AsError(err)
	if !ok {
		return types.NewTimeoutError("handoff %s: %v", msgID, err).WithEntity(msgID).WithCause(err)
	}
	if !errors.Is(err, retry.ErrExhausted) {
		return err
	}
	if te.Code == types.ErrDependency {
		return types.NewDependencyError("handoff %s: %v", msgID, err).WithEntity(msgID).WithCause(err)
	}
	return types.NewTimeoutError("handoff %s: %v", msgID, err).WithEntity(msgID).WithCause(err)
}

func dedupeTargets(source string, targets []string) []string {
	seen := map[string]bool{source: true}
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func (c *Coordinator) waitLimiter(ctx context.Context, agentID string) error {
	if c.cfg.SendRate <= 0 {
		return nil
	}
	c.limMu.Lock()
	l, ok := c.limiters[agentID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.SendRate), c.cfg.SendBurst)
		c.limiters[agentID] = l
	}
	c.limMu.Unlock()
	return l.Wait(ctx)
}

// =============================================================================
// Receive
// =============================================================================

func ackKey(agentID, messageID string) string {
	return "handoff:ack:" + agentID + ":" + messageID
}

// Receive answers an inbound handoff for msg.Target. The first answer for a
// message id is stored; replays return it with Replayed set and never run the
// accept hook again. Unmet dependencies are rejected without storing so that
// a retry after the dependency completes can succeed.
func (c *Coordinator) Receive(ctx context.Context, msg *Message) (*Ack, error) {
	if msg == nil {
		return nil, types.NewValidationError("handoff message is required")
	}
	key := ackKey(msg.Target, msg.ID)
	if prev, found, err := idempotency.GetTyped[Ack](c.idem, ctx, key); err != nil {
		return nil, fmt.Errorf("lookup ack %s: %w", msg.ID, err)
	} else if found {
		return c.replay(msg, &prev), nil
	}
	if ack := c.terminalAck(msg); ack != nil {
		return c.replay(msg, ack), nil
	}

	if err := msg.Validate(); err != nil {
		return c.reject(ctx, msg, key, err.Error(), true)
	}
	if missing := unmet(c.board, msg.Task.Dependencies); len(missing) > 0 {
		return c.reject(ctx, msg, key, "unmet dependencies: "+strings.Join(missing, ", "), false)
	}
	if c.acceptor != nil {
		if ok, reason := c.acceptor(ctx, msg.Clone()); !ok {
			return c.reject(ctx, msg, key, reason, true)
		}
	}

	eta := msg.Task.EstimatedDuration
	if eta <= 0 {
		eta = c.cfg.DefaultETA
	}
	ack := &Ack{
		MessageID:           msg.ID,
		AgentID:             msg.Target,
		Status:              AckAccepted,
		EstimatedCompletion: c.now().Add(eta),
	}
	stored, err := c.idem.SetIfAbsent(ctx, key, ack, c.cfg.IdempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("store ack %s: %w", msg.ID, err)
	}
	if !stored {
		prev, found, err := idempotency.GetTyped[Ack](c.idem, ctx, key)
		if err == nil && found {
			return c.replay(msg, &prev), nil
		}
	}

	c.adopt(msg)
	c.board.SetTaskStatus(msg.Task.ID, TaskPending)
	c.emit(msg, "received", map[string]any{"status": string(AckAccepted)})
	if c.onAccept != nil {
		c.onAccept(ctx, msg.Clone())
	}
	return ack, nil
}

func (c *Coordinator) reject(ctx context.Context, msg *Message, key, reason string, store bool) (*Ack, error) {
	ack := &Ack{MessageID: msg.ID, AgentID: msg.Target, Status: AckRejected, Reason: reason}
	if store {
		if _, err := c.idem.SetIfAbsent(ctx, key, ack, c.cfg.IdempotencyTTL); err != nil {
			c.logger.Warn("store rejection failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	c.logger.Info("handoff rejected",
		zap.String("message_id", msg.ID),
		zap.String("target", msg.Target),
		zap.String("reason", reason),
	)
	c.emit(msg, "received", map[string]any{"status": string(AckRejected), "reason": reason})
	return ack, nil
}

func (c *Coordinator) replay(msg *Message, ack *Ack) *Ack {
	ack.Replayed = true
	c.logger.Debug("handoff replayed", zap.String("message_id", msg.ID), zap.String("target", msg.Target))
	c.emit(msg, "replayed", map[string]any{"status": string(ack.Status)})
	return ack
}

// terminalAck returns the recorded ack of a finished handoff delivered to the same target.
func (c *Coordinator) terminalAck(msg *Message) *Ack {
	c.mu.RLock()
	e, ok := c.handoffs[msg.ID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rec.Status.IsTerminal() || e.rec.Ack == nil || e.rec.Message.Target != msg.Target {
		return nil
	}
	a := *e.rec.Ack
	return &a
}

// adopt records an inbound handoff that was sent by another coordinator.
func (c *Coordinator) adopt(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handoffs[msg.ID]; ok {
		return
	}
	now := c.now()
	c.handoffs[msg.ID] = &entry{
		rec: &Record{
			Message:   msg.Clone(),
			Status:    StatusAccepted,
			CreatedAt: now,
			UpdatedAt: now,
			History:   []Transition{{To: StatusAccepted, At: now, Reason: "received"}},
		},
		done: make(chan struct{}),
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func (c *Coordinator) get(id string) (*entry, error) {
	c.mu.RLock()
	e, ok := c.handoffs[id]
	c.mu.RUnlock()
	if !ok {
		return nil, types.NewNotFoundError("handoff", id)
	}
	return e, nil
}

// Start marks an accepted handoff as in progress.
func (c *Coordinator) Start(ctx context.Context, id string) error {
	e, err := c.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.transition(ctx, e, StatusInProgress, ""); err != nil {
		return err
	}
	c.board.SetTaskStatus(e.rec.Message.Task.ID, TaskInProgress)
	return nil
}

// Complete records the target's output, appends it to previous_work and
// marks the task completed. An accepted handoff is started implicitly.
func (c *Coordinator) Complete(ctx context.Context, id string, out Output) (*Record, error) {
	e, err := c.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.rec.Status == StatusAccepted {
		if err := c.transition(ctx, e, StatusInProgress, ""); err != nil {
			e.mu.Unlock()
			return nil, err
		}
	}
	if !CanTransition(e.rec.Status, StatusCompleted) {
		from := e.rec.Status
		e.mu.Unlock()
		return nil, types.NewTransitionError(id, string(from), string(StatusCompleted))
	}

	m := e.rec.Message
	if out.ContextVersionID == "" {
		out.ContextVersionID = m.ContextVersionID
	}
	work := WorkEntry{
		MessageID:        m.ID,
		AgentID:          m.Target,
		TaskID:           m.Task.ID,
		Stage:            m.Metadata.StageIndex,
		Summary:          out.Summary,
		Deliverables:     out.Deliverables,
		Data:             out.Data,
		ContextVersionID: out.ContextVersionID,
		CompletedAt:      c.now(),
	}
	m.PreviousWork = append(m.PreviousWork, work)
	e.rec.Output = &out
	if err := c.transition(ctx, e, StatusCompleted, ""); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	rec := e.rec.clone()
	e.mu.Unlock()

	c.mu.Lock()
	c.workflows[m.WorkflowID] = append(c.workflows[m.WorkflowID], work)
	c.mu.Unlock()
	c.board.SetTaskStatus(m.Task.ID, TaskCompleted)

	c.logger.Info("handoff completed",
		zap.String("message_id", m.ID),
		zap.String("agent", m.Target),
		zap.String("task_id", m.Task.ID),
	)
	return rec, nil
}

// CompleteAndForward completes the handoff and emits the next one: next as a
// sequential handoff, or a completion handoff back to the originator when
// next is nil. previous_work is carried forward.
func (c *Coordinator) CompleteAndForward(ctx context.Context, id string, out Output, next *Message) (*Result, error) {
	rec, err := c.Complete(ctx, id, out)
	if err != nil {
		return nil, err
	}
	prev := rec.Message

	var fwd *Message
	if next == nil {
		fwd = &Message{
			Type:   TypeCompletion,
			Target: prev.Source,
			Task: Task{
				ID:           prev.Task.ID,
				Title:        prev.Task.Title,
				Priority:     prev.Task.Priority,
				Deliverables: prev.Task.Deliverables,
			},
			Metadata: Metadata{StageIndex: prev.Metadata.StageIndex, TotalStages: prev.Metadata.TotalStages},
		}
	} else {
		fwd = next.Clone()
		if fwd.Type == "" {
			fwd.Type = TypeSequential
		}
		if fwd.Metadata.StageIndex == 0 {
			fwd.Metadata.StageIndex = prev.Metadata.StageIndex + 1
		}
		if fwd.Metadata.TotalStages == 0 {
			fwd.Metadata.TotalStages = prev.Metadata.TotalStages
		}
	}
	fwd.Source = prev.Target
	if fwd.WorkflowID == "" {
		fwd.WorkflowID = prev.WorkflowID
	}
	if fwd.ContextID == "" {
		fwd.ContextID = prev.ContextID
	}
	if fwd.ContextVersionID == "" {
		fwd.ContextVersionID = rec.Output.ContextVersionID
	}
	fwd.PreviousWork = append(append([]WorkEntry(nil), prev.PreviousWork...), fwd.PreviousWork...)
	return c.Send(ctx, fwd)
}

// Fail marks a non-terminal handoff as failed.
func (c *Coordinator) Fail(ctx context.Context, id, reason string) error {
	e, err := c.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.transition(ctx, e, StatusFailed, reason); err != nil {
		return err
	}
	c.board.SetTaskStatus(e.rec.Message.Task.ID, TaskFailed)
	return nil
}

// Cancel stops a non-terminal handoff. Only the issuing agent may cancel.
func (c *Coordinator) Cancel(ctx context.Context, id, agentID, reason string) error {
	e, err := c.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if agentID != e.rec.Message.Source {
		return types.NewPermissionError("only %s may cancel handoff %s", e.rec.Message.Source, id).WithEntity(id)
	}
	return c.transition(ctx, e, StatusCancelled, reason)
}

// Get returns a snapshot of one handoff.
func (c *Coordinator) Get(id string) (*Record, error) {
	e, err := c.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.clone(), nil
}

// List returns handoffs of a workflow ordered by creation; an empty id lists all.
func (c *Coordinator) List(workflowID string) []*Record {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.handoffs))
	for _, e := range c.handoffs {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	out := make([]*Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if workflowID == "" || e.rec.Message.WorkflowID == workflowID {
			out = append(out, e.rec.clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Message.ID < out[j].Message.ID
	})
	return out
}

// PreviousWork returns the workflow's completed work in completion order.
func (c *Coordinator) PreviousWork(workflowID string) []WorkEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]WorkEntry(nil), c.workflows[workflowID]...)
}

// =============================================================================
// helpers
// =============================================================================

// transition moves e to status to. Callers hold e.mu.
func (c *Coordinator) transition(ctx context.Context, e *entry, to Status, reason string) error {
	from := e.rec.Status
	m := e.rec.Message
	if !CanTransition(from, to) {
		return types.NewTransitionError(m.ID, string(from), string(to))
	}
	now := c.now()
	e.rec.Status = to
	e.rec.UpdatedAt = now
	if reason != "" {
		e.rec.Reason = reason
	}
	e.rec.History = append(e.rec.History, Transition{From: from, To: to, At: now, Reason: reason})

	if from != to {
		c.emit(m, string(to), map[string]any{"from": string(from), "reason": reason})
	}
	if !to.IsTerminal() {
		return nil
	}

	e.rec.CompletedAt = &now
	if e.pinned != "" && c.versions != nil {
		c.versions.Unpin(e.pinned)
		e.pinned = ""
	}
	close(e.done)
	if c.metrics != nil {
		c.metrics.RecordHandoff(string(m.Type), string(to))
	}
	c.persist(ctx, e.rec)
	return nil
}

func (c *Coordinator) persist(ctx context.Context, rec *Record) {
	if c.records == nil {
		return
	}
	r, err := persistence.NewRecord(persistence.KindHandoff, rec.Message.ID, string(rec.Status), rec.Reason, rec)
	if err == nil {
		err = c.records.Put(context.WithoutCancel(ctx), r)
	}
	if err != nil {
		c.logger.Warn("handoff audit write failed", zap.String("message_id", rec.Message.ID), zap.Error(err))
	}
}

func (c *Coordinator) emit(m *Message, eventType string, attrs map[string]any) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs["type"] = string(m.Type)
	attrs["source"] = m.Source
	attrs["target"] = m.Target
	attrs["workflow_id"] = m.WorkflowID
	if m.ParallelGroupID != "" {
		attrs["parallel_group_id"] = m.ParallelGroupID
	}
	c.sink.Emit(types.NewEvent(types.ComponentHandoff, m.ID, eventType, attrs))
}

func (e *entry) result() *Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resultLocked()
}

func (e *entry) resultLocked() *Result {
	res := &Result{
		Success:   !e.rec.Status.IsTerminal() || e.rec.Status == StatusCompleted,
		HandoffID: e.rec.Message.ID,
		Status:    e.rec.Status,
		Target:    e.rec.Message.Target,
		Attempts:  e.rec.Attempts,
		Latency:   e.rec.AckLatency,
	}
	if e.rec.Status == StatusFailed || e.rec.Status == StatusCancelled {
		res.Success = false
		res.Error = e.rec.Reason
	}
	if e.rec.Ack != nil {
		a := *e.rec.Ack
		res.Ack = &a
	}
	return res
}

func (e *entry) duplicate() *Result {
	res := e.result()
	res.Duplicate = true
	return res
}
