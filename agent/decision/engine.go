package decision

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/monitor"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/persistence"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/registry"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/metrics"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/telemetry"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EngineConfig controls the decision engine.
type EngineConfig struct {
	// ExpertThreshold is the domain weight an agent needs to count in an expert tally.
	ExpertThreshold float64 `json:"expert_threshold" yaml:"expert_threshold"`
	// AuthorityStep is added to winners' and removed from losers' authority after a decision.
	AuthorityStep float64 `json:"authority_step" yaml:"authority_step"`
	// DefaultDeadline applies to decisions created without one; 0 leaves them open-ended.
	DefaultDeadline time.Duration `json:"default_deadline" yaml:"default_deadline"`
	// ConsensusTimeout bounds decisions opened on behalf of the conflict engine.
	ConsensusTimeout time.Duration `json:"consensus_timeout" yaml:"consensus_timeout"`
	// DeadlineInterval is the period of the background deadline check.
	DeadlineInterval time.Duration `json:"deadline_interval" yaml:"deadline_interval"`
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ExpertThreshold:  0.8,
		AuthorityStep:    0.05,
		DefaultDeadline:  5 * time.Minute,
		ConsensusTimeout: 30 * time.Second,
		DeadlineInterval: time.Second,
	}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSink sets the monitoring sink.
func WithSink(s monitor.Sink) EngineOption { return func(e *Engine) { e.sink = monitor.OrNop(s) } }

// WithMetrics sets the prometheus collector.
func WithMetrics(c *metrics.Collector) EngineOption { return func(e *Engine) { e.metrics = c } }

// WithRecordStore persists every decision snapshot for audit.
func WithRecordStore(s persistence.RecordStore) EngineOption { return func(e *Engine) { e.records = s } }

// WithDeliberator enables consensus building for decisions opened by RunConsensus.
func WithDeliberator(d Deliberator) EngineOption { return func(e *Engine) { e.deliberator = d } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) EngineOption { return func(e *Engine) { e.now = now } }

type entry struct {
	mu sync.Mutex // serializes votes and finalization of one decision
	d  *Decision
}

// Engine runs collaborative decisions.
type Engine struct {
	cfg   EngineConfig
	reg   *registry.Registry
	rules rules

	mu        sync.RWMutex
	decisions map[string]*entry

	deliberator Deliberator
	records     persistence.RecordStore
	sink        monitor.Sink
	metrics     *metrics.Collector
	tracer      trace.Tracer
	now         func() time.Time
	logger      *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a decision engine over the agent registry.
func New(cfg EngineConfig, reg *registry.Registry, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultEngineConfig()
	if cfg.ExpertThreshold <= 0 {
		cfg.ExpertThreshold = def.ExpertThreshold
	}
	if cfg.AuthorityStep < 0 {
		cfg.AuthorityStep = 0
	}
	if cfg.ConsensusTimeout <= 0 {
		cfg.ConsensusTimeout = def.ConsensusTimeout
	}
	if cfg.DeadlineInterval <= 0 {
		cfg.DeadlineInterval = def.DeadlineInterval
	}
	e := &Engine{
		cfg:       cfg,
		reg:       reg,
		rules:     rules{reg: reg, expertThreshold: cfg.ExpertThreshold},
		decisions: make(map[string]*entry),
		sink:      monitor.Nop,
		tracer:    telemetry.Tracer("agent/decision"),
		now:       time.Now,
		logger:    logger.With(zap.String("component", "decision_engine")),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// Create
// =============================================================================

// Create validates cfg and opens a decision in the initiated stage.
func (e *Engine) Create(ctx context.Context, cfg Config) (*Decision, error) {
	if err := e.validate(&cfg); err != nil {
		return nil, err
	}
	now := e.now()
	if cfg.Deadline.IsZero() && e.cfg.DefaultDeadline > 0 {
		cfg.Deadline = now.Add(e.cfg.DefaultDeadline)
	}
	options := make([]Option, len(cfg.Options))
	for i, o := range cfg.Options {
		o.Supporters = append([]string(nil), o.Supporters...)
		options[i] = o
	}
	d := &Decision{
		ID:           uuid.NewString(),
		Title:        cfg.Title,
		Type:         cfg.Type,
		Domain:       cfg.Domain,
		Priority:     cfg.Priority,
		Participants: dedupe(cfg.Participants),
		Required:     dedupe(cfg.Required),
		Options:      options,
		Criteria:     append([]Criterion(nil), cfg.Criteria...),
		Votes:        make(map[string]Vote),
		Stage:        StageInitiated,
		Deadline:     cfg.Deadline,
		Fallback:     cfg.Fallback,
		ConflictID:   cfg.ConflictID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	e.appendAudit(d, AuditCreated, "", map[string]any{
		"type":         string(d.Type),
		"participants": d.Participants,
		"options":      len(d.Options),
	})

	e.mu.Lock()
	e.decisions[d.ID] = &entry{d: d}
	e.mu.Unlock()

	e.logger.Info("decision created",
		zap.String("decision_id", d.ID),
		zap.String("type", string(d.Type)),
		zap.String("domain", string(d.Domain)),
		zap.Int("participants", len(d.Participants)),
	)
	e.persist(ctx, d)
	e.emit(d, "created", map[string]any{"participants": len(d.Participants)})
	return d.clone(), nil
}

func (e *Engine) validate(cfg *Config) error {
	if cfg.Type == "" {
		cfg.Type = TypeWeighted
	}
	if !cfg.Type.Valid() {
		return types.NewValidationError("unknown decision type %q", cfg.Type)
	}
	if !cfg.Domain.IsKnown() {
		return types.NewValidationError("unknown domain %q", cfg.Domain)
	}
	if cfg.Priority == "" {
		cfg.Priority = types.PriorityMedium
	}
	if !cfg.Priority.Valid() {
		return types.NewValidationError("unknown priority %q", cfg.Priority)
	}
	if cfg.Type == TypeOrchestrator && cfg.Priority != types.PriorityCritical && cfg.ConflictID == "" {
		return types.NewValidationError("orchestrator decisions are reserved for critical priority or escalations")
	}
	if cfg.Fallback == "" {
		cfg.Fallback = TypeWeighted
	}
	if !cfg.Fallback.Valid() || cfg.Fallback == TypeConsensus {
		return types.NewValidationError("invalid fallback rule %q", cfg.Fallback)
	}
	if len(cfg.Options) < 2 {
		return types.NewValidationError("a decision needs at least two options")
	}
	seen := make(map[string]bool, len(cfg.Options))
	for _, o := range cfg.Options {
		if o.ID == "" {
			return types.NewValidationError("option id is required")
		}
		if seen[o.ID] {
			return types.NewValidationError("duplicate option %q", o.ID)
		}
		seen[o.ID] = true
	}
	if len(cfg.Participants) == 0 {
		return types.NewValidationError("a decision needs at least one participant")
	}
	for _, p := range cfg.Participants {
		if !e.reg.Has(p) {
			return types.NewValidationError("unknown participant %q", p)
		}
	}
	for _, r := range cfg.Required {
		if !contains(cfg.Participants, r) {
			return types.NewValidationError("required agent %q is not a participant", r)
		}
	}
	for _, c := range cfg.Criteria {
		if c.Name == "" || c.Weight < 0 {
			return types.NewValidationError("criterion %q needs a name and a non-negative weight", c.Name)
		}
	}
	return nil
}

// =============================================================================
// Voting
// =============================================================================

// CastVote records v. A participant voting again replaces its earlier ballot.
// The decision is finalized once every participant has voted, or as soon as
// the orchestrator votes on an orchestrator decision.
func (e *Engine) CastVote(ctx context.Context, decisionID string, v Vote) (*Decision, error) {
	ctx, span := e.tracer.Start(ctx, "decision.CastVote", trace.WithAttributes(
		attribute.String("decision_id", decisionID),
		attribute.String("agent_id", v.AgentID),
	))

	d, err := e.castVote(ctx, decisionID, v)
	telemetry.EndSpan(span, err)
	return d, err
}

func (e *Engine) castVote(ctx context.Context, decisionID string, v Vote) (*Decision, error) {
	en, err := e.lookup(decisionID)
	if err != nil {
		return nil, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	d := en.d

	if d.Stage.IsTerminal() {
		return d.clone(), types.NewTransitionError(decisionID, string(d.Stage), string(StageVoting))
	}
	if !d.isParticipant(v.AgentID) {
		return nil, types.NewPermissionError("agent %q is not a participant of decision %s", v.AgentID, decisionID).
			WithEntity(decisionID)
	}
	if _, ok := d.option(v.OptionID); !ok {
		return nil, types.NewValidationError("unknown option %q", v.OptionID)
	}
	e.record(ctx, d, v)

	if d.Stage == StageInitiated || d.Stage == StageDeliberating {
		e.setStage(d, StageVoting)
	}
	if t, ok := e.ready(d, v.AgentID); ok {
		e.finalize(ctx, d, t)
	}
	return d.clone(), nil
}

// record stores a ballot without checking for finalization.
func (e *Engine) record(ctx context.Context, d *Decision, v Vote) {
	if v.Confidence <= 0 {
		v.Confidence = 1
	}
	v.Confidence = types.ClampUnit(v.Confidence)
	v.CastAt = e.now()

	kind := AuditVoteCast
	detail := map[string]any{"option_id": v.OptionID, "confidence": v.Confidence}
	if prev, ok := d.Votes[v.AgentID]; ok {
		kind = AuditVoteReplaced
		detail["previous_option_id"] = prev.OptionID
	}
	d.Votes[v.AgentID] = v
	d.UpdatedAt = v.CastAt
	e.appendAudit(d, kind, v.AgentID, detail)

	if e.metrics != nil {
		e.metrics.RecordVote(string(d.Type))
	}
	e.logger.Debug("vote recorded",
		zap.String("decision_id", d.ID),
		zap.String("agent_id", v.AgentID),
		zap.String("option_id", v.OptionID),
		zap.Bool("replaced", kind == AuditVoteReplaced),
	)
	e.persist(ctx, d)
	e.emit(d, string(kind), map[string]any{"agent_id": v.AgentID, "option_id": v.OptionID})
}

// ready reports whether d can be finalized after lastVoter's ballot.
func (e *Engine) ready(d *Decision, lastVoter string) (tally, bool) {
	if d.Type == TypeOrchestrator {
		if orch, err := e.reg.Orchestrator(); err == nil && orch == lastVoter {
			return e.rules.orchestrator(d), true
		}
	}
	if len(d.Votes) < len(d.Participants) {
		return tally{}, false
	}
	return e.settle(d), true
}

// settle applies the decision's rule to all ballots. Consensus falls back to
// the configured voting rule; a count rule whose threshold is not met is
// handed to the orchestrator.
func (e *Engine) settle(d *Decision) tally {
	rule := d.Type
	t := e.rules.evaluate(d, rule)
	if !t.decisive && rule == TypeConsensus {
		rule = d.Fallback
		t = e.rules.evaluate(d, rule)
	}
	if !t.decisive {
		reason := fmt.Sprintf("%s threshold not met: %s", rule, t.rationale)
		t = e.rules.orchestrator(d)
		t.rationale = reason + "; " + t.rationale
	}
	return t
}

// finalize attaches the outcome, applies authority feedback and closes d.
func (e *Engine) finalize(ctx context.Context, d *Decision, t tally) {
	out := t.outcome(d)
	out.DecidedAt = e.now()
	d.Outcome = out
	d.UpdatedAt = out.DecidedAt
	e.appendAudit(d, AuditOutcome, "", map[string]any{
		"option_id": out.OptionID,
		"method":    out.Method,
		"agreement": out.Agreement,
		"tied":      out.Tied,
	})
	e.feedback(d)

	if e.metrics != nil {
		e.metrics.RecordDecision(string(d.Type), out.Method)
	}
	e.logger.Info("decision reached",
		zap.String("decision_id", d.ID),
		zap.String("option_id", out.OptionID),
		zap.String("method", out.Method),
		zap.Float64("agreement", out.Agreement),
	)
	e.setStage(d, StageDecided)
	e.persist(ctx, d)
	e.emit(d, "decided", map[string]any{"option_id": out.OptionID, "method": out.Method})
}

// feedback nudges the authority of every voter toward the outcome.
func (e *Engine) feedback(d *Decision) {
	if e.cfg.AuthorityStep == 0 {
		return
	}
	for _, v := range d.votesInOrder() {
		delta := -e.cfg.AuthorityStep
		if v.OptionID == d.Outcome.OptionID {
			delta = e.cfg.AuthorityStep
		}
		if _, err := e.reg.AdjustAuthority(v.AgentID, delta); err != nil {
			e.logger.Warn("authority feedback failed", zap.String("agent_id", v.AgentID), zap.Error(err))
		}
	}
}

// =============================================================================
// Queries & cancellation
// =============================================================================

func (e *Engine) lookup(id string) (*entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.decisions[id]
	if !ok {
		return nil, types.NewNotFoundError("decision", id)
	}
	return en, nil
}

// Get returns a snapshot of a decision.
func (e *Engine) Get(id string) (*Decision, error) {
	en, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.d.clone(), nil
}

// GetOutcome returns the outcome, or nil while the decision is open.
func (e *Engine) GetOutcome(id string) (*Outcome, error) {
	d, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	return d.Outcome, nil
}

// List returns decisions in the given stages (all when empty), oldest first.
func (e *Engine) List(stages ...Stage) []*Decision {
	want := make(map[Stage]bool, len(stages))
	for _, s := range stages {
		want[s] = true
	}
	e.mu.RLock()
	entries := make([]*entry, 0, len(e.decisions))
	for _, en := range e.decisions {
		entries = append(entries, en)
	}
	e.mu.RUnlock()

	var out []*Decision
	for _, en := range entries {
		en.mu.Lock()
		if len(want) == 0 || want[en.d.Stage] {
			out = append(out, en.d.clone())
		}
		en.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Audit returns the decision's audit trail.
func (e *Engine) Audit(id string) ([]AuditEntry, error) {
	en, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	out := make([]AuditEntry, len(en.d.trail))
	copy(out, en.d.trail)
	return out, nil
}

// Cancel closes an open decision without an outcome.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (*Decision, error) {
	en, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	d := en.d
	if d.Stage.IsTerminal() {
		return d.clone(), types.NewTransitionError(id, string(d.Stage), string(StageCancelled))
	}
	if reason == "" {
		reason = "cancelled"
	}
	d.Reason = reason
	e.appendAudit(d, AuditCancelled, "", map[string]any{"reason": reason})
	e.logger.Info("decision cancelled", zap.String("decision_id", id), zap.String("reason", reason))
	e.setStage(d, StageCancelled)
	e.persist(ctx, d)
	return d.clone(), nil
}

// =============================================================================
// Deadlines
// =============================================================================

// CheckDeadlines settles every open decision whose deadline is before now.
// When the ballots cast so far give the rule a quorum and a decisive result
// it stands; otherwise the decision is escalated to orchestrator resolution.
// It returns the number of decisions closed.
func (e *Engine) CheckDeadlines(ctx context.Context, now time.Time) int {
	e.mu.RLock()
	entries := make([]*entry, 0, len(e.decisions))
	for _, en := range e.decisions {
		entries = append(entries, en)
	}
	e.mu.RUnlock()

	closed := 0
	for _, en := range entries {
		en.mu.Lock()
		d := en.d
		if !d.Stage.IsTerminal() && !d.Deadline.IsZero() && now.After(d.Deadline) {
			e.expire(ctx, d)
			closed++
		}
		en.mu.Unlock()
	}
	return closed
}

func (e *Engine) expire(ctx context.Context, d *Decision) {
	quorum := float64(len(d.Votes)) > float64(len(d.Participants))*majorityThreshold
	if quorum && d.Type != TypeOrchestrator {
		rule := d.Type
		if rule == TypeConsensus {
			rule = d.Fallback
		}
		if t := e.rules.evaluate(d, rule); t.decisive {
			e.appendAudit(d, AuditDeadline, "", map[string]any{"votes": len(d.Votes), "action": "tallied"})
			e.finalize(ctx, d, t)
			return
		}
	}
	from := d.Type
	d.Type = TypeOrchestrator
	e.appendAudit(d, AuditDeadline, "", map[string]any{
		"votes":     len(d.Votes),
		"action":    "escalated",
		"from_type": string(from),
	})
	e.logger.Warn("decision deadline expired, escalating to orchestrator",
		zap.String("decision_id", d.ID),
		zap.Int("votes", len(d.Votes)),
		zap.Int("participants", len(d.Participants)),
	)
	e.emit(d, "deadline_expired", map[string]any{"from_type": string(from)})
	e.finalize(ctx, d, e.rules.orchestrator(d))
}

// Start runs the deadline check until ctx is done or Close is called.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.DeadlineInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.C:
				if n := e.CheckDeadlines(ctx, e.now()); n > 0 {
					e.logger.Debug("deadline check closed decisions", zap.Int("count", n))
				}
			}
		}
	}()
}

// Close stops the deadline loop started by Start.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// =============================================================================
// helpers
// =============================================================================

func (e *Engine) setStage(d *Decision, to Stage) {
	from := d.Stage
	if from == to {
		return
	}
	d.Stage = to
	d.UpdatedAt = e.now()
	e.appendAudit(d, AuditStage, "", map[string]any{"from": string(from), "to": string(to)})
	e.emit(d, "stage_"+string(to), map[string]any{"from": string(from)})
}

func (e *Engine) appendAudit(d *Decision, kind AuditKind, agentID string, detail map[string]any) {
	d.trail = append(d.trail, AuditEntry{
		Seq:     len(d.trail) + 1,
		At:      e.now(),
		Kind:    kind,
		AgentID: agentID,
		Detail:  detail,
	})
}

type auditPayload struct {
	*Decision
	Trail []AuditEntry `json:"audit_trail"`
}

func (e *Engine) persist(ctx context.Context, d *Decision) {
	if e.records == nil {
		return
	}
	rec, err := persistence.NewRecord(persistence.KindDecision, d.ID, string(d.Stage), d.Reason,
		auditPayload{Decision: d, Trail: d.trail})
	if err == nil {
		err = e.records.Put(ctx, rec)
	}
	if err != nil {
		e.logger.Warn("decision audit write failed", zap.String("decision_id", d.ID), zap.Error(err))
	}
}

func (e *Engine) emit(d *Decision, eventType string, attrs map[string]any) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs["type"] = string(d.Type)
	e.sink.Emit(types.NewEvent(types.ComponentDecision, d.ID, eventType, attrs))
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
