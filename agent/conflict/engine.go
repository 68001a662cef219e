package conflict

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/contextstore"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/escalation"
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

// Config controls detection and resolution.
type Config struct {
	// DetectionThreshold is the confidence a recommendation must exceed to count.
	DetectionThreshold float64 `json:"detection_threshold" yaml:"detection_threshold"`
	// AutoResolve resolves context clashes in the background as soon as they are reported.
	AutoResolve bool `json:"auto_resolve" yaml:"auto_resolve"`
	// TieBreak enables the final fixed tie-break rung. Without it an
	// unresolved conflict ends escalated.
	TieBreak           bool    `json:"tie_break" yaml:"tie_break"`
	LearningMinSamples int     `json:"learning_min_samples" yaml:"learning_min_samples"`
	LearningMargin     float64 `json:"learning_margin" yaml:"learning_margin"`
	Rules              []Rule  `json:"rules,omitempty" yaml:"rules"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		DetectionThreshold: 0.5,
		AutoResolve:        true,
		TieBreak:           true,
		LearningMinSamples: 3,
		LearningMargin:     0.1,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink sets the monitoring sink.
func WithSink(s monitor.Sink) Option { return func(e *Engine) { e.sink = monitor.OrNop(s) } }

// WithMetrics sets the prometheus collector.
func WithMetrics(c *metrics.Collector) Option { return func(e *Engine) { e.metrics = c } }

// WithRecordStore writes every conflict transition to the audit store.
func WithRecordStore(s persistence.RecordStore) Option { return func(e *Engine) { e.records = s } }

// WithConsensusRunner sets the decision engine used by the consensus strategy.
func WithConsensusRunner(r ConsensusRunner) Option {
	return func(e *Engine) { e.SetConsensusRunner(r) }
}

// WithPendingResolver sets the store that receives context-clash resolutions.
func WithPendingResolver(r PendingResolver) Option {
	return func(e *Engine) { e.SetPendingResolver(r) }
}

// WithArbitrator asks the host for arbitration rulings.
func WithArbitrator(a Arbitrator) Option { return func(e *Engine) { e.arbitrator = a } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

type entry struct {
	mu sync.Mutex // serializes transitions of one conflict
	c  *Conflict
}

// Engine detects and resolves conflicts.
type Engine struct {
	cfg        Config
	reg        *registry.Registry
	table      *table
	learner    *Learner
	strategies map[StrategyName]Strategy

	mu        sync.RWMutex
	conflicts map[string]*entry
	consensus ConsensusRunner
	pending   PendingResolver

	arbitrator Arbitrator
	records    persistence.RecordStore
	sink       monitor.Sink
	metrics    *metrics.Collector
	tracer     trace.Tracer
	now        func() time.Time
	logger     *zap.Logger

	wg sync.WaitGroup
}

// New creates an Engine over the agent registry.
func New(cfg Config, reg *registry.Registry, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DetectionThreshold <= 0 {
		cfg.DetectionThreshold = DefaultConfig().DetectionThreshold
	}
	rules := DefaultRules()
	if len(cfg.Rules) > 0 {
		rules = append(append([]Rule(nil), cfg.Rules...), rules...)
	}
	e := &Engine{
		cfg:       cfg,
		reg:       reg,
		table:     &table{rules: rules},
		learner:   NewLearner(cfg.LearningMinSamples, cfg.LearningMargin),
		conflicts: make(map[string]*entry),
		sink:      monitor.Nop,
		tracer:    telemetry.Tracer("agent/conflict"),
		now:       time.Now,
		logger:    logger.With(zap.String("component", "conflict_engine")),
	}
	e.strategies = map[StrategyName]Strategy{
		StrategyAutoMerge: autoMerge{},
		StrategyPriority:  priorityStrategy{},
		StrategyExpertise: expertiseStrategy{reg: reg},
		StrategyConsensus: consensusStrategy{runner: e.consensusRunner},
		StrategyArbitration: arbitration{
			name: StrategyArbitration, reg: reg, arbiter: e.orchestratorArbiter, arbitrator: e.getArbitrator,
		},
		StrategyDeputy: arbitration{
			name: StrategyDeputy, reg: reg, arbiter: e.deputyArbiter, arbitrator: e.getArbitrator,
		},
		StrategyTieBreak: tieBreak{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetConsensusRunner installs the decision engine after construction.
func (e *Engine) SetConsensusRunner(r ConsensusRunner) {
	e.mu.Lock()
	e.consensus = r
	e.mu.Unlock()
}

// SetPendingResolver installs the context store after construction.
func (e *Engine) SetPendingResolver(r PendingResolver) {
	e.mu.Lock()
	e.pending = r
	e.mu.Unlock()
}

func (e *Engine) consensusRunner() ConsensusRunner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.consensus
}

func (e *Engine) pendingResolver() PendingResolver {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pending
}

func (e *Engine) getArbitrator() Arbitrator { return e.arbitrator }

func (e *Engine) orchestratorArbiter(parties []string) (string, string) {
	id, err := e.reg.Orchestrator()
	if err != nil {
		return "", "no orchestrator registered"
	}
	if isParty(parties, id) {
		return "", fmt.Sprintf("orchestrator %s is a party", id)
	}
	return id, ""
}

func (e *Engine) deputyArbiter(parties []string) (string, string) {
	id := e.reg.Deputy()
	if id == "" {
		return "", "no deputy designated"
	}
	if isParty(parties, id) {
		return "", fmt.Sprintf("deputy %s is a party", id)
	}
	return id, ""
}

// RegisterStrategy adds or replaces a strategy implementation.
func (e *Engine) RegisterStrategy(s Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies[s.Name()] = s
}

// SetRule puts r ahead of the existing strategy table.
func (e *Engine) SetRule(r Rule) { e.table.prepend(r) }

// Rules returns the effective strategy table.
func (e *Engine) Rules() []Rule { return e.table.snapshot() }

// Learner exposes the strategy effectiveness statistics.
func (e *Engine) Learner() *Learner { return e.learner }

func (e *Engine) strategy(name StrategyName) (Strategy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.strategies[name]
	return s, ok
}

// =============================================================================
// Detection
// =============================================================================

// Report registers a conflict from explicit positions.
func (e *Engine) Report(ctx context.Context, req ReportRequest) (*Conflict, error) {
	if !req.Category.Valid() {
		return nil, types.NewValidationError("unknown conflict category %q", req.Category)
	}
	if !req.Domain.IsKnown() {
		return nil, types.NewValidationError("unknown domain %q", req.Domain)
	}
	if len(req.Positions) < 2 {
		return nil, types.NewValidationError("a conflict needs at least two positions")
	}
	for _, p := range req.Positions {
		if p.AgentID == "" {
			return nil, types.NewValidationError("position agent_id is required")
		}
		if !e.reg.Has(p.AgentID) {
			return nil, types.NewValidationError("unknown agent %q", p.AgentID)
		}
	}
	c := e.newConflict(req.Category, req.Domain, req.Subject, req.Positions, req.Mergeable)
	e.register(ctx, c)
	return c.clone(), nil
}

// DetectRecommendations raises a recommendation conflict when at least two
// recommendations above the confidence threshold disagree. It returns nil
// when there is nothing to resolve.
func (e *Engine) DetectRecommendations(ctx context.Context, domain types.Domain, subject string, recs []Recommendation) (*Conflict, error) {
	var positions []Position
	for _, r := range recs {
		if r.Confidence <= e.cfg.DetectionThreshold {
			continue
		}
		v := r.Value
		positions = append(positions, Position{
			AgentID:    r.AgentID,
			Value:      &v,
			Confidence: r.Confidence,
			Priority:   r.Priority,
			Rationale:  r.Rationale,
		})
	}
	if len(positions) < 2 {
		return nil, nil
	}
	divergent := false
	for _, p := range positions[1:] {
		if !p.sameValue(positions[0]) {
			divergent = true
			break
		}
	}
	if !divergent {
		return nil, nil
	}
	return e.Report(ctx, ReportRequest{
		Category:  CategoryRecommendation,
		Domain:    domain,
		Subject:   subject,
		Positions: positions,
	})
}

// ReportContextConflict implements contextstore.ConflictReporter. Position
// 0 is the held write, position 1 the head branch.
func (e *Engine) ReportContextConflict(ctx context.Context, clash contextstore.Clash) (string, error) {
	if len(clash.Fields) == 0 {
		return "", types.NewValidationError("clash has no fields")
	}
	ours := clash.Fields[0].Ours
	theirs := clash.Fields[0].Theirs
	positions := []Position{
		{AgentID: ours.AgentID, Value: sideValue(clash.Fields, true), Confidence: ours.Confidence, Priority: ours.Priority},
		{AgentID: theirs.AgentID, Value: sideValue(clash.Fields, false), Confidence: theirs.Confidence, Priority: theirs.Priority},
	}
	paths := make([]string, len(clash.Fields))
	for i, f := range clash.Fields {
		paths[i] = f.Path
	}
	c := e.newConflict(CategoryContextValue, clash.Fields[0].Domain, strings.Join(paths, ","), positions, false)
	c.ContextID = clash.ContextID
	c.PendingID = clash.PendingID
	c.Fields = append([]contextstore.FieldClash(nil), clash.Fields...)
	e.register(ctx, c)

	if e.cfg.AutoResolve {
		e.wg.Add(1)
		go func(id string) {
			defer e.wg.Done()
			if _, err := e.Resolve(context.Background(), id); err != nil {
				e.logger.Warn("background conflict resolution failed", zap.String("conflict_id", id), zap.Error(err))
			}
		}(c.ID)
	}
	return c.ID, nil
}

// sideValue renders one side of a clash: the single value for a one-field
// clash, otherwise an object keyed by path.
func sideValue(fields []contextstore.FieldClash, ours bool) *contextstore.Value {
	claim := func(f contextstore.FieldClash) contextstore.Claim {
		if ours {
			return f.Ours
		}
		return f.Theirs
	}
	if len(fields) == 1 {
		return claim(fields[0]).Value
	}
	obj := make(map[string]contextstore.Value, len(fields))
	for _, f := range fields {
		if cl := claim(f); !cl.Removed && cl.Value != nil {
			obj[f.Path] = *cl.Value
		}
	}
	v := contextstore.Object(obj)
	return &v
}

func (e *Engine) newConflict(cat Category, domain types.Domain, subject string, positions []Position, mergeable bool) *Conflict {
	now := e.now()
	c := &Conflict{
		ID:        uuid.NewString(),
		Category:  cat,
		Domain:    domain,
		Subject:   subject,
		Mergeable: mergeable,
		Status:    StatusDetected,
		CreatedAt: now,
		UpdatedAt: now,
	}
	seen := make(map[string]bool)
	for _, p := range positions {
		if p.Priority == "" {
			p.Priority = types.PriorityMedium
		}
		p.Confidence = types.ClampUnit(p.Confidence)
		c.Positions = append(c.Positions, p)
		if !seen[p.AgentID] {
			seen[p.AgentID] = true
			c.Agents = append(c.Agents, p.AgentID)
		}
	}
	c.Severity = SeverityFromConfidence(c.MeanConfidence())
	return c
}

func (e *Engine) register(ctx context.Context, c *Conflict) {
	e.mu.Lock()
	e.conflicts[c.ID] = &entry{c: c}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordConflictDetected(string(c.Category), string(c.Severity))
	}
	e.logger.Info("conflict detected",
		zap.String("conflict_id", c.ID),
		zap.String("category", string(c.Category)),
		zap.String("severity", string(c.Severity)),
		zap.String("domain", string(c.Domain)),
		zap.Strings("agents", c.Agents),
	)
	e.audit(ctx, c)
	e.emit(c, "detected", map[string]any{"category": string(c.Category), "severity": string(c.Severity)})
}

// =============================================================================
// Queries
// =============================================================================

func (e *Engine) lookup(id string) (*entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.conflicts[id]
	if !ok {
		return nil, types.NewNotFoundError("conflict", id)
	}
	return en, nil
}

// Get returns a snapshot of a conflict.
func (e *Engine) Get(id string) (*Conflict, error) {
	en, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.c.clone(), nil
}

// List returns conflicts in the given statuses (all when empty), oldest first.
func (e *Engine) List(statuses ...Status) []*Conflict {
	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	e.mu.RLock()
	entries := make([]*entry, 0, len(e.conflicts))
	for _, en := range e.conflicts {
		entries = append(entries, en)
	}
	e.mu.RUnlock()

	var out []*Conflict
	for _, en := range entries {
		en.mu.Lock()
		if len(want) == 0 || want[en.c.Status] {
			out = append(out, en.c.clone())
		}
		en.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// =============================================================================
// Resolution
// =============================================================================

// Select returns the strategy the table (adjusted by learning) picks for c.
func (e *Engine) Select(c *Conflict) StrategyName {
	selected := e.table.lookup(c)
	if c.Severity == SeverityCritical {
		return selected
	}
	switch selected {
	case StrategyPriority, StrategyExpertise, StrategyAutoMerge:
		candidates := []StrategyName{StrategyPriority, StrategyExpertise}
		if c.Mergeable {
			candidates = append(candidates, StrategyAutoMerge)
		}
		return e.learner.Prefer(c.Category, c.Domain, selected, candidates)
	}
	return selected
}

func startLevel(s StrategyName) escalation.Level {
	switch s {
	case StrategyConsensus:
		return escalation.LevelConsensus
	case StrategyArbitration:
		return escalation.LevelArbitration
	case StrategyDeputy:
		return escalation.LevelDeputy
	case StrategyTieBreak:
		return escalation.LevelTieBreak
	}
	return escalation.LevelStrategy
}

func (e *Engine) strategyAt(level escalation.Level, selected StrategyName) StrategyName {
	switch level {
	case escalation.LevelConsensus:
		return StrategyConsensus
	case escalation.LevelArbitration:
		return StrategyArbitration
	case escalation.LevelDeputy:
		return StrategyDeputy
	case escalation.LevelTieBreak:
		return StrategyTieBreak
	}
	return selected
}

// Resolve runs the escalation ladder for a conflict: the selected strategy,
// then consensus, orchestrator arbitration, deputy arbitration and finally
// the fixed tie-break. A conflict that exhausts the ladder ends escalated.
func (e *Engine) Resolve(ctx context.Context, id string) (*Conflict, error) {
	ctx, span := e.tracer.Start(ctx, "conflict.Resolve", trace.WithAttributes(attribute.String("conflict_id", id)))

	c, err := e.resolve(ctx, id)
	telemetry.EndSpan(span, err)
	return c, err
}

func (e *Engine) resolve(ctx context.Context, id string) (*Conflict, error) {
	en, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	c := en.c
	if c.Status.IsTerminal() {
		return c.clone(), types.NewTransitionError(id, string(c.Status), string(StatusResolving))
	}

	e.transition(c, StatusAnalyzing, nil)
	selected := e.Select(c)
	c.Strategy = selected

	ceiling := escalation.Ceiling
	if !e.cfg.TieBreak {
		ceiling = escalation.LevelDeputy
	}
	ladder := escalation.New(startLevel(selected), ceiling)
	e.transition(c, StatusResolving, map[string]any{"strategy": string(selected), "level": ladder.Level().String()})

	var outcome *Outcome
	var used StrategyName
	level, climbErr := ladder.Climb(ctx, func(ctx context.Context, level escalation.Level) (bool, string, error) {
		name := e.strategyAt(level, selected)
		s, ok := e.strategy(name)
		if !ok {
			return false, fmt.Sprintf("strategy %s not registered", name), nil
		}
		out, err := s.Resolve(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return false, "", err
			}
			reason := fmt.Sprintf("%s: %v", level, err)
			c.Escalation = append(c.Escalation, reason)
			if level == escalation.LevelStrategy {
				e.learner.Observe(c.Category, c.Domain, name, 0)
			}
			e.logger.Debug("escalating conflict",
				zap.String("conflict_id", c.ID),
				zap.String("level", level.String()),
				zap.Error(err),
			)
			e.emit(c, "escalation_step", map[string]any{"level": level.String(), "reason": err.Error()})
			return false, reason, nil
		}
		outcome, used = out, name
		return true, "", nil
	})

	if climbErr != nil {
		if errors.Is(climbErr, escalation.ErrCeilingReached) {
			return e.escalate(ctx, c, level), nil
		}
		// Cancelled mid-climb: return to detected so the conflict can be retried.
		e.transition(c, StatusDetected, map[string]any{"reason": climbErr.Error()})
		return c.clone(), climbErr
	}
	return e.settle(ctx, c, outcome, used, level)
}

// settle attaches the resolution and feeds context clashes back to the store.
func (e *Engine) settle(ctx context.Context, c *Conflict, out *Outcome, used StrategyName, level escalation.Level) (*Conflict, error) {
	res := &Resolution{
		Strategy:   used,
		Level:      level.String(),
		Rationale:  out.Rationale,
		Acceptance: make(map[string]bool, len(c.Agents)),
		ResolvedBy: out.ResolvedBy,
		ResolvedAt: e.now(),
		winner:     out.Winner,
	}
	if out.Winner >= 0 {
		w := c.Positions[out.Winner]
		res.WinnerAgent = w.AgentID
		res.WinningValue = w.Value
		if out.Value != nil {
			res.WinningValue = out.Value
		}
	} else {
		res.WinningValue = out.Value
	}
	for _, p := range c.Positions {
		accepted := false
		if res.WinningValue != nil && p.Value != nil {
			accepted = p.Value.Equal(*res.WinningValue)
		} else if res.WinningValue == nil && p.Value == nil {
			accepted = true
		}
		if out.Winner < 0 && c.Mergeable {
			accepted = true
		}
		res.Acceptance[p.AgentID] = res.Acceptance[p.AgentID] || accepted
	}

	if c.PendingID != "" {
		if pr := e.pendingResolver(); pr != nil {
			v, err := pr.ResolvePending(ctx, c.PendingID, contextstore.Resolution{
				Winners:  contextWinners(c, res),
				Resolver: res.ResolvedBy,
			})
			if err != nil {
				e.logger.Warn("applying context resolution failed",
					zap.String("conflict_id", c.ID),
					zap.String("pending_id", c.PendingID),
					zap.Error(err),
				)
				c.Escalation = append(c.Escalation, fmt.Sprintf("apply: %v", err))
				return e.escalate(ctx, c, level), nil
			}
			res.Rationale = fmt.Sprintf("%s; committed as version %s", res.Rationale, v.ID)
		}
	}

	c.Resolution = res
	e.learner.Observe(c.Category, c.Domain, used, acceptanceRatio(res.Acceptance))
	if e.metrics != nil {
		e.metrics.RecordConflictResolved(string(c.Category), string(used), string(StatusResolved))
	}
	e.logger.Info("conflict resolved",
		zap.String("conflict_id", c.ID),
		zap.String("strategy", string(used)),
		zap.String("level", res.Level),
		zap.String("winner", res.WinnerAgent),
	)
	e.transition(c, StatusResolved, map[string]any{
		"strategy": string(used),
		"level":    res.Level,
		"winner":   res.WinnerAgent,
	})
	return c.clone(), nil
}

// contextWinners maps every clashing path to the winning side's value.
func contextWinners(c *Conflict, res *Resolution) map[string]*contextstore.Value {
	winners := make(map[string]*contextstore.Value, len(c.Fields))
	for _, f := range c.Fields {
		switch {
		case res.winner == 0:
			winners[f.Path] = claimValue(f.Ours)
		case res.winner == 1:
			winners[f.Path] = claimValue(f.Theirs)
		case len(c.Fields) == 1:
			winners[f.Path] = res.WinningValue
		case res.WinningValue != nil:
			if v, ok := res.WinningValue.Field(f.Path); ok {
				winners[f.Path] = &v
			}
		}
	}
	return winners
}

func claimValue(cl contextstore.Claim) *contextstore.Value {
	if cl.Removed {
		return nil
	}
	return cl.Value
}

func acceptanceRatio(acc map[string]bool) float64 {
	if len(acc) == 0 {
		return 0
	}
	n := 0
	for _, ok := range acc {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(acc))
}

func (e *Engine) escalate(ctx context.Context, c *Conflict, level escalation.Level) *Conflict {
	reason := "escalation ceiling reached"
	if n := len(c.Escalation); n > 0 {
		reason = fmt.Sprintf("%s at %s: %s", reason, level, c.Escalation[n-1])
	}
	c.Reason = reason
	if e.metrics != nil {
		e.metrics.RecordConflictResolved(string(c.Category), string(c.Strategy), string(StatusEscalated))
	}
	e.logger.Warn("conflict escalated without resolution",
		zap.String("conflict_id", c.ID),
		zap.String("reason", reason),
	)
	e.transition(c, StatusEscalated, map[string]any{"reason": reason})
	return c.clone()
}

// Dismiss closes a conflict without resolution. A held context write is dropped.
func (e *Engine) Dismiss(ctx context.Context, id, reason string) (*Conflict, error) {
	en, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	c := en.c
	if c.Status.IsTerminal() {
		return c.clone(), types.NewTransitionError(id, string(c.Status), string(StatusDismissed))
	}
	if reason == "" {
		reason = "dismissed"
	}
	if c.PendingID != "" {
		if pr := e.pendingResolver(); pr != nil {
			if err := pr.DropPending(c.PendingID, reason); err != nil {
				e.logger.Warn("dropping pending write failed", zap.String("pending_id", c.PendingID), zap.Error(err))
			}
		}
	}
	c.Reason = reason
	if e.metrics != nil {
		e.metrics.RecordConflictResolved(string(c.Category), string(c.Strategy), string(StatusDismissed))
	}
	e.transition(c, StatusDismissed, map[string]any{"reason": reason})
	return c.clone(), nil
}

func (e *Engine) transition(c *Conflict, to Status, attrs map[string]any) {
	from := c.Status
	c.Status = to
	c.UpdatedAt = e.now()
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs["from"] = string(from)
	e.audit(context.Background(), c)
	e.emit(c, string(to), attrs)
}

func (e *Engine) audit(ctx context.Context, c *Conflict) {
	if e.records == nil {
		return
	}
	rec, err := persistence.NewRecord(persistence.KindConflict, c.ID, string(c.Status), c.Reason, c)
	if err == nil {
		err = e.records.Put(ctx, rec)
	}
	if err != nil {
		e.logger.Warn("conflict audit write failed", zap.String("conflict_id", c.ID), zap.Error(err))
	}
}

func (e *Engine) emit(c *Conflict, eventType string, attrs map[string]any) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs["category"] = string(c.Category)
	e.sink.Emit(types.NewEvent(types.ComponentConflict, c.ID, eventType, attrs))
}

// Wait blocks until background resolutions finish.
func (e *Engine) Wait() { e.wg.Wait() }
