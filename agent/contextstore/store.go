package contextstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/monitor"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/persistence"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/metrics"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/telemetry"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config controls retention, merging and subscription delivery.
type Config struct {
	Retention       time.Duration `json:"retention" yaml:"retention"`
	GCInterval      time.Duration `json:"gc_interval" yaml:"gc_interval"`
	BudgetPrefixes  []string      `json:"budget_prefixes" yaml:"budget_prefixes"`
	MaxRedeliveries int           `json:"max_redeliveries" yaml:"max_redeliveries"`
	RedeliveryDelay time.Duration `json:"redelivery_delay" yaml:"redelivery_delay"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Retention:       24 * time.Hour,
		GCInterval:      10 * time.Minute,
		BudgetPrefixes:  []string{"performance.budget."},
		MaxRedeliveries: 3,
		RedeliveryDelay: 50 * time.Millisecond,
	}
}

// Option configures a Store.
type Option func(*Store)

// WithSink sets the monitoring sink.
func WithSink(sink monitor.Sink) Option { return func(s *Store) { s.sink = monitor.OrNop(sink) } }

// WithMetrics sets the prometheus collector.
func WithMetrics(c *metrics.Collector) Option { return func(s *Store) { s.metrics = c } }

// WithVersionLog appends every committed version to log.
func WithVersionLog(log persistence.VersionLog) Option {
	return func(s *Store) { s.versionLog = log }
}

// WithConflictReporter sets the reporter invoked on overlapping writes.
func WithConflictReporter(r ConflictReporter) Option {
	return func(s *Store) { s.SetConflictReporter(r) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

type reporterBox struct{ r ConflictReporter }

// contextState holds one shared context. The head pointer is swapped with
// compare-and-swap; mu guards pins, pending writes, subscribers and the
// publish cursor only.
type contextState struct {
	id       string
	head     atomic.Pointer[Version]
	status   atomic.Value
	versions sync.Map // version id -> *Version

	mu        sync.Mutex
	pins      map[string]int
	pending   map[string]*PendingWrite
	subs      map[string]*subscription
	published int64
	waiting   map[int64]*Version
}

func (cs *contextState) version(id string) (*Version, bool) {
	if v, ok := cs.versions.Load(id); ok {
		return v.(*Version), true
	}
	// a freshly committed head is indexed right after its CAS
	if h := cs.head.Load(); h != nil && h.ID == id {
		return h, true
	}
	return nil, false
}

func (cs *contextState) getStatus() Status {
	return cs.status.Load().(Status)
}

// Store is the versioned shared context store.
type Store struct {
	cfg        Config
	contexts   sync.Map // context id -> *contextState
	versionIdx sync.Map // version id -> context id
	pendingIdx sync.Map // pending id -> context id
	subIdx     sync.Map // subscription id -> *subscription
	reporter   atomic.Pointer[reporterBox]
	versionLog persistence.VersionLog
	sink       monitor.Sink
	metrics    *metrics.Collector
	tracer     trace.Tracer
	now        func() time.Time
	logger     *zap.Logger

	closeOnce sync.Once
	stop      chan struct{}
}

// New creates a Store.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = def.GCInterval
	}
	if cfg.MaxRedeliveries < 0 {
		cfg.MaxRedeliveries = 0
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = def.RedeliveryDelay
	}
	s := &Store{
		cfg:    cfg,
		sink:   monitor.Nop,
		tracer: telemetry.Tracer("agent/contextstore"),
		now:    time.Now,
		logger: logger.With(zap.String("component", "context_store")),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetConflictReporter installs the conflict reporter after construction.
func (s *Store) SetConflictReporter(r ConflictReporter) {
	s.reporter.Store(&reporterBox{r: r})
}

func (s *Store) conflictReporter() ConflictReporter {
	if b := s.reporter.Load(); b != nil {
		return b.r
	}
	return nil
}

func (s *Store) state(contextID string) (*contextState, error) {
	v, ok := s.contexts.Load(contextID)
	if !ok {
		return nil, types.NewNotFoundError("context", contextID)
	}
	return v.(*contextState), nil
}

func (s *Store) emit(contextID, entityID, eventType string, attrs map[string]any) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs["context_id"] = contextID
	s.sink.Emit(types.NewEvent(types.ComponentContext, entityID, eventType, attrs))
}

// =============================================================================
// Create / Read
// =============================================================================

// Create registers a new context whose root version applies initial to an empty tree.
func (s *Store) Create(ctx context.Context, contextID string, initial ChangeSet, author string) (*Version, error) {
	if contextID == "" {
		return nil, types.NewValidationError("context_id is required")
	}
	if author == "" {
		return nil, types.NewValidationError("author is required")
	}
	tree, err := NewTree().Apply(initial)
	if err != nil {
		return nil, err
	}

	cs := &contextState{
		id:        contextID,
		pins:      make(map[string]int),
		pending:   make(map[string]*PendingWrite),
		subs:      make(map[string]*subscription),
		published: -1,
		waiting:   make(map[int64]*Version),
	}
	cs.status.Store(StatusActive)

	root := &Version{
		ID:        uuid.NewString(),
		ContextID: contextID,
		Author:    author,
		Changes:   fillOld(NewTree(), initial),
		Checksum:  tree.Checksum(),
		Seq:       0,
		CreatedAt: s.now(),
		tree:      tree,
	}
	cs.versions.Store(root.ID, root)
	cs.head.Store(root)
	// publish only once the head is set
	if _, loaded := s.contexts.LoadOrStore(contextID, cs); loaded {
		return nil, fmt.Errorf("%w: %s", ErrContextExists, contextID)
	}
	s.afterCommit(ctx, cs, root, "context_created")
	return root, nil
}

// Read returns the head snapshot when versionID is empty, otherwise the
// named version. It never blocks on writers.
func (s *Store) Read(contextID, versionID string) (*Snapshot, error) {
	cs, err := s.state(contextID)
	if err != nil {
		return nil, err
	}
	v := cs.head.Load()
	if versionID != "" {
		var ok bool
		if v, ok = cs.version(versionID); !ok {
			return nil, types.NewNotFoundError("version", versionID)
		}
	}
	return &Snapshot{
		ContextID: contextID,
		VersionID: v.ID,
		Checksum:  v.Checksum,
		Status:    cs.getStatus(),
		Seq:       v.Seq,
		Author:    v.Author,
		UpdatedAt: v.CreatedAt,
		Tree:      v.tree,
	}, nil
}

// Head returns the head version of contextID.
func (s *Store) Head(contextID string) (*Version, error) {
	cs, err := s.state(contextID)
	if err != nil {
		return nil, err
	}
	return cs.head.Load(), nil
}

// Version looks up a version by id across all contexts.
func (s *Store) Version(versionID string) (*Version, error) {
	cid, ok := s.versionIdx.Load(versionID)
	if !ok {
		return nil, types.NewNotFoundError("version", versionID)
	}
	cs, err := s.state(cid.(string))
	if err != nil {
		return nil, err
	}
	v, ok := cs.version(versionID)
	if !ok {
		return nil, types.NewNotFoundError("version", versionID)
	}
	return v, nil
}

// HasVersion reports whether versionID exists in any context.
func (s *Store) HasVersion(versionID string) bool {
	_, err := s.Version(versionID)
	return err == nil
}

// Contexts lists known context ids in sorted order.
func (s *Store) Contexts() []string {
	var ids []string
	s.contexts.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// SetStatus archives, locks or reactivates a context. Only active contexts accept writes.
func (s *Store) SetStatus(contextID string, status Status) error {
	switch status {
	case StatusActive, StatusArchived, StatusLocked:
	default:
		return types.NewValidationError("unknown context status %q", status)
	}
	cs, err := s.state(contextID)
	if err != nil {
		return err
	}
	prev := cs.getStatus()
	cs.status.Store(status)
	s.emit(contextID, contextID, "status_changed", map[string]any{"from": string(prev), "to": string(status)})
	return nil
}

// =============================================================================
// Write
// =============================================================================

// Write applies req.Changes on top of req.BaseVersionID.
//
// When the base is still the head the new version is swapped in directly.
// When the head has moved, both branches are diffed against their common
// ancestor: disjoint edits are merged into one version, identical edits are
// absorbed, and budget paths keep the stricter (smaller) number. Any other
// overlap holds the write as pending, reports a context-value conflict and
// returns a CONFLICT error wrapping *PendingError.
func (s *Store) Write(ctx context.Context, req WriteRequest) (*Version, error) {
	ctx, span := s.tracer.Start(ctx, "contextstore.Write", trace.WithAttributes(
		attribute.String("context_id", req.ContextID),
		attribute.String("author", req.Author),
		attribute.Int("changes", len(req.Changes)),
	))

	v, err := s.write(ctx, req)
	telemetry.EndSpan(span, err)
	return v, err
}

func (s *Store) write(ctx context.Context, req WriteRequest) (*Version, error) {
	if req.ContextID == "" || req.BaseVersionID == "" || req.Author == "" {
		return nil, types.NewValidationError("context_id, base_version_id and author are required")
	}
	if len(req.Changes) == 0 {
		return nil, types.NewValidationError("change set is empty")
	}
	if req.Priority == "" {
		req.Priority = types.PriorityMedium
	}
	if req.Confidence <= 0 {
		req.Confidence = DefaultConfidence
	}
	req.Confidence = types.ClampUnit(req.Confidence)

	cs, err := s.state(req.ContextID)
	if err != nil {
		return nil, err
	}
	if st := cs.getStatus(); st != StatusActive {
		return nil, types.NewPermissionError("context %s is %s", req.ContextID, st)
	}
	base, ok := cs.version(req.BaseVersionID)
	if !ok {
		return nil, types.NewNotFoundError("version", req.BaseVersionID)
	}
	baseTree, err := base.tree.Apply(req.Changes)
	if err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		head := cs.head.Load()

		if head.ID == base.ID {
			v := s.newVersion(cs, head, req.Author, fillOld(head.tree, req.Changes), baseTree, "")
			v.Priority, v.Confidence = req.Priority, req.Confidence
			if s.commit(ctx, cs, head, v, "version_created") {
				return v, nil
			}
			continue
		}

		plan, err := s.planMerge(cs, base, head, baseTree)
		if err != nil {
			return nil, err
		}
		if len(plan.clashes) > 0 {
			return nil, s.holdPending(ctx, cs, req, base, head, plan)
		}
		if len(plan.changes) == 0 {
			// Every edit of this write is already present at head.
			return head, nil
		}
		tree, err := head.tree.Apply(plan.changes)
		if err != nil {
			return nil, err
		}
		v := s.newVersion(cs, head, req.Author, plan.changes, tree, base.ID)
		v.Priority, v.Confidence = req.Priority, req.Confidence
		if s.commit(ctx, cs, head, v, "version_merged") {
			s.logger.Debug("concurrent write merged",
				zap.String("context_id", cs.id),
				zap.String("version_id", v.ID),
				zap.String("merged_from", base.ID),
				zap.Int("budget_merges", plan.budgetMerges),
			)
			return v, nil
		}
	}
}

func (s *Store) newVersion(cs *contextState, parent *Version, author string, changes ChangeSet, tree *Tree, mergedFrom string) *Version {
	return &Version{
		ID:         uuid.NewString(),
		ContextID:  cs.id,
		ParentID:   parent.ID,
		MergedFrom: mergedFrom,
		Author:     author,
		Changes:    changes,
		Checksum:   tree.Checksum(),
		Seq:        parent.Seq + 1,
		CreatedAt:  s.now(),
		tree:       tree,
	}
}

// commit publishes v if head is still the current head pointer.
func (s *Store) commit(ctx context.Context, cs *contextState, head, v *Version, eventType string) bool {
	if !cs.head.CompareAndSwap(head, v) {
		return false
	}
	cs.versions.Store(v.ID, v)
	s.afterCommit(ctx, cs, v, eventType)
	return true
}

func (s *Store) afterCommit(ctx context.Context, cs *contextState, v *Version, eventType string) {
	s.versionIdx.Store(v.ID, cs.id)

	if s.versionLog != nil {
		if err := s.appendLog(ctx, v); err != nil {
			s.logger.Warn("version log append failed",
				zap.String("context_id", cs.id),
				zap.String("version_id", v.ID),
				zap.Error(err),
			)
		}
	}
	if s.metrics != nil {
		kind := "write"
		if v.MergedFrom != "" {
			kind = "merge"
		}
		s.metrics.RecordContextVersion(cs.id, kind)
	}
	s.publish(cs, v)
	s.emit(cs.id, v.ID, eventType, map[string]any{
		"author":   v.Author,
		"parent":   v.ParentID,
		"seq":      v.Seq,
		"checksum": v.Checksum,
		"changes":  len(v.Changes),
	})
}

func (s *Store) appendLog(ctx context.Context, v *Version) error {
	raw, err := encodeChangeSet(v.Changes)
	if err != nil {
		return err
	}
	return s.versionLog.Append(ctx, &persistence.VersionRecord{
		ContextID:  v.ContextID,
		VersionID:  v.ID,
		Seq:        v.Seq,
		ParentID:   v.ParentID,
		MergedFrom: v.MergedFrom,
		Author:     v.Author,
		Checksum:   v.Checksum,
		ChangeSet:  raw,
		CreatedAt:  v.CreatedAt,
	})
}

// fillOld copies cs with Old populated from tree.
func fillOld(tree *Tree, cs ChangeSet) ChangeSet {
	out := make(ChangeSet, len(cs))
	for i, c := range cs {
		if old, ok := tree.Get(c.Path); ok {
			old := old
			c.Old = &old
		} else {
			c.Old = nil
		}
		out[i] = c
	}
	return out
}

// Close stops subscriptions and the GC loop.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.subIdx.Range(func(_, v any) bool {
			v.(*subscription).cancel()
			return true
		})
	})
}
