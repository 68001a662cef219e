package contextstore

import (
	"context"
	"sort"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Claim is one side of a clashing field.
type Claim struct {
	AgentID    string         `json:"agent_id"`
	VersionID  string         `json:"version_id,omitempty"`
	Path       string         `json:"path"`
	Value      *Value         `json:"value,omitempty"`
	Removed    bool           `json:"removed,omitempty"`
	Priority   types.Priority `json:"priority"`
	Confidence float64        `json:"confidence"`
}

func (c *Claim) normalize() {
	if c.Priority == "" {
		c.Priority = types.PriorityMedium
	}
	if c.Confidence <= 0 {
		c.Confidence = DefaultConfidence
	}
}

// FieldClash is a path edited incompatibly by two branches.
type FieldClash struct {
	Path   string       `json:"path"`
	Domain types.Domain `json:"domain"`
	Ours   Claim        `json:"ours"`
	Theirs Claim        `json:"theirs"`
}

// Clash is passed to the conflict reporter when a write is held.
type Clash struct {
	ContextID         string       `json:"context_id"`
	PendingID         string       `json:"pending_id"`
	BaseVersionID     string       `json:"base_version_id"`
	HeadVersionID     string       `json:"head_version_id"`
	AncestorVersionID string       `json:"ancestor_version_id"`
	Fields            []FieldClash `json:"fields"`
}

// ConflictReporter raises a context-value conflict for a held write and
// returns the conflict id.
type ConflictReporter interface {
	ReportContextConflict(ctx context.Context, clash Clash) (string, error)
}

// PendingWrite is a write held until its conflict is resolved.
type PendingWrite struct {
	ID         string    `json:"pending_id"`
	ContextID  string    `json:"context_id"`
	ConflictID string    `json:"conflict_id,omitempty"`
	Author     string    `json:"author"`
	Clash      Clash     `json:"clash"`
	Changes    ChangeSet `json:"changes"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Store) holdPending(ctx context.Context, cs *contextState, req WriteRequest, base, head *Version, plan *mergePlan) error {
	pw := &PendingWrite{
		ID:        uuid.NewString(),
		ContextID: cs.id,
		Author:    req.Author,
		Changes:   plan.mine,
		CreatedAt: s.now(),
	}
	for i := range plan.clashes {
		fc := &plan.clashes[i]
		fc.Ours.AgentID = req.Author
		fc.Ours.VersionID = base.ID
		fc.Ours.Priority = req.Priority
		fc.Ours.Confidence = req.Confidence
		fc.Ours.normalize()
		fc.Theirs.normalize()
	}
	pw.Clash = Clash{
		ContextID:         cs.id,
		PendingID:         pw.ID,
		BaseVersionID:     base.ID,
		HeadVersionID:     head.ID,
		AncestorVersionID: plan.ancestor.ID,
		Fields:            plan.clashes,
	}

	cs.mu.Lock()
	cs.pending[pw.ID] = pw
	n := len(cs.pending)
	cs.mu.Unlock()
	s.pendingIdx.Store(pw.ID, cs.id)
	if s.metrics != nil {
		s.metrics.SetPendingWrites(cs.id, n)
	}

	if r := s.conflictReporter(); r != nil {
		conflictID, err := r.ReportContextConflict(ctx, pw.Clash)
		if err != nil {
			s.logger.Warn("conflict report failed", zap.String("pending_id", pw.ID), zap.Error(err))
		} else {
			cs.mu.Lock()
			pw.ConflictID = conflictID
			cs.mu.Unlock()
		}
	}

	paths := make([]string, 0, len(plan.clashes))
	for _, fc := range plan.clashes {
		paths = append(paths, fc.Path)
	}
	s.logger.Info("write held pending conflict resolution",
		zap.String("context_id", cs.id),
		zap.String("pending_id", pw.ID),
		zap.String("conflict_id", pw.ConflictID),
		zap.Strings("paths", paths),
	)
	s.emit(cs.id, pw.ID, "write_pending", map[string]any{
		"author":      req.Author,
		"conflict_id": pw.ConflictID,
		"paths":       paths,
	})

	return types.NewConflictError(pw.ConflictID, "write to %s clashes on %v", cs.id, paths).
		WithCause(&PendingError{PendingID: pw.ID, ConflictID: pw.ConflictID})
}

func (s *Store) takePending(pendingID string) (*contextState, *PendingWrite, error) {
	cid, ok := s.pendingIdx.Load(pendingID)
	if !ok {
		return nil, nil, types.NewNotFoundError("pending write", pendingID)
	}
	cs, err := s.state(cid.(string))
	if err != nil {
		return nil, nil, err
	}
	cs.mu.Lock()
	pw, ok := cs.pending[pendingID]
	if ok {
		delete(cs.pending, pendingID)
	}
	n := len(cs.pending)
	cs.mu.Unlock()
	if !ok {
		return nil, nil, types.NewNotFoundError("pending write", pendingID)
	}
	s.pendingIdx.Delete(pendingID)
	if s.metrics != nil {
		s.metrics.SetPendingWrites(cs.id, n)
	}
	return cs, pw, nil
}

// Resolution settles a pending write. Winners maps clashing paths to the
// winning value; a nil value removes the path. Clashing paths absent from
// Winners keep the head value.
type Resolution struct {
	Winners  map[string]*Value
	Resolver string
}

// ResolvePending commits the held write's non-clashing edits together with
// the winning values as a new head version.
func (s *Store) ResolvePending(ctx context.Context, pendingID string, res Resolution) (*Version, error) {
	cs, pw, err := s.takePending(pendingID)
	if err != nil {
		return nil, err
	}

	clashing := make(map[string]bool, len(pw.Clash.Fields))
	for _, fc := range pw.Clash.Fields {
		clashing[fc.Path] = true
	}
	var desired ChangeSet
	for _, c := range pw.Changes {
		if !clashing[c.Path] {
			desired = append(desired, c)
		}
	}
	paths := make([]string, 0, len(res.Winners))
	for p := range res.Winners {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if v := res.Winners[p]; v != nil {
			desired = append(desired, Set(p, *v))
		} else {
			desired = append(desired, Remove(p))
		}
	}

	author := res.Resolver
	if author == "" {
		author = pw.Author
	}

	for {
		head := cs.head.Load()
		var changes ChangeSet
		tree := head.tree
		for _, c := range desired {
			rc, ok := relativeTo(tree, c)
			if !ok {
				continue
			}
			next, err := tree.Apply(ChangeSet{rc})
			if err != nil {
				return nil, err
			}
			tree = next
			changes = append(changes, rc)
		}
		if len(changes) == 0 {
			s.emit(cs.id, pw.ID, "pending_resolved", map[string]any{"conflict_id": pw.ConflictID, "version_id": head.ID, "noop": true})
			return head, nil
		}
		v := s.newVersion(cs, head, author, changes, tree, pw.Clash.BaseVersionID)
		if s.commit(ctx, cs, head, v, "version_merged") {
			s.emit(cs.id, pw.ID, "pending_resolved", map[string]any{"conflict_id": pw.ConflictID, "version_id": v.ID})
			return v, nil
		}
	}
}

// DropPending discards a held write, for example when its conflict is dismissed.
func (s *Store) DropPending(pendingID, reason string) error {
	cs, pw, err := s.takePending(pendingID)
	if err != nil {
		return err
	}
	s.logger.Info("pending write dropped",
		zap.String("pending_id", pendingID),
		zap.String("reason", reason),
	)
	s.emit(cs.id, pw.ID, "pending_dropped", map[string]any{"conflict_id": pw.ConflictID, "reason": reason})
	return nil
}

// Pending lists held writes of contextID ordered by creation time.
func (s *Store) Pending(contextID string) ([]PendingWrite, error) {
	cs, err := s.state(contextID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	out := make([]PendingWrite, 0, len(cs.pending))
	for _, pw := range cs.pending {
		out = append(out, *pw)
	}
	cs.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
