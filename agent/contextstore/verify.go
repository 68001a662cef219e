package contextstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"go.uber.org/zap"
)

// Verify replays the change set of versionID over its parent and checks that
// the result reproduces the recorded checksum.
func (s *Store) Verify(contextID, versionID string) error {
	cs, err := s.state(contextID)
	if err != nil {
		return err
	}
	v, ok := cs.version(versionID)
	if !ok {
		return types.NewNotFoundError("version", versionID)
	}
	parent := NewTree()
	if v.ParentID != "" {
		p, ok := cs.version(v.ParentID)
		if !ok {
			return types.NewNotFoundError("version", v.ParentID)
		}
		parent = p.tree
	}
	replayed, err := parent.Apply(v.Changes)
	if err != nil {
		return fmt.Errorf("replay %s: %w", versionID, err)
	}
	if sum := replayed.Checksum(); sum != v.Checksum || sum != v.tree.Checksum() {
		return types.NewError(types.ErrInternal, fmt.Sprintf("checksum mismatch for version %s", versionID)).
			WithEntity(versionID)
	}
	return nil
}

// History returns the retained versions of contextID in creation order.
func (s *Store) History(contextID string) ([]*Version, error) {
	cs, err := s.state(contextID)
	if err != nil {
		return nil, err
	}
	var out []*Version
	cs.versions.Range(func(_, v any) bool {
		out = append(out, v.(*Version))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Recover rebuilds contextID from the version log, verifying every checksum.
// The version with the highest sequence becomes head.
func (s *Store) Recover(ctx context.Context, contextID string) (*Version, error) {
	if s.versionLog == nil {
		return nil, types.NewValidationError("no version log configured")
	}
	if _, err := s.state(contextID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrContextExists, contextID)
	}
	records, err := s.versionLog.Load(ctx, contextID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, types.NewNotFoundError("context", contextID)
	}

	cs := &contextState{
		id:      contextID,
		pins:    make(map[string]int),
		pending: make(map[string]*PendingWrite),
		subs:    make(map[string]*subscription),
		waiting: make(map[int64]*Version),
	}
	cs.status.Store(StatusActive)

	var head *Version
	for _, rec := range records {
		changes, err := decodeChangeSet(rec.ChangeSet)
		if err != nil {
			return nil, fmt.Errorf("decode version %s: %w", rec.VersionID, err)
		}
		parent := NewTree()
		if rec.ParentID != "" {
			p, ok := cs.version(rec.ParentID)
			if !ok {
				return nil, types.NewNotFoundError("version", rec.ParentID)
			}
			parent = p.tree
		}
		tree, err := parent.Apply(changes)
		if err != nil {
			return nil, fmt.Errorf("replay version %s: %w", rec.VersionID, err)
		}
		if tree.Checksum() != rec.Checksum {
			return nil, types.NewError(types.ErrInternal, "checksum mismatch during recovery").WithEntity(rec.VersionID)
		}
		v := &Version{
			ID:         rec.VersionID,
			ContextID:  contextID,
			ParentID:   rec.ParentID,
			MergedFrom: rec.MergedFrom,
			Author:     rec.Author,
			Changes:    changes,
			Checksum:   rec.Checksum,
			Seq:        rec.Seq,
			CreatedAt:  rec.CreatedAt,
			tree:       tree,
		}
		cs.versions.Store(v.ID, v)
		s.versionIdx.Store(v.ID, contextID)
		if head == nil || v.Seq > head.Seq {
			head = v
		}
	}
	cs.head.Store(head)
	cs.published = head.Seq

	if _, loaded := s.contexts.LoadOrStore(contextID, cs); loaded {
		return nil, fmt.Errorf("%w: %s", ErrContextExists, contextID)
	}
	s.logger.Info("context recovered from version log",
		zap.String("context_id", contextID),
		zap.Int("versions", len(records)),
		zap.String("head", head.ID),
	)
	s.emit(contextID, head.ID, "context_recovered", map[string]any{"versions": len(records)})
	return head, nil
}
