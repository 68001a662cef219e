package contextstore

import (
	"context"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"go.uber.org/zap"
)

// Pin marks versionID as referenced by a live handoff; pinned versions and
// their ancestors survive garbage collection. Pins are counted.
func (s *Store) Pin(versionID string) error {
	cs, err := s.stateOfVersion(versionID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	cs.pins[versionID]++
	cs.mu.Unlock()
	return nil
}

// Unpin releases one pin of versionID.
func (s *Store) Unpin(versionID string) {
	cs, err := s.stateOfVersion(versionID)
	if err != nil {
		return
	}
	cs.mu.Lock()
	if n := cs.pins[versionID]; n <= 1 {
		delete(cs.pins, versionID)
	} else {
		cs.pins[versionID] = n - 1
	}
	cs.mu.Unlock()
}

func (s *Store) stateOfVersion(versionID string) (*contextState, error) {
	cid, ok := s.versionIdx.Load(versionID)
	if !ok {
		return nil, types.NewNotFoundError("version", versionID)
	}
	return s.state(cid.(string))
}

// Sweep deletes versions created before now minus the retention window,
// except branch heads, pinned versions and their ancestors, and versions a
// pending write refers to. It returns the number of versions removed.
func (s *Store) Sweep(now time.Time) int {
	cutoff := now.Add(-s.cfg.Retention)
	total := 0
	s.contexts.Range(func(_, v any) bool {
		total += s.sweepContext(v.(*contextState), cutoff)
		return true
	})
	return total
}

func (s *Store) sweepContext(cs *contextState, cutoff time.Time) int {
	keep := make(map[string]bool)
	head := cs.head.Load()
	keep[head.ID] = true

	cs.mu.Lock()
	pinned := make([]string, 0, len(cs.pins))
	for id := range cs.pins {
		pinned = append(pinned, id)
	}
	for _, pw := range cs.pending {
		keep[pw.Clash.BaseVersionID] = true
		keep[pw.Clash.HeadVersionID] = true
		keep[pw.Clash.AncestorVersionID] = true
	}
	cs.mu.Unlock()

	for _, id := range pinned {
		if v, ok := cs.version(id); ok {
			for aid := range ancestors(cs, v) {
				keep[aid] = true
			}
		}
	}

	hasChild := make(map[string]bool)
	var all []*Version
	cs.versions.Range(func(_, v any) bool {
		ver := v.(*Version)
		all = append(all, ver)
		if ver.ParentID != "" {
			hasChild[ver.ParentID] = true
		}
		if ver.MergedFrom != "" {
			hasChild[ver.MergedFrom] = true
		}
		return true
	})

	removed := 0
	for _, v := range all {
		if keep[v.ID] || !hasChild[v.ID] || !v.CreatedAt.Before(cutoff) {
			continue
		}
		cs.versions.Delete(v.ID)
		s.versionIdx.Delete(v.ID)
		removed++
	}
	if removed > 0 {
		s.logger.Info("context versions collected",
			zap.String("context_id", cs.id),
			zap.Int("removed", removed),
		)
		s.emit(cs.id, cs.id, "versions_collected", map[string]any{"removed": removed})
	}
	return removed
}

// Start runs Sweep every GC interval until ctx is done or the store is closed.
func (s *Store) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}
