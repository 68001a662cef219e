package contextstore

import (
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
)

// mergePlan is the outcome of comparing a stale write against the head.
type mergePlan struct {
	ancestor     *Version
	mine         ChangeSet // ancestor-relative effect of the write
	changes      ChangeSet // head-relative changes to commit
	clashes      []FieldClash
	budgetMerges int
}

func (s *Store) isBudget(path string) bool {
	for _, prefix := range s.cfg.BudgetPrefixes {
		if HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (s *Store) planMerge(cs *contextState, base, head *Version, baseTree *Tree) (*mergePlan, error) {
	anc, err := commonAncestor(cs, base, head)
	if err != nil {
		return nil, err
	}
	plan := &mergePlan{
		ancestor: anc,
		mine:     Diff(anc.tree, baseTree),
	}
	theirs := Diff(anc.tree, head.tree)

	for _, m := range plan.mine {
		var overlapping []Change
		for _, t := range theirs {
			if Overlaps(m.Path, t.Path) {
				overlapping = append(overlapping, t)
			}
		}
		if len(overlapping) == 0 {
			if c, ok := relativeTo(head.tree, m); ok {
				plan.changes = append(plan.changes, c)
			}
			continue
		}

		if len(overlapping) == 1 && overlapping[0].Path == m.Path {
			t := overlapping[0]
			if sameOutcome(m, t) {
				continue
			}
			if stricter, ok := s.stricterBudget(m, t); ok {
				plan.budgetMerges++
				if c, ok := relativeTo(head.tree, Set(m.Path, stricter)); ok {
					plan.changes = append(plan.changes, c)
				}
				continue
			}
		}

		for _, t := range overlapping {
			plan.clashes = append(plan.clashes, FieldClash{
				Path:   m.Path,
				Domain: SectionOf(m.Path),
				Ours:   Claim{Path: m.Path, Value: m.New, Removed: m.Op == OpRemove},
				Theirs: lastClaim(cs, head, anc, t),
			})
		}
	}
	return plan, nil
}

// stricterBudget merges two numeric edits of a budget path by keeping the minimum.
func (s *Store) stricterBudget(m, t Change) (Value, bool) {
	if !s.isBudget(m.Path) || m.New == nil || t.New == nil {
		return Value{}, false
	}
	a, ok1 := m.New.AsNumber()
	b, ok2 := t.New.AsNumber()
	if !ok1 || !ok2 {
		return Value{}, false
	}
	if a < b {
		return Number(a), true
	}
	return Number(b), true
}

func sameOutcome(a, b Change) bool {
	if a.Op == OpRemove || b.Op == OpRemove {
		return a.Op == b.Op
	}
	return a.New != nil && b.New != nil && a.New.Equal(*b.New)
}

// relativeTo rewrites an ancestor-relative leaf change against tree. The
// second result is false when the change is already satisfied.
func relativeTo(tree *Tree, c Change) (Change, bool) {
	cur, exists := tree.Get(c.Path)
	if c.Op == OpRemove {
		if !exists {
			return Change{}, false
		}
		return Change{Path: c.Path, Op: OpRemove, Old: &cur}, true
	}
	if exists {
		if cur.Equal(*c.New) {
			return Change{}, false
		}
		return Change{Path: c.Path, Op: OpReplace, Old: &cur, New: c.New}, true
	}
	return Change{Path: c.Path, Op: OpAdd, New: c.New}, true
}

// commonAncestor returns the shared ancestor of a and b with the highest
// sequence number, following both parent and merged-from edges.
func commonAncestor(cs *contextState, a, b *Version) (*Version, error) {
	seen := ancestors(cs, a)
	var best *Version
	for id, v := range ancestors(cs, b) {
		if _, ok := seen[id]; ok && (best == nil || v.Seq > best.Seq) {
			best = v
		}
	}
	if best == nil {
		return nil, types.NewValidationError("versions %s and %s share no retained ancestor", a.ID, b.ID)
	}
	return best, nil
}

func ancestors(cs *contextState, v *Version) map[string]*Version {
	out := map[string]*Version{v.ID: v}
	queue := []*Version{v}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, id := range []string{cur.ParentID, cur.MergedFrom} {
			if id == "" {
				continue
			}
			if _, done := out[id]; done {
				continue
			}
			if p, ok := cs.version(id); ok {
				out[id] = p
				queue = append(queue, p)
			}
		}
	}
	return out
}

// lastClaim finds the newest version between head and anc that touched the
// path of t and returns its author's claim.
func lastClaim(cs *contextState, head, anc *Version, t Change) Claim {
	claim := Claim{Path: t.Path, Value: t.New, Removed: t.Op == OpRemove}
	for v := head; v != nil && v.ID != anc.ID; {
		for _, c := range v.Changes {
			if Overlaps(c.Path, t.Path) {
				claim.AgentID = v.Author
				claim.VersionID = v.ID
				claim.Priority = v.Priority
				claim.Confidence = v.Confidence
				return claim
			}
		}
		p, ok := cs.version(v.ParentID)
		if !ok {
			break
		}
		v = p
	}
	claim.AgentID = head.Author
	claim.VersionID = head.ID
	claim.Priority = head.Priority
	claim.Confidence = head.Confidence
	return claim
}
