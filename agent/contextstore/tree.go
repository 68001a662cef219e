package contextstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
)

// Op is a change-set operation.
type Op string

const (
	OpAdd     Op = "add"
	OpRemove  Op = "remove"
	OpReplace Op = "replace"
)

// Change is one entry of a change set. Old is filled in by the store from
// the parent tree.
type Change struct {
	Path string `json:"path"`
	Op   Op     `json:"op"`
	Old  *Value `json:"old_value,omitempty"`
	New  *Value `json:"new_value,omitempty"`
}

// ChangeSet is an ordered list of changes.
type ChangeSet []Change

// Set is shorthand for a replace change.
func Set(path string, v Value) Change {
	return Change{Path: path, Op: OpReplace, New: &v}
}

// Add is shorthand for an add change.
func Add(path string, v Value) Change {
	return Change{Path: path, Op: OpAdd, New: &v}
}

// Remove is shorthand for a remove change.
func Remove(path string) Change {
	return Change{Path: path, Op: OpRemove}
}

// Paths lists the paths touched by cs.
func (cs ChangeSet) Paths() []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Path
	}
	return out
}

// Tree is the materialized shared context: one object value per section.
// Trees are treated as immutable; Apply returns a new tree.
type Tree struct {
	sections map[types.Domain]Value
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{sections: make(map[types.Domain]Value)}
}

// Section returns the object value of section d.
func (t *Tree) Section(d types.Domain) (Value, bool) {
	v, ok := t.sections[d]
	return v, ok
}

// Get returns the value stored at a dotted path.
func (t *Tree) Get(path string) (Value, bool) {
	p, err := ParsePath(path)
	if err != nil {
		return Value{}, false
	}
	cur, ok := t.sections[p.Section]
	if !ok {
		return Value{}, false
	}
	for _, f := range p.Fields {
		cur, ok = cur.Field(f)
		if !ok {
			return Value{}, false
		}
	}
	return cur, true
}

// MarshalJSON renders the tree canonically.
func (t *Tree) MarshalJSON() ([]byte, error) {
	obj := make(map[string]Value, len(t.sections))
	for d, v := range t.sections {
		obj[string(d)] = v
	}
	return Object(obj).MarshalJSON()
}

// Checksum is the SHA-256 of the canonical JSON of the tree.
func (t *Tree) Checksum() string {
	data, err := t.MarshalJSON()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Map converts the tree into plain Go values.
func (t *Tree) Map() map[string]any {
	out := make(map[string]any, len(t.sections))
	for d, v := range t.sections {
		out[string(d)] = v.Any()
	}
	return out
}

func (t *Tree) clone() *Tree {
	c := &Tree{sections: make(map[types.Domain]Value, len(t.sections))}
	for d, v := range t.sections {
		c.sections[d] = v
	}
	return c
}

// Apply returns a new tree with cs applied in order. Changes are validated
// against the receiver: add requires the path to be absent, remove requires
// it to be present, replace creates or overwrites. Empty objects are pruned.
func (t *Tree) Apply(cs ChangeSet) (*Tree, error) {
	out := t.clone()
	for _, c := range cs {
		p, err := ParsePath(c.Path)
		if err != nil {
			return nil, err
		}
		_, exists := out.Get(c.Path)
		switch c.Op {
		case OpAdd:
			if exists {
				return nil, types.NewValidationError("add %s: path already exists", c.Path)
			}
			if c.New == nil {
				return nil, types.NewValidationError("add %s: missing new_value", c.Path)
			}
			out.sections[p.Section] = setIn(out.sections[p.Section], p.Fields, *c.New, true)
		case OpReplace:
			if c.New == nil {
				return nil, types.NewValidationError("replace %s: missing new_value", c.Path)
			}
			out.sections[p.Section] = setIn(out.sections[p.Section], p.Fields, *c.New, true)
		case OpRemove:
			if !exists {
				return nil, types.NewValidationError("remove %s: path does not exist", c.Path)
			}
			out.sections[p.Section] = setIn(out.sections[p.Section], p.Fields, Value{}, false)
		default:
			return nil, types.NewValidationError("unknown op %q on %s", c.Op, c.Path)
		}
		if s := out.sections[p.Section]; s.kind != KindObject || len(s.obj) == 0 {
			delete(out.sections, p.Section)
		}
	}
	return out, nil
}

// setIn rebuilds the path from the leaf up, copying every object it touches.
func setIn(cur Value, fields []string, v Value, set bool) Value {
	obj := make(map[string]Value)
	if cur.kind == KindObject {
		for k, e := range cur.obj {
			obj[k] = e
		}
	}
	head := fields[0]
	if len(fields) == 1 {
		if set && !isEmptyObject(v) {
			obj[head] = prune(v)
		} else {
			delete(obj, head)
		}
	} else {
		child := setIn(obj[head], fields[1:], v, set)
		if child.kind == KindObject && len(child.obj) == 0 {
			delete(obj, head)
		} else {
			obj[head] = child
		}
	}
	return Value{kind: KindObject, obj: obj}
}

func isEmptyObject(v Value) bool {
	return v.kind == KindObject && len(prune(v).obj) == 0
}

// prune drops empty nested objects so equal trees render identically.
func prune(v Value) Value {
	if v.kind != KindObject {
		return v
	}
	obj := make(map[string]Value, len(v.obj))
	for k, e := range v.obj {
		e = prune(e)
		if e.kind == KindObject && len(e.obj) == 0 {
			continue
		}
		obj[k] = e
	}
	return Value{kind: KindObject, obj: obj}
}

// Leaves flattens the tree into dotted paths of non-object values.
func (t *Tree) Leaves() map[string]Value {
	out := make(map[string]Value)
	for d, v := range t.sections {
		flatten(string(d), v, out)
	}
	return out
}

func flatten(prefix string, v Value, out map[string]Value) {
	if v.kind != KindObject {
		out[prefix] = v
		return
	}
	for k, e := range v.obj {
		flatten(prefix+"."+k, e, out)
	}
}

// Diff returns the leaf-level change set turning from into to: removals
// first, then additions and replacements, each group sorted by path.
func Diff(from, to *Tree) ChangeSet {
	a, b := from.Leaves(), to.Leaves()
	var removes, sets ChangeSet
	for p, ov := range a {
		if _, ok := b[p]; !ok {
			ov := ov
			removes = append(removes, Change{Path: p, Op: OpRemove, Old: &ov})
		}
	}
	for p, nv := range b {
		nv := nv
		if ov, ok := a[p]; ok {
			if !ov.Equal(nv) {
				ov := ov
				sets = append(sets, Change{Path: p, Op: OpReplace, Old: &ov, New: &nv})
			}
			continue
		}
		sets = append(sets, Change{Path: p, Op: OpAdd, New: &nv})
	}
	sort.Slice(removes, func(i, j int) bool { return removes[i].Path < removes[j].Path })
	sort.Slice(sets, func(i, j int) bool { return sets[i].Path < sets[j].Path })
	return append(removes, sets...)
}

// encodeChangeSet is used for the persisted version log.
func encodeChangeSet(cs ChangeSet) (json.RawMessage, error) {
	if cs == nil {
		cs = ChangeSet{}
	}
	return json.Marshal(cs)
}

func decodeChangeSet(raw json.RawMessage) (ChangeSet, error) {
	var cs ChangeSet
	if len(raw) == 0 {
		return cs, nil
	}
	err := json.Unmarshal(raw, &cs)
	return cs, err
}
