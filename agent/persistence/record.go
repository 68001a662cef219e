package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// RecordKind names the entity an audit record describes
type RecordKind string

const (
	KindHandoff  RecordKind = "handoff"
	KindConflict RecordKind = "conflict"
	KindDecision RecordKind = "decision"
	KindToolLock RecordKind = "tool_lock"
)

// AllKinds lists every record kind
var AllKinds = []RecordKind{KindHandoff, KindConflict, KindDecision, KindToolLock}

// Record is one audit entry keyed by (kind, id). Put replaces the previous
// state of the same entity; terminal records are retained until cleanup.
type Record struct {
	Kind      RecordKind      `json:"kind"`
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewRecord marshals payload into a record stamped with the current time.
func NewRecord(kind RecordKind, id, status, reason string, payload any) (*Record, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		raw = data
	}
	now := time.Now().UTC()
	return &Record{
		Kind:      kind,
		ID:        id,
		Status:    status,
		Reason:    reason,
		Payload:   raw,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Decode unmarshals the payload into v.
func (r *Record) Decode(v any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidInput)
	}
	return json.Unmarshal(r.Payload, v)
}

func (r *Record) validate() error {
	if r == nil || r.ID == "" || r.Kind == "" {
		return ErrInvalidInput
	}
	return nil
}

// ListOptions filters List results
type ListOptions struct {
	Status string
	Since  time.Time
	Limit  int
}

func (o ListOptions) match(r *Record) bool {
	if o.Status != "" && r.Status != o.Status {
		return false
	}
	if !o.Since.IsZero() && r.UpdatedAt.Before(o.Since) {
		return false
	}
	return true
}

// RecordStore persists audit records
type RecordStore interface {
	Store

	// Put inserts or replaces the record.
	Put(ctx context.Context, record *Record) error

	// Get returns ErrNotFound when no record exists.
	Get(ctx context.Context, kind RecordKind, id string) (*Record, error)

	// List returns records of kind ordered by UpdatedAt ascending.
	List(ctx context.Context, kind RecordKind, opts ListOptions) ([]*Record, error)

	// DeleteBefore removes records of kind last updated before t.
	DeleteBefore(ctx context.Context, kind RecordKind, t time.Time) (int, error)
}

// stampRecord keeps CreatedAt from an earlier version and refreshes UpdatedAt.
func stampRecord(r *Record, prev *Record) {
	if prev != nil && !prev.CreatedAt.IsZero() {
		r.CreatedAt = prev.CreatedAt
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
}

func sortAndLimit(records []*Record, limit int) []*Record {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UpdatedAt.Before(records[j].UpdatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

func cloneRecord(r *Record) *Record {
	c := *r
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &c
}
