package contextstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
)

// Status of a shared context.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusLocked   Status = "locked"
)

// Version is one immutable node of a context's version DAG.
type Version struct {
	ID         string         `json:"version_id"`
	ContextID  string         `json:"context_id"`
	ParentID   string         `json:"parent_version_id,omitempty"`
	MergedFrom string         `json:"merged_from,omitempty"`
	Author     string         `json:"author_agent_id"`
	Changes    ChangeSet      `json:"change_set"`
	Checksum   string         `json:"checksum"`
	Seq        int64          `json:"seq"`
	Priority   types.Priority `json:"priority,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`

	tree *Tree
}

// Tree returns the materialized tree at this version.
func (v *Version) Tree() *Tree { return v.tree }

// Snapshot is the result of Read.
type Snapshot struct {
	ContextID string    `json:"context_id"`
	VersionID string    `json:"current_version_id"`
	Checksum  string    `json:"checksum"`
	Status    Status    `json:"status"`
	Seq       int64     `json:"seq"`
	Author    string    `json:"author_agent_id"`
	UpdatedAt time.Time `json:"updated_at"`
	Tree      *Tree     `json:"tree"`
}

// WriteRequest is an optimistic write against BaseVersionID.
type WriteRequest struct {
	ContextID     string
	BaseVersionID string
	Author        string
	Changes       ChangeSet
	// Priority and Confidence describe the author's claim when the write
	// clashes with a concurrent one. Defaults: medium, DefaultConfidence.
	Priority   types.Priority
	Confidence float64
}

// DefaultConfidence is used when a write does not state its confidence.
const DefaultConfidence = 0.6

var (
	// ErrWritePending marks a write held until its context-value conflict is resolved.
	ErrWritePending  = errors.New("write held pending conflict resolution")
	ErrContextExists = errors.New("context already exists")
)

// PendingError carries the ids needed to follow a held write.
type PendingError struct {
	PendingID  string
	ConflictID string
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("write %s pending on conflict %s", e.PendingID, e.ConflictID)
}

// Is makes errors.Is(err, ErrWritePending) true.
func (e *PendingError) Is(target error) bool { return target == ErrWritePending }

// AsPending extracts the PendingError from err.
func AsPending(err error) (*PendingError, bool) {
	var pe *PendingError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
