package persistence

import (
	"context"
	"encoding/json"
	"time"
)

// VersionRecord is the persisted form of one context version
type VersionRecord struct {
	ContextID  string          `json:"context_id"`
	VersionID  string          `json:"version_id"`
	Seq        int64           `json:"seq"`
	ParentID   string          `json:"parent_id,omitempty"`
	MergedFrom string          `json:"merged_from,omitempty"`
	Author     string          `json:"author"`
	Checksum   string          `json:"checksum"`
	ChangeSet  json.RawMessage `json:"change_set"`
	CreatedAt  time.Time       `json:"created_at"`
}

// VersionLog is an append-only log of versions per context
type VersionLog interface {
	Store

	// Append adds rec to the end of its context's log.
	Append(ctx context.Context, rec *VersionRecord) error

	// Load returns every version of contextID ordered by Seq.
	Load(ctx context.Context, contextID string) ([]*VersionRecord, error)
}

func (r *VersionRecord) validate() error {
	if r == nil || r.ContextID == "" || r.VersionID == "" {
		return ErrInvalidInput
	}
	return nil
}
