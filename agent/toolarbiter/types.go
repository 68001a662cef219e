package toolarbiter

import (
	"errors"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
)

var (
	// ErrAborted is delivered to a waiting request chosen to break a deadlock.
	ErrAborted = errors.New("tool request aborted to break deadlock")
	// ErrCancelled is delivered to a waiting request removed by CancelRequest.
	ErrCancelled = errors.New("tool request cancelled")
	// ErrClosed is returned once the arbiter is closed.
	ErrClosed = errors.New("tool arbiter closed")
)

// Category describes how a tool is shared.
type Category string

const (
	CategoryExclusive     Category = "exclusive"
	CategoryShared        Category = "shared"
	CategoryPool          Category = "pool"
	CategoryAgentSpecific Category = "agent_specific"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryExclusive, CategoryShared, CategoryPool, CategoryAgentSpecific:
		return true
	}
	return false
}

// Tool is a registered external tool.
type Tool struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name,omitempty" yaml:"name"`
	Category Category `json:"category" yaml:"category"`
	// ConcurrentLimit is forced to 1 for exclusive tools.
	ConcurrentLimit int `json:"concurrent_limit" yaml:"concurrent_limit"`
	// AllowedAgents restricts access; empty allows everyone except for agent_specific tools.
	AllowedAgents     []string      `json:"allowed_agents,omitempty" yaml:"allowed_agents"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty" yaml:"estimated_duration"`
}

func (t Tool) allows(agentID string) bool {
	if len(t.AllowedAgents) == 0 {
		return t.Category != CategoryAgentSpecific
	}
	for _, a := range t.AllowedAgents {
		if a == agentID {
			return true
		}
	}
	return false
}

// Request asks for a lock on a tool.
type Request struct {
	// ID is generated when empty.
	ID                string         `json:"id"`
	ToolID            string         `json:"tool_id"`
	AgentID           string         `json:"agent_id"`
	TaskID            string         `json:"task_id,omitempty"`
	Priority          types.Priority `json:"priority"`
	EstimatedDuration time.Duration  `json:"estimated_duration,omitempty"`
	// Wait blocks Request until the lock is granted, the request is
	// cancelled or aborted, or ctx ends.
	Wait bool `json:"wait,omitempty"`
	// NoQueue fails with RESOURCE_BUSY instead of queueing.
	NoQueue bool `json:"no_queue,omitempty"`
}

// Grant is the answer to a request.
type Grant struct {
	Granted   bool      `json:"granted"`
	RequestID string    `json:"request_id"`
	LockID    string    `json:"lock_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	// QueuePosition is 0 for the next request in line; -1 when granted.
	QueuePosition int           `json:"queue_position"`
	EstimatedWait time.Duration `json:"estimated_wait,omitempty"`
}

// Lock is a granted slot on a tool.
type Lock struct {
	ID        string         `json:"lock_id"`
	ToolID    string         `json:"tool_id"`
	AgentID   string         `json:"agent_id"`
	TaskID    string         `json:"task_id,omitempty"`
	RequestID string         `json:"request_id"`
	Priority  types.Priority `json:"priority"`
	GrantedAt time.Time      `json:"granted_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Waiting describes a queued request.
type Waiting struct {
	RequestID  string         `json:"request_id"`
	AgentID    string         `json:"agent_id"`
	TaskID     string         `json:"task_id,omitempty"`
	Priority   types.Priority `json:"priority"`
	Effective  types.Priority `json:"effective_priority"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Status is a snapshot of one tool.
type Status struct {
	Tool      Tool      `json:"tool"`
	Held      []Lock    `json:"held"`
	Queue     []Waiting `json:"queue"`
	Available int       `json:"available"`
}

// UsageStats aggregates a tool's history.
type UsageStats struct {
	ToolID      string        `json:"tool_id"`
	Grants      int           `json:"grants"`
	Queued      int           `json:"queued"`
	Releases    int           `json:"releases"`
	Expired     int           `json:"expired"`
	Aborted     int           `json:"aborted"`
	Cancelled   int           `json:"cancelled"`
	AvgDuration time.Duration `json:"avg_duration"`
	AvgWait     time.Duration `json:"avg_wait"`
	MaxQueue    int           `json:"max_queue"`
}

// Notification tells a requester what happened to a queued request.
type Notification struct {
	RequestID string `json:"request_id"`
	ToolID    string `json:"tool_id"`
	AgentID   string `json:"agent_id"`
	Grant     *Grant `json:"grant,omitempty"`
	// Err is ErrAborted or ErrCancelled when the request did not get the lock.
	Err error `json:"-"`
}

// Deadlock is a detected cycle in the wait-for graph.
type Deadlock struct {
	// Agents lists the cycle starting from its smallest agent id.
	Agents []string `json:"agents"`
	// Aborted is the request removed to break the cycle.
	Aborted string `json:"aborted"`
}
