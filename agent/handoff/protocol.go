package handoff

import (
	"strings"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/contextstore"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
)

// Status represents the status of a handoff.
type Status string

const (
	StatusInitiated    Status = "initiated"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusAccepted     Status = "accepted"
	StatusRejected     Status = "rejected"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions lists the forward edges; cancelled is added for every non-terminal state.
var transitions = map[Status][]Status{
	StatusInitiated:    {StatusSent, StatusFailed},
	StatusSent:         {StatusAcknowledged, StatusSent, StatusFailed},
	StatusAcknowledged: {StatusAccepted, StatusRejected, StatusFailed},
	StatusAccepted:     {StatusInProgress, StatusFailed},
	StatusRejected:     {StatusSent, StatusFailed},
	StatusInProgress:   {StatusCompleted, StatusFailed},
}

// CanTransition reports whether a handoff may move from one status to another.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Type classifies a handoff.
type Type string

const (
	TypeInitial       Type = "initial"
	TypeSequential    Type = "sequential"
	TypeParallelStart Type = "parallel_start"
	TypeParallelJoin  Type = "parallel_join"
	TypeReview        Type = "review"
	TypeCorrection    Type = "correction"
	TypeEscalation    Type = "escalation"
	TypeCompletion    Type = "completion"
	TypeEmergency     Type = "emergency"
)

// Valid reports whether t is a known handoff type.
func (t Type) Valid() bool {
	switch t {
	case TypeInitial, TypeSequential, TypeParallelStart, TypeParallelJoin, TypeReview,
		TypeCorrection, TypeEscalation, TypeCompletion, TypeEmergency:
		return true
	}
	return false
}

// Task is the unit of work being handed off.
type Task struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Priority     types.Priority `json:"priority"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Deliverables []string       `json:"deliverables,omitempty"`
	// EstimatedDuration feeds the ack's estimated completion; 0 uses the coordinator default.
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
}

// WorkEntry is one agent's contribution recorded in previous_work.
type WorkEntry struct {
	MessageID        string              `json:"message_id"`
	AgentID          string              `json:"agent_id"`
	TaskID           string              `json:"task_id"`
	Stage            int                 `json:"stage"`
	Summary          string              `json:"summary,omitempty"`
	Deliverables     map[string]string   `json:"deliverables,omitempty"`
	Data             *contextstore.Value `json:"data,omitempty"`
	ContextVersionID string              `json:"context_version_id,omitempty"`
	CompletedAt      time.Time           `json:"completed_at"`
}

// Metadata carries stage bookkeeping.
type Metadata struct {
	StageIndex  int               `json:"stage_index"`
	TotalStages int               `json:"total_stages"`
	RetryCount  int               `json:"retry_count"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Message is a handoff from one agent to another.
type Message struct {
	ID               string      `json:"message_id"`
	Source           string      `json:"source_agent"`
	Target           string      `json:"target_agent"`
	WorkflowID       string      `json:"workflow_id"`
	Type             Type        `json:"handoff_type"`
	Task             Task        `json:"task"`
	ContextID        string      `json:"context_id,omitempty"`
	ContextVersionID string      `json:"context_version_id,omitempty"`
	PreviousWork     []WorkEntry `json:"previous_work,omitempty"`
	Metadata         Metadata    `json:"metadata"`
	ParallelGroupID  string      `json:"parallel_group_id,omitempty"`
	// Fallbacks are tried in order when the target cannot be reached.
	Fallbacks []string  `json:"fallbacks,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks required fields.
func (m *Message) Validate() error {
	var missing []string
	if m.ID == "" {
		missing = append(missing, "message_id")
	}
	if m.Source == "" {
		missing = append(missing, "source_agent")
	}
	if m.Target == "" {
		missing = append(missing, "target_agent")
	}
	if m.WorkflowID == "" {
		missing = append(missing, "workflow_id")
	}
	if m.Task.ID == "" {
		missing = append(missing, "task.id")
	}
	if m.Task.Title == "" {
		missing = append(missing, "task.title")
	}
	if len(missing) > 0 {
		return types.NewValidationError("handoff missing %s", strings.Join(missing, ", ")).WithEntity(m.ID)
	}
	if !m.Type.Valid() {
		return types.NewValidationError("unknown handoff type %q", m.Type).WithEntity(m.ID)
	}
	if !m.Task.Priority.Valid() {
		return types.NewValidationError("unknown task priority %q", m.Task.Priority).WithEntity(m.ID)
	}
	if m.Source == m.Target {
		return types.NewValidationError("handoff source and target are both %s", m.Source).WithEntity(m.ID)
	}
	for _, dep := range m.Task.Dependencies {
		if dep == m.Task.ID {
			return types.NewValidationError("task %s depends on itself", dep).WithEntity(m.ID)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Task.Dependencies = append([]string(nil), m.Task.Dependencies...)
	c.Task.Deliverables = append([]string(nil), m.Task.Deliverables...)
	c.PreviousWork = append([]WorkEntry(nil), m.PreviousWork...)
	c.Fallbacks = append([]string(nil), m.Fallbacks...)
	if m.Metadata.Labels != nil {
		c.Metadata.Labels = make(map[string]string, len(m.Metadata.Labels))
		for k, v := range m.Metadata.Labels {
			c.Metadata.Labels[k] = v
		}
	}
	return &c
}

// AckStatus is the receiver's answer.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckRejected AckStatus = "rejected"
)

// Ack is returned by Receive.
type Ack struct {
	MessageID           string    `json:"message_id"`
	AgentID             string    `json:"agent_id"`
	Status              AckStatus `json:"status"`
	Reason              string    `json:"reason,omitempty"`
	EstimatedCompletion time.Time `json:"estimated_completion,omitempty"`
	// Replayed is set when the ack was served from the idempotency store.
	Replayed bool `json:"replayed,omitempty"`
}

// Result is returned by Send.
type Result struct {
	Success   bool          `json:"success"`
	HandoffID string        `json:"handoff_id"`
	Status    Status        `json:"status"`
	Target    string        `json:"target"`
	Attempts  int           `json:"attempts"`
	Latency   time.Duration `json:"latency"`
	Ack       *Ack          `json:"ack,omitempty"`
	Error     string        `json:"error,omitempty"`
	// Duplicate is set when the message id had already been sent.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Output is what a target reports on completion.
type Output struct {
	Summary      string              `json:"summary,omitempty"`
	Deliverables map[string]string   `json:"deliverables,omitempty"`
	Data         *contextstore.Value `json:"data,omitempty"`
	// Changes are the context delta produced by the task, applied on Join for parallel members.
	Changes          contextstore.ChangeSet `json:"changes,omitempty"`
	ContextVersionID string                 `json:"context_version_id,omitempty"`
	Confidence       float64                `json:"confidence,omitempty"`
}

// Record is the coordinator's view of one handoff.
type Record struct {
	Message     *Message      `json:"message"`
	Status      Status        `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Attempts    int           `json:"attempts"`
	Ack         *Ack          `json:"ack,omitempty"`
	Output      *Output       `json:"output,omitempty"`
	History     []Transition  `json:"history"`
	AckLatency  time.Duration `json:"ack_latency,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Transition is one status change.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

func (r *Record) clone() *Record {
	c := *r
	c.Message = r.Message.Clone()
	c.History = append([]Transition(nil), r.History...)
	if r.Ack != nil {
		a := *r.Ack
		c.Ack = &a
	}
	if r.Output != nil {
		o := *r.Output
		c.Output = &o
	}
	return &c
}
