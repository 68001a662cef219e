package decision

import (
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/contextstore"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
)

// Type is the rule that settles a decision.
type Type string

const (
	TypeConsensus     Type = "consensus"
	TypeMajority      Type = "majority"
	TypeSupermajority Type = "supermajority"
	TypeUnanimous     Type = "unanimous"
	TypeWeighted      Type = "weighted"
	TypeExpert        Type = "expert"
	TypeOrchestrator  Type = "orchestrator"
)

// Valid reports whether t is a known decision type.
func (t Type) Valid() bool {
	switch t {
	case TypeConsensus, TypeMajority, TypeSupermajority, TypeUnanimous,
		TypeWeighted, TypeExpert, TypeOrchestrator:
		return true
	}
	return false
}

// Stage is the lifecycle stage of a decision.
type Stage string

const (
	StageInitiated         Stage = "initiated"
	StageDeliberating      Stage = "deliberating"
	StageVoting            Stage = "voting"
	StageConsensusBuilding Stage = "consensus_building"
	StageDecided           Stage = "decided"
	StageCancelled         Stage = "cancelled"
)

// IsTerminal reports whether no further votes are accepted.
func (s Stage) IsTerminal() bool { return s == StageDecided || s == StageCancelled }

// Method names recorded on an outcome.
const (
	MethodConsensus          = "consensus"
	MethodCompromise         = "compromise"
	MethodMajority           = "majority"
	MethodSupermajority      = "supermajority"
	MethodUnanimous          = "unanimous"
	MethodWeighted           = "weighted"
	MethodExpert             = "expert"
	MethodOrchestrator       = "orchestrator"
	MethodOrchestratorForced = "orchestrator_forced"
)

// RiskLevel grades an option.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Option is one choice on the table.
type Option struct {
	ID         string              `json:"id"`
	Title      string              `json:"title,omitempty"`
	Value      *contextstore.Value `json:"value,omitempty"`
	Supporters []string            `json:"supporters,omitempty"`
	Pros       []string            `json:"pros,omitempty"`
	Cons       []string            `json:"cons,omitempty"`
	Risk       RiskLevel           `json:"risk,omitempty"`
}

// Criterion is a weighted scoring dimension.
type Criterion struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// Vote is one participant's ballot. A later vote from the same agent replaces the earlier one.
type Vote struct {
	AgentID    string             `json:"agent_id"`
	OptionID   string             `json:"option_id"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores,omitempty"` // per criterion
	Rationale  string             `json:"rationale,omitempty"`
	CastAt     time.Time          `json:"cast_at"`
}

// Config describes a decision to open.
type Config struct {
	Title        string         `json:"title"`
	Type         Type           `json:"type"`
	Domain       types.Domain   `json:"domain"`
	Priority     types.Priority `json:"priority,omitempty"`
	Participants []string       `json:"participants"`
	// Required participants get a 1.2 multiplier in weighted tallies.
	Required []string    `json:"required,omitempty"`
	Options  []Option    `json:"options"`
	Criteria []Criterion `json:"criteria,omitempty"`
	Deadline time.Time   `json:"deadline,omitempty"`
	// Fallback is the voting rule used when consensus building fails. Defaults to weighted.
	Fallback Type `json:"fallback,omitempty"`
	// ConflictID links a decision opened to settle a conflict; such decisions
	// count as escalations.
	ConflictID string `json:"conflict_id,omitempty"`
}

// Outcome is the result attached to a decided decision.
type Outcome struct {
	OptionID  string              `json:"option_id"`
	Value     *contextstore.Value `json:"value,omitempty"`
	Scores    map[string]float64  `json:"scores"`
	Agreement float64             `json:"agreement"`
	Method    string              `json:"method"`
	Rationale string              `json:"rationale,omitempty"`
	DecidedAt time.Time           `json:"decided_at"`
	// Tied is set when the winner was picked by the tie-break.
	Tied bool `json:"tied,omitempty"`
}

// AuditKind labels an audit trail entry.
type AuditKind string

const (
	AuditCreated      AuditKind = "created"
	AuditStage        AuditKind = "stage"
	AuditVoteCast     AuditKind = "vote_cast"
	AuditVoteReplaced AuditKind = "vote_replaced"
	AuditPosition     AuditKind = "position"
	AuditProposal     AuditKind = "proposal"
	AuditFeedback     AuditKind = "feedback"
	AuditOutcome      AuditKind = "outcome"
	AuditCancelled    AuditKind = "cancelled"
	AuditDeadline     AuditKind = "deadline"
)

// AuditEntry is one immutable entry of a decision's trail.
type AuditEntry struct {
	Seq     int            `json:"seq"`
	At      time.Time      `json:"at"`
	Kind    AuditKind      `json:"kind"`
	AgentID string         `json:"agent_id,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Decision is a collaborative decision.
type Decision struct {
	ID           string          `json:"decision_id"`
	Title        string          `json:"title"`
	Type         Type            `json:"type"`
	Domain       types.Domain    `json:"domain"`
	Priority     types.Priority  `json:"priority"`
	Participants []string        `json:"participants"`
	Required     []string        `json:"required,omitempty"`
	Options      []Option        `json:"options"`
	Criteria     []Criterion     `json:"criteria,omitempty"`
	Votes        map[string]Vote `json:"votes"`
	Stage        Stage           `json:"stage"`
	Deadline     time.Time       `json:"deadline,omitempty"`
	Fallback     Type            `json:"fallback"`
	ConflictID   string          `json:"conflict_id,omitempty"`
	Outcome      *Outcome        `json:"outcome,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`

	trail []AuditEntry
}

func (d *Decision) isParticipant(agentID string) bool {
	for _, p := range d.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}

func (d *Decision) isRequired(agentID string) bool {
	for _, p := range d.Required {
		if p == agentID {
			return true
		}
	}
	return false
}

func (d *Decision) option(id string) (Option, bool) {
	for _, o := range d.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

func (d *Decision) optionIndex(id string) int {
	for i, o := range d.Options {
		if o.ID == id {
			return i
		}
	}
	return -1
}

// votesInOrder returns the ballots ordered by participant list.
func (d *Decision) votesInOrder() []Vote {
	out := make([]Vote, 0, len(d.Votes))
	for _, p := range d.Participants {
		if v, ok := d.Votes[p]; ok {
			out = append(out, v)
		}
	}
	return out
}

func (d *Decision) clone() *Decision {
	c := *d
	c.Participants = append([]string(nil), d.Participants...)
	c.Required = append([]string(nil), d.Required...)
	c.Options = make([]Option, len(d.Options))
	for i, o := range d.Options {
		o.Supporters = append([]string(nil), o.Supporters...)
		c.Options[i] = o
	}
	c.Criteria = append([]Criterion(nil), d.Criteria...)
	c.Votes = make(map[string]Vote, len(d.Votes))
	for k, v := range d.Votes {
		c.Votes[k] = v
	}
	if d.Outcome != nil {
		o := *d.Outcome
		o.Scores = make(map[string]float64, len(d.Outcome.Scores))
		for k, v := range d.Outcome.Scores {
			o.Scores[k] = v
		}
		c.Outcome = &o
	}
	c.trail = nil
	return &c
}
