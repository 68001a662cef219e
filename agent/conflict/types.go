package conflict

import (
	"context"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/contextstore"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
)

// Category classifies what the agents disagree on.
type Category string

const (
	CategoryRecommendation Category = "recommendation"
	CategoryContextValue   Category = "context_value"
	CategoryDecision       Category = "decision"
	CategoryResource       Category = "resource"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryRecommendation, CategoryContextValue, CategoryDecision, CategoryResource:
		return true
	}
	return false
}

// Severity of a conflict.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFromConfidence derives severity from the mean confidence of the
// opposing positions: >0.9 critical, >0.7 high, >0.5 medium, else low.
func SeverityFromConfidence(mean float64) Severity {
	switch {
	case mean > 0.9:
		return SeverityCritical
	case mean > 0.7:
		return SeverityHigh
	case mean > 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Status of a conflict.
type Status string

const (
	StatusDetected  Status = "detected"
	StatusAnalyzing Status = "analyzing"
	StatusResolving Status = "resolving"
	StatusResolved  Status = "resolved"
	StatusEscalated Status = "escalated"
	StatusDismissed Status = "dismissed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusEscalated || s == StatusDismissed
}

// Position is one agent's claim. Value is the domain payload as a closed
// tagged union; nil means the agent wants the field removed.
type Position struct {
	AgentID    string              `json:"agent_id"`
	Value      *contextstore.Value `json:"value,omitempty"`
	Confidence float64             `json:"confidence"`
	Priority   types.Priority      `json:"priority"`
	Rationale  string              `json:"rationale,omitempty"`
}

func (p Position) sameValue(o Position) bool {
	if p.Value == nil || o.Value == nil {
		return p.Value == nil && o.Value == nil
	}
	return p.Value.Equal(*o.Value)
}

// StrategyName names a resolution strategy.
type StrategyName string

const (
	StrategyAutoMerge   StrategyName = "auto_merge"
	StrategyPriority    StrategyName = "priority"
	StrategyExpertise   StrategyName = "expertise"
	StrategyConsensus   StrategyName = "consensus"
	StrategyArbitration StrategyName = "arbitration"
	StrategyDeputy      StrategyName = "deputy"
	StrategyTieBreak    StrategyName = "tie_break"
)

// Resolution is attached to a conflict once it is resolved.
type Resolution struct {
	Strategy     StrategyName        `json:"strategy"`
	Level        string              `json:"level"`
	Rationale    string              `json:"rationale"`
	WinningValue *contextstore.Value `json:"winning_value,omitempty"`
	WinnerAgent  string              `json:"winner_agent,omitempty"`
	// Acceptance flags, per agent, whether the agent's own position prevailed.
	Acceptance map[string]bool `json:"acceptance"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	ResolvedAt time.Time       `json:"resolved_at"`

	winner int // index into Conflict.Positions, -1 for synthesized values
}

// Outcome is what a strategy returns: the winning position index, or a
// synthesized value when no single position wins outright (auto-merge).
type Outcome struct {
	Winner     int
	Value      *contextstore.Value
	Rationale  string
	ResolvedBy string
}

// Conflict is a detected incompatibility between agents.
type Conflict struct {
	ID         string       `json:"conflict_id"`
	Category   Category     `json:"category"`
	Severity   Severity     `json:"severity"`
	Domain     types.Domain `json:"domain"`
	Subject    string       `json:"subject,omitempty"`
	Agents     []string     `json:"agents_involved"`
	Positions  []Position   `json:"positions"`
	Mergeable  bool         `json:"mergeable"`
	Status     Status       `json:"status"`
	Strategy   StrategyName `json:"strategy,omitempty"`
	Resolution *Resolution  `json:"resolution,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Escalation []string     `json:"escalation,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`

	// Context clashes only.
	ContextID string                    `json:"context_id,omitempty"`
	PendingID string                    `json:"pending_id,omitempty"`
	Fields    []contextstore.FieldClash `json:"fields,omitempty"`
}

// MeanConfidence averages the confidence of all positions.
func (c *Conflict) MeanConfidence() float64 {
	if len(c.Positions) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range c.Positions {
		sum += p.Confidence
	}
	return sum / float64(len(c.Positions))
}

func (c *Conflict) clone() *Conflict {
	out := *c
	out.Agents = append([]string(nil), c.Agents...)
	out.Positions = append([]Position(nil), c.Positions...)
	out.Escalation = append([]string(nil), c.Escalation...)
	out.Fields = append([]contextstore.FieldClash(nil), c.Fields...)
	if c.Resolution != nil {
		r := *c.Resolution
		r.Acceptance = make(map[string]bool, len(c.Resolution.Acceptance))
		for k, v := range c.Resolution.Acceptance {
			r.Acceptance[k] = v
		}
		out.Resolution = &r
	}
	return &out
}

// ReportRequest is the manual reporting path.
type ReportRequest struct {
	Category  Category
	Domain    types.Domain
	Subject   string
	Positions []Position
	Mergeable bool
}

// Recommendation is one agent's advice on a subject.
type Recommendation struct {
	AgentID    string
	Value      contextstore.Value
	Confidence float64
	Priority   types.Priority
	Rationale  string
}

// ConsensusOption is one candidate offered to a consensus round.
type ConsensusOption struct {
	ID         string              `json:"id"`
	Value      *contextstore.Value `json:"value,omitempty"`
	Supporters []string            `json:"supporters"`
	Confidence float64             `json:"confidence"`
}

// ConsensusRequest asks the decision engine to settle a conflict.
type ConsensusRequest struct {
	ConflictID   string
	Subject      string
	Domain       types.Domain
	Participants []string
	Options      []ConsensusOption
}

// ConsensusResult names the option the participants settled on.
type ConsensusResult struct {
	OptionID   string
	DecisionID string
	Agreement  float64
	Method     string
}

// ConsensusRunner runs a collaborative decision for a conflict.
type ConsensusRunner interface {
	RunConsensus(ctx context.Context, req ConsensusRequest) (*ConsensusResult, error)
}

// PendingResolver settles writes held by the context store.
type PendingResolver interface {
	ResolvePending(ctx context.Context, pendingID string, res contextstore.Resolution) (*contextstore.Version, error)
	DropPending(pendingID, reason string) error
}
