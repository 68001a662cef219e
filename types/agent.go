package types

import "strings"

// Domain names a section of the shared project state and an area of expertise.
type Domain string

const (
	DomainProject       Domain = "project"
	DomainDesign        Domain = "design"
	DomainCode          Domain = "code"
	DomainPerformance   Domain = "performance"
	DomainAccessibility Domain = "accessibility"
	DomainTesting       Domain = "testing"
	DomainDeployment    Domain = "deployment"
)

// KnownDomains lists the closed set of domains in declaration order.
var KnownDomains = []Domain{
	DomainProject,
	DomainDesign,
	DomainCode,
	DomainPerformance,
	DomainAccessibility,
	DomainTesting,
	DomainDeployment,
}

// IsKnown reports whether d belongs to the closed domain set.
func (d Domain) IsKnown() bool {
	for _, k := range KnownDomains {
		if k == d {
			return true
		}
	}
	return false
}

// ParseDomain normalizes s into a Domain. Unknown names return false.
func ParseDomain(s string) (Domain, bool) {
	d := Domain(strings.ToLower(strings.TrimSpace(s)))
	return d, d.IsKnown()
}

// Priority is shared by tasks, conflict positions and tool requests.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank orders priorities; higher is more urgent. Unknown priorities rank as low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is one of the four known tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// PriorityFromRank is the inverse of Rank, clamped to the known tiers.
func PriorityFromRank(rank int) Priority {
	switch {
	case rank >= 3:
		return PriorityCritical
	case rank == 2:
		return PriorityHigh
	case rank == 1:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Authority bounds for Agent.AuthorityScore.
const (
	DefaultAuthority = 1.0
	MinAuthority     = 0.5
	MaxAuthority     = 2.0
)

// Agent is the identity of a long-lived participant.
type Agent struct {
	ID string `json:"agent_id" yaml:"id"`
	// DomainWeights holds per-domain expertise in [0,1].
	DomainWeights map[Domain]float64 `json:"domain_weights" yaml:"domain_weights"`
	// AuthorityScore starts at 1.0 and is clamped to [0.5, 2.0].
	AuthorityScore float64 `json:"authority_score" yaml:"authority_score"`
	Orchestrator   bool    `json:"orchestrator,omitempty" yaml:"orchestrator"`
	Deputy         bool    `json:"deputy,omitempty" yaml:"deputy"`
}

// Weight returns the agent's expertise for d, zero when unset.
func (a *Agent) Weight(d Domain) float64 {
	if a == nil || a.DomainWeights == nil {
		return 0
	}
	return a.DomainWeights[d]
}

// ClampAuthority bounds v to [MinAuthority, MaxAuthority].
func ClampAuthority(v float64) float64 {
	if v < MinAuthority {
		return MinAuthority
	}
	if v > MaxAuthority {
		return MaxAuthority
	}
	return v
}

// ClampUnit bounds v to [0,1].
func ClampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
