package conflict

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/contextstore"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/registry"
)

// ErrUnresolved is returned by a strategy that cannot pick a winner; the
// escalation ladder then moves up one rung.
var ErrUnresolved = errors.New("strategy could not resolve conflict")

func unresolved(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnresolved, fmt.Sprintf(format, args...))
}

// Strategy resolves a conflict or reports ErrUnresolved.
type Strategy interface {
	Name() StrategyName
	Resolve(ctx context.Context, c *Conflict) (*Outcome, error)
}

// StrategyFunc adapts a function into a named Strategy.
type StrategyFunc struct {
	N  StrategyName
	Fn func(ctx context.Context, c *Conflict) (*Outcome, error)
}

func (s StrategyFunc) Name() StrategyName { return s.N }

func (s StrategyFunc) Resolve(ctx context.Context, c *Conflict) (*Outcome, error) {
	return s.Fn(ctx, c)
}

// Arbitrator lets the host ask the arbitrating agent for a binding pick.
// When no Arbitrator is installed the arbiter's pick is computed from
// stakeholder priority, confidence and the holder's authority.
type Arbitrator interface {
	Arbitrate(ctx context.Context, arbiterID string, c *Conflict) (winner int, rationale string, err error)
}

// =============================================================================
// auto_merge
// =============================================================================

type autoMerge struct{}

func (autoMerge) Name() StrategyName { return StrategyAutoMerge }

// Resolve merges identical positions, numeric positions (keeping the stricter
// minimum) and object positions with disjoint or agreeing keys.
func (autoMerge) Resolve(_ context.Context, c *Conflict) (*Outcome, error) {
	first := c.Positions[0]
	same := true
	for _, p := range c.Positions[1:] {
		if !p.sameValue(first) {
			same = false
			break
		}
	}
	if same {
		return &Outcome{Winner: 0, Value: first.Value, Rationale: "all positions agree"}, nil
	}

	kinds := make(map[contextstore.Kind]bool)
	for _, p := range c.Positions {
		if p.Value == nil {
			return nil, unresolved("removal cannot be merged")
		}
		kinds[p.Value.Kind()] = true
	}
	if len(kinds) != 1 {
		return nil, unresolved("positions have different shapes")
	}

	switch first.Value.Kind() {
	case contextstore.KindNumber:
		best := 0
		for i, p := range c.Positions {
			n, _ := p.Value.AsNumber()
			b, _ := c.Positions[best].Value.AsNumber()
			if n < b {
				best = i
			}
		}
		return &Outcome{Winner: best, Value: c.Positions[best].Value, Rationale: "kept the stricter (minimum) value"}, nil
	case contextstore.KindObject:
		merged := make(map[string]contextstore.Value)
		for _, p := range c.Positions {
			for _, k := range p.Value.Keys() {
				v, _ := p.Value.Field(k)
				if prev, ok := merged[k]; ok && !prev.Equal(v) {
					return nil, unresolved("field %q differs between positions", k)
				}
				merged[k] = v
			}
		}
		v := contextstore.Object(merged)
		return &Outcome{Winner: -1, Value: &v, Rationale: "merged disjoint fields"}, nil
	}
	return nil, unresolved("%s values cannot be merged", first.Value.Kind())
}

// =============================================================================
// priority
// =============================================================================

type priorityStrategy struct{}

func (priorityStrategy) Name() StrategyName { return StrategyPriority }

// Resolve picks the position with the highest priority, then the highest
// confidence. A full tie is unresolved.
func (priorityStrategy) Resolve(_ context.Context, c *Conflict) (*Outcome, error) {
	best, tie := argmax(len(c.Positions), func(i int) float64 {
		p := c.Positions[i]
		return float64(p.Priority.Rank())*10 + p.Confidence
	})
	if tie {
		return nil, unresolved("positions tie on priority and confidence")
	}
	p := c.Positions[best]
	return &Outcome{Winner: best, Rationale: fmt.Sprintf("%s holds the highest priority (%s)", p.AgentID, p.Priority)}, nil
}

// =============================================================================
// expertise
// =============================================================================

type expertiseStrategy struct{ reg *registry.Registry }

func (expertiseStrategy) Name() StrategyName { return StrategyExpertise }

// Resolve picks the agent with the highest domain weight.
func (s expertiseStrategy) Resolve(_ context.Context, c *Conflict) (*Outcome, error) {
	best, tie := argmax(len(c.Positions), func(i int) float64 {
		return s.reg.DomainWeight(c.Positions[i].AgentID, c.Domain)
	})
	if tie {
		return nil, unresolved("agents have equal %s expertise", c.Domain)
	}
	p := c.Positions[best]
	return &Outcome{Winner: best, Rationale: fmt.Sprintf("%s has the highest %s expertise (%.2f)",
		p.AgentID, c.Domain, s.reg.DomainWeight(p.AgentID, c.Domain))}, nil
}

// =============================================================================
// consensus
// =============================================================================

type consensusStrategy struct{ runner func() ConsensusRunner }

func (consensusStrategy) Name() StrategyName { return StrategyConsensus }

// Resolve groups equal positions into options and hands them to the decision engine.
func (s consensusStrategy) Resolve(ctx context.Context, c *Conflict) (*Outcome, error) {
	runner := s.runner()
	if runner == nil {
		return nil, unresolved("no consensus runner configured")
	}
	options, firstIdx := groupOptions(c)
	if len(options) < 2 {
		return &Outcome{Winner: 0, Value: c.Positions[0].Value, Rationale: "positions already agree"}, nil
	}
	res, err := runner.RunConsensus(ctx, ConsensusRequest{
		ConflictID:   c.ID,
		Subject:      c.Subject,
		Domain:       c.Domain,
		Participants: c.Agents,
		Options:      options,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, unresolved("consensus failed: %v", err)
	}
	idx, ok := firstIdx[res.OptionID]
	if !ok {
		return nil, unresolved("consensus picked unknown option %q", res.OptionID)
	}
	return &Outcome{
		Winner:     idx,
		Rationale:  fmt.Sprintf("decision %s settled by %s with %.0f%% agreement", res.DecisionID, res.Method, res.Agreement*100),
		ResolvedBy: res.DecisionID,
	}, nil
}

// groupOptions collapses equal positions into one option each, in first-seen order.
func groupOptions(c *Conflict) ([]ConsensusOption, map[string]int) {
	var options []ConsensusOption
	firstIdx := make(map[string]int)
	for i, p := range c.Positions {
		found := false
		for j := range options {
			if c.Positions[firstIdx[options[j].ID]].sameValue(p) {
				options[j].Supporters = append(options[j].Supporters, p.AgentID)
				if p.Confidence > options[j].Confidence {
					options[j].Confidence = p.Confidence
				}
				found = true
				break
			}
		}
		if found {
			continue
		}
		id := fmt.Sprintf("option-%d", len(options)+1)
		firstIdx[id] = i
		options = append(options, ConsensusOption{
			ID:         id,
			Value:      p.Value,
			Supporters: []string{p.AgentID},
			Confidence: p.Confidence,
		})
	}
	return options, firstIdx
}

// =============================================================================
// arbitration / deputy
// =============================================================================

type arbitration struct {
	name       StrategyName
	reg        *registry.Registry
	arbiter    func(parties []string) (string, string)
	arbitrator func() Arbitrator
}

func (a arbitration) Name() StrategyName { return a.name }

func (a arbitration) Resolve(ctx context.Context, c *Conflict) (*Outcome, error) {
	arbiterID, why := a.arbiter(c.Agents)
	if arbiterID == "" {
		return nil, unresolved("%s", why)
	}
	if arb := a.arbitrator(); arb != nil {
		winner, rationale, err := arb.Arbitrate(ctx, arbiterID, c)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, unresolved("arbiter %s failed: %v", arbiterID, err)
		}
		if winner < 0 || winner >= len(c.Positions) {
			return nil, unresolved("arbiter %s picked position %d out of range", arbiterID, winner)
		}
		return &Outcome{Winner: winner, Rationale: rationale, ResolvedBy: arbiterID}, nil
	}

	best, tie := argmax(len(c.Positions), func(i int) float64 {
		p := c.Positions[i]
		return float64(p.Priority.Rank()+1) * p.Confidence * a.reg.AuthorityScore(p.AgentID)
	})
	if tie {
		return nil, unresolved("arbiter %s found positions equally weighted", arbiterID)
	}
	return &Outcome{
		Winner:     best,
		Rationale:  fmt.Sprintf("binding ruling by %s weighted by stakeholder priority and authority", arbiterID),
		ResolvedBy: arbiterID,
	}, nil
}

func isParty(parties []string, id string) bool {
	for _, p := range parties {
		if p == id {
			return true
		}
	}
	return false
}

// =============================================================================
// tie_break
// =============================================================================

type tieBreak struct{}

func (tieBreak) Name() StrategyName { return StrategyTieBreak }

// Resolve always picks a winner: highest priority, then confidence, then the
// lexicographically smallest agent id.
func (tieBreak) Resolve(_ context.Context, c *Conflict) (*Outcome, error) {
	idx := make([]int, len(c.Positions))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		pa, pb := c.Positions[idx[a]], c.Positions[idx[b]]
		if pa.Priority.Rank() != pb.Priority.Rank() {
			return pa.Priority.Rank() > pb.Priority.Rank()
		}
		if pa.Confidence != pb.Confidence {
			return pa.Confidence > pb.Confidence
		}
		return pa.AgentID < pb.AgentID
	})
	w := idx[0]
	return &Outcome{Winner: w, Rationale: fmt.Sprintf("fixed tie-break rule selected %s", c.Positions[w].AgentID)}, nil
}

// argmax returns the index with the highest score and whether that score is shared.
func argmax(n int, score func(i int) float64) (int, bool) {
	best, tie := 0, false
	bestScore := score(0)
	for i := 1; i < n; i++ {
		s := score(i)
		switch {
		case s > bestScore:
			best, bestScore, tie = i, s, false
		case s == bestScore:
			tie = true
		}
	}
	return best, tie
}
