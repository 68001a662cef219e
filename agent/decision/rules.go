package decision

import (
	"fmt"
	"math"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/registry"
)

// =============================================================================
// 投票规则
// =============================================================================

const (
	majorityThreshold      = 0.5
	supermajorityThreshold = 0.66
	requiredMultiplier     = 1.2
	scoreEpsilon           = 1e-9
)

// tally is the result of applying one rule to the ballots cast so far.
type tally struct {
	optionID  string
	scores    map[string]float64
	agreement float64
	method    string
	rationale string
	tied      bool
	// decisive is false when the rule's threshold was not met.
	decisive bool
}

func (t tally) outcome(d *Decision) *Outcome {
	o := &Outcome{
		OptionID:  t.optionID,
		Scores:    t.scores,
		Agreement: t.agreement,
		Method:    t.method,
		Rationale: t.rationale,
		Tied:      t.tied,
	}
	if opt, ok := d.option(t.optionID); ok {
		o.Value = opt.Value
	}
	return o
}

type rules struct {
	reg             *registry.Registry
	expertThreshold float64
}

// evaluate dispatches on the decision type.
func (r rules) evaluate(d *Decision, rule Type) tally {
	switch rule {
	case TypeMajority:
		return countRule(d, majorityThreshold, true, MethodMajority)
	case TypeSupermajority:
		return countRule(d, supermajorityThreshold, false, MethodSupermajority)
	case TypeUnanimous:
		return countRule(d, 1, false, MethodUnanimous)
	case TypeExpert:
		return r.expert(d)
	case TypeOrchestrator:
		return r.orchestrator(d)
	case TypeConsensus:
		return consensusRule(d)
	default:
		return r.weighted(d, d.votesInOrder(), MethodWeighted)
	}
}

// countRule compares the raw count of the leading option with the number of participants.
func countRule(d *Decision, threshold float64, strict bool, method string) tally {
	counts := make(map[string]float64, len(d.Options))
	for _, o := range d.Options {
		counts[o.ID] = 0
	}
	for _, v := range d.votesInOrder() {
		counts[v.OptionID]++
	}
	best, tied := leader(d, counts, nil)
	n := float64(len(d.Participants))
	scores := make(map[string]float64, len(counts))
	for id, c := range counts {
		scores[id] = c / n
	}
	ratio := scores[best]
	decisive := ratio >= threshold
	if strict {
		decisive = ratio > threshold
	}
	if tied {
		decisive = false
	}
	return tally{
		optionID:  best,
		scores:    scores,
		agreement: ratio,
		method:    method,
		rationale: fmt.Sprintf("%.0f of %d participants chose %s", counts[best], len(d.Participants), best),
		tied:      tied,
		decisive:  decisive,
	}
}

// weights returns the normalized weight of each voter:
// domain weight × authority × 1.2 for required participants.
func (r rules) weights(d *Decision, votes []Vote) map[string]float64 {
	w := make(map[string]float64, len(votes))
	var sum float64
	for _, v := range votes {
		x := r.reg.DomainWeight(v.AgentID, d.Domain) * r.reg.AuthorityScore(v.AgentID)
		if d.isRequired(v.AgentID) {
			x *= requiredMultiplier
		}
		w[v.AgentID] = x
		sum += x
	}
	if sum == 0 {
		for _, v := range votes {
			w[v.AgentID] = 1
		}
		sum = float64(len(votes))
	}
	for id := range w {
		w[id] /= sum
	}
	return w
}

// weighted picks the option with the highest Σ(weight × confidence). On an
// exact tie the option backed by the single heaviest voter wins, then the
// earlier option.
func (r rules) weighted(d *Decision, votes []Vote, method string) tally {
	scores := make(map[string]float64, len(d.Options))
	for _, o := range d.Options {
		scores[o.ID] = 0
	}
	if len(votes) == 0 {
		return tally{optionID: d.Options[0].ID, scores: scores, method: method, rationale: "no ballots", tied: true}
	}
	w := r.weights(d, votes)
	heaviest := make(map[string]float64, len(d.Options))
	var total float64
	for _, v := range votes {
		s := w[v.AgentID] * v.Confidence
		scores[v.OptionID] += s
		total += s
		heaviest[v.OptionID] = math.Max(heaviest[v.OptionID], w[v.AgentID])
	}
	best, tied := leader(d, scores, heaviest)
	agreement := 0.0
	if total > 0 {
		agreement = scores[best] / total
	}
	return tally{
		optionID:  best,
		scores:    scores,
		agreement: agreement,
		method:    method,
		rationale: fmt.Sprintf("%s scored %.3f of %.3f weighted confidence", best, scores[best], total),
		tied:      tied,
		decisive:  true,
	}
}

// expert tallies only agents at or above the expertise threshold and falls
// back to the weighted rule when none voted.
func (r rules) expert(d *Decision) tally {
	var experts []Vote
	all := d.votesInOrder()
	for _, v := range all {
		if r.reg.DomainWeight(v.AgentID, d.Domain) >= r.expertThreshold {
			experts = append(experts, v)
		}
	}
	if len(experts) == 0 {
		t := r.weighted(d, all, MethodWeighted)
		t.rationale = "no expert voted; " + t.rationale
		return t
	}
	return r.weighted(d, experts, MethodExpert)
}

// orchestrator makes the orchestrator's ballot binding. Without one the
// weighted leader is imposed as the orchestrator's pick.
func (r rules) orchestrator(d *Decision) tally {
	if orch, err := r.reg.Orchestrator(); err == nil {
		if v, ok := d.Votes[orch]; ok {
			t := r.weighted(d, d.votesInOrder(), MethodOrchestrator)
			t.optionID = v.OptionID
			t.tied = false
			t.decisive = true
			t.agreement = agreementWith(d, v.OptionID)
			t.rationale = fmt.Sprintf("binding vote by orchestrator %s", orch)
			return t
		}
	}
	votes := d.votesInOrder()
	if len(votes) == 0 {
		return r.bySupporters(d)
	}
	t := r.weighted(d, votes, MethodOrchestratorForced)
	t.decisive = true
	t.rationale = "orchestrator imposed the weighted leader: " + t.rationale
	return t
}

// bySupporters is the last resort when nobody voted: the option with the
// most declared supporters, earliest first.
func (r rules) bySupporters(d *Decision) tally {
	counts := make(map[string]float64, len(d.Options))
	for _, o := range d.Options {
		counts[o.ID] = float64(len(o.Supporters))
	}
	best, tied := leader(d, counts, nil)
	return tally{
		optionID:  best,
		scores:    counts,
		method:    MethodOrchestratorForced,
		rationale: "no ballots; orchestrator imposed the option with most supporters",
		tied:      tied,
		decisive:  true,
	}
}

// consensusRule is decisive only when every participant chose the same option.
func consensusRule(d *Decision) tally {
	t := countRule(d, 1, false, MethodConsensus)
	t.decisive = t.decisive && len(d.Votes) == len(d.Participants)
	return t
}

func agreementWith(d *Decision, optionID string) float64 {
	if len(d.Votes) == 0 {
		return 0
	}
	n := 0
	for _, v := range d.Votes {
		if v.OptionID == optionID {
			n++
		}
	}
	return float64(n) / float64(len(d.Votes))
}

// leader returns the highest scoring option in option order. secondary breaks
// exact ties; tied reports that neither score nor secondary separated the top two.
func leader(d *Decision, scores, secondary map[string]float64) (string, bool) {
	best := d.Options[0].ID
	tied := false
	for _, o := range d.Options[1:] {
		diff := scores[o.ID] - scores[best]
		switch {
		case diff > scoreEpsilon:
			best, tied = o.ID, false
		case math.Abs(diff) <= scoreEpsilon:
			sd := secondary[o.ID] - secondary[best]
			switch {
			case secondary != nil && sd > scoreEpsilon:
				best, tied = o.ID, false
			case secondary == nil || math.Abs(sd) <= scoreEpsilon:
				tied = true
			}
		}
	}
	return best, tied
}
