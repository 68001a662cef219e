package decision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/conflict"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/contextstore"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/telemetry"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNoConsensus is returned by RunConsensus when the decision could only be
// settled by a tie-break or by imposing the orchestrator's pick.
var ErrNoConsensus = errors.New("no consensus reached")

// Position is a participant's free-form stance gathered during deliberation.
type Position struct {
	AgentID    string  `json:"agent_id"`
	OptionID   string  `json:"option_id"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Proposal is a candidate put to the participants.
type Proposal struct {
	ID         string              `json:"id"`
	OptionID   string              `json:"option_id"`
	Value      *contextstore.Value `json:"value,omitempty"`
	Supporters []string            `json:"supporters"`
	Opponents  []string            `json:"opponents"`
	Compromise bool                `json:"compromise,omitempty"`
	// Elements lists the pros shared by every option, carried into a compromise.
	Elements []string `json:"elements,omitempty"`
}

// Deliberator connects consensus building to the participating agents.
// Implementations must not call back into the engine for the same decision.
type Deliberator interface {
	// Position asks an agent for its stance on the broadcast options.
	Position(ctx context.Context, agentID string, d *Decision) (Position, error)
	// Feedback asks an opponent whether it accepts the proposal.
	Feedback(ctx context.Context, agentID string, p Proposal) (bool, error)
}

// =============================================================================
// 共识构建
// =============================================================================

// BuildConsensus runs the consensus protocol on an open decision:
//
//  1. broadcast options and criteria
//  2. collect every participant's position
//  3. form one proposal per option with its supporter/opponent split
//  4. ask opponents for feedback, moving the persuaded to supporters
//  5. a proposal without opponents is the consensus
//  6. otherwise put a compromise built from the leading proposal and the
//     elements common to all options to everyone
//  7. otherwise fall back to the decision's voting rule
func (e *Engine) BuildConsensus(ctx context.Context, decisionID string, del Deliberator) (*Decision, error) {
	ctx, span := e.tracer.Start(ctx, "decision.BuildConsensus", trace.WithAttributes(
		attribute.String("decision_id", decisionID),
	))

	d, err := e.buildConsensus(ctx, decisionID, del)
	telemetry.EndSpan(span, err)
	return d, err
}

func (e *Engine) buildConsensus(ctx context.Context, decisionID string, del Deliberator) (*Decision, error) {
	if del == nil {
		return nil, types.NewValidationError("a deliberator is required")
	}
	en, err := e.lookup(decisionID)
	if err != nil {
		return nil, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	d := en.d
	if d.Stage.IsTerminal() {
		return d.clone(), types.NewTransitionError(decisionID, string(d.Stage), string(StageConsensusBuilding))
	}

	// 1. 广播
	e.setStage(d, StageDeliberating)
	e.emit(d, "options_broadcast", map[string]any{"options": len(d.Options), "criteria": len(d.Criteria)})

	// 2. 收集立场
	positions, err := e.collectPositions(ctx, d, del)
	if err != nil {
		return d.clone(), err
	}

	// 3. 每个选项一个提案
	e.setStage(d, StageConsensusBuilding)
	proposals := e.propose(d, positions)

	// 4-5. 征求反馈
	for i := range proposals {
		if err := e.seekFeedback(ctx, d, del, &proposals[i]); err != nil {
			return d.clone(), err
		}
		if len(proposals[i].Opponents) == 0 {
			p := proposals[i]
			e.finalize(ctx, d, tally{
				optionID:  p.OptionID,
				scores:    supportScores(d, proposals),
				agreement: 1,
				method:    MethodConsensus,
				rationale: fmt.Sprintf("all %d participants support %s", len(d.Participants), p.OptionID),
				decisive:  true,
			})
			return d.clone(), nil
		}
	}

	// 6. 折中方案
	comp := e.compromise(d, proposals)
	if err := e.seekFeedback(ctx, d, del, &comp); err != nil {
		return d.clone(), err
	}
	if len(comp.Opponents) == 0 {
		t := tally{
			optionID:  comp.OptionID,
			scores:    supportScores(d, proposals),
			agreement: 1,
			method:    MethodCompromise,
			rationale: fmt.Sprintf("compromise on %s accepted by all participants", comp.OptionID),
			decisive:  true,
		}
		e.finalize(ctx, d, t)
		d.Outcome.Value = comp.Value
		e.persist(ctx, d)
		return d.clone(), nil
	}

	// 7. 回退到投票
	e.setStage(d, StageVoting)
	for _, v := range ballots(d, positions, proposals) {
		if _, voted := d.Votes[v.AgentID]; !voted {
			e.record(ctx, d, v)
		}
	}
	if len(d.Votes) == 0 {
		e.finalize(ctx, d, e.rules.orchestrator(d))
		return d.clone(), nil
	}
	rule := d.Type
	if rule == TypeConsensus {
		rule = d.Fallback
	}
	t := e.rules.evaluate(d, rule)
	if !t.decisive {
		reason := fmt.Sprintf("%s threshold not met: %s", rule, t.rationale)
		t = e.rules.orchestrator(d)
		t.rationale = reason + "; " + t.rationale
	}
	e.finalize(ctx, d, t)
	return d.clone(), nil
}

// collectPositions asks every participant concurrently. An agent whose
// deliberator call fails or names an unknown option abstains.
func (e *Engine) collectPositions(ctx context.Context, d *Decision, del Deliberator) (map[string]Position, error) {
	snapshot := d.clone()
	results := make([]*Position, len(d.Participants))
	g, gctx := errgroup.WithContext(ctx)
	for i, agentID := range d.Participants {
		i, agentID := i, agentID
		g.Go(func() error {
			p, err := del.Position(gctx, agentID, snapshot)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.logger.Warn("position unavailable, agent abstains",
					zap.String("decision_id", d.ID),
					zap.String("agent_id", agentID),
					zap.Error(err),
				)
				return nil
			}
			p.AgentID = agentID
			results[i] = &p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	positions := make(map[string]Position, len(results))
	for _, p := range results {
		if p == nil {
			continue
		}
		if _, ok := d.option(p.OptionID); !ok {
			e.logger.Warn("position names unknown option, agent abstains",
				zap.String("decision_id", d.ID),
				zap.String("agent_id", p.AgentID),
				zap.String("option_id", p.OptionID),
			)
			continue
		}
		if p.Confidence <= 0 {
			p.Confidence = 1
		}
		positions[p.AgentID] = *p
		e.appendAudit(d, AuditPosition, p.AgentID, map[string]any{
			"option_id":  p.OptionID,
			"confidence": p.Confidence,
			"rationale":  p.Rationale,
		})
	}
	return positions, nil
}

// propose builds one proposal per option, most supported first.
func (e *Engine) propose(d *Decision, positions map[string]Position) []Proposal {
	proposals := make([]Proposal, 0, len(d.Options))
	for _, o := range d.Options {
		p := Proposal{ID: "proposal-" + o.ID, OptionID: o.ID, Value: o.Value}
		for _, agentID := range d.Participants {
			if pos, ok := positions[agentID]; ok && pos.OptionID == o.ID {
				p.Supporters = append(p.Supporters, agentID)
			} else {
				p.Opponents = append(p.Opponents, agentID)
			}
		}
		proposals = append(proposals, p)
	}
	sort.SliceStable(proposals, func(i, j int) bool {
		return len(proposals[i].Supporters) > len(proposals[j].Supporters)
	})
	for _, p := range proposals {
		e.appendAudit(d, AuditProposal, "", map[string]any{
			"proposal_id": p.ID,
			"option_id":   p.OptionID,
			"supporters":  append([]string(nil), p.Supporters...),
			"opponents":   append([]string(nil), p.Opponents...),
		})
	}
	return proposals
}

// seekFeedback asks all opponents of p concurrently and moves those who
// accept to the supporters, keeping participant order.
func (e *Engine) seekFeedback(ctx context.Context, d *Decision, del Deliberator, p *Proposal) error {
	if len(p.Opponents) == 0 {
		return nil
	}
	snapshot := *p
	snapshot.Supporters = append([]string(nil), p.Supporters...)
	snapshot.Opponents = append([]string(nil), p.Opponents...)

	var mu sync.Mutex
	accepted := make(map[string]bool, len(p.Opponents))
	g, gctx := errgroup.WithContext(ctx)
	for _, agentID := range snapshot.Opponents {
		agentID := agentID
		g.Go(func() error {
			ok, err := del.Feedback(gctx, agentID, snapshot)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.logger.Debug("feedback unavailable", zap.String("agent_id", agentID), zap.Error(err))
				return nil
			}
			mu.Lock()
			accepted[agentID] = ok
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var still []string
	for _, agentID := range snapshot.Opponents {
		e.appendAudit(d, AuditFeedback, agentID, map[string]any{
			"proposal_id": p.ID,
			"accepted":    accepted[agentID],
		})
		if accepted[agentID] {
			p.Supporters = append(p.Supporters, agentID)
		} else {
			still = append(still, agentID)
		}
	}
	p.Opponents = still
	return nil
}

// compromise starts from the leading proposal, adds object fields the other
// options agree on, and carries the pros every option shares.
func (e *Engine) compromise(d *Decision, proposals []Proposal) Proposal {
	lead := proposals[0]
	for _, p := range proposals[1:] {
		if len(p.Supporters) > len(lead.Supporters) {
			lead = p
		}
	}
	comp := Proposal{
		ID:         "compromise",
		OptionID:   lead.OptionID,
		Value:      mergeCommon(d, lead.OptionID),
		Supporters: nil,
		Opponents:  append([]string(nil), d.Participants...),
		Compromise: true,
		Elements:   commonPros(d.Options),
	}
	e.appendAudit(d, AuditProposal, "", map[string]any{
		"proposal_id": comp.ID,
		"option_id":   comp.OptionID,
		"elements":    comp.Elements,
		"compromise":  true,
	})
	return comp
}

// mergeCommon returns the lead option's value extended with object fields it
// lacks on which every other option that sets them agrees.
func mergeCommon(d *Decision, leadID string) *contextstore.Value {
	lead, _ := d.option(leadID)
	if lead.Value == nil || lead.Value.Kind() != contextstore.KindObject {
		return lead.Value
	}
	fields := make(map[string]contextstore.Value)
	for _, k := range lead.Value.Keys() {
		fields[k], _ = lead.Value.Field(k)
	}
	extra := make(map[string]contextstore.Value)
	disputed := make(map[string]bool)
	for _, o := range d.Options {
		if o.ID == leadID || o.Value == nil || o.Value.Kind() != contextstore.KindObject {
			continue
		}
		for _, k := range o.Value.Keys() {
			if _, own := fields[k]; own || disputed[k] {
				continue
			}
			v, _ := o.Value.Field(k)
			if prev, ok := extra[k]; ok && !prev.Equal(v) {
				delete(extra, k)
				disputed[k] = true
				continue
			}
			extra[k] = v
		}
	}
	for k, v := range extra {
		fields[k] = v
	}
	merged := contextstore.Object(fields)
	return &merged
}

func commonPros(options []Option) []string {
	if len(options) == 0 {
		return nil
	}
	var out []string
	for _, pro := range options[0].Pros {
		shared := true
		for _, o := range options[1:] {
			if !contains(o.Pros, pro) {
				shared = false
				break
			}
		}
		if shared {
			out = append(out, pro)
		}
	}
	return out
}

// ballots turns positions into votes: an agent persuaded during feedback
// votes for the most supported proposal it accepted, others for their position.
func ballots(d *Decision, positions map[string]Position, proposals []Proposal) []Vote {
	var out []Vote
	for _, agentID := range d.Participants {
		pos, hasPos := positions[agentID]
		optionID, best := "", -1
		for _, p := range proposals {
			if contains(p.Supporters, agentID) && len(p.Supporters) > best {
				optionID, best = p.OptionID, len(p.Supporters)
			}
		}
		if optionID == "" {
			continue
		}
		conf := 1.0
		if hasPos {
			conf = pos.Confidence
		}
		out = append(out, Vote{AgentID: agentID, OptionID: optionID, Confidence: conf, Rationale: pos.Rationale})
	}
	return out
}

func supportScores(d *Decision, proposals []Proposal) map[string]float64 {
	scores := make(map[string]float64, len(proposals))
	n := float64(len(d.Participants))
	for _, p := range proposals {
		scores[p.OptionID] = float64(len(p.Supporters)) / n
	}
	return scores
}

// =============================================================================
// conflict.ConsensusRunner
// =============================================================================

// RunConsensus opens a consensus decision for a conflict, seeds each option's
// supporters as voters (or deliberates when a Deliberator is configured) and
// reports the winning option. A result that needed a tie-break or the
// orchestrator's imposition is reported as ErrNoConsensus so the conflict
// moves up to arbitration.
func (e *Engine) RunConsensus(ctx context.Context, req conflict.ConsensusRequest) (*conflict.ConsensusResult, error) {
	domain := req.Domain
	if !domain.IsKnown() {
		domain = types.DomainProject
	}
	cfg := Config{
		Title:        fmt.Sprintf("conflict %s: %s", req.ConflictID, req.Subject),
		Type:         TypeConsensus,
		Domain:       domain,
		Priority:     types.PriorityHigh,
		Participants: req.Participants,
		Deadline:     e.now().Add(e.cfg.ConsensusTimeout),
		ConflictID:   req.ConflictID,
	}
	for _, o := range req.Options {
		cfg.Options = append(cfg.Options, Option{ID: o.ID, Value: o.Value, Supporters: o.Supporters})
	}
	d, err := e.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if e.deliberator != nil {
		d, err = e.BuildConsensus(ctx, d.ID, e.deliberator)
		if err != nil {
			return nil, err
		}
	} else {
		for _, o := range req.Options {
			for _, agentID := range o.Supporters {
				d, err = e.CastVote(ctx, d.ID, Vote{AgentID: agentID, OptionID: o.ID, Confidence: o.Confidence})
				if err != nil {
					return nil, err
				}
				if d.Stage.IsTerminal() {
					break
				}
			}
		}
		if !d.Stage.IsTerminal() {
			d, err = e.settleNow(ctx, d.ID)
			if err != nil {
				return nil, err
			}
		}
	}

	out := d.Outcome
	if out == nil {
		return nil, fmt.Errorf("%w: decision %s closed without outcome", ErrNoConsensus, d.ID)
	}
	if out.Tied || out.Method == MethodOrchestratorForced {
		return nil, fmt.Errorf("%w: decision %s settled by %s", ErrNoConsensus, d.ID, out.Method)
	}
	return &conflict.ConsensusResult{
		OptionID:   out.OptionID,
		DecisionID: d.ID,
		Agreement:  out.Agreement,
		Method:     out.Method,
	}, nil
}

// settleNow finalizes an open decision with the ballots cast so far.
func (e *Engine) settleNow(ctx context.Context, id string) (*Decision, error) {
	en, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if !en.d.Stage.IsTerminal() {
		e.finalize(ctx, en.d, e.settle(en.d))
	}
	return en.d.clone(), nil
}
