package decision

import (
	"context"
	"testing"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Every decision is decided once its deadline has passed, whatever was cast.
func TestProperty_DecisionTermination(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("expired decisions always end decided with a listed option", prop.ForAll(
		func(typ Type, picks []int) bool {
			e := New(DefaultEngineConfig(), newRegistry(t), nil)
			ctx := context.Background()
			participants := []string{"lead", "ux", "a11y"}
			deadline := time.Now().Add(time.Minute)
			d, err := e.Create(ctx, Config{Type: typ, Domain: types.DomainDesign,
				Participants: participants,
				Options:      []Option{{ID: "a"}, {ID: "b"}, {ID: "c"}},
				Deadline:     deadline})
			if err != nil {
				return false
			}
			for i, p := range picks {
				if p < 0 {
					continue
				}
				if _, err := e.CastVote(ctx, d.ID, Vote{AgentID: participants[i], OptionID: d.Options[p].ID, Confidence: 0.7}); err != nil {
					return false
				}
			}
			e.CheckDeadlines(ctx, deadline.Add(time.Second))
			got, err := e.Get(d.ID)
			if err != nil || got.Stage != StageDecided || got.Outcome == nil {
				return false
			}
			_, ok := got.option(got.Outcome.OptionID)
			return ok
		},
		gen.OneConstOf(TypeMajority, TypeSupermajority, TypeUnanimous, TypeWeighted, TypeExpert, TypeConsensus),
		gen.SliceOfN(3, gen.IntRange(-1, 2)),
	))

	properties.TestingRun(t)
}

// The weighted winner never scores below another option.
func TestProperty_WeightedWinnerIsMaximal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("weighted outcome has the maximal score", prop.ForAll(
		func(picks []int, confs []float64) bool {
			e := New(DefaultEngineConfig(), newRegistry(t), nil)
			ctx := context.Background()
			participants := []string{"lead", "ux", "a11y"}
			d, err := e.Create(ctx, Config{Type: TypeWeighted, Domain: types.DomainDesign,
				Participants: participants, Options: twoOptions()})
			if err != nil {
				return false
			}
			for i := range participants {
				d, err = e.CastVote(ctx, d.ID, Vote{AgentID: participants[i], OptionID: d.Options[picks[i]].ID, Confidence: confs[i]})
				if err != nil {
					return false
				}
			}
			if d.Outcome == nil {
				return false
			}
			win := d.Outcome.Scores[d.Outcome.OptionID]
			for _, s := range d.Outcome.Scores {
				if s > win+scoreEpsilon {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(3, gen.IntRange(0, 1)),
		gen.SliceOfN(3, gen.Float64Range(0.1, 1)),
	))

	properties.TestingRun(t)
}
