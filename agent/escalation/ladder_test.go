package escalation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestLadder_AdvanceToCeiling(t *testing.T) {
	l := New(LevelStrategy, Ceiling)
	want := []Level{LevelConsensus, LevelArbitration, LevelDeputy, LevelTieBreak}
	for _, w := range want {
		got, err := l.Advance("failed")
		require.NoError(t, err)
		assert.Equal(t, w, got)
	}
	assert.True(t, l.AtCeiling())

	_, err := l.Advance("still failing")
	assert.ErrorIs(t, err, ErrCeilingReached)
	assert.Len(t, l.History(), 5)
	assert.Equal(t, "still failing", l.History()[4].Reason)
}

func TestLadder_JumpTo(t *testing.T) {
	l := New(LevelStrategy, LevelDeputy)
	require.NoError(t, l.JumpTo(LevelArbitration, "critical"))
	assert.Equal(t, LevelArbitration, l.Level())

	assert.ErrorIs(t, l.JumpTo(LevelConsensus, "down"), ErrNotUpward)
	assert.ErrorIs(t, l.JumpTo(LevelTieBreak, "past ceiling"), ErrCeilingReached)
}

func TestLadder_ClimbStopsAtFirstSuccess(t *testing.T) {
	l := New(LevelStrategy, Ceiling)
	var visited []Level
	level, err := l.Climb(context.Background(), func(_ context.Context, lv Level) (bool, string, error) {
		visited = append(visited, lv)
		return lv == LevelArbitration, "no winner", nil
	})
	require.NoError(t, err)
	assert.Equal(t, LevelArbitration, level)
	assert.Equal(t, []Level{LevelStrategy, LevelConsensus, LevelArbitration}, visited)
}

func TestLadder_ClimbExhausted(t *testing.T) {
	l := New(LevelConsensus, LevelArbitration)
	level, err := l.Climb(context.Background(), func(context.Context, Level) (bool, string, error) {
		return false, "nope", nil
	})
	assert.ErrorIs(t, err, ErrCeilingReached)
	assert.Equal(t, LevelArbitration, level)
}

func TestLadder_ClimbAbortsOnError(t *testing.T) {
	boom := errors.New("boom")
	l := New(LevelStrategy, Ceiling)
	_, err := l.Climb(context.Background(), func(context.Context, Level) (bool, string, error) {
		return false, "", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, LevelStrategy, l.Level())
}

func TestLevel_StringRoundTrip(t *testing.T) {
	for lv := LevelStrategy; lv <= Ceiling; lv++ {
		parsed, ok := ParseLevel(lv.String())
		require.True(t, ok)
		assert.Equal(t, lv, parsed)
	}
	assert.Equal(t, "level(9)", Level(9).String())
}

// Any sequence of Advance/JumpTo calls keeps the level strictly increasing
// and terminates within Ceiling+1 steps.
func TestLadder_MonotonicProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		l := New(LevelStrategy, Ceiling)
		prev := l.Level()
		moves := 0
		for i := 0; i < 20; i++ {
			var err error
			if rapid.Bool().Draw(rt, "jump") {
				err = l.JumpTo(Level(rapid.IntRange(0, int(Ceiling)).Draw(rt, "to")), "jump")
			} else {
				_, err = l.Advance("advance")
			}
			cur := l.Level()
			if err == nil {
				moves++
				if cur <= prev {
					rt.Fatalf("level did not increase: %s -> %s", prev, cur)
				}
			} else if cur != prev {
				rt.Fatalf("failed move changed level")
			}
			prev = cur
		}
		if moves > int(Ceiling) {
			rt.Fatalf("%d successful moves exceed ceiling", moves)
		}
	})
}
