package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Level is a rung of the escalation ladder.
type Level int

const (
	LevelStrategy Level = iota
	LevelConsensus
	LevelArbitration
	LevelDeputy
	LevelTieBreak
)

// Ceiling is the highest rung.
const Ceiling = LevelTieBreak

var levelNames = [...]string{"strategy", "consensus", "arbitration", "deputy", "tie_break"}

func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel maps a rung name back to its Level.
func ParseLevel(s string) (Level, bool) {
	for i, n := range levelNames {
		if n == s {
			return Level(i), true
		}
	}
	return 0, false
}

var (
	// ErrCeilingReached is returned by Advance on the last rung.
	ErrCeilingReached = errors.New("escalation ceiling reached")
	// ErrNotUpward rejects jumps that would lower the level.
	ErrNotUpward = errors.New("escalation level must strictly increase")
)

// Step records one rung visited.
type Step struct {
	Level  Level     `json:"level"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Ladder tracks the current escalation level of one entity.
type Ladder struct {
	mu      sync.Mutex
	level   Level
	ceiling Level
	history []Step
	now     func() time.Time
}

// New returns a ladder starting at start and capped at ceiling.
func New(start, ceiling Level) *Ladder {
	if ceiling > Ceiling {
		ceiling = Ceiling
	}
	if start > ceiling {
		start = ceiling
	}
	l := &Ladder{level: start, ceiling: ceiling, now: time.Now}
	l.history = append(l.history, Step{Level: start, At: l.now()})
	return l
}

// Level returns the current rung.
func (l *Ladder) Level() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// AtCeiling reports whether no higher rung remains.
func (l *Ladder) AtCeiling() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level >= l.ceiling
}

// Advance moves one rung up, recording why the current rung failed.
func (l *Ladder) Advance(reason string) (Level, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level >= l.ceiling {
		l.history[len(l.history)-1].Reason = reason
		return l.level, ErrCeilingReached
	}
	return l.moveLocked(l.level+1, reason), nil
}

// JumpTo skips directly to a higher rung, e.g. critical conflicts go straight to arbitration.
func (l *Ladder) JumpTo(to Level, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if to <= l.level {
		return fmt.Errorf("%w: %s -> %s", ErrNotUpward, l.level, to)
	}
	if to > l.ceiling {
		return ErrCeilingReached
	}
	l.moveLocked(to, reason)
	return nil
}

func (l *Ladder) moveLocked(to Level, reason string) Level {
	l.history[len(l.history)-1].Reason = reason
	l.level = to
	l.history = append(l.history, Step{Level: to, At: l.now()})
	return to
}

// History returns the visited rungs, oldest first.
func (l *Ladder) History() []Step {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Step(nil), l.history...)
}

// Rung attempts resolution at one level. ok=false with a reason climbs to
// the next rung; a non-nil error aborts the climb.
type Rung func(ctx context.Context, level Level) (ok bool, reason string, err error)

// Climb runs rung from the current level upward until it succeeds, the
// ladder is exhausted (ErrCeilingReached) or ctx ends.
func (l *Ladder) Climb(ctx context.Context, rung Rung) (Level, error) {
	for {
		if err := ctx.Err(); err != nil {
			return l.Level(), err
		}
		level := l.Level()
		ok, reason, err := rung(ctx, level)
		if err != nil {
			return level, err
		}
		if ok {
			return level, nil
		}
		if _, err := l.Advance(reason); err != nil {
			return level, err
		}
	}
}
