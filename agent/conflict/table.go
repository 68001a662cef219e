package conflict

import (
	"sort"
	"sync"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
)

// Rule maps (category, severity, mergeable) to a strategy. Empty Category or
// Severity and a nil Mergeable match anything.
type Rule struct {
	Category  Category     `json:"category,omitempty" yaml:"category"`
	Severity  Severity     `json:"severity,omitempty" yaml:"severity"`
	Mergeable *bool        `json:"mergeable,omitempty" yaml:"mergeable"`
	Strategy  StrategyName `json:"strategy" yaml:"strategy"`
}

func (r Rule) matches(c *Conflict) bool {
	if r.Category != "" && r.Category != c.Category {
		return false
	}
	if r.Severity != "" && r.Severity != c.Severity {
		return false
	}
	if r.Mergeable != nil && *r.Mergeable != c.Mergeable {
		return false
	}
	return true
}

func boolPtr(b bool) *bool { return &b }

// DefaultStrategy applies when no rule matches.
const DefaultStrategy = StrategyPriority

// DefaultRules is the strategy table, first match wins.
func DefaultRules() []Rule {
	return []Rule{
		{Category: CategoryContextValue, Mergeable: boolPtr(true), Strategy: StrategyAutoMerge},
		{Severity: SeverityCritical, Strategy: StrategyArbitration},
		{Category: CategoryContextValue, Severity: SeverityLow, Mergeable: boolPtr(false), Strategy: StrategyPriority},
		{Category: CategoryContextValue, Severity: SeverityMedium, Mergeable: boolPtr(false), Strategy: StrategyPriority},
		{Category: CategoryRecommendation, Severity: SeverityMedium, Strategy: StrategyExpertise},
		{Category: CategoryRecommendation, Severity: SeverityHigh, Strategy: StrategyExpertise},
		{Severity: SeverityHigh, Strategy: StrategyConsensus},
	}
}

type table struct {
	mu    sync.RWMutex
	rules []Rule
}

func (t *table) lookup(c *Conflict) StrategyName {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.rules {
		if r.matches(c) {
			return r.Strategy
		}
	}
	return DefaultStrategy
}

// prepend puts r ahead of every existing rule so it overrides them.
func (t *table) prepend(r Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append([]Rule{r}, t.rules...)
}

func (t *table) snapshot() []Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Rule(nil), t.rules...)
}

// =============================================================================
// Learning
// =============================================================================

type learnKey struct {
	category Category
	domain   types.Domain
}

// Effectiveness summarizes how well a strategy has worked for one
// (category, domain) pair.
type Effectiveness struct {
	Strategy   StrategyName `json:"strategy"`
	Attempts   int          `json:"attempts"`
	Acceptance float64      `json:"acceptance"` // mean acceptance ratio in [0,1]
}

// Learner records per-(category, domain) acceptance and recommends a
// strategy that has clearly outperformed the table's choice.
type Learner struct {
	mu         sync.Mutex
	stats      map[learnKey]map[StrategyName]*Effectiveness
	minSamples int
	margin     float64
}

// NewLearner creates a learner. A strategy is preferred over the table's
// choice once it has minSamples observations and beats it by margin.
func NewLearner(minSamples int, margin float64) *Learner {
	if minSamples < 1 {
		minSamples = 1
	}
	return &Learner{
		stats:      make(map[learnKey]map[StrategyName]*Effectiveness),
		minSamples: minSamples,
		margin:     margin,
	}
}

// Observe records the acceptance ratio a strategy achieved; failures record 0.
func (l *Learner) Observe(cat Category, domain types.Domain, s StrategyName, ratio float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := learnKey{cat, domain}
	m, ok := l.stats[k]
	if !ok {
		m = make(map[StrategyName]*Effectiveness)
		l.stats[k] = m
	}
	e, ok := m[s]
	if !ok {
		e = &Effectiveness{Strategy: s}
		m[s] = e
	}
	e.Acceptance = (e.Acceptance*float64(e.Attempts) + types.ClampUnit(ratio)) / float64(e.Attempts+1)
	e.Attempts++
}

// Prefer returns the candidate with the best observed acceptance when it
// beats selected by the configured margin, otherwise selected.
func (l *Learner) Prefer(cat Category, domain types.Domain, selected StrategyName, candidates []StrategyName) StrategyName {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.stats[learnKey{cat, domain}]
	if m == nil {
		return selected
	}
	base := 0.5
	if e, ok := m[selected]; ok && e.Attempts >= l.minSamples {
		base = e.Acceptance
	}
	best, bestScore := selected, base+l.margin
	for _, c := range candidates {
		if c == selected {
			continue
		}
		e, ok := m[c]
		if !ok || e.Attempts < l.minSamples {
			continue
		}
		if e.Acceptance > bestScore || (e.Acceptance == bestScore && best == selected) {
			best, bestScore = c, e.Acceptance
		}
	}
	return best
}

// Stats returns the observations for (cat, domain) ordered by strategy name.
func (l *Learner) Stats(cat Category, domain types.Domain) []Effectiveness {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Effectiveness
	for _, e := range l.stats[learnKey{cat, domain}] {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out
}
