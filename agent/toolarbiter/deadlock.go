package toolarbiter

import (
	"sort"

	"go.uber.org/zap"
)

// waitEdge says that a queued request of From waits on a tool held by To.
type waitEdge struct {
	from, to  string
	requestID string
	toolID    string
	rank      int
	seq       uint64
}

// waitGraph is the agent -> holding-agent graph built from all tools.
type waitGraph struct {
	adj   map[string][]string
	edges map[[2]string][]waitEdge
}

func (a *Arbiter) buildWaitGraph() *waitGraph {
	a.mu.RLock()
	ids := make([]string, 0, len(a.tools))
	for id := range a.tools {
		ids = append(ids, id)
	}
	a.mu.RUnlock()
	sort.Strings(ids)

	g := &waitGraph{adj: make(map[string][]string), edges: make(map[[2]string][]waitEdge)}
	now := a.now()
	for _, id := range ids {
		ts, err := a.state(id)
		if err != nil {
			continue
		}
		ts.mu.Lock()
		holders := make(map[string]bool)
		for _, l := range ts.locks {
			holders[l.AgentID] = true
		}
		for _, w := range ts.queue.items {
			for h := range holders {
				key := [2]string{w.req.AgentID, h}
				if len(g.edges[key]) == 0 {
					g.adj[w.req.AgentID] = append(g.adj[w.req.AgentID], h)
				}
				g.edges[key] = append(g.edges[key], waitEdge{
					from:      w.req.AgentID,
					to:        h,
					requestID: w.req.ID,
					toolID:    id,
					rank:      w.effective(now, a.cfg.AgingStep).Rank(),
					seq:       w.seq,
				})
			}
		}
		ts.mu.Unlock()
	}
	for k := range g.adj {
		sort.Strings(g.adj[k])
	}
	return g
}

// findCycle runs a deterministic DFS and returns one cycle, or nil.
func (g *waitGraph) findCycle() []string {
	nodes := make([]string, 0, len(g.adj))
	for n := range g.adj {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int)
	var stack []string
	var cycle []string

	var dfs func(u string) bool
	dfs = func(u string) bool {
		color[u] = grey
		stack = append(stack, u)
		for _, v := range g.adj[u] {
			switch color[v] {
			case grey:
				// back edge u -> v closes the cycle v ... u
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == v {
						cycle = append([]string(nil), stack[i:]...)
						return true
					}
				}
			case white:
				if dfs(v) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return false
	}
	for _, n := range nodes {
		if color[n] == white && dfs(n) {
			return rotate(cycle)
		}
	}
	return nil
}

// rotate starts the cycle at its smallest agent id.
func rotate(cycle []string) []string {
	if len(cycle) == 0 {
		return cycle
	}
	min := 0
	for i, n := range cycle {
		if n < cycle[min] {
			min = i
		}
	}
	return append(append([]string(nil), cycle[min:]...), cycle[:min]...)
}

// victim picks the lowest-priority request on the cycle's edges, newest first on ties.
func (g *waitGraph) victim(cycle []string) (waitEdge, bool) {
	var best waitEdge
	found := false
	for i, from := range cycle {
		to := cycle[(i+1)%len(cycle)]
		for _, e := range g.edges[[2]string{from, to}] {
			if !found || e.rank < best.rank || e.rank == best.rank && e.seq > best.seq {
				best, found = e, true
			}
		}
	}
	return best, found
}

// DetectDeadlocks breaks every cycle in the wait-for graph by aborting the
// lowest-priority waiting request in it. The aborted requester receives
// ErrAborted and a notification so it can retry.
func (a *Arbiter) DetectDeadlocks() []Deadlock {
	var found []Deadlock
	// each round removes one queued request, so this terminates
	for {
		g := a.buildWaitGraph()
		cycle := g.findCycle()
		if cycle == nil {
			return found
		}
		e, ok := g.victim(cycle)
		if !ok {
			return found
		}
		if err := a.dropWaiter(e.requestID, ErrAborted); err != nil {
			// granted or cancelled since the snapshot; look again
			a.logger.Debug("deadlock victim already left the queue", zap.String("request_id", e.requestID), zap.Error(err))
			continue
		}
		if a.metrics != nil {
			a.metrics.RecordDeadlock()
		}
		a.logger.Warn("tool deadlock broken",
			zap.Strings("agents", cycle),
			zap.String("aborted_request", e.requestID),
			zap.String("tool_id", e.toolID),
			zap.String("agent_id", e.from),
		)
		a.emit(e.toolID, e.requestID, "deadlock", map[string]any{"agents": cycle, "agent_id": e.from})
		found = append(found, Deadlock{Agents: cycle, Aborted: e.requestID})
	}
}
