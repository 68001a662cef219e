package handoff

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/contextstore"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ContextWriter applies context deltas. *contextstore.Store satisfies it; a
// clashing write comes back as a CONFLICT error carrying a *contextstore.PendingError.
type ContextWriter interface {
	Write(ctx context.Context, req contextstore.WriteRequest) (*contextstore.Version, error)
}

// Member is one branch of a parallel group.
type Member struct {
	Target string `json:"target"`
	Task   Task   `json:"task"`
	// Stage orders members when their work is merged; defaults to the member index.
	Stage int `json:"stage"`
}

// ParallelGroup describes a fan-out.
type ParallelGroup struct {
	ID               string   `json:"id"`
	WorkflowID       string   `json:"workflow_id"`
	Source           string   `json:"source"`
	ContextID        string   `json:"context_id,omitempty"`
	ContextVersionID string   `json:"context_version_id,omitempty"`
	Members          []Member `json:"members"`
	// MemberTimeout overrides the coordinator default.
	MemberTimeout time.Duration `json:"member_timeout,omitempty"`
	// JoinTarget, when set, receives the aggregated parallel_join handoff.
	JoinTarget string `json:"join_target,omitempty"`
}

// MemberResult is one member's state after Join.
type MemberResult struct {
	MessageID  string `json:"message_id"`
	Target     string `json:"target"`
	Stage      int    `json:"stage"`
	Status     Status `json:"status"`
	VersionID  string `json:"version_id,omitempty"`
	PendingID  string `json:"pending_id,omitempty"`
	ConflictID string `json:"conflict_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// JoinResult is the aggregated outcome of a parallel group.
type JoinResult struct {
	GroupID       string         `json:"group_id"`
	Members       []MemberResult `json:"members"`
	PreviousWork  []WorkEntry    `json:"previous_work"`
	HeadVersionID string         `json:"head_version_id,omitempty"`
	Conflicts     []string       `json:"conflicts,omitempty"`
	// Pending lists pending write ids held by the context store.
	Pending  []string `json:"pending,omitempty"`
	TimedOut []string `json:"timed_out,omitempty"`
	// Complete is set when every member completed.
	Complete bool    `json:"complete"`
	Handoff  *Result `json:"handoff,omitempty"`
}

type group struct {
	spec      ParallelGroup
	messages  []string
	startedAt time.Time

	mu     sync.Mutex
	joined bool
	result *JoinResult
	err    error
}

// FanOut emits one parallel_start handoff per member, sharing the group id.
// Members that cannot be delivered are reported in the results and fail the
// returned error; the others proceed.
func (c *Coordinator) FanOut(ctx context.Context, pg ParallelGroup) (string, []*Result, error) {
	if len(pg.Members) == 0 {
		return "", nil, types.NewValidationError("parallel group has no members")
	}
	if pg.Source == "" || pg.WorkflowID == "" {
		return "", nil, types.NewValidationError("parallel group requires source and workflow_id")
	}
	if pg.ID == "" {
		pg.ID = uuid.NewString()
	}
	pg.Members = append([]Member(nil), pg.Members...)

	g := &group{spec: pg, startedAt: c.now(), messages: make([]string, len(pg.Members))}
	msgs := make([]*Message, len(pg.Members))
	for i, mem := range pg.Members {
		stage := mem.Stage
		if stage == 0 {
			stage = i
		}
		pg.Members[i].Stage = stage
		msgs[i] = &Message{
			ID:               uuid.NewString(),
			Source:           pg.Source,
			Target:           mem.Target,
			WorkflowID:       pg.WorkflowID,
			Type:             TypeParallelStart,
			Task:             mem.Task,
			ContextID:        pg.ContextID,
			ContextVersionID: pg.ContextVersionID,
			ParallelGroupID:  pg.ID,
			Metadata:         Metadata{StageIndex: stage, TotalStages: len(pg.Members)},
		}
		g.messages[i] = msgs[i].ID
	}
	g.spec = pg

	c.mu.Lock()
	if _, ok := c.groups[pg.ID]; ok {
		c.mu.Unlock()
		return pg.ID, nil, types.NewValidationError("parallel group %s already exists", pg.ID)
	}
	c.groups[pg.ID] = g
	c.mu.Unlock()

	results := make([]*Result, len(msgs))
	var eg errgroup.Group
	for i, m := range msgs {
		eg.Go(func() error {
			res, err := c.Send(ctx, m)
			results[i] = res
			if err != nil {
				return fmt.Errorf("member %s: %w", m.Target, err)
			}
			return nil
		})
	}
	err := eg.Wait()

	c.logger.Info("parallel fan-out",
		zap.String("group_id", pg.ID),
		zap.Int("members", len(msgs)),
		zap.Error(err),
	)
	c.sink.Emit(types.NewEvent(types.ComponentHandoff, pg.ID, "parallel_started", map[string]any{
		"workflow_id": pg.WorkflowID,
		"members":     len(msgs),
	}))
	return pg.ID, results, err
}

// Join waits until every member of the group is terminal or its timeout has
// fired, then merges previous_work in stage order and applies the members'
// context deltas through the context writer. Clashing deltas are held
// pending by the store and reported in Conflicts. Join runs once per group;
// later calls return the same result. A Join whose ctx ends while it is still
// waiting on members is not recorded, so the group can be joined again.
func (c *Coordinator) Join(ctx context.Context, groupID string) (*JoinResult, error) {
	c.mu.RLock()
	g, ok := c.groups[groupID]
	c.mu.RUnlock()
	if !ok {
		return nil, types.NewNotFoundError("parallel group", groupID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.joined {
		return g.result, g.err
	}
	res, err := c.join(ctx, g)
	if res == nil && ctx.Err() != nil {
		return nil, err
	}
	g.joined, g.result, g.err = true, res, err
	return res, err
}

func (c *Coordinator) join(ctx context.Context, g *group) (*JoinResult, error) {
	timeout := g.spec.MemberTimeout
	if timeout <= 0 {
		timeout = c.cfg.MemberTimeout
	}
	deadline := g.startedAt.Add(timeout)

	res := &JoinResult{GroupID: g.spec.ID, Complete: true}
	type member struct {
		result MemberResult
		rec    *Record
	}
	members := make([]member, 0, len(g.messages))

	for i, id := range g.messages {
		e, err := c.get(id)
		if err != nil {
			return nil, err
		}
		if err := c.waitMember(ctx, e, deadline); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			res.TimedOut = append(res.TimedOut, id)
			if ferr := c.Fail(ctx, id, "parallel member timed out"); ferr != nil {
				c.logger.Debug("member already terminal", zap.String("message_id", id), zap.Error(ferr))
			}
		}
		rec, _ := c.Get(id)
		members = append(members, member{
			result: MemberResult{MessageID: id, Target: rec.Message.Target, Stage: g.spec.Members[i].Stage, Status: rec.Status},
			rec:    rec,
		})
	}
	sort.SliceStable(members, func(i, j int) bool { return members[i].result.Stage < members[j].result.Stage })

	head := g.spec.ContextVersionID
	var doneTasks []string
	for i := range members {
		m := &members[i]
		if m.rec.Status != StatusCompleted {
			res.Complete = false
			if m.rec.Reason != "" {
				m.result.Error = m.rec.Reason
			}
			continue
		}
		doneTasks = append(doneTasks, m.rec.Message.Task.ID)
		if n := len(m.rec.Message.PreviousWork); n > 0 {
			res.PreviousWork = append(res.PreviousWork, m.rec.Message.PreviousWork[n-1])
		}
		out := m.rec.Output
		if out == nil || len(out.Changes) == 0 || c.contexts == nil || g.spec.ContextID == "" {
			continue
		}
		v, err := c.contexts.Write(ctx, contextstore.WriteRequest{
			ContextID:     g.spec.ContextID,
			BaseVersionID: g.spec.ContextVersionID,
			Author:        m.result.Target,
			Changes:       out.Changes,
			Priority:      m.rec.Message.Task.Priority,
			Confidence:    out.Confidence,
		})
		var pe *contextstore.PendingError
		switch {
		case err == nil:
			m.result.VersionID = v.ID
			head = v.ID
		case errors.As(err, &pe):
			m.result.PendingID = pe.PendingID
			m.result.ConflictID = pe.ConflictID
			res.Pending = append(res.Pending, pe.PendingID)
			if pe.ConflictID != "" {
				res.Conflicts = append(res.Conflicts, pe.ConflictID)
			}
		default:
			m.result.Error = err.Error()
			c.logger.Warn("merging parallel member context failed",
				zap.String("group_id", g.spec.ID),
				zap.String("message_id", m.result.MessageID),
				zap.Error(err),
			)
		}
	}
	res.HeadVersionID = head
	for _, m := range members {
		res.Members = append(res.Members, m.result)
	}

	c.logger.Info("parallel join",
		zap.String("group_id", g.spec.ID),
		zap.Bool("complete", res.Complete),
		zap.Int("timed_out", len(res.TimedOut)),
		zap.Int("conflicts", len(res.Conflicts)),
	)
	c.sink.Emit(types.NewEvent(types.ComponentHandoff, g.spec.ID, "parallel_joined", map[string]any{
		"workflow_id": g.spec.WorkflowID,
		"complete":    res.Complete,
		"conflicts":   len(res.Conflicts),
		"timed_out":   len(res.TimedOut),
	}))

	if g.spec.JoinTarget == "" || !res.Complete {
		return res, nil
	}
	joined, err := c.Send(ctx, &Message{
		Source:     g.spec.Source,
		Target:     g.spec.JoinTarget,
		WorkflowID: g.spec.WorkflowID,
		Type:       TypeParallelJoin,
		Task: Task{
			ID:           g.spec.ID + "-join",
			Title:        fmt.Sprintf("join of parallel group %s", g.spec.ID),
			Priority:     types.PriorityMedium,
			Dependencies: doneTasks,
		},
		ContextID:        g.spec.ContextID,
		ContextVersionID: head,
		PreviousWork:     res.PreviousWork,
		ParallelGroupID:  g.spec.ID,
		Metadata:         Metadata{StageIndex: len(members), TotalStages: len(members) + 1},
	})
	res.Handoff = joined
	return res, err
}

func (c *Coordinator) waitMember(ctx context.Context, e *entry, deadline time.Time) error {
	wait := deadline.Sub(c.now())
	if wait <= 0 {
		select {
		case <-e.done:
			return nil
		default:
			return types.NewTimeoutError("parallel member deadline passed")
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-e.done:
		return nil
	case <-timer.C:
		return types.NewTimeoutError("parallel member did not finish within %s", wait)
	case <-ctx.Done():
		return ctx.Err()
	}
}
