package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"go.uber.org/zap"
)

// ============================================================================
// 智能体注册表
// ============================================================================
//
// 所有智能体在系统启动时注册，之后永不删除。注册表保存每个智能体的
// 领域专长权重与权威值，并指定唯一的编排者与可选的副手（当编排者本身
// 是冲突当事方时由副手仲裁）。
// ============================================================================

var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrAgentExists       = errors.New("agent already registered")
	ErrNoOrchestrator    = errors.New("no orchestrator registered")
	ErrMultipleOrchestra = errors.New("orchestrator already designated")
)

// Registry 智能体注册表
type Registry struct {
	agents       map[string]*types.Agent
	order        []string
	orchestrator string
	deputy       string
	mu           sync.RWMutex
	logger       *zap.Logger
}

// New 创建注册表
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents: make(map[string]*types.Agent),
		logger: logger.With(zap.String("component", "agent_registry")),
	}
}

// Register 注册智能体
func (r *Registry) Register(a types.Agent) error {
	if a.ID == "" {
		return types.NewValidationError("agent id is required")
	}
	for d, w := range a.DomainWeights {
		if w < 0 || w > 1 {
			return types.NewValidationError("agent %s: weight for %s out of [0,1]: %v", a.ID, d, w)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAgentExists, a.ID)
	}
	if a.Orchestrator && r.orchestrator != "" {
		return fmt.Errorf("%w: %s", ErrMultipleOrchestra, r.orchestrator)
	}

	// 权威值默认 1.0
	if a.AuthorityScore == 0 {
		a.AuthorityScore = types.DefaultAuthority
	}
	a.AuthorityScore = types.ClampAuthority(a.AuthorityScore)

	weights := make(map[types.Domain]float64, len(a.DomainWeights))
	for d, w := range a.DomainWeights {
		weights[d] = w
	}
	a.DomainWeights = weights

	stored := a
	r.agents[a.ID] = &stored
	r.order = append(r.order, a.ID)

	if a.Orchestrator {
		r.orchestrator = a.ID
	}
	if a.Deputy && r.deputy == "" {
		r.deputy = a.ID
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", a.ID),
		zap.Float64("authority", stored.AuthorityScore),
		zap.Bool("orchestrator", a.Orchestrator),
	)
	return nil
}

// Get 返回智能体快照
func (r *Registry) Get(agentID string) (types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok {
		return types.Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return copyAgent(a), nil
}

// Has 检查智能体是否已注册
func (r *Registry) Has(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// List 按注册顺序返回所有智能体
func (r *Registry) List() []types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, copyAgent(r.agents[id]))
	}
	return out
}

// DomainWeight 返回某智能体在某领域的专长权重，未注册返回 0
func (r *Registry) DomainWeight(agentID string, d types.Domain) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentID].Weight(d)
}

// AuthorityScore 返回当前权威值
func (r *Registry) AuthorityScore(agentID string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[agentID]; ok {
		return a.AuthorityScore
	}
	return 0
}

// AdjustAuthority 根据决策反馈调整权威值，结果限制在 [0.5, 2.0]
func (r *Registry) AdjustAuthority(agentID string, delta float64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	before := a.AuthorityScore
	a.AuthorityScore = types.ClampAuthority(a.AuthorityScore + delta)

	r.logger.Debug("authority adjusted",
		zap.String("agent_id", agentID),
		zap.Float64("before", before),
		zap.Float64("after", a.AuthorityScore),
	)
	return a.AuthorityScore, nil
}

// Orchestrator 返回编排者 ID
func (r *Registry) Orchestrator() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.orchestrator == "" {
		return "", ErrNoOrchestrator
	}
	return r.orchestrator, nil
}

// Deputy 返回副手 ID，未指定时返回空串
func (r *Registry) Deputy() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deputy
}

// SetDeputy 指定副手
func (r *Registry) SetDeputy(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if agentID == r.orchestrator {
		return types.NewValidationError("orchestrator cannot be its own deputy")
	}
	r.deputy = agentID
	return nil
}

// Experts 返回在领域 d 上权重不低于 threshold 的智能体，按权重降序
func (r *Registry) Experts(d types.Domain, threshold float64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, id := range r.order {
		if r.agents[id].Weight(d) >= threshold {
			ids = append(ids, id)
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		return r.agents[ids[i]].Weight(d) > r.agents[ids[j]].Weight(d)
	})
	return ids
}

// Arbiter 为一组冲突当事方选出仲裁者。
// 编排者不是当事方时由编排者仲裁；否则由副手仲裁（副手也不能是当事方）；
// 二者都不可用时返回空串，调用方需使用固定的平局规则。
func (r *Registry) Arbiter(parties []string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	involved := make(map[string]struct{}, len(parties))
	for _, p := range parties {
		involved[p] = struct{}{}
	}
	if r.orchestrator != "" {
		if _, party := involved[r.orchestrator]; !party {
			return r.orchestrator
		}
	}
	if r.deputy != "" {
		if _, party := involved[r.deputy]; !party {
			return r.deputy
		}
	}
	return ""
}

func copyAgent(a *types.Agent) types.Agent {
	out := *a
	out.DomainWeights = make(map[types.Domain]float64, len(a.DomainWeights))
	for d, w := range a.DomainWeights {
		out.DomainWeights[d] = w
	}
	return out
}
