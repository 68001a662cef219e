package coordination

import (
	"fmt"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/conflict"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/contextstore"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/decision"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/handoff"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/persistence"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/toolarbiter"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/config"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/cache"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
)

func contextConfig(c config.ContextConfig) contextstore.Config {
	return contextstore.Config{
		Retention:       c.Retention,
		GCInterval:      c.GCInterval,
		BudgetPrefixes:  append([]string(nil), c.BudgetPrefixes...),
		MaxRedeliveries: c.MaxRedeliveries,
		RedeliveryDelay: c.RedeliveryDelay,
	}
}

func handoffConfig(c config.HandoffConfig) handoff.Config {
	return handoff.Config{
		AckTimeout:     c.AckTimeout,
		EscalateAbove:  c.EscalateAbove,
		MaxAttempts:    c.MaxAttempts,
		BaseDelay:      c.BaseDelay,
		MaxDelay:       c.MaxDelay,
		DefaultETA:     c.DefaultETA,
		MemberTimeout:  c.MemberTimeout,
		SendRate:       c.SendRate,
		SendBurst:      c.SendBurst,
		IdempotencyTTL: c.IdempotencyTTL,
	}
}

func conflictConfig(c config.ConflictConfig) conflict.Config {
	cfg := conflict.DefaultConfig()
	cfg.DetectionThreshold = c.DetectionThreshold
	cfg.AutoResolve = c.AutoResolve
	cfg.TieBreak = c.TieBreak
	cfg.LearningMinSamples = c.LearningMinSamples
	cfg.LearningMargin = c.LearningMargin
	return cfg
}

func decisionConfig(c config.DecisionConfig) decision.EngineConfig {
	return decision.EngineConfig{
		ExpertThreshold:  c.ExpertThreshold,
		AuthorityStep:    c.AuthorityStep,
		DefaultDeadline:  c.DefaultDeadline,
		ConsensusTimeout: c.ConsensusTimeout,
		DeadlineInterval: c.DeadlineInterval,
	}
}

func arbiterConfig(c config.ToolsConfig) toolarbiter.Config {
	cfg := toolarbiter.DefaultConfig()
	cfg.DefaultDuration = c.DefaultDuration
	cfg.Buffer = c.Buffer
	cfg.AgingStep = c.AgingStep
	cfg.SweepInterval = c.SweepInterval
	cfg.DeadlockInterval = c.DeadlockInterval
	if c.NotifyWorkers > 0 {
		cfg.NotifyWorkers = c.NotifyWorkers
	}
	return cfg
}

func storeConfig(p config.PersistenceConfig, r config.RedisConfig) persistence.StoreConfig {
	cfg := persistence.DefaultStoreConfig()
	cfg.Type = persistence.StoreType(p.Type)
	if p.BaseDir != "" {
		cfg.BaseDir = p.BaseDir
	}
	cfg.Redis = persistence.RedisStoreConfig{
		Addr:      r.Addr,
		Password:  r.Password,
		DB:        r.DB,
		PoolSize:  r.PoolSize,
		KeyPrefix: p.KeyPrefix,
	}
	cfg.Cleanup = persistence.CleanupConfig{
		Enabled:   p.CleanupEnabled,
		Interval:  p.CleanupInterval,
		Retention: p.Retention,
	}
	return cfg
}

func redisConfig(r config.RedisConfig) cache.Config {
	cfg := cache.DefaultConfig()
	cfg.Addr = r.Addr
	cfg.Password = r.Password
	cfg.DB = r.DB
	if r.PoolSize > 0 {
		cfg.PoolSize = r.PoolSize
	}
	if r.MinIdleConns > 0 {
		cfg.MinIdleConns = r.MinIdleConns
	}
	return cfg
}

// Agent converts a configured agent seed into a registry entry.
func Agent(c config.AgentConfig) (types.Agent, error) {
	weights := make(map[types.Domain]float64, len(c.DomainWeights))
	for name, w := range c.DomainWeights {
		d, ok := types.ParseDomain(name)
		if !ok {
			return types.Agent{}, types.NewValidationError("agent %s: unknown domain %q", c.ID, name)
		}
		weights[d] = w
	}
	return types.Agent{
		ID:             c.ID,
		DomainWeights:  weights,
		AuthorityScore: c.AuthorityScore,
		Orchestrator:   c.Orchestrator,
		Deputy:         c.Deputy,
	}, nil
}

// Tool converts a catalog entry into an arbiter tool.
func Tool(c config.ToolConfig) (toolarbiter.Tool, error) {
	cat := toolarbiter.Category(c.Category)
	if !cat.Valid() {
		return toolarbiter.Tool{}, fmt.Errorf("tool %s: unknown category %q", c.ID, c.Category)
	}
	return toolarbiter.Tool{
		ID:                c.ID,
		Name:              c.Name,
		Category:          cat,
		ConcurrentLimit:   c.ConcurrentLimit,
		AllowedAgents:     append([]string(nil), c.AllowedAgents...),
		EstimatedDuration: c.EstimatedDuration,
	}, nil
}
