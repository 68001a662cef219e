// =============================================================================
// 📦 协调服务默认配置
// =============================================================================
// 所有数值默认值与协调核心各组件的 DefaultConfig 保持一致
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
		Redis:       DefaultRedisConfig(),
		Database:    DefaultDatabaseConfig(),
		Persistence: DefaultPersistenceConfig(),
		Handoff:     DefaultHandoffConfig(),
		Context:     DefaultContextConfig(),
		Conflict:    DefaultConflictConfig(),
		Decision:    DefaultDecisionConfig(),
		Tools:       DefaultToolsConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		JWTIssuer:       "coordinator",
		EventBuffer:     256,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "coordinator",
		SampleRate:   0.1,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "coordinator",
		Name:            "coordinator",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultPersistenceConfig 默认使用内存存储
func DefaultPersistenceConfig() PersistenceConfig {
	return PersistenceConfig{
		Type:            "memory",
		BaseDir:         "./data/coordination",
		KeyPrefix:       "coord:",
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		Retention:       7 * 24 * time.Hour,
	}
}

// DefaultHandoffConfig 返回默认交接配置
func DefaultHandoffConfig() HandoffConfig {
	return HandoffConfig{
		AckTimeout:     500 * time.Millisecond,
		EscalateAbove:  time.Second,
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		DefaultETA:     30 * time.Minute,
		MemberTimeout:  10 * time.Minute,
		SendBurst:      10,
		IdempotencyTTL: 24 * time.Hour,
		Idempotency:    "memory",
	}
}

// DefaultContextConfig 返回默认上下文存储配置
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		Retention:       24 * time.Hour,
		GCInterval:      10 * time.Minute,
		BudgetPrefixes:  []string{"performance.budget."},
		MaxRedeliveries: 3,
		RedeliveryDelay: 50 * time.Millisecond,
	}
}

// DefaultConflictConfig 返回默认冲突引擎配置
func DefaultConflictConfig() ConflictConfig {
	return ConflictConfig{
		DetectionThreshold: 0.5,
		AutoResolve:        true,
		TieBreak:           true,
		LearningMinSamples: 3,
		LearningMargin:     0.1,
	}
}

// DefaultDecisionConfig 返回默认决策引擎配置
func DefaultDecisionConfig() DecisionConfig {
	return DecisionConfig{
		ExpertThreshold:  0.8,
		AuthorityStep:    0.05,
		DefaultDeadline:  5 * time.Minute,
		ConsensusTimeout: 30 * time.Second,
		DeadlineInterval: time.Second,
	}
}

// DefaultToolsConfig 返回默认工具仲裁配置
func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		DefaultDuration:  5 * time.Minute,
		Buffer:           30 * time.Second,
		AgingStep:        30 * time.Second,
		SweepInterval:    5 * time.Second,
		DeadlockInterval: 10 * time.Second,
		NotifyWorkers:    8,
	}
}
