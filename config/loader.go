// =============================================================================
// 📦 协调服务配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("coordinator.yaml").
//	    WithEnvPrefix("COORD").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是协调服务的完整配置结构
type Config struct {
	Server      ServerConfig      `yaml:"server" env:"SERVER"`
	Log         LogConfig         `yaml:"log" env:"LOG"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" env:"TELEMETRY"`
	Redis       RedisConfig       `yaml:"redis" env:"REDIS"`
	Database    DatabaseConfig    `yaml:"database" env:"DATABASE"`
	Persistence PersistenceConfig `yaml:"persistence" env:"PERSISTENCE"`

	Handoff  HandoffConfig  `yaml:"handoff" env:"HANDOFF"`
	Context  ContextConfig  `yaml:"context" env:"CONTEXT"`
	Conflict ConflictConfig `yaml:"conflict" env:"CONFLICT"`
	Decision DecisionConfig `yaml:"decision" env:"DECISION"`
	Tools    ToolsConfig    `yaml:"tools" env:"TOOLS"`

	// Agents 启动时注册的智能体，仅从 YAML 读取
	Agents []AgentConfig `yaml:"agents"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每客户端限流，RateLimitRPS 为 0 时关闭
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// API Key 认证，为空时不启用
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// JWT 认证，JWTSecret 为空时不启用
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTIssuer string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	// 事件流的每连接缓冲
	EventBuffer int `yaml:"event_buffer" env:"EVENT_BUFFER"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// RedisConfig Redis 配置，用于 redis 持久化后端与幂等存储
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 数据库配置，用于 sql 持久化后端
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite（纯 Go）, sqlite3（cgo）
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 启动时自动执行迁移
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// PersistenceConfig 审计记录与版本日志存储
type PersistenceConfig struct {
	// Type: memory, file, redis, sql
	Type      string `yaml:"type" env:"TYPE"`
	BaseDir   string `yaml:"base_dir" env:"BASE_DIR"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 审计记录保留
	CleanupEnabled  bool          `yaml:"cleanup_enabled" env:"CLEANUP_ENABLED"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	Retention       time.Duration `yaml:"retention" env:"RETENTION"`
	// 记录版本日志
	VersionLog bool `yaml:"version_log" env:"VERSION_LOG"`
}

// HandoffConfig 交接协调器配置
type HandoffConfig struct {
	AckTimeout    time.Duration `yaml:"ack_timeout" env:"ACK_TIMEOUT"`
	EscalateAbove time.Duration `yaml:"escalate_above" env:"ESCALATE_ABOVE"`
	MaxAttempts   int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay     time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay      time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	DefaultETA    time.Duration `yaml:"default_eta" env:"DEFAULT_ETA"`
	MemberTimeout time.Duration `yaml:"member_timeout" env:"MEMBER_TIMEOUT"`
	// 每个发送方的速率限制，SendRate 为 0 时关闭
	SendRate       float64       `yaml:"send_rate" env:"SEND_RATE"`
	SendBurst      int           `yaml:"send_burst" env:"SEND_BURST"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" env:"IDEMPOTENCY_TTL"`
	// Idempotency: memory, redis
	Idempotency string `yaml:"idempotency" env:"IDEMPOTENCY"`
}

// ContextConfig 共享上下文存储配置
type ContextConfig struct {
	Retention       time.Duration `yaml:"retention" env:"RETENTION"`
	GCInterval      time.Duration `yaml:"gc_interval" env:"GC_INTERVAL"`
	BudgetPrefixes  []string      `yaml:"budget_prefixes" env:"BUDGET_PREFIXES"`
	MaxRedeliveries int           `yaml:"max_redeliveries" env:"MAX_REDELIVERIES"`
	RedeliveryDelay time.Duration `yaml:"redelivery_delay" env:"REDELIVERY_DELAY"`
}

// ConflictConfig 冲突引擎配置
type ConflictConfig struct {
	DetectionThreshold float64 `yaml:"detection_threshold" env:"DETECTION_THRESHOLD"`
	AutoResolve        bool    `yaml:"auto_resolve" env:"AUTO_RESOLVE"`
	TieBreak           bool    `yaml:"tie_break" env:"TIE_BREAK"`
	LearningMinSamples int     `yaml:"learning_min_samples" env:"LEARNING_MIN_SAMPLES"`
	LearningMargin     float64 `yaml:"learning_margin" env:"LEARNING_MARGIN"`
}

// DecisionConfig 决策引擎配置
type DecisionConfig struct {
	ExpertThreshold  float64       `yaml:"expert_threshold" env:"EXPERT_THRESHOLD"`
	AuthorityStep    float64       `yaml:"authority_step" env:"AUTHORITY_STEP"`
	DefaultDeadline  time.Duration `yaml:"default_deadline" env:"DEFAULT_DEADLINE"`
	ConsensusTimeout time.Duration `yaml:"consensus_timeout" env:"CONSENSUS_TIMEOUT"`
	DeadlineInterval time.Duration `yaml:"deadline_interval" env:"DEADLINE_INTERVAL"`
}

// ToolsConfig 工具仲裁配置与工具目录
type ToolsConfig struct {
	DefaultDuration  time.Duration `yaml:"default_duration" env:"DEFAULT_DURATION"`
	Buffer           time.Duration `yaml:"buffer" env:"BUFFER"`
	AgingStep        time.Duration `yaml:"aging_step" env:"AGING_STEP"`
	SweepInterval    time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	DeadlockInterval time.Duration `yaml:"deadlock_interval" env:"DEADLOCK_INTERVAL"`
	NotifyWorkers    int           `yaml:"notify_workers" env:"NOTIFY_WORKERS"`
	// Catalog 仅从 YAML 读取，可热重载
	Catalog []ToolConfig `yaml:"catalog"`
}

// ToolConfig 目录中的一个工具
type ToolConfig struct {
	ID                string        `yaml:"id"`
	Name              string        `yaml:"name"`
	Category          string        `yaml:"category"`
	ConcurrentLimit   int           `yaml:"concurrent_limit"`
	AllowedAgents     []string      `yaml:"allowed_agents"`
	EstimatedDuration time.Duration `yaml:"estimated_duration"`
}

// AgentConfig 智能体注册种子
type AgentConfig struct {
	ID             string             `yaml:"id"`
	DomainWeights  map[string]float64 `yaml:"domain_weights"`
	AuthorityScore float64            `yaml:"authority_score"`
	Orchestrator   bool               `yaml:"orchestrator"`
	Deputy         bool               `yaml:"deputy"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{envPrefix: "COORD"}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置并执行 Validate 与自定义验证器
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 按 env tag 递归覆盖字段，键为 PREFIX_SECTION_FIELD
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct && field.Type() != durationType {
			if err := setFieldsFromEnv(field, key); err != nil {
				return err
			}
			continue
		}
		raw, ok := os.LookupEnv(key)
		if !ok || raw == "" {
			continue
		}
		if err := setFieldValue(field, raw); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := parts[:0]
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}
	return nil
}

// =============================================================================
// 🔍 校验
// =============================================================================

var (
	validLogLevels   = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validStoreTypes  = map[string]bool{"memory": true, "file": true, "redis": true, "sql": true}
	validDrivers     = map[string]bool{"postgres": true, "mysql": true, "sqlite": true, "sqlite3": true}
	validToolKinds   = map[string]bool{"": true, "exclusive": true, "shared": true, "pool": true, "agent_specific": true}
	validIdempotency = map[string]bool{"memory": true, "redis": true}
)

// Validate 拒绝不可能的取值，所有问题一次性返回
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		add("invalid HTTP port %d", c.Server.HTTPPort)
	}
	if c.Server.RateLimitRPS < 0 {
		add("rate_limit_rps must not be negative")
	}
	if !validLogLevels[c.Log.Level] {
		add("unknown log level %q", c.Log.Level)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		add("telemetry sample_rate must be within [0, 1]")
	}
	if !validStoreTypes[c.Persistence.Type] {
		add("unknown persistence type %q", c.Persistence.Type)
	}
	if c.Persistence.Type == "file" && c.Persistence.BaseDir == "" {
		add("persistence base_dir is required for the file backend")
	}
	if c.Persistence.Type == "sql" && !validDrivers[c.Database.Driver] {
		add("unknown database driver %q", c.Database.Driver)
	}

	h := c.Handoff
	if h.AckTimeout <= 0 {
		add("handoff ack_timeout must be positive")
	}
	if h.MaxAttempts < 1 {
		add("handoff max_attempts must be at least 1")
	}
	if h.BaseDelay < 0 || h.MaxDelay < h.BaseDelay {
		add("handoff delays must satisfy 0 <= base_delay <= max_delay")
	}
	if h.SendRate < 0 {
		add("handoff send_rate must not be negative")
	}
	if !validIdempotency[h.Idempotency] {
		add("unknown handoff idempotency store %q", h.Idempotency)
	}

	if c.Context.Retention <= 0 {
		add("context retention must be positive")
	}
	if t := c.Conflict.DetectionThreshold; t < 0 || t > 1 {
		add("conflict detection_threshold must be within [0, 1]")
	}
	if t := c.Decision.ExpertThreshold; t < 0 || t > 1 {
		add("decision expert_threshold must be within [0, 1]")
	}
	if c.Decision.AuthorityStep < 0 {
		add("decision authority_step must not be negative")
	}

	if c.Tools.Buffer < 0 || c.Tools.AgingStep < 0 {
		add("tools buffer and aging_step must not be negative")
	}
	seen := make(map[string]bool)
	for i, tc := range c.Tools.Catalog {
		switch {
		case tc.ID == "":
			add("tools.catalog[%d] needs an id", i)
		case seen[tc.ID]:
			add("tool %s is listed twice", tc.ID)
		case !validToolKinds[tc.Category]:
			add("tool %s has unknown category %q", tc.ID, tc.Category)
		case tc.Category != "" && tc.Category != "exclusive" && tc.ConcurrentLimit < 1:
			add("tool %s needs concurrent_limit >= 1", tc.ID)
		}
		seen[tc.ID] = true
	}

	orchestrators := 0
	ids := make(map[string]bool)
	for i, a := range c.Agents {
		if a.ID == "" {
			add("agents[%d] needs an id", i)
			continue
		}
		if ids[a.ID] {
			add("agent %s is listed twice", a.ID)
		}
		ids[a.ID] = true
		if a.Orchestrator {
			orchestrators++
		}
		for d, w := range a.DomainWeights {
			if w < 0 || w > 1 {
				add("agent %s weight for %s must be within [0, 1]", a.ID, d)
			}
		}
	}
	if orchestrators > 1 {
		add("at most one agent may be the orchestrator")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite", "sqlite3":
		return d.Name
	default:
		return ""
	}
}

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
