// 配置加载器测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coordinator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 500*time.Millisecond, cfg.Handoff.AckTimeout)
	assert.Empty(t, cfg.Agents)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 9000
  read_timeout: 45s
handoff:
  ack_timeout: 750ms
  max_attempts: 5
  fallback_ignored: true
tools:
  aging_step: 1m
  catalog:
    - id: figma
      category: exclusive
      estimated_duration: 10m
    - id: browsers
      category: pool
      concurrent_limit: 4
      allowed_agents: [qa, perf]
agents:
  - id: orch
    orchestrator: true
    domain_weights: {project: 0.9}
  - id: designer
    domain_weights: {design: 0.95, accessibility: 0.6}
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 750*time.Millisecond, cfg.Handoff.AckTimeout)
	assert.Equal(t, 5, cfg.Handoff.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Handoff.BaseDelay, "unset fields keep defaults")
	assert.Equal(t, time.Minute, cfg.Tools.AgingStep)

	require.Len(t, cfg.Tools.Catalog, 2)
	assert.Equal(t, 10*time.Minute, cfg.Tools.Catalog[0].EstimatedDuration)
	assert.Equal(t, []string{"qa", "perf"}, cfg.Tools.Catalog[1].AllowedAgents)

	require.Len(t, cfg.Agents, 2)
	assert.True(t, cfg.Agents[0].Orchestrator)
	assert.Equal(t, 0.95, cfg.Agents[1].DomainWeights["design"])
}

func TestLoader_MissingFileKeepsDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server, cfg.Server)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestLoader_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 9000\n")
	t.Setenv("COORD_SERVER_HTTP_PORT", "9100")
	t.Setenv("COORD_HANDOFF_ACK_TIMEOUT", "2s")
	t.Setenv("COORD_HANDOFF_SEND_RATE", "2.5")
	t.Setenv("COORD_CONFLICT_AUTO_RESOLVE", "false")
	t.Setenv("COORD_SERVER_API_KEYS", "k1, k2,")
	t.Setenv("COORD_PERSISTENCE_TYPE", "redis")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.HTTPPort, "env wins over yaml")
	assert.Equal(t, 2*time.Second, cfg.Handoff.AckTimeout)
	assert.Equal(t, 2.5, cfg.Handoff.SendRate)
	assert.False(t, cfg.Conflict.AutoResolve)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Server.APIKeys)
	assert.Equal(t, "redis", cfg.Persistence.Type)
}

func TestLoader_CustomPrefix(t *testing.T) {
	t.Setenv("STAGING_LOG_LEVEL", "debug")
	cfg, err := NewLoader().WithEnvPrefix("STAGING").Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_BadEnvValue(t *testing.T) {
	t.Setenv("COORD_HANDOFF_MAX_ATTEMPTS", "three")
	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COORD_HANDOFF_MAX_ATTEMPTS")
}

func TestLoader_CustomValidator(t *testing.T) {
	_, err := NewLoader().WithValidator(func(c *Config) error {
		if len(c.Agents) == 0 {
			return assert.AnError
		}
		return nil
	}).Load()
	assert.ErrorIs(t, err, assert.AnError)
}

// --- Validate 测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid HTTP port"},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "unknown log level"},
		{"persistence", func(c *Config) { c.Persistence.Type = "mongo" }, "unknown persistence type"},
		{"file dir", func(c *Config) { c.Persistence.Type = "file"; c.Persistence.BaseDir = "" }, "base_dir"},
		{"driver", func(c *Config) { c.Persistence.Type = "sql"; c.Database.Driver = "oracle" }, "unknown database driver"},
		{"attempts", func(c *Config) { c.Handoff.MaxAttempts = 0 }, "max_attempts"},
		{"delays", func(c *Config) { c.Handoff.MaxDelay = time.Millisecond }, "base_delay <= max_delay"},
		{"idempotency", func(c *Config) { c.Handoff.Idempotency = "disk" }, "idempotency"},
		{"threshold", func(c *Config) { c.Conflict.DetectionThreshold = 1.5 }, "detection_threshold"},
		{"expert", func(c *Config) { c.Decision.ExpertThreshold = -0.1 }, "expert_threshold"},
		{"tool id", func(c *Config) { c.Tools.Catalog = []ToolConfig{{Category: "exclusive"}} }, "needs an id"},
		{"tool twice", func(c *Config) {
			c.Tools.Catalog = []ToolConfig{{ID: "figma"}, {ID: "figma"}}
		}, "listed twice"},
		{"tool limit", func(c *Config) {
			c.Tools.Catalog = []ToolConfig{{ID: "browsers", Category: "pool"}}
		}, "concurrent_limit"},
		{"two orchestrators", func(c *Config) {
			c.Agents = []AgentConfig{{ID: "a", Orchestrator: true}, {ID: "b", Orchestrator: true}}
		}, "orchestrator"},
		{"weight", func(c *Config) {
			c.Agents = []AgentConfig{{ID: "a", DomainWeights: map[string]float64{"design": 2}}}
		}, "within [0, 1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = -1
	cfg.Log.Level = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
	assert.Contains(t, err.Error(), "unknown log level")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DefaultDatabaseConfig()
	assert.Equal(t, "host=localhost port=5432 user=coordinator password= dbname=coordinator sslmode=disable", d.DSN())

	d.Driver = "mysql"
	assert.Equal(t, "coordinator:@tcp(localhost:5432)/coordinator?parseTime=true", d.DSN())

	d.Driver = "sqlite"
	d.Name = "file::memory:"
	assert.Equal(t, "file::memory:", d.DSN())

	d.Driver = "oracle"
	assert.Empty(t, d.DSN())
}

func TestMustLoad_Panics(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 70000\n")
	assert.Panics(t, func() { MustLoad(path) })
}
