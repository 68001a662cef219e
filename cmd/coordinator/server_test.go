package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/config"
	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// 每个测试服务器使用独立的指标命名空间，避免重复注册
var nsSeq atomic.Int64

func testServerConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Server.RateLimitRPS = 0
	cfg.Persistence.CleanupEnabled = false
	cfg.Agents = []config.AgentConfig{
		{ID: "orch", Orchestrator: true, DomainWeights: map[string]float64{"project": 1}},
		{ID: "designer", Deputy: true, DomainWeights: map[string]float64{"design": 0.9}},
	}
	cfg.Tools.Catalog = []config.ToolConfig{{ID: "lighthouse", Category: "exclusive"}}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	s, err := newServer(cfg, zaptest.NewLogger(t), fmt.Sprintf("coord_test_%d", nsSeq.Add(1)))
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.release()
	})
	return s, ts
}

func getJSON(t *testing.T, client *http.Client, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(body) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(body, &out), string(body))
	}
	return resp.StatusCode, out
}

func TestServer_HealthAndReady(t *testing.T) {
	_, ts := newTestServer(t, testServerConfig())

	for _, path := range []string{"/health", "/ready", "/version"} {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+path, nil)
		status, _ := getJSON(t, ts.Client(), req)
		assert.Equal(t, http.StatusOK, status, path)
	}

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "http_requests_total")
}

func TestServer_ToolRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, testServerConfig())

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/tools/lighthouse/requests",
		bytes.NewBufferString(`{"agent_id":"designer"}`))
	status, body := getJSON(t, ts.Client(), req)
	require.Equal(t, http.StatusCreated, status)
	data := body["data"].(map[string]any)
	lockID := data["lock_id"].(string)

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/v1/locks/"+lockID, nil)
	status, _ = getJSON(t, ts.Client(), req)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestServer_APIKeyProtectsAPI(t *testing.T) {
	cfg := testServerConfig()
	cfg.Server.APIKeys = []string{"secret-key"}
	_, ts := newTestServer(t, cfg)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/tools", nil)
	status, _ := getJSON(t, ts.Client(), req)
	assert.Equal(t, http.StatusUnauthorized, status)

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/v1/tools", nil)
	req.Header.Set("X-API-Key", "secret-key")
	status, _ = getJSON(t, ts.Client(), req)
	assert.Equal(t, http.StatusOK, status)

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	status, _ = getJSON(t, ts.Client(), req)
	assert.Equal(t, http.StatusOK, status)
}

func TestServer_JWTBindsAgent(t *testing.T) {
	cfg := testServerConfig()
	cfg.Server.JWTSecret = "jwt-secret"
	_, ts := newTestServer(t, cfg)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"agent_id": "designer",
		"iss":      cfg.Server.JWTIssuer,
		"exp":      time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(cfg.Server.JWTSecret))
	require.NoError(t, err)

	send := func(body string) int {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/tools/lighthouse/requests", bytes.NewBufferString(body))
		req.Header.Set("Authorization", "Bearer "+token)
		status, _ := getJSON(t, ts.Client(), req)
		return status
	}
	assert.Equal(t, http.StatusForbidden, send(`{"agent_id":"orch"}`))
	assert.Equal(t, http.StatusCreated, send(`{}`))
}

func TestServer_EventStreamThroughMiddleware(t *testing.T) {
	s, ts := newTestServer(t, testServerConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events?component=tool_arbiter"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")
	require.Eventually(t, func() bool { return s.core.Events.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/tools/lighthouse/requests", bytes.NewBufferString(`{"agent_id":"designer"}`))
	status, _ := getJSON(t, ts.Client(), req)
	require.Equal(t, http.StatusCreated, status)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "tool_arbiter", ev["component"])
	assert.Equal(t, "granted", ev["event_type"])
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s, err := newServer(testServerConfig(), zaptest.NewLogger(t), fmt.Sprintf("coord_test_%d", nsSeq.Add(1)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.httpManager.IsRunning, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_WatchConfigAppliesCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	write := func(tools string) {
		require.NoError(t, os.WriteFile(path, []byte("tools:\n  catalog:\n"+tools), 0o600))
	}
	write("    - id: lighthouse\n      category: exclusive\n")

	loader := config.NewLoader().WithConfigPath(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	cfg.Server.HTTPPort = 0
	cfg.Persistence.CleanupEnabled = false

	s, _ := newTestServer(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.WatchConfig(ctx, loader, 20*time.Millisecond))

	write("    - id: lighthouse\n      category: exclusive\n    - id: axe\n      category: shared\n      concurrent_limit: 3\n")
	assert.Eventually(t, func() bool {
		for _, id := range s.core.Tools.Tools() {
			if id == "axe" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestServer_SQLBackendWithMigrations(t *testing.T) {
	cfg := testServerConfig()
	cfg.Persistence.Type = "sql"
	cfg.Persistence.VersionLog = true
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(t.TempDir(), "coord.db")
	cfg.Database.AutoMigrate = true

	s, ts := newTestServer(t, cfg)
	require.NotNil(t, s.db)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/ready", nil)
	status, body := getJSON(t, ts.Client(), req)
	assert.Equal(t, http.StatusOK, status)
	checks := body["checks"].(map[string]any)
	assert.Contains(t, checks, "database")
	assert.Contains(t, checks, "store")
}
