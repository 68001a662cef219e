package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders()(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestSecurityHeaders_ChainedWithOtherMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, RequestIDFromContext(r.Context()))
		_, _ = w.Write([]byte("ok"))
	})

	handler := Chain(inner, SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestID_PreservesClientID(t *testing.T) {
	handler := RequestID()(okHandler())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "req-client")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, "req-client", w.Header().Get("X-Request-ID"))
}

func TestRecovery(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), string(types.ErrInternal))
}

func TestAPIKeyAuth(t *testing.T) {
	handler := APIKeyAuth([]string{"k1"}, []string{"/health"}, zap.NewNop())(okHandler())

	tests := []struct {
		name string
		path string
		key  string
		want int
	}{
		{name: "valid key", path: "/v1/tools", key: "k1", want: http.StatusOK},
		{name: "missing key", path: "/v1/tools", want: http.StatusUnauthorized},
		{name: "wrong key", path: "/v1/tools", key: "nope", want: http.StatusUnauthorized},
		{name: "skipped path", path: "/health", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				r.Header.Set("X-API-Key", tt.key)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestJWTAuth(t *testing.T) {
	const secret = "test-secret"
	var gotAgent, gotTenant string
	var gotRoles []string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent, _ = types.AgentID(r.Context())
		gotTenant, _ = types.TenantID(r.Context())
		gotRoles, _ = types.Roles(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := JWTAuth(JWTConfig{Secret: secret, Issuer: "coordinator"}, []string{"/health"}, zap.NewNop())(inner)

	exp := time.Now().Add(time.Hour).Unix()
	tests := []struct {
		name      string
		path      string
		token     string
		want      int
		wantAgent string
	}{
		{
			name:      "agent_id claim",
			path:      "/v1/tools",
			token:     signToken(t, secret, jwt.MapClaims{"agent_id": "designer", "iss": "coordinator", "exp": exp, "tenant_id": "acme", "roles": []any{"agent"}}),
			want:      http.StatusOK,
			wantAgent: "designer",
		},
		{
			name:      "subject fallback",
			path:      "/v1/tools",
			token:     signToken(t, secret, jwt.MapClaims{"sub": "a11y", "iss": "coordinator", "exp": exp}),
			want:      http.StatusOK,
			wantAgent: "a11y",
		},
		{
			name:  "wrong issuer",
			path:  "/v1/tools",
			token: signToken(t, secret, jwt.MapClaims{"sub": "a11y", "iss": "someone", "exp": exp}),
			want:  http.StatusUnauthorized,
		},
		{
			name:  "wrong secret",
			path:  "/v1/tools",
			token: signToken(t, "other", jwt.MapClaims{"sub": "a11y", "iss": "coordinator", "exp": exp}),
			want:  http.StatusUnauthorized,
		},
		{
			name:  "expired",
			path:  "/v1/tools",
			token: signToken(t, secret, jwt.MapClaims{"sub": "a11y", "iss": "coordinator", "exp": time.Now().Add(-time.Hour).Unix()}),
			want:  http.StatusUnauthorized,
		},
		{name: "missing header", path: "/v1/tools", want: http.StatusUnauthorized},
		{name: "skipped path", path: "/health", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotAgent, gotTenant, gotRoles = "", "", nil
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token != "" {
				r.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.wantAgent, gotAgent)
		})
	}

	// claims beyond agent identity
	r := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
	r.Header.Set("Authorization", "Bearer "+tests[0].token)
	handler.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "acme", gotTenant)
	assert.Equal(t, []string{"agent"}, gotRoles)
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimiter(ctx, 1, 2, zap.NewNop())(okHandler())

	send := func(remote string, agentID string) int {
		r := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
		r.RemoteAddr = remote
		if agentID != "" {
			r = r.WithContext(types.WithAgentID(r.Context(), agentID))
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1000", ""))
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1001", ""))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1002", ""))

	// other clients keep their own budget
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1000", ""))
	// agents are keyed by identity, not address
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1003", "designer"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1004", "designer"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1005", "designer"))
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/health", "/health"},
		{"/v1/tools", "/v1/tools"},
		{"/v1/tools/lighthouse", "/v1/tools/:id"},
		{"/v1/tools/lighthouse/requests", "/v1/tools/:id/requests"},
		{"/v1/decisions/d-42/votes", "/v1/decisions/:id/votes"},
		{"/v1/locks/3f2a9c1e-7b4d-4e1a-9f00-123456789abc", "/v1/locks/:id"},
		{"/v1/workflows/wf-1/handoffs", "/v1/workflows/:id/handoffs"},
		{"/other/12345", "/other/:id"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.in))
		})
	}
}
