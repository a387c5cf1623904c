package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/actiongate/internal/app"
	"github.com/ppiankov/actiongate/internal/config"
	"github.com/ppiankov/actiongate/internal/executor"
	"github.com/ppiankov/actiongate/internal/handler"
)

const serverPolicy = `
allowlists:
  remotes: [origin]
actions:
  say:
    risk: 0
    rate_limit: 2
    args:
      - name: text
        type: string
        max_length: 20
  git_push:
    risk: 2
    requires_confirm: true
    args:
      - name: remote
        type: enum
        values_from: remotes
  sudo_command:
    risk: 3
`

func newTestServer(t *testing.T, srvCfg config.ServerConfig) (*Server, *app.App) {
	t.Helper()
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(serverPolicy), 0o600))

	a, err := app.Build(&config.Config{
		Policy:     config.PolicyConfig{Path: policyPath},
		Audit:      config.AuditConfig{Path: filepath.Join(dir, "audit.jsonl"), RetryAttempts: 1, BufferSize: 16},
		Confirm:    config.ConfirmConfig{TTL: time.Minute, SweepInterval: time.Second},
		Executor:   config.ExecutorConfig{HandlerTimeout: time.Second, BreakerFailures: 3, BreakerCooldown: time.Second},
		KillSwitch: config.KillSwitchConfig{StatePath: filepath.Join(dir, "killswitch")},
		Guard:      config.GuardConfig{LockdownTimeout: time.Second},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	echo := handler.Func(func(_ context.Context, args map[string]any) (any, error) {
		return args, nil
	})
	require.NoError(t, a.Handlers.Register("say", echo))
	require.NoError(t, a.Handlers.Register("git_push", echo))

	return New(a, srvCfg), a
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeOutcome(t *testing.T, rec *httptest.ResponseRecorder) executor.Outcome {
	t.Helper()
	var out executor.Outcome
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", nil).Code)
}

func TestSubmitSuccess(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})
	rec := do(t, s, http.MethodPost, "/v1/actions", executor.Request{Action: "say", Args: map[string]any{"text": "hi"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeOutcome(t, rec)
	assert.True(t, out.Success)
	assert.Equal(t, executor.KindSuccess, out.Kind)
}

func TestSubmitStatusCodes(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})

	rec := do(t, s, http.MethodPost, "/v1/actions", executor.Request{Action: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/actions", executor.Request{Action: "sudo_command"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, executor.KindActionBlocked, decodeOutcome(t, rec).Kind)

	rec = do(t, s, http.MethodPost, "/v1/actions", executor.Request{Action: "say", Args: map[string]any{"text": strings.Repeat("x", 21)}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSubmitRateLimitSetsRetryAfter(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})
	req := executor.Request{Action: "say", Args: map[string]any{"text": "hi"}}
	for range 2 {
		require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/v1/actions", req).Code)
	}
	rec := do(t, s, http.MethodPost, "/v1/actions", req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, executor.KindRateLimitExceeded, decodeOutcome(t, rec).Kind)
}

func TestConfirmationFlow(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})
	req := executor.Request{Action: "git_push", Args: map[string]any{"remote": "origin"}}

	rec := do(t, s, http.MethodPost, "/v1/actions", req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	out := decodeOutcome(t, rec)
	require.NotEmpty(t, out.ChallengeID)

	rec = do(t, s, http.MethodGet, "/v1/confirmations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), out.ChallengeID)

	rec = do(t, s, http.MethodPost, "/v1/confirmations", confirmRequest{ChallengeID: out.ChallengeID, Response: "yes"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req.ChallengeID = out.ChallengeID
	rec = do(t, s, http.MethodPost, "/v1/actions", req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestConfirmUnknownChallenge(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})
	rec := do(t, s, http.MethodPost, "/v1/confirmations", confirmRequest{ChallengeID: "missing", Response: "yes"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/confirmations", confirmRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckIsDryRun(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})
	req := executor.Request{Action: "say", Args: map[string]any{"text": "hi"}}
	for range 5 {
		rec := do(t, s, http.MethodPost, "/v1/actions/check", req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decodeOutcome(t, rec).DryRun)
	}
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/v1/actions", req).Code)
}

func TestKillSwitchRoutes(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})

	rec := do(t, s, http.MethodPost, "/v1/killswitch/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"paused"`)

	rec = do(t, s, http.MethodPost, "/v1/actions", executor.Request{Action: "say"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/v1/killswitch/resume", nil).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/v1/killswitch/kill", nil).Code)
	rec = do(t, s, http.MethodPost, "/v1/killswitch/resume", nil)
	assert.Contains(t, rec.Body.String(), `"killed"`)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/v1/killswitch/reset", nil).Code)
}

func TestBadBody(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})
	req := httptest.NewRequest(http.MethodPost, "/v1/actions", strings.NewReader(`{"action":`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/actions", map[string]any{"action": "say", "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGuardAndAuditRoutes(t *testing.T) {
	s, a := newTestServer(t, config.ServerConfig{})
	do(t, s, http.MethodPost, "/v1/actions", executor.Request{Action: "say", Args: map[string]any{"text": "hi"}})
	require.NoError(t, a.Audit.Flush())

	rec := do(t, s, http.MethodGet, "/v1/guard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stats"`)

	rec = do(t, s, http.MethodGet, "/v1/audit/stats?window=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st struct {
		Actions int `json:"actions"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, 1, st.Actions)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/audit/stats?window=soon", nil).Code)
}

func TestMetricsExposed(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})
	do(t, s, http.MethodPost, "/v1/actions", executor.Request{Action: "say", Args: map[string]any{"text": "hi"}})
	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "actiongate_outcomes_total")
}

func TestThrottle(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{RequestsPerSecond: 0.001, Burst: 1})
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/status", nil).Code)
	rec := do(t, s, http.MethodGet, "/v1/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	// health and metrics are not throttled
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", nil).Code)
}

func TestServeOnShutsDown(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{ReadTimeout: time.Second, WriteTimeout: time.Second})
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeOn(ctx, lis) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lis.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
