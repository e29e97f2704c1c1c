package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelou/heartline/internal/completion"
	"github.com/avelou/heartline/internal/config"
	"github.com/avelou/heartline/internal/ledger"
	"github.com/avelou/heartline/internal/logging"
	"github.com/avelou/heartline/internal/token"
)

const testSecret = "test-secret-for-server-tests"

type stubCompleter struct {
	reply string
	err   error
}

func (s *stubCompleter) Complete(ctx context.Context, system string, history []completion.ChatMessage) (*completion.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &completion.Result{Reply: s.reply, Model: "stub-model"}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		TokenSecret:       testSecret,
		ProviderBaseURL:   "http://provider.invalid",
		ProviderModel:     "stub-model",
		ProviderAPIKeys:   []string{"sk-test"},
		CompletionTimeout: 5 * time.Second,
		HistoryLimit:      10,
		RateLimitWindow:   1500 * time.Millisecond,
		ClockSkewGuard:    time.Minute,
		RateLimitRPM:      6000,
		RateLimitBurst:    1000,
		ReconcileInterval: time.Hour,
		AdminSecret:       "admin-secret",
	}
}

func newTestServer(t *testing.T, completer *stubCompleter) *Server {
	t.Helper()
	s, err := New(testConfig(),
		WithLogger(logging.Discard()),
		WithCompleter(completer),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Close() })
	return s
}

func signToken(t *testing.T, userID string, ttl time.Duration) string {
	t.Helper()
	v := token.NewVerifier(testSecret)
	raw, err := v.Sign(token.Claims{
		UserID:    userID,
		ExpiresAt: time.Now().Add(ttl).UnixMilli(),
	})
	require.NoError(t, err)
	return raw
}

func do(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, &stubCompleter{reply: "hi"})

	w := do(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// readiness flips only after Run starts
	w = do(s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &stubCompleter{reply: "hi"})

	w := do(s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "heartline_")
}

func TestChatRequiresAuth(t *testing.T) {
	s := newTestServer(t, &stubCompleter{reply: "hi"})

	w := do(s, http.MethodPost, "/v1/chat/message", `{"message": "hi", "chatId": "c1"}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "missing_token", body["error"])
}

func TestChatRejectsExpiredToken(t *testing.T) {
	s := newTestServer(t, &stubCompleter{reply: "hi"})
	tok := signToken(t, "user-1", -time.Hour)

	w := do(s, http.MethodPost, "/v1/chat/message", `{"message": "hi", "chatId": "c1"}`,
		map[string]string{"Authorization": "Bearer " + tok})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "session_expired", body["error"])
}

func TestChatTurnEndToEnd(t *testing.T) {
	s := newTestServer(t, &stubCompleter{reply: "hello from the stub"})

	ctx := context.Background()
	store := s.ledgerStore
	require.NoError(t, store.PutProfile(ctx, &ledger.Profile{
		ID:          "user-1",
		DisplayName: "Sam",
		Hearts:      3,
	}))

	tok := signToken(t, "user-1", time.Hour)
	headers := map[string]string{"Authorization": "Bearer " + tok}

	w := do(s, http.MethodPost, "/v1/chat/message", `{"message": "hi", "chatId": "c1"}`, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(2), body["heartsRemaining"])

	// the follow-up inside the pacing window collapses into 429
	w = do(s, http.MethodPost, "/v1/chat/message", `{"message": "again", "chatId": "c1"}`, headers)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error": "Too fast or No hearts!"}`, w.Body.String())
}

func TestChatProviderFailureRefunds(t *testing.T) {
	s := newTestServer(t, &stubCompleter{err: errors.New("upstream down")})

	ctx := context.Background()
	store := s.ledgerStore
	require.NoError(t, store.PutProfile(ctx, &ledger.Profile{ID: "user-1", Hearts: 3}))

	tok := signToken(t, "user-1", time.Hour)
	w := do(s, http.MethodPost, "/v1/chat/message", `{"message": "hi", "chatId": "c1"}`,
		map[string]string{"Authorization": "Bearer " + tok})
	require.Equal(t, http.StatusInternalServerError, w.Code)

	prof, err := store.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, prof.Hearts)
}

func TestAdminRequiresSecret(t *testing.T) {
	s := newTestServer(t, &stubCompleter{reply: "hi"})

	w := do(s, http.MethodGet, "/admin/reconcile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, http.MethodGet, "/admin/reconcile", "",
		map[string]string{"X-Admin-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, http.MethodGet, "/admin/reconcile", "",
		map[string]string{"X-Admin-Secret": "admin-secret"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = ""
	s, err := New(cfg, WithLogger(logging.Discard()), WithCompleter(&stubCompleter{reply: "hi"}))
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Close() })

	w := do(s, http.MethodGet, "/admin/events", "",
		map[string]string{"X-Admin-Secret": "anything"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminEvents(t *testing.T) {
	s := newTestServer(t, &stubCompleter{reply: "hi"})

	ctx := context.Background()
	store := s.ledgerStore
	require.NoError(t, store.PutProfile(ctx, &ledger.Profile{ID: "user-1", Hearts: 3}))

	tok := signToken(t, "user-1", time.Hour)
	w := do(s, http.MethodPost, "/v1/chat/message", `{"message": "hi", "chatId": "c1"}`,
		map[string]string{"Authorization": "Bearer " + tok})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(s, http.MethodGet, "/admin/events?action=chat_turn", "",
		map[string]string{"X-Admin-Secret": "admin-secret"})
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["count"])
}

func TestRequestIDPropagated(t *testing.T) {
	s := newTestServer(t, &stubCompleter{reply: "hi"})

	w := do(s, http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = do(s, http.MethodGet, "/health", "",
		map[string]string{"X-Request-ID": "req-abc"})
	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))
}
