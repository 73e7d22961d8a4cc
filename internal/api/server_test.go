package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"masquerade/internal/alias"
	"masquerade/internal/config"
	"masquerade/internal/detect"
	"masquerade/internal/ledger"
	"masquerade/internal/logger"
	"masquerade/internal/metrics"
	"masquerade/internal/redact"
	"masquerade/internal/store"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Load()
	cfg.API.RateLimitPerMinute = 0 // individual tests opt back in
	if mutate != nil {
		mutate(cfg)
	}

	log := logger.New("api", "error")
	m := metrics.New()
	kv := store.NewMemoryKV()
	detector := detect.NewPatternDetector(log)
	entities := store.New(kv, alias.NewGenerator(alias.StrategyCounter),
		store.Options{CacheSize: 100, CacheTTL: time.Hour}, m, log)
	sessions := ledger.New(kv, log)
	pipeline := redact.NewPipeline(redact.NewResolver(), detector, nil, entities, sessions, m, log)
	registry := NewPatternRegistry(detector, "")

	srv := New(cfg, pipeline, sessions, registry, m, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close() //nolint:errcheck
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHandleRedact(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/redact", redactRequest{
		Text:      "mail alice@example.com about the ssn 123-45-6789",
		SessionID: "s1",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[redact.Result](t, resp)
	assert.Equal(t, "mail [EMAIL_1] about the ssn [SSN_1]", result.Redacted)
	assert.Len(t, result.Entities, 2)
	assert.True(t, result.PatternOnly)
}

func TestHandleRedactAliasStability(t *testing.T) {
	_, ts := newTestServer(t, nil)

	for i := 0; i < 2; i++ {
		resp := postJSON(t, ts.URL+"/redact", redactRequest{
			Text:      "ping alice@example.com",
			SessionID: "s1",
		}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		result := decode[redact.Result](t, resp)
		assert.Equal(t, "ping [EMAIL_1]", result.Redacted)
	}
}

func TestHandleRedactBadRequests(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/redact", redactRequest{Text: "   "}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck

	resp = postJSON(t, ts.URL+"/redact", redactRequest{Text: "hi", SessionID: "bad id"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck
}

func TestAuthMiddleware(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.API.Token = "secret-token"
	})

	// No token.
	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck

	// Wrong token.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck

	// Correct token.
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck
}

func TestRateLimitPerCaller(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.API.RateLimitPerMinute = 3
	})

	statuses := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		resp := postJSON(t, ts.URL+"/redact", redactRequest{Text: "mail a@x.io", SessionID: "s1"},
			map[string]string{"X-User-ID": "heavy-user"})
		statuses = append(statuses, resp.StatusCode)
		resp.Body.Close() //nolint:errcheck
	}
	assert.Equal(t, []int{200, 200, 200, 429, 429}, statuses)

	// A different caller has an untouched budget.
	resp := postJSON(t, ts.URL+"/redact", redactRequest{Text: "mail b@x.io", SessionID: "s1"},
		map[string]string{"X-User-ID": "other-user"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck
}

func TestLimiterStoreIsBounded(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.API.RateLimitPerMinute = 3
	})

	// Distinct caller keys far beyond the cap must not grow the store
	// past it, and a repeated key must keep reusing its bucket.
	for i := 0; i < maxCallerLimiters+100; i++ {
		srv.limiter(fmt.Sprintf("caller-%d", i))
	}
	assert.LessOrEqual(t, srv.limiters.Len(), maxCallerLimiters)

	assert.Same(t, srv.limiter("repeat"), srv.limiter("repeat"))
}

func TestHandleSessionStats(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/redact", redactRequest{
		Text:      "mail alice@example.com",
		SessionID: "s1",
		UserID:    "u1",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[redact.Result](t, resp)

	// The ledger write is async; poll until it lands.
	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/sessions/" + result.ContextKey)
		if err != nil {
			return false
		}
		defer r.Body.Close() //nolint:errcheck
		return r.StatusCode == http.StatusOK
	}, time.Second, 5*time.Millisecond)

	r, err := http.Get(ts.URL + "/sessions/" + result.ContextKey)
	require.NoError(t, err)
	stats := decode[ledger.Session](t, r)
	assert.Equal(t, result.ContextKey, stats.ContextKey)
	assert.Equal(t, uint64(1), stats.TotalEntities)

	// Unknown but well-formed key → 404; malformed key → 400.
	r, err = http.Get(ts.URL + "/sessions/" + "0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
	r.Body.Close() //nolint:errcheck

	r, err = http.Get(ts.URL + "/sessions/not-a-key")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
	r.Body.Close() //nolint:errcheck
}

func TestHandleAddRemovePattern(t *testing.T) {
	_, ts := newTestServer(t, nil)

	text := "badge EMP-123456 checked in"

	// Before the rule exists nothing is redacted.
	resp := postJSON(t, ts.URL+"/redact", redactRequest{Text: text, SessionID: "s1"}, nil)
	result := decode[redact.Result](t, resp)
	assert.Zero(t, result.Total)

	resp = postJSON(t, ts.URL+"/patterns/add",
		detect.Rule{Type: detect.TypeCustom, Expr: `\bEMP-\d{6}\b`, Confidence: 0.9}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck

	resp = postJSON(t, ts.URL+"/redact", redactRequest{Text: text, SessionID: "s1"}, nil)
	result = decode[redact.Result](t, resp)
	assert.Equal(t, "badge [CUSTOM_1] checked in", result.Redacted)

	// Removal takes effect immediately.
	resp = postJSON(t, ts.URL+"/patterns/remove", map[string]string{"expr": `\bEMP-\d{6}\b`}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck

	resp = postJSON(t, ts.URL+"/redact", redactRequest{Text: "badge EMP-654321 left", SessionID: "s1"}, nil)
	result = decode[redact.Result](t, resp)
	assert.Zero(t, result.Total)
}

func TestHandleAddPatternRejectsBadExpression(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/patterns/add",
		map[string]any{"type": "custom", "expr": "(unclosed", "confidence": 0.9}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck
}

func TestHandleStatusAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	status := decode[map[string]any](t, resp)
	assert.Equal(t, "running", status["status"])
	assert.Equal(t, "counter", status["aliasStrategy"])

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	snap := decode[metrics.Snapshot](t, resp)
	assert.GreaterOrEqual(t, snap.Requests.Total, int64(0))
}

func TestHandleRedactOversizedBody(t *testing.T) {
	_, ts := newTestServer(t, nil)

	huge := bytes.Repeat([]byte("a"), maxRequestBody+100)
	body, err := json.Marshal(map[string]string{"text": string(huge), "session_id": "s1"})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/redact", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "oversized bodies are rejected, not truncated")
}
