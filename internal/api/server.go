package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"masquerade/internal/config"
	"masquerade/internal/detect"
	"masquerade/internal/ledger"
	"masquerade/internal/logger"
	"masquerade/internal/metrics"
	"masquerade/internal/redact"
)

const maxRequestBody = 1 << 20 // 1 MB

// Server is the HTTP API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	pipeline  *redact.Pipeline
	sessions  *ledger.Ledger
	patterns  *PatternRegistry
	metrics   *metrics.Metrics
	log       *logger.Logger

	limiterMu sync.Mutex
	limiters  *expirable.LRU[string, *rate.Limiter]
}

// Caller limiters are capacity-bounded and idle-expired so arbitrary
// X-User-ID values cannot grow the map without limit. An evicted caller
// starts over with a fresh burst.
const (
	maxCallerLimiters    = 4096
	callerLimiterIdleTTL = 15 * time.Minute
)

// New creates an API server.
func New(
	cfg *config.Config,
	pipeline *redact.Pipeline,
	sessions *ledger.Ledger,
	patterns *PatternRegistry,
	m *metrics.Metrics,
	log *logger.Logger,
) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		pipeline:  pipeline,
		sessions:  sessions,
		patterns:  patterns,
		metrics:   m,
		log:       log,
		limiters:  expirable.NewLRU[string, *rate.Limiter](maxCallerLimiters, nil, callerLimiterIdleTTL),
	}
	if cfg.API.Token != "" {
		log.Info("auth", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.authMiddleware)

	r.With(s.rateLimitMiddleware).Post("/redact", s.handleRedact)
	r.Get("/status", s.handleStatus)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/sessions/{contextKey}", s.handleSessionStats)
	r.Post("/patterns/add", s.handleAddPattern)
	r.Post("/patterns/remove", s.handleRemovePattern)
	return r
}

// ListenAndServe starts the API server with h2c so gRPC-style HTTP/2
// clients can connect without TLS termination in front.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.API.BindAddress, s.cfg.API.Port)
	s.log.Infof("listen", "API listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.API.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.cfg.API.Token)) != 1 {
			s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware enforces a per-caller request budget. Callers are
// keyed by the request's user identifier when present, falling back to the
// remote address.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.API.RateLimitPerMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-User-ID")
		if key == "" {
			key = r.RemoteAddr
			if host, _, ok := strings.Cut(key, ":"); ok {
				key = host
			}
		}
		if !s.limiter(key).Allow() {
			s.log.Warnf("rate_limit", "caller %s over budget", key)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limiter returns the caller's token bucket, minting one on first sight.
// The mutex keeps get-and-create atomic so concurrent first requests from
// one caller share a single bucket.
func (s *Server) limiter(key string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters.Get(key)
	if !ok {
		perMinute := s.cfg.API.RateLimitPerMinute
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		s.limiters.Add(key, l)
	}
	return l
}

// --- handlers -------------------------------------------------------------

type redactRequest struct {
	Text        string `json:"text"`
	ContentHint string `json:"content_hint,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	OrgID       string `json:"org_id,omitempty"`
}

func (s *Server) handleRedact(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req redactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	hint := detect.HintText
	if req.ContentHint == string(detect.HintCode) {
		hint = detect.HintCode
	}

	result, err := s.pipeline.Redact(r.Context(), redact.Request{
		Text:      req.Text,
		Hint:      hint,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		OrgID:     req.OrgID,
	})
	switch {
	case err == nil:
	case errors.Is(err, redact.ErrEmptyText), errors.Is(err, redact.ErrInvalidContext):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	default:
		s.log.Errorf("redact", "request failed: %v", err)
		http.Error(w, "redaction failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status      string `json:"status"`
		Uptime      string `json:"uptime"`
		StoreEngine string `json:"storeEngine"`
		Strategy    string `json:"aliasStrategy"`
		CustomRules int    `json:"customRules"`
		Detector    struct {
			Endpoint string `json:"endpoint"`
			Model    string `json:"model"`
			Enabled  bool   `json:"enabled"`
		} `json:"detector"`
	}

	resp := response{
		Status:      "running",
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		StoreEngine: s.cfg.Store.Engine,
		Strategy:    s.cfg.Alias.Strategy,
		CustomRules: len(s.patterns.All()),
	}
	resp.Detector.Endpoint = s.cfg.Detector.OllamaEndpoint
	resp.Detector.Model = s.cfg.Detector.OllamaModel
	resp.Detector.Enabled = s.cfg.Detector.UseAIDetection

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

var contextKeyRegexp = regexp.MustCompile(`^[0-9a-f]{32}$`)

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	contextKey := chi.URLParam(r, "contextKey")
	if !contextKeyRegexp.MatchString(contextKey) {
		http.Error(w, "invalid context key", http.StatusBadRequest)
		return
	}

	stats, err := s.sessions.Stats(contextKey)
	if errors.Is(err, ledger.ErrSessionNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Errorf("sessions", "stats read failed: %v", err)
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAddPattern(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	var rule detect.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil || rule.Expr == "" {
		http.Error(w, "invalid request: need {\"type\":..., \"expr\":..., \"confidence\":...}", http.StatusBadRequest)
		return
	}
	if _, err := regexp.Compile(rule.Expr); err != nil {
		http.Error(w, fmt.Sprintf("invalid expression: %v", err), http.StatusBadRequest)
		return
	}
	if !detect.ValidType(rule.Type) {
		rule.Type = detect.TypeCustom
	}
	s.patterns.Add(rule)
	s.log.Infof("patterns", "added custom rule %q (%s)", rule.Expr, rule.Type)
	s.writeJSON(w, http.StatusOK, map[string]string{"added": rule.Expr})
}

func (s *Server) handleRemovePattern(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	var req struct {
		Expr string `json:"expr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Expr == "" {
		http.Error(w, "invalid request: need {\"expr\":\"...\"}", http.StatusBadRequest)
		return
	}
	s.patterns.Remove(req.Expr)
	s.log.Infof("patterns", "removed custom rule %q", req.Expr)
	s.writeJSON(w, http.StatusOK, map[string]string{"removed": req.Expr})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("write", "JSON encode error: %v", err)
	}
}
