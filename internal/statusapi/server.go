package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/adcsync/internal/listwatch"
	"github.com/agentworkforce/adcsync/internal/metrics"
	"github.com/agentworkforce/adcsync/internal/portalsync"
	"github.com/agentworkforce/adcsync/internal/remote"
)

// RunnerStatus is what the sync route reports about the worker side.
type RunnerStatus interface {
	Stats() listwatch.RunnerStats
	Recent() []listwatch.Outcome
}

type GovernorStatus interface {
	Stats() portalsync.GovernorStats
}

type SessionStatus interface {
	Generation() int
}

type ServerConfig struct {
	// AdminToken guards the /v1/admin routes. Empty leaves them open.
	AdminToken      string
	Backend         string
	RateLimitMax    int
	RateLimitWindow time.Duration
	Logger          logrus.FieldLogger
}

// Deps are the live components the routes read from. Nil members are
// reported as absent.
type Deps struct {
	Runner   RunnerStatus
	Governor GovernorStatus
	Session  SessionStatus
	Checker  listwatch.Checker
}

type Server struct {
	cfg         ServerConfig
	deps        Deps
	rateLimiter *rateLimiter
	metrics     http.Handler
	logger      logrus.FieldLogger
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		cfg:         cfg,
		deps:        deps,
		rateLimiter: limiter,
		metrics:     metrics.Handler(),
		logger:      logger.WithField("component", "statusapi"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported", correlationID(r))
		return
	}
	switch r.URL.Path {
	case "/health":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case "/metrics":
		s.metrics.ServeHTTP(w, r)
		return
	case "/", "/dashboard":
		s.handleDashboard(w, r)
		return
	}

	if !strings.HasPrefix(r.URL.Path, "/v1/admin/") {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID(r))
		return
	}
	corrID := correlationID(r)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", corrID)
	if authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, corrID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), s.now()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", corrID)
		return
	}
	s.logger.WithFields(logrus.Fields{"route": r.URL.Path, "correlation_id": corrID}).Debug("admin request")

	switch r.URL.Path {
	case "/v1/admin/sync":
		s.handleAdminSync(w, r, corrID)
	case "/v1/admin/check":
		s.handleAdminCheck(w, r, corrID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", corrID)
	}
}

type sessionInfo struct {
	Backend    string `json:"backend,omitempty"`
	Generation int    `json:"generation"`
}

type syncResponse struct {
	GeneratedAt time.Time                 `json:"generatedAt"`
	Queue       *listwatch.RunnerStats    `json:"queue,omitempty"`
	Governor    *portalsync.GovernorStats `json:"governor,omitempty"`
	Session     *sessionInfo              `json:"session,omitempty"`
	Recent      []listwatch.Outcome       `json:"recent"`
}

func (s *Server) handleAdminSync(w http.ResponseWriter, r *http.Request, corrID string) {
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), 20, 1, 1_000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", corrID)
		return
	}
	resp := syncResponse{GeneratedAt: s.now(), Recent: []listwatch.Outcome{}}
	if s.deps.Runner != nil {
		stats := s.deps.Runner.Stats()
		resp.Queue = &stats
		recent := s.deps.Runner.Recent()
		if len(recent) > limit {
			recent = recent[len(recent)-limit:]
		}
		resp.Recent = recent
	}
	if s.deps.Governor != nil {
		stats := s.deps.Governor.Stats()
		resp.Governor = &stats
	}
	if s.deps.Session != nil {
		resp.Session = &sessionInfo{Backend: s.cfg.Backend, Generation: s.deps.Session.Generation()}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAdminCheck answers whether a local copy would be uploaded, without
// uploading it.
func (s *Server) handleAdminCheck(w http.ResponseWriter, r *http.Request, corrID string) {
	if s.deps.Checker == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "no portal session", corrID)
		return
	}
	query := r.URL.Query()
	path := strings.TrimSpace(query.Get("path"))
	if path == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing path", corrID)
		return
	}
	size, err := parseOptionalInt64(query.Get("size"), -1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid size", corrID)
		return
	}
	var modified time.Time
	if raw := strings.TrimSpace(query.Get("modified")); raw != "" {
		modified, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "modified must be RFC3339", corrID)
			return
		}
	}
	req := portalsync.CheckRequest{Path: path, LocalSize: size, LocalModified: modified}
	if req.CurrentRevision, err = parseOptionalRevision(query.Get("revision")); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid revision", corrID)
		return
	}
	if req.RevisionOverride, err = parseOptionalRevision(query.Get("override")); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid override", corrID)
		return
	}

	result, err := s.deps.Checker.Check(r.Context(), req)
	if err != nil {
		status, code := checkErrorStatus(err)
		if status >= 500 {
			s.logger.WithError(err).WithField("path", path).Warn("staleness check failed")
		}
		writeError(w, status, code, err.Error(), corrID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func checkErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, remote.ErrInvalidPath), errors.Is(err, remote.ErrInvalidName):
		return http.StatusBadRequest, "invalid_path"
	case errors.Is(err, remote.ErrLoginFailed):
		return http.StatusServiceUnavailable, "login_failed"
	default:
		return http.StatusBadGateway, "remote_error"
	}
}

func correlationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, corrID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": corrID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("out of range")
	}
	return parsed, nil
}

func parseOptionalInt64(raw string, fallback int64) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	return strconv.ParseInt(trimmed, 10, 64)
}

func parseOptionalRevision(raw string) (*int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
