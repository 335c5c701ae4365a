// Package server exposes sandboxes over HTTP. Every request or streaming
// connection gets its own sandbox; all of them share one strategy set, so
// the Python interpreter and its concurrency limit are shared too.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caffeineduck/sandpit/executor"
	"github.com/caffeineduck/sandpit/internal/metrics"
	"github.com/caffeineduck/sandpit/ratelimit"
	"github.com/caffeineduck/sandpit/sandbox"
)

// SessionHeader carries the rate-limit session of a request.
const SessionHeader = "X-Session-ID"

// Config tunes the HTTP surface. Zero fields fall back to DefaultConfig.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	MaxBodyBytes      int64
	AllowedOrigins    []string
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		Burst:             10,
		MaxBodyBytes:      1 << 20,
	}
}

// Server routes API calls to sandboxes.
type Server struct {
	base       executor.Config
	cfg        Config
	sbOpts     []sandbox.Option
	strategies map[executor.Language]executor.Strategy
	metrics    *metrics.Metrics
	logger     *zap.Logger
	clients    *clientLimiter
	upgrader   websocket.Upgrader
	started    time.Time
}

type Option func(*Server)

// WithSandboxOptions are applied to every sandbox the server creates.
func WithSandboxOptions(opts ...sandbox.Option) Option {
	return func(s *Server) { s.sbOpts = append(s.sbOpts, opts...) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.logger = log }
}

// New returns a server whose sandboxes start from base. Requests may
// tighten the limits of base but never relax them.
func New(base executor.Config, cfg Config, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}

	s := &Server{
		base:    base.Clone(),
		cfg:     cfg,
		logger:  zap.NewNop(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	s.sbOpts = append(s.sbOpts, sandbox.WithMetrics(s.metrics), sandbox.WithLogger(s.logger))
	s.strategies = sandbox.Strategies(s.sbOpts...)
	s.sbOpts = append(s.sbOpts, sandbox.WithStrategies(s.strategies))

	s.clients = newClientLimiter(cfg.RequestsPerSecond, cfg.Burst)
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.limitClients)
		r.Get("/session", s.handleSession)
		r.Post("/execute", s.handleExecute)
		r.Post("/validate", s.handleValidate)
		r.Get("/stream", s.handleStream)
	})
	return r
}

// Sweep forgets per-client limiters idle for longer than idle.
func (s *Server) Sweep(idle time.Duration) int {
	return s.clients.sweep(time.Now().Add(-idle))
}

type limitsOverride struct {
	TimeoutMs     *int64 `json:"timeout_ms,omitempty"`
	MaxOutputSize *int   `json:"max_output_size,omitempty"`
	MaxIterations *int   `json:"max_iterations,omitempty"`
}

type executeRequest struct {
	Code      string          `json:"code"`
	Language  string          `json:"language,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Config    *limitsOverride `json:"config,omitempty"`
}

type executeResponse struct {
	Status          executor.Status   `json:"status"`
	Success         bool              `json:"success"`
	Outputs         []executor.Output `json:"outputs"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	Error           string            `json:"error,omitempty"`
}

func newExecuteResponse(res executor.Result) executeResponse {
	outputs := res.Outputs
	if outputs == nil {
		outputs = []executor.Output{}
	}
	return executeResponse{
		Status:          res.Status,
		Success:         res.Success,
		Outputs:         outputs,
		ExecutionTimeMs: res.ExecutionTime.Milliseconds(),
		Error:           res.Error,
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := s.decode(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		respondError(w, http.StatusBadRequest, "code is required")
		return
	}
	cfg, err := s.configFor(r, req.Language, req.SessionID, req.Config)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	done := make(chan executor.Result, 1)
	sb := sandbox.New(cfg, executor.Callbacks{
		OnComplete: func(res executor.Result) { done <- res },
	}, s.sbOpts...)
	c := sb.Execute(r.Context(), req.Code)

	var res executor.Result
	select {
	case res = <-done:
	case <-r.Context().Done():
		c.Stop()
		select {
		case res = <-done:
		case <-time.After(sandbox.DefaultStopWait):
		}
		s.logger.Debug("client went away during execution", zap.String("status", string(res.Status)))
		return
	}
	respondJSON(w, http.StatusOK, newExecuteResponse(res))
}

type validateRequest struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := s.decode(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := s.configFor(r, req.Language, "", nil)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	sb := sandbox.New(cfg, executor.Callbacks{}, s.sbOpts...)
	respondJSON(w, http.StatusOK, sb.Validate(req.Code))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"session_id": ratelimit.GenerateSessionID()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime_s":  int64(time.Since(s.started).Seconds()),
		"languages": executor.Languages,
	})
}

// configFor derives the configuration of one execution from the server
// base. The session falls back to the header, then to the client address.
func (s *Server) configFor(r *http.Request, language, sessionID string, o *limitsOverride) (executor.Config, error) {
	cfg := s.base.Clone()
	if language != "" {
		lang, err := executor.ParseLanguage(language)
		if err != nil {
			return cfg, err
		}
		cfg.Language = lang
	}

	switch {
	case sessionID != "":
		cfg.SessionID = sessionID
	case r.Header.Get(SessionHeader) != "":
		cfg.SessionID = r.Header.Get(SessionHeader)
	default:
		cfg.SessionID = "ip_" + clientIP(r)
	}

	if o == nil {
		return cfg, nil
	}
	if o.TimeoutMs != nil {
		if *o.TimeoutMs <= 0 {
			return cfg, errors.New("timeout_ms must be positive")
		}
		cfg.Limits.MaxExecutionTime = tighter(cfg.Limits.MaxExecutionTime, time.Duration(*o.TimeoutMs)*time.Millisecond)
	}
	if o.MaxOutputSize != nil {
		if *o.MaxOutputSize <= 0 {
			return cfg, errors.New("max_output_size must be positive")
		}
		cfg.Limits.MaxOutputSize = tighter(cfg.Limits.MaxOutputSize, *o.MaxOutputSize)
	}
	if o.MaxIterations != nil {
		if *o.MaxIterations <= 0 {
			return cfg, errors.New("max_iterations must be positive")
		}
		cfg.Limits.MaxIterations = tighter(cfg.Limits.MaxIterations, *o.MaxIterations)
	}
	return cfg, nil
}

// tighter returns the smaller of two limits where a non-positive base means
// unlimited.
func tighter[T int | time.Duration](base, req T) T {
	if base <= 0 || req < base {
		return req
	}
	return base
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, map[string]string{"error": msg})
}
