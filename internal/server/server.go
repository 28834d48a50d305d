// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/mathsolver/internal/extract"
	"github.com/jeranaias/mathsolver/internal/ollama"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8080"

	// DefaultMaxBodyBytes bounds a /chat request body. Attachments arrive
	// base64 encoded inside it.
	DefaultMaxBodyBytes = 64 << 20

	// healthTimeout bounds the backend probe made by /health.
	healthTimeout = 2 * time.Second
)

// Version is the relay version reported by /health.
var Version = "dev"

// Backend is the inference service the relay forwards to.
// *ollama.Client satisfies it.
type Backend interface {
	ChatStream(ctx context.Context, model string, messages []ollama.Message, callback ollama.StreamCallback) error
	CheckRunning(ctx context.Context) error
}

// ============================================================================
// CONFIG
// ============================================================================

// Config holds relay server settings.
type Config struct {
	Addr  string
	Model string

	// ImageBinding is BindBroadcast or BindLatest.
	ImageBinding string

	MaxBodyBytes int64

	// AuthToken, when set, is required as a bearer token on every route
	// except /health.
	AuthToken string

	// RateLimit is requests per second per client IP. Zero disables limiting.
	RateLimit float64
	RateBurst int

	CORSOrigins    []string
	TrustedProxies []string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:           DefaultAddr,
		Model:          ollama.DefaultModel,
		ImageBinding:   BindBroadcast,
		MaxBodyBytes:   DefaultMaxBodyBytes,
		RateLimit:      2,
		RateBurst:      10,
		CORSOrigins:    []string{"http://localhost:3000"},
		TrustedProxies: DefaultTrustedProxies(),
		ReadTimeout:    30 * time.Second,
		// Replies can stream for minutes.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
}

// ============================================================================
// STATS
// ============================================================================

// Stats is a snapshot of relay counters.
type Stats struct {
	Requests  int64     `json:"requests"`
	Completed int64     `json:"completed"`
	Truncated int64     `json:"truncated"`
	Failed    int64     `json:"failed"`
	Rejected  int64     `json:"rejected"`
	StartTime time.Time `json:"start_time"`
	Uptime    string    `json:"uptime"`
}

type relayStats struct {
	requests  atomic.Int64
	completed atomic.Int64
	truncated atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	start     time.Time
}

func (s *relayStats) snapshot() Stats {
	return Stats{
		Requests:  s.requests.Load(),
		Completed: s.completed.Load(),
		Truncated: s.truncated.Load(),
		Failed:    s.failed.Load(),
		Rejected:  s.rejected.Load(),
		StartTime: s.start,
		Uptime:    time.Since(s.start).Round(time.Second).String(),
	}
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the chat relay.
type Server struct {
	config    Config
	backend   Backend
	extractor *extract.Extractor
	logger    *zap.Logger
	proxies   *ProxyList
	limiter   *RateLimiter
	stats     *relayStats

	router  *http.ServeMux
	handler http.Handler

	mu     sync.Mutex
	server *http.Server
}

// New creates a relay forwarding to backend. A nil config uses DefaultConfig;
// a nil extractor uses the PDF parser; a nil logger discards output.
func New(config *Config, backend Backend, extractor *extract.Extractor, logger *zap.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ImageBinding == "" {
		cfg.ImageBinding = BindBroadcast
	}
	if cfg.TrustedProxies == nil {
		cfg.TrustedProxies = DefaultTrustedProxies()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if extractor == nil {
		extractor = extract.New(extract.PDFParser{}, logger)
	}

	s := &Server{
		config:    cfg,
		backend:   backend,
		extractor: extractor,
		logger:    logger.Named("relay"),
		router:    http.NewServeMux(),
		stats:     &relayStats{start: time.Now()},
	}
	s.proxies = NewProxyList(cfg.TrustedProxies, s.logger)
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}

	s.setupRoutes()
	s.handler = s.buildHandler()
	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /chat", s.handleChat)
	s.router.HandleFunc("POST /api/chat", s.handleChat)

	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /stats", s.handleStats)
}

func (s *Server) buildHandler() http.Handler {
	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(s.logger),
		LoggingMiddleware(s.logger, s.proxies),
		SecurityHeadersMiddleware(),
		CORSMiddleware(&CORSConfig{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			ExposedHeaders: []string{StreamStatusHeader},
			MaxAge:         86400,
		}),
	}
	if s.limiter != nil {
		middlewares = append(middlewares, RateLimitMiddleware(s.limiter, s.proxies, s.logger))
	}
	if s.config.AuthToken != "" {
		middlewares = append(middlewares, AuthMiddleware(&AuthConfig{
			BearerToken: s.config.AuthToken,
			Exempt:      []string{"/health"},
		}, s.proxies, s.logger))
	}
	return Chain(middlewares...)(s.router)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.config.Addr
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	return s.stats.snapshot()
}

// ============================================================================
// HEALTH / STATS
// ============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Model   string `json:"model"`
	Version string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:  "ok",
		Backend: "ok",
		Model:   s.config.Model,
		Version: Version,
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.backend.CheckRunning(ctx); err != nil {
		s.logger.Debug("backend health check failed", zap.Error(err))
		health.Status = "degraded"
		health.Backend = "unavailable"
	}

	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.snapshot())
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		ErrorLog:          zap.NewStdLog(s.logger.Named("http")),
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("relay listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("model", s.config.Model),
		zap.String("image_binding", s.config.ImageBinding),
		zap.Bool("auth", s.config.AuthToken != ""),
		zap.String("version", Version))

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight streams
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info("relay shutting down", zap.Any("stats", s.stats.snapshot()))
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a plain-text error. Any trailer announced for a stream
// that never started is withdrawn.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Del("Trailer")
	http.Error(w, message, status)
}
