// Package api exposes the execution, repair, and assistant operations over
// HTTP.
package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"aindrocode/internal/config"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// SandboxStatus is what /health reports about the sandbox client.
// *sandbox.Client implements it.
type SandboxStatus interface {
	HealthChecker
	Platform() string
	ActiveCount() int64
}

// Probes are the optional dependencies /health checks.
type Probes struct {
	Sandbox  SandboxStatus
	Database HealthChecker
	Cache    HealthChecker
}

// Server is the main HTTP server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	probes     Probes
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps, probes Probes) *Server {
	handlers := NewHandlers(deps)

	s := &Server{
		handlers:  handlers,
		probes:    probes,
		cfg:       cfg,
		startTime: time.Now(),
	}

	auth := NewAuthenticator(cfg.Security)
	if !auth.Enabled() {
		log.Warn().Msg("no API keys or JWT secret configured, all requests will be accepted")
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /execute/run", handlers.HandleRun)
	apiMux.HandleFunc("POST /execute/command", handlers.HandleCommand)
	apiMux.HandleFunc("POST /execute/install", handlers.HandleInstall)
	apiMux.HandleFunc("POST /ai/fix", handlers.HandleFix)
	apiMux.HandleFunc("POST /ai/fix/stream", handlers.HandleFixStream)
	apiMux.HandleFunc("POST /ai/generate", handlers.HandleGenerate)
	apiMux.HandleFunc("POST /ai/chat", handlers.HandleChat)
	apiMux.HandleFunc("GET /executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /executions/{id}", handlers.HandleGetExecution)
	apiMux.HandleFunc("GET /fixes/{id}", handlers.HandleGetFix)
	apiMux.HandleFunc("GET /languages", handlers.HandleLanguages)

	authedAPI := AuthMiddleware(auth)(apiMux)

	// Health and metrics bypass auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled && deps.Metrics != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Outermost first.
	var handler http.Handler = mux
	handler = MetricsMiddleware(deps.Metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:        "ok",
		Checks:        make(map[string]bool),
		OracleEnabled: s.handlers.Fixer != nil,
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
	}

	if p := s.probes.Sandbox; p != nil {
		resp.Platform = p.Platform()
		resp.ActiveExecutions = p.ActiveCount()
		resp.Checks["sandbox"] = p.Healthy(ctx)
	}
	if p := s.probes.Database; p != nil {
		resp.Checks["database"] = p.Healthy(ctx)
	}
	if p := s.probes.Cache; p != nil {
		resp.Checks["cache"] = p.Healthy(ctx)
	}

	status := http.StatusOK
	for _, ok := range resp.Checks {
		if !ok {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp)
}
