// Package api serves the bucketfs admin endpoints: health, transfer handles
// and their cancellation, resource statistics and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/objectfs/bucketfs/internal/cache"
	"github.com/objectfs/bucketfs/internal/transfer"
	"github.com/objectfs/bucketfs/pkg/health"
)

// Engine is the part of the transfer engine the API drives.
type Engine interface {
	Handles() []*transfer.Handle
	Handle(id uint64) (*transfer.Handle, bool)
	Stats() transfer.Stats
	AbortMultipart(ctx context.Context, h *transfer.Handle) error
}

var _ Engine = (*transfer.Engine)(nil)

// ServerConfig configures the API server.
type ServerConfig struct {
	Address      string        `yaml:"address" json:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// RequestTimeout bounds each handler, including multipart aborts.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`

	// EnableProfiling serves net/http/pprof under /debug.
	EnableProfiling bool `yaml:"enable_profiling" json:"enable_profiling"`
}

// DefaultServerConfig listens on localhost:8081.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        "localhost:8081",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Option customizes a Server.
type Option func(*Server)

// WithHealth reports component health from t.
func WithHealth(t *health.Tracker) Option {
	return func(s *Server) { s.health = t }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithCacheStats adds cache statistics to /stats.
func WithCacheStats(fn func() cache.Stats) Option {
	return func(s *Server) { s.cacheStats = fn }
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server is the admin HTTP server.
type Server struct {
	config     ServerConfig
	engine     Engine
	health     *health.Tracker
	metrics    http.Handler
	cacheStats func() cache.Stats
	logger     *slog.Logger
	started    time.Time

	router     chi.Router
	httpServer *http.Server
}

// NewServer creates an API server over engine.
func NewServer(config ServerConfig, engine Engine, opts ...Option) *Server {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultServerConfig().RequestTimeout
	}
	s := &Server{
		config:  config,
		engine:  engine,
		logger:  slog.Default(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.RequestTimeout))
	if s.config.EnableCORS {
		r.Use(cors)
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/", s.handleHealth)
		r.Get("/live", s.handleLiveness)
		r.Get("/ready", s.handleReadiness)
	})
	r.Route("/transfers", func(r chi.Router) {
		r.Get("/", s.handleTransfers)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleTransfer)
			r.Post("/cancel", s.handleCancel)
			r.Post("/abort", s.handleAbort)
		})
	})
	r.Get("/stats", s.handleStats)
	r.Get("/info", s.handleInfo)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.config.EnableProfiling {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("api server listening", "address", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// StartBackground runs Start in a goroutine and logs its failure.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", "error", err)
		}
	}()
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("api server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("api request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response failed", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, errorResponse{Error: msg})
}
