// Package server exposes a read-only HTTP view of resources and tasks.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/gobatch/internal/server/handlers"
	"github.com/3leaps/gobatch/internal/server/middleware"
)

// Timeouts configures the underlying http.Server. Zero fields keep the
// net/http defaults.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithSource mounts the /v1 API over src.
func WithSource(src handlers.Source) Option {
	return func(s *Server) { s.source = src }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithTimeouts(t Timeouts) Option {
	return func(s *Server) { s.timeouts = t }
}

func WithVersion(info handlers.VersionInfo) Option {
	return func(s *Server) { s.version = info }
}

// Server is the HTTP status API.
type Server struct {
	host     string
	port     int
	source   handlers.Source
	logger   *zap.Logger
	timeouts Timeouts
	version  handlers.VersionInfo
	health   *handlers.HealthManager
	router   chi.Router
}

// New builds the router; nothing listens until ListenAndServe.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{host: host, port: port, logger: zap.NewNop(), version: handlers.VersionInfo{Version: "dev"}}
	for _, opt := range opts {
		opt(s)
	}
	s.health = handlers.NewHealthManager(s.version.Version)
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Recovery)
	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	r.Get("/health", s.health.HealthHandler)
	r.Get("/health/live", s.health.LivenessHandler)
	r.Get("/version", handlers.VersionHandler(s.version))

	if s.source != nil {
		api := handlers.NewAPI(s.source)
		r.Route("/v1", func(r chi.Router) {
			r.Get("/resources", api.ListResources)
			r.Get("/tasks", api.ListTasks)
			r.Get("/tasks/{id}", api.GetTask)
		})
	}
	return r
}

// Health returns the manager so callers can register dependency checks.
func (s *Server) Health() *handlers.HealthManager { return s.health }

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Port() int { return s.port }

// Addr is host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.timeouts.Read,
		WriteTimeout: s.timeouts.Write,
		IdleTimeout:  s.timeouts.Idle,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdown := s.timeouts.Shutdown
	if shutdown <= 0 {
		shutdown = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdown)
	defer cancel()
	s.logger.Info("HTTP server shutting down")
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
