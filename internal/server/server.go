// Package server assembles the HTTP surface: the chi router, the
// middleware chain, and graceful lifecycle management.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pgguard/pgguard/internal/gateway"
	"github.com/pgguard/pgguard/internal/handler"
	"github.com/pgguard/pgguard/internal/ratelimit"
	"github.com/pgguard/pgguard/internal/server/middleware"
	"github.com/pgguard/pgguard/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	CORSMethods     []string
	EdgeRPM         int
	APIKeyHeader    string
	TLSCertFile     string
	TLSKeyFile      string
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		CORSMethods:     []string{"GET", "POST"},
		EdgeRPM:         600,
		APIKeyHeader:    "X-API-Key",
	}
}

// Server is the gateway's HTTP front end. It owns the router and the
// listener; the query pipeline itself lives in the executor.
type Server struct {
	cfg        Config
	router     chi.Router
	exec       *gateway.Executor
	limiter    *ratelimit.Limiter
	authSvc    *service.AuthService
	httpServer *http.Server
	logger     *slog.Logger
}

// New wires up all routes and middleware and returns a server ready to
// listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, exec *gateway.Executor, limiter *ratelimit.Limiter, authSvc *service.AuthService, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		exec:    exec,
		limiter: limiter,
		authSvc: authSvc,
		logger:  logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// ---- global middleware ----
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   s.cfg.CORSMethods,
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", s.cfg.APIKeyHeader},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))
	if s.cfg.EdgeRPM > 0 {
		r.Use(middleware.EdgeRateLimit(s.cfg.EdgeRPM))
	}

	// ---- health checks (no auth) ----
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	queryHandler := handler.NewQueryHandler(s.exec, s.limiter)
	schemaHandler := handler.NewSchemaHandler(s.exec)
	sessionHandler := handler.NewSessionHandler(s.authSvc, s.cfg.APIKeyHeader)

	r.Route("/v1", func(r chi.Router) {
		// Session issuance authenticates itself via the API key header.
		r.Post("/auth/session", sessionHandler.Create)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(s.authSvc, s.cfg.APIKeyHeader))

			r.Post("/query", queryHandler.Execute)

			r.Get("/databases", schemaHandler.ListDatabases)
			r.Route("/databases/{database}", func(r chi.Router) {
				r.Get("/schema", schemaHandler.GetSchema)
				r.Get("/schema/{table}", schemaHandler.DescribeTable)
				r.Post("/schema/refresh", schemaHandler.RefreshSchema)
			})
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe: 200 if the process is up.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

// handleReadyz is a readiness probe: 200 when every configured database
// answers a ping, 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	for _, name := range s.exec.Databases() {
		target := s.exec.Target(name)
		if err := target.Pool.Ping(r.Context()); err != nil {
			checks[name] = "error: " + err.Error()
			status = "degraded"
		} else {
			checks[name] = "ok"
		}
	}

	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the server and blocks until SIGINT or SIGTERM,
// then drains in-flight requests within the shutdown timeout.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr, "tls", s.cfg.TLSCertFile != "")
		var err error
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
