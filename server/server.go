// Package server exposes a Dispatcher over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vinayprograms/llmdispatch/dispatch"
	"github.com/vinayprograms/llmdispatch/errors"
	"github.com/vinayprograms/llmdispatch/logging"
)

// Server serves the dispatcher API.
type Server struct {
	router *chi.Mux
	server *http.Server
	d      *dispatch.Dispatcher
	log    *logging.Logger
	addr   string
}

// Config configures a Server.
type Config struct {
	Addr    string
	Version string
	Logger  *logging.Logger
}

// New builds the router for d.
func New(d *dispatch.Dispatcher, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	s := &Server{
		router: chi.NewRouter(),
		d:      d,
		log:    cfg.Logger.WithComponent("server"),
		addr:   cfg.Addr,
	}

	s.router.Use(middleware.RealIP)
	s.router.Use(RequestID)
	s.router.Use(s.accessLog)
	s.router.Use(s.recovery)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "route not found"), http.StatusNotFound)
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "method not allowed"), http.StatusMethodNotAllowed)
	})

	s.routes(cfg.Version)

	// Built up front so Shutdown may run before or during Start.
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes(version string) {
	s.router.Get("/health", s.health(version))

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/generate", s.generate)
		r.Get("/stats", s.stats)

		r.Get("/sessions", s.listSessions)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Put("/", s.registerSession)
			r.Get("/", s.getSession)
			r.Delete("/", s.removeSession)
			r.Post("/heartbeat", s.heartbeat)
			r.Get("/cooldown", s.cooldown)
		})
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address until Shutdown is called.
// It returns nil after a clean shutdown, and at once if Shutdown already ran.
func (s *Server) Start() error {
	s.log.Info("listening", zap.String("addr", s.addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting_down")
	return s.server.Shutdown(ctx)
}
