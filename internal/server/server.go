// Package server exposes the engine over a local HTTP control surface.
// There is deliberately no route that resets a killed engine; reset is an
// out-of-band operator action (actiongate killswitch reset).
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ppiankov/actiongate/internal/app"
	"github.com/ppiankov/actiongate/internal/config"
)

const shutdownTimeout = 5 * time.Second

// Server serves the control API.
type Server struct {
	app     *app.App
	cfg     config.ServerConfig
	logger  *zap.Logger
	limiter *rate.Limiter
	router  chi.Router
}

// New creates a server for a.
func New(a *app.App, cfg config.ServerConfig) *Server {
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		app:    a,
		cfg:    cfg,
		logger: logger.Named("http"),
		router: chi.NewRouter(),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond)
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(burst, 1))
	}
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.app.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.throttle)

		r.Get("/status", s.handleStatus)

		r.Post("/actions", s.handleSubmit)
		r.Post("/actions/check", s.handleCheck)

		r.Get("/confirmations", s.handlePending)
		r.Post("/confirmations", s.handleConfirm)

		r.Get("/killswitch", s.handleSwitchStatus)
		r.Post("/killswitch/{op}", s.handleSwitch)

		r.Get("/guard", s.handleGuardStatus)
		r.Post("/guard/lockdown", s.handleLockdown)

		r.Get("/audit/stats", s.handleAuditStats)
	})
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.ServeOn(ctx, lis)
}

// ServeOn serves on an existing listener until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) ServeOn(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", lis.Addr().String()))
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
