// Package server runs the public HTTP listener with signal-driven graceful
// shutdown. In-flight requests get a configurable drain budget; runs already
// executing are unaffected, they live in the worker manager.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trellishq/trellis/common/logger"
)

// defaultDrainBudget bounds shutdown when no grace period is configured
const defaultDrainBudget = 30 * time.Second

// Server is the public HTTP listener for one service
type Server struct {
	name  string
	http  *http.Server
	drain time.Duration
	log   *logger.Logger
}

// Option adjusts server construction
type Option func(*Server)

// WithDrainBudget sets how long in-flight requests get during shutdown.
// Non-positive values keep the default.
func WithDrainBudget(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.drain = d
		}
	}
}

// New creates a server listening on the given port
func New(name string, port int, handler http.Handler, log *logger.Logger, opts ...Option) *Server {
	s := &Server{
		name: name,
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		drain: defaultDrainBudget,
		log:   log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start serves until the listener fails or a SIGINT/SIGTERM arrives, then
// drains in-flight requests within the drain budget
func (s *Server) Start() error {
	listenErr := make(chan error, 1)
	go func() {
		s.log.Info(fmt.Sprintf("%s listening", s.name), "addr", s.http.Addr)
		listenErr <- s.http.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-listenErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listener failed: %w", err)
	case sig := <-stop:
		s.log.Info("shutdown signal received", "signal", sig.String(), "drain_budget", s.drain)
		return s.shutdown()
	}
}

// shutdown drains connections, falling back to a hard close when the drain
// budget runs out
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.drain)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Error("drain exceeded budget, closing", "error", err)
		if err := s.http.Close(); err != nil {
			return fmt.Errorf("failed to close listener: %w", err)
		}
	}
	s.log.Info(fmt.Sprintf("%s stopped", s.name))
	return nil
}

// HealthHandler answers liveness probes
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}
}
