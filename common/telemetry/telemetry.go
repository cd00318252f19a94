// Package telemetry runs the ops HTTP server: Prometheus metrics, health,
// and optional pprof. It listens on its own port so the public surface never
// exposes internals.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trellishq/trellis/common/logger"
	"github.com/trellishq/trellis/common/server"
)

// Telemetry serves the ops endpoints for one process
type Telemetry struct {
	log      *logger.Logger
	addr     string
	registry *prometheus.Registry
	pprof    bool
	server   *http.Server
}

// New creates the ops server on the given port
func New(port int, registry *prometheus.Registry, enablePprof bool, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:      log,
		addr:     fmt.Sprintf(":%d", port),
		registry: registry,
		pprof:    enablePprof,
	}
}

// Start serves the ops endpoints in the background until Stop
func (t *Telemetry) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", server.HealthHandler())

	if t.pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	t.server = &http.Server{
		Addr:        t.addr,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
	}

	go func() {
		t.log.Info("ops server starting", "addr", t.addr, "pprof", t.pprof)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.log.Error("ops server error", "error", err)
		}
	}()
}

// Stop shuts the ops server down
func (t *Telemetry) Stop(ctx context.Context) {
	if t.server == nil {
		return
	}
	if err := t.server.Shutdown(ctx); err != nil {
		t.log.Error("ops server shutdown failed", "error", err)
	}
}
