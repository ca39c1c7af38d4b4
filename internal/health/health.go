// Package health serves the operational HTTP surface: liveness, readiness,
// a detailed component report, and the Prometheus metrics endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashbot/ash/internal/logging"
	"github.com/ashbot/ash/internal/metrics"
)

// Check probes one dependency. It returns nil when healthy.
type Check func(ctx context.Context) error

// Checks names every dependency the readiness probe gates on. Nil members
// are treated as healthy.
type Checks struct {
	Gateway Check
	KV      Check
	NLP     Check
}

// Detail is an optional extra reported by /health/detailed.
type Detail func(ctx context.Context) map[string]interface{}

// Server is the operational HTTP server.
type Server struct {
	httpSrv *http.Server
	checks  Checks
	detail  Detail
	logger  logging.Logger
	started time.Time
}

// Options configures a Server.
type Options struct {
	Port    int
	Checks  Checks
	Detail  Detail
	Metrics *metrics.Metrics
	Logger  logging.Logger
}

// New builds the server and its routes.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.NoOp{}
	}

	s := &Server{
		checks:  opts.Checks,
		detail:  opts.Detail,
		logger:  opts.Logger,
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleLive)
	r.Get("/healthz", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Get("/readyz", s.handleReady)
	r.Get("/health/detailed", s.handleDetailed)
	if opts.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start listens and serves until Shutdown. It returns on listener failure or
// after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("health server listening", map[string]interface{}{
		"addr": ln.Addr().String(),
	})
	if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleLive always reports healthy while the process runs.
func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// handleReady gates on every dependency check.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	components := map[string]string{}
	for name, check := range map[string]Check{
		"gateway": s.checks.Gateway,
		"kv":      s.checks.KV,
		"nlp":     s.checks.NLP,
	} {
		if check == nil {
			components[name] = "ok"
			continue
		}
		if err := check(ctx); err != nil {
			components[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	body := map[string]interface{}{"components": components}
	if status == http.StatusOK {
		body["status"] = "ready"
	} else {
		body["status"] = "not_ready"
	}
	writeJSON(w, status, body)
}

// handleDetailed reports readiness plus whatever extras the runtime exposes.
func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	body := map[string]interface{}{
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.detail != nil {
		for k, v := range s.detail(ctx) {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
