// Package api implements the gateway's read-only admin/observability
// surface: health, Prometheus metrics, geoip status/lookup, and job-queue
// depth (spec §6.1). There is no CRUD surface — offers, blacklist entries,
// and pages are managed out of band, not through this API.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloakgate/gateway/internal/geoip"
	"github.com/cloakgate/gateway/internal/jobqueue"
)

// Server wraps the HTTP server and mux for the admin API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// Deps carries the optional components the admin API can expose routes
// for. A nil field simply omits the routes that depend on it, so a
// process can run a bare healthz/metrics surface without wiring geoip or
// the job runner.
type Deps struct {
	AdminToken      string
	APIMaxBodyBytes int64
	GeoIP           *geoip.Intelligence
	JobQueue        *jobqueue.Worker
	Registry        *prometheus.Registry
}

// NewServer creates a new admin API server wired with all routes.
func NewServer(port int, deps Deps) *Server {
	mux := http.NewServeMux()

	// Public (no auth).
	mux.Handle("GET /healthz", HandleHealthz())
	if deps.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	// Authenticated routes.
	authed := http.NewServeMux()

	if deps.GeoIP != nil {
		authed.Handle("GET /api/v1/geoip/status", HandleGeoIPStatus(deps.GeoIP))
		authed.Handle("GET /api/v1/geoip/lookup", HandleGeoIPLookup(deps.GeoIP))
		authed.Handle("POST /api/v1/geoip/actions/update-now", HandleGeoIPUpdateNow(deps.GeoIP))
	}

	if deps.JobQueue != nil {
		authed.Handle("GET /api/v1/jobqueue/status", HandleJobQueueStatus(deps.JobQueue))
	}

	maxBody := deps.APIMaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MiB
	}
	mux.Handle("/api/", RequestBodyLimitMiddleware(maxBody, AuthMiddleware(deps.AdminToken, authed)))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
