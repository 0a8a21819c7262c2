package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestServer_HealthzIsUnauthenticated(t *testing.T) {
	srv := NewServer(0, Deps{AdminToken: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestServer_MetricsRouteOnlyRegisteredWithRegistry(t *testing.T) {
	bare := NewServer(0, Deps{AdminToken: "secret"})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	bare.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("without a registry, /metrics should 404; got %d", rec.Code)
	}

	withRegistry := NewServer(0, Deps{AdminToken: "secret", Registry: prometheus.NewRegistry()})
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	withRegistry.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with a registry, /metrics should 200; got %d", rec.Code)
	}
}

func TestServer_APIRoutesRequireAuth(t *testing.T) {
	srv := NewServer(0, Deps{AdminToken: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/geoip/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestServer_GeoIPRoutesAbsentWithoutDep(t *testing.T) {
	srv := NewServer(0, Deps{AdminToken: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/geoip/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("with no GeoIP dep, geoip routes should 404; got %d", rec.Code)
	}
}
