package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cloakgate/gateway/internal/blacklist"
	"github.com/cloakgate/gateway/internal/config"
	"github.com/cloakgate/gateway/internal/decision"
	"github.com/cloakgate/gateway/internal/model"
	"github.com/cloakgate/gateway/internal/offer"
	"github.com/cloakgate/gateway/internal/state"
)

func newTestHandler(t *testing.T) (*Handler, *state.Store) {
	t.Helper()
	store, err := state.Bootstrap(t.TempDir())
	if err != nil {
		t.Fatalf("bootstrap store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	resolver := offer.New(store, nil)
	t.Cleanup(resolver.Close)

	eng := decision.New(blacklist.NewStore(nil, nil), config.NewDefaultRuntimeConfig(), 200*time.Millisecond, nil)

	return &Handler{Offers: resolver, Decision: eng}, store
}

func TestServeHTTP_UnresolvableRequest_404(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/random/path", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestServeHTTP_OfferNotFound_404(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Subdomain", "abc123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestServeHTTP_PausedOffer_404(t *testing.T) {
	h, store := newTestHandler(t)
	seedOffer(t, store, model.Offer{
		ID: 1, TenantID: 1, Subdomain: "abc123",
		Lifecycle: model.OfferPaused, CloakEnabled: true,
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Subdomain", "abc123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestServeHTTP_CloakDisabled_AlwaysSafeVariant(t *testing.T) {
	h, store := newTestHandler(t)
	seedOffer(t, store, model.Offer{
		ID: 2, TenantID: 1, Subdomain: "ncloak",
		Lifecycle: model.OfferActive, CloakEnabled: false,
	})

	req := httptest.NewRequest(http.MethodGet, "/c/ncloak", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	want := "/internal/pages/ncloak/b/index.html"
	if got := rec.Header().Get("X-Accel-Redirect"); got != want {
		t.Fatalf("X-Accel-Redirect = %q, want %q", got, want)
	}
}

func TestServeHTTP_PathSubdomainResolution(t *testing.T) {
	h, store := newTestHandler(t)
	seedOffer(t, store, model.Offer{
		ID: 3, TenantID: 1, Subdomain: "path01",
		Lifecycle: model.OfferActive, CloakEnabled: true,
	})

	req := httptest.NewRequest(http.MethodGet, "/c/path01/landing", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0.0.0 Safari/537.36")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	accel := rec.Header().Get("X-Accel-Redirect")
	if accel != "/internal/pages/path01/a/index.html" && accel != "/internal/pages/path01/b/index.html" {
		t.Fatalf("unexpected X-Accel-Redirect: %q", accel)
	}
}

func TestServeHTTP_CustomDomainMustBeVerified(t *testing.T) {
	h, store := newTestHandler(t)
	seedOffer(t, store, model.Offer{
		ID: 4, TenantID: 1, Subdomain: "hasdomain",
		CustomDomain: "example.test", CustomDomainState: model.CustomDomainPending,
		Lifecycle: model.OfferActive, CloakEnabled: true,
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Custom-Domain", "example.test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unverified custom domain", rec.Code)
	}
}

func TestExtractClientIP_PriorityChain(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Real-IP", "203.0.113.9")
	req.Header.Set("X-Forwarded-For", "198.51.100.5, 10.0.0.2")
	req.Header.Set("CF-Connecting-IP", "192.0.2.1")

	if got := extractClientIP(req); got.String() != "192.0.2.1" {
		t.Fatalf("expected CF-Connecting-IP to win, got %s", got)
	}

	req.Header.Del("CF-Connecting-IP")
	if got := extractClientIP(req); got.String() != "198.51.100.5" {
		t.Fatalf("expected first X-Forwarded-For token, got %s", got)
	}

	req.Header.Del("X-Forwarded-For")
	if got := extractClientIP(req); got.String() != "203.0.113.9" {
		t.Fatalf("expected X-Real-IP, got %s", got)
	}

	req.Header.Del("X-Real-IP")
	if got := extractClientIP(req); got.String() != "10.0.0.1" {
		t.Fatalf("expected RemoteAddr fallback, got %s", got)
	}
}

func seedOffer(t *testing.T, s *state.Store, o model.Offer) {
	t.Helper()
	if err := s.UpsertOffer(o); err != nil {
		t.Fatalf("seed offer: %v", err)
	}
}
