package offer

import (
	"context"
	"testing"

	"github.com/cloakgate/gateway/internal/model"
	"github.com/cloakgate/gateway/internal/state"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Bootstrap(t.TempDir())
	if err != nil {
		t.Fatalf("bootstrap store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedOffer(t *testing.T, s *state.Store, o model.Offer) {
	t.Helper()
	if err := s.UpsertOffer(o); err != nil {
		t.Fatalf("seed offer: %v", err)
	}
}

func TestResolver_ByID_CachesAcrossCalls(t *testing.T) {
	store := newTestStore(t)
	seedOffer(t, store, model.Offer{
		ID: 1, TenantID: 1, Subdomain: "acme", Lifecycle: model.OfferActive,
		TargetCountries: []string{"us"},
	})

	r := New(store, nil)
	defer r.Close()

	got, err := r.ByID(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Subdomain != "acme" {
		t.Fatalf("subdomain = %q, want acme", got.Subdomain)
	}

	// Second call must be served from the local cache even if the backing
	// row changes underneath it (proves the LRU, not the store, answered).
	seedOffer(t, store, model.Offer{
		ID: 1, TenantID: 1, Subdomain: "acme", Lifecycle: model.OfferPaused,
	})
	got2, err := r.ByID(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if got2.Lifecycle != model.OfferActive {
		t.Fatalf("expected stale cached lifecycle active, got %q", got2.Lifecycle)
	}
}

func TestResolver_BySubdomain_NotFound(t *testing.T) {
	store := newTestStore(t)
	r := New(store, nil)
	defer r.Close()

	_, err := r.BySubdomain(context.Background(), "missing")
	if err != state.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolver_ByDomain_OnlyVerified(t *testing.T) {
	store := newTestStore(t)
	seedOffer(t, store, model.Offer{
		ID: 2, TenantID: 1, Subdomain: "pending-domain-offer",
		CustomDomain: "example.test", CustomDomainState: model.CustomDomainPending,
		Lifecycle: model.OfferActive,
	})

	r := New(store, nil)
	defer r.Close()

	if _, err := r.ByDomain(context.Background(), "example.test"); err != state.ErrNotFound {
		t.Fatalf("expected ErrNotFound for unverified domain, got %v", err)
	}
}

func TestResolver_Invalidate_ForcesReload(t *testing.T) {
	store := newTestStore(t)
	seedOffer(t, store, model.Offer{
		ID: 3, TenantID: 1, Subdomain: "invalidate-me", Lifecycle: model.OfferActive,
	})

	r := New(store, nil)
	defer r.Close()

	first, err := r.ByID(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}

	updated := *first
	updated.Lifecycle = model.OfferPaused
	seedOffer(t, store, updated)
	r.Invalidate(context.Background(), updated)

	second, err := r.ByID(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if second.Lifecycle != model.OfferPaused {
		t.Fatalf("expected reload to observe paused lifecycle, got %q", second.Lifecycle)
	}
}
