// Package offer resolves offers by id, subdomain, or custom domain through
// an in-process LRU fronting the shared cache and the primary store (the
// same two-tier pattern internal/geoip uses for IP intelligence), and
// exposes explicit invalidation for mutation paths.
package offer

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/maypok86/otter"

	"github.com/cloakgate/gateway/internal/cache"
	"github.com/cloakgate/gateway/internal/model"
	"github.com/cloakgate/gateway/internal/state"
)

const (
	localCacheSize = 10_000
	cacheTTL       = 5 * time.Minute
)

// lookupKind discriminates the three resolution paths so invalidation and
// metrics can distinguish them without three near-identical cache types.
type lookupKind int

const (
	byID lookupKind = iota
	bySubdomain
	byDomain
)

// Resolver resolves offers, fronted by a local LRU and the shared cache.
type Resolver struct {
	store *state.Store
	cache *cache.Client
	local otter.Cache[string, model.Offer]
}

// New constructs a Resolver. primary must not be nil; cache may be nil, in
// which case only the local LRU and primary store are consulted.
func New(primary *state.Store, shared *cache.Client) *Resolver {
	local, err := otter.MustBuilder[string, model.Offer](localCacheSize).
		Cost(func(_ string, _ model.Offer) uint32 { return 1 }).
		WithTTL(cacheTTL).
		Build()
	if err != nil {
		panic("offer: failed to create local cache: " + err.Error())
	}
	return &Resolver{store: primary, cache: shared, local: local}
}

// Close releases the local cache.
func (r *Resolver) Close() {
	r.local.Close()
}

// ByID resolves an offer by its primary key.
func (r *Resolver) ByID(ctx context.Context, id int64) (*model.Offer, error) {
	return r.resolve(ctx, byID, cache.OfferByIDKey(id), func() (*model.Offer, error) {
		return r.store.GetOfferByID(id)
	})
}

// BySubdomain resolves an offer by its immutable subdomain.
func (r *Resolver) BySubdomain(ctx context.Context, subdomain string) (*model.Offer, error) {
	return r.resolve(ctx, bySubdomain, cache.OfferBySubdomainKey(subdomain), func() (*model.Offer, error) {
		return r.store.GetOfferBySubdomain(subdomain)
	})
}

// ByDomain resolves an offer by its verified custom domain.
func (r *Resolver) ByDomain(ctx context.Context, domain string) (*model.Offer, error) {
	return r.resolve(ctx, byDomain, cache.OfferByDomainKey(domain), func() (*model.Offer, error) {
		return r.store.GetOfferByDomain(domain)
	})
}

func (r *Resolver) resolve(ctx context.Context, kind lookupKind, key string, load func() (*model.Offer, error)) (*model.Offer, error) {
	_ = kind // reserved for future per-kind metrics; resolution logic is identical across kinds

	if o, ok := r.local.Get(key); ok {
		return &o, nil
	}

	if r.cache != nil {
		var o model.Offer
		if err := r.cache.GetJSON(ctx, key, &o); err == nil {
			r.local.Set(key, o)
			return &o, nil
		} else if err != cache.ErrMiss {
			log.Printf("[offer] shared cache read failed for %s: %v", key, err)
		}
	}

	o, err := load()
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, state.ErrNotFound
		}
		return nil, err
	}

	r.local.Set(key, *o)
	if r.cache != nil {
		if err := r.cache.SetJSON(ctx, key, *o, cacheTTL); err != nil {
			log.Printf("[offer] shared cache write failed for %s: %v", key, err)
		}
	}
	return o, nil
}

// Invalidate evicts o from both cache tiers under every key it is
// reachable by. Callers must invoke this after any mutation (UpsertOffer,
// lifecycle change, custom domain verification) — the cache never expires
// fast enough on its own to reflect an admin-initiated change.
func (r *Resolver) Invalidate(ctx context.Context, o model.Offer) {
	keys := []string{cache.OfferByIDKey(o.ID), cache.OfferBySubdomainKey(o.Subdomain)}
	if o.CustomDomain != "" {
		keys = append(keys, cache.OfferByDomainKey(o.CustomDomain))
	}
	for _, key := range keys {
		r.local.Delete(key)
		if r.cache != nil {
			if err := r.cache.Del(ctx, key); err != nil {
				log.Printf("[offer] shared cache invalidation failed for %s: %v", key, err)
			}
		}
	}
}
