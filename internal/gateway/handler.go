// Package gateway implements the catch-all HTTP handler (C5): offer
// resolution, variant selection via the decision engine, internal
// X-Accel-Redirect dispatch, and post-response log enqueue (spec §4.5).
package gateway

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloakgate/gateway/internal/cache"
	"github.com/cloakgate/gateway/internal/decision"
	"github.com/cloakgate/gateway/internal/logpipeline"
	"github.com/cloakgate/gateway/internal/metrics"
	"github.com/cloakgate/gateway/internal/model"
	"github.com/cloakgate/gateway/internal/offer"
)

// subdomainPathRe extracts the six-char subdomain from a /c/{sixchar} path
// prefix (spec §4.5).
var subdomainPathRe = regexp.MustCompile(`^/c/([a-z0-9]{6})(?:/|$|\?)`)

// Handler is the gateway's single catch-all route. IP intelligence is
// resolved by Decision itself (inside its deadline), not here — see
// decision.Engine.GeoIP.
type Handler struct {
	Offers   *offer.Resolver
	Decision *decision.Engine
	LogCache *cache.Client // may be nil to disable logging entirely
}

var _ http.Handler = (*Handler)(nil)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var resolvedSubdomain string

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[gateway] panic handling request %s: %v", r.URL.Path, rec)
			if resolvedSubdomain != "" {
				dispatch(w, resolvedSubdomain, model.VariantB)
				return
			}
			writeNotFound(w)
		}
	}()

	ctx := r.Context()
	subdomain, domain := resolveSource(r)
	if subdomain == "" && domain == "" {
		writeNotFound(w)
		return
	}

	o, err := h.resolveOffer(ctx, subdomain, domain)
	if err != nil {
		log.Printf("[gateway] offer resolution failed (subdomain=%q domain=%q): %v", subdomain, domain, err)
		writeNotFound(w)
		return
	}

	resolvedSubdomain = o.Subdomain
	if !o.Servable() {
		writeNotFound(w)
		return
	}

	if !o.CloakEnabled {
		dispatch(w, o.Subdomain, model.VariantB)
		d := model.CloakDecision{
			ID:          uuid.NewString(),
			OfferID:     o.ID,
			TenantID:    o.TenantID,
			Decision:    model.DecisionSafe,
			Reason:      "cloak disabled",
			Fingerprint: fingerprint(r),
			CreatedAt:   time.Now(),
		}
		recordDecision(d)
		h.enqueueLog(ctx, d)
		return
	}

	req := decision.Request{
		IP:        extractClientIP(r),
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
		URL:       r.URL,
		Host:      r.Host,
	}
	d, _ := h.Decision.Decide(ctx, req, o.ID, o.TenantID, decision.Options{
		TargetCountries: o.TargetCountries,
	})

	variant := model.VariantB
	if d.Decision == model.DecisionMoney {
		variant = model.VariantA
	}
	dispatch(w, o.Subdomain, variant)
	recordDecision(d)
	h.enqueueLog(ctx, d)
}

// recordDecision feeds the decision's outcome, score, latency, and
// (if any) blocking layer into the process-wide Prometheus collectors.
func recordDecision(d model.CloakDecision) {
	metrics.DecisionsTotal.WithLabelValues(string(d.Decision)).Inc()
	metrics.DecisionScore.Observe(float64(d.Score))
	metrics.DecisionDuration.WithLabelValues(string(d.Decision)).Observe(float64(d.ProcessingTimeMs) / 1000)
	if d.BlockedAt != "" {
		metrics.DecisionsBlockedTotal.WithLabelValues(string(d.BlockedAt)).Inc()
	}
}

func (h *Handler) resolveOffer(ctx context.Context, subdomain, domain string) (*model.Offer, error) {
	if subdomain != "" {
		return h.Offers.BySubdomain(ctx, subdomain)
	}
	return h.Offers.ByDomain(ctx, domain)
}

func (h *Handler) enqueueLog(ctx context.Context, d model.CloakDecision) {
	if h.LogCache == nil {
		return
	}
	if err := logpipeline.Enqueue(ctx, h.LogCache, d); err != nil {
		log.Printf("[gateway] log enqueue failed: %v", err)
	}
}

// resolveSource applies the offer-resolution priority chain: X-Subdomain
// header, then /c/{sixchar} path, then X-Custom-Domain header. Returns
// exactly one of (subdomain, "") or ("", domain), or ("", "") if none
// matched.
func resolveSource(r *http.Request) (subdomain, domain string) {
	if hdr := r.Header.Get("X-Subdomain"); hdr != "" {
		return strings.ToLower(hdr), ""
	}
	if m := subdomainPathRe.FindStringSubmatch(r.URL.Path); m != nil {
		return m[1], ""
	}
	if hdr := r.Header.Get("X-Custom-Domain"); hdr != "" {
		return "", strings.ToLower(hdr)
	}
	return "", ""
}

// extractClientIP reads the client IP following the trust chain in spec
// §4.5: CF-Connecting-IP, first token of X-Forwarded-For, X-Real-IP, then
// the transport-level peer address. An unparsable candidate is skipped
// rather than failing the request.
func extractClientIP(r *http.Request) netip.Addr {
	if v := r.Header.Get("CF-Connecting-IP"); v != "" {
		if ip, ok := parseIP(v); ok {
			return ip
		}
	}
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		first := strings.TrimSpace(strings.SplitN(v, ",", 2)[0])
		if ip, ok := parseIP(first); ok {
			return ip
		}
	}
	if v := r.Header.Get("X-Real-IP"); v != "" {
		if ip, ok := parseIP(v); ok {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if ip, ok := parseIP(host); ok {
			return ip
		}
	}
	if ip, ok := parseIP(r.RemoteAddr); ok {
		return ip
	}
	return netip.Addr{}
}

func parseIP(s string) (netip.Addr, bool) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip, true
}

func fingerprint(r *http.Request) model.RequestFingerprint {
	return model.RequestFingerprint{
		IP:        extractClientIP(r).String(),
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
		URL:       r.URL.String(),
		Host:      r.Host,
	}
}

// dispatch sets the internal-redirect response spec §4.5 requires: the
// front proxy interprets X-Accel-Redirect and serves the static page from
// the shared page-root volume. The handler itself never reads page files
// or writes a body — that is the no-redirect invariant's whole point.
func dispatch(w http.ResponseWriter, subdomain string, variant model.PageVariant) {
	w.Header().Set("X-Accel-Redirect", "/internal/pages/"+subdomain+"/"+string(variant)+"/index.html")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

const notFoundBody = `<!DOCTYPE html><html><head><title>404 Not Found</title></head><body><h1>Not Found</h1></body></html>`

func writeNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(notFoundBody))
}
