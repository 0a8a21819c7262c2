package api

import (
	"net/http"
	"net/netip"
	"time"

	"github.com/cloakgate/gateway/internal/geoip"
	"github.com/cloakgate/gateway/internal/metrics"
)

// HandleGeoIPStatus returns a handler for GET /api/v1/geoip/status.
func HandleGeoIPStatus(in *geoip.Intelligence) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := in.Status()
		recordDatabaseAge("city", status.City.LastUpdated)
		recordDatabaseAge("asn", status.ASN.LastUpdated)
		recordDatabaseAge("anonymous", status.Anonymous.LastUpdated)
		WriteJSON(w, http.StatusOK, status)
	}
}

func recordDatabaseAge(database string, lastUpdated time.Time) {
	if lastUpdated.IsZero() {
		return
	}
	metrics.GeoIPDatabaseAgeSeconds.WithLabelValues(database).Set(time.Since(lastUpdated).Seconds())
}

// HandleGeoIPLookup returns a handler for GET /api/v1/geoip/lookup.
func HandleGeoIPLookup(in *geoip.Intelligence) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("ip")
		if raw == "" {
			writeBadRequest(w, "ip query parameter is required")
			return
		}
		ip, err := netip.ParseAddr(raw)
		if err != nil {
			writeBadRequest(w, "ip query parameter is not a valid IP address")
			return
		}
		WriteJSON(w, http.StatusOK, in.Resolve(r.Context(), ip))
	}
}

// HandleGeoIPUpdateNow returns a handler for
// POST /api/v1/geoip/actions/update-now.
func HandleGeoIPUpdateNow(in *geoip.Intelligence) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := in.UpdateNow(); err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
