package geoip

import (
	"context"
	"log"
	"net/netip"
	"strings"
	"time"

	"github.com/maypok86/otter"

	"github.com/cloakgate/gateway/internal/cache"
	"github.com/cloakgate/gateway/internal/metrics"
	"github.com/cloakgate/gateway/internal/model"
	"github.com/cloakgate/gateway/internal/netutil"
)

const (
	localCacheSize = 10_000
	cacheTTL       = 5 * time.Minute
)

// connectionKeywords is the fixed, documented keyword table used to infer
// connection type from an ASN organization name (spec §4.1). Checked in
// order; the first match wins.
var connectionKeywords = []struct {
	connType model.ConnectionType
	keywords []string
}{
	{model.ConnMobile, []string{"mobile", "wireless", "cellular", "lte", "3g", "4g", "5g"}},
	{model.ConnDatacenter, []string{
		"amazon", "aws", "google cloud", "microsoft", "azure", "digitalocean",
		"linode", "ovh", "hetzner", "vultr", "datacenter", "data center",
		"hosting", "server", "cloud", "colo",
	}},
	{model.ConnResidential, []string{
		"telecom", "telekom", "broadband", "cable", "fiber", "dsl", "communications",
		"residential", "isp",
	}},
}

// inferConnectionType applies connectionKeywords to an ASN organization
// name. Returns ConnUnknown if nothing matches.
func inferConnectionType(org string) model.ConnectionType {
	lower := strings.ToLower(org)
	for _, group := range connectionKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(lower, kw) {
				return group.connType
			}
		}
	}
	return model.ConnUnknown
}

// IntelligenceConfig configures the combined City/ASN/Anonymous-IP
// resolver and its two-tier cache.
type IntelligenceConfig struct {
	City      ServiceConfig[CityRecord]
	ASN       ServiceConfig[ASNRecord]
	Anonymous ServiceConfig[AnonymousRecord] // DBFilename empty disables this tier
	Cache     *cache.Client
}

// Intelligence resolves an IP to a model.IPIntelligenceResult, fronted by
// an in-process otter cache and the shared Redis cache (spec §4.1). Missing
// on-disk databases degrade the corresponding fields to "unknown" rather
// than failing the call.
type Intelligence struct {
	city      *Service[CityRecord]
	asn       *Service[ASNRecord]
	anonymous *Service[AnonymousRecord]
	cache     *cache.Client
	local     otter.Cache[string, model.IPIntelligenceResult]
}

// NewIntelligence constructs the three per-database services (not yet
// started — call Start) and the local LRU cache.
func NewIntelligence(cfg IntelligenceConfig) *Intelligence {
	local, err := otter.MustBuilder[string, model.IPIntelligenceResult](localCacheSize).
		Cost(func(_ string, _ model.IPIntelligenceResult) uint32 { return 1 }).
		WithTTL(cacheTTL).
		Build()
	if err != nil {
		panic("geoip: failed to create local cache: " + err.Error())
	}

	return &Intelligence{
		city:      NewService(cfg.City),
		asn:       NewService(cfg.ASN),
		anonymous: NewService(cfg.Anonymous),
		cache:     cfg.Cache,
		local:     local,
	}
}

// Start loads/schedules all three underlying services.
func (in *Intelligence) Start() error {
	if err := in.city.Start(); err != nil {
		return err
	}
	if err := in.asn.Start(); err != nil {
		return err
	}
	return in.anonymous.Start()
}

// Stop stops all three underlying services and releases the local cache.
func (in *Intelligence) Stop() {
	in.city.Stop()
	in.asn.Stop()
	in.anonymous.Stop()
	in.local.Close()
}

// Resolve looks up ip, checking the in-process LRU first, then the shared
// cache, then the on-disk databases (spec §4.1's two-tier cache).
func (in *Intelligence) Resolve(ctx context.Context, ip netip.Addr) model.IPIntelligenceResult {
	key := ip.String()

	if result, ok := in.local.Get(key); ok {
		metrics.GeoIPLookupTotal.WithLabelValues("local").Inc()
		return result
	}

	if in.cache != nil {
		var result model.IPIntelligenceResult
		if err := in.cache.GetJSON(ctx, cache.GeoIPKey(key), &result); err == nil {
			in.local.Set(key, result)
			metrics.GeoIPLookupTotal.WithLabelValues("shared").Inc()
			return result
		} else if err != cache.ErrMiss {
			log.Printf("[geoip] shared cache read failed for %s: %v", key, err)
		}
	}

	result := in.resolveFromDatabases(ip)

	in.local.Set(key, result)
	if in.cache != nil {
		if err := in.cache.SetJSON(ctx, cache.GeoIPKey(key), result, cacheTTL); err != nil {
			log.Printf("[geoip] shared cache write failed for %s: %v", key, err)
		}
	}
	metrics.GeoIPLookupTotal.WithLabelValues("database").Inc()
	return result
}

func (in *Intelligence) resolveFromDatabases(ip netip.Addr) model.IPIntelligenceResult {
	var result model.IPIntelligenceResult

	if city, ok := in.city.Lookup(ip); ok {
		result.HasGeo = true
		result.Country = strings.ToLower(city.Country.ISOCode)
		if result.Country == "" {
			result.Country = strings.ToLower(city.RegisteredCountry.ISOCode)
		}
		if len(city.Subdivisions) > 0 {
			result.Region = firstName(city.Subdivisions[0].Names)
		}
		result.City = firstName(city.City.Names)
		result.Timezone = city.Location.TimeZone
		result.Latitude = city.Location.Latitude
		result.Longitude = city.Location.Longitude
	}

	if asn, ok := in.asn.Lookup(ip); ok {
		result.HasASN = true
		result.ASN = int64(asn.AutonomousSystemNumber)
		result.Organization = asn.AutonomousSystemOrganization
		connType := inferConnectionType(asn.AutonomousSystemOrganization)
		result.ConnectionType = connType
		result.IsDatacenter = connType == model.ConnDatacenter
		result.IsResidential = connType == model.ConnResidential
		result.IsHosting = result.IsDatacenter
	}

	if anon, ok := in.anonymous.Lookup(ip); ok {
		result.IsVPN = anon.IsAnonymousVPN
		result.IsProxy = anon.IsPublicProxy || anon.IsResidentialProxy
		result.IsTor = anon.IsTorExitNode
		result.IsHosting = result.IsHosting || anon.IsHostingProvider
		if anon.IsAnonymous {
			// A positive Anonymous-IP signal overrides ASN-based inference.
			result.IsResidential = false
		}
	}

	if result.ConnectionType == "" {
		result.ConnectionType = model.ConnUnknown
	}

	return result
}

// DatabaseStatus reports one on-disk database's freshness.
type DatabaseStatus struct {
	LastUpdated         time.Time `json:"last_updated"`
	NextScheduledUpdate time.Time `json:"next_scheduled_update"`
}

// Status reports freshness for all three underlying databases, for the
// admin API's geoip status endpoint.
type Status struct {
	City      DatabaseStatus `json:"city"`
	ASN       DatabaseStatus `json:"asn"`
	Anonymous DatabaseStatus `json:"anonymous"`
}

func (in *Intelligence) Status() Status {
	return Status{
		City:      DatabaseStatus{LastUpdated: in.city.LastUpdated(), NextScheduledUpdate: in.city.NextScheduledUpdate()},
		ASN:       DatabaseStatus{LastUpdated: in.asn.LastUpdated(), NextScheduledUpdate: in.asn.NextScheduledUpdate()},
		Anonymous: DatabaseStatus{LastUpdated: in.anonymous.LastUpdated(), NextScheduledUpdate: in.anonymous.NextScheduledUpdate()},
	}
}

// UpdateNow forces an immediate refresh of all three databases, stopping
// at the first failure.
func (in *Intelligence) UpdateNow() error {
	if err := in.city.UpdateNow(); err != nil {
		return err
	}
	if err := in.asn.UpdateNow(); err != nil {
		return err
	}
	return in.anonymous.UpdateNow()
}

func firstName(names map[string]string) string {
	if v, ok := names["en"]; ok {
		return v
	}
	for _, v := range names {
		return v
	}
	return ""
}

// ReuseDownloader is a convenience constructor for the netutil.Downloader
// shared by all three database Services, matching the dynamic-timeout
// pattern used elsewhere for hot-reloadable config.
func ReuseDownloader(timeoutFn func() time.Duration, userAgentFn func() string) netutil.Downloader {
	return netutil.NewDirectDownloader(timeoutFn, userAgentFn)
}
