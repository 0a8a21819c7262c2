// Package blacklist evaluates IP/CIDR/UA/ASN/geo denial rules against the
// shared cache, rebuilt out-of-band from the primary store (spec §4.2).
package blacklist

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/cloakgate/gateway/internal/cache"
	"github.com/cloakgate/gateway/internal/model"
	"github.com/cloakgate/gateway/internal/state"
)

// Match describes the outcome of a membership test: whether a rule hit, and
// if so, which scope and value it hit on.
type Match struct {
	Hit       bool
	Scope     model.BlacklistScope
	Value     string
	BlockType model.GeoBlockType // populated by IsGeoBlocked only
}

var noMatch = Match{}

// Store evaluates blacklist membership for incoming requests. Exact-IP and
// ISP checks round-trip the shared cache directly; CIDR and UA-pattern
// checks use an in-process snapshot rebuilt from the primary store, since
// Redis has no native CIDR or regex matching, and geo checks read the
// snapshot's local mirror of the geo hash. Regex patterns
// are compiled once and cached across rebuilds by pattern text.
type Store struct {
	cache   *cache.Client
	primary *state.Store
	snap    atomic.Pointer[snapshot]
	regexes *xsync.Map[string, *regexp.Regexp]
}

// NewStore constructs an empty Store. Call RebuildCache before serving
// traffic; until then every membership test reports no match.
func NewStore(c *cache.Client, primary *state.Store) *Store {
	s := &Store{
		cache:   c,
		primary: primary,
		regexes: xsync.NewMap[string, *regexp.Regexp](),
	}
	s.snap.Store(emptySnapshot())
	return s
}

func scopeKey(e model.BlacklistEntry) string {
	if e.Scope == model.ScopeGlobal {
		return "global"
	}
	return fmt.Sprintf("user:%d", e.TenantID)
}

func nowNs() int64 {
	return time.Now().UnixNano()
}

// --- IP (exact) ---

// IsIPBlocked checks ip against the global IP set and, if tenantID > 0, the
// tenant's IP set. A hit in either scope blocks. A Store with no cache
// client (not yet wired up, or the shared cache is unreachable) degrades to
// reporting no match rather than failing the request.
func (s *Store) IsIPBlocked(ctx context.Context, ip string, tenantID int64) (Match, error) {
	if s.cache == nil {
		return noMatch, nil
	}
	hit, err := s.cache.Raw().SIsMember(ctx, cache.BlacklistIPGlobalKey(), ip).Result()
	if err != nil {
		return noMatch, err
	}
	if hit {
		return Match{Hit: true, Scope: model.ScopeGlobal, Value: ip}, nil
	}
	if tenantID == 0 {
		return noMatch, nil
	}
	hit, err = s.cache.Raw().SIsMember(ctx, cache.BlacklistIPTenantKey(tenantID), ip).Result()
	if err != nil {
		return noMatch, err
	}
	if hit {
		return Match{Hit: true, Scope: model.ScopeTenant, Value: ip}, nil
	}
	return noMatch, nil
}

// --- CIDR ---

// IsCIDRHit checks ip against every configured CIDR range in global scope,
// then tenant scope.
func (s *Store) IsCIDRHit(ip netip.Addr, tenantID int64) Match {
	snap := s.snap.Load()
	for _, e := range snap.cidrs {
		if e.scope != model.ScopeGlobal {
			continue
		}
		if e.contains(ip) {
			return Match{Hit: true, Scope: model.ScopeGlobal, Value: e.value}
		}
	}
	if tenantID == 0 {
		return noMatch
	}
	for _, e := range snap.cidrs {
		if e.scope != model.ScopeTenant || e.tenantID != tenantID {
			continue
		}
		if e.contains(ip) {
			return Match{Hit: true, Scope: model.ScopeTenant, Value: e.value}
		}
	}
	return noMatch
}

// --- User agent ---

// IsUABlocked checks ua against every configured UA pattern in global
// scope, then tenant scope. Regex compilation errors and malformed
// patterns never match rather than failing the call.
func (s *Store) IsUABlocked(ua string, tenantID int64) Match {
	snap := s.snap.Load()
	for _, e := range snap.uas {
		if e.scope != model.ScopeGlobal {
			continue
		}
		if e.match(ua) {
			return Match{Hit: true, Scope: model.ScopeGlobal, Value: e.value}
		}
	}
	if tenantID == 0 {
		return noMatch
	}
	for _, e := range snap.uas {
		if e.scope != model.ScopeTenant || e.tenantID != tenantID {
			continue
		}
		if e.match(ua) {
			return Match{Hit: true, Scope: model.ScopeTenant, Value: e.value}
		}
	}
	return noMatch
}

// --- ISP / ASN ---

// IsISPBlocked checks asn against the ASN set and orgName (case-insensitive)
// against the ISP-name hash, in global scope then tenant scope.
func (s *Store) IsISPBlocked(ctx context.Context, asn int64, orgName string, tenantID int64) (Match, error) {
	if s.cache == nil {
		return noMatch, nil
	}
	m, err := s.ispHit(ctx, "global", asn, orgName)
	if err != nil {
		return noMatch, err
	}
	if m.Hit {
		m.Scope = model.ScopeGlobal
		return m, nil
	}
	if tenantID == 0 {
		return noMatch, nil
	}
	m, err = s.ispHit(ctx, fmt.Sprintf("user:%d", tenantID), asn, orgName)
	if err != nil {
		return noMatch, err
	}
	if m.Hit {
		m.Scope = model.ScopeTenant
		return m, nil
	}
	return noMatch, nil
}

func (s *Store) ispHit(ctx context.Context, scopeKey string, asn int64, orgName string) (Match, error) {
	if asn != 0 {
		hit, err := s.cache.Raw().SIsMember(ctx, cache.BlacklistISPsKey(scopeKey), strconv.FormatInt(asn, 10)).Result()
		if err != nil {
			return noMatch, err
		}
		if hit {
			return Match{Hit: true, Value: strconv.FormatInt(asn, 10)}, nil
		}
	}
	if orgName == "" {
		return noMatch, nil
	}
	hit, err := s.cache.Raw().HExists(ctx, cache.BlacklistISPNamesKey(scopeKey), strings.ToLower(orgName)).Result()
	if err != nil {
		return noMatch, err
	}
	if hit {
		return Match{Hit: true, Value: orgName}, nil
	}
	return noMatch, nil
}

// --- Geo ---

// IsGeoBlocked checks country against the configured geo blocks in global
// scope then tenant scope. When region is set, a request matches either a
// region-specific block (country:region) or a country-wide block (bare
// country) — a country-level ban must still catch requests that carry a
// region.
func (s *Store) IsGeoBlocked(country, region string, tenantID int64) Match {
	snap := s.snap.Load()
	country = strings.ToLower(country)
	fields := []string{country}
	if region != "" {
		fields = []string{country + ":" + strings.ToLower(region), country}
	}

	for _, field := range fields {
		if bt, ok := snap.geos[geoKey{scope: model.ScopeGlobal, field: field}]; ok {
			return Match{Hit: true, Scope: model.ScopeGlobal, Value: field, BlockType: bt}
		}
	}
	if tenantID == 0 {
		return noMatch
	}
	for _, field := range fields {
		if bt, ok := snap.geos[geoKey{scope: model.ScopeTenant, tenantID: tenantID, field: field}]; ok {
			return Match{Hit: true, Scope: model.ScopeTenant, Value: field, BlockType: bt}
		}
	}
	return noMatch
}
