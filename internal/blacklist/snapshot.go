package blacklist

import (
	"net/netip"

	"github.com/cloakgate/gateway/internal/model"
)

// cidrEntry is a parsed, ready-to-test CIDR range. Redis has no native CIDR
// matching, so the parsed form lives only in the in-process snapshot.
type cidrEntry struct {
	prefix   netip.Prefix
	scope    model.BlacklistScope
	tenantID int64
	value    string
}

func (e cidrEntry) contains(ip netip.Addr) bool {
	ip = ip.Unmap()
	addr := e.prefix.Addr().Unmap()
	if addr.Is4() != ip.Is4() {
		return false
	}
	return netip.PrefixFrom(addr, e.prefix.Bits()).Contains(ip)
}

// uaEntry is a compiled UA matcher. Regex compilation happens once per
// rebuild (cached across rebuilds in Store.regexes keyed by pattern text).
type uaEntry struct {
	match    func(ua string) bool
	scope    model.BlacklistScope
	tenantID int64
	value    string
}

// geoKey identifies a scope plus a lowercased "country" or "country:region"
// field, matching the shared-cache hash field format.
type geoKey struct {
	scope    model.BlacklistScope
	tenantID int64
	field    string
}

// snapshot is the in-process half of the blacklist: CIDR ranges and UA
// matchers that Redis cannot evaluate natively, plus a local mirror of the
// geo hash to avoid a round trip on every request. Replaced wholesale by
// RebuildCache via an atomic pointer swap (spec §4.2: "a rebuild must be
// atomic from the reader's perspective").
type snapshot struct {
	cidrs []cidrEntry
	uas   []uaEntry
	geos  map[geoKey]model.GeoBlockType
}

func emptySnapshot() *snapshot {
	return &snapshot{geos: map[geoKey]model.GeoBlockType{}}
}
