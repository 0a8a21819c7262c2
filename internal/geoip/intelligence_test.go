package geoip

import (
	"context"
	"net/netip"
	"testing"

	"github.com/maypok86/otter"

	"github.com/cloakgate/gateway/internal/model"
)

func TestInferConnectionType(t *testing.T) {
	tests := []struct {
		org  string
		want model.ConnectionType
	}{
		{"Amazon.com, Inc.", model.ConnDatacenter},
		{"DigitalOcean, LLC", model.ConnDatacenter},
		{"Verizon Wireless", model.ConnMobile},
		{"Deutsche Telekom AG", model.ConnResidential},
		{"Some Unrecognized Org", model.ConnUnknown},
	}
	for _, tc := range tests {
		if got := inferConnectionType(tc.org); got != tc.want {
			t.Errorf("inferConnectionType(%q) = %q, want %q", tc.org, got, tc.want)
		}
	}
}

func TestIntelligence_ResolveFromDatabases_AnonymousOverridesResidential(t *testing.T) {
	in := &Intelligence{
		city: &Service[CityRecord]{reader: withCountry("us")},
		asn: &Service[ASNRecord]{reader: &constASNReader{
			record: ASNRecord{AutonomousSystemNumber: 3320, AutonomousSystemOrganization: "Deutsche Telekom AG"},
			found:  true,
		}},
		anonymous: &Service[AnonymousRecord]{reader: &constAnonReader{
			record: AnonymousRecord{IsAnonymous: true, IsAnonymousVPN: true},
			found:  true,
		}},
	}

	result := in.resolveFromDatabases(netip.MustParseAddr("1.2.3.4"))

	if !result.HasGeo || result.Country != "us" {
		t.Errorf("expected geo resolved to us, got %+v", result)
	}
	if result.ConnectionType != model.ConnResidential {
		t.Errorf("ConnectionType = %q, want residential", result.ConnectionType)
	}
	if result.IsResidential {
		t.Error("IsResidential should be overridden to false by a positive anonymous signal")
	}
	if !result.IsVPN {
		t.Error("IsVPN should be true")
	}
}

func TestIntelligence_ResolveFromDatabases_MissingDatabasesDegradeGracefully(t *testing.T) {
	in := &Intelligence{
		city:      &Service[CityRecord]{},
		asn:       &Service[ASNRecord]{},
		anonymous: &Service[AnonymousRecord]{},
	}

	result := in.resolveFromDatabases(netip.MustParseAddr("8.8.8.8"))

	if result.HasGeo || result.HasASN {
		t.Errorf("expected no geo/asn data, got %+v", result)
	}
	if result.ConnectionType != model.ConnUnknown {
		t.Errorf("ConnectionType = %q, want unknown", result.ConnectionType)
	}
}

func TestIntelligence_Resolve_UsesLocalCacheOnSecondCall(t *testing.T) {
	calls := 0
	local, err := otter.MustBuilder[string, model.IPIntelligenceResult](localCacheSize).
		Cost(func(_ string, _ model.IPIntelligenceResult) uint32 { return 1 }).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	in := &Intelligence{
		city:      &Service[CityRecord]{reader: &countingReader{onLookup: func() { calls++ }}},
		asn:       &Service[ASNRecord]{},
		anonymous: &Service[AnonymousRecord]{},
		local:     local,
	}

	ip := netip.MustParseAddr("9.9.9.9")
	ctx := context.Background()

	first := in.Resolve(ctx, ip)
	second := in.Resolve(ctx, ip)

	if calls != 1 {
		t.Errorf("expected exactly one database lookup, got %d", calls)
	}
	if first.Country != second.Country {
		t.Errorf("cached result mismatch: %+v vs %+v", first, second)
	}
}

// --- fixtures ---

type constASNReader struct {
	record ASNRecord
	found  bool
}

func (r *constASNReader) Lookup(_ netip.Addr) (ASNRecord, bool) { return r.record, r.found }
func (r *constASNReader) Close() error                          { return nil }

type constAnonReader struct {
	record AnonymousRecord
	found  bool
}

func (r *constAnonReader) Lookup(_ netip.Addr) (AnonymousRecord, bool) { return r.record, r.found }
func (r *constAnonReader) Close() error                                { return nil }

type countingReader struct {
	onLookup func()
}

func (r *countingReader) Lookup(_ netip.Addr) (CityRecord, bool) {
	r.onLookup()
	var rec CityRecord
	rec.Country.ISOCode = "US"
	return rec, true
}
func (r *countingReader) Close() error { return nil }
