package decision

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/cloakgate/gateway/internal/blacklist"
	"github.com/cloakgate/gateway/internal/config"
	"github.com/cloakgate/gateway/internal/model"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	bl := blacklist.NewStore(nil, nil)
	cfg := config.NewDefaultRuntimeConfig()
	return New(bl, cfg, 200*time.Millisecond, nil)
}

func newRequest() Request {
	return Request{
		IP:        netip.MustParseAddr("8.8.8.8"),
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0.0.0 Safari/537.36",
		Host:      "offer.example",
	}
}

func TestDecide_CleanResidentialTargetedCountry_Money(t *testing.T) {
	e := newEngine(t)
	opts := Options{
		TargetCountries: []string{"us"},
		Intel: model.IPIntelligenceResult{
			HasGeo: true, Country: "us",
			IsResidential: true,
		},
	}

	d, err := e.Decide(context.Background(), newRequest(), 1, 1, opts)
	if err != nil {
		t.Fatal(err)
	}
	if d.Decision != model.DecisionMoney {
		t.Fatalf("expected money, got %+v", d)
	}
}

func TestDecide_KnownBotHardBlocks(t *testing.T) {
	e := newEngine(t)
	req := newRequest()
	req.UserAgent = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"

	d, err := e.Decide(context.Background(), req, 1, 1, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if d.Decision != model.DecisionSafe || d.BlockedAt != model.BlockedL4 || d.Score != 0 {
		t.Fatalf("expected safe/L4/0, got %+v", d)
	}
}

func TestDecide_DatacenterIPLowersScore(t *testing.T) {
	e := newEngine(t)
	opts := Options{Intel: model.IPIntelligenceResult{
		IsDatacenter: true, IsVPN: true, IsProxy: true, HasASN: true,
	}}

	d, err := e.Decide(context.Background(), newRequest(), 1, 1, opts)
	if err != nil {
		t.Fatal(err)
	}
	if d.Decision != model.DecisionSafe {
		t.Fatalf("expected heavily-flagged datacenter traffic to fall to safe, got %+v", d)
	}
}

func TestDecide_NonTargetCountryHardBlocks(t *testing.T) {
	e := newEngine(t)
	opts := Options{
		TargetCountries: []string{"us"},
		Intel:           model.IPIntelligenceResult{HasGeo: true, Country: "fr"},
	}

	d, err := e.Decide(context.Background(), newRequest(), 1, 1, opts)
	if err != nil {
		t.Fatal(err)
	}
	if d.Decision != model.DecisionSafe || d.BlockedAt != model.BlockedL3 {
		t.Fatalf("expected safe/L3, got %+v", d)
	}
}

func TestDecide_DeadlineExceeded_FailsSafe(t *testing.T) {
	e := newEngine(t)
	e.Timeout = 1 * time.Nanosecond

	d, err := e.Decide(context.Background(), newRequest(), 1, 1, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if d.Decision != model.DecisionSafe || d.BlockedAt != model.BlockedTimeout {
		t.Fatalf("expected safe/TIMEOUT, got %+v", d)
	}
}

func TestDecide_AssignsUniqueID(t *testing.T) {
	e := newEngine(t)

	d1, err := e.Decide(context.Background(), newRequest(), 1, 1, Options{})
	if err != nil {
		t.Fatal(err)
	}
	d2, err := e.Decide(context.Background(), newRequest(), 1, 1, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if d1.ID == "" || d2.ID == "" {
		t.Fatalf("expected non-empty decision IDs, got %q and %q", d1.ID, d2.ID)
	}
	if d1.ID == d2.ID {
		t.Fatalf("expected distinct decision IDs, both were %q", d1.ID)
	}
}

type stallingResolver struct {
	delay time.Duration
}

func (r stallingResolver) Resolve(ctx context.Context, ip netip.Addr) model.IPIntelligenceResult {
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
	}
	return model.IPIntelligenceResult{HasGeo: true, Country: "us"}
}

func TestDecide_GeoIPStallBoundedByDeadline(t *testing.T) {
	bl := blacklist.NewStore(nil, nil)
	cfg := config.NewDefaultRuntimeConfig()
	e := New(bl, cfg, 50*time.Millisecond, stallingResolver{delay: 500 * time.Millisecond})

	start := time.Now()
	d, err := e.Decide(context.Background(), newRequest(), 1, 1, Options{})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatal(err)
	}
	if d.Decision != model.DecisionSafe || d.BlockedAt != model.BlockedTimeout {
		t.Fatalf("expected safe/TIMEOUT despite a stalled GeoIP lookup, got %+v", d)
	}
	if elapsed >= 500*time.Millisecond {
		t.Fatalf("Decide should return at the decision deadline, not block on the GeoIP stall; took %s", elapsed)
	}
	if d.ProcessingTimeMs < 50 {
		t.Fatalf("expected processing_time_ms >= deadline (50ms), got %d", d.ProcessingTimeMs)
	}
}

func TestDecide_WeightedScoreRounding(t *testing.T) {
	e := newEngine(t)
	cfg := e.Config
	cfg.DetectorWeights = config.DetectorWeights{L1: 1, L2: 1, L3: 0, L4: 0, L5: 0}
	cfg.L2Deductions.Datacenter = 0
	cfg.L2Deductions.VPN = 0
	cfg.L2Deductions.Proxy = 0
	cfg.L2Deductions.Tor = 0
	cfg.L2Deductions.DatacenterASN = 0
	cfg.L2Deductions.ResidentialBonus = 0

	d, err := e.Decide(context.Background(), newRequest(), 1, 1, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if d.Score != 100 {
		t.Fatalf("expected averaged score 100, got %+v", d)
	}
}
