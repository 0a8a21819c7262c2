// Package detect implements the five independent, side-effect-free
// detection layers (spec §4.3) the decision engine (internal/decision)
// composes. Every detector scores on the same scale: higher is more
// trusted, 100 is clearly human.
package detect

import (
	"net/netip"
	"net/url"

	"github.com/cloakgate/gateway/internal/config"
	"github.com/cloakgate/gateway/internal/model"
)

// Result is the outcome of a single detector.
type Result struct {
	Passed   bool
	Score    int // [0, 100]
	Reason   string
	Evidence map[string]any
}

// Input bundles everything any one of the five detectors might need. Not
// every field is read by every layer.
type Input struct {
	IP              netip.Addr
	UserAgent       string
	Referer         string
	URL             *url.URL
	TenantID        int64
	TargetCountries []string
	Intel           model.IPIntelligenceResult
	Config          *config.RuntimeConfig
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
