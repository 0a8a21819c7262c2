// Package decision implements the cloak decision engine: it runs the L1-L5
// detectors in order, aggregates their weighted scores, and produces a
// CloakDecision within a bounded deadline (spec §4.4).
package decision

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/cloakgate/gateway/internal/blacklist"
	"github.com/cloakgate/gateway/internal/config"
	"github.com/cloakgate/gateway/internal/detect"
	"github.com/cloakgate/gateway/internal/model"
)

// Request is the subset of an inbound HTTP request the engine needs. The
// caller is responsible for extracting the real client IP from whatever
// proxy-header chain it trusts.
type Request struct {
	IP        netip.Addr
	UserAgent string
	Referer   string
	URL       *url.URL
	Host      string
}

// Options carries the per-call inputs that aren't fixed configuration: the
// offer's target countries, and (test-only) a pre-resolved IP intelligence
// result used when the Engine has no GeoIP dependency wired. Production
// callers leave Intel unset — the Engine resolves it itself, inside the
// deadline, so a GeoIP stall surfaces as BlockedTimeout instead of blocking
// the caller.
type Options struct {
	TargetCountries []string
	Intel           model.IPIntelligenceResult
}

// IntelResolver resolves IP intelligence for a client address. Implemented
// by *geoip.Intelligence; Decide calls it with the decision's own
// deadline-bound context so a stall is bounded by the same timeout as the
// rest of the pipeline (spec §5: "MUST propagate cancellation into the IP
// Intelligence call").
type IntelResolver interface {
	Resolve(ctx context.Context, ip netip.Addr) model.IPIntelligenceResult
}

// Engine runs the detector pipeline against a fixed blacklist store and
// runtime config snapshot. Timeout is read once at construction from
// EnvConfig.DecisionTimeout, since the decision deadline is not
// hot-reloadable.
type Engine struct {
	Blacklist *blacklist.Store
	Config    *config.RuntimeConfig
	Timeout   time.Duration
	GeoIP     IntelResolver // nil disables live resolution; Decide falls back to Options.Intel
}

// New constructs an Engine. timeout should come from EnvConfig.DecisionTimeout.
// geoIntel may be nil (e.g. in tests that supply Options.Intel directly).
func New(bl *blacklist.Store, cfg *config.RuntimeConfig, timeout time.Duration, geoIntel IntelResolver) *Engine {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &Engine{Blacklist: bl, Config: cfg, Timeout: timeout, GeoIP: geoIntel}
}

// layerResult bundles a completed detector's outcome with its identity, so
// the aggregation step can look up weight and blocked-layer naming by index.
type layerResult struct {
	layer  model.BlockedLayer
	weight int
	res    detect.Result
}

// Decide runs L1 through L5 against req, enforcing the configured decision
// deadline. A hard-blocking layer (one of L1-L4 with configured weight > 0
// and a Passed:false/Score:0 result) short-circuits the remaining layers;
// L5 never short-circuits. Any
// unhandled error, panic, or deadline overrun fails closed to Safe.
func (e *Engine) Decide(ctx context.Context, req Request, offerID, tenantID int64, opts Options) (decision model.CloakDecision, err error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	decision = model.CloakDecision{
		ID:       uuid.NewString(),
		OfferID:  offerID,
		TenantID: tenantID,
		Fingerprint: model.RequestFingerprint{
			IP:        req.IP.String(),
			UserAgent: req.UserAgent,
			Referer:   req.Referer,
			Host:      req.Host,
		},
	}
	if req.URL != nil {
		decision.Fingerprint.URL = req.URL.String()
	}

	defer func() {
		if r := recover(); r != nil {
			decision = failClosed(decision, model.BlockedLayer(""), "internal error", start)
			err = nil
		}
	}()

	resultCh := make(chan []layerResult, 1)
	errCh := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("decision: detector panic: %v", r)
			}
		}()

		intel := opts.Intel
		if e.GeoIP != nil {
			intel = e.GeoIP.Resolve(ctx, req.IP)
		}

		in := detect.Input{
			IP:              req.IP,
			UserAgent:       req.UserAgent,
			Referer:         req.Referer,
			URL:             req.URL,
			TenantID:        tenantID,
			TargetCountries: opts.TargetCountries,
			Intel:           intel,
			Config:          e.Config,
		}

		results, runErr := e.runLayers(ctx, in)
		if runErr != nil {
			errCh <- runErr
			return
		}
		resultCh <- results
	}()

	select {
	case <-ctx.Done():
		return failClosed(decision, model.BlockedTimeout, "decision deadline exceeded", start), nil
	case runErr := <-errCh:
		_ = runErr
		if ctx.Err() != nil {
			return failClosed(decision, model.BlockedTimeout, "decision deadline exceeded", start), nil
		}
		return failClosed(decision, "", "internal", start), nil
	case results := <-resultCh:
		return e.aggregate(decision, results, start), nil
	}
}

// runLayers executes L1-L5 sequentially, stopping early on a hard block.
func (e *Engine) runLayers(ctx context.Context, in detect.Input) ([]layerResult, error) {
	weights := e.Config.DetectorWeights
	order := []struct {
		layer  model.BlockedLayer
		weight int
		run    func() (detect.Result, error)
	}{
		{model.BlockedL1, weights.L1, func() (detect.Result, error) { return detect.L1(ctx, e.Blacklist, in) }},
		{model.BlockedL2, weights.L2, func() (detect.Result, error) { return detect.L2(in), nil }},
		{model.BlockedL3, weights.L3, func() (detect.Result, error) { return detect.L3(in), nil }},
		{model.BlockedL4, weights.L4, func() (detect.Result, error) { return detect.L4(in), nil }},
		{model.BlockedL5, weights.L5, func() (detect.Result, error) { return detect.L5(in), nil }},
	}

	results := make([]layerResult, 0, len(order))
	for _, layer := range order {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		res, err := layer.run()
		if err != nil {
			return results, err
		}
		results = append(results, layerResult{layer: layer.layer, weight: layer.weight, res: res})

		if isHardBlock(results[len(results)-1]) {
			return results, nil
		}
	}
	return results, nil
}

// isHardBlock reports whether lr is a hard fail that stops the pipeline:
// one of L1-L4 with a positive weight returning Passed:false/Score:0. L5's
// result only ever contributes to the weighted average.
func isHardBlock(lr layerResult) bool {
	return lr.layer != model.BlockedL5 && lr.weight > 0 && !lr.res.Passed && lr.res.Score == 0
}

// aggregate turns completed layer results into a final CloakDecision: a
// weighted average over every layer that ran with a positive weight, or an
// immediate Safe if any layer hard-blocked.
func (e *Engine) aggregate(decision model.CloakDecision, results []layerResult, start time.Time) model.CloakDecision {
	for _, lr := range results {
		if isHardBlock(lr) {
			decision.Decision = model.DecisionSafe
			decision.Score = 0
			decision.BlockedAt = lr.layer
			decision.Reason = lr.res.Reason
			decision.Evidence = lr.res.Evidence
			decision.ProcessingTimeMs = elapsedMs(start)
			decision.CreatedAt = time.Now()
			return decision
		}
	}

	var weightedSum, weightTotal int
	evidence := map[string]any{}
	for _, lr := range results {
		if lr.weight <= 0 {
			continue
		}
		weightedSum += lr.weight * lr.res.Score
		weightTotal += lr.weight
		evidence[string(lr.layer)] = lr.res.Evidence
	}

	score := 0
	if weightTotal > 0 {
		score = (weightedSum + weightTotal/2) / weightTotal // round-to-nearest
	}

	decision.Score = score
	decision.Evidence = evidence
	decision.ProcessingTimeMs = elapsedMs(start)
	decision.CreatedAt = time.Now()

	if score >= e.Config.SafeModeThreshold {
		decision.Decision = model.DecisionMoney
	} else {
		decision.Decision = model.DecisionSafe
		decision.Reason = "score below safe mode threshold"
	}
	return decision
}

func failClosed(decision model.CloakDecision, layer model.BlockedLayer, reason string, start time.Time) model.CloakDecision {
	decision.Decision = model.DecisionSafe
	decision.Score = 0
	decision.BlockedAt = layer
	decision.Reason = reason
	decision.ProcessingTimeMs = elapsedMs(start)
	decision.CreatedAt = time.Now()
	return decision
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
