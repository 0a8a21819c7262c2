package detect

// ThreatLevel is a derived tag surfaced in L2's evidence for observability;
// it plays no role in scoring.
type ThreatLevel string

const (
	ThreatLow    ThreatLevel = "low"
	ThreatMedium ThreatLevel = "medium"
	ThreatHigh   ThreatLevel = "high"
)

func threatLevel(score int) ThreatLevel {
	switch {
	case score >= 70:
		return ThreatLow
	case score >= 40:
		return ThreatMedium
	default:
		return ThreatHigh
	}
}

// L2 scores the visitor's IP intelligence. Base 100, with deductions for
// datacenter/hosting, VPN, proxy, and Tor signals, and for membership in
// a known-datacenter ASN; a residential signal adds a bonus. Never a hard
// block on its own — the decision engine short-circuits on it only via the
// positive-weight / hard-fail (passed:false, score:0) convention shared by
// L1-L4.
func L2(in Input) Result {
	d := in.Config.L2Deductions
	score := 100

	if in.Intel.IsDatacenter || in.Intel.IsHosting {
		score -= d.Datacenter
	}
	if in.Intel.IsVPN {
		score -= d.VPN
	}
	if in.Intel.IsProxy {
		score -= d.Proxy
	}
	if in.Intel.IsTor {
		score -= d.Tor
	}
	if in.Intel.IsDatacenter {
		score -= d.DatacenterASN
	}
	if in.Intel.IsResidential {
		score += d.ResidentialBonus
	}

	score = clamp(score)

	return Result{
		Passed: score > 0,
		Score:  score,
		Evidence: map[string]any{
			"threat_level":    threatLevel(score),
			"is_datacenter":   in.Intel.IsDatacenter,
			"is_vpn":          in.Intel.IsVPN,
			"is_proxy":        in.Intel.IsProxy,
			"is_tor":          in.Intel.IsTor,
			"is_residential":  in.Intel.IsResidential,
			"connection_type": in.Intel.ConnectionType,
		},
	}
}
