package detect

import (
	"net/url"
	"strings"

	"github.com/cloakgate/gateway/internal/netutil"
)

// trackingParams is the fixed allow-list of ad-click/tracking query
// parameters L5 looks for (spec §4.3). utm_* is matched by prefix.
var trackingParams = []string{
	"gclid", "fbclid", "msclkid", "ttclid", "twclid",
	"ref", "affiliate_id", "click_id",
}

// L5 scores referer and tracking-parameter evidence. Never a hard block:
// its passed flag is advisory only, and it always contributes its score to
// the weighted aggregate even when that score is 0.
func L5(in Input) Result {
	cfg := in.Config.L5Adjustments
	score := 100

	values := map[string]string{}
	if in.URL != nil {
		q := in.URL.Query()
		for _, p := range trackingParams {
			if v := q.Get(p); v != "" {
				values[p] = v
			}
		}
		for key, vals := range q {
			if strings.HasPrefix(key, "utm_") && len(vals) > 0 && vals[0] != "" {
				values[key] = vals[0]
			}
		}
	}

	if in.Referer == "" {
		if cfg.RequireReferer {
			score -= cfg.MissingReferer
		}
	} else if refererIsSuspicious(in.Referer, in.Config.SuspiciousRefererDomains) {
		score -= cfg.SuspiciousRefererDomain
	}

	if _, ok := values["gclid"]; ok {
		score += cfg.GclidBonus
	}
	if _, ok := values["fbclid"]; ok {
		score += cfg.ClickIDBonus
	} else if _, ok := values["msclkid"]; ok {
		score += cfg.ClickIDBonus
	}
	if _, ok := values["utm_source"]; ok {
		score += cfg.UTMSourceBonus
	}

	score = clamp(score)

	return Result{
		Passed:   score > 0,
		Score:    score,
		Evidence: map[string]any{"tracking_params": values, "referer_present": in.Referer != ""},
	}
}

func refererIsSuspicious(referer string, suspiciousDomains []string) bool {
	u, err := url.Parse(referer)
	host := referer
	if err == nil && u.Host != "" {
		host = u.Host
	}
	domain := netutil.ExtractDomain(host)
	return containsFold(suspiciousDomains, domain)
}
