package detect

import "strings"

// L3 applies the geography decision tree from spec §4.3, using the country
// IP intelligence resolved. A hard fail (passed:false, score:0) short
// circuits the decision engine when target countries are configured and
// either the location is unknown or outside the target set.
func L3(in Input) Result {
	if !in.Intel.HasGeo {
		if len(in.TargetCountries) > 0 {
			return Result{
				Passed: false,
				Score:  0,
				Reason: "unknown location, targeting configured",
			}
		}
		return Result{Passed: true, Score: 80, Evidence: map[string]any{"country": "", "isTargetRegion": len(in.TargetCountries) == 0}}
	}

	country := strings.ToLower(in.Intel.Country)
	isTargetRegion := len(in.TargetCountries) == 0 || containsFold(in.TargetCountries, country)

	if len(in.TargetCountries) > 0 && !isTargetRegion {
		return Result{
			Passed: false,
			Score:  0,
			Reason: "country not in configured targets",
			Evidence: map[string]any{
				"country":        country,
				"isTargetRegion": false,
			},
		}
	}

	score := 100
	if containsFold(in.Config.HighRiskCountries, country) {
		score -= in.Config.HighRiskDeduction
	}
	score = clamp(score)

	return Result{
		Passed:   true,
		Score:    score,
		Evidence: map[string]any{"country": country, "region": in.Intel.Region, "isTargetRegion": isTargetRegion},
	}
}

func containsFold(list []string, target string) bool {
	for _, v := range list {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
