package detect

import (
	"fmt"
	"regexp"
	"strings"
)

// crawlerTerms and automationTerms are the fixed, built-in substring lists
// behind L4's heuristic deductions (spec §4.3). They are distinct from the
// runtime-configurable known-bot-keyword (hard fail) and suspicious-regex
// (per-match deduction) lists.
var crawlerTerms = []string{"bot", "crawl", "spider", "scrape", "fetch"}
var automationTerms = []string{"headless", "phantom", "selenium", "puppeteer", "playwright", "webdriver", "automation"}

// L4 scores the user agent. An empty or very short UA hard fails. A known
// bot keyword hard fails only when the policy is configured to block known
// bots. Otherwise heuristic deductions accumulate and browser/OS/mobile
// evidence is attached.
func L4(in Input) Result {
	cfg := in.Config
	ua := in.UserAgent

	if len(ua) <= cfg.MinUALength {
		return Result{Passed: false, Score: 0, Reason: "user agent missing or too short"}
	}

	lower := strings.ToLower(ua)

	for _, kw := range cfg.KnownBotKeywords {
		if strings.Contains(lower, kw) && cfg.BlockKnownBots {
			return Result{
				Passed:   false,
				Score:    0,
				Reason:   fmt.Sprintf("known bot keyword %q", kw),
				Evidence: map[string]any{"bot_keyword": kw},
			}
		}
	}

	score := 100

	crawlerHit := containsAny(lower, crawlerTerms)
	if crawlerHit {
		score -= cfg.L4Deductions.CrawlerTerm
	}

	automationHit := containsAny(lower, automationTerms)
	if automationHit {
		score -= cfg.L4Deductions.AutomationTerm
	}

	var matchedPatterns []string
	for _, pat := range cfg.SuspiciousUAPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			continue // a malformed configured pattern never matches
		}
		if re.MatchString(ua) {
			matchedPatterns = append(matchedPatterns, pat)
			score -= cfg.L4Deductions.SuspiciousRegex
		}
	}

	info := parseUA(ua)
	if info.outdated() {
		score -= cfg.L4Deductions.OutdatedBrowser
	}

	score = clamp(score)

	return Result{
		Passed: score > 0,
		Score:  score,
		Evidence: map[string]any{
			"browser":             info.Browser,
			"browser_version":     info.BrowserVersion,
			"os":                  info.OS,
			"mobile":              info.Mobile,
			"crawler_term_hit":    crawlerHit,
			"automation_term_hit": automationHit,
			"matched_patterns":    matchedPatterns,
			"outdated_browser":    info.outdated(),
		},
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
