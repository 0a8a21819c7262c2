package config

import "time"

// DetectorWeights holds the policy weight assigned to each detection layer
// for score aggregation (spec §4.4). A weight of 0 excludes the layer from
// the weighted average entirely; it still runs, but never short-circuits.
type DetectorWeights struct {
	L1 int `json:"l1"`
	L2 int `json:"l2"`
	L3 int `json:"l3"`
	L4 int `json:"l4"`
	L5 int `json:"l5"`
}

// L2Deductions holds the point deductions IP-intelligence detection applies
// for each anonymity/hosting signal it finds.
type L2Deductions struct {
	Datacenter       int `json:"datacenter"`
	VPN              int `json:"vpn"`
	Proxy            int `json:"proxy"`
	Tor              int `json:"tor"`
	DatacenterASN    int `json:"datacenter_asn"`
	ResidentialBonus int `json:"residential_bonus"`
}

// L4Deductions holds the point deductions user-agent detection applies.
type L4Deductions struct {
	CrawlerTerm     int `json:"crawler_term"`
	AutomationTerm  int `json:"automation_term"`
	SuspiciousRegex int `json:"suspicious_regex"`
	OutdatedBrowser int `json:"outdated_browser"`
}

// L5Adjustments holds the point deductions/bonuses referer-and-tracking
// detection applies.
type L5Adjustments struct {
	MissingReferer          int  `json:"missing_referer"`
	SuspiciousRefererDomain int  `json:"suspicious_referer_domain"`
	GclidBonus              int  `json:"gclid_bonus"`
	ClickIDBonus            int  `json:"click_id_bonus"`
	UTMSourceBonus          int  `json:"utm_source_bonus"`
	RequireReferer          bool `json:"require_referer"`
}

// RuntimeConfig holds all hot-updatable global settings. These are
// persisted in the primary store (system_config); the admin API does not
// expose them.
type RuntimeConfig struct {
	// Decision engine (C4, §4.4)
	DetectorWeights   DetectorWeights `json:"detector_weights"`
	SafeModeThreshold int             `json:"safe_mode_threshold"`

	// L2 IP intelligence
	L2Deductions L2Deductions `json:"l2_deductions"`

	// L3 geography
	HighRiskCountries []string `json:"high_risk_countries"`
	HighRiskDeduction int      `json:"high_risk_deduction"`

	// L4 user agent
	L4Deductions         L4Deductions `json:"l4_deductions"`
	BlockKnownBots       bool         `json:"block_known_bots"`
	KnownBotKeywords     []string     `json:"known_bot_keywords"`
	SuspiciousUAPatterns []string     `json:"suspicious_ua_patterns"`
	MinUALength          int          `json:"min_ua_length"`

	// L5 referer & tracking
	L5Adjustments            L5Adjustments `json:"l5_adjustments"`
	SuspiciousRefererDomains []string      `json:"suspicious_referer_domains"`

	// Job runner (C7)
	JobMaxAttempts    int      `json:"job_max_attempts"`
	JobRetryBaseDelay Duration `json:"job_retry_base_delay"`
	JobRetryMaxDelay  Duration `json:"job_retry_max_delay"`

	// GeoIP (C1)
	GeoIPUpdateSchedule string `json:"geoip_update_schedule"`

	// Log pipeline (C6)
	LogQueueBatchSize     int      `json:"log_queue_batch_size"`
	LogQueueFlushInterval Duration `json:"log_queue_flush_interval"`
}

// NewDefaultRuntimeConfig returns the RuntimeConfig populated with the
// default values named in spec §4.3-4.4.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		DetectorWeights: DetectorWeights{
			L1: 20, L2: 30, L3: 15, L4: 25, L5: 10,
		},
		SafeModeThreshold: 60,

		L2Deductions: L2Deductions{
			Datacenter:       40,
			VPN:              30,
			Proxy:            30,
			Tor:              50,
			DatacenterASN:    20,
			ResidentialBonus: 10,
		},

		HighRiskCountries: []string{},
		HighRiskDeduction: 30,

		L4Deductions: L4Deductions{
			CrawlerTerm:     50,
			AutomationTerm:  50,
			SuspiciousRegex: 15,
			OutdatedBrowser: 20,
		},
		BlockKnownBots: true,
		KnownBotKeywords: []string{
			"googlebot", "bingbot", "yandexbot", "baiduspider", "duckduckbot",
			"facebookexternalhit", "twitterbot", "slackbot", "telegrambot",
			"applebot", "ahrefsbot", "semrushbot", "mj12bot", "dotbot",
		},
		SuspiciousUAPatterns: []string{
			`(?i)headless`, `(?i)phantomjs`, `(?i)selenium`, `(?i)puppeteer`,
			`(?i)playwright`, `(?i)curl/`, `(?i)wget/`, `(?i)python-requests`,
			`(?i)scrapy`, `(?i)go-http-client`,
		},
		MinUALength: 10,

		L5Adjustments: L5Adjustments{
			MissingReferer:          20,
			SuspiciousRefererDomain: 40,
			GclidBonus:              15,
			ClickIDBonus:            10,
			UTMSourceBonus:          5,
			RequireReferer:          false,
		},
		SuspiciousRefererDomains: []string{},

		JobMaxAttempts:    3,
		JobRetryBaseDelay: Duration(2 * time.Second),
		JobRetryMaxDelay:  Duration(60 * time.Second),

		GeoIPUpdateSchedule: "0 7 * * *",

		LogQueueBatchSize:     100,
		LogQueueFlushInterval: Duration(1 * time.Second),
	}
}
