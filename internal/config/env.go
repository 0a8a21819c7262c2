// Package config handles environment-based configuration loading and
// runtime (hot-updatable) config models.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings (not
// hot-updatable; a process restart is required to change these).
type EnvConfig struct {
	// Directories / network
	StoreDir      string
	LogDir        string
	PageRoot      string
	ListenAddress string
	GatewayPort   int
	AdminPort     int

	// Shared cache
	RedisURL string

	// GeoIP
	GeoIPCityDBPath       string
	GeoIPASNDBPath        string
	GeoIPAnonymousDBPath  string
	GeoIPUpdateSchedule   string
	GeoIPDownloadTimeout  time.Duration

	// Log pipeline (C6)
	LogQueueBatchSize    int
	LogQueueFlushInterval time.Duration
	LogMetricsInterval    time.Duration

	// Job runner (C7)
	JobWorkerPollTimeout time.Duration
	JobMaxConcurrent     int
	JobMaxAttempts       int
	JobRetryBaseDelay    time.Duration
	JobRetryMaxDelay     time.Duration
	JobRetryJitterRatio  float64
	JobDelayedMoverInterval time.Duration
	JobMetricsInterval      time.Duration
	JobShutdownDrain        time.Duration

	// Decision engine (C4)
	DecisionTimeout     time.Duration
	SafeModeThreshold   int

	// Auth
	AdminToken string

	// API
	APIMaxBodyBytes int
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. Every validation failure is collected and returned jointly
// rather than failing on the first one.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.StoreDir = envStr("CLOAKGW_STORE_DIR", "/var/lib/cloakgw")
	cfg.LogDir = envStr("CLOAKGW_LOG_DIR", "/var/log/cloakgw")
	cfg.PageRoot = envStr("CLOAKGW_PAGE_ROOT", "/var/www/cloakgw/pages")
	cfg.ListenAddress = strings.TrimSpace(envStr("CLOAKGW_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.GatewayPort = envInt("CLOAKGW_GATEWAY_PORT", 8080, &errs)
	cfg.AdminPort = envInt("CLOAKGW_ADMIN_PORT", 8081, &errs)

	cfg.RedisURL = envStr("CLOAKGW_REDIS_URL", "redis://127.0.0.1:6379/0")

	cfg.GeoIPCityDBPath = envStr("CLOAKGW_GEOIP_CITY_DB", "/var/lib/cloakgw/geoip/GeoLite2-City.mmdb")
	cfg.GeoIPASNDBPath = envStr("CLOAKGW_GEOIP_ASN_DB", "/var/lib/cloakgw/geoip/GeoLite2-ASN.mmdb")
	cfg.GeoIPAnonymousDBPath = envStr("CLOAKGW_GEOIP_ANONYMOUS_DB", "")
	cfg.GeoIPUpdateSchedule = envStr("CLOAKGW_GEOIP_UPDATE_SCHEDULE", "0 7 * * *")
	cfg.GeoIPDownloadTimeout = envDuration("CLOAKGW_GEOIP_DOWNLOAD_TIMEOUT", 30*time.Second, &errs)

	cfg.LogQueueBatchSize = envInt("CLOAKGW_LOG_QUEUE_BATCH_SIZE", 100, &errs)
	cfg.LogQueueFlushInterval = envDuration("CLOAKGW_LOG_QUEUE_FLUSH_INTERVAL", 1*time.Second, &errs)
	cfg.LogMetricsInterval = envDuration("CLOAKGW_LOG_METRICS_INTERVAL", 10*time.Second, &errs)

	cfg.JobWorkerPollTimeout = envDuration("CLOAKGW_JOB_WORKER_POLL_TIMEOUT", 5*time.Second, &errs)
	cfg.JobMaxConcurrent = envInt("CLOAKGW_JOB_MAX_CONCURRENT", 2, &errs)
	cfg.JobMaxAttempts = envInt("CLOAKGW_JOB_MAX_ATTEMPTS", 3, &errs)
	cfg.JobRetryBaseDelay = envDuration("CLOAKGW_JOB_RETRY_BASE_DELAY", 2*time.Second, &errs)
	cfg.JobRetryMaxDelay = envDuration("CLOAKGW_JOB_RETRY_MAX_DELAY", 60*time.Second, &errs)
	cfg.JobRetryJitterRatio = envFloat("CLOAKGW_JOB_RETRY_JITTER_RATIO", 0.2, &errs)
	cfg.JobDelayedMoverInterval = envDuration("CLOAKGW_JOB_DELAYED_MOVER_INTERVAL", 1*time.Second, &errs)
	cfg.JobMetricsInterval = envDuration("CLOAKGW_JOB_METRICS_INTERVAL", 10*time.Second, &errs)
	cfg.JobShutdownDrain = envDuration("CLOAKGW_JOB_SHUTDOWN_DRAIN", 30*time.Second, &errs)

	cfg.DecisionTimeout = envDuration("CLOAKGW_DECISION_TIMEOUT", 200*time.Millisecond, &errs)
	cfg.SafeModeThreshold = envInt("CLOAKGW_SAFE_MODE_THRESHOLD", 60, &errs)

	adminToken, hasAdminToken := os.LookupEnv("CLOAKGW_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	cfg.APIMaxBodyBytes = envInt("CLOAKGW_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "CLOAKGW_ADMIN_TOKEN must be defined (can be empty to disable auth)")
	} else if cfg.AdminToken != "" && IsWeakToken(cfg.AdminToken) {
		errs = append(errs, "CLOAKGW_ADMIN_TOKEN is too weak; choose a higher-entropy value")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "CLOAKGW_LISTEN_ADDRESS must not be empty")
	}

	validatePort("CLOAKGW_GATEWAY_PORT", cfg.GatewayPort, &errs)
	validatePort("CLOAKGW_ADMIN_PORT", cfg.AdminPort, &errs)
	if cfg.GatewayPort == cfg.AdminPort {
		errs = append(errs, "CLOAKGW_GATEWAY_PORT and CLOAKGW_ADMIN_PORT must differ")
	}
	validatePositive("CLOAKGW_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)

	if _, err := cron.ParseStandard(cfg.GeoIPUpdateSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("CLOAKGW_GEOIP_UPDATE_SCHEDULE: invalid cron expression %q: %v", cfg.GeoIPUpdateSchedule, err))
	}
	if cfg.GeoIPDownloadTimeout <= 0 {
		errs = append(errs, "CLOAKGW_GEOIP_DOWNLOAD_TIMEOUT must be positive")
	}

	validatePositive("CLOAKGW_LOG_QUEUE_BATCH_SIZE", cfg.LogQueueBatchSize, &errs)
	if cfg.LogQueueFlushInterval <= 0 {
		errs = append(errs, "CLOAKGW_LOG_QUEUE_FLUSH_INTERVAL must be positive")
	}
	if cfg.LogMetricsInterval <= 0 {
		errs = append(errs, "CLOAKGW_LOG_METRICS_INTERVAL must be positive")
	}

	validatePositive("CLOAKGW_JOB_MAX_CONCURRENT", cfg.JobMaxConcurrent, &errs)
	validatePositive("CLOAKGW_JOB_MAX_ATTEMPTS", cfg.JobMaxAttempts, &errs)
	if cfg.JobWorkerPollTimeout <= 0 {
		errs = append(errs, "CLOAKGW_JOB_WORKER_POLL_TIMEOUT must be positive")
	}
	if cfg.JobRetryBaseDelay <= 0 {
		errs = append(errs, "CLOAKGW_JOB_RETRY_BASE_DELAY must be positive")
	}
	if cfg.JobRetryMaxDelay < cfg.JobRetryBaseDelay {
		errs = append(errs, "CLOAKGW_JOB_RETRY_MAX_DELAY must be >= CLOAKGW_JOB_RETRY_BASE_DELAY")
	}
	if cfg.JobRetryJitterRatio < 0 || cfg.JobRetryJitterRatio > 1 {
		errs = append(errs, "CLOAKGW_JOB_RETRY_JITTER_RATIO must be in [0,1]")
	}
	if cfg.JobDelayedMoverInterval <= 0 {
		errs = append(errs, "CLOAKGW_JOB_DELAYED_MOVER_INTERVAL must be positive")
	}
	if cfg.JobMetricsInterval <= 0 {
		errs = append(errs, "CLOAKGW_JOB_METRICS_INTERVAL must be positive")
	}
	if cfg.JobShutdownDrain <= 0 {
		errs = append(errs, "CLOAKGW_JOB_SHUTDOWN_DRAIN must be positive")
	}

	if cfg.DecisionTimeout <= 0 {
		errs = append(errs, "CLOAKGW_DECISION_TIMEOUT must be positive")
	}
	if cfg.SafeModeThreshold < 0 || cfg.SafeModeThreshold > 100 {
		errs = append(errs, "CLOAKGW_SAFE_MODE_THRESHOLD must be in [0,100]")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid float %q", key, v))
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
