// Package config provides centralized configuration loaded from environment
// variables. Shared by both cmd/matchwatch and cmd/matchwatchctl.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Store drivers
// --------------------------------------------------------------------------

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// --------------------------------------------------------------------------
// Config struct, populated from environment variables
// --------------------------------------------------------------------------

type Config struct {
	// Storage
	StoreDriver    string
	DatabaseURL    string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration
	AutoMigrate    bool

	// API server
	APIHost     string
	APIPort     int
	Environment string // development, staging, production
	Debug       bool
	AdminToken  string

	// CORS
	CORSAllowOrigins []string

	// Inbound rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitBurst    int // 0 means half of RateLimitRequests

	// Activity API (Chess.com)
	ActivityBaseURL        string
	ActivityUserAgent      string
	ActivityRequestsPerSec float64
	ActivityBurst          int
	ActivityTimeout        time.Duration
	ActivityFetchAttempts  int
	RateLimitCooldown      time.Duration // fallback when a 429 carries no Retry-After

	// Detector worker pool
	DetectorMinWorkers     int
	DetectorMaxWorkers     int
	DetectorInitialWorkers int
	DetectorLatencyLow     time.Duration
	DetectorLatencyHigh    time.Duration

	// Decision engine
	CooldownWindow time.Duration

	// Dispatch queue
	ClaimBatchSize     int
	DispatchWorkers    int
	SendTimeout        time.Duration
	ProviderRatePerSec float64
	DefaultPriority    int
	StaleClaimAfter    time.Duration

	// Retry/backoff
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	BackoffJitter     float64
	MaxAttempts       int

	// Email provider
	EmailProvider    string // resend, mock
	ResendAPIKey     string
	ResendBaseURL    string
	EmailFrom        string
	WebhookSecret    string
	WebhookTolerance time.Duration
	PublicBaseURL    string
	// Unsigned callbacks are refused unless this is set. Ignored in production.
	WebhookAllowUnsigned bool

	// Cycles
	DetectInterval  time.Duration
	DrainInterval   time.Duration
	CleanupInterval time.Duration
	ReleaseInterval time.Duration

	// Retention
	AuditRetention        time.Duration
	StatusChangeRetention time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	driver := strings.ToLower(envOr("STORE_DRIVER", DriverPostgres))
	dbURL := envOr("DATABASE_URL", "")
	if driver == DriverPostgres && dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set when STORE_DRIVER=postgres")
	}
	if driver != DriverPostgres && driver != DriverMemory {
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", driver)
	}

	cfg := &Config{
		StoreDriver:    driver,
		DatabaseURL:    dbURL,
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 2),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 10),
		DBPoolMaxLife:  time.Duration(envInt("DB_POOL_MAX_LIFE_MINUTES", 30)) * time.Minute,
		AutoMigrate:    envBool("DB_AUTO_MIGRATE", true),

		APIHost:     envOr("API_HOST", "0.0.0.0"),
		APIPort:     envInt("API_PORT", envInt("PORT", 8000)),
		Environment: envOr("ENVIRONMENT", "development"),
		Debug:       envBool("DEBUG", false),
		AdminToken:  envOr("ADMIN_TOKEN", ""),

		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 300),
		RateLimitWindow:   time.Duration(envInt("RATE_LIMIT_WINDOW", 60)) * time.Second,
		RateLimitBurst:    envInt("RATE_LIMIT_BURST", 0),

		ActivityBaseURL:        envOr("ACTIVITY_BASE_URL", "https://api.chess.com"),
		ActivityUserAgent:      envOr("ACTIVITY_USER_AGENT", "matchwatch/1.0 (+https://github.com/albapepper/matchwatch)"),
		ActivityRequestsPerSec: envFloat("ACTIVITY_REQUESTS_PER_SEC", 3),
		ActivityBurst:          envInt("ACTIVITY_BURST", 3),
		ActivityTimeout:        envDuration("ACTIVITY_TIMEOUT", 10*time.Second),
		ActivityFetchAttempts:  envInt("ACTIVITY_FETCH_ATTEMPTS", 3),
		RateLimitCooldown:      envDuration("ACTIVITY_RATE_LIMIT_COOLDOWN", 60*time.Second),

		DetectorMinWorkers:     envInt("DETECTOR_MIN_WORKERS", 1),
		DetectorMaxWorkers:     envInt("DETECTOR_MAX_WORKERS", 8),
		DetectorInitialWorkers: envInt("DETECTOR_INITIAL_WORKERS", 3),
		DetectorLatencyLow:     envDuration("DETECTOR_LATENCY_LOW", 500*time.Millisecond),
		DetectorLatencyHigh:    envDuration("DETECTOR_LATENCY_HIGH", 3*time.Second),

		CooldownWindow: envDuration("COOLDOWN_WINDOW", time.Hour),

		ClaimBatchSize:     envInt("CLAIM_BATCH_SIZE", 100),
		DispatchWorkers:    envInt("DISPATCH_WORKERS", 4),
		SendTimeout:        envDuration("SEND_TIMEOUT", 15*time.Second),
		ProviderRatePerSec: envFloat("PROVIDER_RATE_PER_SEC", 2),
		DefaultPriority:    envInt("DEFAULT_PRIORITY", 0),
		StaleClaimAfter:    envDuration("STALE_CLAIM_AFTER", 10*time.Minute),

		BackoffBase:       envDuration("BACKOFF_BASE", time.Minute),
		BackoffMultiplier: envFloat("BACKOFF_MULTIPLIER", 5),
		BackoffMax:        envDuration("BACKOFF_MAX", 4*time.Hour),
		BackoffJitter:     envFloat("BACKOFF_JITTER", 0.1),
		MaxAttempts:       envInt("MAX_ATTEMPTS", 5),

		EmailProvider:    strings.ToLower(envOr("EMAIL_PROVIDER", "mock")),
		ResendAPIKey:     envOr("RESEND_API_KEY", ""),
		ResendBaseURL:    envOr("RESEND_BASE_URL", "https://api.resend.com"),
		EmailFrom:        envOr("EMAIL_FROM", "Matchwatch <alerts@matchwatch.local>"),
		WebhookSecret:    envOr("WEBHOOK_SECRET", ""),
		WebhookTolerance: envDuration("WEBHOOK_TOLERANCE", 5*time.Minute),
		PublicBaseURL:    envOr("PUBLIC_BASE_URL", "http://localhost:8000"),

		WebhookAllowUnsigned: envBool("WEBHOOK_ALLOW_UNSIGNED", false),

		DetectInterval:  envDuration("DETECT_INTERVAL", time.Minute),
		DrainInterval:   envDuration("DRAIN_INTERVAL", 30*time.Second),
		CleanupInterval: envDuration("CLEANUP_INTERVAL", 30*time.Minute),
		ReleaseInterval: envDuration("RELEASE_INTERVAL", 5*time.Minute),

		AuditRetention:        envDuration("AUDIT_RETENTION", 30*24*time.Hour),
		StatusChangeRetention: envDuration("STATUS_CHANGE_RETENTION", 7*24*time.Hour),
	}

	if cfg.EmailProvider == "resend" && cfg.ResendAPIKey == "" {
		return nil, fmt.Errorf("RESEND_API_KEY must be set when EMAIL_PROVIDER=resend")
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", cfg.MaxAttempts)
	}
	return cfg, nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go duration strings ("90s", "1h") or bare seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
