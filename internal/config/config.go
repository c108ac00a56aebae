package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every recognized option for the account pool and router.
type Config struct {
	// Server
	Host string
	Port int

	// Database
	DBPath string

	// Security
	EncryptionKey string
	StaticToken   string

	// OAuth / identity service
	AuthBaseURL      string
	OAuthClientID    string
	OAuthRedirectURI string
	OAuthScope       string
	OAuthTimeout     time.Duration

	// Upstream API
	UpstreamAPIURL  string
	UpstreamTimeout time.Duration

	// Usage updater
	UsageRefreshEnabled         bool
	UsageRefreshIntervalSeconds int

	// Auth manager
	RefreshTTL time.Duration

	// Balancer retry/backoff
	MaxRetryAccounts int
	BackoffBase      time.Duration
	BackoffFactor    float64
	BackoffCeiling   time.Duration

	// Request handling
	RequestTimeout   time.Duration
	MaxRequestBodyMB int

	// Ring buffers
	EventRingSize int
	LogRingSize   int

	LogLevel string
}

// Load reads configuration from the environment, applying defaults for
// anything unset.
func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		DBPath: envOr("DB_PATH", "./codex-lb.db"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		StaticToken:   os.Getenv("API_TOKEN"),

		AuthBaseURL:      envOr("AUTH_BASE_URL", "https://auth.openai.com"),
		OAuthClientID:    envOr("OAUTH_CLIENT_ID", "app_EMoamEEZ73f0CkXaXp7hrann"),
		OAuthRedirectURI: envOr("OAUTH_REDIRECT_URI", "http://localhost:1455/auth/callback"),
		OAuthScope:       envOr("OAUTH_SCOPE", "openid profile email offline_access"),
		OAuthTimeout:     envDuration("OAUTH_TIMEOUT", 30*time.Second),

		UpstreamAPIURL:  envOr("UPSTREAM_API_URL", "https://chatgpt.com/backend-api/codex/responses"),
		UpstreamTimeout: envDuration("UPSTREAM_TIMEOUT", 10*time.Minute),

		UsageRefreshEnabled:         envBool("USAGE_REFRESH_ENABLED", true),
		UsageRefreshIntervalSeconds: envInt("USAGE_REFRESH_INTERVAL_SECONDS", 300),

		RefreshTTL: envDuration("TOKEN_REFRESH_TTL", 50*time.Minute),

		MaxRetryAccounts: envInt("MAX_RETRY_ACCOUNTS", 3),
		BackoffBase:      envDuration("BACKOFF_BASE", 200*time.Millisecond),
		BackoffFactor:    envFloat("BACKOFF_FACTOR", 2.0),
		BackoffCeiling:   envDuration("BACKOFF_CEILING", 3*time.Minute),

		RequestTimeout:   envDuration("REQUEST_TIMEOUT", 5*time.Minute),
		MaxRequestBodyMB: envInt("REQUEST_MAX_SIZE_MB", 60),

		EventRingSize: envInt("EVENT_RING_SIZE", 200),
		LogRingSize:   envInt("LOG_RING_SIZE", 1000),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

// Validate fails fast on missing required secrets.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.StaticToken == "" {
		return errMissing("API_TOKEN")
	}
	if c.OAuthClientID == "" {
		return errMissing("OAUTH_CLIENT_ID")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

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
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

// String is a minimal redacted dump used for startup logging.
func (c *Config) String() string {
	return fmt.Sprintf("host=%s port=%d auth_base_url=%s upstream=%s db=%s",
		c.Host, c.Port, c.AuthBaseURL, c.UpstreamAPIURL, c.DBPath)
}
