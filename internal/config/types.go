package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Telegram       TelegramConfig       `yaml:"telegram"`
	Gateway        GatewayConfig        `yaml:"gateway"`
	Pricing        PricingConfig        `yaml:"pricing"`
	Storage        StorageConfig        `yaml:"storage"`
	Media          MediaConfig          `yaml:"media"`
	Shop           ShopConfig           `yaml:"shop"`
	Jobs           JobsConfig           `yaml:"jobs"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	AdminAPI       AdminAPIConfig       `yaml:"admin_api"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Chain          ChainConfig          `yaml:"chain"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address      string   `yaml:"address"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	IdleTimeout  Duration `yaml:"idle_timeout"`
	// WebhookBaseURL is the public base URL this deployment is reachable
	// under. Both the gateway IPN callback and the per-bot Telegram hooks
	// are derived from it.
	WebhookBaseURL     string   `yaml:"webhook_base_url"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// TelegramConfig holds the bot fleet configuration.
type TelegramConfig struct {
	// Tokens are the primary bot tokens, one per bot identity. Loaded
	// from TOKENS (comma-separated) or the singular TOKEN.
	Tokens []string `yaml:"tokens"`
	// BackupTokens maps a primary index (1-based, matching the order of
	// Tokens) to an ordered list of failover tokens. Loaded from
	// BACKUP_TOKENS_1, BACKUP_TOKENS_2, ... (comma-separated each).
	BackupTokens map[int][]string `yaml:"-"`
	// WebhookSecret is sent by Telegram in X-Telegram-Bot-Api-Secret-Token
	// on every update when set.
	WebhookSecret     string   `yaml:"webhook_secret"`
	PrimaryAdminIDs   []int64  `yaml:"primary_admin_ids"`
	SecondaryAdminIDs []int64  `yaml:"secondary_admin_ids"`
	SupportUsername   string   `yaml:"support_username"`
	HealthInterval    Duration `yaml:"health_interval"` // identity probe cadence (default: 60s)
	StopTimeout       Duration `yaml:"stop_timeout"`    // bound on stopping a failed transport (default: 5s)
}

// GatewayConfig holds the crypto payment gateway configuration.
type GatewayConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// IPNSecret enables mandatory HMAC-SHA512 signature verification on
	// inbound IPN callbacks when non-empty.
	IPNSecret       string   `yaml:"ipn_secret"`
	PayCurrency     string   `yaml:"pay_currency"`     // default crypto customers pay in (default: sol)
	RequestTimeout  Duration `yaml:"request_timeout"`  // outbound call timeout (default: 15s)
	DepositLifetime Duration `yaml:"deposit_lifetime"` // pending deposit max age before expiry sweep (default: 1h)
}

// PricingConfig holds the EUR spot price oracle configuration.
type PricingConfig struct {
	// Providers are EUR spot price endpoints tried in round-robin order.
	// At least three independent sources are expected in production.
	Providers       []string `yaml:"providers"`
	FetchTimeout    Duration `yaml:"fetch_timeout"`    // per-provider timeout (default: 3s)
	MemoryTTL       Duration `yaml:"memory_ttl"`       // in-process cache TTL (default: 5m)
	DurableTTL      Duration `yaml:"durable_ttl"`      // settings-row cache TTL (default: 10m)
	StaleMax        Duration `yaml:"stale_max"`        // stale in-process fallback bound (default: 1h)
	RefreshInterval Duration `yaml:"refresh_interval"` // background refresher cadence (default: 4m)
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend     string   `yaml:"backend"`      // "sqlite" or "memory"
	Path        string   `yaml:"path"`         // SQLite database file path
	BusyTimeout Duration `yaml:"busy_timeout"` // SQLite busy timeout (default: 5s)
}

// MediaConfig holds product media storage configuration.
type MediaConfig struct {
	Dir string `yaml:"dir"` // root directory; one subdirectory per product id
}

// ShopConfig holds shop behavior configuration.
type ShopConfig struct {
	Currency      string   `yaml:"currency"`       // display/settlement currency (default: EUR)
	BasketTimeout Duration `yaml:"basket_timeout"` // reservation hold time (default: 15m)
}

// JobsConfig holds periodic job cadences.
type JobsConfig struct {
	BasketSweepInterval    Duration `yaml:"basket_sweep_interval"`    // default: 1m
	DepositExpiryInterval  Duration `yaml:"deposit_expiry_interval"`  // default: 5m
	AbandonedSweepInterval Duration `yaml:"abandoned_sweep_interval"` // default: 10m
}

// RateLimitConfig holds rate limiting configuration for the HTTP surface.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// AdminAPIConfig holds API key authentication for the admin endpoints.
type AdminAPIConfig struct {
	Enabled bool              `yaml:"enabled"`
	Keys    map[string]string `yaml:"keys"` // key -> role label
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled       bool                 `yaml:"enabled"`
	Gateway       BreakerServiceConfig `yaml:"gateway"`
	PriceProvider BreakerServiceConfig `yaml:"price_provider"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // minimum requests before checking ratio (default: 10)
}

// ChainConfig holds the optional direct-chain deposit watcher configuration.
type ChainConfig struct {
	Enabled       bool     `yaml:"enabled"`
	RPCURL        string   `yaml:"rpc_url"`
	WatchedWallet string   `yaml:"watched_wallet"`
	PollInterval  Duration `yaml:"poll_interval"` // default: 30s
}

// AdminIDs returns the primary and secondary admin id lists merged, primaries first.
func (t TelegramConfig) AdminIDs() []int64 {
	out := make([]int64, 0, len(t.PrimaryAdminIDs)+len(t.SecondaryAdminIDs))
	out = append(out, t.PrimaryAdminIDs...)
	out = append(out, t.SecondaryAdminIDs...)
	return out
}

// IsAdmin reports whether id is a primary or secondary admin.
func (t TelegramConfig) IsAdmin(id int64) bool {
	for _, a := range t.PrimaryAdminIDs {
		if a == id {
			return true
		}
	}
	for _, a := range t.SecondaryAdminIDs {
		if a == id {
			return true
		}
	}
	return false
}
