package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration. Keys the
// deployment has always used (TOKENS, WEBHOOK_URL, ADMIN_ID, ...) stay
// unprefixed; infrastructure knobs use the DROPLINE_ prefix.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "DROPLINE_SERVER_ADDRESS")
	setIfEnv(&c.Server.WebhookBaseURL, "WEBHOOK_URL")

	// Logging config
	setIfEnv(&c.Logging.Level, "DROPLINE_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "DROPLINE_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "DROPLINE_ENVIRONMENT")

	// Bot fleet tokens. TOKENS is the comma-separated list of primaries;
	// the singular TOKEN is accepted for single-bot deployments.
	if v := os.Getenv("TOKENS"); v != "" {
		c.Telegram.Tokens = splitTrimmed(v)
	} else if v := os.Getenv("TOKEN"); v != "" {
		c.Telegram.Tokens = []string{strings.TrimSpace(v)}
	}
	if backups := loadBackupTokens(); len(backups) > 0 {
		c.Telegram.BackupTokens = backups
	}
	setIfEnv(&c.Telegram.WebhookSecret, "TELEGRAM_WEBHOOK_SECRET")
	setIfEnv(&c.Telegram.SupportUsername, "SUPPORT_USERNAME")
	setDurationIfEnv(&c.Telegram.HealthInterval, "DROPLINE_BOT_HEALTH_INTERVAL")

	// Admin ids. ADMIN_ID is the legacy single-admin key; it folds into
	// the primary list when the list keys are absent.
	if ids := parseIDList(os.Getenv("PRIMARY_ADMIN_IDS")); len(ids) > 0 {
		c.Telegram.PrimaryAdminIDs = ids
	}
	if ids := parseIDList(os.Getenv("SECONDARY_ADMIN_IDS")); len(ids) > 0 {
		c.Telegram.SecondaryAdminIDs = ids
	}
	if len(c.Telegram.PrimaryAdminIDs) == 0 {
		if ids := parseIDList(os.Getenv("ADMIN_ID")); len(ids) > 0 {
			c.Telegram.PrimaryAdminIDs = ids
		}
	}

	// Gateway config
	setIfEnv(&c.Gateway.BaseURL, "GATEWAY_BASE_URL")
	setIfEnv(&c.Gateway.APIKey, "GATEWAY_API_KEY")
	setIfEnv(&c.Gateway.IPNSecret, "GATEWAY_IPN_SECRET")
	setIfEnv(&c.Gateway.PayCurrency, "GATEWAY_PAY_CURRENCY")
	setDurationIfEnv(&c.Gateway.DepositLifetime, "GATEWAY_DEPOSIT_LIFETIME")

	// Basket timeout is configured in whole minutes for operator sanity.
	if v := os.Getenv("BASKET_TIMEOUT_MINUTES"); v != "" {
		if mins, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && mins > 0 {
			c.Shop.BasketTimeout = Duration{Duration: time.Duration(mins) * time.Minute}
		}
	}

	// Pricing config
	if v := os.Getenv("PRICE_PROVIDERS"); v != "" {
		c.Pricing.Providers = splitTrimmed(v)
	}
	setDurationIfEnv(&c.Pricing.RefreshInterval, "DROPLINE_PRICE_REFRESH_INTERVAL")

	// Storage config
	setIfEnv(&c.Storage.Backend, "DROPLINE_STORAGE_BACKEND")
	setIfEnv(&c.Storage.Path, "DROPLINE_STORAGE_PATH")

	// Media config
	setIfEnv(&c.Media.Dir, "DROPLINE_MEDIA_DIR")

	// Direct-chain watcher
	setIfEnv(&c.Chain.RPCURL, "PRICE_RPC_URL")
	setIfEnv(&c.Chain.WatchedWallet, "WATCHED_WALLET")
	setBoolIfEnv(&c.Chain.Enabled, "DROPLINE_CHAIN_WATCH_ENABLED")
	if c.Chain.WatchedWallet != "" && os.Getenv("DROPLINE_CHAIN_WATCH_ENABLED") == "" {
		c.Chain.Enabled = true
	}

	// Admin API keys (DROPLINE_ADMIN_KEY_*)
	setBoolIfEnv(&c.AdminAPI.Enabled, "DROPLINE_ADMIN_API_ENABLED")
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "DROPLINE_ADMIN_KEY_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "DROPLINE_ADMIN_KEY_")
		if name == "" {
			continue
		}
		if c.AdminAPI.Keys == nil {
			c.AdminAPI.Keys = make(map[string]string)
		}
		// DROPLINE_ADMIN_KEY_OPS_ABC123=ops -> key: "ops_abc123", role: "ops"
		c.AdminAPI.Keys[strings.ToLower(name)] = strings.TrimSpace(parts[1])
	}
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// loadBackupTokens loads per-primary backup token lists from environment
// variables. Looks for BACKUP_TOKENS_1, BACKUP_TOKENS_2, ... where the
// number is the 1-based primary index. Stops at the first gap in the
// numbering.
func loadBackupTokens() map[int][]string {
	out := make(map[int][]string)
	for i := 1; i <= 100; i++ {
		key := fmt.Sprintf("BACKUP_TOKENS_%d", i)
		val := os.Getenv(key)
		if val == "" {
			break
		}
		if tokens := splitTrimmed(val); len(tokens) > 0 {
			out[i] = tokens
		}
	}
	return out
}

// parseIDList parses a comma-separated list of Telegram user ids.
// Malformed entries are skipped rather than failing the whole list.
func parseIDList(raw string) []int64 {
	if raw == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// splitTrimmed splits a comma-separated value, trimming whitespace and
// dropping empty entries.
func splitTrimmed(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
