package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.WebhookBaseURL != "" {
		c.Server.WebhookBaseURL = strings.TrimSuffix(c.Server.WebhookBaseURL, "/")
	}
	if c.Telegram.HealthInterval.Duration <= 0 {
		c.Telegram.HealthInterval = Duration{Duration: 60 * time.Second}
	}
	if c.Telegram.StopTimeout.Duration <= 0 {
		c.Telegram.StopTimeout = Duration{Duration: 5 * time.Second}
	}
	if c.Gateway.PayCurrency != "" {
		c.Gateway.PayCurrency = strings.ToLower(strings.TrimSpace(c.Gateway.PayCurrency))
	}
	if c.Gateway.RequestTimeout.Duration <= 0 {
		c.Gateway.RequestTimeout = Duration{Duration: 15 * time.Second}
	}
	if c.Gateway.DepositLifetime.Duration <= 0 {
		c.Gateway.DepositLifetime = Duration{Duration: time.Hour}
	}
	if c.Pricing.FetchTimeout.Duration <= 0 {
		c.Pricing.FetchTimeout = Duration{Duration: 3 * time.Second}
	}
	if c.Pricing.MemoryTTL.Duration <= 0 {
		c.Pricing.MemoryTTL = Duration{Duration: 5 * time.Minute}
	}
	if c.Pricing.DurableTTL.Duration <= 0 {
		c.Pricing.DurableTTL = Duration{Duration: 10 * time.Minute}
	}
	if c.Pricing.StaleMax.Duration <= 0 {
		c.Pricing.StaleMax = Duration{Duration: time.Hour}
	}
	if c.Pricing.RefreshInterval.Duration <= 0 {
		c.Pricing.RefreshInterval = Duration{Duration: 4 * time.Minute}
	}
	if c.Shop.Currency == "" {
		c.Shop.Currency = "EUR"
	}
	if c.Shop.BasketTimeout.Duration <= 0 {
		c.Shop.BasketTimeout = Duration{Duration: 15 * time.Minute}
	}
	if c.Jobs.BasketSweepInterval.Duration <= 0 {
		c.Jobs.BasketSweepInterval = Duration{Duration: time.Minute}
	}
	if c.Jobs.DepositExpiryInterval.Duration <= 0 {
		c.Jobs.DepositExpiryInterval = Duration{Duration: 5 * time.Minute}
	}
	if c.Jobs.AbandonedSweepInterval.Duration <= 0 {
		c.Jobs.AbandonedSweepInterval = Duration{Duration: 10 * time.Minute}
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "sqlite"
	}
	if c.Storage.BusyTimeout.Duration <= 0 {
		c.Storage.BusyTimeout = Duration{Duration: 5 * time.Second}
	}
	if c.Chain.PollInterval.Duration <= 0 {
		c.Chain.PollInterval = Duration{Duration: 30 * time.Second}
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if len(c.Telegram.Tokens) == 0 {
		errs = append(errs, "telegram.tokens is required (TOKENS or TOKEN)")
	}
	for i, token := range c.Telegram.Tokens {
		if !looksLikeBotToken(token) {
			errs = append(errs, fmt.Sprintf("telegram.tokens[%d] does not look like a bot token", i))
		}
	}
	for idx, backups := range c.Telegram.BackupTokens {
		if idx < 1 || idx > len(c.Telegram.Tokens) {
			errs = append(errs, fmt.Sprintf("BACKUP_TOKENS_%d has no matching primary token", idx))
			continue
		}
		for j, token := range backups {
			if !looksLikeBotToken(token) {
				errs = append(errs, fmt.Sprintf("BACKUP_TOKENS_%d[%d] does not look like a bot token", idx, j))
			}
		}
	}

	if c.Server.WebhookBaseURL == "" {
		errs = append(errs, "server.webhook_base_url is required (WEBHOOK_URL)")
	} else if u, err := url.Parse(c.Server.WebhookBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("server.webhook_base_url %q is not an absolute URL", c.Server.WebhookBaseURL))
	}

	if c.Gateway.APIKey == "" {
		errs = append(errs, "gateway.api_key is required (GATEWAY_API_KEY)")
	}
	if c.Gateway.BaseURL == "" {
		errs = append(errs, "gateway.base_url is required")
	}

	if len(c.Telegram.PrimaryAdminIDs) == 0 {
		errs = append(errs, "telegram.primary_admin_ids is required (PRIMARY_ADMIN_IDS or ADMIN_ID)")
	}

	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, "storage.path is required for the sqlite backend")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (sqlite, memory)", c.Storage.Backend))
	}

	if c.Chain.Enabled {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain.rpc_url is required when the chain watcher is enabled (PRICE_RPC_URL)")
		}
		if c.Chain.WatchedWallet == "" {
			errs = append(errs, "chain.watched_wallet is required when the chain watcher is enabled (WATCHED_WALLET)")
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// looksLikeBotToken checks the <numeric id>:<secret> shape Telegram issues.
// A full API round-trip happens at fleet start; this only catches swapped
// or truncated values early.
func looksLikeBotToken(token string) bool {
	i := strings.IndexByte(token, ':')
	if i <= 0 || i == len(token)-1 {
		return false
	}
	for _, r := range token[:i] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
