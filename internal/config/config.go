package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
// A .env file in the working directory is loaded first when present; real
// environment variables win over both.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Telegram: TelegramConfig{
			BackupTokens:   make(map[int][]string),
			HealthInterval: Duration{Duration: 60 * time.Second},
			StopTimeout:    Duration{Duration: 5 * time.Second},
		},
		Gateway: GatewayConfig{
			BaseURL:         "https://api.nowpayments.io/v1",
			PayCurrency:     "sol",
			RequestTimeout:  Duration{Duration: 15 * time.Second},
			DepositLifetime: Duration{Duration: time.Hour},
		},
		Pricing: PricingConfig{
			FetchTimeout:    Duration{Duration: 3 * time.Second},
			MemoryTTL:       Duration{Duration: 5 * time.Minute},
			DurableTTL:      Duration{Duration: 10 * time.Minute},
			StaleMax:        Duration{Duration: time.Hour},
			RefreshInterval: Duration{Duration: 4 * time.Minute},
		},
		Storage: StorageConfig{
			Backend:     "sqlite",
			Path:        "./data/dropline.db",
			BusyTimeout: Duration{Duration: 5 * time.Second},
		},
		Media: MediaConfig{
			Dir: "./data/media",
		},
		Shop: ShopConfig{
			Currency:      "EUR",
			BasketTimeout: Duration{Duration: 15 * time.Minute},
		},
		Jobs: JobsConfig{
			BasketSweepInterval:    Duration{Duration: time.Minute},
			DepositExpiryInterval:  Duration{Duration: 5 * time.Minute},
			AbandonedSweepInterval: Duration{Duration: 10 * time.Minute},
		},
		RateLimit: RateLimitConfig{
			// Generous limits. The webhook surface sees one gateway and a
			// handful of Telegram data centers, not browsers.
			GlobalEnabled: true,
			GlobalLimit:   1000,
			GlobalWindow:  Duration{Duration: time.Minute},
			PerIPEnabled:  true,
			PerIPLimit:    120,
			PerIPWindow:   Duration{Duration: time.Minute},
		},
		AdminAPI: AdminAPIConfig{
			Enabled: false,
			Keys:    make(map[string]string),
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Gateway: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			PriceProvider: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
		Chain: ChainConfig{
			Enabled:      false,
			PollInterval: Duration{Duration: 30 * time.Second},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
