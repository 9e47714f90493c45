package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Privacy backends for private receipts.
const (
	BackendVenue = "venue"
	BackendFHE   = "fhe"
)

type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	Platform    PlatformConfig
	Privacy     PrivacyConfig
	Venue       VenueConfig
	Coprocessor CoprocessorConfig
	Keeper      KeeperConfig
	Settler     SettlerConfig
	Auth        AuthConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port               int `mapstructure:"port"`
	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_sec"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PlatformConfig struct {
	// Authority is the only wallet allowed to create the platform config.
	Authority string `mapstructure:"authority"`
}

type PrivacyConfig struct {
	Backend          string `mapstructure:"backend"`
	StrictSettle     bool   `mapstructure:"strict_settle"`
	CommitIntervalMs uint32 `mapstructure:"commit_interval_ms"`
}

type VenueConfig struct {
	URL               string `mapstructure:"url"`
	APIKey            string `mapstructure:"api_key"`
	Validator         string `mapstructure:"validator"`
	Mock              bool   `mapstructure:"mock"`
	ChainID           int64  `mapstructure:"chain_id"`
	VerifyingContract string `mapstructure:"verifying_contract"`
}

type CoprocessorConfig struct {
	Addr string `mapstructure:"addr"`
	Mock bool   `mapstructure:"mock"`
}

type KeeperConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	IntervalSec int64  `mapstructure:"interval_sec"`
	Address     string `mapstructure:"address"`
}

type SettlerConfig struct {
	Enabled        bool  `mapstructure:"enabled"`
	PollTimeoutSec int64 `mapstructure:"poll_timeout_sec"`
}

type AuthConfig struct {
	RatePerSec      float64 `mapstructure:"rate_per_sec"`
	Burst           int     `mapstructure:"burst"`
	MaxClockSkewSec int64   `mapstructure:"max_clock_skew_sec"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_sec", 10)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("privacy.backend", BackendVenue)
	v.SetDefault("privacy.strict_settle", true)
	v.SetDefault("privacy.commit_interval_ms", 30000)
	v.SetDefault("venue.chain_id", 16602)
	v.SetDefault("keeper.enabled", true)
	v.SetDefault("keeper.interval_sec", 60)
	v.SetDefault("settler.enabled", true)
	v.SetDefault("settler.poll_timeout_sec", 5)
	v.SetDefault("auth.rate_per_sec", 10)
	v.SetDefault("auth.burst", 20)
	v.SetDefault("auth.max_clock_skew_sec", 300)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                "PORT",
		"redis.addr":                 "REDIS_ADDR",
		"redis.password":             "REDIS_PASSWORD",
		"platform.authority":         "PLATFORM_AUTHORITY",
		"privacy.backend":            "PRIVACY_BACKEND",
		"privacy.strict_settle":      "STRICT_SETTLE",
		"privacy.commit_interval_ms": "COMMIT_INTERVAL_MS",
		"venue.url":                  "VENUE_URL",
		"venue.api_key":              "VENUE_API_KEY",
		"venue.validator":            "VENUE_VALIDATOR",
		"venue.mock":                 "MOCK_VENUE",
		"venue.chain_id":             "CHAIN_ID",
		"venue.verifying_contract":   "VENUE_VERIFYING_CONTRACT",
		"coprocessor.addr":           "COPROCESSOR_ADDR",
		"coprocessor.mock":           "MOCK_COPROCESSOR",
		"keeper.address":             "KEEPER_ADDRESS",
		"keeper.interval_sec":        "KEEPER_INTERVAL_SEC",
		"log.file":                   "LOG_FILE",
		"log.level":                  "LOG_LEVEL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	for _, a := range []struct {
		val      string
		name     string
		required bool
	}{
		{c.Platform.Authority, "PLATFORM_AUTHORITY", true},
		{c.Venue.Validator, "VENUE_VALIDATOR", false},
		{c.Venue.VerifyingContract, "VENUE_VERIFYING_CONTRACT", false},
		{c.Keeper.Address, "KEEPER_ADDRESS", c.Keeper.Enabled},
	} {
		if a.val == "" {
			if a.required {
				return fmt.Errorf("required config missing: %s", a.name)
			}
			continue
		}
		if !common.IsHexAddress(a.val) {
			return fmt.Errorf("config %s: not a hex address: %q", a.name, a.val)
		}
	}

	switch c.Privacy.Backend {
	case BackendVenue, BackendFHE:
	default:
		return fmt.Errorf("config PRIVACY_BACKEND: must be %q or %q, got %q", BackendVenue, BackendFHE, c.Privacy.Backend)
	}
	if !c.Venue.Mock && c.Venue.URL == "" {
		return fmt.Errorf("required config missing: VENUE_URL (or set MOCK_VENUE)")
	}
	if !c.Coprocessor.Mock && c.Coprocessor.Addr == "" {
		return fmt.Errorf("required config missing: COPROCESSOR_ADDR (or set MOCK_COPROCESSOR)")
	}
	if c.Keeper.Enabled && c.Keeper.IntervalSec <= 0 {
		return fmt.Errorf("config KEEPER_INTERVAL_SEC must be positive")
	}
	if c.Auth.RatePerSec <= 0 || c.Auth.Burst <= 0 {
		return fmt.Errorf("config auth rate limit must be positive")
	}
	return nil
}

// Addr parses a validated hex address field. Empty yields the zero address.
func Addr(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}
