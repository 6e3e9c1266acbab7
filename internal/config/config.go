// Package config defines the top-level configuration for the position engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PBOT_* environment variables.
//
// Infrastructure knobs (pool sizes, buffers, batch sizes) carry defaults.
// Trading parameters (risk caps, tick interval, timeouts, trading hours) do
// NOT: a missing or zero value fails Validate so the engine never trades on a
// silently-substituted number.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Feed     FeedConfig     `toml:"feed"`
	Broker   BrokerConfig   `toml:"broker"`
	Engine   EngineConfig   `toml:"engine"`
	Risk     RiskConfig     `toml:"risk"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
	// Enabled selects the durable store. When false the engine runs on the
	// in-memory store, which is only acceptable for paper mode.
	Enabled bool `toml:"enabled"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the cold-storage
// archiver. When Enabled is false the archiver does not run.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// FeedConfig holds market-data websocket parameters.
type FeedConfig struct {
	WsURL   string   `toml:"ws_url"`
	Symbols []string `toml:"symbols"`
}

// BrokerConfig holds broker adapter parameters. Only the paper broker ships;
// Slippage is the adverse fill offset applied to market orders.
type BrokerConfig struct {
	Slippage float64 `toml:"slippage"`
}

// EngineConfig holds monitor-loop and order parameters. All durations are
// trading-critical and must be set explicitly.
type EngineConfig struct {
	TickInterval  duration `toml:"tick_interval"`
	CallTimeout   duration `toml:"call_timeout"`
	OrderTimeout  duration `toml:"order_timeout"`
	MaxWorkers    int      `toml:"max_workers"`
	RetryAttempts int      `toml:"retry_attempts"`
	RetryBase     duration `toml:"retry_base"`
}

// RiskConfig holds the Risk Governor's daily limits. Every cap must be set
// explicitly; there is no safe default for any of them.
type RiskConfig struct {
	DailyLossCap         float64      `toml:"daily_loss_cap"`
	MaxTradesPerDay      int          `toml:"max_trades_per_day"`
	MaxSymbolExposure    float64      `toml:"max_symbol_exposure"`
	MaxStrategyExposure  float64      `toml:"max_strategy_exposure"`
	MaxConsecutiveLosses int          `toml:"max_consecutive_losses"`
	Hours                HoursConfig  `toml:"hours"`
	MarketClose          CutoffConfig `toml:"market_close"`
}

// HoursConfig is the trading-hours window. When Enabled, all fields are
// required and trades outside the window (or on weekends) are rejected.
type HoursConfig struct {
	Enabled     bool   `toml:"enabled"`
	OpenHour    int    `toml:"open_hour"`
	OpenMinute  int    `toml:"open_minute"`
	CloseHour   int    `toml:"close_hour"`
	CloseMinute int    `toml:"close_minute"`
	Timezone    string `toml:"timezone"`
}

// CutoffConfig is the daily market-close exit cutoff. When Enabled, every
// open position is force-exited at hour:minute in the given timezone.
type CutoffConfig struct {
	Enabled  bool   `toml:"enabled"`
	Hour     int    `toml:"hour"`
	Minute   int    `toml:"minute"`
	Timezone string `toml:"timezone"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	RetentionDays int      `toml:"retention_days"`
	BatchSize     int      `toml:"batch_size"`
	Interval      duration `toml:"interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5s", "10m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5s" or "10m".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with infrastructure defaults populated. Trading
// parameters are deliberately left zero so Validate catches any the operator
// forgot to set.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Enabled:       true,
			Host:          "localhost",
			Port:          5432,
			Database:      "positionbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "positionbot-archive",
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			MaxWorkers:    8,
			RetryAttempts: 3,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			BatchSize:     500,
			Interval:      duration{24 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"position_closed", "exit_stuck", "emergency_stop"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"paper":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config and returns a combined error describing every
// problem found. Missing trading parameters are errors, not defaults: the
// engine must refuse to start rather than run with a guessed cap or interval.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: paper, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	} else if strings.ToLower(c.Mode) != "paper" {
		errs = append(errs, "postgres: the in-memory store (postgres.enabled = false) is only allowed in paper mode")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.BatchSize < 1 {
			errs = append(errs, "archive: batch_size must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
	}

	// Feed
	if c.Feed.WsURL == "" {
		errs = append(errs, "feed: ws_url must not be empty")
	}
	if len(c.Feed.Symbols) == 0 {
		errs = append(errs, "feed: symbols must not be empty")
	}

	// Broker
	if c.Broker.Slippage < 0 {
		errs = append(errs, "broker: slippage must not be negative")
	}

	// Engine timings. No defaults: an unset interval or timeout is fatal.
	if c.Engine.TickInterval.Duration <= 0 {
		errs = append(errs, "engine: tick_interval must be set and > 0")
	}
	if c.Engine.CallTimeout.Duration <= 0 {
		errs = append(errs, "engine: call_timeout must be set and > 0")
	}
	if c.Engine.OrderTimeout.Duration <= 0 {
		errs = append(errs, "engine: order_timeout must be set and > 0")
	}
	if c.Engine.RetryBase.Duration <= 0 {
		errs = append(errs, "engine: retry_base must be set and > 0")
	}
	if c.Engine.MaxWorkers < 1 {
		errs = append(errs, "engine: max_workers must be >= 1")
	}
	if c.Engine.RetryAttempts < 1 {
		errs = append(errs, "engine: retry_attempts must be >= 1")
	}

	// Risk caps. Every one required, no substitutes.
	if c.Risk.DailyLossCap <= 0 {
		errs = append(errs, "risk: daily_loss_cap must be set and > 0")
	}
	if c.Risk.MaxTradesPerDay <= 0 {
		errs = append(errs, "risk: max_trades_per_day must be set and > 0")
	}
	if c.Risk.MaxSymbolExposure <= 0 {
		errs = append(errs, "risk: max_symbol_exposure must be set and > 0")
	}
	if c.Risk.MaxStrategyExposure <= 0 {
		errs = append(errs, "risk: max_strategy_exposure must be set and > 0")
	}
	if c.Risk.MaxConsecutiveLosses <= 0 {
		errs = append(errs, "risk: max_consecutive_losses must be set and > 0")
	}

	if c.Risk.Hours.Enabled {
		errs = append(errs, validateClock("risk.hours", "open", c.Risk.Hours.OpenHour, c.Risk.Hours.OpenMinute)...)
		errs = append(errs, validateClock("risk.hours", "close", c.Risk.Hours.CloseHour, c.Risk.Hours.CloseMinute)...)
		if c.Risk.Hours.Timezone == "" {
			errs = append(errs, "risk.hours: timezone must be set")
		} else if _, err := time.LoadLocation(c.Risk.Hours.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("risk.hours: unknown timezone %q", c.Risk.Hours.Timezone))
		}
	}
	if c.Risk.MarketClose.Enabled {
		errs = append(errs, validateClock("risk.market_close", "cutoff", c.Risk.MarketClose.Hour, c.Risk.MarketClose.Minute)...)
		if c.Risk.MarketClose.Timezone == "" {
			errs = append(errs, "risk.market_close: timezone must be set")
		} else if _, err := time.LoadLocation(c.Risk.MarketClose.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("risk.market_close: unknown timezone %q", c.Risk.MarketClose.Timezone))
		}
	}

	// Notify — telegram credentials come in pairs.
	tk := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tk != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateClock(section, name string, hour, minute int) []string {
	var errs []string
	if hour < 0 || hour > 23 {
		errs = append(errs, fmt.Sprintf("%s: %s hour must be 0-23, got %d", section, name, hour))
	}
	if minute < 0 || minute > 59 {
		errs = append(errs, fmt.Sprintf("%s: %s minute must be 0-59, got %d", section, name, minute))
	}
	return errs
}
