package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in infrastructure defaults, applies PBOT_* environment variable
// overrides, and returns the final Config. The returned Config has NOT been
// validated; the caller must invoke Config.Validate() after Load and treat
// any error as fatal.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PBOT_POSTGRES_RUN_MIGRATIONS")
	setBool(&cfg.Postgres.Enabled, "PBOT_POSTGRES_ENABLED")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PBOT_S3_FORCE_PATH_STYLE")

	// ── Feed ──
	setStr(&cfg.Feed.WsURL, "PBOT_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Symbols, "PBOT_FEED_SYMBOLS")

	// ── Broker ──
	setFloat64(&cfg.Broker.Slippage, "PBOT_BROKER_SLIPPAGE")

	// ── Engine ──
	setDuration(&cfg.Engine.TickInterval, "PBOT_ENGINE_TICK_INTERVAL")
	setDuration(&cfg.Engine.CallTimeout, "PBOT_ENGINE_CALL_TIMEOUT")
	setDuration(&cfg.Engine.OrderTimeout, "PBOT_ENGINE_ORDER_TIMEOUT")
	setInt(&cfg.Engine.MaxWorkers, "PBOT_ENGINE_MAX_WORKERS")
	setInt(&cfg.Engine.RetryAttempts, "PBOT_ENGINE_RETRY_ATTEMPTS")
	setDuration(&cfg.Engine.RetryBase, "PBOT_ENGINE_RETRY_BASE")

	// ── Risk ──
	setFloat64(&cfg.Risk.DailyLossCap, "PBOT_RISK_DAILY_LOSS_CAP")
	setInt(&cfg.Risk.MaxTradesPerDay, "PBOT_RISK_MAX_TRADES_PER_DAY")
	setFloat64(&cfg.Risk.MaxSymbolExposure, "PBOT_RISK_MAX_SYMBOL_EXPOSURE")
	setFloat64(&cfg.Risk.MaxStrategyExposure, "PBOT_RISK_MAX_STRATEGY_EXPOSURE")
	setInt(&cfg.Risk.MaxConsecutiveLosses, "PBOT_RISK_MAX_CONSECUTIVE_LOSSES")
	setBool(&cfg.Risk.Hours.Enabled, "PBOT_RISK_HOURS_ENABLED")
	setInt(&cfg.Risk.Hours.OpenHour, "PBOT_RISK_HOURS_OPEN_HOUR")
	setInt(&cfg.Risk.Hours.OpenMinute, "PBOT_RISK_HOURS_OPEN_MINUTE")
	setInt(&cfg.Risk.Hours.CloseHour, "PBOT_RISK_HOURS_CLOSE_HOUR")
	setInt(&cfg.Risk.Hours.CloseMinute, "PBOT_RISK_HOURS_CLOSE_MINUTE")
	setStr(&cfg.Risk.Hours.Timezone, "PBOT_RISK_HOURS_TIMEZONE")
	setBool(&cfg.Risk.MarketClose.Enabled, "PBOT_RISK_MARKET_CLOSE_ENABLED")
	setInt(&cfg.Risk.MarketClose.Hour, "PBOT_RISK_MARKET_CLOSE_HOUR")
	setInt(&cfg.Risk.MarketClose.Minute, "PBOT_RISK_MARKET_CLOSE_MINUTE")
	setStr(&cfg.Risk.MarketClose.Timezone, "PBOT_RISK_MARKET_CLOSE_TIMEZONE")

	// ── Archive ──
	setInt(&cfg.Archive.RetentionDays, "PBOT_ARCHIVE_RETENTION_DAYS")
	setInt(&cfg.Archive.BatchSize, "PBOT_ARCHIVE_BATCH_SIZE")
	setDuration(&cfg.Archive.Interval, "PBOT_ARCHIVE_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PBOT_MODE")
	setStr(&cfg.LogLevel, "PBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
