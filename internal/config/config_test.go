package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const completeTOML = `
mode = "paper"
log_level = "info"

[postgres]
enabled = false

[redis]
addr = "localhost:6379"

[feed]
ws_url = "wss://stream.example.com/ws"
symbols = ["BTC-USD", "ETH-USD"]

[engine]
tick_interval = "5s"
call_timeout = "10s"
order_timeout = "10s"
retry_base = "500ms"

[risk]
daily_loss_cap = 5000.0
max_trades_per_day = 20
max_symbol_exposure = 25000.0
max_strategy_exposure = 50000.0
max_consecutive_losses = 3
`

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAndValidateCompleteConfig(t *testing.T) {
	cfg, err := Load(writeTOML(t, completeTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.Engine.TickInterval.Duration)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.RetryBase.Duration)
	assert.Equal(t, 5000.0, cfg.Risk.DailyLossCap)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, cfg.Feed.Symbols)

	// Infra defaults survive the merge.
	assert.Equal(t, 20, cfg.Redis.PoolSize)
	assert.Equal(t, 8, cfg.Engine.MaxWorkers)
	assert.Equal(t, 90, cfg.Archive.RetentionDays)
}

func TestMissingRiskCapsFailValidation(t *testing.T) {
	body := strings.Replace(completeTOML, "daily_loss_cap = 5000.0", "", 1)
	cfg, err := Load(writeTOML(t, body))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daily_loss_cap")
}

func TestMissingTickIntervalFailsValidation(t *testing.T) {
	body := strings.Replace(completeTOML, `tick_interval = "5s"`, "", 1)
	cfg, err := Load(writeTOML(t, body))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tick_interval")
}

func TestMemoryStoreRequiresPaperMode(t *testing.T) {
	body := strings.Replace(completeTOML, `mode = "paper"`, `mode = "monitor"`, 1)
	cfg, err := Load(writeTOML(t, body))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in-memory store")
}

func TestTradingHoursValidation(t *testing.T) {
	body := completeTOML + `
[risk.hours]
enabled = true
open_hour = 9
open_minute = 30
close_hour = 26
close_minute = 0
timezone = "America/New_York"
`
	cfg, err := Load(writeTOML(t, body))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close hour")
}

func TestUnknownTimezoneRejected(t *testing.T) {
	body := completeTOML + `
[risk.market_close]
enabled = true
hour = 15
minute = 55
timezone = "Mars/Olympus"
`
	cfg, err := Load(writeTOML(t, body))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timezone")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PBOT_RISK_DAILY_LOSS_CAP", "1234.5")
	t.Setenv("PBOT_ENGINE_TICK_INTERVAL", "2s")
	t.Setenv("PBOT_FEED_SYMBOLS", "SOL-USD, ADA-USD")
	t.Setenv("PBOT_REDIS_PASSWORD", "hunter2")

	cfg, err := Load(writeTOML(t, completeTOML))
	require.NoError(t, err)

	assert.Equal(t, 1234.5, cfg.Risk.DailyLossCap)
	assert.Equal(t, 2*time.Second, cfg.Engine.TickInterval.Duration)
	assert.Equal(t, []string{"SOL-USD", "ADA-USD"}, cfg.Feed.Symbols)
	assert.Equal(t, "hunter2", cfg.Redis.Password)
}

func TestTelegramCredentialsPaired(t *testing.T) {
	body := completeTOML + `
[notify]
telegram_token = "123:abc"
`
	cfg, err := Load(writeTOML(t, body))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg, err := Load(writeTOML(t, completeTOML))
	require.NoError(t, err)
	cfg.Postgres.Password = "dbpass"
	cfg.S3.SecretKey = "s3secret"
	cfg.Notify.TelegramToken = "123:abc"

	red := RedactedConfig(cfg)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.S3.SecretKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)

	// Original untouched.
	assert.Equal(t, "dbpass", cfg.Postgres.Password)
}
