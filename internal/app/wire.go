package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/positionbot/internal/blob/s3"
	"github.com/alanyoungcy/positionbot/internal/cache/redis"
	"github.com/alanyoungcy/positionbot/internal/config"
	"github.com/alanyoungcy/positionbot/internal/domain"
	"github.com/alanyoungcy/positionbot/internal/events"
	"github.com/alanyoungcy/positionbot/internal/notify"
	"github.com/alanyoungcy/positionbot/internal/store/memory"
	"github.com/alanyoungcy/positionbot/internal/store/postgres"
)

// instanceLockTTL is the TTL on the Redis instance lock. Modes refresh it
// periodically while running; if the process dies the lock expires and a
// replacement instance can start.
const instanceLockTTL = 30 * time.Second

// instanceLockKey identifies the single-instance engine lock.
const instanceLockKey = "engine"

// Dependencies bundles every infrastructure dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	Positions domain.PositionStore
	RiskState domain.RiskStateStore
	Audit     domain.AuditStore

	// Redis
	Prices *redis.PriceCache
	Bus    *redis.EventBus
	Locks  *redis.LockManager

	// Event fan-out. Emit from anywhere; Run is started by the mode.
	Events *events.Fanout

	// Blob storage, nil when the archiver is disabled.
	BlobWriter domain.BlobWriter

	// Notifications
	Notifier *notify.Notifier
}

// alerter adapts notify.Notifier to the monitor's fire-and-forget alert
// contract. Send failures are already logged by the notifier.
type alerter struct {
	n *notify.Notifier
}

func (a alerter) Critical(ctx context.Context, subject, body string) {
	_ = a.n.Critical(ctx, subject, body)
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources. Wire also takes the Redis
// instance lock; a second engine pointed at the same Redis fails fast with
// domain.ErrLockHeld instead of double-monitoring positions.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Durable store ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Positions = postgres.NewPositionStore(pool)
		deps.RiskState = postgres.NewRiskStateStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
	} else {
		// Paper mode only; positions do not survive a restart.
		mem := memory.New()
		deps.Positions = mem
		deps.RiskState = mem
		deps.Audit = mem
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Prices = redis.NewPriceCache(redisClient)
	deps.Bus = redis.NewEventBus(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)

	// Instance lock before anything that mutates shared state.
	unlock, err := deps.Locks.Acquire(ctx, instanceLockKey, instanceLockTTL)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: instance lock: %w", err)
	}
	closers = append(closers, unlock)

	// --- S3 blob storage (archiver) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		// Fail startup on a misconfigured bucket, not on the first sweep.
		if err := s3Client.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Event fan-out ---
	// The notifier hangs off the fan-out so operators get the event types
	// they subscribed to without the engine calling senders directly.
	var eventAlerter events.Alerter
	if len(senders) > 0 {
		eventAlerter = deps.Notifier
	}
	deps.Events = events.New(deps.Audit, deps.Bus, eventAlerter, logger, 0)

	return deps, cleanup, nil
}
