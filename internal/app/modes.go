package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/positionbot/internal/archive"
	"github.com/alanyoungcy/positionbot/internal/broker"
	"github.com/alanyoungcy/positionbot/internal/exit"
	"github.com/alanyoungcy/positionbot/internal/feed"
	"github.com/alanyoungcy/positionbot/internal/manager"
	"github.com/alanyoungcy/positionbot/internal/monitor"
	"github.com/alanyoungcy/positionbot/internal/recovery"
	"github.com/alanyoungcy/positionbot/internal/risk"
)

// engine bundles the components built on top of the wired infrastructure.
type engine struct {
	broker  *broker.Paper
	monitor *monitor.Monitor
	manager *manager.Manager
}

// buildEngine constructs the evaluator, governor, broker, monitor, and
// manager, then runs startup recovery so every surviving position is back
// under monitoring before any mode starts its loops.
func (a *App) buildEngine(ctx context.Context, deps *Dependencies) (*engine, error) {
	eval := exit.NewEvaluator()
	if a.cfg.Risk.MarketClose.Enabled {
		loc, err := time.LoadLocation(a.cfg.Risk.MarketClose.Timezone)
		if err != nil {
			return nil, fmt.Errorf("app: market close timezone: %w", err)
		}
		eval.WithMarketClose(a.cfg.Risk.MarketClose.Hour, a.cfg.Risk.MarketClose.Minute, loc)
	}

	riskCfg := risk.Config{
		DailyLossCap:         a.cfg.Risk.DailyLossCap,
		MaxTradesPerDay:      a.cfg.Risk.MaxTradesPerDay,
		MaxSymbolExposure:    a.cfg.Risk.MaxSymbolExposure,
		MaxStrategyExposure:  a.cfg.Risk.MaxStrategyExposure,
		MaxConsecutiveLosses: a.cfg.Risk.MaxConsecutiveLosses,
	}
	if a.cfg.Risk.Hours.Enabled {
		loc, err := time.LoadLocation(a.cfg.Risk.Hours.Timezone)
		if err != nil {
			return nil, fmt.Errorf("app: trading hours timezone: %w", err)
		}
		riskCfg.Hours = &risk.TradingHours{
			OpenHour:    a.cfg.Risk.Hours.OpenHour,
			OpenMinute:  a.cfg.Risk.Hours.OpenMinute,
			CloseHour:   a.cfg.Risk.Hours.CloseHour,
			CloseMinute: a.cfg.Risk.Hours.CloseMinute,
			Location:    loc,
		}
	}

	gov, err := risk.NewGovernor(ctx, riskCfg, deps.RiskState, deps.Events, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: risk governor: %w", err)
	}

	pb := broker.NewPaper(deps.Prices, a.cfg.Broker.Slippage, a.logger)

	// The paper broker holds no book across restarts; seed it from the store
	// so recovery sees the persisted positions as still open.
	open, err := deps.Positions.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: list open positions: %w", err)
	}
	pb.Seed(open)

	mon := monitor.New(monitor.Config{
		Interval:      a.cfg.Engine.TickInterval.Duration,
		CallTimeout:   a.cfg.Engine.CallTimeout.Duration,
		MaxWorkers:    a.cfg.Engine.MaxWorkers,
		RetryAttempts: a.cfg.Engine.RetryAttempts,
		RetryBase:     a.cfg.Engine.RetryBase.Duration,
	}, deps.Positions, deps.Prices, pb, eval, deps.Events, alerter{deps.Notifier}, a.logger)

	mgr := manager.New(manager.Config{
		OrderTimeout: a.cfg.Engine.OrderTimeout.Duration,
	}, deps.Positions, pb, gov, mon, deps.Events, a.logger)

	loader := recovery.New(deps.Positions, pb, mon, deps.Events, a.logger)
	res, err := loader.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: recovery: %w", err)
	}
	a.logger.InfoContext(ctx, "recovery complete",
		slog.Int("registered", res.Registered),
		slog.Int("closed", res.Closed),
		slog.Int("flagged", res.Flagged),
	)

	return &engine{broker: pb, monitor: mon, manager: mgr}, nil
}

// runCore starts the goroutines every mode shares: event fan-out, the price
// feed, the monitor loop, the instance-lock refresher, and the archiver when
// blob storage is configured.
func (a *App) runCore(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine) {
	g.Go(func() error {
		return deps.Events.Run(ctx)
	})

	priceFeed := feed.NewPriceFeed(a.cfg.Feed.WsURL, a.cfg.Feed.Symbols, deps.Prices, a.logger)
	g.Go(func() error {
		return priceFeed.Run(ctx)
	})

	g.Go(func() error {
		return eng.monitor.Run(ctx)
	})

	g.Go(func() error {
		return a.refreshInstanceLock(ctx, deps)
	})

	if deps.BlobWriter != nil {
		arch := archive.New(archive.Config{
			RetentionDays: a.cfg.Archive.RetentionDays,
			BatchSize:     a.cfg.Archive.BatchSize,
			Interval:      a.cfg.Archive.Interval.Duration,
		}, deps.Positions, deps.Audit, deps.BlobWriter, a.logger)
		g.Go(func() error {
			return arch.RunPeriodic(ctx)
		})
	}
}

// refreshInstanceLock keeps the Redis instance lock alive. Losing the lock is
// fatal: another instance could start monitoring the same positions.
func (a *App) refreshInstanceLock(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(instanceLockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := deps.Locks.Refresh(ctx, instanceLockKey, instanceLockTTL); err != nil {
				return fmt.Errorf("app: refresh instance lock: %w", err)
			}
		}
	}
}

// PaperMode runs the full stack against the paper broker: recovery, the
// monitor loop, the trade-request feeder, and the archiver. New trade
// requests are accepted once recovery has completed.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")

	eng, err := a.buildEngine(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.runCore(ctx, g, deps, eng)

	feeder := feed.NewRequestFeeder(deps.Bus, eng.manager, deps.Events, a.logger)
	g.Go(func() error {
		return feeder.Run(ctx)
	})

	// Recovery finished in buildEngine; open the gate.
	eng.manager.SetReady()

	return g.Wait()
}

// MonitorMode recovers and monitors existing positions but accepts no new
// trades: the manager never becomes ready, so every incoming request is
// rejected and audited. Manual exit commands still work through the monitor.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	eng, err := a.buildEngine(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.runCore(ctx, g, deps, eng)

	feeder := feed.NewRequestFeeder(deps.Bus, eng.manager, deps.Events, a.logger)
	g.Go(func() error {
		return feeder.Run(ctx)
	})

	return g.Wait()
}
