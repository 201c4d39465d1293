package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/engine"
	"github.com/alanyoungcy/xarb/internal/events"
	"github.com/alanyoungcy/xarb/internal/executor"
	"github.com/alanyoungcy/xarb/internal/feed"
	"github.com/alanyoungcy/xarb/internal/marketdata"
	"github.com/alanyoungcy/xarb/internal/pipeline"
	"github.com/alanyoungcy/xarb/internal/risk"
	"github.com/alanyoungcy/xarb/internal/server"
	"github.com/alanyoungcy/xarb/internal/server/handler"
	"github.com/alanyoungcy/xarb/internal/server/ws"
	"github.com/alanyoungcy/xarb/internal/service"
	"github.com/alanyoungcy/xarb/internal/telemetry"
	"github.com/alanyoungcy/xarb/internal/twap"
)

const (
	// priceEventGap throttles price_update events per book.
	priceEventGap   = 250 * time.Millisecond
	updateBuffer    = 1024
	shutdownTimeout = 10 * time.Second
)

// services are the domain components built on top of Dependencies. coord
// and sched are nil when the mode does not place orders.
type services struct {
	pairs   *service.PairService
	trades  *service.TradeService
	risk    *risk.Manager
	alerts  *telemetry.AlertService
	breaker *telemetry.CircuitBreaker
	coord   *executor.Coordinator
	sched   *twap.Scheduler
	engine  *engine.Engine
	archive bool
}

// MonitorMode streams prices, detects opportunities and serves the API
// without placing orders.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	svc, err := a.buildServices(ctx, deps, false, false)
	if err != nil {
		return err
	}
	return a.run(ctx, deps, svc)
}

// ArbitrageMode adds the execution coordinator; threshold-mode pairs are
// executed automatically when engine.auto_execute is on.
func (a *App) ArbitrageMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting arbitrage mode")
	svc, err := a.buildServices(ctx, deps, true, false)
	if err != nil {
		return err
	}
	return a.run(ctx, deps, svc)
}

// FullMode adds the TWAP scheduler and the trade archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	svc, err := a.buildServices(ctx, deps, true, true)
	if err != nil {
		return err
	}
	return a.run(ctx, deps, svc)
}

func (a *App) buildServices(ctx context.Context, deps *Dependencies, trading, full bool) (*services, error) {
	cfg := a.cfg
	svc := &services{archive: full && cfg.Archive.Enabled}

	venueNames := make([]string, 0, 2)
	for _, ad := range deps.Venues.All() {
		venueNames = append(venueNames, ad.Name())
	}
	svc.pairs = service.NewPairService(deps.PairStore, deps.SignalBus, venueNames, a.logger)
	if err := svc.pairs.Load(ctx); err != nil {
		return nil, err
	}
	if err := seedPairs(ctx, svc.pairs, cfg.Pairs, a.logger); err != nil {
		return nil, err
	}

	svc.trades = service.NewTradeService(deps.TradeStore, deps.Archiver, a.logger)

	svc.risk = risk.NewManager(risk.Config{
		MaxPositionSize: decimal.NewFromFloat(cfg.Risk.MaxPositionSize),
		MaxDeviationPct: decimal.NewFromFloat(cfg.Risk.MaxDeviationPct),
		MaxDailyLoss:    decimal.NewFromFloat(cfg.Risk.MaxDailyLoss),
		LossBufferPct:   decimal.NewFromFloat(cfg.Risk.LossBufferPct),
		LockTTL:         cfg.Risk.LockTTL.Duration,
	}, deps.LockManager, a.logger)
	svc.risk.SetObserver(deps.Monitor)

	svc.alerts = telemetry.NewAlertService(telemetry.AlertConfig{
		Rules: telemetry.DefaultRules(telemetry.Thresholds{
			MaxAvgLatency:  cfg.Telemetry.MaxAvgLatency.Duration,
			MinSuccessRate: cfg.Telemetry.MinSuccessRate,
			MaxRejections:  cfg.Telemetry.MaxRejections,
		}),
		Cooldown: cfg.Telemetry.AlertCooldown.Duration,
		Interval: cfg.Telemetry.AlertInterval.Duration,
		History:  cfg.Telemetry.AlertHistory,
		Monitor:  deps.Monitor,
		Venues:   deps.Venues,
		Events:   deps.Events,
		Delivery: deps.Notifier,
		Logger:   a.logger,
	})

	svc.breaker = telemetry.NewCircuitBreaker(cfg.Execution.BreakerThreshold, svc.pairs, svc.alerts, a.logger)
	svc.pairs.OnEnable(svc.breaker.Reset)

	// Interface fields stay nil unless a component exists.
	var exec engine.Executor
	if trading {
		svc.coord = executor.NewCoordinator(executor.Config{
			MaxStaleness:   cfg.Execution.MaxStaleness.Duration,
			LegTimeout:     cfg.Execution.LegTimeout.Duration,
			ReconcileDelay: cfg.Execution.ReconcileDelay.Duration,
			DedupTTL:       cfg.Execution.DedupTTL.Duration,
		}, executor.Deps{
			Venues:   deps.Venues,
			Books:    deps.Lookup,
			Risk:     svc.risk,
			Pairs:    svc.pairs,
			Trades:   deps.TradeStore,
			Alerts:   svc.alerts,
			Observer: svc.breaker,
			Events:   deps.Events,
			Logger:   a.logger,
		})
		exec = svc.coord
	}
	if trading && full {
		svc.sched = twap.NewScheduler(twap.Config{
			MaxConsecutiveFailures: cfg.TWAP.MaxConsecutiveFailures,
		}, svc.coord, deps.TWAPStore, svc.pairs, deps.Events, a.logger)
		if deps.Archiver != nil {
			svc.sched.SetArchiver(deps.Archiver)
		}
	}

	svc.engine = engine.New(engine.Config{
		AutoExecute:  trading && cfg.Engine.AutoExecute,
		RESTFallback: cfg.MarketData.RESTFallback,
		Reconcile:    cfg.Engine.Reconcile.Duration,
		Buffer:       cfg.Engine.Buffer,
		Recent:       cfg.Engine.Recent,
	}, engine.Deps{
		Books:     deps.Lookup,
		Pairs:     svc.pairs,
		Busy:      svc.risk,
		Intervals: deps.Monitor,
		Executor:  exec,
		Events:    deps.Events,
		Logger:    a.logger,
	})
	return svc, nil
}

// run starts every long-lived goroutine and blocks until ctx is cancelled
// or one of them fails.
func (a *App) run(ctx context.Context, deps *Dependencies, svc *services) error {
	cfg := a.cfg
	g, ctx := errgroup.WithContext(ctx)

	// Readers are registered before the cache starts accepting snapshots.
	monitorUpdates := deps.Books.Updates(updateBuffer)
	priceUpdates := deps.Books.Updates(updateBuffer)
	var mirrorUpdates <-chan domain.TopOfBook
	if deps.BookMirror != nil && cfg.MarketData.MirrorTTL.Duration > 0 {
		mirrorUpdates = deps.Books.Updates(updateBuffer)
	}

	g.Go(func() error { return deps.Books.Run(ctx) })
	g.Go(func() error { return deps.Monitor.Run(ctx, monitorUpdates) })
	g.Go(func() error { return marketdata.Broadcast(ctx, priceUpdates, deps.Events, priceEventGap) })
	g.Go(func() error { return svc.alerts.Run(ctx) })

	subscriber := feed.NewSubscriber(deps.Venues, svc.pairs, cfg.Engine.Reconcile.Duration, a.logger)
	g.Go(func() error { return subscriber.Run(ctx) })

	if mirrorUpdates != nil {
		g.Go(func() error {
			return marketdata.Mirror(ctx, mirrorUpdates, deps.BookMirror, cfg.MarketData.MirrorTTL.Duration, a.logger)
		})
	}

	if deps.SignalBus != nil {
		g.Go(func() error { return svc.pairs.Follow(ctx) })
	}

	if deps.SignalBus != nil && cfg.Redis.ForwardEvents {
		sub := deps.Events.Subscribe(updateBuffer,
			domain.EventOpportunity,
			domain.EventOrderSubmitted,
			domain.EventOrderFilled,
			domain.EventOrderFailed,
			domain.EventTWAPProgress,
			domain.EventEngineAlert,
		)
		g.Go(func() error { return events.Forward(ctx, sub, deps.SignalBus, a.logger) })
	}

	if svc.coord != nil {
		g.Go(func() error { return svc.coord.Run(ctx) })
	}
	if svc.sched != nil {
		g.Go(func() error { return svc.sched.Run(ctx) })
	}

	if svc.archive {
		tasks := []pipeline.Task{{Name: "trades", Job: svc.trades}}
		if svc.sched != nil {
			tasks = append(tasks, pipeline.Task{Name: "twap", Job: svc.sched})
		}
		archiver := pipeline.NewArchiver(cfg.Archive.Retention.Duration, cfg.Archive.Interval.Duration, a.logger, tasks...)
		g.Go(func() error { return archiver.Run(ctx) })
	}

	g.Go(func() error { return a.runEngine(ctx, svc.engine) })

	if cfg.Server.Enabled {
		hub := ws.NewHub(deps.Events, a.logger, ws.Config{
			Mode:           cfg.Mode,
			AllowedOrigins: cfg.Server.CORSOrigins,
		})
		g.Go(func() error { return hub.Run(ctx) })

		srv := server.NewServer(server.Config{
			Host:        cfg.Server.Host,
			Port:        cfg.Server.Port,
			CORSOrigins: cfg.Server.CORSOrigins,
			APIKey:      cfg.Server.APIKey,
			RateLimit:   cfg.Server.RateLimit,
			RateWindow:  cfg.Server.RateWindow.Duration,
		}, a.handlers(deps, svc), hub, deps.RateLimiter, a.logger)
		g.Go(func() error { return srv.Run(ctx, shutdownTimeout) })
	}

	err := g.Wait()
	if svc.coord != nil {
		svc.coord.Wait()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// runEngine auto-starts the engine when configured and stops it on
// shutdown, whether it was started here or through the API.
func (a *App) runEngine(ctx context.Context, eng *engine.Engine) error {
	if a.cfg.Engine.AutoStart {
		if err := eng.Start(ctx); err != nil {
			return err
		}
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil && !errors.Is(err, engine.ErrStopped) {
		a.logger.Warn("engine stop failed", slog.String("error", err.Error()))
	}
	return nil
}

// handlers builds the API handlers. Nil components become nil interfaces
// so the handlers answer CONFIG_ERROR.
func (a *App) handlers(deps *Dependencies, svc *services) server.Handlers {
	var exec handler.Executor
	if svc.coord != nil {
		exec = svc.coord
	}
	var sched handler.TWAPScheduler
	if svc.sched != nil {
		sched = svc.sched
	}
	return server.Handlers{
		Health:    handler.NewHealthHandler(a.cfg.Mode, deps.Checks, deps.Venues),
		Prices:    handler.NewPriceHandler(deps.Lookup, a.logger),
		Pairs:     handler.NewPairHandler(svc.pairs, a.logger),
		Arb:       handler.NewArbHandler(exec, svc.trades, a.logger),
		TWAP:      handler.NewTWAPHandler(sched, a.logger),
		Engine:    handler.NewEngineHandler(svc.engine, a.logger),
		Exchanges: handler.NewExchangeHandler(deps.Venues, a.logger),
		Telemetry: handler.NewTelemetryHandler(deps.Monitor, svc.alerts),
	}
}
