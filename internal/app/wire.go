package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/xarb/internal/blob/s3"
	"github.com/alanyoungcy/xarb/internal/cache/redis"
	"github.com/alanyoungcy/xarb/internal/config"
	"github.com/alanyoungcy/xarb/internal/crypto"
	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/events"
	"github.com/alanyoungcy/xarb/internal/exchange"
	"github.com/alanyoungcy/xarb/internal/marketdata"
	"github.com/alanyoungcy/xarb/internal/notify"
	"github.com/alanyoungcy/xarb/internal/platform/binance"
	"github.com/alanyoungcy/xarb/internal/platform/bybit"
	"github.com/alanyoungcy/xarb/internal/server/handler"
	"github.com/alanyoungcy/xarb/internal/store/memory"
	"github.com/alanyoungcy/xarb/internal/store/postgres"
	"github.com/alanyoungcy/xarb/internal/telemetry"
)

// Dependencies bundles the infrastructure the run modes are built on. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// In-process plumbing
	Events  *events.Bus
	Books   *marketdata.Cache
	Lookup  *marketdata.Lookup
	Venues  *exchange.Registry
	Monitor *telemetry.PerformanceMonitor

	// Stores
	PairStore  domain.PairStore
	TradeStore domain.TradeStore
	TWAPStore  domain.TWAPStore

	// Redis; nil when disabled
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	BookMirror  domain.BookMirror

	// Blob storage; nil when disabled
	Archiver domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Checks are the dependency checks reported by /health.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(stage string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", stage, err)
	}

	deps := &Dependencies{
		Events: events.NewBus(),
		Checks: make(map[string]handler.Check),
	}
	closers = append(closers, deps.Events.Close)

	deps.Books = marketdata.New(marketdata.Config{
		TTL:           cfg.MarketData.CacheTTL.Duration,
		SweepInterval: cfg.MarketData.SweepInterval.Duration,
	}, logger)

	deps.Monitor = telemetry.NewPerformanceMonitor(telemetry.MonitorConfig{
		Window:          cfg.Telemetry.Window,
		MinInterval:     cfg.Telemetry.MinInterval.Duration,
		MaxInterval:     cfg.Telemetry.MaxInterval.Duration,
		LowVolatility:   cfg.Telemetry.LowVolatility,
		HighVolatility:  cfg.Telemetry.HighVolatility,
		RejectionWindow: cfg.Telemetry.RejectionWindow.Duration,
	})

	// --- Exchanges ---
	venues, err := buildVenues(cfg, deps.Books, deps.Monitor, logger)
	if err != nil {
		return fail("exchanges", err)
	}
	deps.Venues = venues
	closers = append(closers, func() {
		if err := venues.Close(); err != nil {
			logger.Warn("close exchanges", slog.String("error", err.Error()))
		}
	})
	deps.Lookup = marketdata.NewLookup(deps.Books, venues, cfg.MarketData.RESTTimeout.Duration)

	// --- PostgreSQL, or in-memory stores ---
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
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		pool := pgClient.Pool()
		deps.PairStore = postgres.NewPairStore(pool)
		deps.TradeStore = postgres.NewTradeStore(pool)
		deps.TWAPStore = postgres.NewTWAPStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	} else {
		logger.Info("postgres disabled, using in-memory stores")
		deps.PairStore = memory.NewPairStore()
		deps.TradeStore = memory.NewTradeStore()
		deps.TWAPStore = memory.NewTWAPStore()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Prefix:     cfg.Redis.Prefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.BookMirror = redis.NewBookMirror(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         !strings.HasPrefix(cfg.S3.Endpoint, "http://"),
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.TradeStore, deps.TWAPStore)
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
	deps.Notifier = notify.NewNotifier(senders, domain.Severity(strings.ToLower(cfg.Notify.MinSeverity)), cfg.Notify.Rules, logger)

	return deps, cleanup, nil
}

// buildVenues registers the venue factories and builds every enabled venue.
// Monitor mode and venues without credentials run public-only.
func buildVenues(cfg *config.Config, sink exchange.BookSink, obs exchange.Observer, logger *slog.Logger) (*exchange.Registry, error) {
	reg := exchange.NewRegistry()
	reg.RegisterFactory(domain.VenueBybit, bybit.New)
	reg.RegisterFactory(domain.VenueBinance, binance.New)

	for _, v := range []struct {
		name string
		ex   config.ExchangeConfig
	}{
		{domain.VenueBybit, cfg.Bybit},
		{domain.VenueBinance, cfg.Binance},
	} {
		if !v.ex.Enabled {
			continue
		}
		s, err := venueSettings(v.name, v.ex, cfg.Trading(), obs, logger)
		if err != nil {
			_ = reg.Close()
			return nil, err
		}
		if _, err := reg.Build(v.name, s, sink, logger); err != nil {
			_ = reg.Close()
			return nil, err
		}
	}
	return reg, nil
}

func venueSettings(name string, ex config.ExchangeConfig, trading bool, obs exchange.Observer, logger *slog.Logger) (exchange.Settings, error) {
	backoff := exchange.DefaultBackoff()
	if ex.MaxReconnects > 0 {
		backoff.MaxAttempts = ex.MaxReconnects
	}
	s := exchange.Settings{
		RESTURL:           ex.RESTURL,
		WSURL:             ex.WSURL,
		RequestsPerMinute: ex.RequestsPerMinute,
		AcquireTimeout:    ex.AcquireTimeout.Duration,
		RequestTimeout:    ex.RequestTimeout.Duration,
		Backoff:           backoff,
		Heartbeat:         ex.Heartbeat.Duration,
		PongTimeout:       ex.PongTimeout.Duration,
		RecvWindow:        ex.RecvWindow,
		Observer:          obs,
	}
	if !trading {
		return s, nil
	}
	if !ex.HasCredentials() {
		logger.Warn("no API credentials, running public-only", slog.String("exchange", name))
		return s, nil
	}
	secret, err := crypto.LoadSecret(crypto.SecretSource{
		Plain:         ex.APISecret,
		EncryptedPath: ex.SecretFile,
		Password:      ex.SecretPassword,
	})
	if err != nil {
		return s, &domain.ConfigError{Venue: name, Field: "api_secret", Message: err.Error()}
	}
	s.Credentials = exchange.Credentials{APIKey: ex.APIKey, APISecret: secret}
	return s, nil
}

// seedPairs creates the configured pairs that do not exist yet.
func seedPairs(ctx context.Context, svc pairSeeder, pairs []config.PairConfig, logger *slog.Logger) error {
	for i, pc := range pairs {
		p, err := pairFromConfig(pc)
		if err != nil {
			return fmt.Errorf("pairs[%d]: %w", i, err)
		}
		if p.ID == "" {
			p.ID = domain.DefaultPairID(p.Leg1, p.Leg2)
		}
		if _, err := svc.Get(ctx, p.ID); err == nil {
			continue
		}
		if _, err := svc.Create(ctx, p); err != nil {
			return fmt.Errorf("pairs[%d] %s: %w", i, p.ID, err)
		}
		logger.InfoContext(ctx, "pair seeded", slog.String("pair_id", p.ID))
	}
	return nil
}

type pairSeeder interface {
	Get(ctx context.Context, id string) (domain.MonitoringPair, error)
	Create(ctx context.Context, p domain.MonitoringPair) (domain.MonitoringPair, error)
}

func pairFromConfig(pc config.PairConfig) (domain.MonitoringPair, error) {
	p := domain.MonitoringPair{
		ID:            pc.ID,
		Leg1:          legFromConfig(pc.Leg1),
		Leg2:          legFromConfig(pc.Leg2),
		Enabled:       pc.Enabled,
		ExecutionMode: domain.ExecutionMode(strings.ToLower(pc.ExecutionMode)),
		MaxExecs:      pc.MaxExecs,
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"threshold_pct", pc.ThresholdPct, &p.ThresholdPct},
		{"amount", pc.Amount, &p.Amount},
		{"qty", pc.Qty, &p.Qty},
	} {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return p, domain.NewValidationError(f.name, "must be a decimal")
		}
		*f.dst = d
	}
	return p, nil
}

func legFromConfig(l config.PairLegConfig) domain.PairLeg {
	it := domain.InstrumentType(strings.ToLower(l.InstrumentType))
	if it == "" {
		it = domain.InstrumentSpot
	}
	return domain.PairLeg{
		Exchange:       strings.ToLower(l.Exchange),
		Symbol:         strings.ToUpper(l.Symbol),
		InstrumentType: it,
		Side:           domain.Side(strings.ToLower(l.Side)),
	}
}
