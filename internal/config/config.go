// Package config defines the top-level configuration for xarb and provides
// validation helpers.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by XARB_* environment variables.
type Config struct {
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
	Bybit      ExchangeConfig   `toml:"bybit"`
	Binance    ExchangeConfig   `toml:"binance"`
	MarketData MarketDataConfig `toml:"market_data"`
	Engine     EngineConfig     `toml:"engine"`
	Risk       RiskConfig       `toml:"risk"`
	Execution  ExecutionConfig  `toml:"execution"`
	TWAP       TWAPConfig       `toml:"twap"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Pairs      []PairConfig     `toml:"pairs"`
}

// ExchangeConfig holds one venue's credentials and connection knobs. The
// secret may come from SecretFile, a PBKDF2-sealed file opened with
// SecretPassword, instead of APISecret.
type ExchangeConfig struct {
	Enabled           bool     `toml:"enabled"`
	APIKey            string   `toml:"api_key"`
	APISecret         string   `toml:"api_secret"`
	SecretFile        string   `toml:"secret_file"`
	SecretPassword    string   `toml:"secret_password"`
	RESTURL           string   `toml:"rest_url"`
	WSURL             string   `toml:"ws_url"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	RecvWindow        int      `toml:"recv_window"`
	RequestTimeout    duration `toml:"request_timeout"`
	AcquireTimeout    duration `toml:"acquire_timeout"`
	Heartbeat         duration `toml:"heartbeat"`
	PongTimeout       duration `toml:"pong_timeout"`
	MaxReconnects     int      `toml:"max_reconnects"`
}

// HasCredentials reports whether an API key and some secret source are set.
func (e ExchangeConfig) HasCredentials() bool {
	return e.APIKey != "" && (e.APISecret != "" || e.SecretFile != "")
}

// MarketDataConfig tunes the top-of-book cache.
type MarketDataConfig struct {
	CacheTTL      duration `toml:"cache_ttl"`
	SweepInterval duration `toml:"sweep_interval"`
	RESTFallback  bool     `toml:"rest_fallback"`
	RESTTimeout   duration `toml:"rest_timeout"`
	// MirrorTTL is how long books mirrored to Redis live. Zero disables the
	// mirror.
	MirrorTTL duration `toml:"mirror_ttl"`
}

// EngineConfig tunes the detector and auto-execution.
type EngineConfig struct {
	AutoStart   bool     `toml:"auto_start"`
	AutoExecute bool     `toml:"auto_execute"`
	Reconcile   duration `toml:"reconcile"`
	Buffer      int      `toml:"buffer"`
	Recent      int      `toml:"recent"`
}

// RiskConfig holds pre-trade limits. Zero disables a check.
type RiskConfig struct {
	MaxPositionSize float64  `toml:"max_position_size"`
	MaxDeviationPct float64  `toml:"max_deviation_pct"`
	MaxDailyLoss    float64  `toml:"max_daily_loss"`
	LossBufferPct   float64  `toml:"loss_buffer_pct"`
	LockTTL         duration `toml:"lock_ttl"`
}

// ExecutionConfig tunes the dual-leg coordinator.
type ExecutionConfig struct {
	MaxStaleness   duration `toml:"max_staleness"`
	LegTimeout     duration `toml:"leg_timeout"`
	ReconcileDelay duration `toml:"reconcile_delay"`
	DedupTTL       duration `toml:"dedup_ttl"`
	// BreakerThreshold disables a pair after that many consecutive failed
	// trades. Zero disables the breaker.
	BreakerThreshold int `toml:"breaker_threshold"`
}

// TWAPConfig tunes the scheduler.
type TWAPConfig struct {
	MaxConsecutiveFailures int `toml:"max_consecutive_failures"`
}

// TelemetryConfig tunes the performance monitor and alert rules.
type TelemetryConfig struct {
	Window          int      `toml:"window"`
	MinInterval     duration `toml:"min_interval"`
	MaxInterval     duration `toml:"max_interval"`
	LowVolatility   float64  `toml:"low_volatility"`
	HighVolatility  float64  `toml:"high_volatility"`
	RejectionWindow duration `toml:"rejection_window"`
	AlertInterval   duration `toml:"alert_interval"`
	AlertCooldown   duration `toml:"alert_cooldown"`
	AlertHistory    int      `toml:"alert_history"`
	MaxAvgLatency   duration `toml:"max_avg_latency"`
	MinSuccessRate  float64  `toml:"min_success_rate"`
	MaxRejections   int      `toml:"max_rejections"`
}

// PostgresConfig holds PostgreSQL connection parameters. When disabled the
// stores are kept in memory.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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
}

// RedisConfig holds Redis connection parameters. Redis backs the API rate
// limiter, pair locks, event forwarding and the book mirror.
type RedisConfig struct {
	Enabled       bool   `toml:"enabled"`
	Addr          string `toml:"addr"`
	Password      string `toml:"password"`
	DB            int    `toml:"db"`
	PoolSize      int    `toml:"pool_size"`
	MaxRetries    int    `toml:"max_retries"`
	TLSEnabled    bool   `toml:"tls_enabled"`
	Prefix        string `toml:"prefix"`
	ForwardEvents bool   `toml:"forward_events"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules the trade archiver.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	Retention duration `toml:"retention"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	MinSeverity       string   `toml:"min_severity"`
	Rules             []string `toml:"rules"`
}

// PairConfig seeds a monitoring pair at startup. Pairs that already exist
// are left alone.
type PairConfig struct {
	ID            string        `toml:"id"`
	Leg1          PairLegConfig `toml:"leg1"`
	Leg2          PairLegConfig `toml:"leg2"`
	ThresholdPct  string        `toml:"threshold_pct"`
	Amount        string        `toml:"amount"`
	Qty           string        `toml:"qty"`
	Enabled       bool          `toml:"enabled"`
	ExecutionMode string        `toml:"execution_mode"`
	MaxExecs      int           `toml:"max_execs"`
}

// PairLegConfig is one leg of a seeded pair.
type PairLegConfig struct {
	Exchange       string `toml:"exchange"`
	Symbol         string `toml:"symbol"`
	InstrumentType string `toml:"instrument_type"`
	Side           string `toml:"side"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	exchange := func() ExchangeConfig {
		return ExchangeConfig{
			Enabled:           true,
			RequestsPerMinute: 600,
			RecvWindow:        5000,
			RequestTimeout:    duration{10 * time.Second},
			AcquireTimeout:    duration{2 * time.Second},
			Heartbeat:         duration{20 * time.Second},
			PongTimeout:       duration{10 * time.Second},
			MaxReconnects:     10,
		}
	}
	return Config{
		Mode:     "monitor",
		LogLevel: "info",
		Bybit:    exchange(),
		Binance:  exchange(),
		MarketData: MarketDataConfig{
			CacheTTL:      duration{1500 * time.Millisecond},
			SweepInterval: duration{5 * time.Second},
			RESTFallback:  true,
			RESTTimeout:   duration{3 * time.Second},
		},
		Engine: EngineConfig{
			AutoStart:   true,
			AutoExecute: true,
			Reconcile:   duration{2 * time.Second},
			Buffer:      256,
			Recent:      50,
		},
		Risk: RiskConfig{
			MaxPositionSize: 10000,
			MaxDeviationPct: 0.5,
			MaxDailyLoss:    500,
			LossBufferPct:   1,
			LockTTL:         duration{30 * time.Second},
		},
		Execution: ExecutionConfig{
			MaxStaleness:     duration{500 * time.Millisecond},
			LegTimeout:       duration{5 * time.Second},
			ReconcileDelay:   duration{2 * time.Second},
			DedupTTL:         duration{10 * time.Minute},
			BreakerThreshold: 3,
		},
		TWAP: TWAPConfig{
			MaxConsecutiveFailures: 3,
		},
		Telemetry: TelemetryConfig{
			Window:          100,
			MinInterval:     duration{500 * time.Millisecond},
			MaxInterval:     duration{time.Second},
			LowVolatility:   0.0001,
			HighVolatility:  0.001,
			RejectionWindow: duration{5 * time.Minute},
			AlertInterval:   duration{30 * time.Second},
			AlertCooldown:   duration{5 * time.Minute},
			AlertHistory:    100,
			MaxAvgLatency:   duration{time.Second},
			MinSuccessRate:  0.95,
			MaxRejections:   10,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "xarb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Prefix:     "xarb",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "xarb-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:  duration{24 * time.Hour},
			Retention: duration{30 * 24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			MinSeverity: "warning",
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor":   true,
	"arbitrage": true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Trading reports whether the mode places orders.
func (c *Config) Trading() bool {
	m := strings.ToLower(c.Mode)
	return m == "arbitrage" || m == "full"
}

// Validate checks Config for invalid or missing values and returns every
// problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: monitor, arbitrage, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	for name, ex := range map[string]ExchangeConfig{"bybit": c.Bybit, "binance": c.Binance} {
		if !ex.Enabled {
			continue
		}
		if ex.APIKey != "" && ex.APISecret == "" && ex.SecretFile == "" {
			add("%s: api_secret or secret_file is required when api_key is set", name)
		}
		if ex.APIKey == "" && (ex.APISecret != "" || ex.SecretFile != "") {
			add("%s: api_key is required when a secret is set", name)
		}
		if ex.SecretFile != "" && ex.SecretPassword == "" {
			add("%s: secret_password is required when secret_file is set", name)
		}
		if ex.RequestsPerMinute <= 0 {
			add("%s: requests_per_minute must be > 0", name)
		}
	}
	if !c.Bybit.Enabled && !c.Binance.Enabled {
		add("at least one of bybit or binance must be enabled")
	}

	if c.MarketData.CacheTTL.Duration <= 0 {
		add("market_data: cache_ttl must be > 0")
	}
	if c.MarketData.MirrorTTL.Duration > 0 && !c.Redis.Enabled {
		add("market_data: mirror_ttl requires redis.enabled")
	}

	if c.Risk.MaxPositionSize < 0 || c.Risk.MaxDeviationPct < 0 || c.Risk.MaxDailyLoss < 0 || c.Risk.LossBufferPct < 0 {
		add("risk: limits must not be negative")
	}
	if c.Execution.LegTimeout.Duration <= 0 {
		add("execution: leg_timeout must be > 0")
	}
	if c.Execution.BreakerThreshold < 0 {
		add("execution: breaker_threshold must be >= 0")
	}

	if c.Telemetry.MinInterval.Duration > c.Telemetry.MaxInterval.Duration {
		add("telemetry: min_interval must not exceed max_interval")
	}
	if c.Telemetry.MinSuccessRate < 0 || c.Telemetry.MinSuccessRate > 1 {
		add("telemetry: min_success_rate must be within [0, 1]")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be within [0, pool_max_conns]")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
	}
	if c.Archive.Enabled {
		if !c.S3.Enabled {
			add("archive: requires s3.enabled")
		}
		if c.Archive.Retention.Duration <= 0 {
			add("archive: retention must be > 0")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit < 0 {
			add("server: rate_limit must be >= 0")
		}
	}

	switch strings.ToLower(c.Notify.MinSeverity) {
	case "", "info", "warning", "critical":
	default:
		add("notify: min_severity must be info, warning or critical")
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	for i, p := range c.Pairs {
		if p.Leg1.Exchange == "" || p.Leg2.Exchange == "" || p.Leg1.Symbol == "" || p.Leg2.Symbol == "" {
			add("pairs[%d]: both legs need exchange and symbol", i)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config validation failed:\n%w", err)
	}
	return nil
}
