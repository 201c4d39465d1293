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
// built-in defaults, applies environment variable overrides, and returns the
// final Config. An empty path uses the defaults alone. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known XARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). The bare BYBIT_* and BINANCE_* credential names are honoured too;
// the XARB_ forms win when both are set.
func applyEnvOverrides(cfg *Config) {
	// ── Exchanges ──
	setStr(&cfg.Bybit.APIKey, "BYBIT_API_KEY")
	setStr(&cfg.Bybit.APISecret, "BYBIT_SECRET")
	setStr(&cfg.Binance.APIKey, "BINANCE_API_KEY")
	setStr(&cfg.Binance.APISecret, "BINANCE_SECRET")
	for prefix, ex := range map[string]*ExchangeConfig{"XARB_BYBIT_": &cfg.Bybit, "XARB_BINANCE_": &cfg.Binance} {
		setBool(&ex.Enabled, prefix+"ENABLED")
		setStr(&ex.APIKey, prefix+"API_KEY")
		setStr(&ex.APISecret, prefix+"API_SECRET")
		setStr(&ex.SecretFile, prefix+"SECRET_FILE")
		setStr(&ex.SecretPassword, prefix+"SECRET_PASSWORD")
		setStr(&ex.RESTURL, prefix+"REST_URL")
		setStr(&ex.WSURL, prefix+"WS_URL")
		setInt(&ex.RequestsPerMinute, prefix+"REQUESTS_PER_MINUTE")
	}

	// ── Engine / risk ──
	setBool(&cfg.Engine.AutoStart, "XARB_ENGINE_AUTO_START")
	setBool(&cfg.Engine.AutoExecute, "XARB_ENGINE_AUTO_EXECUTE")
	setBool(&cfg.MarketData.RESTFallback, "XARB_MARKET_DATA_REST_FALLBACK")
	setDuration(&cfg.MarketData.CacheTTL, "XARB_MARKET_DATA_CACHE_TTL")
	setFloat64(&cfg.Risk.MaxPositionSize, "XARB_RISK_MAX_POSITION_SIZE")
	setFloat64(&cfg.Risk.MaxDeviationPct, "XARB_RISK_MAX_DEVIATION_PCT")
	setFloat64(&cfg.Risk.MaxDailyLoss, "XARB_RISK_MAX_DAILY_LOSS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "XARB_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.DSN, "XARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "XARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "XARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "XARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "XARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "XARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "XARB_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "XARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "XARB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "XARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "XARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "XARB_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "XARB_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Prefix, "XARB_REDIS_PREFIX")
	setBool(&cfg.Redis.ForwardEvents, "XARB_REDIS_FORWARD_EVENTS")

	// ── S3 / archive ──
	setBool(&cfg.S3.Enabled, "XARB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "XARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "XARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "XARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "XARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "XARB_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "XARB_S3_FORCE_PATH_STYLE")
	setBool(&cfg.Archive.Enabled, "XARB_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "XARB_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Retention, "XARB_ARCHIVE_RETENTION")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "XARB_SERVER_ENABLED")
	setStr(&cfg.Server.Host, "XARB_SERVER_HOST")
	setInt(&cfg.Server.Port, "XARB_SERVER_PORT")
	setInt(&cfg.Server.Port, "XARB_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "XARB_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "XARB_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "XARB_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "XARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "XARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "XARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.MinSeverity, "XARB_NOTIFY_MIN_SEVERITY")
	setStringSlice(&cfg.Notify.Rules, "XARB_NOTIFY_RULES")

	// ── Top-level ──
	setStr(&cfg.Mode, "XARB_MODE")
	setStr(&cfg.LogLevel, "XARB_LOG_LEVEL")
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
