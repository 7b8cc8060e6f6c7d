package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "SIGNALBOT_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SIGNALBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg, os.Getenv)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SIGNALBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	e := envReader{getenv: getenv}

	// ── Bybit ──
	e.str(&cfg.Bybit.BaseURL, "BYBIT_BASE_URL")
	e.boolean(&cfg.Bybit.Testnet, "BYBIT_TESTNET")
	e.str(&cfg.Bybit.APIKey, "BYBIT_API_KEY")
	e.str(&cfg.Bybit.APISecret, "BYBIT_API_SECRET")
	e.str(&cfg.Bybit.EncryptedSecretPath, "BYBIT_ENCRYPTED_SECRET_PATH")
	e.str(&cfg.Bybit.SecretPassword, "BYBIT_SECRET_PASSWORD")
	e.integer(&cfg.Bybit.RecvWindow, "BYBIT_RECV_WINDOW")
	e.dur(&cfg.Bybit.Timeout, "BYBIT_TIMEOUT")
	e.str(&cfg.Bybit.SettleCoin, "BYBIT_SETTLE_COIN")

	// ── Tracker ──
	e.dur(&cfg.Tracker.PollInterval, "TRACKER_POLL_INTERVAL")
	e.list(&cfg.Tracker.Categories, "TRACKER_CATEGORIES")
	e.integer(&cfg.Tracker.FullCloseWindow, "TRACKER_FULL_CLOSE_WINDOW")
	e.integer(&cfg.Tracker.PartialCloseWindow, "TRACKER_PARTIAL_CLOSE_WINDOW")
	e.integer(&cfg.Tracker.EventQueueSize, "TRACKER_EVENT_QUEUE_SIZE")
	e.dur(&cfg.Tracker.DrainTimeout, "TRACKER_DRAIN_TIMEOUT")
	e.boolean(&cfg.Tracker.LeaderLock, "TRACKER_LEADER_LOCK")
	e.dur(&cfg.Tracker.LeaderLockTTL, "TRACKER_LEADER_LOCK_TTL")

	// ── Database ──
	e.str(&cfg.Database.DSN, "DATABASE_DSN")
	e.str(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	e.str(&cfg.Database.Host, "DATABASE_HOST")
	e.integer(&cfg.Database.Port, "DATABASE_PORT")
	e.str(&cfg.Database.Database, "DATABASE_NAME")
	e.str(&cfg.Database.User, "DATABASE_USER")
	e.str(&cfg.Database.Password, "DATABASE_PASSWORD")
	e.str(&cfg.Database.SSLMode, "DATABASE_SSL_MODE")
	e.integer(&cfg.Database.PoolMaxConns, "DATABASE_POOL_MAX_CONNS")
	e.integer(&cfg.Database.PoolMinConns, "DATABASE_POOL_MIN_CONNS")
	e.boolean(&cfg.Database.RunMigrations, "DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	e.boolean(&cfg.Redis.Enabled, "REDIS_ENABLED")
	e.str(&cfg.Redis.Addr, "REDIS_ADDR")
	e.str(&cfg.Redis.Password, "REDIS_PASSWORD")
	e.integer(&cfg.Redis.DB, "REDIS_DB")
	e.integer(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	e.integer(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	e.boolean(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	e.int64(&cfg.Redis.StreamMaxLen, "REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	e.boolean(&cfg.S3.Enabled, "S3_ENABLED")
	e.str(&cfg.S3.Endpoint, "S3_ENDPOINT")
	e.str(&cfg.S3.Region, "S3_REGION")
	e.str(&cfg.S3.Bucket, "S3_BUCKET")
	e.str(&cfg.S3.Prefix, "S3_PREFIX")
	e.str(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	e.str(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	e.boolean(&cfg.S3.UseSSL, "S3_USE_SSL")
	e.boolean(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")
	e.dur(&cfg.S3.FlushInterval, "S3_FLUSH_INTERVAL")

	// ── Bot service ──
	e.str(&cfg.Bot.ServiceURL, "BOT_SERVICE_URL")
	e.str(&cfg.Bot.APIKey, "BOT_API_KEY")
	e.dur(&cfg.Bot.Timeout, "BOT_TIMEOUT")
	e.integer(&cfg.Bot.MinBalance, "BOT_MIN_BALANCE")

	// ── Notify ──
	e.str(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	e.str(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	e.str(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	e.list(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// ── Server ──
	e.boolean(&cfg.Server.Enabled, "SERVER_ENABLED")
	e.integer(&cfg.Server.Port, "SERVER_PORT")
	e.str(&cfg.Server.APIKey, "SERVER_API_KEY")
	e.list(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	e.integer(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")

	// ── Metrics ──
	e.boolean(&cfg.Metrics.Enabled, "METRICS_ENABLED")
	e.str(&cfg.Metrics.Path, "METRICS_PATH")

	// ── Top-level ──
	e.str(&cfg.Mode, "MODE")
	e.str(&cfg.LogLevel, "LOG_LEVEL")
}

// envReader applies typed overrides. Each setter only mutates the target
// when the prefixed variable is present, non-empty and parses.
type envReader struct {
	getenv func(string) string
}

func (e envReader) get(key string) string {
	return strings.TrimSpace(e.getenv(envPrefix + key))
}

func (e envReader) str(dst *string, key string) {
	if v := e.get(key); v != "" {
		*dst = v
	}
}

func (e envReader) integer(dst *int, key string) {
	if v := e.get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (e envReader) int64(dst *int64, key string) {
	if v := e.get(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func (e envReader) boolean(dst *bool, key string) {
	if v := e.get(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func (e envReader) dur(dst *duration, key string) {
	if v := e.get(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func (e envReader) list(dst *[]string, key string) {
	v := e.get(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
