// Package config defines the top-level configuration for signalbot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

const (
	bybitMainnet = "https://api.bybit.com"
	bybitTestnet = "https://api-testnet.bybit.com"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SIGNALBOT_* environment variables.
type Config struct {
	Bybit    BybitConfig    `toml:"bybit"`
	Tracker  TrackerConfig  `toml:"tracker"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Bot      BotConfig      `toml:"bot"`
	Notify   NotifyConfig   `toml:"notify"`
	Server   ServerConfig   `toml:"server"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// BybitConfig holds the exchange endpoint and API credentials. The secret is
// either given in clear or read from a file produced by crypto.EncryptSecret.
type BybitConfig struct {
	BaseURL             string   `toml:"base_url"`
	Testnet             bool     `toml:"testnet"`
	APIKey              string   `toml:"api_key"`
	APISecret           string   `toml:"api_secret"`
	EncryptedSecretPath string   `toml:"encrypted_secret_path"`
	SecretPassword      string   `toml:"secret_password"`
	RecvWindow          int      `toml:"recv_window"`
	Timeout             duration `toml:"timeout"`
	SettleCoin          string   `toml:"settle_coin"`
}

// Endpoint returns BaseURL, or the mainnet/testnet default when unset.
func (b BybitConfig) Endpoint() string {
	if strings.TrimSpace(b.BaseURL) != "" {
		return strings.TrimRight(b.BaseURL, "/")
	}
	if b.Testnet {
		return bybitTestnet
	}
	return bybitMainnet
}

// TrackerConfig controls the poll loop and the lifecycle worker.
type TrackerConfig struct {
	PollInterval       duration `toml:"poll_interval"`
	Categories         []string `toml:"categories"`
	FullCloseWindow    int      `toml:"full_close_window"`
	PartialCloseWindow int      `toml:"partial_close_window"`
	EventQueueSize     int      `toml:"event_queue_size"`
	DrainTimeout       duration `toml:"drain_timeout"`
	// LeaderLock keeps a single poll loop running across replicas. It
	// requires redis.enabled.
	LeaderLock    bool     `toml:"leader_lock"`
	LeaderLockTTL duration `toml:"leader_lock_ttl"`
}

// ParsedCategories returns Categories as domain values, in order.
func (t TrackerConfig) ParsedCategories() ([]domain.Category, error) {
	out := make([]domain.Category, 0, len(t.Categories))
	for _, c := range t.Categories {
		cat, err := domain.ParseCategory(c)
		if err != nil {
			return nil, err
		}
		out = append(out, cat)
	}
	return out, nil
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	DialTimeout  duration `toml:"dial_timeout"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for the archive.
type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	Prefix         string   `toml:"prefix"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	FlushInterval  duration `toml:"flush_interval"`
}

// BotConfig points at the subscriber-facing bot service.
type BotConfig struct {
	ServiceURL string   `toml:"service_url"`
	APIKey     string   `toml:"api_key"`
	Timeout    duration `toml:"timeout"`
	MinBalance int      `toml:"min_balance"`
	DedupTTL   duration `toml:"dedup_ttl"`
}

// NotifyConfig holds operator alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// MetricsConfig controls the Prometheus endpoint on the HTTP server.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
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
	return Config{
		Bybit: BybitConfig{
			RecvWindow: 5000,
			Timeout:    duration{10 * time.Second},
			SettleCoin: "USDT",
		},
		Tracker: TrackerConfig{
			PollInterval:       duration{5 * time.Second},
			Categories:         []string{"linear", "spot"},
			FullCloseWindow:    20,
			PartialCloseWindow: 10,
			EventQueueSize:     256,
			DrainTimeout:       duration{10 * time.Second},
			LeaderLockTTL:      duration{30 * time.Second},
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "signalbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			DialTimeout:  duration{5 * time.Second},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "signalbot-archive",
			ForcePathStyle: true,
			FlushInterval:  duration{5 * time.Minute},
		},
		Bot: BotConfig{
			Timeout:    duration{10 * time.Second},
			MinBalance: 1,
			DedupTTL:   duration{time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{
				string(domain.ActionOpen),
				string(domain.ActionIncrease),
				string(domain.ActionPartialClose),
				string(domain.ActionClose),
			},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateWindow:  duration{time.Minute},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"tracker": true,
	"server":  true,
	"full":    true,
	"summary": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RunsTracker reports whether the mode runs the poll loop.
func (c *Config) RunsTracker() bool {
	m := strings.ToLower(c.Mode)
	return m == "tracker" || m == "full"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: tracker, server, full, summary)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Bybit credentials are needed by the poll loop and the exchange proxy.
	if c.RunsTracker() {
		if c.Bybit.APIKey == "" {
			errs = append(errs, "bybit: api_key is required for mode "+c.Mode)
		}
		if c.Bybit.APISecret == "" && c.Bybit.EncryptedSecretPath == "" {
			errs = append(errs, "bybit: either api_secret or encrypted_secret_path must be set for mode "+c.Mode)
		}
	}
	if c.Bybit.EncryptedSecretPath != "" && c.Bybit.SecretPassword == "" {
		errs = append(errs, "bybit: secret_password is required when encrypted_secret_path is set")
	}
	if c.Bybit.RecvWindow <= 0 {
		errs = append(errs, "bybit: recv_window must be > 0")
	}

	// Tracker
	if c.Tracker.PollInterval.Duration < 100*time.Millisecond {
		errs = append(errs, fmt.Sprintf("tracker: poll_interval must be >= 100ms, got %s", c.Tracker.PollInterval.Duration))
	}
	if len(c.Tracker.Categories) == 0 {
		errs = append(errs, "tracker: categories must not be empty")
	} else if cats, err := c.Tracker.ParsedCategories(); err != nil {
		errs = append(errs, "tracker: "+err.Error())
	} else if dup := firstDuplicate(cats); dup != "" {
		errs = append(errs, fmt.Sprintf("tracker: category %q listed twice", dup))
	}
	if c.Tracker.FullCloseWindow < 1 || c.Tracker.PartialCloseWindow < 1 {
		errs = append(errs, "tracker: full_close_window and partial_close_window must be >= 1")
	}
	if c.Tracker.EventQueueSize < 1 {
		errs = append(errs, "tracker: event_queue_size must be >= 1")
	}
	if c.Tracker.LeaderLock {
		if !c.Redis.Enabled {
			errs = append(errs, "tracker: leader_lock requires redis.enabled")
		}
		if c.Tracker.LeaderLockTTL.Duration < time.Second {
			errs = append(errs, "tracker: leader_lock_ttl must be >= 1s")
		}
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 || c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.FlushInterval.Duration <= 0 {
			errs = append(errs, "s3: flush_interval must be > 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && !c.Redis.Enabled {
			errs = append(errs, "server: rate_limit requires redis.enabled")
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, "metrics: path must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func firstDuplicate(cats []domain.Category) string {
	seen := make(map[domain.Category]bool, len(cats))
	for _, c := range cats {
		if seen[c] {
			return string(c)
		}
		seen[c] = true
	}
	return ""
}
