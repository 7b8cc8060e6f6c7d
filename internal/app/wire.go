package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/signalbot/internal/blob/s3"
	"github.com/alanyoungcy/signalbot/internal/cache/redis"
	"github.com/alanyoungcy/signalbot/internal/config"
	"github.com/alanyoungcy/signalbot/internal/crypto"
	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/alanyoungcy/signalbot/internal/metrics"
	"github.com/alanyoungcy/signalbot/internal/notify"
	"github.com/alanyoungcy/signalbot/internal/platform/bybit"
	"github.com/alanyoungcy/signalbot/internal/server/handler"
	"github.com/alanyoungcy/signalbot/internal/store/postgres"
)

// Dependencies bundles every concrete dependency the application modes need.
// Optional backends (Redis, S3, the exchange client, the bot service) are nil
// when not configured. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	Postgres   *postgres.Client
	Signals    *postgres.SignalStore
	Updates    *postgres.PositionUpdateStore
	Recipients *postgres.RecipientStore

	// Redis
	Redis   *redis.Client
	Bus     domain.EventBus
	Locks   domain.LockManager
	Limiter domain.RateLimiter

	// Blob storage
	S3       *s3blob.Client
	Archiver *s3blob.Archiver

	// Exchange
	Exchange *bybit.Client

	// Notifications
	Bot      *notify.BotClient
	Operator *notify.Notifier

	Metrics *metrics.Collector
}

// needsExchange returns true for modes that talk to Bybit. Server mode gets a
// client only when credentials are present, for the account routes.
func needsExchange(cfg *config.Config) bool {
	return cfg.RunsTracker() || cfg.Bybit.APIKey != ""
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

	// Collectors are always registered; metrics.enabled only controls
	// whether the endpoint is mounted.
	deps := &Dependencies{Metrics: metrics.New()}

	// --- PostgreSQL (every mode reads or writes signals) ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Postgres = pgClient
	deps.Signals = postgres.NewSignalStore(pool)
	deps.Updates = postgres.NewPositionUpdateStore(pool)
	deps.Recipients = postgres.NewRecipientStore(pool)

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			DialTimeout: cfg.Redis.DialTimeout.Duration,
			TLSEnabled:  cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.Bus = redis.NewEventBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient)
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.S3 = s3Client
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), logger)
	}

	// --- Bybit ---
	if needsExchange(cfg) {
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			RawSecret:     cfg.Bybit.APISecret,
			EncryptedPath: cfg.Bybit.EncryptedSecretPath,
			Password:      cfg.Bybit.SecretPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: bybit secret: %w", err)
		}
		bcfg := bybit.Config{
			BaseURL: cfg.Bybit.Endpoint(),
			Auth: &crypto.HMACAuth{
				Key:        cfg.Bybit.APIKey,
				Secret:     secret,
				RecvWindow: cfg.Bybit.RecvWindow,
			},
			SettleCoin: cfg.Bybit.SettleCoin,
			Timeout:    cfg.Bybit.Timeout.Duration,
			Logger:     logger,
			Observer:   deps.Metrics,
		}
		deps.Exchange = bybit.NewClient(bcfg)
	}

	// --- Notifications ---
	if cfg.Bot.ServiceURL != "" {
		deps.Bot = notify.NewBotClient(cfg.Bot.ServiceURL, cfg.Bot.APIKey, cfg.Bot.Timeout.Duration)
	}

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
	deps.Operator = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// healthChecks lists a readiness check per wired backend.
func (d *Dependencies) healthChecks() map[string]handler.Check {
	checks := map[string]handler.Check{
		"postgres": d.Postgres.Ping,
	}
	if d.Redis != nil {
		checks["redis"] = d.Redis.Ping
	}
	if d.S3 != nil {
		checks["s3"] = d.S3.Health
	}
	return checks
}
