package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/alanyoungcy/signalbot/internal/notify"
	"github.com/alanyoungcy/signalbot/internal/server"
	"github.com/alanyoungcy/signalbot/internal/server/handler"
	"github.com/alanyoungcy/signalbot/internal/server/ws"
	"github.com/alanyoungcy/signalbot/internal/service"
	"github.com/alanyoungcy/signalbot/internal/tracker"
)

const (
	leaderLockKey   = "signalbot:tracker"
	shutdownTimeout = 5 * time.Second
)

// trackerParts is the poll loop together with the goroutines it feeds.
type trackerParts struct {
	reconciler *tracker.Reconciler
	startup    *tracker.Startup
	worker     *service.LifecycleWorker
	dispatcher *notify.Dispatcher
}

// TrackerMode runs the poll loop and lifecycle worker. When the server is
// enabled it only exposes health and metrics.
func (a *App) TrackerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting tracker mode")

	g, ctx := errgroup.WithContext(ctx)

	parts, err := a.buildTracker(deps, nil)
	if err != nil {
		return fmt.Errorf("tracker mode: %w", err)
	}
	a.runTracker(ctx, g, deps, parts)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, server.Handlers{
			Health:  handler.NewHealthHandler(a.cfg.Mode, deps.healthChecks(), a.logger),
			Metrics: a.metricsHandler(deps),
		}, nil)
	}

	return g.Wait()
}

// ServerMode serves the HTTP API from the store. Live events reach websocket
// clients through the Redis bus, published by a tracker running elsewhere.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	hub := a.newHub(deps, deps.Bus != nil)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	a.startHTTPServer(ctx, g, deps, a.apiHandlers(deps, nil), hub)

	return g.Wait()
}

// FullMode runs the tracker and the HTTP API in one process. The worker
// broadcasts to the hub directly, so the hub does not relay the bus.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	var hub *ws.Hub
	if a.cfg.Server.Enabled {
		hub = a.newHub(deps, false)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	parts, err := a.buildTracker(deps, hub)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	a.runTracker(ctx, g, deps, parts)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, a.apiHandlers(deps, parts.reconciler), hub)
	}

	return g.Wait()
}

// SummaryMode builds one daily summary, archives it and asks the bot service
// to broadcast it, then returns. The day defaults to yesterday in UTC.
func (a *App) SummaryMode(ctx context.Context, deps *Dependencies) error {
	date := a.summaryDate
	if date.IsZero() {
		date = a.now().UTC().AddDate(0, 0, -1)
	}
	day := date.UTC().Format(time.DateOnly)
	a.logger.InfoContext(ctx, "app: starting summary mode", slog.String("date", day))

	if deps.Archiver != nil && !a.forceSummary {
		exists, err := deps.Archiver.SummaryExists(ctx, date)
		if err != nil {
			return fmt.Errorf("summary mode: %w", err)
		}
		if exists {
			a.logger.InfoContext(ctx, "app: summary already archived, skipping", slog.String("date", day))
			return nil
		}
	}

	summary, err := a.newSummaryService(deps).Publish(ctx, date)
	if err != nil {
		return fmt.Errorf("summary mode: %w", err)
	}
	a.logger.InfoContext(ctx, "app: summary published",
		slog.String("date", day),
		slog.Int("signals", len(summary.Signals)),
		slog.Float64("total_profit", summary.TotalProfit),
	)
	return nil
}

// buildTracker constructs the reconciler, worker and dispatcher. hub may be
// nil.
func (a *App) buildTracker(deps *Dependencies, hub *ws.Hub) (*trackerParts, error) {
	if deps.Exchange == nil {
		return nil, errors.New("exchange client not configured")
	}
	categories, err := a.cfg.Tracker.ParsedCategories()
	if err != nil {
		return nil, err
	}

	var bot notify.BotService
	if deps.Bot != nil {
		bot = deps.Bot
	}
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Timeout:    a.cfg.Bot.Timeout.Duration,
		DedupTTL:   a.cfg.Bot.DedupTTL.Duration,
		MinBalance: a.cfg.Bot.MinBalance,
	}, bot, deps.Recipients, deps.Operator, deps.Metrics, a.logger)

	workerDeps := service.WorkerDeps{
		Notifier: dispatcher,
		Bus:      deps.Bus,
		Metrics:  deps.Metrics,
	}
	if hub != nil {
		workerDeps.Hub = hub
	}
	if deps.Archiver != nil {
		workerDeps.Archiver = deps.Archiver
	}
	worker := service.NewLifecycleWorker(service.WorkerConfig{
		QueueSize:    a.cfg.Tracker.EventQueueSize,
		DrainTimeout: a.cfg.Tracker.DrainTimeout.Duration,
	}, deps.Signals, deps.Updates, workerDeps, a.logger)

	resolver := tracker.NewResolver(deps.Exchange,
		a.cfg.Tracker.FullCloseWindow, a.cfg.Tracker.PartialCloseWindow, a.logger)
	reconciler := tracker.NewReconciler(tracker.Config{
		Categories:   categories,
		PollInterval: a.cfg.Tracker.PollInterval.Duration,
	}, deps.Exchange, resolver, worker, worker.Bindings(), deps.Metrics, a.logger)

	return &trackerParts{
		reconciler: reconciler,
		startup:    tracker.NewStartup(deps.Signals, deps.Exchange, categories, a.logger),
		worker:     worker,
		dispatcher: dispatcher,
	}, nil
}

// runTracker adds the poll loop, lifecycle worker and archiver to g.
//
// Shutdown runs in dependency order: the poll loop stops first, then the
// worker drains what it queued, then in-flight notifications finish, and
// only then does the archiver make its final flush. The worker and archiver
// therefore run on contexts that are not cancelled with g.
func (a *App) runTracker(ctx context.Context, g *errgroup.Group, deps *Dependencies, parts *trackerParts) {
	workerCtx := context.WithoutCancel(ctx)
	archiveCtx, stopArchive := context.WithCancel(context.WithoutCancel(ctx))

	g.Go(func() error {
		defer parts.worker.Close()

		if a.cfg.Tracker.LeaderLock && deps.Locks != nil {
			unlock, err := a.acquireLeadership(ctx, deps.Locks)
			if err != nil {
				return err
			}
			defer unlock()
			g.Go(func() error {
				return a.keepLeadership(ctx, deps.Locks)
			})
		}

		if _, err := parts.startup.ReconcileUntilReady(ctx, parts.reconciler, a.cfg.Tracker.PollInterval.Duration); err != nil {
			return err
		}
		return parts.reconciler.Run(ctx)
	})

	g.Go(func() error {
		defer stopArchive()
		err := parts.worker.Run(workerCtx)

		waitCtx, cancel := context.WithTimeout(workerCtx, a.cfg.Tracker.DrainTimeout.Duration)
		defer cancel()
		parts.dispatcher.Wait(waitCtx)
		return err
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(archiveCtx, a.cfg.S3.FlushInterval.Duration)
		})
	}
}

// acquireLeadership blocks until this process holds the tracker lock.
func (a *App) acquireLeadership(ctx context.Context, locks domain.LockManager) (func(), error) {
	ttl := a.cfg.Tracker.LeaderLockTTL.Duration
	for {
		unlock, err := locks.Acquire(ctx, leaderLockKey, ttl)
		if err == nil {
			a.logger.InfoContext(ctx, "app: tracker leadership acquired", slog.Duration("ttl", ttl))
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			a.logger.WarnContext(ctx, "app: leader lock unavailable", slog.Any("error", err))
		} else {
			a.logger.DebugContext(ctx, "app: waiting for tracker leadership")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ttl / 3):
		}
	}
}

// keepLeadership refreshes the tracker lock until ctx is done. Losing the
// lock stops the process so that two poll loops never run at once.
func (a *App) keepLeadership(ctx context.Context, locks domain.LockManager) error {
	ttl := a.cfg.Tracker.LeaderLockTTL.Duration
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := locks.Refresh(ctx, leaderLockKey, ttl); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("tracker: leadership lost: %w", err)
			}
		}
	}
}

func (a *App) newHub(deps *Dependencies, subscribe bool) *ws.Hub {
	return ws.NewHub(ws.Config{
		Mode:      a.cfg.Mode,
		Channels:  []string{service.LifecycleChannel},
		Bus:       deps.Bus,
		Stream:    service.LifecycleStream,
		Subscribe: subscribe,
	}, a.logger)
}

func (a *App) newSummaryService(deps *Dependencies) *service.SummaryService {
	var archive service.SummaryArchiver
	if deps.Archiver != nil {
		archive = deps.Archiver
	}
	var broadcaster service.SummaryBroadcaster
	if deps.Bot != nil {
		broadcaster = deps.Bot
	}
	return service.NewSummaryService(deps.Signals, archive, broadcaster, a.logger)
}

func (a *App) metricsHandler(deps *Dependencies) http.Handler {
	if !a.cfg.Metrics.Enabled {
		return nil
	}
	return deps.Metrics.Handler()
}

// apiHandlers builds the REST handlers. rec is nil when no poll loop runs in
// this process, which leaves the tracker routes unregistered.
func (a *App) apiHandlers(deps *Dependencies, rec *tracker.Reconciler) server.Handlers {
	h := server.Handlers{
		Health:  handler.NewHealthHandler(a.cfg.Mode, deps.healthChecks(), a.logger),
		Signals: handler.NewSignalHandler(deps.Signals, deps.Updates, deps.Recipients, a.logger),
		Summary: handler.NewSummaryHandler(a.newSummaryService(deps), a.logger),
		Metrics: a.metricsHandler(deps),
	}
	if rec != nil {
		h.Tracker = handler.NewTrackerHandler(rec, deps.Signals, a.logger)
	}
	if deps.Exchange != nil {
		h.Exchange = handler.NewExchangeHandler(deps.Exchange, a.logger)
	}
	return h
}

// startHTTPServer adds the HTTP server and its shutdown to g. hub may be nil.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, handlers server.Handlers, hub *ws.Hub) {
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		MetricsPath: a.cfg.Metrics.Path,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.Limiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
