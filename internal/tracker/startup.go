package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// OpenSignalSource lists signals that have not completed.
type OpenSignalSource interface {
	GetOpenSignals(ctx context.Context) ([]domain.Signal, error)
}

// StartupReport summarizes a startup reconciliation.
type StartupReport struct {
	Matched   []domain.TrackedPosition
	Unmatched []domain.Signal
	Orphans   []domain.Position
}

// Startup matches not-yet-completed signals against a fresh live snapshot
// and seeds the reconciler from the exchange side.
type Startup struct {
	signals    OpenSignalSource
	exchange   Exchange
	categories []domain.Category
	attempts   int
	backoff    time.Duration
	logger     *slog.Logger
}

// NewStartup creates a Startup reconciler for the given categories.
func NewStartup(signals OpenSignalSource, exchange Exchange, categories []domain.Category, logger *slog.Logger) *Startup {
	return &Startup{
		signals:    signals,
		exchange:   exchange,
		categories: categories,
		attempts:   3,
		backoff:    2 * time.Second,
		logger:     logger.With(slog.String("component", "startup")),
	}
}

// Reconcile seeds rec. Every category must be fetched successfully, since a
// missing snapshot would turn each of its open signals into a spurious new
// open on the first poll; fetches are retried a few times before giving up.
// Signals without a live position and live positions without a signal are
// logged and otherwise left alone.
func (s *Startup) Reconcile(ctx context.Context, rec *Reconciler) (StartupReport, error) {
	var report StartupReport

	open, err := s.signals.GetOpenSignals(ctx)
	if err != nil {
		return report, fmt.Errorf("startup: load open signals: %w", err)
	}

	live, err := s.snapshot(ctx)
	if err != nil {
		return report, err
	}

	bound := make(map[domain.PositionKey]domain.Signal, len(open))
	for _, sig := range open {
		key := sig.Key()
		if prev, dup := bound[key]; dup {
			keep, drop := prev, sig
			if sig.SignalNumber > prev.SignalNumber {
				keep, drop = sig, prev
			}
			s.logger.WarnContext(ctx, "startup: duplicate open signals for one key, keeping newest",
				slog.String("key", key.String()),
				slog.Int64("kept_signal_id", keep.ID),
				slog.Int64("ignored_signal_id", drop.ID),
			)
			report.Unmatched = append(report.Unmatched, drop)
			bound[key] = keep
			continue
		}
		bound[key] = sig
	}

	for key, sig := range bound {
		p, ok := live[key]
		if !ok {
			s.logger.WarnContext(ctx, "startup: open signal has no live position, left untracked",
				slog.String("key", key.String()),
				slog.Int64("signal_id", sig.ID),
				slog.Int64("signal_number", sig.SignalNumber),
			)
			report.Unmatched = append(report.Unmatched, sig)
			continue
		}
		rec.Seed(p, sig.ID)
		report.Matched = append(report.Matched, domain.TrackedPosition{Position: p, SignalID: sig.ID})
	}

	for key, p := range live {
		if _, ok := bound[key]; ok {
			continue
		}
		s.logger.WarnContext(ctx, "startup: live position has no open signal",
			slog.String("key", key.String()),
			slog.String("size", p.Size.String()),
		)
		report.Orphans = append(report.Orphans, p)
	}

	s.logger.InfoContext(ctx, "startup: reconciliation complete",
		slog.Int("matched", len(report.Matched)),
		slog.Int("unmatched", len(report.Unmatched)),
		slog.Int("orphans", len(report.Orphans)),
	)
	return report, nil
}

// ReconcileUntilReady repeats Reconcile every interval until it succeeds or
// ctx is done. Nothing is seeded by a failed attempt, so retrying is safe. The
// only error it returns is ctx's.
func (s *Startup) ReconcileUntilReady(ctx context.Context, rec *Reconciler, interval time.Duration) (StartupReport, error) {
	for round := 1; ; round++ {
		report, err := s.Reconcile(ctx, rec)
		if err == nil {
			return report, nil
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		s.logger.ErrorContext(ctx, "startup: reconciliation failed, polling held back",
			slog.Int("round", round),
			slog.Duration("retry_in", interval),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// snapshot fetches every category, keeping only nonzero positions.
func (s *Startup) snapshot(ctx context.Context) (map[domain.PositionKey]domain.Position, error) {
	live := make(map[domain.PositionKey]domain.Position)
	for _, category := range s.categories {
		positions, err := s.fetch(ctx, category)
		if err != nil {
			return nil, err
		}
		for _, p := range positions {
			if p.Size.IsPositive() {
				live[p.Key()] = p
			}
		}
	}
	return live, nil
}

func (s *Startup) fetch(ctx context.Context, category domain.Category) ([]domain.Position, error) {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		positions, err := s.exchange.GetPositions(ctx, category, "")
		if err == nil {
			return positions, nil
		}
		lastErr = err
		s.logger.WarnContext(ctx, "startup: position snapshot failed",
			slog.String("category", string(category)),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		if attempt == s.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.backoff):
		}
	}
	return nil, fmt.Errorf("startup: snapshot %s: %w", category, lastErr)
}
