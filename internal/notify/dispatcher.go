package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// BotService is the subscriber-facing delivery surface.
type BotService interface {
	SendSignal(ctx context.Context, signalID int64, userIDs []int64) error
	SendExitSignal(ctx context.Context, signalID int64) error
}

// Recipients resolves subscriber lists.
type Recipients interface {
	GetUsersForSignal(ctx context.Context, signalID int64) ([]domain.User, error)
	GetUsersWithSignalBalance(ctx context.Context, minBalance int) ([]domain.User, error)
}

// Metrics counts delivery outcomes per notification kind.
type Metrics interface {
	ObserveNotification(kind string, err error)
}

// DispatcherConfig holds the dispatcher's knobs.
type DispatcherConfig struct {
	// Timeout bounds each delivery, recipient lookup included.
	Timeout time.Duration
	// DedupTTL suppresses a second entry or exit for the same signal.
	DedupTTL time.Duration
	// MinBalance is the signal credit a user needs to receive new entries.
	MinBalance int
}

// Dispatcher turns lifecycle transitions into bot-service deliveries and
// operator alerts. Every Notify call returns immediately; delivery runs on its
// own goroutine and failures are logged and counted, never returned.
type Dispatcher struct {
	cfg        DispatcherConfig
	bot        BotService
	recipients Recipients
	operator   *Notifier
	dedup      *Dedup
	metrics    Metrics
	logger     *slog.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. bot, operator and metrics may be nil.
func NewDispatcher(cfg DispatcherConfig, bot BotService, recipients Recipients, operator *Notifier, metrics Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = time.Hour
	}
	if cfg.MinBalance <= 0 {
		cfg.MinBalance = 1
	}
	return &Dispatcher{
		cfg:        cfg,
		bot:        bot,
		recipients: recipients,
		operator:   operator,
		dedup:      NewDedup(cfg.DedupTTL),
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "dispatcher")),
	}
}

// NotifyEntry delivers a new signal to every active user with enough credit.
func (d *Dispatcher) NotifyEntry(ctx context.Context, sig domain.Signal) {
	if d.dedup.IsDuplicate(fmt.Sprintf("%d:entry", sig.ID)) {
		d.logger.DebugContext(ctx, "dispatcher: duplicate entry suppressed", slog.Int64("signal_id", sig.ID))
		return
	}
	d.operatorAlert(ctx, sig, fmt.Sprintf("size %s @ %s lev %s", sig.PositionSize, decimalOrDash(sig.EntryPrice), sig.Leverage))
	d.async(ctx, "entry", sig.ID, func(ctx context.Context) error {
		users, err := d.recipients.GetUsersWithSignalBalance(ctx, d.cfg.MinBalance)
		if err != nil {
			return fmt.Errorf("recipients: %w", err)
		}
		return d.sendSignal(ctx, sig.ID, users)
	})
}

// NotifyIncrease re-sends the signal to users that received the entry.
func (d *Dispatcher) NotifyIncrease(ctx context.Context, sig domain.Signal, increasePct float64) {
	d.operatorAlert(ctx, sig, fmt.Sprintf("size +%.2f%% to %s", increasePct, sig.PositionSize))
	d.async(ctx, "increase", sig.ID, func(ctx context.Context) error {
		return d.sendToLinked(ctx, sig.ID)
	})
}

// NotifyPartialClose re-sends the signal to users that received the entry.
func (d *Dispatcher) NotifyPartialClose(ctx context.Context, sig domain.Signal, closePct float64) {
	d.operatorAlert(ctx, sig, fmt.Sprintf("closed %.2f%%, %s left", closePct, sig.PositionSize))
	d.async(ctx, "partial_close", sig.ID, func(ctx context.Context) error {
		return d.sendToLinked(ctx, sig.ID)
	})
}

// NotifyExit asks the bot to deliver the exit. Recipients are resolved by the
// bot service.
func (d *Dispatcher) NotifyExit(ctx context.Context, sig domain.Signal) {
	if d.dedup.IsDuplicate(fmt.Sprintf("%d:exit", sig.ID)) {
		d.logger.DebugContext(ctx, "dispatcher: duplicate exit suppressed", slog.Int64("signal_id", sig.ID))
		return
	}
	msg := fmt.Sprintf("exit @ %s", decimalOrDash(sig.ExitPrice))
	if sig.ProfitPercentage != nil {
		msg += fmt.Sprintf(" profit %.2f%%", *sig.ProfitPercentage)
	}
	d.operatorAlert(ctx, sig, msg)
	d.async(ctx, "exit", sig.ID, func(ctx context.Context) error {
		if d.bot == nil {
			return nil
		}
		return d.bot.SendExitSignal(ctx, sig.ID)
	})
}

// Wait blocks until in-flight deliveries finish or ctx is done. It returns
// false when deliveries were abandoned.
func (d *Dispatcher) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		d.logger.Warn("dispatcher: in-flight deliveries abandoned")
		return false
	}
}

func (d *Dispatcher) sendToLinked(ctx context.Context, signalID int64) error {
	users, err := d.recipients.GetUsersForSignal(ctx, signalID)
	if err != nil {
		return fmt.Errorf("recipients: %w", err)
	}
	return d.sendSignal(ctx, signalID, users)
}

func (d *Dispatcher) sendSignal(ctx context.Context, signalID int64, users []domain.User) error {
	if d.bot == nil || len(users) == 0 {
		return nil
	}
	ids := make([]int64, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	return d.bot.SendSignal(ctx, signalID, ids)
}

// async runs fn detached from the caller's cancellation, bounded by the
// delivery timeout.
func (d *Dispatcher) async(ctx context.Context, kind string, signalID int64, fn func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Timeout)
		defer cancel()

		err := fn(dctx)
		if d.metrics != nil {
			d.metrics.ObserveNotification(kind, err)
		}
		if err != nil {
			d.logger.ErrorContext(dctx, "dispatcher: delivery failed",
				slog.String("kind", kind),
				slog.Int64("signal_id", signalID),
				slog.Any("error", err),
			)
			return
		}
		d.logger.DebugContext(dctx, "dispatcher: delivered",
			slog.String("kind", kind),
			slog.Int64("signal_id", signalID),
		)
	}()
}

func (d *Dispatcher) operatorAlert(ctx context.Context, sig domain.Signal, detail string) {
	if !d.operator.Enabled() || !d.operator.Allows(string(sig.Action)) {
		return
	}
	title := fmt.Sprintf("#%d %s %s %s", sig.SignalNumber, sig.Symbol, sig.Side.Label(), strings.ToUpper(string(sig.Action)))
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Timeout)
		defer cancel()
		// Failures are logged per sender by the Notifier.
		_ = d.operator.Notify(actx, string(sig.Action), title, detail)
	}()
}

func decimalOrDash(v *decimal.Decimal) string {
	if v == nil {
		return "-"
	}
	return v.String()
}
