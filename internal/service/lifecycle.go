package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// LifecycleChannel is the pub/sub channel every persisted event is
	// published on.
	LifecycleChannel = "signals:lifecycle"
	// LifecycleStream is the durable stream persisted events are appended to.
	LifecycleStream = "stream:signals"
)

// ErrWorkerClosed is returned by Enqueue after Close.
var ErrWorkerClosed = errors.New("lifecycle worker closed")

// Notifier fans lifecycle transitions out to subscribers. Implementations
// must not block the caller and must not return delivery failures.
type Notifier interface {
	NotifyEntry(ctx context.Context, sig domain.Signal)
	NotifyIncrease(ctx context.Context, sig domain.Signal, increasePct float64)
	NotifyPartialClose(ctx context.Context, sig domain.Signal, closePct float64)
	NotifyExit(ctx context.Context, sig domain.Signal)
}

// Archiver buffers completed signals for the blob archive.
type Archiver interface {
	Append(sig domain.Signal)
}

// Broadcaster pushes an encoded lifecycle message to live dashboard clients.
type Broadcaster interface {
	Broadcast(channel string, payload []byte)
}

// WorkerMetrics receives lifecycle worker observations.
type WorkerMetrics interface {
	ObserveApplied(action domain.Action, elapsed time.Duration, err error)
	ObserveAuditSkipped()
	SetQueueDepth(n int)
}

// LifecycleMessage is the JSON form of a persisted transition on the bus and
// the websocket hub.
type LifecycleMessage struct {
	EventID          string     `json:"event_id"`
	Action           string     `json:"action"`
	SignalID         int64      `json:"signal_id"`
	SignalNumber     int64      `json:"signal_number"`
	Symbol           string     `json:"symbol"`
	Category         string     `json:"category"`
	Side             string     `json:"side"`
	PositionSize     string     `json:"position_size"`
	OldPositionSize  *string    `json:"old_position_size,omitempty"`
	EntryPrice       *string    `json:"entry_price,omitempty"`
	ExitPrice        *string    `json:"exit_price,omitempty"`
	RealizedPnl      *string    `json:"realized_pnl,omitempty"`
	ClosePercentage  *float64   `json:"close_percentage,omitempty"`
	ProfitPercentage *float64   `json:"profit_percentage,omitempty"`
	ExitTime         *time.Time `json:"exit_time,omitempty"`
	Completed        bool       `json:"completed"`
	At               time.Time  `json:"at"`
}

// NewLifecycleMessage renders the state of sig after the event ev.
func NewLifecycleMessage(ev domain.LifecycleEvent, sig domain.Signal) LifecycleMessage {
	meta := ev.Meta()
	return LifecycleMessage{
		EventID:          meta.ID,
		Action:           string(ev.Action()),
		SignalID:         sig.ID,
		SignalNumber:     sig.SignalNumber,
		Symbol:           sig.Symbol,
		Category:         sig.Category.Label(),
		Side:             sig.Side.Label(),
		PositionSize:     sig.PositionSize.String(),
		OldPositionSize:  decimalString(sig.OldPositionSize),
		EntryPrice:       decimalString(sig.EntryPrice),
		ExitPrice:        decimalString(sig.ExitPrice),
		RealizedPnl:      decimalString(sig.RealizedPnl),
		ClosePercentage:  sig.ClosePercentage,
		ProfitPercentage: sig.ProfitPercentage,
		ExitTime:         sig.ExitTime,
		Completed:        sig.IsCompleted,
		At:               meta.At,
	}
}

// WorkerConfig holds the lifecycle worker's knobs.
type WorkerConfig struct {
	QueueSize    int
	DrainTimeout time.Duration
}

// LifecycleWorker applies lifecycle events to the store on its own goroutine
// so that database and notification latency never delays a poll. Events are
// applied strictly in enqueue order.
type LifecycleWorker struct {
	signals  domain.SignalStore
	updates  domain.PositionUpdateStore
	notifier Notifier
	bus      domain.EventBus
	hub      Broadcaster
	archiver Archiver
	metrics  WorkerMetrics
	logger   *slog.Logger

	queue        chan domain.LifecycleEvent
	bindings     chan domain.SignalBinding
	closing      chan struct{}
	closeOnce    sync.Once
	drainTimeout time.Duration
}

// WorkerDeps groups the optional collaborators of a LifecycleWorker. Any of
// them may be nil.
type WorkerDeps struct {
	Notifier Notifier
	Bus      domain.EventBus
	Hub      Broadcaster
	Archiver Archiver
	Metrics  WorkerMetrics
}

// NewLifecycleWorker creates a LifecycleWorker.
func NewLifecycleWorker(cfg WorkerConfig, signals domain.SignalStore, updates domain.PositionUpdateStore, deps WorkerDeps, logger *slog.Logger) *LifecycleWorker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return &LifecycleWorker{
		signals:      signals,
		updates:      updates,
		notifier:     deps.Notifier,
		bus:          deps.Bus,
		hub:          deps.Hub,
		archiver:     deps.Archiver,
		metrics:      deps.Metrics,
		logger:       logger.With(slog.String("component", "lifecycle")),
		queue:        make(chan domain.LifecycleEvent, cfg.QueueSize),
		bindings:     make(chan domain.SignalBinding, cfg.QueueSize),
		closing:      make(chan struct{}),
		drainTimeout: cfg.DrainTimeout,
	}
}

// Bindings delivers the signal id of each persisted open back to the
// reconciler.
func (w *LifecycleWorker) Bindings() <-chan domain.SignalBinding {
	return w.bindings
}

// Enqueue queues ev, blocking while the queue is full.
func (w *LifecycleWorker) Enqueue(ctx context.Context, ev domain.LifecycleEvent) error {
	select {
	case <-w.closing:
		return ErrWorkerClosed
	default:
	}
	select {
	case w.queue <- ev:
		if w.metrics != nil {
			w.metrics.SetQueueDepth(len(w.queue))
		}
		return nil
	case <-w.closing:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events. Run then drains what is queued and returns.
func (w *LifecycleWorker) Close() {
	w.closeOnce.Do(func() { close(w.closing) })
}

// Run applies queued events until Close is called or ctx is cancelled, then
// drains the queue for at most the configured drain timeout.
func (w *LifecycleWorker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "lifecycle: worker started", slog.Int("queue_size", cap(w.queue)))
	for {
		select {
		case ev := <-w.queue:
			w.Apply(ctx, ev)
		case <-w.closing:
			return w.drain(ctx)
		case <-ctx.Done():
			w.Close()
			return w.drain(context.WithoutCancel(ctx))
		}
	}
}

func (w *LifecycleWorker) drain(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, w.drainTimeout)
	defer cancel()

	applied := 0
	for {
		if dctx.Err() != nil {
			w.logger.Warn("lifecycle: drain timed out, events abandoned",
				slog.Int("applied", applied),
				slog.Int("abandoned", len(w.queue)),
			)
			return nil
		}
		select {
		case ev := <-w.queue:
			w.Apply(dctx, ev)
			applied++
		default:
			w.logger.Info("lifecycle: worker stopped", slog.Int("drained", applied))
			return nil
		}
	}
}

// Apply persists one event and fans it out. Failures are logged; the event is
// not retried.
func (w *LifecycleWorker) Apply(ctx context.Context, ev domain.LifecycleEvent) {
	start := time.Now()
	sig, err := w.apply(ctx, ev)
	if w.metrics != nil {
		w.metrics.ObserveApplied(ev.Action(), time.Since(start), err)
		w.metrics.SetQueueDepth(len(w.queue))
	}
	if err != nil {
		w.logger.ErrorContext(ctx, "lifecycle: apply failed",
			slog.String("action", string(ev.Action())),
			slog.String("key", ev.Meta().Key.String()),
			slog.String("event_id", ev.Meta().ID),
			slog.Any("error", err),
		)
		return
	}
	w.fanOut(ctx, ev, sig)
}

func (w *LifecycleWorker) apply(ctx context.Context, ev domain.LifecycleEvent) (domain.Signal, error) {
	switch e := ev.(type) {
	case domain.OpenEvent:
		return w.applyOpen(ctx, e)
	case domain.IncreaseEvent:
		return w.applyIncrease(ctx, e)
	case domain.PartialCloseEvent:
		return w.applyPartialClose(ctx, e)
	case domain.CloseEvent:
		return w.applyClose(ctx, e)
	default:
		return domain.Signal{}, fmt.Errorf("lifecycle: unknown event %T", ev)
	}
}

func (w *LifecycleWorker) applyOpen(ctx context.Context, e domain.OpenEvent) (domain.Signal, error) {
	entry := e.AvgPrice
	if entry.IsZero() {
		entry = e.MarkPrice
	}
	sig, err := w.signals.CreateSignal(ctx, domain.NewSignal{
		Symbol:     e.Key.Symbol,
		Category:   e.Key.Category,
		Side:       e.Key.Side,
		Size:       e.Size,
		Leverage:   e.Leverage,
		EntryPrice: entry,
		EntryTime:  e.At,
	})
	if err != nil {
		return domain.Signal{}, fmt.Errorf("lifecycle: create signal: %w", err)
	}

	select {
	case w.bindings <- domain.SignalBinding{Key: e.Key, SignalID: sig.ID, EventID: e.ID}:
	default:
		w.logger.WarnContext(ctx, "lifecycle: binding channel full, reconciler falls back to key lookup",
			slog.Int64("signal_id", sig.ID),
		)
	}

	w.recordUpdate(ctx, domain.PositionUpdate{
		SignalID:     sig.ID,
		Action:       domain.ActionOpen,
		PositionSize: e.Size,
		Price:        &entry,
	})

	w.logger.InfoContext(ctx, "lifecycle: signal created",
		slog.Int64("signal_id", sig.ID),
		slog.Int64("signal_number", sig.SignalNumber),
		slog.String("key", e.Key.String()),
		slog.Bool("manual", e.Manual),
	)
	return sig, nil
}

func (w *LifecycleWorker) applyIncrease(ctx context.Context, e domain.IncreaseEvent) (domain.Signal, error) {
	id, err := w.resolveSignalID(ctx, e.EventMeta)
	if err != nil {
		return domain.Signal{}, err
	}
	action := domain.ActionIncrease
	patch := domain.SignalPatch{
		Action:          &action,
		PositionSize:    &e.NewSize,
		OldPositionSize: &e.OldSize,
	}
	if !e.NewAvgPrice.IsZero() {
		patch.EntryPrice = &e.NewAvgPrice
	}
	sig, err := w.signals.UpdateSignal(ctx, id, patch)
	if err != nil {
		return domain.Signal{}, fmt.Errorf("lifecycle: increase signal %d: %w", id, err)
	}

	w.recordUpdate(ctx, domain.PositionUpdate{
		SignalID:     id,
		Action:       domain.ActionIncrease,
		PositionSize: e.NewSize,
		Price:        patch.EntryPrice,
	})
	w.logger.InfoContext(ctx, "lifecycle: signal increased",
		slog.Int64("signal_id", id),
		slog.Float64("increase_pct", e.IncreasePct),
	)
	return sig, nil
}

func (w *LifecycleWorker) applyPartialClose(ctx context.Context, e domain.PartialCloseEvent) (domain.Signal, error) {
	id, err := w.resolveSignalID(ctx, e.EventMeta)
	if err != nil {
		return domain.Signal{}, err
	}
	action := domain.ActionPartialClose
	pct := e.ClosePct
	patch := domain.SignalPatch{
		Action:          &action,
		PositionSize:    &e.NewSize,
		OldPositionSize: &e.OldSize,
		ClosePercentage: &pct,
		RealizedPnl:     &e.Exit.RealizedPnl,
	}
	if !e.AvgPrice.IsZero() {
		patch.EntryPrice = &e.AvgPrice
	}
	sig, err := w.signals.UpdateSignal(ctx, id, patch)
	if err != nil {
		return domain.Signal{}, fmt.Errorf("lifecycle: partial close signal %d: %w", id, err)
	}

	w.recordUpdate(ctx, domain.PositionUpdate{
		SignalID:        id,
		Action:          domain.ActionPartialClose,
		PositionSize:    e.NewSize,
		Price:           &e.Exit.Price,
		ClosePercentage: &pct,
		RealizedPnl:     &e.Exit.RealizedPnl,
	})
	w.logger.InfoContext(ctx, "lifecycle: signal partially closed",
		slog.Int64("signal_id", id),
		slog.Float64("close_pct", pct),
		slog.String("exit_price", e.Exit.Price.String()),
	)
	return sig, nil
}

func (w *LifecycleWorker) applyClose(ctx context.Context, e domain.CloseEvent) (domain.Signal, error) {
	id, err := w.resolveSignalID(ctx, e.EventMeta)
	if err != nil {
		return domain.Signal{}, err
	}

	oldSize := e.OldSize
	profit := e.ProfitPct
	if oldSize.IsZero() || profit == nil {
		cur, err := w.signals.GetSignal(ctx, id)
		if err != nil {
			return domain.Signal{}, fmt.Errorf("lifecycle: close signal %d: %w", id, err)
		}
		if oldSize.IsZero() {
			oldSize = cur.PositionSize
		}
		if profit == nil && cur.EntryPrice != nil {
			profit = domain.ProfitPercent(cur.Side, *cur.EntryPrice, e.Exit.Price)
		}
	}

	action := domain.ActionClose
	pct := 100.0
	zero := decimal.Zero
	exitTime := e.Exit.Time
	if exitTime.IsZero() {
		exitTime = e.At
	}
	patch := domain.SignalPatch{
		Action:           &action,
		PositionSize:     &zero,
		OldPositionSize:  &oldSize,
		ExitPrice:        &e.Exit.Price,
		ExitTime:         &exitTime,
		ClosePercentage:  &pct,
		RealizedPnl:      &e.Exit.RealizedPnl,
		ProfitPercentage: profit,
	}
	if _, err := w.signals.UpdateSignal(ctx, id, patch); err != nil {
		return domain.Signal{}, fmt.Errorf("lifecycle: close signal %d: %w", id, err)
	}
	sig, err := w.signals.MarkCompleted(ctx, id)
	if err != nil {
		return domain.Signal{}, fmt.Errorf("lifecycle: complete signal %d: %w", id, err)
	}

	w.recordUpdate(ctx, domain.PositionUpdate{
		SignalID:        id,
		Action:          domain.ActionClose,
		PositionSize:    decimal.Zero,
		Price:           &e.Exit.Price,
		ClosePercentage: &pct,
		RealizedPnl:     &e.Exit.RealizedPnl,
	})
	if w.archiver != nil {
		w.archiver.Append(sig)
	}

	attrs := []any{
		slog.Int64("signal_id", id),
		slog.String("reason", string(e.Reason)),
		slog.String("exit_price", e.Exit.Price.String()),
	}
	if profit != nil {
		attrs = append(attrs, slog.Float64("profit_pct", *profit))
	}
	w.logger.InfoContext(ctx, "lifecycle: signal closed", attrs...)
	return sig, nil
}

// resolveSignalID returns the event's signal id, looking the key up when the
// reconciler has not learned it yet.
func (w *LifecycleWorker) resolveSignalID(ctx context.Context, meta domain.EventMeta) (int64, error) {
	if meta.SignalID > 0 {
		return meta.SignalID, nil
	}
	sig, err := w.signals.FindOpenSignal(ctx, meta.Key)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: resolve signal for %s: %w", meta.Key, err)
	}
	return sig.ID, nil
}

// recordUpdate writes the audit row. A missing table degrades to a warning.
func (w *LifecycleWorker) recordUpdate(ctx context.Context, u domain.PositionUpdate) {
	if w.updates == nil {
		return
	}
	_, err := w.updates.CreatePositionUpdate(ctx, u)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrAuditUnavailable):
		if w.metrics != nil {
			w.metrics.ObserveAuditSkipped()
		}
		w.logger.WarnContext(ctx, "lifecycle: position update skipped, table unavailable",
			slog.Int64("signal_id", u.SignalID),
			slog.String("action", string(u.Action)),
		)
	default:
		w.logger.ErrorContext(ctx, "lifecycle: position update failed",
			slog.Int64("signal_id", u.SignalID),
			slog.String("action", string(u.Action)),
			slog.Any("error", err),
		)
	}
}

// fanOut publishes and notifies after the store mutation succeeded.
func (w *LifecycleWorker) fanOut(ctx context.Context, ev domain.LifecycleEvent, sig domain.Signal) {
	payload, err := json.Marshal(NewLifecycleMessage(ev, sig))
	if err != nil {
		w.logger.ErrorContext(ctx, "lifecycle: encode message failed", slog.Any("error", err))
	} else {
		if w.bus != nil {
			if err := w.bus.Publish(ctx, LifecycleChannel, payload); err != nil {
				w.logger.WarnContext(ctx, "lifecycle: publish failed", slog.Any("error", err))
			}
			if err := w.bus.StreamAppend(ctx, LifecycleStream, payload); err != nil {
				w.logger.WarnContext(ctx, "lifecycle: stream append failed", slog.Any("error", err))
			}
		}
		if w.hub != nil {
			w.hub.Broadcast(LifecycleChannel, payload)
		}
	}

	if w.notifier == nil {
		return
	}
	switch e := ev.(type) {
	case domain.OpenEvent:
		w.notifier.NotifyEntry(ctx, sig)
	case domain.IncreaseEvent:
		w.notifier.NotifyIncrease(ctx, sig, e.IncreasePct)
	case domain.PartialCloseEvent:
		w.notifier.NotifyPartialClose(ctx, sig, e.ClosePct)
	case domain.CloseEvent:
		w.notifier.NotifyExit(ctx, sig)
	}
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
