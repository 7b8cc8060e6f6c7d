// Package tracker follows live exchange positions and turns the difference
// between consecutive polls into lifecycle events.
//
// The tracked map is owned by the poll loop. Everything that needs to read or
// change it, including manual commands and signal bindings coming back from
// the lifecycle worker, is funneled through Run.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Exchange is the part of the exchange gateway the reconciler polls.
type Exchange interface {
	ExecutionSource
	GetPositions(ctx context.Context, category domain.Category, symbol string) ([]domain.Position, error)
}

// EventSink accepts lifecycle events in emission order. Enqueue may block
// until there is room or ctx is done.
type EventSink interface {
	Enqueue(ctx context.Context, ev domain.LifecycleEvent) error
}

// Metrics receives reconciler observations. A nil Metrics is allowed.
type Metrics interface {
	ObserveCycle(elapsed time.Duration, failedCategories int)
	ObserveEvent(action domain.Action)
	SetTracked(n int)
}

// Config holds the reconciler's knobs.
type Config struct {
	Categories   []domain.Category
	PollInterval time.Duration
}

// entry is one tracked position slot.
type entry struct {
	pos         domain.Position
	seenAt      time.Time
	openEventID string
	manual      bool
}

// Reconciler diffs consecutive position snapshots into lifecycle events.
type Reconciler struct {
	cfg      Config
	exchange Exchange
	resolver *Resolver
	sink     EventSink
	bindings <-chan domain.SignalBinding
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time

	tracked   map[domain.PositionKey]*entry
	signalIDs map[domain.PositionKey]int64

	cmds    chan command
	stopped chan struct{}
}

type command struct {
	run  func(ctx context.Context) error
	done chan error
}

// NewReconciler creates a Reconciler. bindings may be nil when nothing
// reports persisted signal ids back.
func NewReconciler(cfg Config, exchange Exchange, resolver *Resolver, sink EventSink, bindings <-chan domain.SignalBinding, metrics Metrics, logger *slog.Logger) *Reconciler {
	if len(cfg.Categories) == 0 {
		cfg.Categories = []domain.Category{domain.CategoryLinear}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Reconciler{
		cfg:       cfg,
		exchange:  exchange,
		resolver:  resolver,
		sink:      sink,
		bindings:  bindings,
		metrics:   metrics,
		logger:    logger.With(slog.String("component", "reconciler")),
		now:       time.Now,
		tracked:   make(map[domain.PositionKey]*entry),
		signalIDs: make(map[domain.PositionKey]int64),
		cmds:      make(chan command),
		stopped:   make(chan struct{}),
	}
}

// Run executes poll cycles until ctx is cancelled. Cycles never overlap; a
// cycle that outlasts the interval is followed immediately by the next. An
// in-flight cycle runs to completion on a context detached from ctx's
// cancellation, so a stop never leaves the tracked map half diffed.
func (r *Reconciler) Run(ctx context.Context) error {
	defer close(r.stopped)

	r.logger.InfoContext(ctx, "reconciler: started",
		slog.Duration("interval", r.cfg.PollInterval),
		slog.Any("categories", r.cfg.Categories),
		slog.Int("seeded", len(r.tracked)),
	)

	cycleCtx := context.WithoutCancel(ctx)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler: stopped", slog.Int("tracked", len(r.tracked)))
			return ctx.Err()
		case b := <-r.bindings:
			r.applyBinding(b)
		case cmd := <-r.cmds:
			cmd.done <- cmd.run(cycleCtx)
		case <-timer.C:
			start := r.now()
			r.Cycle(cycleCtx)
			wait := r.cfg.PollInterval - r.now().Sub(start)
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
		}
	}
}

// Cycle runs one poll over every configured category, in order. It must only
// be called from the goroutine that owns the reconciler (Run, or a test).
func (r *Reconciler) Cycle(ctx context.Context) {
	start := r.now()
	r.drainBindings()

	current := make(map[domain.PositionKey]struct{})
	fetched := make(map[domain.Category]bool, len(r.cfg.Categories))
	failed := 0

	for _, category := range r.cfg.Categories {
		positions, err := r.exchange.GetPositions(ctx, category, "")
		if err != nil {
			failed++
			r.logger.WarnContext(ctx, "reconciler: position fetch failed, category skipped this cycle",
				slog.String("category", string(category)),
				slog.Any("error", err),
			)
			continue
		}
		fetched[category] = true
		for _, p := range positions {
			r.observe(ctx, p, current)
		}
	}

	for _, key := range r.sortedKeys() {
		e := r.tracked[key]
		if !fetched[key.Category] || e.manual {
			continue
		}
		if _, ok := current[key]; !ok {
			r.close(ctx, key, domain.CloseReasonDisappeared)
		}
	}

	if r.metrics != nil {
		r.metrics.ObserveCycle(r.now().Sub(start), failed)
		r.metrics.SetTracked(len(r.tracked))
	}
}

// observe classifies one live entry against the tracked map.
func (r *Reconciler) observe(ctx context.Context, p domain.Position, current map[domain.PositionKey]struct{}) {
	key := p.Key()
	e, tracked := r.tracked[key]

	if !p.Size.IsPositive() {
		if tracked {
			e.pos.MarkPrice = nonZero(p.MarkPrice, e.pos.MarkPrice)
			r.close(ctx, key, domain.CloseReasonZeroSize)
		}
		return
	}
	current[key] = struct{}{}

	if !tracked {
		r.open(ctx, p, false)
		return
	}

	prevSeen := e.seenAt
	switch p.Size.Cmp(e.pos.Size) {
	case 1:
		r.emit(ctx, domain.IncreaseEvent{
			EventMeta:   r.meta(key),
			NewSize:     p.Size,
			OldSize:     e.pos.Size,
			NewAvgPrice: p.AvgPrice,
			OldAvgPrice: e.pos.AvgPrice,
			IncreasePct: IncreasePercent(e.pos.Size, p.Size),
		})
		r.logger.InfoContext(ctx, "reconciler: position increased",
			slog.String("key", key.String()),
			slog.String("old_size", e.pos.Size.String()),
			slog.String("size", p.Size.String()),
		)
	case -1:
		exit := r.resolver.ResolvePartial(ctx, p, prevSeen)
		r.emit(ctx, domain.PartialCloseEvent{
			EventMeta: r.meta(key),
			NewSize:   p.Size,
			OldSize:   e.pos.Size,
			AvgPrice:  p.AvgPrice,
			ClosePct:  ClosePercent(e.pos.Size, p.Size),
			Exit:      exit,
		})
		r.logger.InfoContext(ctx, "reconciler: position partially closed",
			slog.String("key", key.String()),
			slog.String("old_size", e.pos.Size.String()),
			slog.String("size", p.Size.String()),
		)
	}

	e.pos = p
	e.seenAt = r.now()
	e.manual = false
}

func (r *Reconciler) open(ctx context.Context, p domain.Position, manual bool) {
	key := p.Key()
	meta := r.meta(key)
	meta.SignalID = 0

	r.tracked[key] = &entry{pos: p, seenAt: r.now(), openEventID: meta.ID, manual: manual}
	delete(r.signalIDs, key)

	r.emit(ctx, domain.OpenEvent{
		EventMeta: meta,
		Size:      p.Size,
		AvgPrice:  p.AvgPrice,
		MarkPrice: p.MarkPrice,
		Leverage:  p.Leverage,
		Manual:    manual,
	})
	r.logger.InfoContext(ctx, "reconciler: position opened",
		slog.String("key", key.String()),
		slog.String("size", p.Size.String()),
		slog.String("avg_price", p.AvgPrice.String()),
		slog.Bool("manual", manual),
	)
}

// close resolves the exit and emits a CloseEvent, then forgets the key.
func (r *Reconciler) close(ctx context.Context, key domain.PositionKey, reason domain.CloseReason) {
	e := r.tracked[key]
	exit := r.resolver.ResolveClose(ctx, e.pos)
	r.emitClose(ctx, key, e.pos, exit, domain.ProfitPercent(key.Side, e.pos.AvgPrice, exit.Price), reason)
}

func (r *Reconciler) emitClose(ctx context.Context, key domain.PositionKey, last domain.Position, exit domain.ExitFill, profit *float64, reason domain.CloseReason) {
	r.emit(ctx, domain.CloseEvent{
		EventMeta:  r.meta(key),
		OldSize:    last.Size,
		EntryPrice: last.AvgPrice,
		Exit:       exit,
		ClosePct:   100,
		ProfitPct:  profit,
		Reason:     reason,
	})
	delete(r.tracked, key)
	delete(r.signalIDs, key)

	r.logger.InfoContext(ctx, "reconciler: position closed",
		slog.String("key", key.String()),
		slog.String("reason", string(reason)),
		slog.String("exit_price", exit.Price.String()),
		slog.String("realized_pnl", exit.RealizedPnl.String()),
		slog.Int("fills", exit.Fills),
	)
}

func (r *Reconciler) emit(ctx context.Context, ev domain.LifecycleEvent) {
	if err := r.sink.Enqueue(ctx, ev); err != nil {
		r.logger.ErrorContext(ctx, "reconciler: event dropped",
			slog.String("action", string(ev.Action())),
			slog.String("key", ev.Meta().Key.String()),
			slog.Any("error", err),
		)
		return
	}
	if r.metrics != nil {
		r.metrics.ObserveEvent(ev.Action())
	}
}

func (r *Reconciler) meta(key domain.PositionKey) domain.EventMeta {
	return domain.EventMeta{
		ID:       uuid.NewString(),
		Key:      key,
		SignalID: r.signalIDs[key],
		At:       r.now().UTC(),
	}
}

// applyBinding records the signal id of a persisted open. Bindings for a
// lifecycle that has already ended, or been replaced by a newer open of the
// same key, are ignored.
func (r *Reconciler) applyBinding(b domain.SignalBinding) {
	e, ok := r.tracked[b.Key]
	if !ok || (b.EventID != "" && e.openEventID != b.EventID) {
		r.logger.Debug("reconciler: stale binding ignored",
			slog.String("key", b.Key.String()),
			slog.Int64("signal_id", b.SignalID),
		)
		return
	}
	r.signalIDs[b.Key] = b.SignalID
}

func (r *Reconciler) drainBindings() {
	for {
		select {
		case b := <-r.bindings:
			r.applyBinding(b)
		default:
			return
		}
	}
}

// Seed installs a tracked entry bound to an existing signal. It must only be
// called before Run starts.
func (r *Reconciler) Seed(p domain.Position, signalID int64) {
	key := p.Key()
	r.tracked[key] = &entry{pos: p, seenAt: r.now()}
	if signalID > 0 {
		r.signalIDs[key] = signalID
	}
}

func (r *Reconciler) sortedKeys() []domain.PositionKey {
	keys := make([]domain.PositionKey, 0, len(r.tracked))
	for k := range r.tracked {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// --------------------------------------------------------------------------
// Commands funneled through the poll loop
// --------------------------------------------------------------------------

// OpenManual starts tracking a position that was not observed on the
// exchange, such as a test signal. Manual entries are not closed by
// disappearance; they end through CloseManual or once the exchange reports
// the key and later drops it.
func (r *Reconciler) OpenManual(ctx context.Context, p domain.Position) error {
	if !p.Size.IsPositive() {
		return fmt.Errorf("tracker: open manual: %w: size must be positive", domain.ErrInvalidInput)
	}
	return r.submit(ctx, func(ctx context.Context) error {
		if _, ok := r.tracked[p.Key()]; ok {
			return fmt.Errorf("tracker: open manual %s: %w", p.Key(), domain.ErrAlreadyExists)
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = r.now().UTC()
		}
		if p.MarkPrice.IsZero() {
			p.MarkPrice = p.AvgPrice
		}
		r.open(ctx, p, true)
		return nil
	})
}

// CloseManual closes the signal at exitPrice. The tracked entry is found by
// the signal's binding, or, when the binding never arrived, as the unbound
// entry at key. Without either the close is still emitted by signal id so
// the record completes. profit overrides the computed profit percentage when
// non-nil.
func (r *Reconciler) CloseManual(ctx context.Context, signalID int64, key domain.PositionKey, exitPrice decimal.Decimal, profit *float64) error {
	if signalID <= 0 {
		return fmt.Errorf("tracker: close manual: %w: signal id", domain.ErrInvalidInput)
	}
	return r.submit(ctx, func(ctx context.Context) error {
		exit := domain.ExitFill{Price: exitPrice, RealizedPnl: decimal.Zero, Time: r.now().UTC()}
		if tracked, ok := r.keyForSignal(signalID, key); ok {
			last := r.tracked[tracked].pos
			if profit == nil {
				profit = domain.ProfitPercent(tracked.Side, last.AvgPrice, exitPrice)
			}
			r.signalIDs[tracked] = signalID
			r.emitClose(ctx, tracked, last, exit, profit, domain.CloseReasonManual)
			return nil
		}
		meta := domain.EventMeta{ID: uuid.NewString(), Key: key, SignalID: signalID, At: r.now().UTC()}
		r.emit(ctx, domain.CloseEvent{
			EventMeta: meta,
			Exit:      exit,
			ClosePct:  100,
			ProfitPct: profit,
			Reason:    domain.CloseReasonManual,
		})
		return nil
	})
}

// keyForSignal finds the tracked key of signalID. An entry at hint counts
// only while no other signal is bound to it.
func (r *Reconciler) keyForSignal(signalID int64, hint domain.PositionKey) (domain.PositionKey, bool) {
	for key, id := range r.signalIDs {
		if id == signalID {
			if _, ok := r.tracked[key]; ok {
				return key, true
			}
		}
	}
	if _, ok := r.tracked[hint]; ok && r.signalIDs[hint] == 0 {
		return hint, true
	}
	return domain.PositionKey{}, false
}

// Status returns a snapshot of the tracked positions, sorted by key.
func (r *Reconciler) Status(ctx context.Context) ([]domain.TrackedPosition, error) {
	var out []domain.TrackedPosition
	err := r.submit(ctx, func(context.Context) error {
		for _, key := range r.sortedKeys() {
			out = append(out, domain.TrackedPosition{Position: r.tracked[key].pos, SignalID: r.signalIDs[key]})
		}
		return nil
	})
	return out, err
}

func (r *Reconciler) submit(ctx context.Context, run func(ctx context.Context) error) error {
	cmd := command{run: run, done: make(chan error, 1)}
	select {
	case r.cmds <- cmd:
	case <-r.stopped:
		return domain.ErrTrackerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IncreasePercent is (new-old)/old*100, or 100 when old is zero.
func IncreasePercent(oldSize, newSize decimal.Decimal) float64 {
	if oldSize.IsZero() {
		return 100
	}
	pct, _ := newSize.Sub(oldSize).Div(oldSize).Mul(hundred).Float64()
	return pct
}

// ClosePercent is (old-new)/old*100, or 100 when old is zero.
func ClosePercent(oldSize, newSize decimal.Decimal) float64 {
	if oldSize.IsZero() {
		return 100
	}
	pct, _ := oldSize.Sub(newSize).Div(oldSize).Mul(hundred).Float64()
	return pct
}

func nonZero(v, fallback decimal.Decimal) decimal.Decimal {
	if v.IsZero() {
		return fallback
	}
	return v
}
