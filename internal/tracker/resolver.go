package tracker

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/shopspring/decimal"
)

// ExecutionSource fetches recent fills, newest first.
type ExecutionSource interface {
	GetExecutions(ctx context.Context, category domain.Category, symbol string, limit int) ([]domain.Execution, error)
}

// Resolver turns execution history into the exit price and realized PnL of
// a close or partial close.
type Resolver struct {
	source        ExecutionSource
	fullWindow    int
	partialWindow int
	logger        *slog.Logger
	now           func() time.Time
}

// NewResolver creates a Resolver. Window sizes are the number of fills
// fetched per lookup.
func NewResolver(source ExecutionSource, fullWindow, partialWindow int, logger *slog.Logger) *Resolver {
	if fullWindow <= 0 {
		fullWindow = 20
	}
	if partialWindow <= 0 {
		partialWindow = 10
	}
	return &Resolver{
		source:        source,
		fullWindow:    fullWindow,
		partialWindow: partialWindow,
		logger:        logger.With(slog.String("component", "resolver")),
		now:           time.Now,
	}
}

// ResolveClose aggregates every closing fill in the window. With no closing
// fills the last mark price stands in for the exit and PnL is zero.
func (r *Resolver) ResolveClose(ctx context.Context, last domain.Position) domain.ExitFill {
	fills := r.fetch(ctx, last, r.fullWindow)
	return aggregateClosingFills(fills, last.Side, last.MarkPrice, time.Time{}, r.now())
}

// ResolvePartial aggregates the closing fills executed after since, the time
// the position was last observed. When no fill carries a usable timestamp
// newer than since, the most recent closing fill is used on its own.
func (r *Resolver) ResolvePartial(ctx context.Context, last domain.Position, since time.Time) domain.ExitFill {
	fills := r.fetch(ctx, last, r.partialWindow)
	exit := aggregateClosingFills(fills, last.Side, last.MarkPrice, since, r.now())
	if exit.Fills > 0 || since.IsZero() {
		return exit
	}
	for _, f := range fills {
		if f.Side == last.Side.Opposite() {
			return aggregateClosingFills([]domain.Execution{f}, last.Side, last.MarkPrice, time.Time{}, r.now())
		}
	}
	return exit
}

func (r *Resolver) fetch(ctx context.Context, last domain.Position, limit int) []domain.Execution {
	fills, err := r.source.GetExecutions(ctx, last.Category, last.Symbol, limit)
	if err != nil {
		r.logger.WarnContext(ctx, "resolver: execution history unavailable, using mark price",
			slog.String("key", last.Key().String()),
			slog.Any("error", err),
		)
		return nil
	}
	return fills
}

// aggregateClosingFills computes realized PnL, the size-weighted average exit
// price and the exit time over the fills on the side opposite to side.
// Fills are expected newest first. A non-zero since drops fills executed at
// or before it.
func aggregateClosingFills(fills []domain.Execution, side domain.Side, fallback decimal.Decimal, since, now time.Time) domain.ExitFill {
	var (
		pnl      = decimal.Zero
		notional = decimal.Zero
		qty      = decimal.Zero
		exitTime time.Time
		used     int
	)
	closing := side.Opposite()
	for _, f := range fills {
		if f.Side != closing {
			continue
		}
		t, ok := parseExecTime(f.ExecTime)
		if !since.IsZero() && (!ok || !t.After(since)) {
			continue
		}
		used++
		pnl = pnl.Add(f.ClosedPnl)
		if f.Price.IsPositive() && f.Qty.IsPositive() {
			notional = notional.Add(f.Price.Mul(f.Qty))
			qty = qty.Add(f.Qty)
		}
		if used == 1 {
			exitTime = now
			if ok {
				exitTime = t
			}
		}
	}

	exit := domain.ExitFill{RealizedPnl: pnl, Fills: used, Price: fallback}
	if qty.IsPositive() {
		exit.Price = notional.Div(qty)
	}
	if used == 0 {
		exit.RealizedPnl = decimal.Zero
	}
	if exitTime.IsZero() {
		exitTime = now
	}
	exit.Time = exitTime
	return exit
}

// parseExecTime accepts epoch milliseconds or ISO-8601.
func parseExecTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC(), true
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
