package tracker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeExchange struct {
	mu        sync.Mutex
	positions map[domain.Category][]domain.Position
	errs      map[domain.Category]error
	fills     []domain.Execution
	fillsErr  error
	limits    []int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		positions: make(map[domain.Category][]domain.Position),
		errs:      make(map[domain.Category]error),
	}
}

func (f *fakeExchange) set(category domain.Category, ps ...domain.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[category] = ps
}

func (f *fakeExchange) GetPositions(_ context.Context, category domain.Category, _ string) ([]domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[category]; err != nil {
		return nil, err
	}
	return append([]domain.Position(nil), f.positions[category]...), nil
}

func (f *fakeExchange) GetExecutions(_ context.Context, _ domain.Category, _ string, limit int) ([]domain.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	if f.fillsErr != nil {
		return nil, f.fillsErr
	}
	return f.fills, nil
}

// blockingExchange holds GetPositions until release is closed.
type blockingExchange struct {
	*fakeExchange
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	ctxErr error
}

func newBlockingExchange() *blockingExchange {
	return &blockingExchange{
		fakeExchange: newFakeExchange(),
		entered:      make(chan struct{}, 1),
		release:      make(chan struct{}),
	}
}

func (b *blockingExchange) GetPositions(ctx context.Context, category domain.Category, symbol string) ([]domain.Position, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	b.mu.Lock()
	b.ctxErr = ctx.Err()
	b.mu.Unlock()
	return b.fakeExchange.GetPositions(ctx, category, symbol)
}

type sliceSink struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
}

func (s *sliceSink) Enqueue(_ context.Context, ev domain.LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *sliceSink) take() []domain.LifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out
}

func linear(symbol string, side domain.Side, size, avg string) domain.Position {
	return domain.Position{
		Category:  domain.CategoryLinear,
		Symbol:    symbol,
		Side:      side,
		Size:      d(size),
		AvgPrice:  d(avg),
		MarkPrice: d(avg),
		Leverage:  "10",
	}
}

type fixture struct {
	ex       *fakeExchange
	sink     *sliceSink
	bindings chan domain.SignalBinding
	rec      *Reconciler
}

func newFixture(categories ...domain.Category) *fixture {
	ex := newFakeExchange()
	sink := &sliceSink{}
	bindings := make(chan domain.SignalBinding, 8)
	logger := discardLogger()
	res := NewResolver(ex, 20, 10, logger)
	rec := NewReconciler(Config{Categories: categories, PollInterval: time.Hour}, ex, res, sink, bindings, nil, logger)
	return &fixture{ex: ex, sink: sink, bindings: bindings, rec: rec}
}
