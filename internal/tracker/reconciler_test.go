package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

var btcLong = domain.PositionKey{Category: domain.CategoryLinear, Symbol: "BTCUSDT", Side: domain.SideBuy}

func TestCycleOpen(t *testing.T) {
	f := newFixture(domain.CategoryLinear)
	f.ex.set(domain.CategoryLinear, linear("BTCUSDT", domain.SideBuy, "1.0", "50000"))

	f.rec.Cycle(context.Background())

	events := f.sink.take()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	open, ok := events[0].(domain.OpenEvent)
	if !ok {
		t.Fatalf("event = %T, want OpenEvent", events[0])
	}
	if open.Key != btcLong || !open.Size.Equal(d("1.0")) || !open.AvgPrice.Equal(d("50000")) {
		t.Errorf("open = %+v", open)
	}
	if open.SignalID != 0 {
		t.Errorf("open.SignalID = %d, want 0", open.SignalID)
	}

	f.rec.Cycle(context.Background())
	if events := f.sink.take(); len(events) != 0 {
		t.Errorf("unchanged position emitted %d events", len(events))
	}
}

func TestCycleIncrease(t *testing.T) {
	f := newFixture(domain.CategoryLinear)
	f.ex.set(domain.CategoryLinear, linear("BTCUSDT", domain.SideBuy, "1.0", "50000"))
	f.rec.Cycle(context.Background())
	f.sink.take()

	f.ex.set(domain.CategoryLinear, linear("BTCUSDT", domain.SideBuy, "1.5", "50200"))
	f.rec.Cycle(context.Background())

	events := f.sink.take()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	inc, ok := events[0].(domain.IncreaseEvent)
	if !ok {
		t.Fatalf("event = %T, want IncreaseEvent", events[0])
	}
	if inc.IncreasePct != 50 {
		t.Errorf("IncreasePct = %v, want 50", inc.IncreasePct)
	}
	if !inc.OldSize.Equal(d("1.0")) || !inc.NewSize.Equal(d("1.5")) {
		t.Errorf("sizes = %s -> %s, want 1.0 -> 1.5", inc.OldSize, inc.NewSize)
	}
	if !inc.NewAvgPrice.Equal(d("50200")) || !inc.OldAvgPrice.Equal(d("50000")) {
		t.Errorf("avg prices = %s -> %s", inc.OldAvgPrice, inc.NewAvgPrice)
	}
}

func TestCyclePartialClose(t *testing.T) {
	f := newFixture(domain.CategoryLinear)
	f.ex.set(domain.CategoryLinear, linear("BTCUSDT", domain.SideBuy, "2.0", "50000"))
	f.rec.Cycle(context.Background())
	f.sink.take()

	f.ex.fills = []domain.Execution{
		{Side: domain.SideSell, Price: d("51000"), Qty: d("1.0"), ClosedPnl: d("1000"), ExecTime: "4102444800000"},
	}
	f.ex.set(domain.CategoryLinear, linear("BTCUSDT", domain.SideBuy, "1.0", "50000"))
	f.rec.Cycle(context.Background())

	events := f.sink.take()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	pc, ok := events[0].(domain.PartialCloseEvent)
	if !ok {
		t.Fatalf("event = %T, want PartialCloseEvent", events[0])
	}
	if pc.ClosePct != 50 {
		t.Errorf("ClosePct = %v, want 50", pc.ClosePct)
	}
	if !pc.Exit.Price.Equal(d("51000")) || !pc.Exit.RealizedPnl.Equal(d("1000")) {
		t.Errorf("exit = %s pnl %s", pc.Exit.Price, pc.Exit.RealizedPnl)
	}
	if got := f.ex.limits[len(f.ex.limits)-1]; got != 10 {
		t.Errorf("partial window = %d, want 10", got)
	}
}

func TestCycleDisappearanceClose(t *testing.T) {
	f := newFixture(domain.CategoryLinear)
	f.ex.set(domain.CategoryLinear, linear("BTCUSDT", domain.SideBuy, "1.0", "50000"))
	f.rec.Cycle(context.Background())
	f.sink.take()
	f.bindings <- domain.SignalBinding{Key: btcLong, SignalID: 7}

	f.ex.fills = []domain.Execution{
		{Side: domain.SideSell, Price: d("55000"), Qty: d("0.5"), ClosedPnl: d("2500"), ExecTime: "1700000001000"},
		{Side: domain.SideSell, Price: d("54000"), Qty: d("0.5"), ClosedPnl: d("2000"), ExecTime: "1700000000000"},
		{Side: domain.SideBuy, Price: d("50000"), Qty: d("1.0"), ExecTime: "1699990000000"},
	}
	f.ex.set(domain.CategoryLinear)
	f.rec.Cycle(context.Background())

	events := f.sink.take()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	cl, ok := events[0].(domain.CloseEvent)
	if !ok {
		t.Fatalf("event = %T, want CloseEvent", events[0])
	}
	if cl.SignalID != 7 {
		t.Errorf("SignalID = %d, want 7", cl.SignalID)
	}
	if cl.Reason != domain.CloseReasonDisappeared || cl.ClosePct != 100 {
		t.Errorf("reason = %s pct = %v", cl.Reason, cl.ClosePct)
	}
	if !cl.Exit.Price.Equal(d("54500")) {
		t.Errorf("exit price = %s, want 54500", cl.Exit.Price)
	}
	if !cl.Exit.RealizedPnl.Equal(d("4500")) {
		t.Errorf("realized pnl = %s, want 4500", cl.Exit.RealizedPnl)
	}
	if cl.ProfitPct == nil || *cl.ProfitPct != 9 {
		t.Errorf("profit pct = %v, want 9", cl.ProfitPct)
	}
	if !cl.Exit.Time.Equal(time.UnixMilli(1700000001000)) {
		t.Errorf("exit time = %v", cl.Exit.Time)
	}
	if got := f.ex.limits[len(f.ex.limits)-1]; got != 20 {
		t.Errorf("full window = %d, want 20", got)
	}

	f.rec.Cycle(context.Background())
	if events := f.sink.take(); len(events) != 0 {
		t.Errorf("closed key emitted %d more events", len(events))
	}
}

func TestCycleZeroSizeCloseMatchesDisappearanceShape(t *testing.T) {
	f := newFixture(domain.CategoryLinear)
	f.ex.set(domain.CategoryLinear, linear("BTCUSDT", domain.SideSell, "1.0", "50000"))
	f.rec.Cycle(context.Background())
	f.sink.take()

	f.ex.set(domain.CategoryLinear, linear("BTCUSDT", domain.SideSell, "0", "0"))
	f.rec.Cycle(context.Background())

	events := f.sink.take()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	cl, ok := events[0].(domain.CloseEvent)
	if !ok {
		t.Fatalf("event = %T, want CloseEvent", events[0])
	}
	if cl.Reason != domain.CloseReasonZeroSize || cl.ClosePct != 100 {
		t.Errorf("reason = %s pct = %v", cl.Reason, cl.ClosePct)
	}
	// No fills: mark price fallback and zero PnL.
	if !cl.Exit.Price.Equal(d("50000")) || !cl.Exit.RealizedPnl.IsZero() || cl.Exit.Fills != 0 {
		t.Errorf("exit = %+v", cl.Exit)
	}
}

func TestCycleFailedCategoryLeavesTrackedUntouched(t *testing.T) {
	f := newFixture(domain.CategoryLinear, domain.CategoryInverse)
	inv := linear("BTCUSD", domain.SideBuy, "100", "50000")
	inv.Category = domain.CategoryInverse
	f.ex.set(domain.CategoryLinear, linear("BTCUSDT", domain.SideBuy, "1", "50000"))
	f.ex.set(domain.CategoryInverse, inv)
	f.rec.Cycle(context.Background())
	if got := len(f.sink.take()); got != 2 {
		t.Fatalf("opens = %d, want 2", got)
	}

	f.ex.errs[domain.CategoryLinear] = errors.New("connection reset")
	f.rec.Cycle(context.Background())
	if events := f.sink.take(); len(events) != 0 {
		t.Fatalf("failed category produced %d events", len(events))
	}

	delete(f.ex.errs, domain.CategoryLinear)
	f.rec.Cycle(context.Background())
	if events := f.sink.take(); len(events) != 0 {
		t.Errorf("recovered category produced %d events, want none", len(events))
	}
}

func TestLifecyclePath(t *testing.T) {
	f := newFixture(domain.CategoryLinear)
	sizes := []string{"1", "1", "2", "3", "1.5", "1.5", "0.5", ""}
	for _, s := range sizes {
		if s == "" {
			f.ex.set(domain.CategoryLinear)
		} else {
			f.ex.set(domain.CategoryLinear, linear("BTCUSDT", domain.SideBuy, s, "50000"))
		}
		f.rec.Cycle(context.Background())
	}

	var got []domain.Action
	for _, ev := range f.sink.take() {
		got = append(got, ev.Action())
	}
	want := []domain.Action{
		domain.ActionOpen,
		domain.ActionIncrease,
		domain.ActionIncrease,
		domain.ActionPartialClose,
		domain.ActionPartialClose,
		domain.ActionClose,
	}
	if len(got) != len(want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("actions[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestReopenIsNewLifecycleAndStaleBindingIgnored(t *testing.T) {
	f := newFixture(domain.CategoryLinear)
	f.ex.set(domain.CategoryLinear, linear("BTCUSDT", domain.SideBuy, "1", "50000"))
	f.rec.Cycle(context.Background())
	first := f.sink.take()[0].(domain.OpenEvent)

	f.ex.set(domain.CategoryLinear)
	f.rec.Cycle(context.Background())
	f.ex.set(domain.CategoryLinear, linear("BTCUSDT", domain.SideBuy, "2", "51000"))
	f.rec.Cycle(context.Background())
	events := f.sink.take()
	second := events[len(events)-1].(domain.OpenEvent)
	if second.ID == first.ID {
		t.Fatal("reopen reused the open event id")
	}

	// Binding for the first lifecycle arrives late.
	f.bindings <- domain.SignalBinding{Key: btcLong, SignalID: 1, EventID: first.ID}
	f.bindings <- domain.SignalBinding{Key: btcLong, SignalID: 2, EventID: second.ID}
	f.ex.set(domain.CategoryLinear, linear("BTCUSDT", domain.SideBuy, "3", "51000"))
	f.rec.Cycle(context.Background())

	inc := f.sink.take()[0].(domain.IncreaseEvent)
	if inc.SignalID != 2 {
		t.Errorf("SignalID = %d, want 2", inc.SignalID)
	}
}

func TestManualCommandsThroughRun(t *testing.T) {
	f := newFixture(domain.CategoryLinear)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.rec.Run(ctx) }()

	p := linear("ETHUSDT", domain.SideSell, "2", "3000")
	if err := f.rec.OpenManual(ctx, p); err != nil {
		t.Fatalf("OpenManual: %v", err)
	}
	if err := f.rec.OpenManual(ctx, p); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("duplicate OpenManual err = %v, want ErrAlreadyExists", err)
	}

	status, err := f.rec.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status) != 1 || status[0].Symbol != "ETHUSDT" {
		t.Fatalf("status = %+v", status)
	}

	f.bindings <- domain.SignalBinding{Key: p.Key(), SignalID: 42}
	// The binding and the Status command race in the loop's select.
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, _ = f.rec.Status(ctx)
		if len(status) == 1 && status[0].SignalID == 42 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("binding not applied: %+v", status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := f.rec.CloseManual(ctx, 42, p.Key(), d("2700"), nil); err != nil {
		t.Fatalf("CloseManual: %v", err)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if err := f.rec.OpenManual(context.Background(), p); !errors.Is(err, domain.ErrTrackerStopped) {
		t.Errorf("OpenManual after stop = %v, want ErrTrackerStopped", err)
	}

	var closeEv *domain.CloseEvent
	for _, ev := range f.sink.take() {
		if c, ok := ev.(domain.CloseEvent); ok {
			closeEv = &c
		}
	}
	if closeEv == nil {
		t.Fatal("no close event")
	}
	if closeEv.SignalID != 42 || closeEv.Reason != domain.CloseReasonManual {
		t.Errorf("close = %+v", closeEv)
	}
	if closeEv.ProfitPct == nil || *closeEv.ProfitPct != 10 {
		t.Errorf("profit = %v, want 10 for a short closed 10%% lower", closeEv.ProfitPct)
	}
}

func TestStopLetsInFlightCycleFinish(t *testing.T) {
	ex := newBlockingExchange()
	sink := &sliceSink{}
	logger := discardLogger()
	rec := NewReconciler(Config{Categories: []domain.Category{domain.CategoryLinear}, PollInterval: time.Hour},
		ex, NewResolver(ex, 20, 10, logger), sink, nil, nil, logger)

	rec.Seed(linear("ETHUSDT", domain.SideSell, "2", "3000"), 9)
	ex.set(domain.CategoryLinear, linear("BTCUSDT", domain.SideBuy, "1.0", "50000"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	select {
	case <-ex.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle never fetched positions")
	}
	cancel()
	close(ex.release)

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	ex.mu.Lock()
	fetchErr := ex.ctxErr
	ex.mu.Unlock()
	if fetchErr != nil {
		t.Errorf("in-flight fetch saw ctx error %v", fetchErr)
	}

	events := sink.take()
	if len(events) != 2 {
		t.Fatalf("events = %d, want open and close from the in-flight cycle", len(events))
	}
	if open, ok := events[0].(domain.OpenEvent); !ok || open.Key != btcLong {
		t.Errorf("events[0] = %+v, want BTC open", events[0])
	}
	closeEv, ok := events[1].(domain.CloseEvent)
	if !ok || closeEv.SignalID != 9 || closeEv.Reason != domain.CloseReasonDisappeared {
		t.Errorf("events[1] = %+v, want disappearance close of signal 9", events[1])
	}
}

func TestCloseManualWithoutBinding(t *testing.T) {
	f := newFixture(domain.CategoryLinear)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.rec.Run(ctx) }()

	p := linear("ETHUSDT", domain.SideSell, "2", "3000")
	if err := f.rec.OpenManual(ctx, p); err != nil {
		t.Fatalf("OpenManual: %v", err)
	}
	// The binding for signal 42 is never delivered.
	if err := f.rec.CloseManual(ctx, 42, p.Key(), d("2700"), nil); err != nil {
		t.Fatalf("CloseManual: %v", err)
	}

	status, err := f.rec.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(status) != 0 {
		t.Fatalf("entry lingers after close: %+v", status)
	}
	if err := f.rec.OpenManual(ctx, p); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}

	events := f.sink.take()
	closeEv, ok := events[1].(domain.CloseEvent)
	if !ok || closeEv.SignalID != 42 || closeEv.Key != p.Key() {
		t.Fatalf("events[1] = %+v, want close of signal 42 at %s", events[1], p.Key())
	}
	if closeEv.ProfitPct == nil || *closeEv.ProfitPct != 10 {
		t.Errorf("profit = %v, want 10", closeEv.ProfitPct)
	}
}

func TestKeyForSignal(t *testing.T) {
	eth := linear("ETHUSDT", domain.SideSell, "2", "3000")
	tests := []struct {
		name    string
		bound   int64
		signal  int64
		hint    domain.PositionKey
		wantKey domain.PositionKey
		wantOK  bool
	}{
		{"bound", 42, 42, domain.PositionKey{}, eth.Key(), true},
		{"unbound entry at hint", 0, 42, eth.Key(), eth.Key(), true},
		{"hint bound to another signal", 7, 42, eth.Key(), domain.PositionKey{}, false},
		{"hint not tracked", 0, 42, btcLong, domain.PositionKey{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(domain.CategoryLinear)
			f.rec.Seed(eth, tt.bound)

			key, ok := f.rec.keyForSignal(tt.signal, tt.hint)
			if ok != tt.wantOK || key != tt.wantKey {
				t.Errorf("keyForSignal() = %s, %v, want %s, %v", key, ok, tt.wantKey, tt.wantOK)
			}
		})
	}
}

func TestPercentHelpers(t *testing.T) {
	tests := []struct {
		name string
		fn   func() float64
		want float64
	}{
		{"increase", func() float64 { return IncreasePercent(d("1.0"), d("1.5")) }, 50},
		{"increase from zero", func() float64 { return IncreasePercent(d("0"), d("1")) }, 100},
		{"close", func() float64 { return ClosePercent(d("2.0"), d("1.0")) }, 50},
		{"close all", func() float64 { return ClosePercent(d("4"), d("0")) }, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
