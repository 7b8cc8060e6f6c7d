package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var btcSell = domain.PositionKey{Category: domain.CategoryLinear, Symbol: "BTCUSDT", Side: domain.SideSell}

// memStore is an in-memory signal and position update store.
type memStore struct {
	mu       sync.Mutex
	signals  map[int64]domain.Signal
	updates  []domain.PositionUpdate
	nextID   int64
	auditErr error
}

func newMemStore() *memStore {
	return &memStore{signals: make(map[int64]domain.Signal)}
}

func (m *memStore) CreateSignal(_ context.Context, ns domain.NewSignal) (domain.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	var number int64
	for _, s := range m.signals {
		number = max(number, s.SignalNumber)
	}
	entry := ns.EntryPrice
	sig := domain.Signal{
		ID: m.nextID, SignalNumber: number + 1, Symbol: ns.Symbol, Category: ns.Category,
		Side: ns.Side, Action: domain.ActionOpen, PositionSize: ns.Size, EntryPrice: &entry,
		Leverage: ns.Leverage, EntryTime: ns.EntryTime,
	}
	m.signals[sig.ID] = sig
	return sig, nil
}

func (m *memStore) UpdateSignal(_ context.Context, id int64, p domain.SignalPatch) (domain.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.signals[id]
	if !ok {
		return domain.Signal{}, domain.ErrNotFound
	}
	if sig.IsCompleted {
		return sig, domain.ErrSignalCompleted
	}
	sig = p.Apply(sig)
	m.signals[id] = sig
	return sig, nil
}

func (m *memStore) MarkCompleted(_ context.Context, id int64) (domain.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.signals[id]
	if !ok {
		return domain.Signal{}, domain.ErrNotFound
	}
	sig.IsCompleted = true
	m.signals[id] = sig
	return sig, nil
}

func (m *memStore) GetSignal(_ context.Context, id int64) (domain.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.signals[id]
	if !ok {
		return domain.Signal{}, domain.ErrNotFound
	}
	return sig, nil
}

func (m *memStore) GetOpenSignals(context.Context) ([]domain.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Signal
	for _, s := range m.signals {
		if !s.IsCompleted {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignalNumber < out[j].SignalNumber })
	return out, nil
}

func (m *memStore) FindOpenSignal(ctx context.Context, key domain.PositionKey) (domain.Signal, error) {
	open, _ := m.GetOpenSignals(ctx)
	for i := len(open) - 1; i >= 0; i-- {
		if open[i].Key() == key {
			return open[i], nil
		}
	}
	return domain.Signal{}, fmt.Errorf("find %s: %w", key, domain.ErrNotFound)
}

func (m *memStore) ListSignals(context.Context, domain.ListOpts) ([]domain.Signal, error) {
	return nil, nil
}

func (m *memStore) ListCompletedBetween(context.Context, time.Time, time.Time) ([]domain.Signal, error) {
	return nil, nil
}

func (m *memStore) CreatePositionUpdate(_ context.Context, u domain.PositionUpdate) (domain.PositionUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auditErr != nil {
		return u, m.auditErr
	}
	u.ID = int64(len(m.updates) + 1)
	m.updates = append(m.updates, u)
	return u, nil
}

func (m *memStore) ListPositionUpdates(_ context.Context, signalID int64) ([]domain.PositionUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PositionUpdate
	for _, u := range m.updates {
		if u.SignalID == signalID {
			out = append(out, u)
		}
	}
	return out, nil
}

type notification struct {
	kind     string
	signalID int64
	pct      float64
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) add(kind string, sig domain.Signal, pct float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{kind: kind, signalID: sig.ID, pct: pct})
}

func (n *recordingNotifier) NotifyEntry(_ context.Context, sig domain.Signal) { n.add("entry", sig, 0) }
func (n *recordingNotifier) NotifyIncrease(_ context.Context, sig domain.Signal, pct float64) {
	n.add("increase", sig, pct)
}
func (n *recordingNotifier) NotifyPartialClose(_ context.Context, sig domain.Signal, pct float64) {
	n.add("partial", sig, pct)
}
func (n *recordingNotifier) NotifyExit(_ context.Context, sig domain.Signal) { n.add("exit", sig, 0) }

type recordingBus struct {
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newRecordingBus() *recordingBus {
	return &recordingBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *recordingBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type sliceArchiver struct{ signals []domain.Signal }

func (a *sliceArchiver) Append(sig domain.Signal) { a.signals = append(a.signals, sig) }

type countingMetrics struct {
	applied      map[domain.Action]int
	failed       int
	auditSkipped int
}

func (m *countingMetrics) ObserveApplied(action domain.Action, _ time.Duration, err error) {
	if m.applied == nil {
		m.applied = map[domain.Action]int{}
	}
	if err != nil {
		m.failed++
		return
	}
	m.applied[action]++
}
func (m *countingMetrics) ObserveAuditSkipped() { m.auditSkipped++ }
func (m *countingMetrics) SetQueueDepth(int)    {}

type workerFixture struct {
	store    *memStore
	notifier *recordingNotifier
	bus      *recordingBus
	archive  *sliceArchiver
	metrics  *countingMetrics
	worker   *LifecycleWorker
}

func newWorkerFixture() *workerFixture {
	f := &workerFixture{
		store:    newMemStore(),
		notifier: &recordingNotifier{},
		bus:      newRecordingBus(),
		archive:  &sliceArchiver{},
		metrics:  &countingMetrics{},
	}
	f.worker = NewLifecycleWorker(WorkerConfig{QueueSize: 8, DrainTimeout: time.Second}, f.store, f.store, WorkerDeps{
		Notifier: f.notifier,
		Bus:      f.bus,
		Archiver: f.archive,
		Metrics:  f.metrics,
	}, discardLogger())
	return f
}

func openEvent(id string, size, price string) domain.OpenEvent {
	return domain.OpenEvent{
		EventMeta: domain.EventMeta{ID: id, Key: btcSell, At: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		Size:      d(size),
		AvgPrice:  d(price),
		MarkPrice: d(price),
		Leverage:  "10",
	}
}
