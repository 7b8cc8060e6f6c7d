package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

func TestAggregateClosingFills(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name      string
		fills     []domain.Execution
		side      domain.Side
		wantPrice string
		wantPnl   string
		wantFills int
		wantTime  time.Time
	}{
		{
			name:      "no fills falls back to mark",
			side:      domain.SideBuy,
			wantPrice: "100",
			wantPnl:   "0",
			wantTime:  now,
		},
		{
			name: "only same-side fills",
			fills: []domain.Execution{
				{Side: domain.SideBuy, Price: d("99"), Qty: d("1"), ClosedPnl: d("5")},
			},
			side:      domain.SideBuy,
			wantPrice: "100",
			wantPnl:   "0",
			wantTime:  now,
		},
		{
			name: "weighted by quantity",
			fills: []domain.Execution{
				{Side: domain.SideBuy, Price: d("90"), Qty: d("3"), ClosedPnl: d("30"), ExecTime: "2024-05-01T10:00:00Z"},
				{Side: domain.SideBuy, Price: d("100"), Qty: d("1"), ClosedPnl: d("10"), ExecTime: "1714550000000"},
			},
			side:      domain.SideSell,
			wantPrice: "92.5",
			wantPnl:   "40",
			wantFills: 2,
			wantTime:  time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name: "zero price fill counts pnl but not price",
			fills: []domain.Execution{
				{Side: domain.SideSell, Price: d("0"), Qty: d("1"), ClosedPnl: d("-3"), ExecTime: "garbage"},
				{Side: domain.SideSell, Price: d("110"), Qty: d("2"), ClosedPnl: d("20")},
			},
			side:      domain.SideBuy,
			wantPrice: "110",
			wantPnl:   "17",
			wantFills: 2,
			wantTime:  now,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := aggregateClosingFills(tt.fills, tt.side, d("100"), time.Time{}, now)
			if !got.Price.Equal(d(tt.wantPrice)) {
				t.Errorf("Price = %s, want %s", got.Price, tt.wantPrice)
			}
			if !got.RealizedPnl.Equal(d(tt.wantPnl)) {
				t.Errorf("RealizedPnl = %s, want %s", got.RealizedPnl, tt.wantPnl)
			}
			if got.Fills != tt.wantFills {
				t.Errorf("Fills = %d, want %d", got.Fills, tt.wantFills)
			}
			if !got.Time.Equal(tt.wantTime) {
				t.Errorf("Time = %v, want %v", got.Time, tt.wantTime)
			}
		})
	}
}

func TestResolvePartialUsesFillsSinceLastObservation(t *testing.T) {
	ex := newFakeExchange()
	since := time.UnixMilli(1700000000000)
	ex.fills = []domain.Execution{
		{Side: domain.SideSell, Price: d("52000"), Qty: d("1"), ClosedPnl: d("200"), ExecTime: "1700000005000"},
		{Side: domain.SideSell, Price: d("51000"), Qty: d("1"), ClosedPnl: d("100"), ExecTime: "1700000003000"},
		{Side: domain.SideSell, Price: d("40000"), Qty: d("5"), ClosedPnl: d("-999"), ExecTime: "1699999000000"},
	}
	r := NewResolver(ex, 20, 10, discardLogger())

	got := r.ResolvePartial(context.Background(), linear("BTCUSDT", domain.SideBuy, "1", "50000"), since)
	if got.Fills != 2 {
		t.Fatalf("Fills = %d, want 2", got.Fills)
	}
	if !got.Price.Equal(d("51500")) || !got.RealizedPnl.Equal(d("300")) {
		t.Errorf("exit = %s pnl %s, want 51500 pnl 300", got.Price, got.RealizedPnl)
	}
}

func TestResolvePartialFallsBackToLatestClosingFill(t *testing.T) {
	ex := newFakeExchange()
	ex.fills = []domain.Execution{
		{Side: domain.SideBuy, Price: d("1"), Qty: d("1")},
		{Side: domain.SideSell, Price: d("51000"), Qty: d("1"), ClosedPnl: d("100")},
		{Side: domain.SideSell, Price: d("40000"), Qty: d("1"), ClosedPnl: d("5")},
	}
	r := NewResolver(ex, 20, 10, discardLogger())

	got := r.ResolvePartial(context.Background(), linear("BTCUSDT", domain.SideBuy, "1", "50000"), time.Now())
	if got.Fills != 1 || !got.Price.Equal(d("51000")) || !got.RealizedPnl.Equal(d("100")) {
		t.Errorf("exit = %+v", got)
	}
}

func TestResolveCloseFetchFailure(t *testing.T) {
	ex := newFakeExchange()
	ex.fillsErr = errors.New("timeout")
	r := NewResolver(ex, 20, 10, discardLogger())

	last := linear("BTCUSDT", domain.SideBuy, "1", "50000")
	last.MarkPrice = d("50500")
	got := r.ResolveClose(context.Background(), last)
	if !got.Price.Equal(d("50500")) || !got.RealizedPnl.IsZero() || got.Fills != 0 {
		t.Errorf("exit = %+v, want mark price fallback", got)
	}
	if got.Time.IsZero() {
		t.Error("exit time not defaulted")
	}
}

func TestParseExecTime(t *testing.T) {
	tests := []struct {
		in     string
		want   time.Time
		wantOK bool
	}{
		{"1700000000000", time.UnixMilli(1700000000000), true},
		{"2024-05-01T10:00:00Z", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), true},
		{"2024-05-01T10:00:00.123+02:00", time.Date(2024, 5, 1, 8, 0, 0, 123e6, time.UTC), true},
		{"", time.Time{}, false},
		{"yesterday", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := parseExecTime(tt.in)
		if ok != tt.wantOK || !got.Equal(tt.want) {
			t.Errorf("parseExecTime(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestProfitPercent(t *testing.T) {
	if got := domain.ProfitPercent(domain.SideBuy, d("0"), d("10")); got != nil {
		t.Errorf("zero entry = %v, want nil", *got)
	}
	if got := domain.ProfitPercent(domain.SideBuy, d("100"), d("110")); got == nil || *got != 10 {
		t.Errorf("long = %v, want 10", got)
	}
	if got := domain.ProfitPercent(domain.SideSell, d("100"), d("110")); got == nil || *got != -10 {
		t.Errorf("short = %v, want -10", got)
	}
}
