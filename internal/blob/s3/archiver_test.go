package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newMemWriter() *memWriter {
	return &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if w.err != nil {
		return w.err
	}
	b, _ := io.ReadAll(data)
	w.objects[path] = b
	w.types[path] = contentType
	return nil
}

func (w *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return w.Put(ctx, path, data, "multipart")
}

func (w *memWriter) Exists(_ context.Context, path string) (bool, error) {
	_, ok := w.objects[path]
	return ok, nil
}

func testArchiver(w *memWriter) *Archiver {
	a := NewArchiver(w, w, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return time.Date(2025, 1, 31, 23, 59, 59, 123e6, time.UTC) }
	return a
}

func completedSignal(id int64) domain.Signal {
	exit := decimal.RequireFromString("48985.5")
	profit := 2.5
	at := time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)
	return domain.Signal{
		ID: id, SignalNumber: id, Symbol: "BTCUSDT", Category: domain.CategoryLinear,
		Side: domain.SideSell, Action: domain.ActionClose, PositionSize: decimal.Zero,
		ExitPrice: &exit, Leverage: "10", ProfitPercentage: &profit, ExitTime: &at,
		IsCompleted: true,
	}
}

func TestArchiverFlushWritesJSONL(t *testing.T) {
	w := newMemWriter()
	a := testArchiver(w)
	a.Append(completedSignal(1))
	a.Append(completedSignal(2))

	path, err := a.Flush(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := "signals/completed/2025/01/31/20250131T235959.123Z.jsonl"
	if path != want {
		t.Fatalf("path = %s, want %s", path, want)
	}
	lines := strings.Split(strings.TrimSpace(string(w.objects[path])), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"exit_price":"48985.5"`) || !strings.Contains(lines[0], `"side":"SELL"`) {
		t.Errorf("line = %s", lines[0])
	}
	if w.types[path] != contentTypeJSONL {
		t.Errorf("content type = %s", w.types[path])
	}
	if a.Pending() != 0 {
		t.Errorf("pending = %d, want 0", a.Pending())
	}

	if path, err := a.Flush(context.Background()); err != nil || path != "" {
		t.Errorf("empty flush = %q, %v", path, err)
	}
}

func TestArchiverRequeuesOnFailure(t *testing.T) {
	w := newMemWriter()
	w.err = errors.New("unavailable")
	a := testArchiver(w)
	a.Append(completedSignal(1))

	if _, err := a.Flush(context.Background()); err == nil {
		t.Fatal("expected upload error")
	}
	a.Append(completedSignal(2))
	if a.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", a.Pending())
	}

	w.err = nil
	path, err := a.Flush(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	first := strings.SplitN(string(w.objects[path]), "\n", 2)[0]
	if !strings.Contains(first, `"id":1`) {
		t.Errorf("retried record not first: %s", first)
	}
}

func TestArchiverBufferBound(t *testing.T) {
	a := testArchiver(newMemWriter())
	a.maxBuffered = 2
	for i := int64(1); i <= 3; i++ {
		a.Append(completedSignal(i))
	}
	if a.Pending() != 2 || a.pending[0].ID != 2 {
		t.Errorf("pending = %d, oldest = %d", a.Pending(), a.pending[0].ID)
	}
}

func TestArchiverSummary(t *testing.T) {
	w := newMemWriter()
	a := testArchiver(w)
	date := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	if ok, _ := a.SummaryExists(ctx, date); ok {
		t.Fatal("summary exists before put")
	}
	err := a.PutSummary(ctx, domain.DailySummary{Date: date, Signals: []domain.Signal{completedSignal(1)}, TotalProfit: 2.5})
	if err != nil {
		t.Fatal(err)
	}
	body := w.objects["summaries/2025-01-31.json"]
	if !bytes.Contains(body, []byte(`"total_profit":2.5`)) || !bytes.Contains(body, []byte(`"count":1`)) {
		t.Errorf("summary = %s", body)
	}
	if ok, _ := a.SummaryExists(ctx, date); !ok {
		t.Error("summary not found after put")
	}
}

func TestArchiverRunFlushesOnStop(t *testing.T) {
	w := newMemWriter()
	a := testArchiver(w)
	a.Append(completedSignal(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Run(ctx, time.Hour); err != nil {
		t.Fatal(err)
	}
	if len(w.objects) != 1 {
		t.Errorf("objects = %d, want 1", len(w.objects))
	}
}

func TestEndpointAndPrefix(t *testing.T) {
	tests := []struct {
		endpoint string
		ssl      bool
		want     string
	}{
		{"minio:9000", false, "http://minio:9000"},
		{"e2.example.com", true, "https://e2.example.com"},
		{"https://s3.example.com", false, "https://s3.example.com"},
	}
	for _, tt := range tests {
		if got := normaliseEndpoint(tt.endpoint, tt.ssl); got != tt.want {
			t.Errorf("normaliseEndpoint(%q) = %s, want %s", tt.endpoint, got, tt.want)
		}
	}

	c := &Client{prefix: normalisePrefix("/prod/")}
	if got := c.key("/summaries/x.json"); got != "prod/summaries/x.json" {
		t.Errorf("key = %s", got)
	}
	if normalisePrefix("") != "" {
		t.Error("empty prefix not preserved")
	}
}
