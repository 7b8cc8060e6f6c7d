package s3blob

import (
	"bytes"
	"context"
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
	contentTypeJSONL = "application/x-ndjson"
	contentTypeJSON  = "application/json"
	// multipartThreshold switches batch uploads to the multipart manager.
	multipartThreshold = 8 * 1024 * 1024
	defaultMaxBuffered = 10000
)

// signalRecord is the archived form of a completed signal.
type signalRecord struct {
	ID               int64      `json:"id"`
	SignalNumber     int64      `json:"signal_number"`
	Symbol           string     `json:"symbol"`
	Category         string     `json:"category"`
	Side             string     `json:"side"`
	Action           string     `json:"action"`
	PositionSize     string     `json:"position_size"`
	OldPositionSize  *string    `json:"old_position_size,omitempty"`
	EntryPrice       *string    `json:"entry_price,omitempty"`
	ExitPrice        *string    `json:"exit_price,omitempty"`
	Leverage         string     `json:"leverage"`
	RealizedPnl      *string    `json:"realized_pnl,omitempty"`
	ClosePercentage  *float64   `json:"close_percentage,omitempty"`
	ProfitPercentage *float64   `json:"profit_percentage,omitempty"`
	EntryTime        time.Time  `json:"entry_time"`
	ExitTime         *time.Time `json:"exit_time,omitempty"`
}

func newSignalRecord(s domain.Signal) signalRecord {
	return signalRecord{
		ID:               s.ID,
		SignalNumber:     s.SignalNumber,
		Symbol:           s.Symbol,
		Category:         s.Category.Label(),
		Side:             s.Side.Label(),
		Action:           string(s.Action),
		PositionSize:     s.PositionSize.String(),
		OldPositionSize:  decimalString(s.OldPositionSize),
		EntryPrice:       decimalString(s.EntryPrice),
		ExitPrice:        decimalString(s.ExitPrice),
		Leverage:         s.Leverage,
		RealizedPnl:      decimalString(s.RealizedPnl),
		ClosePercentage:  s.ClosePercentage,
		ProfitPercentage: s.ProfitPercentage,
		EntryTime:        s.EntryTime,
		ExitTime:         s.ExitTime,
	}
}

type summaryRecord struct {
	Date        string         `json:"date"`
	Count       int            `json:"count"`
	TotalProfit float64        `json:"total_profit"`
	Signals     []signalRecord `json:"signals"`
}

// Archiver buffers completed signals in memory and uploads them as JSONL
// batches. It also stores daily summaries. Records are not deleted from the
// primary store.
type Archiver struct {
	writer      domain.BlobWriter
	reader      domain.BlobReader
	logger      *slog.Logger
	now         func() time.Time
	maxBuffered int

	mu      sync.Mutex
	pending []domain.Signal
}

// NewArchiver creates an Archiver. reader may be nil, in which case
// SummaryExists always reports false.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:      writer,
		reader:      reader,
		logger:      logger.With(slog.String("component", "archiver")),
		now:         time.Now,
		maxBuffered: defaultMaxBuffered,
	}
}

// Append buffers a completed signal for the next flush. When the buffer is
// full the oldest record is dropped.
func (a *Archiver) Append(sig domain.Signal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) >= a.maxBuffered {
		a.logger.Warn("archiver: buffer full, dropping oldest record",
			slog.Int64("signal_id", a.pending[0].ID),
		)
		a.pending = a.pending[1:]
	}
	a.pending = append(a.pending, sig)
}

// Pending returns the number of buffered records.
func (a *Archiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Run flushes on every interval tick and once more when ctx is done.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if _, err := a.Flush(fctx); err != nil {
				a.logger.Error("archiver: final flush failed", slog.Any("error", err))
			}
			return nil
		case <-ticker.C:
			if _, err := a.Flush(ctx); err != nil {
				a.logger.WarnContext(ctx, "archiver: flush failed, batch kept for retry", slog.Any("error", err))
			}
		}
	}
}

// Flush uploads all buffered records as one JSONL object and returns its
// path. A failed upload puts the batch back in front of newer records.
func (a *Archiver) Flush(ctx context.Context) (string, error) {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return "", nil
	}

	records := make([]signalRecord, len(batch))
	for i, s := range batch {
		records[i] = newSignalRecord(s)
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		a.requeue(batch)
		return "", fmt.Errorf("s3blob: archive signals marshal: %w", err)
	}

	path := completedPath(a.now().UTC())
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		a.requeue(batch)
		return "", fmt.Errorf("s3blob: archive signals upload: %w", err)
	}

	a.logger.InfoContext(ctx, "archiver: batch uploaded",
		slog.String("path", path),
		slog.Int("count", len(batch)),
	)
	return path, nil
}

func (a *Archiver) requeue(batch []domain.Signal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(batch, a.pending...)
	if over := len(a.pending) - a.maxBuffered; over > 0 {
		a.pending = a.pending[over:]
	}
}

// PutSummary stores a daily summary at summaries/YYYY-MM-DD.json, replacing
// any earlier version.
func (a *Archiver) PutSummary(ctx context.Context, summary domain.DailySummary) error {
	rec := summaryRecord{
		Date:        summary.Date.Format(time.DateOnly),
		Count:       len(summary.Signals),
		TotalProfit: summary.TotalProfit,
		Signals:     make([]signalRecord, len(summary.Signals)),
	}
	for i, s := range summary.Signals {
		rec.Signals[i] = newSignalRecord(s)
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("s3blob: summary marshal: %w", err)
	}
	if err := a.writer.Put(ctx, summaryPath(summary.Date), bytes.NewReader(buf), contentTypeJSON); err != nil {
		return fmt.Errorf("s3blob: summary upload: %w", err)
	}
	return nil
}

// SummaryExists reports whether the summary of date was already stored.
func (a *Archiver) SummaryExists(ctx context.Context, date time.Time) (bool, error) {
	if a.reader == nil {
		return false, nil
	}
	return a.reader.Exists(ctx, summaryPath(date))
}

// completedPath partitions batches by day:
//
//	signals/completed/2025/01/31/20250131T235959.123Z.jsonl
func completedPath(at time.Time) string {
	return fmt.Sprintf("signals/completed/%s/%s.jsonl",
		at.Format("2006/01/02"), at.Format("20060102T150405.000Z"))
}

func summaryPath(date time.Time) string {
	return fmt.Sprintf("summaries/%s.json", date.Format(time.DateOnly))
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
