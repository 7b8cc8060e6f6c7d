package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// TrackerControl is the command surface of the running reconciler.
type TrackerControl interface {
	Status(ctx context.Context) ([]domain.TrackedPosition, error)
	OpenManual(ctx context.Context, p domain.Position) error
	CloseManual(ctx context.Context, signalID int64, key domain.PositionKey, exitPrice decimal.Decimal, profit *float64) error
}

// TrackerHandler exposes the reconciler's status and manual commands.
type TrackerHandler struct {
	tracker TrackerControl
	signals SignalReader
	logger  *slog.Logger
}

// NewTrackerHandler creates a TrackerHandler. signals is used to reject
// closes of unknown or completed signals before they reach the poll loop.
func NewTrackerHandler(tracker TrackerControl, signals SignalReader, logger *slog.Logger) *TrackerHandler {
	return &TrackerHandler{tracker: tracker, signals: signals, logger: logger}
}

// Status lists the tracked positions with their signal ids.
// GET /api/tracker/status
func (h *TrackerHandler) Status(w http.ResponseWriter, r *http.Request) {
	tracked, err := h.tracker.Status(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to read tracker status", err)
		return
	}
	out := make([]trackedView, len(tracked))
	for i, t := range tracked {
		out[i] = trackedView{
			Category:      t.Category.Label(),
			Symbol:        t.Symbol,
			Side:          t.Side.Label(),
			Size:          t.Size.String(),
			AvgPrice:      t.AvgPrice.String(),
			MarkPrice:     t.MarkPrice.String(),
			UnrealisedPnl: t.UnrealisedPnl.String(),
			Leverage:      t.Leverage,
			SignalID:      t.SignalID,
			UpdatedAt:     t.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tracked": out,
		"count":   len(out),
	})
}

// openTestRequest is the body of POST /api/signals/test.
type openTestRequest struct {
	Symbol     string          `json:"symbol"`
	Category   string          `json:"category"`
	Side       string          `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Leverage   string          `json:"leverage"`
}

func (req openTestRequest) position() (domain.Position, error) {
	category := domain.CategoryLinear
	if req.Category != "" {
		c, err := domain.ParseCategory(req.Category)
		if err != nil {
			return domain.Position{}, err
		}
		category = c
	}
	side, err := domain.ParseSide(req.Side)
	if err != nil {
		return domain.Position{}, err
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return domain.Position{}, errors.New("symbol is required")
	}
	if !req.Size.IsPositive() {
		return domain.Position{}, errors.New("size must be positive")
	}
	if req.EntryPrice.IsNegative() {
		return domain.Position{}, errors.New("entry_price must not be negative")
	}
	leverage := strings.TrimSpace(req.Leverage)
	if leverage == "" {
		leverage = "1"
	}
	return domain.Position{
		Category:  category,
		Symbol:    symbol,
		Side:      side,
		Size:      req.Size,
		AvgPrice:  req.EntryPrice,
		MarkPrice: req.EntryPrice,
		Leverage:  leverage,
	}, nil
}

// OpenTest starts a manual signal for a position the exchange does not
// report. The signal is persisted asynchronously; poll /api/tracker/status
// for its id.
// POST /api/signals/test
func (h *TrackerHandler) OpenTest(w http.ResponseWriter, r *http.Request) {
	var req openTestRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pos, err := req.position()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.tracker.OpenManual(r.Context(), pos); err != nil {
		writeServiceError(w, r, h.logger, "failed to open test signal", err)
		return
	}
	h.logger.InfoContext(r.Context(), "handler: test signal submitted",
		slog.String("key", pos.Key().String()),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "accepted",
		"symbol":   pos.Symbol,
		"category": pos.Category.Label(),
		"side":     pos.Side.Label(),
	})
}

// closeRequest is the body of POST /api/signals/{id}/close.
type closeRequest struct {
	ExitPrice        decimal.Decimal `json:"exit_price"`
	ProfitPercentage *float64        `json:"profit_percentage"`
}

// Close ends a signal manually at the given exit price.
// POST /api/signals/{id}/close
func (h *TrackerHandler) Close(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid signal id")
		return
	}
	var req closeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.ExitPrice.IsPositive() {
		writeError(w, http.StatusBadRequest, "exit_price must be positive")
		return
	}
	sig, err := h.signals.GetSignal(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to get signal", err)
		return
	}
	if sig.IsCompleted {
		writeError(w, http.StatusConflict, domain.ErrSignalCompleted.Error())
		return
	}
	if err := h.tracker.CloseManual(r.Context(), id, sig.Key(), req.ExitPrice, req.ProfitPercentage); err != nil {
		writeServiceError(w, r, h.logger, "failed to close signal", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "accepted",
		"signal_id":  id,
		"exit_price": req.ExitPrice.String(),
	})
}
