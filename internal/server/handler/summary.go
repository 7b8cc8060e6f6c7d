package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// SummaryReader builds the daily summary of completed signals.
type SummaryReader interface {
	Daily(ctx context.Context, date time.Time) (domain.DailySummary, error)
}

// SummaryHandler serves daily summaries.
type SummaryHandler struct {
	summaries SummaryReader
	logger    *slog.Logger
}

// NewSummaryHandler creates a SummaryHandler.
func NewSummaryHandler(summaries SummaryReader, logger *slog.Logger) *SummaryHandler {
	return &SummaryHandler{summaries: summaries, logger: logger}
}

// Daily returns the signals completed on a UTC calendar day and the sum of
// their profit percentages.
// GET /api/daily_summary/{date}
func (h *SummaryHandler) Daily(w http.ResponseWriter, r *http.Request) {
	date, err := time.Parse(time.DateOnly, r.PathValue("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	summary, err := h.summaries.Daily(r.Context(), date)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to build daily summary", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":         summary.Date.Format(time.DateOnly),
		"count":        len(summary.Signals),
		"total_profit": summary.TotalProfit,
		"signals":      newSignalViews(summary.Signals),
	})
}
