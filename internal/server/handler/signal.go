package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// SignalReader defines the signal queries the handler needs.
type SignalReader interface {
	GetSignal(ctx context.Context, id int64) (domain.Signal, error)
	GetOpenSignals(ctx context.Context) ([]domain.Signal, error)
	ListSignals(ctx context.Context, opts domain.ListOpts) ([]domain.Signal, error)
}

// UpdateReader lists the transition history of a signal.
type UpdateReader interface {
	ListPositionUpdates(ctx context.Context, signalID int64) ([]domain.PositionUpdate, error)
}

// DeliveryStore lists and records signal deliveries.
type DeliveryStore interface {
	GetUsersForSignal(ctx context.Context, signalID int64) ([]domain.User, error)
	RecordDelivery(ctx context.Context, signalID, userID int64) error
}

// SignalHandler serves the signal record endpoints.
type SignalHandler struct {
	signals    SignalReader
	updates    UpdateReader
	deliveries DeliveryStore
	logger     *slog.Logger
}

// NewSignalHandler creates a SignalHandler.
func NewSignalHandler(signals SignalReader, updates UpdateReader, deliveries DeliveryStore, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{
		signals:    signals,
		updates:    updates,
		deliveries: deliveries,
		logger:     logger,
	}
}

type listSignalsResponse struct {
	Signals []signalView `json:"signals"`
}

// ListSignals returns signals ordered by entry time, newest first.
// GET /api/signals?limit=50&offset=0&since=...&until=...
func (h *SignalHandler) ListSignals(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	signals, err := h.signals.ListSignals(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list signals", err)
		return
	}
	writeJSON(w, http.StatusOK, listSignalsResponse{Signals: newSignalViews(signals)})
}

// ListOpen returns every signal that has not completed.
// GET /api/signals/open
func (h *SignalHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	signals, err := h.signals.GetOpenSignals(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list open signals", err)
		return
	}
	writeJSON(w, http.StatusOK, listSignalsResponse{Signals: newSignalViews(signals)})
}

// GetSignal returns one signal.
// GET /api/signals/{id}
func (h *SignalHandler) GetSignal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid signal id")
		return
	}
	sig, err := h.signals.GetSignal(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to get signal", err)
		return
	}
	writeJSON(w, http.StatusOK, newSignalView(sig))
}

// ListUpdates returns the transition history of a signal, oldest first.
// GET /api/signals/{id}/updates
func (h *SignalHandler) ListUpdates(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid signal id")
		return
	}
	updates, err := h.updates.ListPositionUpdates(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list position updates", err)
		return
	}
	out := make([]updateView, len(updates))
	for i, u := range updates {
		out[i] = updateView{
			ID:              u.ID,
			SignalID:        u.SignalID,
			Action:          string(u.Action),
			PositionSize:    u.PositionSize.String(),
			Price:           decimalString(u.Price),
			ClosePercentage: u.ClosePercentage,
			RealizedPnl:     decimalString(u.RealizedPnl),
			CreatedAt:       u.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"updates": out})
}

// ListUsers returns the users a signal was delivered to.
// GET /api/signals/{id}/users
func (h *SignalHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid signal id")
		return
	}
	users, err := h.deliveries.GetUsersForSignal(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list signal users", err)
		return
	}
	out := make([]userView, len(users))
	for i, u := range users {
		out[i] = userView{
			ID:             u.ID,
			TelegramID:     u.TelegramID,
			Username:       u.Username,
			SignalsBalance: u.SignalsBalance,
			IsActive:       u.IsActive,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

// RecordDelivery links a user to a signal after the bot delivered it.
// Recording the same pair twice is not an error.
// POST /api/signals/{id}/users/{userID}
func (h *SignalHandler) RecordDelivery(w http.ResponseWriter, r *http.Request) {
	signalID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid signal id")
		return
	}
	userID, ok := pathID(r, "userID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := h.deliveries.RecordDelivery(r.Context(), signalID, userID); err != nil {
		writeServiceError(w, r, h.logger, "failed to record delivery", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signal_id": signalID,
		"user_id":   userID,
	})
}
