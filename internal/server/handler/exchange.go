package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/signalbot/internal/platform/bybit"
)

// AccountReader reads account state from the exchange.
type AccountReader interface {
	GetWalletBalance(ctx context.Context, accountType string) ([]bybit.WalletBalance, error)
	GetAccountInfo(ctx context.Context) (bybit.AccountInfo, error)
}

// ExchangeHandler proxies read-only account endpoints of the exchange.
type ExchangeHandler struct {
	exchange AccountReader
	logger   *slog.Logger
}

// NewExchangeHandler creates an ExchangeHandler.
func NewExchangeHandler(exchange AccountReader, logger *slog.Logger) *ExchangeHandler {
	return &ExchangeHandler{exchange: exchange, logger: logger}
}

// Wallet returns the wallet balance for an account type (default UNIFIED).
// GET /api/exchange/wallet?account_type=UNIFIED
func (h *ExchangeHandler) Wallet(w http.ResponseWriter, r *http.Request) {
	accountType := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("account_type")))
	if accountType == "" {
		accountType = "UNIFIED"
	}
	balances, err := h.exchange.GetWalletBalance(r.Context(), accountType)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to fetch wallet balance", err)
		return
	}
	if balances == nil {
		balances = []bybit.WalletBalance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": balances})
}

// Account returns the account's margin configuration.
// GET /api/exchange/account
func (h *ExchangeHandler) Account(w http.ResponseWriter, r *http.Request) {
	info, err := h.exchange.GetAccountInfo(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to fetch account info", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
