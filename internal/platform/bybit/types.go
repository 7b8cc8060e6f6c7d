package bybit

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// --------------------------------------------------------------------------
// Bybit v5 API DTOs
// --------------------------------------------------------------------------

// envelope is the common v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// APIError is returned when the exchange answers with a non-zero retCode.
// It matches domain.ErrExchange under errors.Is.
type APIError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit: %s: retCode %d: %s", e.Endpoint, e.Code, e.Message)
}

// Is reports whether target is domain.ErrExchange.
func (e *APIError) Is(target error) bool { return target == domain.ErrExchange }

// IsAPIError reports whether err carries a non-success result code.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

type positionList struct {
	Category       string        `json:"category"`
	List           []rawPosition `json:"list"`
	NextPageCursor string        `json:"nextPageCursor"`
}

type rawPosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	PositionValue string `json:"positionValue"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	Leverage      string `json:"leverage"`
	UpdatedTime   string `json:"updatedTime"`
}

type executionList struct {
	Category       string         `json:"category"`
	List           []rawExecution `json:"list"`
	NextPageCursor string         `json:"nextPageCursor"`
}

type rawExecution struct {
	ExecID     string `json:"execId"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	ExecPrice  string `json:"execPrice"`
	OrderPrice string `json:"orderPrice"`
	ExecQty    string `json:"execQty"`
	OrderQty   string `json:"orderQty"`
	ClosedPnl  string `json:"closedPnl"`
	ExecTime   string `json:"execTime"`
}

// WalletBalance is one account's balance summary.
type WalletBalance struct {
	AccountType           string        `json:"accountType"`
	TotalEquity           string        `json:"totalEquity"`
	TotalWalletBalance    string        `json:"totalWalletBalance"`
	TotalAvailableBalance string        `json:"totalAvailableBalance"`
	TotalPerpUPL          string        `json:"totalPerpUPL"`
	Coins                 []CoinBalance `json:"coin"`
}

// CoinBalance is the per-coin part of a wallet balance.
type CoinBalance struct {
	Coin           string `json:"coin"`
	Equity         string `json:"equity"`
	WalletBalance  string `json:"walletBalance"`
	UnrealisedPnl  string `json:"unrealisedPnl"`
	CumRealisedPnl string `json:"cumRealisedPnl"`
}

type walletList struct {
	List []WalletBalance `json:"list"`
}

// AccountInfo describes the account's margin configuration.
type AccountInfo struct {
	UnifiedMarginStatus int    `json:"unifiedMarginStatus"`
	MarginMode          string `json:"marginMode"`
	IsMasterTrader      bool   `json:"isMasterTrader"`
	UpdatedTime         string `json:"updatedTime"`
}
