package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// signalView is the JSON shape of a signal. Decimals are rendered as strings
// so no precision is lost on the client.
type signalView struct {
	ID               int64      `json:"id"`
	SignalNumber     int64      `json:"signal_number"`
	Symbol           string     `json:"symbol"`
	Category         string     `json:"category"`
	Side             string     `json:"side"`
	Action           string     `json:"action"`
	PositionSize     string     `json:"position_size"`
	OldPositionSize  *string    `json:"old_position_size"`
	EntryPrice       *string    `json:"entry_price"`
	ExitPrice        *string    `json:"exit_price"`
	Leverage         string     `json:"leverage"`
	RealizedPnl      *string    `json:"realized_pnl"`
	UnrealizedPnl    *string    `json:"unrealized_pnl"`
	ClosePercentage  *float64   `json:"close_percentage"`
	ProfitPercentage *float64   `json:"profit_percentage"`
	EntryTime        time.Time  `json:"entry_time"`
	ExitTime         *time.Time `json:"exit_time"`
	IsCompleted      bool       `json:"is_completed"`
	CreatedAt        time.Time  `json:"created_at"`
}

func newSignalView(s domain.Signal) signalView {
	return signalView{
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
		UnrealizedPnl:    decimalString(s.UnrealizedPnl),
		ClosePercentage:  s.ClosePercentage,
		ProfitPercentage: s.ProfitPercentage,
		EntryTime:        s.EntryTime,
		ExitTime:         s.ExitTime,
		IsCompleted:      s.IsCompleted,
		CreatedAt:        s.CreatedAt,
	}
}

func newSignalViews(signals []domain.Signal) []signalView {
	out := make([]signalView, len(signals))
	for i, s := range signals {
		out[i] = newSignalView(s)
	}
	return out
}

type updateView struct {
	ID              int64     `json:"id"`
	SignalID        int64     `json:"signal_id"`
	Action          string    `json:"action"`
	PositionSize    string    `json:"position_size"`
	Price           *string   `json:"price"`
	ClosePercentage *float64  `json:"close_percentage"`
	RealizedPnl     *string   `json:"realized_pnl"`
	CreatedAt       time.Time `json:"created_at"`
}

type userView struct {
	ID             int64  `json:"id"`
	TelegramID     int64  `json:"telegram_id"`
	Username       string `json:"username"`
	SignalsBalance int    `json:"signals_balance"`
	IsActive       bool   `json:"is_active"`
}

type trackedView struct {
	Category      string    `json:"category"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Size          string    `json:"size"`
	AvgPrice      string    `json:"avg_price"`
	MarkPrice     string    `json:"mark_price"`
	UnrealisedPnl string    `json:"unrealised_pnl"`
	Leverage      string    `json:"leverage"`
	SignalID      int64     `json:"signal_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
