package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is a lifecycle transition applied to a signal.
type Action string

const (
	ActionOpen         Action = "open"
	ActionIncrease     Action = "increase"
	ActionPartialClose Action = "partial_close"
	ActionClose        Action = "close"
)

// Signal is the durable record of one position lifecycle. Decimal fields are
// stored as exact text.
type Signal struct {
	ID               int64
	SignalNumber     int64
	Symbol           string
	Category         Category
	Side             Side
	Action           Action
	PositionSize     decimal.Decimal
	OldPositionSize  *decimal.Decimal
	EntryPrice       *decimal.Decimal
	ExitPrice        *decimal.Decimal
	Leverage         string
	RealizedPnl      *decimal.Decimal
	UnrealizedPnl    *decimal.Decimal
	ClosePercentage  *float64
	ProfitPercentage *float64
	EntryTime        time.Time
	ExitTime         *time.Time
	IsCompleted      bool
	CreatedAt        time.Time
}

// Key derives the position key the signal tracks.
func (s Signal) Key() PositionKey {
	return PositionKey{Category: s.Category, Symbol: s.Symbol, Side: s.Side}
}

// NewSignal carries the fields needed to create a signal at open.
type NewSignal struct {
	Symbol     string
	Category   Category
	Side       Side
	Size       decimal.Decimal
	Leverage   string
	EntryPrice decimal.Decimal
	EntryTime  time.Time
}

// SignalPatch is a sparse update: nil fields leave the stored value untouched.
type SignalPatch struct {
	Action           *Action
	PositionSize     *decimal.Decimal
	OldPositionSize  *decimal.Decimal
	EntryPrice       *decimal.Decimal
	ExitPrice        *decimal.Decimal
	RealizedPnl      *decimal.Decimal
	UnrealizedPnl    *decimal.Decimal
	ClosePercentage  *float64
	ProfitPercentage *float64
	ExitTime         *time.Time
}

// Empty reports whether the patch changes nothing.
func (p SignalPatch) Empty() bool {
	return p.Action == nil && p.PositionSize == nil && p.OldPositionSize == nil &&
		p.EntryPrice == nil && p.ExitPrice == nil && p.RealizedPnl == nil &&
		p.UnrealizedPnl == nil && p.ClosePercentage == nil &&
		p.ProfitPercentage == nil && p.ExitTime == nil
}

// Apply returns a copy of s with the patch fields applied.
func (p SignalPatch) Apply(s Signal) Signal {
	if p.Action != nil {
		s.Action = *p.Action
	}
	if p.PositionSize != nil {
		s.PositionSize = *p.PositionSize
	}
	if p.OldPositionSize != nil {
		s.OldPositionSize = p.OldPositionSize
	}
	if p.EntryPrice != nil {
		s.EntryPrice = p.EntryPrice
	}
	if p.ExitPrice != nil {
		s.ExitPrice = p.ExitPrice
	}
	if p.RealizedPnl != nil {
		s.RealizedPnl = p.RealizedPnl
	}
	if p.UnrealizedPnl != nil {
		s.UnrealizedPnl = p.UnrealizedPnl
	}
	if p.ClosePercentage != nil {
		s.ClosePercentage = p.ClosePercentage
	}
	if p.ProfitPercentage != nil {
		s.ProfitPercentage = p.ProfitPercentage
	}
	if p.ExitTime != nil {
		s.ExitTime = p.ExitTime
	}
	return s
}

// PositionUpdate is an append-only audit row recorded for every transition.
type PositionUpdate struct {
	ID              int64
	SignalID        int64
	Action          Action
	PositionSize    decimal.Decimal
	Price           *decimal.Decimal
	ClosePercentage *float64
	RealizedPnl     *decimal.Decimal
	CreatedAt       time.Time
}

// User is a bot subscriber that can receive signals.
type User struct {
	ID             int64
	TelegramID     int64
	Username       string
	SignalsBalance int
	IsActive       bool
}

// DailySummary aggregates the signals completed on one calendar day.
type DailySummary struct {
	Date        time.Time
	Signals     []Signal
	TotalProfit float64
}
