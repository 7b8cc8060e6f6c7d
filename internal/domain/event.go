package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LifecycleEvent is one classified position transition. The concrete types
// are OpenEvent, IncreaseEvent, PartialCloseEvent and CloseEvent.
type LifecycleEvent interface {
	Action() Action
	Meta() EventMeta
	lifecycleEvent()
}

// EventMeta is shared by every lifecycle event. SignalID is zero when the
// reconciler has not yet learned which signal the key is bound to.
type EventMeta struct {
	ID       string
	Key      PositionKey
	SignalID int64
	At       time.Time
}

// Meta returns the shared event fields.
func (m EventMeta) Meta() EventMeta { return m }

// OpenEvent starts a new lifecycle for a key.
type OpenEvent struct {
	EventMeta
	Size      decimal.Decimal
	AvgPrice  decimal.Decimal
	MarkPrice decimal.Decimal
	Leverage  string
	Manual    bool
}

// IncreaseEvent records a size increase on a tracked key.
type IncreaseEvent struct {
	EventMeta
	NewSize     decimal.Decimal
	OldSize     decimal.Decimal
	NewAvgPrice decimal.Decimal
	OldAvgPrice decimal.Decimal
	IncreasePct float64
}

// ExitFill is the exit price and realized PnL resolved from execution history.
type ExitFill struct {
	Price       decimal.Decimal
	RealizedPnl decimal.Decimal
	Time        time.Time
	// Fills is the number of closing fills used. Zero means Price is the
	// mark-price fallback.
	Fills int
}

// PartialCloseEvent records a size reduction that leaves the position open.
type PartialCloseEvent struct {
	EventMeta
	NewSize  decimal.Decimal
	OldSize  decimal.Decimal
	AvgPrice decimal.Decimal
	ClosePct float64
	Exit     ExitFill
}

// CloseReason says how a close was observed.
type CloseReason string

const (
	CloseReasonZeroSize    CloseReason = "zero_size"
	CloseReasonDisappeared CloseReason = "disappeared"
	CloseReasonManual      CloseReason = "manual"
)

// CloseEvent ends a lifecycle. ClosePct is always 100.
type CloseEvent struct {
	EventMeta
	OldSize    decimal.Decimal
	EntryPrice decimal.Decimal
	Exit       ExitFill
	ClosePct   float64
	ProfitPct  *float64
	Reason     CloseReason
}

func (OpenEvent) Action() Action         { return ActionOpen }
func (IncreaseEvent) Action() Action     { return ActionIncrease }
func (PartialCloseEvent) Action() Action { return ActionPartialClose }
func (CloseEvent) Action() Action        { return ActionClose }

func (OpenEvent) lifecycleEvent()         {}
func (IncreaseEvent) lifecycleEvent()     {}
func (PartialCloseEvent) lifecycleEvent() {}
func (CloseEvent) lifecycleEvent()        {}

// SignalBinding tells the reconciler which signal a key was persisted as.
type SignalBinding struct {
	Key      PositionKey
	SignalID int64
	// EventID is the open event that produced the binding.
	EventID string
}

// ProfitPercent computes the profit of a closed position relative to its
// entry. It returns nil when the entry price is zero.
func ProfitPercent(side Side, entry, exit decimal.Decimal) *float64 {
	if entry.IsZero() {
		return nil
	}
	diff := exit.Sub(entry)
	if side == SideSell {
		diff = entry.Sub(exit)
	}
	pct, _ := diff.Div(entry).Mul(decimal.NewFromInt(100)).Float64()
	return &pct
}
