package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Category is an exchange product category. Values use the exchange's
// lower-case spelling.
type Category string

const (
	CategorySpot    Category = "spot"
	CategoryLinear  Category = "linear"
	CategoryInverse Category = "inverse"
)

// ParseCategory accepts any capitalization ("LINEAR", "linear").
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategorySpot, CategoryLinear, CategoryInverse:
		return c, nil
	default:
		return "", fmt.Errorf("%w: unknown category %q", ErrInvalidInput, s)
	}
}

// Label is the upper-case form stored on signal records.
func (c Category) Label() string { return strings.ToUpper(string(c)) }

// Side is a position side in the exchange's capitalization ("Buy", "Sell").
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// ParseSide accepts "buy", "BUY", "Buy" and the sell equivalents.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return "", fmt.Errorf("%w: unknown side %q", ErrInvalidInput, s)
	}
}

// Opposite returns the side a closing fill trades on.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Label is the upper-case form stored on signal records.
func (s Side) Label() string { return strings.ToUpper(string(s)) }

// PositionKey identifies one open position slot. The exchange guarantees at
// most one open position per key; hedge-mode sides are distinct keys.
type PositionKey struct {
	Category Category
	Symbol   string
	Side     Side
}

func (k PositionKey) String() string {
	return string(k.Category) + ":" + k.Symbol + ":" + string(k.Side)
}

// Position is a normalized live position as reported by the exchange.
type Position struct {
	Category         Category
	Symbol           string
	Side             Side
	Size             decimal.Decimal
	AvgPrice         decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealisedPnl    decimal.Decimal
	UnrealisedPnlPct float64
	Leverage         string
	UpdatedAt        time.Time
}

// Key returns the composite key of the position.
func (p Position) Key() PositionKey {
	return PositionKey{Category: p.Category, Symbol: p.Symbol, Side: p.Side}
}

// TrackedPosition is a position the reconciler is following, together with
// the signal it is bound to. SignalID is zero until the open has been
// persisted.
type TrackedPosition struct {
	Position
	SignalID int64
}

// Execution is a single fill from the exchange's execution history.
type Execution struct {
	ExecID    string
	Symbol    string
	Side      Side
	Price     decimal.Decimal
	Qty       decimal.Decimal
	ClosedPnl decimal.Decimal
	ExecTime  string
}
