package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SignalStore persists signal records. CreateSignal assigns the next
// signal number inside the creating transaction.
type SignalStore interface {
	CreateSignal(ctx context.Context, s NewSignal) (Signal, error)
	UpdateSignal(ctx context.Context, id int64, patch SignalPatch) (Signal, error)
	MarkCompleted(ctx context.Context, id int64) (Signal, error)
	GetSignal(ctx context.Context, id int64) (Signal, error)
	GetOpenSignals(ctx context.Context) ([]Signal, error)
	FindOpenSignal(ctx context.Context, key PositionKey) (Signal, error)
	ListSignals(ctx context.Context, opts ListOpts) ([]Signal, error)
	ListCompletedBetween(ctx context.Context, from, to time.Time) ([]Signal, error)
}

// PositionUpdateStore persists the append-only transition history. Create
// returns ErrAuditUnavailable when the backing table does not exist.
type PositionUpdateStore interface {
	CreatePositionUpdate(ctx context.Context, u PositionUpdate) (PositionUpdate, error)
	ListPositionUpdates(ctx context.Context, signalID int64) ([]PositionUpdate, error)
}

// RecipientStore resolves which users receive a signal.
type RecipientStore interface {
	GetUsersForSignal(ctx context.Context, signalID int64) ([]User, error)
	GetUsersWithSignalBalance(ctx context.Context, minBalance int) ([]User, error)
	RecordDelivery(ctx context.Context, signalID, userID int64) error
}
