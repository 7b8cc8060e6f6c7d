package postgres

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// PositionUpdateStore implements domain.PositionUpdateStore using PostgreSQL.
type PositionUpdateStore struct {
	pool DBTX
}

// NewPositionUpdateStore creates a new PositionUpdateStore backed by the given
// connection pool.
func NewPositionUpdateStore(pool DBTX) *PositionUpdateStore {
	return &PositionUpdateStore{pool: pool}
}

// CreatePositionUpdate appends one transition row. A missing table surfaces
// as domain.ErrAuditUnavailable.
func (s *PositionUpdateStore) CreatePositionUpdate(ctx context.Context, u domain.PositionUpdate) (domain.PositionUpdate, error) {
	const query = `INSERT INTO position_updates
			(signal_id, action, position_size, price, close_percentage, realized_pnl)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	err := s.pool.QueryRow(ctx, query,
		u.SignalID,
		string(u.Action),
		exactText(u.PositionSize),
		decimalText(u.Price),
		u.ClosePercentage,
		decimalText(u.RealizedPnl),
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if isUndefinedTable(err) {
			return u, fmt.Errorf("postgres: create position update for %d: %w", u.SignalID, domain.ErrAuditUnavailable)
		}
		return u, fmt.Errorf("postgres: create position update for %d: %w", u.SignalID, err)
	}
	return u, nil
}

// ListPositionUpdates returns the transition history of one signal, oldest
// first.
func (s *PositionUpdateStore) ListPositionUpdates(ctx context.Context, signalID int64) ([]domain.PositionUpdate, error) {
	const query = `SELECT id, signal_id, action, position_size, price, close_percentage,
			realized_pnl, created_at
		FROM position_updates WHERE signal_id = $1 ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, signalID)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, fmt.Errorf("postgres: list position updates: %w", domain.ErrAuditUnavailable)
		}
		return nil, fmt.Errorf("postgres: list position updates: %w", err)
	}
	defer rows.Close()

	var out []domain.PositionUpdate
	for rows.Next() {
		var (
			u               domain.PositionUpdate
			action, size    string
			price, realized *string
		)
		if err := rows.Scan(&u.ID, &u.SignalID, &action, &size, &price,
			&u.ClosePercentage, &realized, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan position update: %w", err)
		}
		u.Action = domain.Action(action)
		if u.PositionSize, err = decimalFromText(size); err != nil {
			return nil, fmt.Errorf("postgres: scan position update: %w", err)
		}
		if u.Price, err = decimalPtr(price); err != nil {
			return nil, fmt.Errorf("postgres: scan position update: %w", err)
		}
		if u.RealizedPnl, err = decimalPtr(realized); err != nil {
			return nil, fmt.Errorf("postgres: scan position update: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list position updates rows: %w", err)
	}
	return out, nil
}
