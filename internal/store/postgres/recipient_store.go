package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

const userCols = `u.id, u.telegram_id, u.username, u.signals_balance, u.is_active`

// RecipientStore implements domain.RecipientStore using PostgreSQL.
type RecipientStore struct {
	pool DBTX
}

// NewRecipientStore creates a new RecipientStore backed by the given
// connection pool.
func NewRecipientStore(pool DBTX) *RecipientStore {
	return &RecipientStore{pool: pool}
}

// GetUsersForSignal returns the active users that already received the
// signal's entry.
func (s *RecipientStore) GetUsersForSignal(ctx context.Context, signalID int64) ([]domain.User, error) {
	query := `SELECT ` + userCols + `
		FROM users u JOIN user_signals us ON us.user_id = u.id
		WHERE us.signal_id = $1 AND u.is_active
		ORDER BY u.id`
	rows, err := s.pool.Query(ctx, query, signalID)
	if err != nil {
		return nil, fmt.Errorf("postgres: users for signal %d: %w", signalID, err)
	}
	return collectUsers(rows)
}

// GetUsersWithSignalBalance returns active users holding at least minBalance
// signal credits.
func (s *RecipientStore) GetUsersWithSignalBalance(ctx context.Context, minBalance int) ([]domain.User, error) {
	query := `SELECT ` + userCols + `
		FROM users u
		WHERE u.is_active AND u.signals_balance >= $1
		ORDER BY u.id`
	rows, err := s.pool.Query(ctx, query, minBalance)
	if err != nil {
		return nil, fmt.Errorf("postgres: users with balance >= %d: %w", minBalance, err)
	}
	return collectUsers(rows)
}

// RecordDelivery links a user to a signal. Duplicate deliveries are ignored.
func (s *RecipientStore) RecordDelivery(ctx context.Context, signalID, userID int64) error {
	const query = `INSERT INTO user_signals (user_id, signal_id) VALUES ($1, $2)
		ON CONFLICT (user_id, signal_id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, userID, signalID); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("postgres: record delivery of %d to user %d: %w", signalID, userID, domain.ErrNotFound)
		}
		return fmt.Errorf("postgres: record delivery of %d to user %d: %w", signalID, userID, err)
	}
	return nil
}

func collectUsers(rows pgx.Rows) ([]domain.User, error) {
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.TelegramID, &u.Username, &u.SignalsBalance, &u.IsActive); err != nil {
			return nil, fmt.Errorf("postgres: scan user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: users rows: %w", err)
	}
	return out, nil
}
