package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// signalNumberLockID guards signal number assignment.
const signalNumberLockID = 0x5167_6e61_6c6e

const signalCols = `id, signal_number, symbol, category, side, action, position_size,
	old_position_size, entry_price, exit_price, leverage, realized_pnl, unrealized_pnl,
	close_percentage, profit_percentage, entry_time, exit_time, is_completed, created_at`

// SignalStore implements domain.SignalStore using PostgreSQL.
type SignalStore struct {
	pool DBTX
}

// NewSignalStore creates a new SignalStore backed by the given connection pool.
func NewSignalStore(pool DBTX) *SignalStore {
	return &SignalStore{pool: pool}
}

// CreateSignal inserts an open signal. The signal number is MAX+1 computed
// under a transaction-scoped advisory lock so concurrent creators never
// collide.
func (s *SignalStore) CreateSignal(ctx context.Context, ns domain.NewSignal) (domain.Signal, error) {
	if ns.Symbol == "" {
		return domain.Signal{}, fmt.Errorf("postgres: create signal: %w: empty symbol", domain.ErrInvalidInput)
	}
	leverage := ns.Leverage
	if leverage == "" {
		leverage = "1"
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Signal{}, fmt.Errorf("postgres: create signal begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", signalNumberLockID); err != nil {
		return domain.Signal{}, fmt.Errorf("postgres: create signal lock: %w", err)
	}

	var number int64
	if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(signal_number), 0) + 1 FROM signals").Scan(&number); err != nil {
		return domain.Signal{}, fmt.Errorf("postgres: next signal number: %w", err)
	}

	query := `INSERT INTO signals (signal_number, symbol, category, side, action, position_size,
			entry_price, leverage, entry_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + signalCols
	sig, err := scanSignal(tx.QueryRow(ctx, query,
		number,
		ns.Symbol,
		ns.Category.Label(),
		ns.Side.Label(),
		string(domain.ActionOpen),
		exactText(ns.Size),
		exactText(ns.EntryPrice),
		leverage,
		ns.EntryTime,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Signal{}, fmt.Errorf("postgres: create signal %d: %w", number, domain.ErrAlreadyExists)
		}
		return domain.Signal{}, fmt.Errorf("postgres: create signal: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Signal{}, fmt.Errorf("postgres: create signal commit: %w", err)
	}
	return sig, nil
}

// UpdateSignal applies a sparse patch. Completed signals are immutable and
// return domain.ErrSignalCompleted.
func (s *SignalStore) UpdateSignal(ctx context.Context, id int64, patch domain.SignalPatch) (domain.Signal, error) {
	if patch.Empty() {
		return s.GetSignal(ctx, id)
	}

	set, args := buildSignalPatch(patch)
	args = append(args, id)
	query := fmt.Sprintf(
		"UPDATE signals SET %s WHERE id = $%d AND NOT is_completed RETURNING %s",
		set, len(args), signalCols,
	)

	sig, err := scanSignal(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, getErr := s.GetSignal(ctx, id)
		if getErr != nil {
			return domain.Signal{}, getErr
		}
		if cur.IsCompleted {
			return cur, fmt.Errorf("postgres: update signal %d: %w", id, domain.ErrSignalCompleted)
		}
		return domain.Signal{}, fmt.Errorf("postgres: update signal %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Signal{}, fmt.Errorf("postgres: update signal %d: %w", id, err)
	}
	return sig, nil
}

// MarkCompleted flags the signal as completed. Repeating the call is a no-op
// that returns the stored row.
func (s *SignalStore) MarkCompleted(ctx context.Context, id int64) (domain.Signal, error) {
	query := `UPDATE signals SET is_completed = TRUE WHERE id = $1 RETURNING ` + signalCols
	sig, err := scanSignal(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Signal{}, fmt.Errorf("postgres: mark completed %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Signal{}, fmt.Errorf("postgres: mark completed %d: %w", id, err)
	}
	return sig, nil
}

// GetSignal returns one signal by id.
func (s *SignalStore) GetSignal(ctx context.Context, id int64) (domain.Signal, error) {
	query := `SELECT ` + signalCols + ` FROM signals WHERE id = $1`
	sig, err := scanSignal(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Signal{}, fmt.Errorf("postgres: get signal %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Signal{}, fmt.Errorf("postgres: get signal %d: %w", id, err)
	}
	return sig, nil
}

// GetOpenSignals returns every signal that has not completed, oldest number
// first.
func (s *SignalStore) GetOpenSignals(ctx context.Context) ([]domain.Signal, error) {
	query := `SELECT ` + signalCols + ` FROM signals WHERE NOT is_completed ORDER BY signal_number`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: get open signals: %w", err)
	}
	return collectSignals(rows, "get open signals")
}

// FindOpenSignal returns the newest open signal for key.
func (s *SignalStore) FindOpenSignal(ctx context.Context, key domain.PositionKey) (domain.Signal, error) {
	query := `SELECT ` + signalCols + ` FROM signals
		WHERE NOT is_completed AND category = $1 AND symbol = $2 AND side = $3
		ORDER BY signal_number DESC LIMIT 1`
	sig, err := scanSignal(s.pool.QueryRow(ctx, query, key.Category.Label(), key.Symbol, key.Side.Label()))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Signal{}, fmt.Errorf("postgres: find open signal %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Signal{}, fmt.Errorf("postgres: find open signal %s: %w", key, err)
	}
	return sig, nil
}

// ListSignals returns signals newest first with pagination and optional
// entry-time filtering.
func (s *SignalStore) ListSignals(ctx context.Context, opts domain.ListOpts) ([]domain.Signal, error) {
	query := `SELECT ` + signalCols + ` FROM signals WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND entry_time >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND entry_time <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY signal_number DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list signals: %w", err)
	}
	return collectSignals(rows, "list signals")
}

// ListCompletedBetween returns completed signals whose exit time falls in
// [from, to).
func (s *SignalStore) ListCompletedBetween(ctx context.Context, from, to time.Time) ([]domain.Signal, error) {
	query := `SELECT ` + signalCols + ` FROM signals
		WHERE is_completed AND exit_time >= $1 AND exit_time < $2
		ORDER BY exit_time, signal_number`
	rows, err := s.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list completed signals: %w", err)
	}
	return collectSignals(rows, "list completed signals")
}

// buildSignalPatch renders the SET clause for the non-nil patch fields.
// Placeholders start at $1 in field order.
func buildSignalPatch(p domain.SignalPatch) (string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if p.Action != nil {
		add("action", string(*p.Action))
	}
	if p.PositionSize != nil {
		add("position_size", exactText(*p.PositionSize))
	}
	if p.OldPositionSize != nil {
		add("old_position_size", exactText(*p.OldPositionSize))
	}
	if p.EntryPrice != nil {
		add("entry_price", exactText(*p.EntryPrice))
	}
	if p.ExitPrice != nil {
		add("exit_price", exactText(*p.ExitPrice))
	}
	if p.RealizedPnl != nil {
		add("realized_pnl", exactText(*p.RealizedPnl))
	}
	if p.UnrealizedPnl != nil {
		add("unrealized_pnl", exactText(*p.UnrealizedPnl))
	}
	if p.ClosePercentage != nil {
		add("close_percentage", *p.ClosePercentage)
	}
	if p.ProfitPercentage != nil {
		add("profit_percentage", *p.ProfitPercentage)
	}
	if p.ExitTime != nil {
		add("exit_time", *p.ExitTime)
	}
	return strings.Join(sets, ", "), args
}

func collectSignals(rows pgx.Rows, op string) ([]domain.Signal, error) {
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s scan: %w", op, err)
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

func scanSignal(row pgx.Row) (domain.Signal, error) {
	var (
		sig                                    domain.Signal
		category, side, action, size           string
		oldSize, entry, exit, realized, unreal *string
	)
	err := row.Scan(
		&sig.ID, &sig.SignalNumber, &sig.Symbol, &category, &side, &action, &size,
		&oldSize, &entry, &exit, &sig.Leverage, &realized, &unreal,
		&sig.ClosePercentage, &sig.ProfitPercentage, &sig.EntryTime, &sig.ExitTime,
		&sig.IsCompleted, &sig.CreatedAt,
	)
	if err != nil {
		return domain.Signal{}, err
	}

	if sig.Category, err = domain.ParseCategory(category); err != nil {
		return domain.Signal{}, err
	}
	if sig.Side, err = domain.ParseSide(side); err != nil {
		return domain.Signal{}, err
	}
	sig.Action = domain.Action(action)
	if sig.PositionSize, err = decimalFromText(size); err != nil {
		return domain.Signal{}, err
	}
	for _, f := range []struct {
		src *string
		dst **decimal.Decimal
	}{
		{oldSize, &sig.OldPositionSize},
		{entry, &sig.EntryPrice},
		{exit, &sig.ExitPrice},
		{realized, &sig.RealizedPnl},
		{unreal, &sig.UnrealizedPnl},
	} {
		if *f.dst, err = decimalPtr(f.src); err != nil {
			return domain.Signal{}, err
		}
	}
	return sig, nil
}

func decimalFromText(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("decimal %q: %w", s, err)
	}
	return d, nil
}

// decimalPtr parses a nullable text column.
func decimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimalFromText(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// exactText renders d with the scale it was parsed with, so "1.0" stays
// "1.0" rather than collapsing to "1".
func exactText(d decimal.Decimal) string {
	if exp := d.Exponent(); exp < 0 {
		return d.StringFixed(-exp)
	}
	return d.String()
}

// decimalText renders a nullable decimal for a text column.
func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := exactText(*d)
	return &s
}
