package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

var signalColumns = []string{
	"id", "signal_number", "symbol", "category", "side", "action", "position_size",
	"old_position_size", "entry_price", "exit_price", "leverage", "realized_pnl", "unrealized_pnl",
	"close_percentage", "profit_percentage", "entry_time", "exit_time", "is_completed", "created_at",
}

var testEntry = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// signalRow is one row of the signals table as the mock returns it.
type signalRow struct {
	id, number   int64
	action, size string
	oldSize      *string
	exitTime     *time.Time
	completed    bool
}

func (r signalRow) rows() *pgxmock.Rows {
	return pgxmock.NewRows(signalColumns).AddRow(
		r.id, r.number, "BTCUSDT", "LINEAR", "BUY", r.action, r.size,
		r.oldSize, strp("50000.00"), (*string)(nil), "10", (*string)(nil), (*string)(nil),
		(*float64)(nil), (*float64)(nil), testEntry, r.exitTime, r.completed, testEntry,
	)
}

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
	return mock
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func testNewSignal() domain.NewSignal {
	return domain.NewSignal{
		Symbol:     "BTCUSDT",
		Category:   domain.CategoryLinear,
		Side:       domain.SideBuy,
		Size:       decimal.RequireFromString("1.0"),
		Leverage:   "10",
		EntryPrice: decimal.RequireFromString("50000.00"),
		EntryTime:  testEntry,
	}
}

func expectCreate(mock pgxmock.PgxPoolIface, maxNumber int64) {
	next := maxNumber + 1
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(signalNumberLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(signal_number\), 0\) \+ 1 FROM signals`).
		WillReturnRows(pgxmock.NewRows([]string{"next"}).AddRow(next))
	mock.ExpectQuery(`INSERT INTO signals`).
		WithArgs(next, "BTCUSDT", "LINEAR", "BUY", "open", "1.0", "50000.00", "10", testEntry).
		WillReturnRows(signalRow{id: next + 100, number: next, action: "open", size: "1.0"}.rows())
	mock.ExpectCommit()
}

func TestCreateSignalNumbersAreContiguous(t *testing.T) {
	mock := newMockPool(t)
	store := NewSignalStore(mock)

	expectCreate(mock, 4)
	expectCreate(mock, 5)

	var numbers []int64
	for range 2 {
		sig, err := store.CreateSignal(context.Background(), testNewSignal())
		if err != nil {
			t.Fatalf("CreateSignal: %v", err)
		}
		numbers = append(numbers, sig.SignalNumber)
		if got := exactText(sig.PositionSize); got != "1.0" {
			t.Errorf("position size = %q, want 1.0", got)
		}
	}
	if numbers[0] != 5 || numbers[1] != 6 {
		t.Fatalf("numbers = %v, want [5 6]", numbers)
	}
}

func TestCreateSignalDuplicateNumber(t *testing.T) {
	mock := newMockPool(t)
	store := NewSignalStore(mock)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs(signalNumberLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(signal_number\), 0\) \+ 1`).
		WillReturnRows(pgxmock.NewRows([]string{"next"}).AddRow(int64(1)))
	mock.ExpectQuery(`INSERT INTO signals`).
		WithArgs(anyArgs(9)...).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := store.CreateSignal(context.Background(), testNewSignal())
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("CreateSignal() = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateSignalRejectsEmptySymbol(t *testing.T) {
	store := NewSignalStore(newMockPool(t))
	ns := testNewSignal()
	ns.Symbol = ""
	if _, err := store.CreateSignal(context.Background(), ns); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("CreateSignal() = %v, want ErrInvalidInput", err)
	}
}

func TestUpdateSignalSparsePatchReplays(t *testing.T) {
	mock := newMockPool(t)
	store := NewSignalStore(mock)

	action := domain.ActionPartialClose
	size := decimal.RequireFromString("0.5")
	old := decimal.RequireFromString("1.0")
	patch := domain.SignalPatch{Action: &action, PositionSize: &size, OldPositionSize: &old}

	// Only the patched columns appear in the SET clause.
	const update = `^UPDATE signals SET action = \$1, position_size = \$2, old_position_size = \$3 ` +
		`WHERE id = \$4 AND NOT is_completed RETURNING`
	stored := signalRow{id: 7, number: 3, action: "partial_close", size: "0.5", oldSize: strp("1.0")}
	for range 2 {
		mock.ExpectQuery(update).
			WithArgs("partial_close", "0.5", "1.0", int64(7)).
			WillReturnRows(stored.rows())
	}

	first, err := store.UpdateSignal(context.Background(), 7, patch)
	if err != nil {
		t.Fatalf("UpdateSignal: %v", err)
	}
	second, err := store.UpdateSignal(context.Background(), 7, patch)
	if err != nil {
		t.Fatalf("UpdateSignal replay: %v", err)
	}

	if exactText(second.PositionSize) != "0.5" || second.OldPositionSize == nil || exactText(*second.OldPositionSize) != "1.0" {
		t.Errorf("replayed sizes = %s / %v", second.PositionSize, second.OldPositionSize)
	}
	if first.EntryPrice == nil || exactText(*first.EntryPrice) != "50000.00" {
		t.Errorf("entry price = %v, want untouched 50000.00", first.EntryPrice)
	}
	if !first.PositionSize.Equal(second.PositionSize) || first.Action != second.Action {
		t.Errorf("replay differs: %+v vs %+v", first, second)
	}
}

func TestUpdateSignalEmptyPatchReads(t *testing.T) {
	mock := newMockPool(t)
	store := NewSignalStore(mock)

	mock.ExpectQuery(`(?s)SELECT .+ FROM signals WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(signalRow{id: 7, number: 3, action: "open", size: "1.0"}.rows())

	sig, err := store.UpdateSignal(context.Background(), 7, domain.SignalPatch{})
	if err != nil || sig.ID != 7 {
		t.Fatalf("UpdateSignal() = %+v, %v", sig, err)
	}
}

func TestUpdateSignalNoMatch(t *testing.T) {
	exit := testEntry.Add(time.Hour)
	tests := []struct {
		name    string
		current *signalRow
		wantErr error
	}{
		{"completed", &signalRow{id: 7, number: 3, action: "close", size: "0", exitTime: &exit, completed: true}, domain.ErrSignalCompleted},
		{"missing", nil, domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockPool(t)
			store := NewSignalStore(mock)

			mock.ExpectQuery(`^UPDATE signals SET`).
				WithArgs("1.5", int64(7)).
				WillReturnError(pgx.ErrNoRows)
			get := mock.ExpectQuery(`(?s)SELECT .+ FROM signals WHERE id = \$1`).WithArgs(int64(7))
			if tt.current != nil {
				get.WillReturnRows(tt.current.rows())
			} else {
				get.WillReturnError(pgx.ErrNoRows)
			}

			size := decimal.RequireFromString("1.5")
			_, err := store.UpdateSignal(context.Background(), 7, domain.SignalPatch{PositionSize: &size})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("UpdateSignal() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMarkCompletedTwiceIsNoop(t *testing.T) {
	mock := newMockPool(t)
	store := NewSignalStore(mock)

	exit := testEntry.Add(time.Hour)
	done := signalRow{id: 7, number: 3, action: "close", size: "0", exitTime: &exit, completed: true}
	for range 2 {
		mock.ExpectQuery(`^UPDATE signals SET is_completed = TRUE WHERE id = \$1`).
			WithArgs(int64(7)).
			WillReturnRows(done.rows())
	}

	first, err := store.MarkCompleted(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.MarkCompleted(context.Background(), 7)
	if err != nil {
		t.Fatalf("second MarkCompleted: %v", err)
	}
	if !first.IsCompleted || !second.IsCompleted || first.Action != second.Action || !second.ExitTime.Equal(*first.ExitTime) {
		t.Fatalf("rows differ: %+v vs %+v", first, second)
	}
}

func TestMarkCompletedMissing(t *testing.T) {
	mock := newMockPool(t)
	store := NewSignalStore(mock)

	mock.ExpectQuery(`^UPDATE signals SET is_completed`).
		WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)

	if _, err := store.MarkCompleted(context.Background(), 99); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("MarkCompleted() = %v, want ErrNotFound", err)
	}
}

func TestFindOpenSignal(t *testing.T) {
	key := domain.PositionKey{Category: domain.CategoryLinear, Symbol: "BTCUSDT", Side: domain.SideBuy}
	const find = `WHERE NOT is_completed AND category = \$1 AND symbol = \$2 AND side = \$3\s+ORDER BY signal_number DESC LIMIT 1`

	t.Run("found", func(t *testing.T) {
		mock := newMockPool(t)
		store := NewSignalStore(mock)
		mock.ExpectQuery(find).
			WithArgs("LINEAR", "BTCUSDT", "BUY").
			WillReturnRows(signalRow{id: 7, number: 3, action: "increase", size: "2.0"}.rows())

		sig, err := store.FindOpenSignal(context.Background(), key)
		if err != nil {
			t.Fatal(err)
		}
		if sig.ID != 7 || sig.Key() != key || exactText(sig.PositionSize) != "2.0" {
			t.Fatalf("FindOpenSignal() = %+v", sig)
		}
	})

	t.Run("none open", func(t *testing.T) {
		mock := newMockPool(t)
		store := NewSignalStore(mock)
		mock.ExpectQuery(find).
			WithArgs("LINEAR", "BTCUSDT", "BUY").
			WillReturnError(pgx.ErrNoRows)

		if _, err := store.FindOpenSignal(context.Background(), key); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("FindOpenSignal() = %v, want ErrNotFound", err)
		}
	})
}

func TestCreatePositionUpdate(t *testing.T) {
	price := decimal.RequireFromString("50500.10")
	u := domain.PositionUpdate{
		SignalID:     7,
		Action:       domain.ActionIncrease,
		PositionSize: decimal.RequireFromString("2.0"),
		Price:        &price,
	}

	t.Run("stores exact text", func(t *testing.T) {
		mock := newMockPool(t)
		store := NewPositionUpdateStore(mock)
		mock.ExpectQuery(`INSERT INTO position_updates`).
			WithArgs(int64(7), "increase", "2.0", strp("50500.10"), (*float64)(nil), (*string)(nil)).
			WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(11), testEntry))

		got, err := store.CreatePositionUpdate(context.Background(), u)
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != 11 || !got.CreatedAt.Equal(testEntry) {
			t.Fatalf("CreatePositionUpdate() = %+v", got)
		}
	})

	t.Run("missing table", func(t *testing.T) {
		mock := newMockPool(t)
		store := NewPositionUpdateStore(mock)
		mock.ExpectQuery(`INSERT INTO position_updates`).
			WithArgs(anyArgs(6)...).
			WillReturnError(&pgconn.PgError{Code: "42P01"})

		if _, err := store.CreatePositionUpdate(context.Background(), u); !errors.Is(err, domain.ErrAuditUnavailable) {
			t.Fatalf("CreatePositionUpdate() = %v, want ErrAuditUnavailable", err)
		}
	})
}
