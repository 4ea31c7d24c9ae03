package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
)

// PostgresStore runs every operation in one transaction that locks the
// user's credit_accounts row for the period.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Reserve(ctx context.Context, res *domain.CreditReservation, allowance int64) (*domain.CreditReservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_accounts (user_id, period, committed, reserved)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (user_id, period) DO NOTHING
	`, res.UserID, res.Period); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	var committed, reserved int64
	if err := tx.QueryRowContext(ctx, `
		SELECT committed, reserved FROM credit_accounts
		WHERE user_id = $1 AND period = $2
		FOR UPDATE
	`, res.UserID, res.Period).Scan(&committed, &reserved); err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}

	existing, err := scanReservation(tx.QueryRowContext(ctx, selectReservation+` WHERE run_id = $1`, res.RunID))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrReservationNotFound) {
		return nil, err
	}

	if committed+reserved+res.Amount > allowance {
		return nil, domain.ErrInsufficientCredits
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_reservations (id, run_id, user_id, amount, state, period, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, res.ID, res.RunID, res.UserID, res.Amount, res.State, res.Period, res.CreatedAt, res.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_accounts SET reserved = reserved + $3
		WHERE user_id = $1 AND period = $2
	`, res.UserID, res.Period, res.Amount); err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	stored := *res
	return &stored, nil
}

func (s *PostgresStore) Transition(ctx context.Context, id string, to domain.ReservationState, at time.Time) (*domain.CreditReservation, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := scanReservation(tx.QueryRowContext(ctx, selectReservation+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, false, err
	}

	switch res.State {
	case to:
		return res, false, nil
	case domain.ReservationReserved:
	default:
		return nil, false, domain.ErrInvalidTransition
	}

	var committedDelta int64
	if to == domain.ReservationCommitted {
		committedDelta = res.Amount
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_accounts
		SET reserved = reserved - $3, committed = committed + $4
		WHERE user_id = $1 AND period = $2
	`, res.UserID, res.Period, res.Amount, committedDelta); err != nil {
		return nil, false, fmt.Errorf("update account: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_reservations SET state = $2, updated_at = $3 WHERE id = $1
	`, id, to, at); err != nil {
		return nil, false, fmt.Errorf("update reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}

	res.State = to
	res.UpdatedAt = at
	return res, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.CreditReservation, error) {
	return scanReservation(s.db.QueryRowContext(ctx, selectReservation+` WHERE id = $1`, id))
}

func (s *PostgresStore) Balance(ctx context.Context, userID, period string) (int64, int64, error) {
	var committed, reserved int64
	err := s.db.QueryRowContext(ctx, `
		SELECT committed, reserved FROM credit_accounts
		WHERE user_id = $1 AND period = $2
	`, userID, period).Scan(&committed, &reserved)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("query balance: %w", err)
	}
	return committed, reserved, nil
}

const selectReservation = `
	SELECT id, run_id, user_id, amount, state, period, created_at, updated_at
	FROM credit_reservations`

func scanReservation(row *sql.Row) (*domain.CreditReservation, error) {
	var r domain.CreditReservation
	err := row.Scan(&r.ID, &r.RunID, &r.UserID, &r.Amount, &r.State, &r.Period, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan reservation: %w", err)
	}
	return &r, nil
}
