// Package ledger holds credits against a user's tier allowance while a run
// executes, then commits them on success or releases them otherwise.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/metrics"
	"github.com/google/uuid"
)

const periodLayout = "2006-01"

// Store applies each operation atomically for one user. Implementations must
// reject a reservation that would take committed+reserved above allowance.
type Store interface {
	// Reserve creates res, or returns the reservation already held for
	// res.RunID.
	Reserve(ctx context.Context, res *domain.CreditReservation, allowance int64) (*domain.CreditReservation, error)
	// Transition moves a reserved reservation to a terminal state. Repeating
	// the same transition is a no-op reported with changed=false.
	Transition(ctx context.Context, id string, to domain.ReservationState, at time.Time) (res *domain.CreditReservation, changed bool, err error)
	Get(ctx context.Context, id string) (*domain.CreditReservation, error)
	Balance(ctx context.Context, userID, period string) (committed, reserved int64, err error)
}

type TierPolicy interface {
	TierFor(ctx context.Context, userID string) (domain.Tier, error)
}

type TierPolicyFunc func(ctx context.Context, userID string) (domain.Tier, error)

func (f TierPolicyFunc) TierFor(ctx context.Context, userID string) (domain.Tier, error) {
	return f(ctx, userID)
}

type Ledger struct {
	store Store
	tiers TierPolicy
	now   func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func New(store Store, tiers TierPolicy, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		tiers: tiers,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func Period(t time.Time) string {
	return t.UTC().Format(periodLayout)
}

// Reserve places a hold for amount credits. It touches only the store, so a
// denied reservation costs no provider work.
func (l *Ledger) Reserve(ctx context.Context, userID, runID string, amount int64) (*domain.CreditReservation, error) {
	if amount < 0 {
		return nil, fmt.Errorf("reserve: negative amount %d: %w", amount, domain.ErrInvalidRequest)
	}

	tier, err := l.tiers.TierFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reserve: tier lookup: %w", err)
	}

	now := l.now()
	res := &domain.CreditReservation{
		ID:        uuid.New().String(),
		RunID:     runID,
		UserID:    userID,
		Amount:    amount,
		State:     domain.ReservationReserved,
		Period:    Period(now),
		CreatedAt: now,
		UpdatedAt: now,
	}

	got, err := l.store.Reserve(ctx, res, tier.Allowance)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			metrics.RecordInsufficientCredits()
			slog.Info("credit reservation denied",
				"user_id", userID,
				"run_id", runID,
				"amount", amount,
				"tier", tier.Name,
				"allowance", tier.Allowance,
			)
		}
		return nil, fmt.Errorf("reserve: %w", err)
	}

	if got.ID == res.ID {
		metrics.RecordCredits("reserve", amount)
	}
	return got, nil
}

func (l *Ledger) Commit(ctx context.Context, reservationID string) (*domain.CreditReservation, error) {
	return l.transition(ctx, reservationID, domain.ReservationCommitted, "commit")
}

func (l *Ledger) Release(ctx context.Context, reservationID string) (*domain.CreditReservation, error) {
	return l.transition(ctx, reservationID, domain.ReservationReleased, "release")
}

func (l *Ledger) transition(ctx context.Context, id string, to domain.ReservationState, op string) (*domain.CreditReservation, error) {
	res, changed, err := l.store.Transition(ctx, id, to, l.now())
	if err != nil {
		return nil, fmt.Errorf("%s reservation %s: %w", op, id, err)
	}
	if changed {
		metrics.RecordCredits(op, res.Amount)
		slog.Debug("credit reservation settled",
			"reservation_id", id,
			"run_id", res.RunID,
			"user_id", res.UserID,
			"state", res.State,
			"amount", res.Amount,
		)
	}
	return res, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*domain.CreditReservation, error) {
	return l.store.Get(ctx, id)
}

func (l *Ledger) Balance(ctx context.Context, userID string) (*domain.CreditBalance, error) {
	tier, err := l.tiers.TierFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("balance: tier lookup: %w", err)
	}

	period := Period(l.now())
	committed, reserved, err := l.store.Balance(ctx, userID, period)
	if err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}

	available := tier.Allowance - committed - reserved
	if available < 0 {
		available = 0
	}

	return &domain.CreditBalance{
		UserID:    userID,
		Period:    period,
		Allowance: tier.Allowance,
		Committed: committed,
		Reserved:  reserved,
		Available: available,
	}, nil
}
