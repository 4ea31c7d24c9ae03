package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
)

type account struct {
	mu        sync.Mutex
	committed map[string]int64
	reserved  map[string]int64
}

// InMemoryStore serializes operations per user. Reservation state changes
// only while the owning user's account lock is held.
type InMemoryStore struct {
	mu           sync.Mutex
	accounts     map[string]*account
	reservations map[string]*domain.CreditReservation
	byRun        map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		accounts:     make(map[string]*account),
		reservations: make(map[string]*domain.CreditReservation),
		byRun:        make(map[string]string),
	}
}

func (s *InMemoryStore) account(userID string) *account {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		a = &account{committed: make(map[string]int64), reserved: make(map[string]int64)}
		s.accounts[userID] = a
	}
	return a
}

func (s *InMemoryStore) Reserve(ctx context.Context, res *domain.CreditReservation, allowance int64) (*domain.CreditReservation, error) {
	a := s.account(res.UserID)
	a.mu.Lock()
	defer a.mu.Unlock()

	s.mu.Lock()
	if id, ok := s.byRun[res.RunID]; ok {
		existing := *s.reservations[id]
		s.mu.Unlock()
		return &existing, nil
	}
	s.mu.Unlock()

	if a.committed[res.Period]+a.reserved[res.Period]+res.Amount > allowance {
		return nil, domain.ErrInsufficientCredits
	}
	a.reserved[res.Period] += res.Amount

	stored := *res
	s.mu.Lock()
	s.reservations[stored.ID] = &stored
	s.byRun[stored.RunID] = stored.ID
	s.mu.Unlock()

	out := stored
	return &out, nil
}

func (s *InMemoryStore) Transition(ctx context.Context, id string, to domain.ReservationState, at time.Time) (*domain.CreditReservation, bool, error) {
	s.mu.Lock()
	r, ok := s.reservations[id]
	s.mu.Unlock()
	if !ok {
		return nil, false, domain.ErrReservationNotFound
	}

	a := s.account(r.UserID)
	a.mu.Lock()
	defer a.mu.Unlock()

	switch r.State {
	case to:
		out := *r
		return &out, false, nil
	case domain.ReservationReserved:
	default:
		return nil, false, domain.ErrInvalidTransition
	}

	a.reserved[r.Period] -= r.Amount
	if to == domain.ReservationCommitted {
		a.committed[r.Period] += r.Amount
	}
	r.State = to
	r.UpdatedAt = at

	out := *r
	return &out, true, nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (*domain.CreditReservation, error) {
	s.mu.Lock()
	r, ok := s.reservations[id]
	s.mu.Unlock()
	if !ok {
		return nil, domain.ErrReservationNotFound
	}

	a := s.account(r.UserID)
	a.mu.Lock()
	defer a.mu.Unlock()
	out := *r
	return &out, nil
}

func (s *InMemoryStore) Balance(ctx context.Context, userID, period string) (int64, int64, error) {
	a := s.account(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed[period], a.reserved[period], nil
}
