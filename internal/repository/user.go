package repository

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/crypto"
	"github.com/felipepmaragno/adventure-engine/internal/domain"
)

// DefaultAPIKey authenticates the seeded development user of the in-memory
// repository.
const DefaultAPIKey = "adv-default-key"

type UserRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*domain.User, error)
	GetByID(ctx context.Context, id string) (*domain.User, error)
	Create(ctx context.Context, user *domain.User) error
	Update(ctx context.Context, user *domain.User) error
}

type InMemoryUserRepository struct {
	mu    sync.RWMutex
	users map[string]*domain.User
	byKey map[string]string
}

func NewInMemoryUserRepository() *InMemoryUserRepository {
	repo := &InMemoryUserRepository{
		users: make(map[string]*domain.User),
		byKey: make(map[string]string),
	}

	defaultUser := &domain.User{
		ID:           "default",
		Name:         "default",
		APIKeyHash:   crypto.HashAPIKey(DefaultAPIKey),
		Tier:         "free",
		RateLimitRPM: 60,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	repo.users[defaultUser.ID] = defaultUser
	repo.byKey[defaultUser.APIKeyHash] = defaultUser.ID

	return repo
}

func (r *InMemoryUserRepository) GetByAPIKey(ctx context.Context, apiKey string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.byKey[crypto.HashAPIKey(apiKey)]
	if !ok {
		return nil, domain.ErrUserNotFound
	}

	user, ok := r.users[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}

	u := *user
	return &u, nil
}

func (r *InMemoryUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}

	u := *user
	return &u, nil
}

func (r *InMemoryUserRepository) Create(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u := *user
	r.users[u.ID] = &u
	r.byKey[u.APIKeyHash] = u.ID

	return nil
}

func (r *InMemoryUserRepository) Update(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.users[user.ID]
	if !ok {
		return domain.ErrUserNotFound
	}
	delete(r.byKey, old.APIKeyHash)

	user.UpdatedAt = time.Now()
	u := *user
	r.users[u.ID] = &u
	r.byKey[u.APIKeyHash] = u.ID

	return nil
}
