package generation

import (
	"context"
	"fmt"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/ledger"
	"github.com/felipepmaragno/adventure-engine/internal/repository"
)

// TierPolicy resolves a user's tier name from the user repository and its
// allowance from the configured table. Unknown tier names fall back to
// defaultTier.
func TierPolicy(users repository.UserRepository, allowances map[string]int64, defaultTier string) ledger.TierPolicy {
	return ledger.TierPolicyFunc(func(ctx context.Context, userID string) (domain.Tier, error) {
		user, err := users.GetByID(ctx, userID)
		if err != nil {
			return domain.Tier{}, fmt.Errorf("user %s: %w", userID, err)
		}

		name := user.Tier
		allowance, ok := allowances[name]
		if !ok {
			name = defaultTier
			allowance = allowances[defaultTier]
		}
		return domain.Tier{Name: name, Allowance: allowance}, nil
	})
}
