package seeder

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/simaogato/transferflow-backend/internal/domain"
	"go.uber.org/zap"
)

// Well-known demo account IDs
var (
	DEMO_CHECKING = uuid.MustParse("00000000-0000-0000-0000-00000000a001")
	DEMO_SAVINGS  = uuid.MustParse("00000000-0000-0000-0000-00000000a002")
	DEMO_BUSINESS = uuid.MustParse("00000000-0000-0000-0000-00000000a003")
)

// AccountSeeder ensures the demo accounts exist so a fresh install can run the transfer flow
type AccountSeeder struct {
	repo   domain.AccountRepository
	logger *zap.Logger
}

// NewAccountSeeder creates a new AccountSeeder instance
func NewAccountSeeder(repo domain.AccountRepository, logger *zap.Logger) *AccountSeeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountSeeder{repo: repo, logger: logger}
}

// DemoAccounts returns the accounts Seed creates
func DemoAccounts() []domain.Account {
	return []domain.Account{
		{ID: DEMO_CHECKING, Name: "Everyday Checking", Balance: decimal.NewFromInt(1000)},
		{ID: DEMO_SAVINGS, Name: "High Yield Savings", Balance: decimal.NewFromInt(25000)},
		{ID: DEMO_BUSINESS, Name: "Business Operating", Balance: decimal.RequireFromString("4820.55")},
	}
}

// Seed creates every demo account that is missing. Existing accounts keep their balance.
func (s *AccountSeeder) Seed(ctx context.Context) error {
	for _, demo := range DemoAccounts() {
		account := demo

		existing, err := s.repo.GetByID(ctx, account.ID)
		if err == nil && existing != nil {
			continue
		}
		if err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
			return fmt.Errorf("failed to look up demo account %s: %w", account.Name, err)
		}

		if err := account.Validate(); err != nil {
			return fmt.Errorf("invalid demo account %s: %w", account.Name, err)
		}
		if err := s.repo.Create(ctx, &account); err != nil {
			return fmt.Errorf("failed to create demo account %s: %w", account.Name, err)
		}
		s.logger.Info("seeded demo account",
			zap.String("account_id", account.ID.String()),
			zap.String("name", account.Name),
			zap.String("balance", account.Balance.StringFixed(2)),
		)
	}

	return nil
}
