package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/simaogato/transferflow-backend/internal/domain"
)

// Ledger implements domain.Ledger and domain.AccountRepository in process memory
type Ledger struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*domain.Account
	debits   map[string]decimal.Decimal // idempotency key -> balance after debit
}

// NewLedger creates an empty in-memory ledger
func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[uuid.UUID]*domain.Account),
		debits:   make(map[string]decimal.Decimal),
	}
}

// GetByID retrieves a copy of an account
func (l *Ledger) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	account, ok := l.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

// Create adds an account
func (l *Ledger) Create(ctx context.Context, account *domain.Account) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accounts[account.ID]; ok {
		return fmt.Errorf("account %s already exists", account.ID)
	}
	copied := *account
	l.accounts[account.ID] = &copied
	return nil
}

// GetBalance returns the account balance
func (l *Ledger) GetBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	account, err := l.GetByID(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// Debit subtracts amount once per idempotency key, refusing to overdraw
func (l *Ledger) Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, idempotencyKey string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if balance, ok := l.debits[idempotencyKey]; ok {
		return balance, nil
	}

	account, ok := l.accounts[accountID]
	if !ok {
		return decimal.Zero, domain.ErrAccountNotFound
	}
	if account.Balance.LessThan(amount) {
		return decimal.Zero, fmt.Errorf("%w: balance %s, debit %s", domain.ErrInsufficientFunds, account.Balance, amount)
	}

	account.Balance = account.Balance.Sub(amount)
	l.debits[idempotencyKey] = account.Balance
	return account.Balance, nil
}

// HasDebit reports whether the idempotency key was already applied
func (l *Ledger) HasDebit(ctx context.Context, idempotencyKey string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.debits[idempotencyKey]
	return ok, nil
}
