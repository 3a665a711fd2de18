package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/simaogato/transferflow-backend/internal/domain"
)

// LedgerRepository implements domain.Ledger and domain.AccountRepository
type LedgerRepository struct {
	db *DB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// GetByID retrieves an account by its ID
func (r *LedgerRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT id, name, balance FROM accounts WHERE id = $1`

	var account domain.Account
	var balanceStr string
	err := r.db.QueryRowContext(ctx, query, id).Scan(&account.ID, &account.Name, &balanceStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account by ID: %w", err)
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance: %w", err)
	}
	account.Balance = balance
	return &account, nil
}

// Create creates a new account
func (r *LedgerRepository) Create(ctx context.Context, account *domain.Account) error {
	query := `INSERT INTO accounts (id, name, balance) VALUES ($1, $2, $3)`

	if !domain.HasMoneyPrecision(account.Balance) {
		return fmt.Errorf("balance %s has more than %d decimal places", account.Balance, domain.MoneyDecimalPlaces)
	}

	if _, err := r.db.ExecContext(ctx, query, account.ID, account.Name, account.Balance.String()); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetBalance returns the current balance of an account
func (r *LedgerRepository) GetBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	account, err := r.GetByID(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// Debit subtracts amount in one database transaction.
// Logic:
//  1. A recorded idempotency key returns its balance without debiting
//  2. The conditional UPDATE refuses to take the balance below zero
//  3. The debit is recorded under the key; a concurrent duplicate rolls back on the primary key
func (r *LedgerRepository) Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, idempotencyKey string) (decimal.Decimal, error) {
	// NUMERIC(19,2) would round the amount silently
	if !domain.HasMoneyPrecision(amount) || !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: debit amount %s must be positive with at most %d decimal places", domain.ErrInvalidTransfer, amount, domain.MoneyDecimalPlaces)
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	// 1. Replay
	if balance, found, err := recordedBalance(ctx, dbTx, idempotencyKey); err != nil {
		return decimal.Zero, err
	} else if found {
		return balance, nil
	}

	// 2. Conditional debit
	var balanceStr string
	err = dbTx.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance = balance - $2
		WHERE id = $1 AND balance >= $2
		RETURNING balance
	`, accountID, amount.String()).Scan(&balanceStr)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, r.debitRefusal(ctx, accountID, amount)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to debit account: %w", err)
	}

	// 3. Record
	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO ledger_debits (idempotency_key, account_id, amount, balance_after)
		VALUES ($1, $2, $3, $4)
	`, idempotencyKey, accountID, amount.String(), balanceStr)
	if err != nil {
		if isUniqueViolation(err, "") {
			dbTx.Rollback()
			balance, _, lookupErr := recordedBalance(ctx, r.db, idempotencyKey)
			if lookupErr != nil {
				return decimal.Zero, lookupErr
			}
			return balance, nil
		}
		return decimal.Zero, fmt.Errorf("failed to record debit: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("failed to commit debit: %w", err)
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse balance: %w", err)
	}
	return balance, nil
}

// HasDebit reports whether the idempotency key was already applied
func (r *LedgerRepository) HasDebit(ctx context.Context, idempotencyKey string) (bool, error) {
	_, found, err := recordedBalance(ctx, r.db, idempotencyKey)
	return found, err
}

func (r *LedgerRepository) debitRefusal(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) error {
	account, err := r.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: balance %s, debit %s", domain.ErrInsufficientFunds, account.Balance.StringFixed(2), amount.StringFixed(2))
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func recordedBalance(ctx context.Context, q queryRower, idempotencyKey string) (decimal.Decimal, bool, error) {
	var balanceStr string
	err := q.QueryRowContext(ctx, `SELECT balance_after FROM ledger_debits WHERE idempotency_key = $1`, idempotencyKey).Scan(&balanceStr)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to look up debit: %w", err)
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to parse recorded balance: %w", err)
	}
	return balance, true, nil
}
