//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/simaogato/transferflow-backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB connects to DB_CONN_STR and applies the schema
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	connStr := os.Getenv("DB_CONN_STR")
	if connStr == "" {
		connStr = "host=localhost port=5432 user=postgres password=postgres dbname=transferflow sslmode=disable"
	}
	db, err := NewDB(connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func createTestAccount(t *testing.T, ledger *LedgerRepository, balance string) uuid.UUID {
	t.Helper()
	account := &domain.Account{
		ID:      uuid.New(),
		Name:    "Repository " + t.Name(),
		Balance: decimal.RequireFromString(balance),
	}
	require.NoError(t, ledger.Create(context.Background(), account))
	return account.ID
}

func newTestTransfer(accountID uuid.UUID, description string) *domain.TransferRequest {
	return &domain.TransferRequest{
		ID:                     uuid.New(),
		SourceAccountID:        accountID,
		RecipientAccountNumber: "1",
		RecipientAccountName:   "Jane Doe",
		BankName:               "Bank",
		RoutingIdentifier:      "021000021",
		Description:            description,
		Amount:                 decimal.NewFromInt(1),
		Status:                 domain.TransferStatusCreated,
		CreatedAt:              time.Now(),
	}
}

func TestTransferRepository_OneActivePerAccount(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewTransferRepository(db)
	accountID := createTestAccount(t, NewLedgerRepository(db), "100.00")

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = repo.Create(ctx, newTestTransfer(accountID, fmt.Sprintf("writer %d", i)))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var conflict *domain.ConflictError
		assert.ErrorAs(t, err, &conflict)
	}
	assert.Equal(t, 1, succeeded)

	active, err := repo.GetActiveByAccount(ctx, accountID)
	require.NoError(t, err)
	require.NotNil(t, active)

	// A terminal status frees the slot
	require.NoError(t, repo.UpdateStatus(ctx, active.ID, domain.TransferStatusAbandoned, "cleanup"))
	active, err = repo.GetActiveByAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestTransferRepository_UpdateProgressRefusesRegression(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewTransferRepository(db)
	transfer := newTestTransfer(createTestAccount(t, NewLedgerRepository(db), "100.00"), "progress")
	require.NoError(t, repo.Create(ctx, transfer))

	require.NoError(t, repo.UpdateProgress(ctx, transfer.ID, domain.ProgressState{Percentage: 30}))
	require.NoError(t, repo.UpdateProgress(ctx, transfer.ID, domain.ProgressState{Percentage: 30, Message: "same percentage"}))

	err := repo.UpdateProgress(ctx, transfer.ID, domain.ProgressState{Percentage: 20})
	assert.ErrorIs(t, err, domain.ErrProgressRegression)

	err = repo.UpdateProgress(ctx, uuid.New(), domain.ProgressState{Percentage: 10})
	assert.ErrorIs(t, err, domain.ErrTransferNotFound)

	stored, err := repo.GetByID(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, stored.Progress.Percentage)
	assert.Equal(t, "same percentage", stored.Progress.Message)
}

func TestLedgerRepository_DebitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedgerRepository(setupTestDB(t))
	accountID := createTestAccount(t, ledger, "300.00")
	key := "transfer:" + uuid.NewString()

	balance, err := ledger.Debit(ctx, accountID, decimal.NewFromInt(100), key)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(200)))

	replayed, err := ledger.Debit(ctx, accountID, decimal.NewFromInt(100), key)
	require.NoError(t, err)
	assert.True(t, replayed.Equal(decimal.NewFromInt(200)))

	applied, err := ledger.HasDebit(ctx, key)
	require.NoError(t, err)
	assert.True(t, applied)

	current, err := ledger.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, current.Equal(decimal.NewFromInt(200)))
}

func TestLedgerRepository_ConcurrentReplaysDebitOnce(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedgerRepository(setupTestDB(t))
	accountID := createTestAccount(t, ledger, "500.00")
	key := "transfer:" + uuid.NewString()

	const callers = 6
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ledger.Debit(ctx, accountID, decimal.NewFromInt(50), key)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	balance, err := ledger.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(450)), "balance %s", balance)
}

func TestLedgerRepository_DebitRefusals(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedgerRepository(setupTestDB(t))
	accountID := createTestAccount(t, ledger, "200.00")

	tests := []struct {
		name      string
		accountID uuid.UUID
		amount    string
		wantErr   error
	}{
		{name: "Overdraft", accountID: accountID, amount: "200.01", wantErr: domain.ErrInsufficientFunds},
		{name: "Sub-cent amount", accountID: accountID, amount: "10.005", wantErr: domain.ErrInvalidTransfer},
		{name: "Amount below one cent", accountID: accountID, amount: "0.004", wantErr: domain.ErrInvalidTransfer},
		{name: "Zero amount", accountID: accountID, amount: "0", wantErr: domain.ErrInvalidTransfer},
		{name: "Unknown account", accountID: uuid.New(), amount: "1.00", wantErr: domain.ErrAccountNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "transfer:" + uuid.NewString()
			_, err := ledger.Debit(ctx, tt.accountID, decimal.RequireFromString(tt.amount), key)
			assert.ErrorIs(t, err, tt.wantErr)

			applied, err := ledger.HasDebit(ctx, key)
			require.NoError(t, err)
			assert.False(t, applied)
		})
	}

	balance, err := ledger.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(200)))

	// Trailing zeros are exact and accepted
	balance, err = ledger.Debit(ctx, accountID, decimal.RequireFromString("200.000"), "transfer:"+uuid.NewString())
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}
