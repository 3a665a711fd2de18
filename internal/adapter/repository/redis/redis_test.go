package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/simaogato/transferflow-backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// setupTestRedis creates a miniredis server for testing
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newTransfer(accountID uuid.UUID) *domain.TransferRequest {
	return &domain.TransferRequest{
		ID:                     uuid.New(),
		SourceAccountID:        accountID,
		RecipientAccountNumber: "999",
		RecipientAccountName:   "Jane Doe",
		BankName:               "First Demo Bank",
		RoutingIdentifier:      "021000021",
		Description:            "Rent",
		Amount:                 decimal.RequireFromString("250.00"),
		Status:                 domain.TransferStatusCreated,
		CreatedAt:              time.Now().UTC().Truncate(time.Millisecond),
	}
}

type recordedCode struct {
	destination, purpose, code string
}

type captureDelivery struct {
	mu    sync.Mutex
	codes []recordedCode
	err   error
}

func (c *captureDelivery) DeliverCode(ctx context.Context, destination, purpose, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.codes = append(c.codes, recordedCode{destination, purpose, code})
	return nil
}

func (c *captureDelivery) last() recordedCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codes[len(c.codes)-1]
}

func TestTransferStore_RoundTripsRecord(t *testing.T) {
	ctx := context.Background()
	_, client := setupTestRedis(t)
	store := NewTransferStore(client, "test")

	transfer := newTransfer(uuid.New())
	require.NoError(t, store.Create(ctx, transfer))

	loaded, err := store.GetByID(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.ID, loaded.ID)
	assert.Equal(t, transfer.SourceAccountID, loaded.SourceAccountID)
	assert.True(t, transfer.Amount.Equal(loaded.Amount))
	assert.Equal(t, "Jane Doe", loaded.RecipientAccountName)
	assert.Equal(t, domain.TransferStatusCreated, loaded.Status)
	assert.True(t, transfer.CreatedAt.Equal(loaded.CreatedAt))

	progress := domain.ProgressState{
		Percentage:            70,
		CurrentChallengeLevel: 2,
		ChallengeRequired:     true,
		VerifiedLevels:        []int{1},
		ChallengeHandle:       "handle-2",
	}
	require.NoError(t, store.UpdateProgress(ctx, transfer.ID, progress))
	require.NoError(t, store.UpdateStatus(ctx, transfer.ID, domain.TransferStatusAwaitingChallenge, ""))

	loaded, err = store.GetByID(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, progress, loaded.Progress)
	assert.Equal(t, domain.TransferStatusAwaitingChallenge, loaded.Status)

	_, err = store.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrTransferNotFound)
}

func TestTransferStore_OneActivePerAccount(t *testing.T) {
	ctx := context.Background()
	_, client := setupTestRedis(t)
	store := NewTransferStore(client, "test")
	accountID := uuid.New()

	first := newTransfer(accountID)
	require.NoError(t, store.Create(ctx, first))

	err := store.Create(ctx, newTransfer(accountID))
	var conflict *domain.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, first.ID, conflict.ActiveTransferID)

	active, err := store.GetActiveByAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)

	none, err := store.GetActiveByAccount(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestTransferStore_ConcurrentCreateYieldsSingleRecord(t *testing.T) {
	ctx := context.Background()
	_, client := setupTestRedis(t)
	store := NewTransferStore(client, "test")
	accountID := uuid.New()

	var wg sync.WaitGroup
	var created, conflicts atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Create(ctx, newTransfer(accountID))
			if err == nil {
				created.Add(1)
			} else if errors.Is(err, domain.ErrTransferConflict) {
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(19), conflicts.Load())
}

func TestTransferStore_TerminalStatusReleasesSlot(t *testing.T) {
	ctx := context.Background()
	_, client := setupTestRedis(t)
	store := NewTransferStore(client, "test")
	accountID := uuid.New()

	first := newTransfer(accountID)
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.UpdateStatus(ctx, first.ID, domain.TransferStatusAbandoned, "abandoned by account holder"))

	active, err := store.GetActiveByAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Nil(t, active)

	// The abandoned record stays readable
	loaded, err := store.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "abandoned by account holder", loaded.FailureReason)

	assert.NoError(t, store.Create(ctx, newTransfer(accountID)))
}

func TestTransferStore_RefusesProgressRegression(t *testing.T) {
	ctx := context.Background()
	_, client := setupTestRedis(t)
	store := NewTransferStore(client, "test")
	transfer := newTransfer(uuid.New())
	require.NoError(t, store.Create(ctx, transfer))

	require.NoError(t, store.UpdateProgress(ctx, transfer.ID, domain.ProgressState{Percentage: 40}))
	err := store.UpdateProgress(ctx, transfer.ID, domain.ProgressState{Percentage: 39})
	assert.ErrorIs(t, err, domain.ErrProgressRegression)

	err = store.UpdateProgress(ctx, uuid.New(), domain.ProgressState{Percentage: 1})
	assert.ErrorIs(t, err, domain.ErrTransferNotFound)
}

func TestTransferStore_ListStale(t *testing.T) {
	ctx := context.Background()
	_, client := setupTestRedis(t)
	store := NewTransferStore(client, "test")

	past := time.Now().Add(-time.Hour)
	store.now = func() time.Time { return past }

	idle := newTransfer(uuid.New())
	require.NoError(t, store.Create(ctx, idle))
	finalizing := newTransfer(uuid.New())
	require.NoError(t, store.Create(ctx, finalizing))
	require.NoError(t, store.UpdateStatus(ctx, finalizing.ID, domain.TransferStatusFinalizing, ""))
	done := newTransfer(uuid.New())
	require.NoError(t, store.Create(ctx, done))
	require.NoError(t, store.UpdateStatus(ctx, done.ID, domain.TransferStatusCompleted, ""))

	store.now = time.Now
	fresh := newTransfer(uuid.New())
	require.NoError(t, store.Create(ctx, fresh))

	stale, err := store.ListStale(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, idle.ID, stale[0].ID)
}

func TestLedger_DebitIsIdempotentAndRefusesOverdraft(t *testing.T) {
	ctx := context.Background()
	_, client := setupTestRedis(t)
	ledger := NewLedger(client, "test")
	accountID := uuid.New()

	require.NoError(t, ledger.Create(ctx, &domain.Account{ID: accountID, Name: "Checking", Balance: decimal.RequireFromString("1000.00")}))
	assert.Error(t, ledger.Create(ctx, &domain.Account{ID: accountID, Name: "Dup", Balance: decimal.Zero}))

	balance, err := ledger.Debit(ctx, accountID, decimal.RequireFromString("250.50"), "transfer:1")
	require.NoError(t, err)
	assert.Equal(t, "749.50", balance.StringFixed(2))

	replayed, err := ledger.Debit(ctx, accountID, decimal.RequireFromString("250.50"), "transfer:1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(replayed))

	applied, err := ledger.HasDebit(ctx, "transfer:1")
	require.NoError(t, err)
	assert.True(t, applied)

	_, err = ledger.Debit(ctx, accountID, decimal.NewFromInt(800), "transfer:2")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	current, err := ledger.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, "749.50", current.StringFixed(2))

	_, err = ledger.Debit(ctx, uuid.New(), decimal.NewFromInt(1), "transfer:3")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = ledger.Debit(ctx, accountID, decimal.RequireFromString("0.001"), "transfer:4")
	assert.ErrorIs(t, err, domain.ErrInvalidTransfer)
}

func TestLedger_CreateWritesAccountAtomically(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	ledger := NewLedger(client, "test")

	// A hash left with a name but no balance is not an account yet
	partialID := uuid.New()
	mr.HSet(ledger.accountKey(partialID), "name", "Leftover")
	_, err := ledger.GetByID(ctx, partialID)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	require.NoError(t, ledger.Create(ctx, &domain.Account{ID: partialID, Name: "Checking", Balance: decimal.RequireFromString("10.500")}))
	account, err := ledger.GetByID(ctx, partialID)
	require.NoError(t, err)
	assert.Equal(t, "Checking", account.Name)
	assert.Equal(t, "10.50", account.Balance.StringFixed(2))
	assert.Equal(t, "1050", mr.HGet(ledger.accountKey(partialID), "balance_minor"))

	err = ledger.Create(ctx, &domain.Account{ID: partialID, Name: "Dup", Balance: decimal.NewFromInt(99)})
	assert.ErrorContains(t, err, "already exists")
	assert.Equal(t, "Checking", mr.HGet(ledger.accountKey(partialID), "name"))

	// Precision errors write nothing
	rejectedID := uuid.New()
	assert.Error(t, ledger.Create(ctx, &domain.Account{ID: rejectedID, Name: "Bad", Balance: decimal.RequireFromString("1.005")}))
	assert.False(t, mr.Exists(ledger.accountKey(rejectedID)))
}

func newTestOTPStore(client *redis.Client, delivery *captureDelivery) *OTPStore {
	opts := DefaultOTPOptions()
	opts.HashCost = bcrypt.MinCost
	return NewOTPStore(client, delivery, "test", opts)
}

func TestOTPStore_CodeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	_, client := setupTestRedis(t)
	delivery := &captureDelivery{}
	store := newTestOTPStore(client, delivery)

	handle, err := store.IssueCode(ctx, "account-1", "transfer:x:level:1")
	require.NoError(t, err)
	sent := delivery.last()
	assert.Equal(t, "account-1", sent.destination)
	assert.Equal(t, "transfer:x:level:1", sent.purpose)
	assert.Len(t, sent.code, 6)

	ok, err := store.VerifyCode(ctx, handle, sent.code)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.VerifyCode(ctx, handle, sent.code)
	require.NoError(t, err)
	assert.False(t, ok, "a consumed code cannot be reused")
}

func TestOTPStore_ExhaustsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	_, client := setupTestRedis(t)
	delivery := &captureDelivery{}
	store := newTestOTPStore(client, delivery)

	handle, err := store.IssueCode(ctx, "account-1", "purpose")
	require.NoError(t, err)
	code := delivery.last().code
	wrong := "x" + code

	for i := 0; i < 3; i++ {
		ok, err := store.VerifyCode(ctx, handle, wrong)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	ok, err := store.VerifyCode(ctx, handle, code)
	require.NoError(t, err)
	assert.False(t, ok, "the correct code is refused once attempts are exhausted")
}

func TestOTPStore_Expires(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	delivery := &captureDelivery{}
	store := newTestOTPStore(client, delivery)

	handle, err := store.IssueCode(ctx, "account-1", "purpose")
	require.NoError(t, err)

	mr.FastForward(11 * time.Minute)

	ok, err := store.VerifyCode(ctx, handle, delivery.last().code)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOTPStore_DeliveryFailureDiscardsCode(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	delivery := &captureDelivery{err: errors.New("broker unavailable")}
	store := newTestOTPStore(client, delivery)

	_, err := store.IssueCode(ctx, "account-1", "purpose")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
	assert.Empty(t, mr.Keys())
}

func TestLocker_SerialisesCriticalSection(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewLocker(client, "test", LockOptions{Expiry: 5 * time.Second, Tries: 200, RetryDelay: 5 * time.Millisecond}, nil)

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), "transfer:1", func(ctx context.Context) error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
}

func TestLocker_ReturnsFunctionErrorUnchanged(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewLocker(client, "test", DefaultLockOptions(), nil)

	err := locker.WithLock(context.Background(), "transfer:1", func(ctx context.Context) error {
		return domain.ErrChallengeRejected
	})
	assert.Equal(t, domain.ErrChallengeRejected, err)

	err = locker.WithLock(context.Background(), " ", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestLeaser_SingleOwnerUntilExpiry(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	leaser := NewLeaser(client, "test")

	first, err := leaser.TryAcquire(ctx, "driver:1", 10*time.Second)
	require.NoError(t, err)

	_, err = leaser.TryAcquire(ctx, "driver:1", 10*time.Second)
	assert.ErrorIs(t, err, domain.ErrLeaseHeld)
	require.NoError(t, first.Extend(ctx))

	mr.FastForward(11 * time.Second)
	second, err := leaser.TryAcquire(ctx, "driver:1", 10*time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, first.Extend(ctx), domain.ErrLeaseLost)

	// A stale owner cannot release the new lease
	require.NoError(t, first.Release(ctx))
	_, err = leaser.TryAcquire(ctx, "driver:1", 10*time.Second)
	assert.ErrorIs(t, err, domain.ErrLeaseHeld)

	require.NoError(t, second.Release(ctx))
	third, err := leaser.TryAcquire(ctx, "driver:1", 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, third.Release(ctx))

	_, err = leaser.TryAcquire(ctx, " ", time.Second)
	assert.Error(t, err)
}
