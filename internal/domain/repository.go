package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferRepository is the single source of truth for which transfer is active per account
type TransferRepository interface {
	// Create persists a new transfer request
	// Returns a *ConflictError if the source account already has an active transfer
	Create(ctx context.Context, transfer *TransferRequest) error

	// GetByID retrieves a transfer by its ID, active or not
	// Returns ErrTransferNotFound if it does not exist
	GetByID(ctx context.Context, id uuid.UUID) (*TransferRequest, error)

	// GetActiveByAccount retrieves the transfer holding the account's active slot
	// Returns (nil, nil) when the account has no active transfer
	GetActiveByAccount(ctx context.Context, accountID uuid.UUID) (*TransferRequest, error)

	// UpdateStatus changes the status and failure reason of a transfer
	// Moving to a terminal status releases the account's active slot atomically
	UpdateStatus(ctx context.Context, id uuid.UUID, status TransferStatus, reason string) error

	// UpdateProgress stores a new progress snapshot
	// Returns ErrProgressRegression if the percentage would decrease
	UpdateProgress(ctx context.Context, id uuid.UUID, progress ProgressState) error

	// ListStale returns active, non-finalizing transfers not updated since the cutoff
	ListStale(ctx context.Context, before time.Time) ([]*TransferRequest, error)
}

// AccountRepository defines account persistence used for seeding and lookup
type AccountRepository interface {
	// GetByID retrieves an account by its ID
	// Returns ErrAccountNotFound if it does not exist
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)

	// Create creates a new account
	Create(ctx context.Context, account *Account) error
}

// Ledger is the balance authority consumed by the transfer flow
type Ledger interface {
	// GetBalance returns the current balance of an account
	GetBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error)

	// Debit atomically subtracts amount from the account and returns the new balance
	// Replaying the same idempotency key returns the recorded balance without debiting again
	Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, idempotencyKey string) (decimal.Decimal, error)

	// HasDebit reports whether a debit was already applied under the idempotency key
	HasDebit(ctx context.Context, idempotencyKey string) (bool, error)
}

// SecurityCodeVerifier issues and checks the step-up code for a challenge level
type SecurityCodeVerifier interface {
	// Issue prepares the code for a level and returns an opaque handle (may be empty)
	Issue(ctx context.Context, transfer *TransferRequest, level int) (string, error)

	// Verify reports whether the submitted code satisfies the level
	Verify(ctx context.Context, transfer *TransferRequest, level int, handle, code string) (bool, error)
}

// OneTimeCodes is the out-of-band single-use code collaborator
type OneTimeCodes interface {
	IssueCode(ctx context.Context, destination, purpose string) (string, error)
	VerifyCode(ctx context.Context, handle, code string) (bool, error)
}

// CodeDelivery hands a freshly issued code to the out-of-band transport (email, SMS)
type CodeDelivery interface {
	DeliverCode(ctx context.Context, destination, purpose, code string) error
}

// Notifier delivers customer notifications; callers never wait on acknowledgement
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Locker serialises writers of a shared key, across processes when backed by Redis
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Lease is exclusive ownership of a key that lapses unless extended
type Lease interface {
	// Extend pushes the expiry out by the lease TTL
	// Returns ErrLeaseLost if the lease lapsed and another owner took the key
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// Leaser grants long-lived leases, such as the right to drive a transfer's ticks
type Leaser interface {
	// TryAcquire takes the key without waiting
	// Returns ErrLeaseHeld if another owner holds an unexpired lease on it
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}
