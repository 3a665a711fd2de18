package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/simaogato/transferflow-backend/internal/domain"
)

// Balances are kept in minor units so Lua can compare them exactly
const minorUnitExp = 2

// debitScript applies a debit once per idempotency key.
// Returns {status, balance}: 0 applied, 1 replayed, -1 no account, -2 insufficient funds.
var debitScript = redis.NewScript(`
local applied = redis.call("HGET", KEYS[2], ARGV[2])
if applied then
  return {1, applied}
end
local balance = redis.call("HGET", KEYS[1], "balance_minor")
if not balance then
  return {-1, ""}
end
if tonumber(balance) < tonumber(ARGV[1]) then
  return {-2, balance}
end
local updated = redis.call("HINCRBY", KEYS[1], "balance_minor", -tonumber(ARGV[1]))
redis.call("HSET", KEYS[2], ARGV[2], updated)
return {0, tostring(updated)}
`)

// createAccountScript writes name and balance together, or nothing when the account exists.
// Returns 1 when created, 0 when the balance field is already present.
var createAccountScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], "balance_minor") == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "name", ARGV[1], "balance_minor", ARGV[2])
return 1
`)

// Ledger implements domain.Ledger and domain.AccountRepository on Redis hashes
type Ledger struct {
	client redis.UniversalClient
	prefix string
}

// NewLedger creates a Redis-backed ledger
func NewLedger(client redis.UniversalClient, prefix string) *Ledger {
	return &Ledger{client: client, prefix: normalizePrefix(prefix)}
}

func (l *Ledger) accountKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:account:%s", l.prefix, id)
}

func (l *Ledger) debitsKey() string {
	return l.prefix + ":ledger:debits"
}

// Create adds an account; the balance must fit in minor units
func (l *Ledger) Create(ctx context.Context, account *domain.Account) error {
	minor, err := toMinor(account.Balance)
	if err != nil {
		return err
	}
	created, err := createAccountScript.Run(ctx, l.client, []string{l.accountKey(account.ID)}, account.Name, minor).Int()
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("account %s already exists", account.ID)
	}
	return nil
}

// GetByID retrieves an account
func (l *Ledger) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	fields, err := l.client.HGetAll(ctx, l.accountKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	raw, ok := fields["balance_minor"]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	balance, err := fromMinor(raw)
	if err != nil {
		return nil, err
	}
	return &domain.Account{ID: id, Name: fields["name"], Balance: balance}, nil
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
	minor, err := toMinor(amount)
	if err != nil {
		return decimal.Zero, err
	}

	keys := []string{l.accountKey(accountID), l.debitsKey()}
	result, err := debitScript.Run(ctx, l.client, keys, minor, idempotencyKey).Slice()
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to debit account: %w", err)
	}
	if len(result) != 2 {
		return decimal.Zero, fmt.Errorf("unexpected debit response shape: %v", result)
	}
	code, ok := result[0].(int64)
	if !ok {
		return decimal.Zero, fmt.Errorf("unexpected debit status type: %T", result[0])
	}
	raw, _ := result[1].(string)

	switch code {
	case 0, 1:
		return fromMinor(raw)
	case -1:
		return decimal.Zero, domain.ErrAccountNotFound
	case -2:
		balance, _ := fromMinor(raw)
		return decimal.Zero, fmt.Errorf("%w: balance %s, debit %s", domain.ErrInsufficientFunds, balance.StringFixed(2), amount.StringFixed(2))
	default:
		return decimal.Zero, fmt.Errorf("unexpected debit status %d", code)
	}
}

// HasDebit reports whether the idempotency key was already applied
func (l *Ledger) HasDebit(ctx context.Context, idempotencyKey string) (bool, error) {
	exists, err := l.client.HExists(ctx, l.debitsKey(), idempotencyKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check debit: %w", err)
	}
	return exists, nil
}

func toMinor(amount decimal.Decimal) (int64, error) {
	shifted := amount.Shift(minorUnitExp)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount %s has more precision than the ledger supports", domain.ErrInvalidTransfer, amount)
	}
	return shifted.IntPart(), nil
}

func fromMinor(raw string) (decimal.Decimal, error) {
	minor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt ledger balance %q: %w", raw, err)
	}
	return decimal.New(minor, -minorUnitExp), nil
}
