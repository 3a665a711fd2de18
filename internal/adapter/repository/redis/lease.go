package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/simaogato/transferflow-backend/internal/domain"
)

// Leaser implements domain.Leaser with single-try redsync mutexes kept alive by Extend
type Leaser struct {
	rs     *redsync.Redsync
	prefix string
}

// NewLeaser creates a redsync-backed leaser on the given client
func NewLeaser(client redis.UniversalClient, prefix string) *Leaser {
	return &Leaser{
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: normalizePrefix(prefix),
	}
}

// TryAcquire takes key without retrying
func (l *Leaser) TryAcquire(ctx context.Context, key string, ttl time.Duration) (domain.Lease, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("lease key cannot be empty")
	}

	mutex := l.rs.NewMutex(
		l.prefix+":lease:"+key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)
	if err := mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, domain.ErrLeaseHeld
		}
		return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return &redisLease{mutex: mutex}, nil
}

type redisLease struct {
	mutex *redsync.Mutex
}

func (r *redisLease) Extend(ctx context.Context) error {
	ok, err := r.mutex.ExtendContext(ctx)
	var taken *redsync.ErrTaken
	if errors.Is(err, redsync.ErrExtendFailed) || errors.As(err, &taken) || (err == nil && !ok) {
		return domain.ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("failed to extend lease %s: %w", r.mutex.Name(), err)
	}
	return nil
}

func (r *redisLease) Release(ctx context.Context) error {
	// A lapsed or taken-over lease has nothing left to release
	ok, err := r.mutex.UnlockContext(ctx)
	var taken *redsync.ErrTaken
	if errors.Is(err, redsync.ErrLockAlreadyExpired) || errors.As(err, &taken) || (err == nil && !ok) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", r.mutex.Name(), err)
	}
	return nil
}
