package memory

import (
	"context"
	"sync"
	"time"

	"github.com/simaogato/transferflow-backend/internal/domain"
)

// Leaser implements domain.Leaser for engines sharing one process
type Leaser struct {
	mu     sync.Mutex
	leases map[string]leaseEntry
	next   uint64
	now    func() time.Time
}

type leaseEntry struct {
	token   uint64
	expires time.Time
}

// NewLeaser creates a leaser with no held keys
func NewLeaser() *Leaser {
	return &Leaser{leases: make(map[string]leaseEntry), now: time.Now}
}

// TryAcquire takes key unless an unexpired lease holds it
func (l *Leaser) TryAcquire(ctx context.Context, key string, ttl time.Duration) (domain.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.leases[key]; ok && now.Before(held.expires) {
		return nil, domain.ErrLeaseHeld
	}
	l.next++
	l.leases[key] = leaseEntry{token: l.next, expires: now.Add(ttl)}
	return &memoryLease{owner: l, key: key, token: l.next, ttl: ttl}, nil
}

type memoryLease struct {
	owner *Leaser
	key   string
	token uint64
	ttl   time.Duration
}

func (m *memoryLease) Extend(ctx context.Context) error {
	m.owner.mu.Lock()
	defer m.owner.mu.Unlock()

	held, ok := m.owner.leases[m.key]
	if !ok || held.token != m.token {
		return domain.ErrLeaseLost
	}
	held.expires = m.owner.now().Add(m.ttl)
	m.owner.leases[m.key] = held
	return nil
}

func (m *memoryLease) Release(ctx context.Context) error {
	m.owner.mu.Lock()
	defer m.owner.mu.Unlock()

	if held, ok := m.owner.leases[m.key]; ok && held.token == m.token {
		delete(m.owner.leases, m.key)
	}
	return nil
}
