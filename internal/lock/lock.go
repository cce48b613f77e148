// Package lock provides per-key mutual exclusion for generation runs so that at
// most one attempt is in flight for a proposal, across goroutines (memory) or
// across processes (redis).
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/CourseForge/internal/config"
	"github.com/TobiSchelling/CourseForge/internal/logger"
)

// ErrHeld is returned by Acquire when another holder owns the key.
var ErrHeld = errors.New("lock held by another run")

// ErrNotHeld is returned by Release when the lease expired or was taken over.
var ErrNotHeld = errors.New("lock no longer held")

// Locker hands out exclusive leases on string keys.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
	Close() error
}

// Lease is a held lock. Renew pushes its expiry a full TTL ahead; both Renew
// and Release return ErrNotHeld once the lease expired or was taken over.
type Lease interface {
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// ProposalKey is the lock key guarding generation for one proposal.
func ProposalKey(id int64) string {
	return fmt.Sprintf("proposal:%d", id)
}

// New builds the configured locker.
func New(cfg config.Lock, log *logger.Logger) (Locker, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemoryLocker(cfg.TTL()), nil
	case "redis":
		return NewRedisLocker(cfg.RedisAddr, cfg.TTL(), log)
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// MemoryLocker is an in-process locker. Leases expire after ttl so a crashed
// goroutine cannot wedge a key forever.
type MemoryLocker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	return &MemoryLocker{ttl: ttl, entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	m.entries[key] = memoryEntry{token: token, expires: now.Add(m.ttl)}
	return &memoryLease{locker: m, key: key, token: token}, nil
}

func (m *MemoryLocker) Close() error { return nil }

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (l *memoryLease) Renew(context.Context) error {
	m := l.locker
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[l.key]
	if !ok || e.token != l.token || !now.Before(e.expires) {
		return ErrNotHeld
	}
	e.expires = now.Add(m.ttl)
	m.entries[l.key] = e
	return nil
}

func (l *memoryLease) Release(context.Context) error {
	m := l.locker
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[l.key]
	if !ok || e.token != l.token {
		return ErrNotHeld
	}
	delete(m.entries, l.key)
	return nil
}
