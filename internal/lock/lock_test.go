package lock

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/CourseForge/internal/config"
	"github.com/TobiSchelling/CourseForge/internal/logger"
)

func TestMemoryLockerExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLocker(time.Minute)

	lease, err := m.Acquire(ctx, ProposalKey(1))
	require.NoError(t, err)

	_, err = m.Acquire(ctx, ProposalKey(1))
	assert.ErrorIs(t, err, ErrHeld)

	other, err := m.Acquire(ctx, ProposalKey(2))
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	again, err := m.Acquire(ctx, ProposalKey(1))
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestMemoryLockerExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLocker(time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	stale, err := m.Acquire(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	fresh, err := m.Acquire(ctx, "k")
	require.NoError(t, err, "expired lease should not block")

	assert.ErrorIs(t, stale.Release(ctx), ErrNotHeld)
	require.NoError(t, fresh.Release(ctx))
}

func TestMemoryLockerRenew(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLocker(time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	lease, err := m.Acquire(ctx, "k")
	require.NoError(t, err)

	// Renewing every 40s keeps a one-minute lease alive well past its TTL.
	for i := 0; i < 5; i++ {
		now = now.Add(40 * time.Second)
		require.NoError(t, lease.Renew(ctx))
	}
	_, err = m.Acquire(ctx, "k")
	assert.ErrorIs(t, err, ErrHeld)

	now = now.Add(2 * time.Minute)
	assert.ErrorIs(t, lease.Renew(ctx), ErrNotHeld, "an expired lease cannot be revived")

	other, err := m.Acquire(ctx, "k")
	require.NoError(t, err)
	assert.ErrorIs(t, lease.Renew(ctx), ErrNotHeld)
	require.NoError(t, other.Renew(ctx))
	require.NoError(t, other.Release(ctx))
	assert.ErrorIs(t, other.Renew(ctx), ErrNotHeld, "released leases cannot be renewed")
}

func TestMemoryLockerSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLocker(time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(ctx, "race"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryLockerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryLocker(time.Minute).Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewSelectsBackend(t *testing.T) {
	l, err := New(config.Lock{Backend: "memory", TTLMinutes: 5}, logger.Nop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryLocker{}, l)

	_, err = New(config.Lock{Backend: "zookeeper"}, logger.Nop())
	assert.Error(t, err)
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("COURSEFORGE_TEST_REDIS")
	if addr == "" {
		t.Skip("COURSEFORGE_TEST_REDIS not set")
	}
	ctx := context.Background()

	r, err := NewRedisLocker(addr, time.Minute, logger.Nop())
	require.NoError(t, err)
	defer r.Close()

	key := "test:" + t.Name()
	lease, err := r.Acquire(ctx, key)
	require.NoError(t, err)

	_, err = r.Acquire(ctx, key)
	assert.ErrorIs(t, err, ErrHeld)
	require.NoError(t, lease.Renew(ctx))

	require.NoError(t, lease.Release(ctx))
	assert.ErrorIs(t, lease.Release(ctx), ErrNotHeld)
	assert.ErrorIs(t, lease.Renew(ctx), ErrNotHeld)
}
