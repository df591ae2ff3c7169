package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khizerh/amanahlogic-sub002/pkg/lock"
)

func newManager(t *testing.T) (*lock.Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.NewManager(client, "billing"), mr
}

func TestManager_Acquire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("second acquire fails while held", func(t *testing.T) {
		t.Parallel()
		m, _ := newManager(t)

		lease, err := m.Acquire(ctx, "run", time.Minute)
		require.NoError(t, err)

		_, err = m.Acquire(ctx, "run", time.Minute)
		require.ErrorIs(t, err, lock.ErrNotAcquired)

		require.NoError(t, lease.Release(ctx))

		_, err = m.Acquire(ctx, "run", time.Minute)
		require.NoError(t, err)
	})

	t.Run("different names never contend", func(t *testing.T) {
		t.Parallel()
		m, _ := newManager(t)

		_, err := m.Acquire(ctx, "run", time.Minute)
		require.NoError(t, err)
		_, err = m.Acquire(ctx, "reminders", time.Minute)
		require.NoError(t, err)
	})

	t.Run("lease frees itself after ttl", func(t *testing.T) {
		t.Parallel()
		m, mr := newManager(t)

		_, err := m.Acquire(ctx, "run", time.Minute)
		require.NoError(t, err)

		mr.FastForward(2 * time.Minute)

		_, err = m.Acquire(ctx, "run", time.Minute)
		require.NoError(t, err)
	})

	t.Run("stale holder cannot release a re-acquired lease", func(t *testing.T) {
		t.Parallel()
		m, mr := newManager(t)

		stale, err := m.Acquire(ctx, "run", time.Minute)
		require.NoError(t, err)

		mr.FastForward(2 * time.Minute)

		fresh, err := m.Acquire(ctx, "run", time.Minute)
		require.NoError(t, err)

		require.ErrorIs(t, stale.Release(ctx), lock.ErrNotHeld)

		// The fresh lease is untouched.
		_, err = m.Acquire(ctx, "run", time.Minute)
		assert.ErrorIs(t, err, lock.ErrNotAcquired)
		require.NoError(t, fresh.Release(ctx))
	})
}
