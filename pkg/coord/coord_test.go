package coord

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(rdb, logger), mr
}

func TestAcquireLockIsExclusive(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	lock, err := c.AcquireLock(ctx, RoomLockKey("room-1"), time.Second)
	require.NoError(t, err)

	_, err = c.AcquireLock(ctx, RoomLockKey("room-1"), time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lock.Release(ctx))
	_, err = c.AcquireLock(ctx, RoomLockKey("room-1"), time.Second)
	assert.NoError(t, err)
}

func TestLockExpiresAfterTTL(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.AcquireLock(ctx, "lock:room:r", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	_, err = c.AcquireLock(ctx, "lock:room:r", time.Second)
	assert.NoError(t, err)
}

func TestStaleHolderCannotReleaseReacquiredLock(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	old, err := c.AcquireLock(ctx, "lock:room:r", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := c.AcquireLock(ctx, "lock:room:r", time.Minute)
	require.NoError(t, err)

	// The expired holder's release must not delete the new holder's lock.
	require.NoError(t, old.Release(ctx))
	_, err = c.AcquireLock(ctx, "lock:room:r", time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, fresh.Release(ctx))
}

func TestWithLockReleasesOnError(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	wantErr := errors.New("pipeline start failed")
	err := c.WithLock(ctx, "lock:room:r", time.Second, func(context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	_, err = c.AcquireLock(ctx, "lock:room:r", time.Second)
	assert.NoError(t, err)
}

func TestMeetingPollClaimedExactlyOnce(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.RequestMeetingPoll(ctx, "m-1"))
	// A second request collapses into the same flag.
	require.NoError(t, c.RequestMeetingPoll(ctx, "m-1"))

	claimed, err := c.TryClaimMeetingPoll(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = c.TryClaimMeetingPoll(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, claimed, "flag must be consumed by the first claimer")
}

func TestPendingJoins(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	has, err := c.HasPendingJoins(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, c.MarkPendingJoin(ctx, "m-1", "u-1"))
	require.NoError(t, c.MarkPendingJoin(ctx, "m-1", "u-2"))

	has, err = c.HasPendingJoins(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, has)

	// Another meeting's markers are invisible.
	has, err = c.HasPendingJoins(ctx, "m-2")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, c.ClearPendingJoin(ctx, "m-1", "u-1"))
	require.NoError(t, c.ClearPendingJoin(ctx, "m-1", "u-2"))
	has, err = c.HasPendingJoins(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, has)

	// Markers expire on their own when never cleared.
	require.NoError(t, c.MarkPendingJoin(ctx, "m-1", "u-3"))
	mr.FastForward(PendingJoinTTL + time.Second)
	has, err = c.HasPendingJoins(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, has)
}
