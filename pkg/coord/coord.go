// Package coord provides cross-worker coordination on Redis: TTL locks,
// one-shot poll flags, and short-lived pending-join markers.
package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("lock held by another worker")

// DefaultLockTTL bounds how long a crashed holder can block others.
const DefaultLockTTL = 10 * time.Second

// releaseScript deletes the lock only when the caller still owns it, so an
// expired lock reacquired by someone else is never released by the old
// holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Coordinator wraps the Redis operations shared by workers.
type Coordinator struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

// New builds a coordinator.
func New(rdb redis.UniversalClient, logger *slog.Logger) *Coordinator {
	return &Coordinator{rdb: rdb, logger: logger.With("component", "coord")}
}

// Ping verifies connectivity.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Lock is a held TTL lock.
type Lock struct {
	c     *Coordinator
	key   string
	token string
}

// AcquireLock takes the named lock with SET NX. The lock expires after ttl
// even if never released; ttl <= 0 uses DefaultLockTTL.
func (c *Coordinator) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{c: c, key: name, token: token}, nil
}

// Release drops the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.c.rdb, []string{l.key}, l.token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// WithLock runs fn while holding the named lock, releasing afterwards. The
// release uses a background-derived context so a cancelled fn still lets go
// of the lock.
func (c *Coordinator) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock, err := c.AcquireLock(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if rerr := lock.Release(rctx); rerr != nil {
			c.logger.Warn("failed to release lock", "lock", name, "error", rerr)
		}
	}()
	return fn(ctx)
}

// RoomLockKey names the per-room recording lock.
func RoomLockKey(roomID string) string {
	return "lock:room:" + roomID
}

func meetingPollKey(meetingID string) string {
	return "meeting_poll_requested:" + meetingID
}

// RequestMeetingPoll flags a meeting for an out-of-band poll. Multiple
// requests collapse into one flag.
func (c *Coordinator) RequestMeetingPoll(ctx context.Context, meetingID string) error {
	if err := c.rdb.Set(ctx, meetingPollKey(meetingID), "1", 0).Err(); err != nil {
		return fmt.Errorf("request meeting poll %s: %w", meetingID, err)
	}
	return nil
}

// TryClaimMeetingPoll consumes the poll flag with GETDEL. Exactly one of
// the concurrent claimers sees true.
func (c *Coordinator) TryClaimMeetingPoll(ctx context.Context, meetingID string) (bool, error) {
	val, err := c.rdb.GetDel(ctx, meetingPollKey(meetingID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim meeting poll %s: %w", meetingID, err)
	}
	return val != "", nil
}

// PendingJoinTTL is how long a join intent stays visible; it covers the
// window between a participant accepting and their track appearing.
const PendingJoinTTL = 30 * time.Second

func pendingJoinKey(meetingID, userID string) string {
	return fmt.Sprintf("pending_join:%s:%s", meetingID, userID)
}

// MarkPendingJoin records that userID is about to join meetingID.
func (c *Coordinator) MarkPendingJoin(ctx context.Context, meetingID, userID string) error {
	if err := c.rdb.Set(ctx, pendingJoinKey(meetingID, userID), "1", PendingJoinTTL).Err(); err != nil {
		return fmt.Errorf("mark pending join %s/%s: %w", meetingID, userID, err)
	}
	return nil
}

// ClearPendingJoin removes the join marker once the participant's session
// is established.
func (c *Coordinator) ClearPendingJoin(ctx context.Context, meetingID, userID string) error {
	if err := c.rdb.Del(ctx, pendingJoinKey(meetingID, userID)).Err(); err != nil {
		return fmt.Errorf("clear pending join %s/%s: %w", meetingID, userID, err)
	}
	return nil
}

// HasPendingJoins reports whether any participant is still joining the
// meeting. Keys are scanned in batches so large keyspaces never block
// Redis.
func (c *Coordinator) HasPendingJoins(ctx context.Context, meetingID string) (bool, error) {
	pattern := fmt.Sprintf("pending_join:%s:*", meetingID)
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return false, fmt.Errorf("scan pending joins %s: %w", meetingID, err)
		}
		if len(keys) > 0 {
			return true, nil
		}
		if next == 0 {
			return false, nil
		}
		cursor = next
	}
}
