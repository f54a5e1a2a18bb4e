package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/swapbot/internal/domain"
)

// unlockLua deletes the lock only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// renewLua extends the lock's TTL only if it still holds the caller's token.
const renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

const lockPollInterval = 50 * time.Millisecond

// LockManager implements domain.LockManager with SET NX plus a TTL, so locks
// are shared across processes and a crashed holder cannot wedge a key. A
// held lock is renewed every third of its TTL until it is released, so a
// slow trade keeps its key for as long as it runs.
type LockManager struct {
	c        *Client
	rdb      *redis.Client
	unlockSc *redis.Script
	renewSc  *redis.Script
	poll     time.Duration
	logger   *slog.Logger
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	return &LockManager{
		c:        c,
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		renewSc:  redis.NewScript(renewLua),
		poll:     lockPollInterval,
		logger:   logger.With(slog.String("component", "redis_lock")),
	}
}

// TryAcquire takes the lock once. It returns domain.ErrLockHeld when another
// holder has it.
func (lm *LockManager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.c.Key("lock", key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		lost := keepAlive(stop, ttl/3, func() (bool, error) {
			rctx, cancel := context.WithTimeout(context.Background(), ttl/3)
			defer cancel()
			n, err := lm.renewSc.Run(rctx, lm.rdb, []string{lk}, token, ttl.Milliseconds()).Int64()
			return n == 1, err
		}, func(err error) {
			lm.logger.Warn("redis_lock: renew failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		})
		if lost {
			lm.logger.Error("redis_lock: lock lost while held", slog.String("key", key))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// The caller's context may already be done.
			uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(uctx, lm.rdb, []string{lk}, token).Err()
		})
	}, nil
}

// Acquire polls until the lock is taken or ctx is done.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	for {
		unlock, err := lm.TryAcquire(ctx, key, ttl)
		if err == nil {
			return unlock, nil
		}
		if err != domain.ErrLockHeld {
			return nil, err
		}

		timer := time.NewTimer(lm.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("redis: wait for lock %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

// keepAlive calls renew every interval until stop is closed or renew reports
// that the lock is no longer ours, in which case it returns true. Renewal
// errors are passed to onErr and retried on the next tick.
func keepAlive(stop <-chan struct{}, interval time.Duration, renew func() (bool, error), onErr func(error)) bool {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return false
		case <-ticker.C:
			held, err := renew()
			if err != nil {
				onErr(err)
				continue
			}
			if !held {
				return true
			}
		}
	}
}

var _ domain.LockManager = (*LockManager)(nil)
