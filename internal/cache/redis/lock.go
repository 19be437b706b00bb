package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/trailbot/internal/domain"
)

// unlockLua deletes the lock key only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua resets the TTL only if the key still holds the caller's token.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager hands out SETNX locks with a TTL. trailbot takes one at
// startup so that two processes never drive the same ledger.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	extendSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire takes the lock for key. It returns domain.ErrLockHeld when another
// holder has it. The returned unlock func may be called more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	_, unlock, err := lm.acquire(ctx, key, ttl)
	return unlock, err
}

// Hold acquires the lock and keeps extending it every ttl/3 until ctx is
// done or release is called. Losing the lock mid-flight is reported on lost.
func (lm *LockManager) Hold(ctx context.Context, key string, ttl time.Duration) (release func(), lost <-chan error, err error) {
	token, unlock, err := lm.acquire(ctx, key, ttl)
	if err != nil {
		return nil, nil, err
	}

	lostCh := make(chan error, 1)
	stop := make(chan struct{})
	var stopOnce sync.Once
	go func() {
		t := time.NewTicker(ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				n, err := lm.extendSc.Run(ctx, lm.rdb, []string{lockKey(key)}, token, ttl.Milliseconds()).Int()
				if err != nil && ctx.Err() == nil {
					lostCh <- fmt.Errorf("redis: extend lock %s: %w", key, err)
					return
				}
				if err == nil && n == 0 {
					lostCh <- fmt.Errorf("redis: lock %s: taken over: %w", key, domain.ErrLockHeld)
					return
				}
			}
		}
	}()

	return func() {
		stopOnce.Do(func() { close(stop) })
		unlock()
	}, lostCh, nil
}

func (lm *LockManager) acquire(ctx context.Context, key string, ttl time.Duration) (string, func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return "", nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	}

	var once sync.Once
	return token, func() {
		once.Do(func() {
			// The caller's context is usually gone by now.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
		})
	}, nil
}
