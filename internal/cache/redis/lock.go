package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

// unlockLua deletes the lock only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// renewLua extends the lock TTL only if it still holds the caller's token.
const renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager with SET NX leases. A held lock
// is renewed every third of its TTL until released, so a long-lived holder
// such as the pricing engine keeps it while alive and loses it within one
// TTL after a crash.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	renewSc  *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		renewSc:  redis.NewScript(renewLua),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire obtains the lock for key or returns domain.ErrLockHeld. The lease
// is renewed in the background until Release; its Lost channel closes if
// renewal finds another owner or keeps failing for a whole ttl.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*domain.Lease, error) {
	if ttl < 3*time.Millisecond {
		return nil, fmt.Errorf("redis: acquire lock %s: ttl %s too short", key, ttl)
	}
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	stop := make(chan struct{})
	lost := make(chan struct{})
	renew := func(ctx context.Context) (bool, error) {
		n, err := lm.renewSc.Run(ctx, lm.rdb, []string{lk}, token, ttl.Milliseconds()).Int64()
		return n == 1, err
	}
	go keepAlive(ttl, renew, stop, lost)

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
		})
	}
	return &domain.Lease{Lost: lost, Release: release}, nil
}

// keepAlive calls renew every ttl/3 until stop is closed. renew reports
// false when the key no longer carries our token. lost is closed when that
// happens or when no renewal has succeeded for ttl.
func keepAlive(ttl time.Duration, renew func(context.Context) (bool, error), stop <-chan struct{}, lost chan<- struct{}) {
	t := time.NewTicker(ttl / 3)
	defer t.Stop()
	lastOK := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), ttl/3)
			ok, err := renew(ctx)
			cancel()
			switch {
			case err == nil && ok:
				lastOK = time.Now()
			case err == nil, time.Since(lastOK) >= ttl:
				close(lost)
				return
			}
		}
	}
}

var _ domain.LockManager = (*LockManager)(nil)
