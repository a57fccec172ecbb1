package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Both scripts act only while KEYS[1] still holds the caller's token, so an
// expired lease can never release or extend a lock taken by someone else.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

var (
	ErrLockNotConfigured = errors.New("lock client not configured")
	ErrLockLost          = errors.New("lock lease lost")
	errLockArgs          = errors.New("lock key and ttl are required")
)

// Locker hands out redis SET NX leases.
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// Lease is a held lock. It stays valid for its ttl unless refreshed.
type Lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// TryAcquire makes a single attempt. A nil lease with a nil error means the
// key is held elsewhere.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockNotConfigured
	}
	if key == "" || ttl <= 0 {
		return nil, errLockArgs
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, err
	}
	return &Lease{client: l.client, key: key, token: token, ttl: ttl}, nil
}

// Acquire retries TryAcquire every retry interval until it wins or ctx ends.
func (l *Locker) Acquire(ctx context.Context, key string, ttl, retry time.Duration) (*Lease, error) {
	if retry <= 0 {
		retry = 10 * time.Millisecond
	}
	for {
		lease, err := l.TryAcquire(ctx, key, ttl)
		if err != nil || lease != nil {
			return lease, err
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Refresh pushes the expiry out by the lease ttl.
func (ls *Lease) Refresh(ctx context.Context) error {
	if ls == nil {
		return ErrLockLost
	}
	n, err := refreshScript.Run(ctx, ls.client, []string{ls.key}, ls.token, ls.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (ls *Lease) Release(ctx context.Context) error {
	if ls == nil {
		return nil
	}
	return releaseScript.Run(ctx, ls.client, []string{ls.key}, ls.token).Err()
}
