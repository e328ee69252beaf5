package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "trustmeter:lock:"

// Both scripts only touch the key while it still holds the caller's token,
// so a lease that expired and was re-acquired elsewhere is left alone.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

var (
	ErrLockHeld        = errors.New("lock held by another owner")
	ErrLockLost        = errors.New("lock lease lost")
	ErrLockUnavailable = errors.New("lock client not configured")
)

// Locker hands out best-effort redis leases used to keep scheduler jobs
// single-flight across replicas.
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// Lease is one acquired lock.
type Lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// Acquire takes the named lock for ttl. ErrLockHeld means another owner has it.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockUnavailable
	}
	if name == "" {
		return nil, errors.New("lock name is empty")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}

	lease := &Lease{client: l.client, key: lockKeyPrefix + name, token: uuid.NewString(), ttl: ttl}
	ok, err := l.client.SetNX(ctx, lease.key, lease.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return lease, nil
}

func (l *Lease) Key() string {
	if l == nil {
		return ""
	}
	return l.key
}

// Extend pushes the expiry out by another ttl. ErrLockLost means the lease
// already expired.
func (l *Lease) Extend(ctx context.Context) error {
	if l == nil {
		return ErrLockLost
	}
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Release is a no-op when the lease already expired.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
