package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/trustmeter/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestTokenBucketDeniesAfterBurst(t *testing.T) {
	_, client := newRedis(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := bucket.Allow(ctx, "k", 0.01, 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
	}
	res, err := bucket.Allow(ctx, "k", 0.01, 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 3, res.Limit)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	other, err := bucket.Allow(ctx, "other", 0.01, 3)
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestTokenBucketAllowNTakesWholeCost(t *testing.T) {
	_, client := newRedis(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	res, err := bucket.AllowN(ctx, "k", 0.01, 5, 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)

	res, err = bucket.AllowN(ctx, "k", 0.01, 5, 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining, "denied calls take nothing")
	assert.Greater(t, res.RetryAfter, 90*time.Second)

	res, err = bucket.AllowN(ctx, "k", 0.01, 5, 2)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucketRejectsBadInput(t *testing.T) {
	_, client := newRedis(t)
	bucket := NewTokenBucket(client)
	_, err := bucket.Allow(context.Background(), "", 1, 1)
	assert.Error(t, err)
	_, err = bucket.Allow(context.Background(), "k", 0, 1)
	assert.Error(t, err)

	_, err = bucket.AllowN(context.Background(), "k", 1, 2, 3)
	assert.Error(t, err)

	var nilBucket *TokenBucket
	_, err = nilBucket.Allow(context.Background(), "k", 1, 1)
	assert.Error(t, err)
}

func TestLockerIsExclusiveAndTokenChecked(t *testing.T) {
	mr, client := newRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "trustmeter:lock:job", lease.Key())

	_, err = locker.Acquire(ctx, "job", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	stale := &Lease{client: client, key: lease.Key(), token: "not-the-token", ttl: time.Minute}
	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("trustmeter:lock:job"))
	assert.ErrorIs(t, stale.Extend(ctx), ErrLockLost)

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("trustmeter:lock:job"))

	_, err = locker.Acquire(ctx, "job", time.Minute)
	assert.NoError(t, err)
}

func TestLeaseExtendAndExpiry(t *testing.T) {
	mr, client := newRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "job", 2*time.Second)
	require.NoError(t, err)
	mr.FastForward(1500 * time.Millisecond)
	require.NoError(t, lease.Extend(ctx))
	mr.FastForward(1500 * time.Millisecond)
	assert.True(t, mr.Exists("trustmeter:lock:job"), "extend pushed expiry out")

	mr.FastForward(time.Second)
	assert.ErrorIs(t, lease.Extend(ctx), ErrLockLost)

	_, err = locker.Acquire(ctx, "job", time.Second)
	assert.NoError(t, err)
}

func TestLockerNotConfigured(t *testing.T) {
	var locker *Locker
	_, err := locker.Acquire(context.Background(), "job", time.Second)
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.Nil(t, NewLocker(nil))

	var lease *Lease
	assert.NoError(t, lease.Release(context.Background()))
}

func ingestConfig(rate float64, burst int) config.Config {
	return config.Config{Ingest: config.IngestConfig{Rate: rate, Burst: burst}}
}

func TestIngestLimiterRedisPerTenant(t *testing.T) {
	_, client := newRedis(t)
	l := NewIngestLimiter(IngestLimiterParam{Config: ingestConfig(0.01, 2), Log: zap.NewNop(), Redis: client})
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "acme").Allowed)
	assert.True(t, l.Allow(ctx, "acme").Allowed)
	assert.False(t, l.Allow(ctx, "acme").Allowed)
	assert.True(t, l.Allow(ctx, "bigco").Allowed)
}

func TestIngestLimiterFailsOpenWhenRedisDown(t *testing.T) {
	mr, client := newRedis(t)
	l := NewIngestLimiter(IngestLimiterParam{Config: ingestConfig(0.01, 1), Log: zap.NewNop(), Redis: client})
	mr.Close()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(context.Background(), "acme").Allowed)
	}
}

func TestIngestLimiterLocalFallback(t *testing.T) {
	l := NewIngestLimiter(IngestLimiterParam{Config: ingestConfig(0.01, 2), Log: zap.NewNop()})
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "acme").Allowed)
	assert.True(t, l.Allow(ctx, "acme").Allowed)
	denied := l.Allow(ctx, "acme")
	assert.False(t, denied.Allowed)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))
	assert.True(t, l.Allow(ctx, "bigco").Allowed)
}

func TestIngestLimiterDisabled(t *testing.T) {
	l := NewIngestLimiter(IngestLimiterParam{Config: ingestConfig(0, 0), Log: zap.NewNop()})
	assert.Nil(t, l)
	assert.False(t, l.Enabled())
	assert.True(t, l.Allow(context.Background(), "acme").Allowed)
}
