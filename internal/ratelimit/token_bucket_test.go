package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketPerUser(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	bucket := NewTokenBucket(client, 2, 1, time.Minute)
	bucket.now = func() time.Time { return clock }

	for i := 0; i < 2; i++ {
		d, err := bucket.AllowUser(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "token %d", i+1)
	}
	d, err := bucket.AllowUser(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	other, err := bucket.AllowUser(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "buckets are per user")

	clock = clock.Add(1500 * time.Millisecond)
	d, err = bucket.AllowUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 0.5, d.Remaining, 0.001)
}

func TestTokenBucketExpiresIdleKeys(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bucket := NewTokenBucket(client, 1, 1, time.Minute)
	_, err := bucket.AllowUser(ctx, "alice")
	require.NoError(t, err)
	require.True(t, mr.Exists("rl:turns:alice"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("rl:turns:alice"))
}
