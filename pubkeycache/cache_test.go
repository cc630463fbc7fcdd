package pubkeycache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	assert.Equal(t, DefaultTTL, store.ttl)

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	der := []byte{0x30, 0x01}
	require.NoError(t, store.Set(ctx, "k", der))
	der[0] = 0xff

	got, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0x30, 0x01}, got)

	got[1] = 0xff
	again, _, _ := store.Get(ctx, "k")
	assert.Equal(t, []byte{0x30, 0x01}, again)
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, "k", []byte{1}))

	now = now.Add(59 * time.Second)
	_, ok, _ := store.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok, _ = store.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 1, store.Len())
}

// TestRedisStore requires a Redis server; set KMSSIGNER_TEST_REDIS_ADDR to
// run it.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("KMSSIGNER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("KMSSIGNER_TEST_REDIS_ADDR not set")
	}

	store, err := NewRedisStore(RedisConfig{Addr: addr, KeyPrefix: "kmssigner-test:" + uuid.NewString() + ":", TTL: time.Minute})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", []byte{0x30, 0x02}))
	got, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x30, 0x02}, got)

	ttl, err := store.client.TTL(ctx, store.prefix+"k").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRedisStore_Unreachable(t *testing.T) {
	_, err := NewRedisStore(RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	store := NewRedisStoreFromClient(client, "", 0)
	defer func() { _ = store.Close() }()
	assert.Equal(t, DefaultKeyPrefix, store.prefix)

	_, ok, err := store.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.False(t, ok)
}
