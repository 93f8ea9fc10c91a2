package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) (*KeyCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewKeyCache(client, ttl), mr
}

func TestKeyCacheRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, _ := newTestCache(t, time.Hour)
	client := uuid.New()

	_, ok, err := c.Get(ctx, client, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	id := uuid.New()
	require.NoError(t, c.Put(ctx, client, "k1", id))

	got, ok, err := c.Get(ctx, client, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, got)

	// scoped by client
	_, ok, err = c.Get(ctx, uuid.New(), "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyCacheKeepsFirstMapping(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, _ := newTestCache(t, time.Hour)
	client, first := uuid.New(), uuid.New()

	require.NoError(t, c.Put(ctx, client, "k", first))
	require.NoError(t, c.Put(ctx, client, "k", uuid.New()))

	got, _, err := c.Get(ctx, client, "k")
	require.NoError(t, err)
	assert.Equal(t, first, got)
}

func TestKeyCacheExpires(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, mr := newTestCache(t, time.Minute)
	client := uuid.New()

	require.NoError(t, c.Put(ctx, client, "k", uuid.New()))
	mr.FastForward(2 * time.Minute)

	_, ok, err := c.Get(ctx, client, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyCacheErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, mr := newTestCache(t, time.Minute)
	client := uuid.New()

	require.NoError(t, mr.Set(cacheKey(client, "junk"), "not-a-uuid"))
	_, _, err := c.Get(ctx, client, "junk")
	require.Error(t, err)

	require.NoError(t, c.Ping(ctx))
	mr.SetError("LOADING Redis is loading the dataset in memory")
	_, _, err = c.Get(ctx, client, "k")
	require.Error(t, err)
	require.Error(t, c.Put(ctx, client, "k", uuid.New()))
}
