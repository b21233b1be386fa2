package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	var mr = miniredis.RunT(t)
	var client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client), mr
}

func TestGetSetDelete(t *testing.T) {
	var store, _ = newTestStore(t)
	var ctx = context.Background()

	var _, err = store.Get(ctx, "missing")
	require.Equal(t, ErrNotFound, err)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)

	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	require.Equal(t, ErrNotFound, err)
}

func TestSetKeepTTLPreservesRemaining(t *testing.T) {
	var store, mr = newTestStore(t)
	var ctx = context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("a"), time.Hour))
	mr.FastForward(30 * time.Minute)

	require.NoError(t, store.SetKeepTTL(ctx, "k", []byte("b"), 2*time.Hour))
	remaining, err := store.TTL(ctx, "k")
	require.NoError(t, err)
	require.LessOrEqual(t, remaining, 30*time.Minute)
	require.Greater(t, remaining, 29*time.Minute)

	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("b"), val)
}

func TestSetKeepTTLFallsBackWhenNoTTL(t *testing.T) {
	var store, _ = newTestStore(t)
	var ctx = context.Background()

	require.NoError(t, store.SetKeepTTL(ctx, "fresh", []byte("v"), time.Minute))
	remaining, err := store.TTL(ctx, "fresh")
	require.NoError(t, err)
	require.Greater(t, remaining, 50*time.Second)
}

func TestQueueIsFIFO(t *testing.T) {
	var store, _ = newTestStore(t)
	var ctx = context.Background()

	require.NoError(t, store.PushQueue(ctx, "q", "first"))
	require.NoError(t, store.PushQueue(ctx, "q", "second"))

	head, err := store.PopQueue(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, "first", head)

	head, err = store.PopQueue(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, "second", head)

	_, err = store.PopQueue(ctx, "q")
	require.Equal(t, ErrNotFound, err)
}

func TestWindowOperations(t *testing.T) {
	var store, _ = newTestStore(t)
	var ctx = context.Background()

	require.NoError(t, store.WindowAdd(ctx, "w", 1, "a"))
	require.NoError(t, store.WindowAdd(ctx, "w", 2, "b"))
	require.NoError(t, store.WindowAdd(ctx, "w", 3, "c"))

	n, err := store.WindowCount(ctx, "w")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	oldest, err := store.WindowOldest(ctx, "w")
	require.NoError(t, err)
	require.Equal(t, float64(1), oldest)

	require.NoError(t, store.WindowEvict(ctx, "w", 2))
	n, err = store.WindowCount(ctx, "w")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, store.WindowEvict(ctx, "w", 10))
	_, err = store.WindowOldest(ctx, "w")
	require.Equal(t, ErrNotFound, err)
}
