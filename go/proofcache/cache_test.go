package proofcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/attestry/proofgate/go/kv"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	var mr = miniredis.RunT(t)
	var client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache, err := NewCache(kv.NewWithClient(client))
	require.NoError(t, err)
	return cache, mr
}

func TestKeyIsDeterministicAndCanonical(t *testing.T) {
	var yes = true
	var k1 = Key("coinbase_country", "0xAbC", "scope", []string{"us", "fr"}, &yes)
	var k2 = Key("coinbase_country", "0xabc", "scope", []string{"FR", "US"}, &yes)
	require.Equal(t, k1, k2)

	// is_included flips the key.
	var no = false
	require.NotEqual(t, k1, Key("coinbase_country", "0xabc", "scope", []string{"FR", "US"}, &no))

	// Nil is_included encodes like false.
	require.Equal(t,
		Key("coinbase_attestation", "0xabc", "scope", nil, nil),
		Key("coinbase_attestation", "0xabc", "scope", nil, &no))
}

func TestGetPutRoundTrip(t *testing.T) {
	var cache, _ = newTestCache(t)
	var ctx = context.Background()

	var key = Key("coinbase_attestation", "0xabc", "scope", nil, nil)
	_, hit, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, hit)

	var entry = &Entry{
		Proof:        "0xdeadbeef",
		PublicInputs: []string{"0x" + "00" + "11"},
		Nullifier:    "0x01",
		SignalHash:   "0x02",
	}
	require.NoError(t, cache.Put(ctx, key, entry))

	got, hit, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, entry.Proof, got.Proof)
	require.Equal(t, entry.PublicInputs, got.PublicInputs)

	// Idempotent re-put.
	require.NoError(t, cache.Put(ctx, key, entry))
}

func TestExpiredEntryMisses(t *testing.T) {
	var cache, mr = newTestCache(t)
	var ctx = context.Background()

	var key = Key("coinbase_attestation", "0xabc", "scope", nil, nil)
	require.NoError(t, cache.Put(ctx, key, &Entry{Proof: "0x01"}))

	mr.FastForward(2 * time.Hour)

	_, hit, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, hit, "expired KV entry must not be served from the local LRU")
}
