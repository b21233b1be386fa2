// Package proofcache memoizes proof results by content address, so repeat
// requests for the same (circuit, address, scope, country set) skip the
// prover entirely. Entries live in the KV store with a short TTL, fronted by
// a small in-process LRU.
package proofcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/attestry/proofgate/go/attestation"
	"github.com/attestry/proofgate/go/circuits"
	"github.com/attestry/proofgate/go/kv"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultTTL = time.Hour
	lruSize    = 256
)

// Entry is a memoized proof result.
type Entry struct {
	Proof        string                `json:"proof"`
	PublicInputs []string              `json:"public_inputs"`
	Nullifier    string                `json:"nullifier"`
	SignalHash   string                `json:"signal_hash"`
	Attestation  *attestation.Snapshot `json:"attestation,omitempty"`
}

// Key derives the content address of a proof request:
// hex(sha256(circuit || address || scope || canonical(countryList) || isIncluded)).
func Key(circuitID, address, scope string, countryList []string, isIncluded *bool) string {
	var h = sha256.New()
	h.Write([]byte(circuitID))
	h.Write([]byte(strings.ToLower(address)))
	h.Write([]byte(scope))
	for _, c := range circuits.CanonicalCountryList(countryList) {
		h.Write([]byte(c))
	}
	var included byte
	if isIncluded != nil && *isIncluded {
		included = 1
	}
	h.Write([]byte{included})
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is the content-addressed proof cache.
type Cache struct {
	kv    *kv.Store
	ttl   time.Duration
	local *lru.Cache[string, *Entry]
}

// NewCache builds a cache with the default 1h TTL.
func NewCache(kv *kv.Store) (*Cache, error) {
	var local, err = lru.New[string, *Entry](lruSize)
	if err != nil {
		return nil, err
	}
	return &Cache{kv: kv, ttl: defaultTTL, local: local}, nil
}

func cacheKey(key string) string { return "cache:proof:" + key }

// Get looks up a cache entry. The boolean reports a hit; expired KV entries
// miss, and the local LRU is refreshed on a KV hit.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool, error) {
	var doc, err = c.kv.Get(ctx, cacheKey(key))
	if err == kv.ErrNotFound {
		// The KV entry is authoritative: a local copy without a KV
		// backing is stale and must not resurrect an expired entry.
		c.local.Remove(key)
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}

	if entry, ok := c.local.Get(key); ok {
		return entry, true, nil
	}
	var entry Entry
	if err = json.Unmarshal(doc, &entry); err != nil {
		return nil, false, fmt.Errorf("decoding cache entry: %w", err)
	}
	c.local.Add(key, &entry)
	return &entry, true, nil
}

// Put writes an entry. Writes are idempotent.
func (c *Cache) Put(ctx context.Context, key string, entry *Entry) error {
	var doc, err = json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	if err = c.kv.Set(ctx, cacheKey(key), doc, c.ttl); err != nil {
		return err
	}
	c.local.Add(key, entry)
	return nil
}
