// Package proofs persists durable proof results, addressable from the public
// verification page by proof id.
package proofs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/attestry/proofgate/go/attestation"
	"github.com/attestry/proofgate/go/kv"
)

const defaultTTL = 24 * time.Hour

// ErrNotFound is returned for unknown or expired proof ids.
var ErrNotFound = errors.New("proofs: not found")

// Result is a persisted proof. Immutable once written.
type Result struct {
	ProofID      string                `json:"proof_id"`
	Proof        string                `json:"proof"`
	PublicInputs []string              `json:"public_inputs"`
	CircuitID    string                `json:"circuit_id"`
	Nullifier    string                `json:"nullifier"`
	SignalHash   string                `json:"signal_hash"`
	Attestation  *attestation.Snapshot `json:"attestation,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
}

// Store persists results under proof:{id} with a 24h TTL.
type Store struct {
	kv  *kv.Store
	ttl time.Duration
}

// NewStore builds a proof result store.
func NewStore(kv *kv.Store) *Store {
	return &Store{kv: kv, ttl: defaultTTL}
}

func key(id string) string { return "proof:" + id }

// Put writes a result, stamping CreatedAt.
func (s *Store) Put(ctx context.Context, res *Result) error {
	res.CreatedAt = time.Now().UTC()
	var doc, err = json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding proof result: %w", err)
	}
	return s.kv.Set(ctx, key(res.ProofID), doc, s.ttl)
}

// Get loads a result by proof id.
func (s *Store) Get(ctx context.Context, id string) (*Result, error) {
	var doc, err = s.kv.Get(ctx, key(id))
	if err == kv.ErrNotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	var res Result
	if err = json.Unmarshal(doc, &res); err != nil {
		return nil, fmt.Errorf("decoding proof result %s: %w", id, err)
	}
	return &res, nil
}
