// Package session persists signing-session records: the server-side state of
// one proof-generation attempt, from signing through (optional) payment to
// consumption by a successful proof.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/attestry/proofgate/go/kv"
)

// ErrNotFound is returned for unknown or expired sessions.
var ErrNotFound = errors.New("session: not found")

// Status of the signing sub-state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// PaymentStatus of the payment sub-state. Empty means payment has not been
// requested yet.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
)

// Phase is the externally visible progress of a session, derived from its
// sub-states rather than stored.
type Phase string

const (
	PhaseSigning Phase = "signing"
	PhasePayment Phase = "payment"
	PhaseReady   Phase = "ready"
	PhaseExpired Phase = "expired"
)

// Record is a signing session.
type Record struct {
	ID            string        `json:"id"`
	CircuitID     string        `json:"circuit_id"`
	Scope         string        `json:"scope"`
	Status        Status        `json:"status"`
	Address       string        `json:"address,omitempty"`
	SignalHash    string        `json:"signal_hash,omitempty"`
	Signature     string        `json:"signature,omitempty"`
	CountryList   []string      `json:"country_list,omitempty"`
	IsIncluded    *bool         `json:"is_included,omitempty"`
	PaymentStatus PaymentStatus `json:"payment_status,omitempty"`
	PaymentTxHash string        `json:"payment_tx_hash,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// Phase derives the session phase at |now|. Expiry wins over everything.
func (r *Record) Phase(now time.Time, paymentRequired bool) Phase {
	if !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt) {
		return PhaseExpired
	}
	if r.Status != StatusCompleted {
		return PhaseSigning
	}
	if paymentRequired && r.PaymentStatus != PaymentCompleted {
		return PhasePayment
	}
	return PhaseReady
}

// Terminal reports whether a session can no longer be mutated by the
// signing-page endpoints.
func (r *Record) Terminal(now time.Time) bool {
	return r.Status == StatusCompleted || r.Status == StatusExpired ||
		(!r.ExpiresAt.IsZero() && now.After(r.ExpiresAt))
}

// Store persists sessions under signing:{id} with the configured TTL.
type Store struct {
	kv  *kv.Store
	ttl time.Duration
}

// NewStore builds a session store with the given default TTL.
func NewStore(kv *kv.Store, ttl time.Duration) *Store {
	return &Store{kv: kv, ttl: ttl}
}

// TTL is the configured session lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

func key(id string) string { return "signing:" + id }

// Create writes a fresh record, stamping CreatedAt and ExpiresAt.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	var now = time.Now().UTC()
	rec.CreatedAt = now
	rec.ExpiresAt = now.Add(s.ttl)

	var doc, err = json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	return s.kv.Set(ctx, key(rec.ID), doc, s.ttl)
}

// Get loads a session by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var doc, err = s.kv.Get(ctx, key(id))
	if err == kv.ErrNotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	var rec Record
	if err = json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &rec, nil
}

// Update rewrites a session while preserving its remaining TTL, so mutations
// never silently extend a session's life.
func (s *Store) Update(ctx context.Context, rec *Record) error {
	var doc, err = json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	return s.kv.SetKeepTTL(ctx, key(rec.ID), doc, s.ttl)
}

// ExtendTTL resets a session's lifetime to the full configured TTL, moving
// the record's ExpiresAt together with the key expiry: phase derivation
// reads ExpiresAt, so extending only the key would leave the session
// deriving expired on schedule.
func (s *Store) ExtendTTL(ctx context.Context, id string) error {
	var rec, err = s.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.ExpiresAt = time.Now().UTC().Add(s.ttl)

	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	return s.kv.Set(ctx, key(id), doc, s.ttl)
}

// Delete removes a session. Used when a proof consumes it.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, key(id))
}
