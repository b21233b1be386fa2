// Package payment records micropayments accompanying task requests and
// settles signed authorizations through the external facilitator.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/attestry/proofgate/go/kv"
	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown payment ids.
var ErrNotFound = errors.New("payment: not found")

// Status of a payment record. Transitions out of pending are owned
// exclusively by the settlement worker.
type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
)

// Record is one settlement ledger row.
type Record struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	PayerAddress string    `json:"payer_address"`
	Amount       string    `json:"amount"`
	Network      string    `json:"network"`
	Status       Status    `json:"status"`
	TxHash       string    `json:"tx_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store persists records under payment:{id} plus a pending index used by the
// settlement worker's scan.
type Store struct {
	kv *kv.Store
}

const pendingIndex = "payments:pending"

// NewStore builds a payment store.
func NewStore(kv *kv.Store) *Store { return &Store{kv: kv} }

func key(id string) string { return "payment:" + id }

// Create records a new pending payment and indexes it for settlement.
func (s *Store) Create(ctx context.Context, taskID, payer, amount, network string) (*Record, error) {
	var now = time.Now().UTC()
	var rec = &Record{
		ID:           uuid.NewString(),
		TaskID:       taskID,
		PayerAddress: payer,
		Amount:       amount,
		Network:      network,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.put(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.kv.SetAdd(ctx, pendingIndex, rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get loads a record by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var doc, err = s.kv.Get(ctx, key(id))
	if err == kv.ErrNotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	var rec Record
	if err = json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("decoding payment %s: %w", id, err)
	}
	return &rec, nil
}

// ListPending returns all records still awaiting settlement.
func (s *Store) ListPending(ctx context.Context) ([]*Record, error) {
	var ids, err = s.kv.SetMembers(ctx, pendingIndex)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err == ErrNotFound {
			// Record expired out from under the index; drop the entry.
			_ = s.kv.SetRemove(ctx, pendingIndex, id)
			continue
		} else if err != nil {
			return nil, err
		}
		if rec.Status == StatusPending {
			out = append(out, rec)
		}
	}
	return out, nil
}

// MarkSettled records the settlement transaction. Exactly one tx hash is
// ever recorded per payment: settling a non-pending record is rejected.
func (s *Store) MarkSettled(ctx context.Context, id, txHash string) error {
	return s.finish(ctx, id, StatusSettled, txHash)
}

// MarkFailed parks a record after settlement retries are exhausted.
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	return s.finish(ctx, id, StatusFailed, "")
}

func (s *Store) finish(ctx context.Context, id string, status Status, txHash string) error {
	var rec, err = s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != StatusPending {
		return fmt.Errorf("payment %s is already %s", id, rec.Status)
	}
	rec.Status = status
	rec.TxHash = txHash
	rec.UpdatedAt = time.Now().UTC()
	if err = s.put(ctx, rec); err != nil {
		return err
	}
	return s.kv.SetRemove(ctx, pendingIndex, id)
}

func (s *Store) put(ctx context.Context, rec *Record) error {
	var doc, err = json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding payment: %w", err)
	}
	return s.kv.Set(ctx, key(rec.ID), doc, 0)
}
