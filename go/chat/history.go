package chat

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/attestry/proofgate/go/kv"
)

const (
	sessionTTL = time.Hour
	// historyCap bounds stored messages per chat session. The trim boundary
	// never splits an assistant tool-call from its tool results.
	historyCap = 40
)

// ErrBadSecret is returned when the presented secret does not match the
// session's stored hash.
var ErrBadSecret = errors.New("chat: session secret mismatch")

// sessionRecord is the persisted chat session.
type sessionRecord struct {
	SecretHash string    `json:"secret_hash"`
	History    []Message `json:"history"`
}

// HistoryStore persists chat sessions under chat:session:{id}.
type HistoryStore struct {
	kv *kv.Store
}

// NewHistoryStore builds a history store.
func NewHistoryStore(kv *kv.Store) *HistoryStore { return &HistoryStore{kv: kv} }

func key(id string) string { return "chat:session:" + id }

func hashSecret(secret string) string {
	var sum = sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Load authenticates and returns a session's history. An unknown session id
// is claimed by the presented secret; a known one must match its hash.
func (s *HistoryStore) Load(ctx context.Context, id, secret string) ([]Message, error) {
	var doc, err = s.kv.Get(ctx, key(id))
	if err == kv.ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var rec sessionRecord
	if err = json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("decoding chat session %s: %w", id, err)
	}
	if subtle.ConstantTimeCompare([]byte(rec.SecretHash), []byte(hashSecret(secret))) != 1 {
		return nil, ErrBadSecret
	}
	return rec.History, nil
}

// Save trims and persists a session's history, refreshing its TTL.
func (s *HistoryStore) Save(ctx context.Context, id, secret string, history []Message) error {
	var rec = sessionRecord{
		SecretHash: hashSecret(secret),
		History:    trimHistory(history, historyCap),
	}
	var doc, err = json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding chat session: %w", err)
	}
	return s.kv.Set(ctx, key(id), doc, sessionTTL)
}

// trimHistory keeps the most recent messages up to cap, then advances the
// boundary past any leading tool results so a tool-call pair is dropped or
// kept whole, never split.
func trimHistory(history []Message, limit int) []Message {
	if len(history) <= limit {
		return history
	}
	var start = len(history) - limit
	for start < len(history) && history[start].Role == "tool" {
		start++
	}
	return history[start:]
}
