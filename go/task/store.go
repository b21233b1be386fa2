package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/attestry/proofgate/go/kv"
	"github.com/google/uuid"
)

const (
	queueKey   = "queue:submitted"
	defaultTTL = 24 * time.Hour
)

// ErrNotFound is returned for unknown or expired tasks.
var ErrNotFound = errors.New("task: not found")

// ErrInvalidTransition is returned when a status mutation violates the
// transition table.
var ErrInvalidTransition = errors.New("Invalid status transition")

// Store persists tasks under task:{id}, the submitted-task FIFO under
// queue:submitted, and context correlations under ctx:{contextId}.
type Store struct {
	kv  *kv.Store
	ttl time.Duration
}

// NewStore builds a task store with the default 24h TTL.
func NewStore(kv *kv.Store) *Store {
	return &Store{kv: kv, ttl: defaultTTL}
}

func taskKey(id string) string { return "task:" + id }
func ctxKey(id string) string  { return "ctx:" + id }

// Create persists a new queued task and appends it to the submitted queue.
func (s *Store) Create(ctx context.Context, skill string, params map[string]any, contextID string) (*Task, error) {
	var t = &Task{
		ID:        uuid.NewString(),
		ContextID: contextID,
		Kind:      "task",
		Skill:     skill,
		Params:    params,
		Status: Status{
			State:     StateQueued,
			Timestamp: time.Now().UTC(),
		},
	}
	if err := s.put(ctx, t); err != nil {
		return nil, err
	}
	if contextID != "" {
		if err := s.kv.Set(ctx, ctxKey(contextID), []byte(t.ID), s.ttl); err != nil {
			return nil, err
		}
	}
	if err := s.kv.PushQueue(ctx, queueKey, t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

// Get loads a task by id.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	var doc, err = s.kv.Get(ctx, taskKey(id))
	if err == kv.ErrNotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	var t Task
	if err = json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", id, err)
	}
	return &t, nil
}

// ByContext resolves the task most recently created under a context id.
func (s *Store) ByContext(ctx context.Context, contextID string) (*Task, error) {
	var id, err = s.kv.Get(ctx, ctxKey(contextID))
	if err == kv.ErrNotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return s.Get(ctx, string(id))
}

// UpdateStatus applies a state transition, rejecting any not in the valid
// transition table, and returns the updated task.
func (s *Store) UpdateStatus(ctx context.Context, id string, state State, msg *Message) (*Task, error) {
	var t, err = s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ValidTransition(t.Status.State, state) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status.State, state)
	}
	t.Status = Status{
		State:     state,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
	if msg != nil {
		t.appendHistory(*msg)
	}
	if err = s.put(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// AppendHistory adds a message to the task history. Idempotent per message id.
func (s *Store) AppendHistory(ctx context.Context, id string, msg Message) (*Task, error) {
	var t, err = s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t.appendHistory(msg)
	if err = s.put(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// AddArtifact attaches an artifact. Idempotent per artifact id.
func (s *Store) AddArtifact(ctx context.Context, id string, artifact Artifact) (*Task, error) {
	var t, err = s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, a := range t.Artifacts {
		if a.ArtifactID == artifact.ArtifactID {
			return t, nil
		}
	}
	t.Artifacts = append(t.Artifacts, artifact)
	if err = s.put(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// PopQueued removes and returns the next queued task id, or kv.ErrNotFound
// when the queue is empty.
func (s *Store) PopQueued(ctx context.Context) (string, error) {
	return s.kv.PopQueue(ctx, queueKey)
}

func (t *Task) appendHistory(msg Message) {
	for _, m := range t.History {
		if m.MessageID != "" && m.MessageID == msg.MessageID {
			return
		}
	}
	t.History = append(t.History, msg)
}

// put rewrites the task and bumps its TTL.
func (s *Store) put(ctx context.Context, t *Task) error {
	var doc, err = json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}
	return s.kv.Set(ctx, taskKey(t.ID), doc, s.ttl)
}
