// Package task holds the asynchronous task objects served by the task
// JSON-RPC adapter, their state machine, and the KV-backed store that
// enforces it.
package task

import (
	"time"
)

// State of a task. Terminal states have no outgoing transitions.
type State string

const (
	StateQueued       State = "queued"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCanceled     State = "canceled"
	StateRejected     State = "rejected"
	StateAuthRequired State = "auth-required"
)

// validTransitions is the full transition table. A status mutation not in
// this table is rejected by Store.UpdateStatus.
var validTransitions = map[State][]State{
	StateQueued:       {StateRunning, StateCanceled, StateRejected},
	StateRunning:      {StateCompleted, StateFailed, StateCanceled, StateAuthRequired},
	StateAuthRequired: {StateRunning, StateCanceled},
}

// ValidTransition reports whether from → to is allowed.
func ValidTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state has no outgoing transitions.
func (s State) Terminal() bool {
	return len(validTransitions[s]) == 0
}

// Part is one chunk of a message or artifact: either free-form text or a
// typed data object.
type Part struct {
	Kind string         `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part { return Part{Kind: "text", Text: text} }

// DataPart builds a data part.
func DataPart(data map[string]any) Part { return Part{Kind: "data", Data: data} }

// Message is one entry in a task's history.
type Message struct {
	MessageID string `json:"messageId"`
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	TaskID    string `json:"taskId,omitempty"`
	ContextID string `json:"contextId,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// Artifact is a content chunk produced by the worker.
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// Status is the task's current state plus an optional status message.
type Status struct {
	State     State     `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is an asynchronous unit of work.
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId,omitempty"`
	Kind      string         `json:"kind"`
	Skill     string         `json:"skill,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Status    Status         `json:"status"`
	History   []Message      `json:"history,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
}

// TrimHistory returns a shallow copy with history limited to the most recent
// n messages. n < 0 leaves history untouched; n == 0 removes it.
func (t *Task) TrimHistory(n int) *Task {
	var out = *t
	if n >= 0 && len(out.History) > n {
		out.History = out.History[len(out.History)-n:]
	}
	return &out
}
