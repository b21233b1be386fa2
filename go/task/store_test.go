package task

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/attestry/proofgate/go/kv"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	var mr = miniredis.RunT(t)
	var client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(kv.NewWithClient(client))
}

func TestTransitionTable(t *testing.T) {
	require.True(t, ValidTransition(StateQueued, StateRunning))
	require.True(t, ValidTransition(StateQueued, StateCanceled))
	require.True(t, ValidTransition(StateQueued, StateRejected))
	require.True(t, ValidTransition(StateRunning, StateCompleted))
	require.True(t, ValidTransition(StateRunning, StateFailed))
	require.True(t, ValidTransition(StateRunning, StateAuthRequired))
	require.True(t, ValidTransition(StateAuthRequired, StateRunning))
	require.True(t, ValidTransition(StateAuthRequired, StateCanceled))

	// Terminal states accept no outgoing transition.
	for _, terminal := range []State{StateCompleted, StateFailed, StateCanceled, StateRejected} {
		require.True(t, terminal.Terminal())
		for _, to := range []State{StateQueued, StateRunning, StateCompleted, StateCanceled} {
			require.False(t, ValidTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}

	require.False(t, ValidTransition(StateQueued, StateCompleted))
	require.False(t, ValidTransition(StateRunning, StateQueued))
}

func TestCreateAndQueue(t *testing.T) {
	var store = newTestStore(t)
	var ctx = context.Background()

	created, err := store.Create(ctx, "check_status", map[string]any{"request_id": "r1"}, "ctx-1")
	require.NoError(t, err)
	require.Equal(t, StateQueued, created.Status.State)
	require.Equal(t, "task", created.Kind)

	id, err := store.PopQueued(ctx)
	require.NoError(t, err)
	require.Equal(t, created.ID, id)

	_, err = store.PopQueued(ctx)
	require.Equal(t, kv.ErrNotFound, err)

	byCtx, err := store.ByContext(ctx, "ctx-1")
	require.NoError(t, err)
	require.Equal(t, created.ID, byCtx.ID)
}

func TestUpdateStatusEnforcesTransitions(t *testing.T) {
	var store = newTestStore(t)
	var ctx = context.Background()

	created, err := store.Create(ctx, "check_status", nil, "")
	require.NoError(t, err)

	updated, err := store.UpdateStatus(ctx, created.ID, StateRunning, nil)
	require.NoError(t, err)
	require.Equal(t, StateRunning, updated.Status.State)

	updated, err = store.UpdateStatus(ctx, created.ID, StateCompleted, nil)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, updated.Status.State)

	// completed is terminal; canceling must fail.
	_, err = store.UpdateStatus(ctx, created.ID, StateCanceled, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAppendHistoryIsIdempotent(t *testing.T) {
	var store = newTestStore(t)
	var ctx = context.Background()

	created, err := store.Create(ctx, "check_status", nil, "")
	require.NoError(t, err)

	var msg = Message{MessageID: "m1", Role: "user", Parts: []Part{TextPart("hello")}}
	_, err = store.AppendHistory(ctx, created.ID, msg)
	require.NoError(t, err)
	updated, err := store.AppendHistory(ctx, created.ID, msg)
	require.NoError(t, err)
	require.Len(t, updated.History, 1)
}

func TestAddArtifactIsIdempotent(t *testing.T) {
	var store = newTestStore(t)
	var ctx = context.Background()

	created, err := store.Create(ctx, "check_status", nil, "")
	require.NoError(t, err)

	var artifact = Artifact{ArtifactID: "a1", Parts: []Part{TextPart("result")}}
	_, err = store.AddArtifact(ctx, created.ID, artifact)
	require.NoError(t, err)
	updated, err := store.AddArtifact(ctx, created.ID, artifact)
	require.NoError(t, err)
	require.Len(t, updated.Artifacts, 1)
}

func TestTrimHistory(t *testing.T) {
	var task = &Task{History: []Message{
		{MessageID: "1"}, {MessageID: "2"}, {MessageID: "3"},
	}}

	require.Len(t, task.TrimHistory(-1).History, 3)
	require.Len(t, task.TrimHistory(0).History, 0)

	var trimmed = task.TrimHistory(2)
	require.Len(t, trimmed.History, 2)
	require.Equal(t, "2", trimmed.History[0].MessageID)

	// Original untouched.
	require.Len(t, task.History, 3)
}
