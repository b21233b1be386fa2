package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/attestry/proofgate/go/events"
	"github.com/attestry/proofgate/go/kv"
	"github.com/attestry/proofgate/go/skills"
	"github.com/attestry/proofgate/go/task"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	result  any
	outcome *skills.Outcome
	err     error
	calls   int
}

func (f *fakeInvoker) Invoke(context.Context, string, map[string]any) (any, *skills.Outcome, error) {
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.result, f.outcome, nil
}

func newTestWorker(t *testing.T, invoker Invoker) (*Worker, *task.Store, *events.Bus) {
	var mr = miniredis.RunT(t)
	var store = kv.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	var tasks = task.NewStore(store)
	var bus = events.NewBus()
	return New(tasks, bus, invoker), tasks, bus
}

func TestExecuteCompletesWithArtifact(t *testing.T) {
	var invoker = &fakeInvoker{
		result:  map[string]any{"proof_id": "p-1"},
		outcome: &skills.Outcome{Summary: "Proof p-1 generated.", NextStep: "Verify it."},
	}
	var w, tasks, bus = newTestWorker(t, invoker)
	var ctx = context.Background()

	var created, err = tasks.Create(ctx, skills.SkillGenerateProof, map[string]any{"request_id": "r"}, "ctx-1")
	require.NoError(t, err)

	var ch, cancel = bus.Subscribe(created.ID)
	defer cancel()

	w.Execute(ctx, created.ID)

	got, err := tasks.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StateCompleted, got.Status.State)
	require.Len(t, got.Artifacts, 1)
	require.Equal(t, "generate_proof-result", got.Artifacts[0].Name)
	require.Equal(t, "p-1", got.Artifacts[0].Parts[1].Data["proof_id"])
	require.NotEmpty(t, got.History)

	// Event order: running, artifact, final status, completion.
	var kinds []events.Kind
	for ev := range ch {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == events.KindComplete {
			break
		}
	}
	require.Equal(t, []events.Kind{
		events.KindStatus, events.KindArtifact, events.KindStatus, events.KindComplete,
	}, kinds)
}

func TestExecuteFailureIsTerminal(t *testing.T) {
	var invoker = &fakeInvoker{err: fmt.Errorf("the proving service is unavailable")}
	var w, tasks, _ = newTestWorker(t, invoker)
	var ctx = context.Background()

	var created, err = tasks.Create(ctx, skills.SkillGenerateProof, nil, "")
	require.NoError(t, err)
	w.Execute(ctx, created.ID)

	got, err := tasks.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StateFailed, got.Status.State)
	require.True(t, got.Status.State.Terminal())
	require.Contains(t, got.Status.Message.Parts[0].Text, "unavailable")
}

func TestExecuteBlockedSkillParksAuthRequired(t *testing.T) {
	var invoker = &fakeInvoker{
		result: map[string]any{"signing_url": "https://x/s/1"},
		outcome: &skills.Outcome{
			Summary:       "Session created.",
			NextStep:      "Have the holder sign.",
			InputRequired: true,
		},
	}
	var w, tasks, _ = newTestWorker(t, invoker)
	var ctx = context.Background()

	var created, err = tasks.Create(ctx, skills.SkillRequestSigning, nil, "")
	require.NoError(t, err)
	w.Execute(ctx, created.ID)

	got, err := tasks.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StateAuthRequired, got.Status.State)
	require.False(t, got.Status.State.Terminal())

	// The parked task resumes once input arrives.
	_, err = tasks.UpdateStatus(ctx, created.ID, task.StateRunning, nil)
	require.NoError(t, err)
}

func TestExecuteSkipsCanceledTask(t *testing.T) {
	var invoker = &fakeInvoker{outcome: &skills.Outcome{}}
	var w, tasks, _ = newTestWorker(t, invoker)
	var ctx = context.Background()

	var created, err = tasks.Create(ctx, skills.SkillCheckStatus, nil, "")
	require.NoError(t, err)
	_, err = tasks.UpdateStatus(ctx, created.ID, task.StateCanceled, nil)
	require.NoError(t, err)

	w.Execute(ctx, created.ID)
	require.Zero(t, invoker.calls)

	got, err := tasks.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StateCanceled, got.Status.State)
}

func TestServeDrainsQueueAndStops(t *testing.T) {
	var invoker = &fakeInvoker{
		result:  map[string]any{},
		outcome: &skills.Outcome{Summary: "ok", NextStep: "done"},
	}
	var w, tasks, _ = newTestWorker(t, invoker)
	w.poll = 5 * time.Millisecond

	var ctx = context.Background()
	var a, err = tasks.Create(ctx, skills.SkillCheckStatus, nil, "")
	require.NoError(t, err)
	b, err := tasks.Create(ctx, skills.SkillCheckStatus, nil, "")
	require.NoError(t, err)

	var serveCtx, cancel = context.WithCancel(ctx)
	var done = make(chan struct{})
	go func() {
		w.Serve(serveCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		var ta, err = tasks.Get(ctx, a.ID)
		if err != nil {
			return false
		}
		tb, err := tasks.Get(ctx, b.ID)
		if err != nil {
			return false
		}
		return ta.Status.State == task.StateCompleted && tb.Status.State == task.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
