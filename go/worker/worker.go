// Package worker drains the submitted-task queue: each task is marked
// running, dispatched to its skill, and driven to completed, failed, or
// auth-required, with progress fanned out on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/attestry/proofgate/go/events"
	"github.com/attestry/proofgate/go/kv"
	"github.com/attestry/proofgate/go/skills"
	"github.com/attestry/proofgate/go/task"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	// idlePoll paces queue polls while the queue is empty.
	idlePoll = 250 * time.Millisecond
	// taskTimeout bounds one skill invocation, proving included.
	taskTimeout = 2 * time.Minute
)

var tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "proofgate_tasks_total",
	Help: "Executed tasks by final state.",
}, []string{"state"})

// Invoker dispatches one skill call. *skills.Core implements it.
type Invoker interface {
	Invoke(ctx context.Context, skill string, params map[string]any) (any, *skills.Outcome, error)
}

// Worker is the task execution loop.
type Worker struct {
	tasks   *task.Store
	bus     *events.Bus
	invoker Invoker
	poll    time.Duration
}

// New builds a worker over the task store and event bus.
func New(tasks *task.Store, bus *events.Bus, invoker Invoker) *Worker {
	return &Worker{tasks: tasks, bus: bus, invoker: invoker, poll: idlePoll}
}

// Serve drains the queue until the context is cancelled. A task already
// popped when shutdown begins is driven to a terminal state before return.
func (w *Worker) Serve(ctx context.Context) {
	log.Info("task worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info("task worker stopped")
			return
		default:
		}

		var id, err = w.tasks.PopQueued(ctx)
		if err == kv.ErrNotFound {
			select {
			case <-ctx.Done():
			case <-time.After(w.poll):
			}
			continue
		} else if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithField("err", err).Warn("popping task queue failed")
			select {
			case <-ctx.Done():
			case <-time.After(w.poll):
			}
			continue
		}
		// Detach from the serve context so shutdown drains, not aborts,
		// the in-flight task.
		var taskCtx, cancel = context.WithTimeout(context.Background(), taskTimeout)
		w.Execute(taskCtx, id)
		cancel()
	}
}

// Execute drives one task through its lifecycle.
func (w *Worker) Execute(ctx context.Context, id string) {
	var t, err = w.tasks.UpdateStatus(ctx, id, task.StateRunning, nil)
	if err == task.ErrNotFound {
		log.WithField("task", id).Warn("queued task vanished before execution")
		return
	} else if err != nil {
		// Canceled while queued, or already picked up elsewhere.
		log.WithFields(log.Fields{"task": id, "err": err}).Info("skipping task")
		return
	}
	w.bus.PublishStatus(id, t.Status, false)

	result, outcome, err := w.invoker.Invoke(ctx, t.Skill, t.Params)
	if err != nil {
		w.finish(ctx, id, task.StateFailed, agentMessage(id, t.ContextID, err.Error(), nil))
		return
	}

	var artifact = task.Artifact{
		ArtifactID: uuid.NewString(),
		Name:       t.Skill + "-result",
		Parts: []task.Part{
			task.TextPart(outcome.Summary + " " + outcome.NextStep),
			task.DataPart(toDataMap(result)),
		},
	}
	if _, err = w.tasks.AddArtifact(ctx, id, artifact); err != nil {
		log.WithFields(log.Fields{"task": id, "err": err}).Warn("attaching artifact failed")
	} else {
		w.bus.PublishArtifact(id, artifact)
	}

	// A skill blocked on a wallet signature or payment parks the task in
	// auth-required; tasks/get and resubscribe pick it back up once the
	// outside input arrives.
	var state = task.StateCompleted
	if outcome.InputRequired {
		state = task.StateAuthRequired
	}
	w.finish(ctx, id, state, agentMessage(id, t.ContextID, outcome.NextStep, toDataMap(result)))
}

func (w *Worker) finish(ctx context.Context, id string, state task.State, msg *task.Message) {
	var t, err = w.tasks.UpdateStatus(ctx, id, state, msg)
	if err != nil {
		log.WithFields(log.Fields{"task": id, "state": state, "err": err}).
			Error("finishing task failed")
		return
	}
	tasksTotal.WithLabelValues(string(state)).Inc()
	log.WithFields(log.Fields{"task": id, "skill": t.Skill, "state": state}).
		Info("task finished")

	w.bus.PublishStatus(id, t.Status, true)
	if state.Terminal() {
		w.bus.PublishComplete(id, t)
	}
}

func agentMessage(taskID, contextID, text string, data map[string]any) *task.Message {
	var parts = []task.Part{task.TextPart(text)}
	if data != nil {
		parts = append(parts, task.DataPart(data))
	}
	return &task.Message{
		MessageID: uuid.NewString(),
		Role:      "agent",
		Parts:     parts,
		TaskID:    taskID,
		ContextID: contextID,
		Kind:      "message",
	}
}

// toDataMap renders a typed skill result as the loose map a data part holds.
func toDataMap(result any) map[string]any {
	var doc, err = json.Marshal(result)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	var out map[string]any
	if err = json.Unmarshal(doc, &out); err != nil {
		return map[string]any{"error": err.Error()}
	}
	return out
}
