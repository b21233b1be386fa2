// Package events is the in-process pub/sub bus carrying task progress to
// streaming subscribers. Topics are task ids; events for one task are
// delivered in emit order. There is no cross-task ordering guarantee.
package events

import (
	"sync"

	"github.com/attestry/proofgate/go/task"
	log "github.com/sirupsen/logrus"
)

// Kind of a bus event.
type Kind string

const (
	KindStatus   Kind = "status-update"
	KindArtifact Kind = "artifact-update"
	KindComplete Kind = "task-complete"
)

// Event is one update for a task.
type Event struct {
	TaskID   string
	Kind     Kind
	Status   *task.Status
	Final    bool
	Artifact *task.Artifact
	Task     *task.Task
}

// subscriberBuffer bounds how far a subscriber may lag before it is dropped.
const subscriberBuffer = 32

type subscriber struct {
	ch     chan Event
	closed bool
}

// Bus fans events out to per-task subscribers.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*subscriber
}

// NewBus builds an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*subscriber)}
}

// Subscribe registers for events of one task. The returned cancel function
// removes the subscription and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe(taskID string) (<-chan Event, func()) {
	var sub = &subscriber{ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	b.subs[taskID] = append(b.subs[taskID], sub)
	b.mu.Unlock()

	var once sync.Once
	var cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.remove(taskID, sub)
		})
	}
	return sub.ch, cancel
}

// PublishStatus emits a status-update event.
func (b *Bus) PublishStatus(taskID string, status task.Status, final bool) {
	b.publish(Event{TaskID: taskID, Kind: KindStatus, Status: &status, Final: final})
}

// PublishArtifact emits an artifact-update event.
func (b *Bus) PublishArtifact(taskID string, artifact task.Artifact) {
	b.publish(Event{TaskID: taskID, Kind: KindArtifact, Artifact: &artifact})
}

// PublishComplete emits a task-complete event. Stream adapters close on it.
func (b *Bus) PublishComplete(taskID string, t *task.Task) {
	b.publish(Event{TaskID: taskID, Kind: KindComplete, Task: t, Final: true})
}

func (b *Bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Deliver over a snapshot: removing a laggard shifts the live slice and
	// closes its channel, which must not disturb this iteration.
	var subs = append([]*subscriber(nil), b.subs[ev.TaskID]...)
	var dropped []*subscriber
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber fell too far behind; drop it rather than
			// stall every other consumer of this task.
			log.WithField("task", ev.TaskID).Warn("dropping slow event subscriber")
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		b.remove(ev.TaskID, sub)
	}
}

// remove must be called with b.mu held.
func (b *Bus) remove(taskID string, target *subscriber) {
	var subs = b.subs[taskID]
	for i, sub := range subs {
		if sub == target {
			b.subs[taskID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[taskID]) == 0 {
		delete(b.subs, taskID)
	}
	if !target.closed {
		target.closed = true
		close(target.ch)
	}
}
