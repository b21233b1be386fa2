package events

import (
	"testing"
	"time"

	"github.com/attestry/proofgate/go/task"
	"github.com/stretchr/testify/require"
)

func TestEventsArriveInEmitOrder(t *testing.T) {
	var bus = NewBus()
	var ch, cancel = bus.Subscribe("t1")
	defer cancel()

	bus.PublishStatus("t1", task.Status{State: task.StateRunning}, false)
	bus.PublishArtifact("t1", task.Artifact{ArtifactID: "a1"})
	bus.PublishStatus("t1", task.Status{State: task.StateCompleted}, true)
	bus.PublishComplete("t1", &task.Task{ID: "t1"})

	var kinds []Kind
	for i := 0; i < 4; i++ {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	require.Equal(t, []Kind{KindStatus, KindArtifact, KindStatus, KindComplete}, kinds)
}

func TestSubscribersAreIsolatedByTask(t *testing.T) {
	var bus = NewBus()
	var ch1, cancel1 = bus.Subscribe("t1")
	var ch2, cancel2 = bus.Subscribe("t2")
	defer cancel1()
	defer cancel2()

	bus.PublishStatus("t1", task.Status{State: task.StateRunning}, false)

	select {
	case ev := <-ch1:
		require.Equal(t, "t1", ev.TaskID)
	case <-time.After(time.Second):
		t.Fatal("t1 subscriber saw nothing")
	}

	select {
	case <-ch2:
		t.Fatal("t2 subscriber saw a t1 event")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCancelClosesChannel(t *testing.T) {
	var bus = NewBus()
	var ch, cancel = bus.Subscribe("t1")

	cancel()
	cancel() // double-cancel is safe

	var _, ok = <-ch
	require.False(t, ok)

	// Publishing after cancel must not panic.
	bus.PublishStatus("t1", task.Status{State: task.StateRunning}, false)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	var bus = NewBus()
	var ch, cancel = bus.Subscribe("t1")
	defer cancel()

	// Overflow the buffer without draining.
	for i := 0; i < subscriberBuffer+8; i++ {
		bus.PublishStatus("t1", task.Status{State: task.StateRunning}, false)
	}

	// The channel was closed after the buffer filled: drain to the close.
	var n int
	for range ch {
		n++
	}
	require.Equal(t, subscriberBuffer, n)
}

func TestDroppingOneSubscriberSparesTheOthers(t *testing.T) {
	var bus = NewBus()
	var ch1, cancel1 = bus.Subscribe("t1")
	var ch2, _ = bus.Subscribe("t1") // never drained; overflows first
	var ch3, cancel3 = bus.Subscribe("t1")
	defer cancel1()
	defer cancel3()

	// Fill every buffer, draining the first and third as we go so only the
	// middle subscriber lags.
	for i := 0; i < subscriberBuffer; i++ {
		bus.PublishStatus("t1", task.Status{State: task.StateRunning}, false)
		<-ch1
		<-ch3
	}

	// The overflow publish drops the laggard mid-fanout; the neighbors on
	// either side of it still receive the event.
	bus.PublishStatus("t1", task.Status{State: task.StateCompleted}, true)
	for _, ch := range []<-chan Event{ch1, ch3} {
		select {
		case ev := <-ch:
			require.Equal(t, task.StateCompleted, ev.Status.State)
		case <-time.After(time.Second):
			t.Fatal("surviving subscriber missed the overflow event")
		}
	}

	// The dropped channel holds its backlog, then closes.
	var n int
	for range ch2 {
		n++
	}
	require.Equal(t, subscriberBuffer, n)

	// Later publishes still reach the survivors.
	bus.PublishArtifact("t1", task.Artifact{ArtifactID: "a1"})
	select {
	case ev := <-ch1:
		require.Equal(t, KindArtifact, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber missed a post-drop event")
	}
	select {
	case ev := <-ch3:
		require.Equal(t, KindArtifact, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber missed a post-drop event")
	}
}
