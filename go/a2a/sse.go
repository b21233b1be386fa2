package a2a

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/attestry/proofgate/go/events"
	"github.com/attestry/proofgate/go/skills"
	"github.com/attestry/proofgate/go/task"
	log "github.com/sirupsen/logrus"
)

// keepaliveInterval paces SSE comment frames so intermediaries keep the
// connection open through long proving runs.
const keepaliveInterval = 15 * time.Second

// stream subscribes to a task's events and relays them as SSE frames, each
// one a complete JSON-RPC response envelope. The stream ends on the task's
// final event or when the client goes away.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, id json.RawMessage, t *task.Task) {
	var flusher, ok = w.(http.Flusher)
	if !ok {
		writeJSON(w, errorResponse(id, skills.CodeInternal, "streaming is not supported by this connection"))
		return
	}

	var ch, cancel = h.bus.Subscribe(t.ID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// An immediate comment confirms the stream is open before any event is
	// due, and flushes headers through buffering intermediaries.
	fmt.Fprint(w, ": keepalive\n\n")
	flusher.Flush()

	// Current state first, so late subscribers see where the task stands.
	current, err := h.tasks.Get(r.Context(), t.ID)
	if err != nil {
		current = t
	}
	var final = current.Status.State.Terminal() || current.Status.State == task.StateAuthRequired
	writeFrame(w, flusher, resultResponse(id, statusUpdate{
		Kind:      "status-update",
		TaskID:    current.ID,
		ContextID: current.ContextID,
		Status:    current.Status,
		Final:     final,
	}))
	if final {
		return
	}

	var keepalive = time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if done := h.relay(w, flusher, id, ev); done {
				return
			}
		}
	}
}

// relay writes one bus event as an SSE frame, reporting whether the stream
// is finished.
func (h *Handler) relay(w http.ResponseWriter, flusher http.Flusher, id json.RawMessage, ev events.Event) bool {
	switch ev.Kind {
	case events.KindStatus:
		writeFrame(w, flusher, resultResponse(id, statusUpdate{
			Kind:   "status-update",
			TaskID: ev.TaskID,
			Status: *ev.Status,
			Final:  ev.Final,
		}))
		return ev.Final && ev.Status.State == task.StateAuthRequired
	case events.KindArtifact:
		writeFrame(w, flusher, resultResponse(id, artifactUpdate{
			Kind:     "artifact-update",
			TaskID:   ev.TaskID,
			Artifact: *ev.Artifact,
		}))
		return false
	case events.KindComplete:
		writeFrame(w, flusher, resultResponse(id, ev.Task))
		return true
	default:
		return false
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, resp response) {
	var doc, err = json.Marshal(resp)
	if err != nil {
		log.WithField("err", err).Warn("encoding SSE frame failed")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", doc)
	flusher.Flush()
}
