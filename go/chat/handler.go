package chat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/attestry/proofgate/go/skills"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const heartbeatInterval = 15 * time.Second

// Session headers. The id names the conversation; the secret proves the
// caller owns it. An unknown id is claimed on first use.
const (
	headerSessionID     = "X-Session-Id"
	headerSessionSecret = "X-Session-Secret"
)

// Handler serves the OpenAI-compatible /v1/chat/completions endpoint.
type Handler struct {
	router  *Router
	history *HistoryStore
	model   string
}

func NewHandler(router *Router, history *HistoryStore, model string) *Handler {
	return &Handler{router: router, history: history, model: model}
}

type chatRequest struct {
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
}

type chatChoice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeChatError(w, http.StatusBadRequest, fmt.Sprintf("malformed request body: %s", err))
		return
	}
	if len(req.Messages) == 0 {
		writeChatError(w, http.StatusBadRequest, "messages is required")
		return
	}

	var ctx = r.Context()
	var sessionID = r.Header.Get(headerSessionID)
	var secret = r.Header.Get(headerSessionSecret)

	var history []Message
	if sessionID != "" {
		var err error
		if history, err = h.history.Load(ctx, sessionID, secret); err == ErrBadSecret {
			writeChatError(w, http.StatusUnauthorized, "session secret mismatch")
			return
		} else if err != nil {
			writeChatError(w, http.StatusInternalServerError, "loading chat session failed")
			return
		}
	}
	// Client-sent messages extend the stored history; with no session, the
	// request body is the whole conversation.
	history = append(history, req.Messages...)

	if req.Stream {
		h.serveStream(w, r, sessionID, secret, history)
		return
	}

	var reply, updated, err = h.router.Run(ctx, history, nil)
	if err != nil {
		writeChatError(w, skills.HTTPStatus(err), err.Error())
		return
	}
	h.persist(r, sessionID, secret, updated)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   h.model,
		Choices: []chatChoice{{Message: reply, FinishReason: "stop"}},
	})
}

// serveStream emits tool progress as named `step` events, the final reply as
// a completion chunk, and closes with [DONE]. Heartbeat comments keep
// intermediary buffers from timing out long proving calls.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, sessionID, secret string, history []Message) {
	var flusher, ok = w.(http.Flusher)
	if !ok {
		writeChatError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var steps = make(chan Step, 8)
	type runResult struct {
		reply   *Message
		updated []Message
		err     error
	}
	var done = make(chan runResult, 1)
	go func() {
		var reply, updated, err = h.router.Run(r.Context(), history, func(s Step) {
			select {
			case steps <- s:
			default: // a stalled client does not stall the run
			}
		})
		done <- runResult{reply, updated, err}
	}()

	var heartbeat = time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	var id = "chatcmpl-" + uuid.NewString()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case s := <-steps:
			var doc, _ = json.Marshal(s)
			fmt.Fprintf(w, "event: step\ndata: %s\n\n", doc)
			flusher.Flush()
		case res := <-done:
			// Drain steps raced in before the run finished.
			for draining := true; draining; {
				select {
				case s := <-steps:
					var doc, _ = json.Marshal(s)
					fmt.Fprintf(w, "event: step\ndata: %s\n\n", doc)
				default:
					draining = false
				}
			}
			if res.err != nil {
				var doc, _ = json.Marshal(map[string]any{"error": map[string]string{"message": res.err.Error()}})
				fmt.Fprintf(w, "data: %s\n\n", doc)
			} else {
				h.persist(r, sessionID, secret, res.updated)
				var doc, _ = json.Marshal(chatResponse{
					ID:      id,
					Object:  "chat.completion.chunk",
					Created: time.Now().Unix(),
					Model:   h.model,
					Choices: []chatChoice{{Delta: res.reply, FinishReason: "stop"}},
				})
				fmt.Fprintf(w, "data: %s\n\n", doc)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
	}
}

func (h *Handler) persist(r *http.Request, sessionID, secret string, history []Message) {
	if sessionID == "" {
		return
	}
	if err := h.history.Save(r.Context(), sessionID, secret, history); err != nil {
		log.WithFields(log.Fields{"session": sessionID, "err": err}).Warn("saving chat history failed")
	}
}

func writeChatError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message, "type": "invalid_request_error"},
	})
}
