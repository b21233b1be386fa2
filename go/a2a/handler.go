package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/attestry/proofgate/go/events"
	"github.com/attestry/proofgate/go/payment"
	"github.com/attestry/proofgate/go/skills"
	"github.com/attestry/proofgate/go/task"
	log "github.com/sirupsen/logrus"
)

// sendTimeout bounds how long message/send blocks before handing back the
// task in whatever state it reached.
const sendTimeout = 2 * time.Minute

// paymentHeader is the x402 payment header accompanying a task request.
const paymentHeader = "X-Payment"

// Config is the adapter's slice of service configuration.
type Config struct {
	// Price and Network label payment records created from payment headers.
	Price   string
	Network string
}

// Handler serves the task JSON-RPC surface.
type Handler struct {
	cfg      Config
	tasks    *task.Store
	bus      *events.Bus
	payments *payment.Store
	resolver SkillResolver

	// sendTimeout is swappable for tests.
	sendTimeout time.Duration
}

// NewHandler builds the adapter.
func NewHandler(cfg Config, tasks *task.Store, bus *events.Bus, payments *payment.Store, resolver SkillResolver) *Handler {
	if resolver == nil {
		resolver = KeywordResolver{}
	}
	return &Handler{
		cfg:         cfg,
		tasks:       tasks,
		bus:         bus,
		payments:    payments,
		resolver:    resolver,
		sendTimeout: sendTimeout,
	}
}

// ServeHTTP handles POST /a2a. Streaming methods switch the connection to
// SSE; every other method answers with a single JSON-RPC envelope.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, errorResponse(nil, skills.CodeMalformed, fmt.Sprintf("malformed request: %v", err)))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeJSON(w, errorResponse(req.ID, skills.CodeMalformed, "request is not JSON-RPC 2.0"))
		return
	}

	switch req.Method {
	case "message/send":
		writeJSON(w, h.messageSend(r, req))
	case "message/stream":
		h.messageStream(w, r, req)
	case "tasks/get":
		writeJSON(w, h.tasksGet(r.Context(), req))
	case "tasks/cancel":
		writeJSON(w, h.tasksCancel(r.Context(), req))
	case "tasks/resubscribe":
		h.tasksResubscribe(w, r, req)
	default:
		writeJSON(w, errorResponse(req.ID, skills.CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method)))
	}
}

// submit turns a message into a queued task, recording any payment header.
func (h *Handler) submit(r *http.Request, req request) (*task.Task, *response) {
	var params sendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		var resp = h.paramsError(req.ID, err)
		return nil, &resp
	}

	var skill, skillParams, err = resolveMessage(r.Context(), h.resolver, &params.Message)
	if err != nil {
		var resp = errorResponse(req.ID, skills.JSONRPCCode(err), err.Error())
		return nil, &resp
	}

	t, err := h.tasks.Create(r.Context(), skill, skillParams, params.Message.ContextID)
	if err != nil {
		var resp = errorResponse(req.ID, skills.CodeInternal, "creating task failed")
		return nil, &resp
	}
	if params.Message.MessageID != "" {
		var msg = params.Message
		msg.TaskID = t.ID
		if _, err = h.tasks.AppendHistory(r.Context(), t.ID, msg); err != nil {
			log.WithFields(log.Fields{"task": t.ID, "err": err}).Warn("recording request message failed")
		}
	}

	h.recordPayment(r, t.ID)
	return t, nil
}

// recordPayment decodes the payment header, if present, into a pending
// ledger row for the settlement worker. A malformed header is logged and
// ignored; it never blocks the task.
func (h *Handler) recordPayment(r *http.Request, taskID string) {
	var header = r.Header.Get(paymentHeader)
	if header == "" {
		return
	}
	var info, err = payment.DecodeHeader(header)
	if err != nil {
		log.WithFields(log.Fields{"task": taskID, "err": err}).Warn("ignoring malformed payment header")
		return
	}
	var network = info.Network
	if network == "" {
		network = h.cfg.Network
	}
	if _, err = h.payments.Create(r.Context(), taskID, info.From, h.cfg.Price, network); err != nil {
		log.WithFields(log.Fields{"task": taskID, "err": err}).Warn("recording payment failed")
	}
}

// messageSend queues the task and blocks until it is terminal or parked in
// auth-required, then returns it.
func (h *Handler) messageSend(r *http.Request, req request) response {
	var t, errResp = h.submit(r, req)
	if errResp != nil {
		return *errResp
	}

	var ch, cancel = h.bus.Subscribe(t.ID)
	defer cancel()

	// The worker may already have finished between Create and Subscribe.
	if settled, resp := h.settledResponse(r.Context(), req.ID, t.ID); settled {
		return resp
	}

	var ctx, cancelWait = context.WithTimeout(r.Context(), h.sendTimeout)
	defer cancelWait()
	for {
		select {
		case <-ctx.Done():
			_, resp := h.settledResponse(context.Background(), req.ID, t.ID)
			return resp
		case ev, ok := <-ch:
			if !ok {
				_, resp := h.settledResponse(r.Context(), req.ID, t.ID)
				return resp
			}
			if ev.Final {
				_, resp := h.settledResponse(r.Context(), req.ID, t.ID)
				return resp
			}
		}
	}
}

// settledResponse loads the task and reports whether it reached a resting
// state (terminal or auth-required). The response always carries the task.
func (h *Handler) settledResponse(ctx context.Context, id json.RawMessage, taskID string) (bool, response) {
	var t, err = h.tasks.Get(ctx, taskID)
	if err != nil {
		return true, errorResponse(id, skills.CodeTaskNotFound, fmt.Sprintf("task %s not found", taskID))
	}
	var settled = t.Status.State.Terminal() || t.Status.State == task.StateAuthRequired
	return settled, resultResponse(id, t)
}

func (h *Handler) tasksGet(ctx context.Context, req request) response {
	var params getParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return h.paramsError(req.ID, err)
	}
	var t, err = h.tasks.Get(ctx, params.ID)
	if err == task.ErrNotFound {
		return errorResponse(req.ID, skills.CodeTaskNotFound, fmt.Sprintf("task %s not found", params.ID))
	} else if err != nil {
		return errorResponse(req.ID, skills.CodeInternal, "loading task failed")
	}
	if params.HistoryLength != nil {
		t = t.TrimHistory(*params.HistoryLength)
	}
	return resultResponse(req.ID, t)
}

func (h *Handler) tasksCancel(ctx context.Context, req request) response {
	var params idParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return h.paramsError(req.ID, err)
	}
	var t, err = h.tasks.UpdateStatus(ctx, params.ID, task.StateCanceled, nil)
	if err == task.ErrNotFound {
		return errorResponse(req.ID, skills.CodeTaskNotFound, fmt.Sprintf("task %s not found", params.ID))
	} else if errors.Is(err, task.ErrInvalidTransition) {
		return errorResponse(req.ID, skills.CodeInvalidTransition, err.Error())
	} else if err != nil {
		return errorResponse(req.ID, skills.CodeInternal, "canceling task failed")
	}
	h.bus.PublishStatus(t.ID, t.Status, true)
	h.bus.PublishComplete(t.ID, t)
	return resultResponse(req.ID, t)
}

// messageStream queues the task and streams its events as SSE frames.
func (h *Handler) messageStream(w http.ResponseWriter, r *http.Request, req request) {
	var t, errResp = h.submit(r, req)
	if errResp != nil {
		writeJSON(w, *errResp)
		return
	}
	h.stream(w, r, req.ID, t)
}

// tasksResubscribe re-attaches a stream to an existing task, or returns the
// task directly if it already rests.
func (h *Handler) tasksResubscribe(w http.ResponseWriter, r *http.Request, req request) {
	var params idParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeJSON(w, h.paramsError(req.ID, err))
		return
	}
	var t, err = h.tasks.Get(r.Context(), params.ID)
	if err == task.ErrNotFound {
		writeJSON(w, errorResponse(req.ID, skills.CodeTaskNotFound, fmt.Sprintf("task %s not found", params.ID)))
		return
	} else if err != nil {
		writeJSON(w, errorResponse(req.ID, skills.CodeInternal, "loading task failed"))
		return
	}
	if t.Status.State.Terminal() || t.Status.State == task.StateAuthRequired {
		writeJSON(w, resultResponse(req.ID, t))
		return
	}
	h.stream(w, r, req.ID, t)
}

func writeJSON(w http.ResponseWriter, resp response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.WithField("err", err).Warn("writing JSON-RPC response failed")
	}
}
