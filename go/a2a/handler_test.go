package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/attestry/proofgate/go/events"
	"github.com/attestry/proofgate/go/kv"
	"github.com/attestry/proofgate/go/payment"
	"github.com/attestry/proofgate/go/skills"
	"github.com/attestry/proofgate/go/task"
	"github.com/attestry/proofgate/go/worker"
	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	outcome skills.Outcome
	err     error
}

func (f *fakeInvoker) Invoke(context.Context, string, map[string]any) (any, *skills.Outcome, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	var out = f.outcome
	return map[string]any{"ok": true}, &out, nil
}

type fixture struct {
	handler  *Handler
	tasks    *task.Store
	payments *payment.Store
	server   *httptest.Server
}

// newFixture wires the adapter to a live worker loop over miniredis.
func newFixture(t *testing.T, invoker worker.Invoker) *fixture {
	var mr = miniredis.RunT(t)
	var store = kv.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	var tasks = task.NewStore(store)
	var bus = events.NewBus()
	var payments = payment.NewStore(store)

	var handler = NewHandler(Config{Price: "$0.10", Network: "base-sepolia"}, tasks, bus, payments, nil)
	handler.sendTimeout = 5 * time.Second

	if invoker != nil {
		var w = worker.New(tasks, bus, invoker)
		var ctx, cancel = context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go w.Serve(ctx)
	}

	var server = httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &fixture{handler: handler, tasks: tasks, payments: payments, server: server}
}

func rpcCall(t *testing.T, f *fixture, method string, params any, headers map[string]string) response {
	var doc, err = json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	req, err := http.NewRequest("POST", f.server.URL, bytes.NewReader(doc))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func resultTask(t *testing.T, resp response) *task.Task {
	require.Nil(t, resp.Error, "unexpected error: %+v", resp.Error)
	var doc, err = json.Marshal(resp.Result)
	require.NoError(t, err)
	var got task.Task
	require.NoError(t, json.Unmarshal(doc, &got))
	return &got
}

func skillMessage(skill string, extra map[string]any) map[string]any {
	var data = map[string]any{"skill": skill}
	for k, v := range extra {
		data[k] = v
	}
	return map[string]any{
		"message": map[string]any{
			"messageId": "m-1",
			"role":      "user",
			"kind":      "message",
			"parts":     []map[string]any{{"kind": "data", "data": data}},
		},
	}
}

func TestMessageSendBlocksUntilCompleted(t *testing.T) {
	var f = newFixture(t, &fakeInvoker{
		outcome: skills.Outcome{Summary: "Done.", NextStep: "Nothing further."},
	})

	var resp = rpcCall(t, f, "message/send", skillMessage(skills.SkillSupportedCircuits, nil), nil)
	var got = resultTask(t, resp)
	require.Equal(t, task.StateCompleted, got.Status.State)
	require.Len(t, got.Artifacts, 1)
	require.True(t, got.Artifacts[0].Parts[1].Data["ok"].(bool))
}

func TestMessageSendParksOnInputRequired(t *testing.T) {
	var f = newFixture(t, &fakeInvoker{
		outcome: skills.Outcome{Summary: "Awaiting signature.", NextStep: "Sign.", InputRequired: true},
	})

	var resp = rpcCall(t, f, "message/send",
		skillMessage(skills.SkillRequestSigning, map[string]any{"circuit_id": "coinbase_attestation", "scope": "s"}), nil)
	var got = resultTask(t, resp)
	require.Equal(t, task.StateAuthRequired, got.Status.State)
}

func TestMessageSendRejectsUnknownSkill(t *testing.T) {
	var f = newFixture(t, nil)
	var resp = rpcCall(t, f, "message/send", skillMessage("rm_rf", nil), nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, skills.CodeInvalidParams, resp.Error.Code)
}

func TestUnknownMethod(t *testing.T) {
	var f = newFixture(t, nil)
	var resp = rpcCall(t, f, "tasks/destroy", map[string]any{}, nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, skills.CodeMethodNotFound, resp.Error.Code)
}

func TestTasksGetTrimsHistory(t *testing.T) {
	var f = newFixture(t, nil)
	var ctx = context.Background()

	var created, err = f.tasks.Create(ctx, skills.SkillCheckStatus, nil, "")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = f.tasks.AppendHistory(ctx, created.ID, task.Message{
			MessageID: fmt.Sprintf("m-%d", i),
			Role:      "user",
			Parts:     []task.Part{task.TextPart("hi")},
		})
		require.NoError(t, err)
	}

	var one = 1
	var resp = rpcCall(t, f, "tasks/get", getParams{ID: created.ID, HistoryLength: &one}, nil)
	var got = resultTask(t, resp)
	require.Len(t, got.History, 1)
	require.Equal(t, "m-4", got.History[0].MessageID)

	resp = rpcCall(t, f, "tasks/get", getParams{ID: "missing"}, nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, skills.CodeTaskNotFound, resp.Error.Code)
}

func TestTasksCancelEnforcesTransitions(t *testing.T) {
	var f = newFixture(t, nil)
	var created, err = f.tasks.Create(context.Background(), skills.SkillCheckStatus, nil, "")
	require.NoError(t, err)

	var resp = rpcCall(t, f, "tasks/cancel", idParams{ID: created.ID}, nil)
	var got = resultTask(t, resp)
	require.Equal(t, task.StateCanceled, got.Status.State)

	// Canceling a terminal task violates the transition table.
	resp = rpcCall(t, f, "tasks/cancel", idParams{ID: created.ID}, nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, skills.CodeInvalidTransition, resp.Error.Code)
}

func TestPaymentHeaderCreatesLedgerRow(t *testing.T) {
	var f = newFixture(t, &fakeInvoker{outcome: skills.Outcome{Summary: "ok", NextStep: "done"}})

	var raw, err = cbor.Marshal(map[string]any{
		"scheme":  "exact",
		"network": "base-sepolia",
		"proof":   map[string]any{"from": "0xPayer"},
	})
	require.NoError(t, err)

	rpcCall(t, f, "message/send", skillMessage(skills.SkillSupportedCircuits, nil),
		map[string]string{paymentHeader: base64.StdEncoding.EncodeToString(raw)})

	pending, err := f.payments.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "0xPayer", pending[0].PayerAddress)
	require.Equal(t, "$0.10", pending[0].Amount)
}

func TestMessageStreamDeliversFrames(t *testing.T) {
	var f = newFixture(t, &fakeInvoker{
		outcome: skills.Outcome{Summary: "Done.", NextStep: "Nothing further."},
	})

	var doc, err = json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      7,
		"method":  "message/stream",
		"params":  skillMessage(skills.SkillSupportedCircuits, nil),
	})
	require.NoError(t, err)

	resp, err := http.Post(f.server.URL, "application/json", bytes.NewReader(doc))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var sawArtifact, sawFinalTask bool
	var scanner = bufio.NewScanner(resp.Body)

	// The stream opens with a keepalive comment before any frame.
	require.True(t, scanner.Scan())
	require.Equal(t, ": keepalive", scanner.Text())

	for scanner.Scan() {
		var line = scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame struct {
			JSONRPC string `json:"jsonrpc"`
			Result  struct {
				Kind   string `json:"kind"`
				Status *struct {
					State task.State `json:"state"`
				} `json:"status"`
			} `json:"result"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		require.Equal(t, "2.0", frame.JSONRPC)
		switch frame.Result.Kind {
		case "artifact-update":
			sawArtifact = true
		case "task":
			sawFinalTask = true
		}
		if sawFinalTask {
			break
		}
	}
	require.True(t, sawArtifact)
	require.True(t, sawFinalTask)
}

func TestResubscribeReturnsRestingTaskDirectly(t *testing.T) {
	var f = newFixture(t, nil)
	var ctx = context.Background()

	var created, err = f.tasks.Create(ctx, skills.SkillCheckStatus, nil, "")
	require.NoError(t, err)
	_, err = f.tasks.UpdateStatus(ctx, created.ID, task.StateRunning, nil)
	require.NoError(t, err)
	_, err = f.tasks.UpdateStatus(ctx, created.ID, task.StateCompleted, nil)
	require.NoError(t, err)

	var resp = rpcCall(t, f, "tasks/resubscribe", idParams{ID: created.ID}, nil)
	var got = resultTask(t, resp)
	require.Equal(t, task.StateCompleted, got.Status.State)
}

func TestKeywordResolverRoutesCircuitQuestions(t *testing.T) {
	var skill, params, err = KeywordResolver{}.Resolve(context.Background(), "what circuits do you support?")
	require.NoError(t, err)
	require.Equal(t, skills.SkillSupportedCircuits, skill)
	require.NotNil(t, params)

	_, _, err = KeywordResolver{}.Resolve(context.Background(), "make me a sandwich")
	require.Equal(t, skills.KindInvalidParams, skills.KindOf(err))
}
