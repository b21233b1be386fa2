package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/attestry/proofgate/go/kv"
	"github.com/attestry/proofgate/go/skills"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// scriptedProvider returns its turns in order; tool-bearing requests and
// plain ones draw from the same script.
type scriptedProvider struct {
	turns []Message
	calls int
}

func (p *scriptedProvider) Complete(_ context.Context, _ []Message, _ []Tool) (*Message, error) {
	if p.calls >= len(p.turns) {
		return nil, fmt.Errorf("script exhausted after %d turns", p.calls)
	}
	var turn = p.turns[p.calls]
	p.calls++
	return &turn, nil
}

type fakeInvoker struct {
	calls   []string
	results map[string]any
	err     error
}

func (f *fakeInvoker) Invoke(_ context.Context, skill string, _ map[string]any) (any, *skills.Outcome, error) {
	f.calls = append(f.calls, skill)
	if f.err != nil {
		return nil, nil, f.err
	}
	var result = f.results[skill]
	if result == nil {
		result = map[string]any{"ok": true}
	}
	return result, &skills.Outcome{Summary: "Done.", NextStep: "Continue."}, nil
}

func assistantToolCall(skill, args string) Message {
	return Message{
		Role: "assistant",
		ToolCalls: []ToolCall{{
			ID:       "call-1",
			Type:     "function",
			Function: FunctionCall{Name: skill, Arguments: args},
		}},
	}
}

func TestRouterExecutesToolThenAnswers(t *testing.T) {
	var provider = &scriptedProvider{turns: []Message{
		assistantToolCall(skills.SkillSupportedCircuits, `{}`),
		{Role: "assistant", Content: "Two circuits are supported."},
	}}
	var invoker = &fakeInvoker{}
	var router = NewRouter(provider, invoker)

	var steps []Step
	var reply, history, err = router.Run(context.Background(),
		[]Message{{Role: "user", Content: "what circuits do you support?"}},
		func(s Step) { steps = append(steps, s) })
	require.NoError(t, err)
	require.Equal(t, "Two circuits are supported.", reply.Content)
	require.Equal(t, []string{skills.SkillSupportedCircuits}, invoker.calls)

	// user, assistant tool call, tool result, final assistant.
	require.Len(t, history, 4)
	require.Equal(t, "tool", history[2].Role)
	require.Contains(t, history[2].Content, "guidance")

	require.Len(t, steps, 2)
	require.Equal(t, "running", steps[0].Status)
	require.Equal(t, "completed", steps[1].Status)
}

func TestRouterRedactsProofMaterial(t *testing.T) {
	var provider = &scriptedProvider{turns: []Message{
		assistantToolCall(skills.SkillGenerateProof, `{"request_id": "sess-1"}`),
		{Role: "assistant", Content: "Your proof is ready."},
	}}
	var invoker = &fakeInvoker{results: map[string]any{
		skills.SkillGenerateProof: map[string]any{
			"proof_id":      "p-1",
			"proof":         "0x" + strings.Repeat("ab", 512),
			"public_inputs": []string{"0x11"},
			"verify_url":    "https://proofgate.example/verify/p-1",
		},
	}}
	var router = NewRouter(provider, invoker)

	var _, history, err = router.Run(context.Background(),
		[]Message{{Role: "user", Content: "generate my proof"}}, nil)
	require.NoError(t, err)

	var toolMsg = history[2]
	require.Equal(t, "tool", toolMsg.Role)
	require.NotContains(t, toolMsg.Content, "abababab")
	require.NotContains(t, toolMsg.Content, "public_inputs")
	require.Contains(t, toolMsg.Content, `"proof_id":"p-1"`)
	require.Contains(t, toolMsg.Content, "api.qrserver.com")
	require.Contains(t, toolMsg.Content, "verify_url_qr")
}

func TestRouterAppendsLinkBlockToReply(t *testing.T) {
	var provider = &scriptedProvider{turns: []Message{
		assistantToolCall(skills.SkillRequestSigning, `{"circuit_id": "coinbase_attestation", "scope": "acme"}`),
		{Role: "assistant", Content: "Please sign with your wallet."},
	}}
	var invoker = &fakeInvoker{results: map[string]any{
		skills.SkillRequestSigning: map[string]any{
			"request_id":  "sess-1",
			"signing_url": "https://proofgate.example/s/sess-1",
		},
	}}
	var router = NewRouter(provider, invoker)

	var reply, _, err = router.Run(context.Background(),
		[]Message{{Role: "user", Content: "start a session"}}, nil)
	require.NoError(t, err)
	require.Contains(t, reply.Content, "Please sign with your wallet.")
	require.Contains(t, reply.Content, "Sign here: https://proofgate.example/s/sess-1")
	require.Contains(t, reply.Content, "QR: https://api.qrserver.com/v1/create-qr-code/")
}

func TestRouterGeneratesAtMostOneProofPerRequest(t *testing.T) {
	var provider = &scriptedProvider{turns: []Message{
		{Role: "assistant", ToolCalls: []ToolCall{
			{ID: "c1", Type: "function", Function: FunctionCall{Name: skills.SkillGenerateProof, Arguments: `{"request_id": "a"}`}},
			{ID: "c2", Type: "function", Function: FunctionCall{Name: skills.SkillGenerateProof, Arguments: `{"request_id": "b"}`}},
		}},
		{Role: "assistant", Content: "Generated one proof."},
	}}
	var invoker = &fakeInvoker{}
	var router = NewRouter(provider, invoker)

	var _, history, err = router.Run(context.Background(),
		[]Message{{Role: "user", Content: "prove both"}}, nil)
	require.NoError(t, err)

	require.Equal(t, []string{skills.SkillGenerateProof}, invoker.calls)
	require.Contains(t, history[3].Content, "already generated")
}

func TestRouterFunctionCallBudget(t *testing.T) {
	var turns []Message
	for i := 0; i < maxFunctionCalls+1; i++ {
		turns = append(turns, assistantToolCall(skills.SkillSupportedCircuits, `{}`))
	}
	turns = append(turns, Message{Role: "assistant", Content: "Here is what I found."})

	var invoker = &fakeInvoker{}
	var router = NewRouter(&scriptedProvider{turns: turns}, invoker)

	var reply, _, err = router.Run(context.Background(),
		[]Message{{Role: "user", Content: "loop forever"}}, nil)
	require.NoError(t, err)
	require.Equal(t, "Here is what I found.", reply.Content)
	require.Len(t, invoker.calls, maxFunctionCalls)
}

func TestRouterSurfacesToolFailuresToModel(t *testing.T) {
	var provider = &scriptedProvider{turns: []Message{
		assistantToolCall(skills.SkillCheckStatus, `{"request_id": "nope"}`),
		{Role: "assistant", Content: "That session does not exist."},
	}}
	var invoker = &fakeInvoker{err: skills.NotFoundf("signing request nope not found")}
	var router = NewRouter(provider, invoker)

	var reply, history, err = router.Run(context.Background(),
		[]Message{{Role: "user", Content: "status of nope"}}, nil)
	require.NoError(t, err)
	require.Equal(t, "That session does not exist.", reply.Content)
	require.Contains(t, history[2].Content, "not found")
}

func TestResolve(t *testing.T) {
	var provider = &scriptedProvider{turns: []Message{
		assistantToolCall(skills.SkillRequestSigning, `{"circuit_id": "coinbase_attestation", "scope": "acme"}`),
	}}
	var router = NewRouter(provider, &fakeInvoker{})

	var skill, params, err = router.Resolve(context.Background(), "I need a signing session for acme")
	require.NoError(t, err)
	require.Equal(t, skills.SkillRequestSigning, skill)
	require.Equal(t, "acme", params["scope"])
}

func TestResolveReportsProviderOutage(t *testing.T) {
	// An exhausted script stands in for an unreachable provider.
	var router = NewRouter(&scriptedProvider{}, &fakeInvoker{})

	var _, _, err = router.Resolve(context.Background(), "start a session")
	require.Error(t, err)
	require.Equal(t, skills.KindUnreachable, skills.KindOf(err))
	require.ErrorContains(t, err, "resolving message")
}

func TestResolveRejectsNonActionableText(t *testing.T) {
	var provider = &scriptedProvider{turns: []Message{
		{Role: "assistant", Content: "Could you say which circuit you mean?"},
	}}
	var router = NewRouter(provider, &fakeInvoker{})

	var _, _, err = router.Resolve(context.Background(), "hello")
	require.Error(t, err)
	require.Equal(t, skills.KindInvalidParams, skills.KindOf(err))
	require.Contains(t, err.Error(), "which circuit")
}

func newHistoryStore(t *testing.T) *HistoryStore {
	var mr = miniredis.RunT(t)
	return NewHistoryStore(kv.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})))
}

func TestHistoryStoreClaimAndAuth(t *testing.T) {
	var store = newHistoryStore(t)
	var ctx = context.Background()

	// Unknown id loads empty and is claimed by the first save.
	var history, err = store.Load(ctx, "conv-1", "secret-a")
	require.NoError(t, err)
	require.Empty(t, history)

	require.NoError(t, store.Save(ctx, "conv-1", "secret-a", []Message{{Role: "user", Content: "hi"}}))

	history, err = store.Load(ctx, "conv-1", "secret-a")
	require.NoError(t, err)
	require.Len(t, history, 1)

	_, err = store.Load(ctx, "conv-1", "wrong")
	require.Equal(t, ErrBadSecret, err)
}

func TestTrimHistoryKeepsToolPairsWhole(t *testing.T) {
	// The trim boundary lands on the tool result: the whole pair is dropped.
	var history = []Message{
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "c1"}}},
		{Role: "tool", ToolCallID: "c1", Content: "{}"},
	}
	for i := 0; i < historyCap-1; i++ {
		history = append(history, Message{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}

	var trimmed = trimHistory(history, historyCap)
	require.Len(t, trimmed, historyCap-1)
	require.Equal(t, "user", trimmed[0].Role)
	for _, m := range trimmed {
		require.NotEqual(t, "tool", m.Role)
	}
}

func newChatServer(t *testing.T, provider Provider, invoker Invoker) (*httptest.Server, *HistoryStore) {
	var store = newHistoryStore(t)
	var handler = NewHandler(NewRouter(provider, invoker), store, "proofgate-chat")
	var ts = httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts, store
}

func postChat(t *testing.T, url string, headers map[string]string, body chatRequest) *http.Response {
	var doc, err = json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(doc))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandlerCompletion(t *testing.T) {
	var provider = &scriptedProvider{turns: []Message{
		{Role: "assistant", Content: "Hello from the proof service."},
	}}
	var ts, store = newChatServer(t, provider, &fakeInvoker{})

	var resp = postChat(t, ts.URL, map[string]string{
		headerSessionID: "conv-1", headerSessionSecret: "s3cret",
	}, chatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out chatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "chat.completion", out.Object)
	require.Equal(t, "Hello from the proof service.", out.Choices[0].Message.Content)

	// The turn was persisted under the session.
	var history, err = store.Load(context.Background(), "conv-1", "s3cret")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "assistant", history[1].Role)
}

func TestHandlerRejectsBadSecret(t *testing.T) {
	var provider = &scriptedProvider{turns: []Message{
		{Role: "assistant", Content: "ok"},
		{Role: "assistant", Content: "ok"},
	}}
	var ts, _ = newChatServer(t, provider, &fakeInvoker{})

	var resp = postChat(t, ts.URL, map[string]string{
		headerSessionID: "conv-1", headerSessionSecret: "right",
	}, chatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postChat(t, ts.URL, map[string]string{
		headerSessionID: "conv-1", headerSessionSecret: "wrong",
	}, chatRequest{Messages: []Message{{Role: "user", Content: "hi again"}}})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandlerRequiresMessages(t *testing.T) {
	var ts, _ = newChatServer(t, &scriptedProvider{}, &fakeInvoker{})
	var resp = postChat(t, ts.URL, nil, chatRequest{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerStreamEmitsStepsAndDone(t *testing.T) {
	var provider = &scriptedProvider{turns: []Message{
		assistantToolCall(skills.SkillSupportedCircuits, `{}`),
		{Role: "assistant", Content: "Two circuits."},
	}}
	var ts, _ = newChatServer(t, provider, &fakeInvoker{})

	var resp = postChat(t, ts.URL, nil, chatRequest{
		Messages: []Message{{Role: "user", Content: "list circuits"}},
		Stream:   true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var sawStep, sawChunk, sawDone bool
	var scanner = bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var line = scanner.Text()
		switch {
		case line == "event: step":
			sawStep = true
		case line == "data: [DONE]":
			sawDone = true
		case strings.HasPrefix(line, "data: ") && strings.Contains(line, "chat.completion.chunk"):
			sawChunk = true
			require.Contains(t, line, "Two circuits.")
		}
	}
	require.True(t, sawStep)
	require.True(t, sawChunk)
	require.True(t, sawDone)
}
