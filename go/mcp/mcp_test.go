package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/attestry/proofgate/go/skills"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	skill   string
	params  map[string]any
	result  any
	outcome *skills.Outcome
	err     error
}

func (f *fakeInvoker) Invoke(_ context.Context, skill string, params map[string]any) (any, *skills.Outcome, error) {
	f.skill, f.params = skill, params
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.result, f.outcome, nil
}

func callTool(t *testing.T, invoker Invoker, tool string, args map[string]any) *mcp.CallToolResult {
	var handler = toolHandler(invoker, tool)
	var req mcp.CallToolRequest
	req.Params.Name = tool
	req.Params.Arguments = args

	var res, err = handler(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestToolResultPairsGuidanceWithJSON(t *testing.T) {
	var invoker = &fakeInvoker{
		result:  &skills.RequestSigningResult{RequestID: "r-1", SigningURL: "https://x/s/r-1"},
		outcome: &skills.Outcome{Summary: "Session r-1 created.", NextStep: "Share the URL."},
	}

	var res = callTool(t, invoker, skills.SkillRequestSigning, map[string]any{
		"circuit_id": "coinbase_attestation",
		"scope":      "acme",
	})
	require.False(t, res.IsError)
	require.Len(t, res.Content, 2)

	var guidance = res.Content[0].(mcp.TextContent)
	require.Equal(t, "Session r-1 created. Share the URL.", guidance.Text)
	var doc = res.Content[1].(mcp.TextContent)
	require.Contains(t, doc.Text, `"request_id": "r-1"`)

	require.Equal(t, skills.SkillRequestSigning, invoker.skill)
	require.Equal(t, "acme", invoker.params["scope"])
}

func TestToolErrorsAreToolResults(t *testing.T) {
	var invoker = &fakeInvoker{err: skills.NotFoundf("signing session x not found")}
	var res = callTool(t, invoker, skills.SkillCheckStatus, map[string]any{"request_id": "x"})
	require.True(t, res.IsError)
}

func TestSixToolsRegistered(t *testing.T) {
	var defs = toolDefinitions()
	require.Len(t, defs, 6)

	var names = map[string]bool{}
	for _, d := range defs {
		names[d.Name] = true
	}
	for _, skill := range skills.All() {
		require.True(t, names[skill], skill)
	}
}

func TestAcceptRewrite(t *testing.T) {
	var got string
	var next = http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Accept")
	})
	var handler = withAcceptRewrite(next)

	var rec = httptest.NewRecorder()
	var req = httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set("Accept", "application/json")
	handler.ServeHTTP(rec, req)
	require.Equal(t, "application/json, text/event-stream", got)

	// Already-complete Accept headers pass through untouched.
	req = httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set("Accept", "application/json, text/event-stream")
	handler.ServeHTTP(rec, req)
	require.Equal(t, "application/json, text/event-stream", got)
}
