// Package mcp is the tool JSON-RPC adapter: six tools mapped one-to-one
// onto the skills, served over the stateless streamable-HTTP transport.
package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/attestry/proofgate/go/skills"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	log "github.com/sirupsen/logrus"
)

// Invoker dispatches one skill call. *skills.Core implements it.
type Invoker interface {
	Invoke(ctx context.Context, skill string, params map[string]any) (any, *skills.Outcome, error)
}

// NewServer builds the MCP server with all six tools registered.
func NewServer(invoker Invoker, version string) *server.MCPServer {
	var s = server.NewMCPServer("proofgate", version,
		server.WithToolCapabilities(false),
	)

	for _, tool := range toolDefinitions() {
		s.AddTool(tool, toolHandler(invoker, tool.Name))
	}
	return s
}

// Handler wraps the server in its stateless HTTP transport, with the
// Accept header rewrite clients tend to need.
func Handler(invoker Invoker, version string) http.Handler {
	var httpServer = server.NewStreamableHTTPServer(NewServer(invoker, version),
		server.WithStateLess(true),
	)
	return withAcceptRewrite(httpServer)
}

// toolHandler adapts one skill into an MCP tool handler. Results are a pair
// of text chunks: outcome guidance first, then the JSON result.
func toolHandler(invoker Invoker, skill string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args = req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}

		var result, outcome, err = invoker.Invoke(ctx, skill, args)
		if err != nil {
			log.WithFields(log.Fields{"tool": skill, "err": err}).Info("tool call failed")
			return mcp.NewToolResultError(err.Error()), nil
		}

		doc, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return mcp.NewToolResultError("encoding tool result failed"), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(outcome.Summary + " " + outcome.NextStep),
				mcp.NewTextContent(string(doc)),
			},
		}, nil
	}
}

func toolDefinitions() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool(skills.SkillRequestSigning,
			mcp.WithDescription("Start a proof flow: create a signing session and get the wallet signing URL. The wallet holder signs out-of-band; poll check_status to follow progress."),
			mcp.WithString("circuit_id", mcp.Required(),
				mcp.Description("Circuit to prove; discover valid ids with get_supported_circuits.")),
			mcp.WithString("scope", mcp.Required(),
				mcp.Description("Nullifier namespace; proofs for different scopes are unlinkable.")),
			mcp.WithArray("country_list",
				mcp.Description("ISO country codes; required by the country circuit.")),
			mcp.WithBoolean("is_included",
				mcp.Description("Whether the attested country must be inside (true) or outside (false) country_list.")),
		),
		mcp.NewTool(skills.SkillCheckStatus,
			mcp.WithDescription("Report a signing session's phase: signing, payment, ready, or expired."),
			mcp.WithString("request_id", mcp.Required(),
				mcp.Description("Session id from request_signing.")),
		),
		mcp.NewTool(skills.SkillRequestPayment,
			mcp.WithDescription("Get the payment URL for a signed session. Only meaningful when this deployment requires payment."),
			mcp.WithString("request_id", mcp.Required(),
				mcp.Description("Session id from request_signing.")),
		),
		mcp.NewTool(skills.SkillGenerateProof,
			mcp.WithDescription("Build the zero-knowledge proof for a ready session (request_id), or directly from a signed identity when payment is disabled. Identical repeat requests are served from cache."),
			mcp.WithString("request_id",
				mcp.Description("Session id; the session must be in the ready phase.")),
			mcp.WithString("address", mcp.Description("Direct mode: signer EVM address.")),
			mcp.WithString("signature", mcp.Description("Direct mode: signature over the signal hash.")),
			mcp.WithString("scope", mcp.Description("Direct mode: nullifier namespace.")),
			mcp.WithString("circuit_id", mcp.Description("Direct mode: circuit to prove.")),
			mcp.WithArray("country_list", mcp.Description("Direct mode: country codes for the country circuit.")),
			mcp.WithBoolean("is_included", mcp.Description("Direct mode: inclusion direction for country_list.")),
		),
		mcp.NewTool(skills.SkillVerifyProof,
			mcp.WithDescription("Check a proof against its on-chain verifier contract. An invalid proof is a valid=false result, not an error."),
			mcp.WithString("proof_id", mcp.Description("Proof id from generate_proof.")),
			mcp.WithString("circuit_id", mcp.Description("Inline mode: circuit the proof belongs to.")),
			mcp.WithString("proof", mcp.Description("Inline mode: proof bytes as hex.")),
			mcp.WithArray("public_inputs", mcp.Description("Inline mode: 32-byte hex chunks.")),
			mcp.WithNumber("chain_id", mcp.Description("Verification chain; defaults to the service's chain.")),
		),
		mcp.NewTool(skills.SkillSupportedCircuits,
			mcp.WithDescription("List supported circuits and their on-chain verifier deployments."),
			mcp.WithNumber("chain_id", mcp.Description("Chain to resolve deployments on; defaults to the service's chain.")),
		),
	}
}

// withAcceptRewrite makes the transport tolerant of clients that send a bare
// Accept header: the streamable transport insists on both application/json
// and text/event-stream.
func withAcceptRewrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var accept = r.Header.Get("Accept")
		if !strings.Contains(accept, "application/json") || !strings.Contains(accept, "text/event-stream") {
			r.Header.Set("Accept", "application/json, text/event-stream")
		}
		next.ServeHTTP(w, r)
	})
}
