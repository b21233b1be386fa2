package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/attestry/proofgate/go/skills"
	log "github.com/sirupsen/logrus"
)

// maxFunctionCalls bounds the tool-calling loop per user request. Within one
// request at most one proof may be generated; further generate_proof calls
// are refused back to the model.
const maxFunctionCalls = 5

// Invoker dispatches one skill call. *skills.Core implements it.
type Invoker interface {
	Invoke(ctx context.Context, skill string, params map[string]any) (any, *skills.Outcome, error)
}

// Step is one tool event surfaced to streaming clients while the model
// works through a request.
type Step struct {
	Tool    string `json:"tool"`
	Status  string `json:"status"` // "running" | "completed" | "failed"
	Summary string `json:"summary,omitempty"`
}

// Router runs the conversation loop: it offers the model the six skills as
// functions, executes the calls it makes, and returns the final reply.
type Router struct {
	provider Provider
	invoker  Invoker
}

func NewRouter(provider Provider, invoker Invoker) *Router {
	return &Router{provider: provider, invoker: invoker}
}

const systemPrompt = `You are the assistant of a zero-knowledge proof service. ` +
	`You help callers create signing sessions, follow their status, pay when required, ` +
	`generate proofs, and verify them on-chain, using only the provided tools. ` +
	`Never invent request ids, proof ids, or URLs; always take them from tool results. ` +
	`When a tool returns a URL the user must visit, present it prominently.`

// Run advances the conversation by one user turn. It returns the assistant's
// final reply and the full updated history (excluding the system prompt).
// onStep, when non-nil, is called for every tool execution.
func (r *Router) Run(ctx context.Context, history []Message, onStep func(Step)) (*Message, []Message, error) {
	var messages = append([]Message{{Role: "system", Content: systemPrompt}}, history...)
	var proved = false
	var links = newLinkBlock()

	var finish = func(reply *Message) (*Message, []Message, error) {
		reply.Content += links.render()
		messages = append(messages, *reply)
		return reply, messages[1:], nil
	}

	for calls := 0; ; {
		var reply, err = r.provider.Complete(ctx, messages, toolCatalog())
		if err != nil {
			return nil, nil, err
		}
		if len(reply.ToolCalls) == 0 {
			return finish(reply)
		}

		messages = append(messages, *reply)
		for _, call := range reply.ToolCalls {
			calls++
			if calls > maxFunctionCalls {
				messages = append(messages, toolResult(call,
					`{"error": "function call budget exhausted; answer with what you have"}`))
				continue
			}
			if call.Function.Name == skills.SkillGenerateProof && proved {
				messages = append(messages, toolResult(call,
					`{"error": "a proof was already generated in this request; ask the user before generating another"}`))
				continue
			}
			var doc = r.execute(ctx, call, links, onStep)
			if call.Function.Name == skills.SkillGenerateProof && !isToolError(doc) {
				proved = true
			}
			messages = append(messages, toolResult(call, doc))
		}
		if calls > maxFunctionCalls {
			// One final completion without tools to force a text answer.
			reply, err = r.provider.Complete(ctx, messages, nil)
			if err != nil {
				return nil, nil, err
			}
			return finish(reply)
		}
	}
}

// execute runs one tool call and renders its result for the model. Proof
// material is redacted; the model works with ids and URLs, not proof bytes.
func (r *Router) execute(ctx context.Context, call ToolCall, links *linkBlock, onStep func(Step)) string {
	var name = call.Function.Name
	if onStep != nil {
		onStep(Step{Tool: name, Status: "running"})
	}

	var params map[string]any
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &params); err != nil {
			if onStep != nil {
				onStep(Step{Tool: name, Status: "failed", Summary: "malformed arguments"})
			}
			return fmt.Sprintf(`{"error": "malformed tool arguments: %s"}`, err)
		}
	}
	if params == nil {
		params = map[string]any{}
	}

	var result, outcome, err = r.invoker.Invoke(ctx, name, params)
	if err != nil {
		log.WithFields(log.Fields{"tool": name, "err": err}).Info("chat tool call failed")
		if onStep != nil {
			onStep(Step{Tool: name, Status: "failed", Summary: err.Error()})
		}
		var doc, _ = json.Marshal(map[string]string{"error": err.Error()})
		return string(doc)
	}
	if onStep != nil {
		onStep(Step{Tool: name, Status: "completed", Summary: outcome.Summary})
	}

	var view = redact(name, result)
	links.collect(view)
	view["guidance"] = outcome.Summary + " " + outcome.NextStep
	var doc, encErr = json.Marshal(view)
	if encErr != nil {
		return `{"error": "tool result not encodable"}`
	}
	return string(doc)
}

func toolResult(call ToolCall, content string) Message {
	return Message{
		Role:       "tool",
		ToolCallID: call.ID,
		Name:       call.Function.Name,
		Content:    content,
	}
}

func isToolError(doc string) bool {
	var probe struct {
		Error string `json:"error"`
	}
	return json.Unmarshal([]byte(doc), &probe) == nil && probe.Error != ""
}

// redact maps a skill result to what the model (and the final chat reply)
// should see. Proof bytes, public inputs, and attestation documents stay out
// of the conversation.
func redact(skill string, result any) map[string]any {
	var view = map[string]any{}
	var doc, err = json.Marshal(result)
	if err != nil || json.Unmarshal(doc, &view) != nil {
		return map[string]any{}
	}
	if skill == skills.SkillGenerateProof {
		delete(view, "proof")
		delete(view, "public_inputs")
		delete(view, "attestation")
	}
	for _, field := range []string{"signing_url", "payment_url", "verify_url"} {
		if u, ok := view[field].(string); ok && u != "" {
			view[field+"_qr"] = qrURL(u)
		}
	}
	return view
}

// qrURL derives a scannable image for a URL the user must open on another
// device, typically the wallet's.
func qrURL(target string) string {
	return "https://api.qrserver.com/v1/create-qr-code/?size=240x240&data=" + url.QueryEscape(target)
}

// linkBlock accumulates URL outputs of the tools run in one turn, rendered
// as a trailing block on the final reply so links survive model paraphrase.
type linkBlock struct {
	order []string
	urls  map[string]string
}

func newLinkBlock() *linkBlock {
	return &linkBlock{urls: map[string]string{}}
}

var linkLabels = map[string]string{
	"signing_url": "Sign here",
	"payment_url": "Pay here",
	"verify_url":  "Verify here",
}

func (b *linkBlock) collect(view map[string]any) {
	for field := range linkLabels {
		if u, ok := view[field].(string); ok && u != "" {
			if _, seen := b.urls[field]; !seen {
				b.order = append(b.order, field)
			}
			b.urls[field] = u
		}
	}
}

func (b *linkBlock) render() string {
	if len(b.order) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n\n---\n")
	for _, field := range b.order {
		var u = b.urls[field]
		fmt.Fprintf(&sb, "%s: %s\nQR: %s\n", linkLabels[field], u, qrURL(u))
	}
	return sb.String()
}

// Resolve maps free-form text onto a single skill call, for callers that
// carry plain text instead of structured skill messages. The model picks the
// tool; no tool call means the text was not actionable.
func (r *Router) Resolve(ctx context.Context, text string) (string, map[string]any, error) {
	var messages = []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: text},
	}
	var reply, err = r.provider.Complete(ctx, messages, toolCatalog())
	if err != nil {
		return "", nil, skills.Unreachablef(err, "resolving message")
	}
	if len(reply.ToolCalls) == 0 {
		return "", nil, skills.InvalidParamsf("message does not map to a skill: %s", reply.Content)
	}

	var call = reply.ToolCalls[0]
	var params map[string]any
	if call.Function.Arguments != "" {
		if err = json.Unmarshal([]byte(call.Function.Arguments), &params); err != nil {
			return "", nil, skills.InvalidParamsf("model produced malformed arguments: %v", err)
		}
	}
	if params == nil {
		params = map[string]any{}
	}
	return call.Function.Name, params, nil
}

// toolCatalog renders the six skills as OpenAI function definitions.
func toolCatalog() []Tool {
	var str = func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	var strArray = func(desc string) map[string]any {
		return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
	}

	var define = func(name, desc string, properties map[string]any, required []string) Tool {
		var params = map[string]any{"type": "object", "properties": properties}
		if len(required) != 0 {
			params["required"] = required
		}
		return Tool{Type: "function", Function: ToolDefinition{
			Name:        name,
			Description: desc,
			Parameters:  params,
		}}
	}

	return []Tool{
		define(skills.SkillRequestSigning,
			"Start a proof flow: create a signing session and get the wallet signing URL.",
			map[string]any{
				"circuit_id":   str("Circuit to prove; discover valid ids with get_supported_circuits."),
				"scope":        str("Nullifier namespace; proofs for different scopes are unlinkable."),
				"country_list": strArray("ISO country codes; required by the country circuit."),
				"is_included":  map[string]any{"type": "boolean", "description": "Whether the attested country must be inside country_list."},
			},
			[]string{"circuit_id", "scope"},
		),
		define(skills.SkillCheckStatus,
			"Report a signing session's phase: signing, payment, ready, or expired.",
			map[string]any{"request_id": str("Session id from request_signing.")},
			[]string{"request_id"},
		),
		define(skills.SkillRequestPayment,
			"Get the payment URL for a signed session.",
			map[string]any{"request_id": str("Session id from request_signing.")},
			[]string{"request_id"},
		),
		define(skills.SkillGenerateProof,
			"Build the zero-knowledge proof for a ready session, or directly from a signed identity when payment is disabled.",
			map[string]any{
				"request_id":   str("Session id; the session must be in the ready phase."),
				"address":      str("Direct mode: signer EVM address."),
				"signature":    str("Direct mode: signature over the signal hash."),
				"scope":        str("Direct mode: nullifier namespace."),
				"circuit_id":   str("Direct mode: circuit to prove."),
				"country_list": strArray("Direct mode: country codes for the country circuit."),
				"is_included":  map[string]any{"type": "boolean", "description": "Direct mode: inclusion direction for country_list."},
			},
			nil,
		),
		define(skills.SkillVerifyProof,
			"Check a proof against its on-chain verifier contract.",
			map[string]any{
				"proof_id":      str("Proof id from generate_proof."),
				"circuit_id":    str("Inline mode: circuit the proof belongs to."),
				"proof":         str("Inline mode: proof bytes as hex."),
				"public_inputs": strArray("Inline mode: 32-byte hex chunks."),
				"chain_id":      map[string]any{"type": "number", "description": "Verification chain; defaults to the service's chain."},
			},
			nil,
		),
		define(skills.SkillSupportedCircuits,
			"List supported circuits and their on-chain verifier deployments.",
			map[string]any{
				"chain_id": map[string]any{"type": "number", "description": "Chain to resolve deployments on."},
			},
			nil,
		),
	}
}
