// Package a2a is the task JSON-RPC adapter: agents submit messages that
// become queued tasks, then follow them by polling, blocking, or SSE
// streaming. The adapter parses and validates; all business logic stays in
// the skills package.
package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/attestry/proofgate/go/skills"
	"github.com/attestry/proofgate/go/task"
)

// request is one JSON-RPC 2.0 request envelope.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// response is one JSON-RPC 2.0 response envelope.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func resultResponse(id json.RawMessage, result any) response {
	return response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, msg string) response {
	return response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}

// sendParams carries message/send and message/stream parameters.
type sendParams struct {
	Message task.Message `json:"message"`
}

// getParams carries tasks/get parameters.
type getParams struct {
	ID            string `json:"id"`
	HistoryLength *int   `json:"historyLength,omitempty"`
}

// idParams carries tasks/cancel and tasks/resubscribe parameters.
type idParams struct {
	ID string `json:"id"`
}

// SkillResolver turns a free-form text part into a skill invocation. The
// LLM-backed router implements it; KeywordResolver is the fallback when no
// provider is configured.
type SkillResolver interface {
	Resolve(ctx context.Context, text string) (skill string, params map[string]any, err error)
}

// resolveMessage extracts the skill call from a message: the first data part
// carrying a "skill" field wins; otherwise the first text part is routed
// through the resolver.
func resolveMessage(ctx context.Context, resolver SkillResolver, msg *task.Message) (string, map[string]any, error) {
	for _, part := range msg.Parts {
		if part.Kind != "data" || part.Data == nil {
			continue
		}
		var skill, _ = part.Data["skill"].(string)
		if skill == "" {
			continue
		}
		if !skills.Known(skill) {
			return "", nil, skills.InvalidParamsf("unknown skill %q; supported skills are %v", skill, skills.All())
		}
		var params = make(map[string]any, len(part.Data))
		for k, v := range part.Data {
			if k != "skill" {
				params[k] = v
			}
		}
		return skill, params, nil
	}
	for _, part := range msg.Parts {
		if part.Kind == "text" && strings.TrimSpace(part.Text) != "" {
			return resolver.Resolve(ctx, part.Text)
		}
	}
	return "", nil, skills.InvalidParamsf("message has no data part with a skill field and no text part to route")
}

// KeywordResolver maps free-form text onto skills by keyword, serving
// deployments without an LLM provider.
type KeywordResolver struct{}

func (KeywordResolver) Resolve(_ context.Context, text string) (string, map[string]any, error) {
	var lower = strings.ToLower(text)
	switch {
	case strings.Contains(lower, "circuit"):
		return skills.SkillSupportedCircuits, map[string]any{}, nil
	case strings.Contains(lower, "status"):
		return "", nil, skills.InvalidParamsf("check_status needs a request_id; send a data part like {\"skill\":\"check_status\",\"request_id\":\"...\"}")
	case strings.Contains(lower, "verify"):
		return "", nil, skills.InvalidParamsf("verify_proof needs a proof_id; send a data part like {\"skill\":\"verify_proof\",\"proof_id\":\"...\"}")
	case strings.Contains(lower, "sign"), strings.Contains(lower, "prove"), strings.Contains(lower, "proof"):
		return "", nil, skills.InvalidParamsf("proof flows start with request_signing; send a data part like {\"skill\":\"request_signing\",\"circuit_id\":\"...\",\"scope\":\"...\"}")
	default:
		return "", nil, skills.InvalidParamsf("could not resolve %q to a skill; supported skills are %v", text, skills.All())
	}
}

// statusUpdate is the wire shape of a streamed status event.
type statusUpdate struct {
	Kind      string      `json:"kind"`
	TaskID    string      `json:"taskId"`
	ContextID string      `json:"contextId,omitempty"`
	Status    task.Status `json:"status"`
	Final     bool        `json:"final"`
}

// artifactUpdate is the wire shape of a streamed artifact event.
type artifactUpdate struct {
	Kind      string        `json:"kind"`
	TaskID    string        `json:"taskId"`
	ContextID string        `json:"contextId,omitempty"`
	Artifact  task.Artifact `json:"artifact"`
}

func (h *Handler) paramsError(id json.RawMessage, err error) response {
	return errorResponse(id, skills.CodeMalformed, fmt.Sprintf("malformed params: %v", err))
}
