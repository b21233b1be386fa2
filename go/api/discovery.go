package api

import (
	"net/http"

	"github.com/attestry/proofgate/go/circuits"
	"github.com/attestry/proofgate/go/skills"
)

// The discovery documents are static descriptions of this deployment,
// derived entirely from configuration and the circuit registry.

func (s *Server) agentCard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "proofgate",
		"description": "Zero-knowledge proof coordination service: signing sessions, enclave proving, and on-chain verification for agent callers.",
		"version":     s.cfg.Version,
		"url":         s.cfg.ExternalBase + "/a2a",
		"capabilities": map[string]any{
			"streaming":         true,
			"pushNotifications": false,
		},
		"defaultInputModes":  []string{"text", "data"},
		"defaultOutputModes": []string{"text", "data"},
		"skills":             skillCards(),
		"protocolVersion":    "0.2.0",
	})
}

func (s *Server) skillsDoc(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.cfg.Version,
		"skills":  skillCards(),
		"endpoints": map[string]string{
			"a2a":  s.cfg.ExternalBase + "/a2a",
			"mcp":  s.cfg.ExternalBase + "/mcp",
			"rest": s.cfg.ExternalBase + "/api/v1",
			"chat": s.cfg.ExternalBase + "/v1/chat/completions",
		},
		"payment": map[string]any{
			"required": s.cfg.PaymentRequired,
			"price":    s.cfg.Price,
			"currency": s.cfg.Currency,
			"network":  s.cfg.Network,
		},
	})
}

func (s *Server) teeDoc(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":                s.cfg.TEEMode,
		"attestation_enabled": s.cfg.TEEMode == "enclave-hw",
		"attestation_format":  "COSE_Sign1",
		"circuits":            circuits.Supported(),
		"chain_id":            s.cfg.ChainID,
	})
}

func skillCards() []map[string]any {
	var descriptions = map[string]string{
		skills.SkillRequestSigning:    "Create a signing session and return the wallet signing URL.",
		skills.SkillCheckStatus:       "Report a signing session's phase and sub-states.",
		skills.SkillRequestPayment:    "Return the payment URL for a signed session.",
		skills.SkillGenerateProof:     "Build (or recall from cache) a zero-knowledge proof.",
		skills.SkillVerifyProof:       "Check a proof against its on-chain verifier contract.",
		skills.SkillSupportedCircuits: "List supported circuits and verifier deployments.",
	}
	var out []map[string]any
	for _, skill := range skills.All() {
		out = append(out, map[string]any{
			"id":          skill,
			"name":        skill,
			"description": descriptions[skill],
			"tags":        []string{"zero-knowledge", "attestation"},
		})
	}
	return out
}
