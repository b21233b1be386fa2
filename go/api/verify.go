package api

import (
	"net/http"
	"time"

	"github.com/attestry/proofgate/go/attestation"
	"github.com/attestry/proofgate/go/circuits"
	"github.com/attestry/proofgate/go/proofs"
	"github.com/attestry/proofgate/go/skills"
	"github.com/gorilla/mux"
)

// verifyView is what the public verification page renders.
type verifyView struct {
	ProofID         string    `json:"proof_id"`
	CircuitID       string    `json:"circuit_id"`
	Proof           string    `json:"proof"`
	PublicInputs    []string  `json:"public_inputs"`
	Nullifier       string    `json:"nullifier"`
	SignalHash      string    `json:"signal_hash"`
	CreatedAt       time.Time `json:"created_at"`
	HasAttestation  bool      `json:"has_attestation"`
	VerifierAddress string    `json:"verifier_address,omitempty"`
	ExplorerURL     string    `json:"verifier_explorer_url,omitempty"`
	ChainID         int64     `json:"chain_id"`
}

func (s *Server) loadProof(r *http.Request) (*proofs.Result, error) {
	var id = mux.Vars(r)["id"]
	var rec, err = s.core.Proofs().Get(r.Context(), id)
	if err == proofs.ErrNotFound {
		return nil, skills.NotFoundf("proof %s not found; proofs are retained for 24 hours", id)
	} else if err != nil {
		return nil, skills.Internalf(err, "loading proof result")
	}
	return rec, nil
}

func (s *Server) verifyGet(w http.ResponseWriter, r *http.Request) {
	var rec, err = s.loadProof(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var view = verifyView{
		ProofID:        rec.ProofID,
		CircuitID:      rec.CircuitID,
		Proof:          rec.Proof,
		PublicInputs:   rec.PublicInputs,
		Nullifier:      rec.Nullifier,
		SignalHash:     rec.SignalHash,
		CreatedAt:      rec.CreatedAt,
		HasAttestation: rec.Attestation != nil,
		ChainID:        s.cfg.ChainID,
	}
	if addr, ok := circuits.VerifierAddress(s.cfg.ChainID, rec.CircuitID); ok {
		view.VerifierAddress = addr.Hex()
		view.ExplorerURL = circuits.ExplorerURL(s.cfg.ChainID, addr)
	}
	writeJSON(w, http.StatusOK, view)
}

// attestationGet returns the raw attestation document bound to a proof plus
// the verifier's per-check results. A failed check is a structured result,
// not an HTTP error.
func (s *Server) attestationGet(w http.ResponseWriter, r *http.Request) {
	var rec, err = s.loadProof(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec.Attestation == nil {
		writeError(w, skills.NotFoundf("proof %s carries no attestation; it was built outside an enclave", rec.ProofID))
		return
	}

	var out = map[string]any{
		"proof_id":    rec.ProofID,
		"attestation": rec.Attestation,
	}
	var env, parseErr = attestation.Parse(rec.Attestation.Document)
	if parseErr != nil {
		out["verification"] = attestation.Result{Error: parseErr.Error()}
	} else {
		out["verification"] = attestation.Verify(env, s.cfg.AttestationPolicy, time.Now())
		out["document"] = env.Doc.Summary()
	}
	writeJSON(w, http.StatusOK, out)
}
