// Package prover abstracts proof construction: an enclave-backed prover in
// hardware TEE mode, and a local prover binary otherwise. The witness
// builder that renders circuit-ready inputs is an external collaborator
// reached through the WitnessBuilder seam.
package prover

import (
	"context"
	"encoding/json"

	"github.com/attestry/proofgate/go/attestation"
)

// Job is one proof request after session/direct-mode resolution.
type Job struct {
	CircuitID   string
	Address     string
	Scope       string
	Signature   string
	SignalHash  string
	CountryList []string
	IsIncluded  *bool
	RequestID   string
}

// Output is a built proof plus whatever attestation the prover attached.
type Output struct {
	Proof string
	// PublicInputs is raw prover output and may be one concatenated blob;
	// callers normalize it into 32-byte chunks.
	PublicInputs []string
	Nullifier    string
	Attestation  *attestation.Snapshot
}

// WitnessBuilder renders the circuit-ready prover input document from a job:
// the external attestation source and merkle-tree builder.
type WitnessBuilder interface {
	Build(ctx context.Context, job Job) (json.RawMessage, error)
}

// Prover builds proofs from a job and its rendered witness.
type Prover interface {
	// Mode names the execution mode: "enclave-hw" or "local".
	Mode() string
	Prove(ctx context.Context, job Job, witness json.RawMessage) (*Output, error)
}
