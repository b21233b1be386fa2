package prover

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/attestry/proofgate/go/attestation"
	"github.com/attestry/proofgate/go/enclave"
	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
)

// ModeEnclave is the hardware TEE execution mode.
const ModeEnclave = "enclave-hw"

// EnclaveProver builds proofs through the framed transport to the isolated
// prover process.
type EnclaveProver struct {
	client        *enclave.Client
	attestEnabled bool
}

// NewEnclaveProver wraps an enclave client. When attestEnabled is set and
// the prover does not attach an attestation to a prove response, a separate
// attest request binds one to the proof hash.
func NewEnclaveProver(client *enclave.Client, attestEnabled bool) *EnclaveProver {
	return &EnclaveProver{client: client, attestEnabled: attestEnabled}
}

func (p *EnclaveProver) Mode() string { return ModeEnclave }

// Prove sends the framed prove request and assembles the output.
func (p *EnclaveProver) Prove(ctx context.Context, job Job, witness json.RawMessage) (*Output, error) {
	var result, err = p.client.Prove(ctx, enclave.ProveRequest{
		CircuitID: job.CircuitID,
		Input:     witness,
		RequestID: job.RequestID,
	})
	if err != nil {
		return nil, err
	}

	var out = &Output{
		Proof:     result.Proof,
		Nullifier: result.Nullifier,
	}
	if result.PublicInputs != "" {
		out.PublicInputs = []string{result.PublicInputs}
	}

	var proofHash = hashProof(result.Proof)
	var doc = result.Attestation
	if doc == "" && p.attestEnabled {
		if doc, err = p.client.Attest(ctx, proofHash, job.CircuitID); err != nil {
			// A missing attestation degrades the result; it does not
			// discard a proof the caller already paid to build.
			log.WithFields(log.Fields{"request": job.RequestID, "err": err}).
				Warn("prover returned no attestation and attest request failed")
			doc = ""
		}
	}
	if doc != "" {
		out.Attestation = &attestation.Snapshot{
			Document:  doc,
			Mode:      ModeEnclave,
			ProofHash: proofHash,
			Timestamp: time.Now().UnixMilli(),
		}
	}
	return out, nil
}

// hashProof derives the binding hash of the proof bytes.
func hashProof(proofHex string) string {
	var digest = sha256.Sum256(common.FromHex(proofHex))
	return "0x" + hex.EncodeToString(digest[:])
}

// Health probes the enclave, for the health endpoint.
func (p *EnclaveProver) Health(ctx context.Context) error {
	if err := p.client.Health(ctx); err != nil {
		return fmt.Errorf("enclave health probe: %w", err)
	}
	return nil
}
