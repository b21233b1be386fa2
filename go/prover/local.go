package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ModeLocal runs the prover binary on the host, outside any TEE.
const ModeLocal = "local"

// LocalProver shells out to the prover binary with the rendered witness.
type LocalProver struct {
	BinPath     string
	CircuitsDir string
}

// NewLocalProver builds a prover invoking binPath against circuit artifacts
// under circuitsDir.
func NewLocalProver(binPath, circuitsDir string) *LocalProver {
	return &LocalProver{BinPath: binPath, CircuitsDir: circuitsDir}
}

func (p *LocalProver) Mode() string { return ModeLocal }

// localResult is the prover binary's stdout document.
type localResult struct {
	Proof        string   `json:"proof"`
	PublicInputs []string `json:"public_inputs"`
	Nullifier    string   `json:"nullifier"`
}

// Prove writes the witness to a temp file and runs the binary. Local proofs
// never carry an attestation.
func (p *LocalProver) Prove(ctx context.Context, job Job, witness json.RawMessage) (*Output, error) {
	var tmp, err = os.CreateTemp("", "witness-*.json")
	if err != nil {
		return nil, fmt.Errorf("creating witness file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.Write(witness); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("writing witness file: %w", err)
	}
	tmp.Close()

	var cmd = exec.CommandContext(ctx, p.BinPath,
		"--circuit", filepath.Join(p.CircuitsDir, job.CircuitID),
		"--input", tmp.Name(),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err = cmd.Run(); err != nil {
		return nil, fmt.Errorf("local prover failed: %w: %s", err, stderr.String())
	}

	var result localResult
	if err = json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("decoding local prover output: %w", err)
	}
	if result.Proof == "" {
		return nil, fmt.Errorf("local prover produced no proof")
	}
	return &Output{
		Proof:        result.Proof,
		PublicInputs: result.PublicInputs,
		Nullifier:    result.Nullifier,
	}, nil
}
