// Package attestation parses and verifies the signed attestation envelope
// produced by the trusted prover: a COSE_Sign1 structure whose payload binds
// a proof hash to a measured enclave image.
package attestation

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// COSE algorithm identifiers accepted in the protected header.
const (
	AlgES256 = -7
	AlgES384 = -35
	AlgES512 = -36
)

// Document is the decoded attestation payload.
type Document struct {
	ModuleID    string          `cbor:"module_id"`
	Digest      string          `cbor:"digest"`
	Timestamp   uint64          `cbor:"timestamp"` // milliseconds
	PCRs        map[uint][]byte `cbor:"pcrs"`
	Certificate []byte          `cbor:"certificate"`
	CABundle    [][]byte        `cbor:"cabundle"`
	PublicKey   []byte          `cbor:"public_key,omitempty"`
	UserData    []byte          `cbor:"user_data,omitempty"`
	Nonce       []byte          `cbor:"nonce,omitempty"`
}

// Envelope is a parsed COSE_Sign1 attestation.
type Envelope struct {
	Protected []byte
	Payload   []byte
	Signature []byte
	Alg       int
	Doc       *Document
}

// Snapshot is the attestation material persisted alongside a proof result.
type Snapshot struct {
	Document  string `json:"document"`
	Mode      string `json:"mode"`
	ProofHash string `json:"proof_hash"`
	Timestamp int64  `json:"timestamp"`
}

// Summary renders the document's public fields for API responses, leaving
// the certificate material out.
func (d *Document) Summary() map[string]any {
	var pcrs = make(map[uint]string, len(d.PCRs))
	for i, v := range d.PCRs {
		pcrs[i] = fmt.Sprintf("%x", v)
	}
	return map[string]any{
		"module_id": d.ModuleID,
		"digest":    d.Digest,
		"timestamp": d.Timestamp,
		"pcrs":      pcrs,
	}
}

type coseSign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected map[any]any
	Payload     []byte
	Signature   []byte
}

// Parse decodes a base64 attestation into its envelope and payload document.
func Parse(b64 string) (*Envelope, error) {
	var raw, err = base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding attestation base64: %w", err)
	}
	// The envelope may carry the COSE_Sign1 tag (18), encoded as 0xd2.
	if len(raw) > 0 && raw[0] == 0xd2 {
		raw = raw[1:]
	}

	var cose coseSign1
	if err = cbor.Unmarshal(raw, &cose); err != nil {
		return nil, fmt.Errorf("decoding COSE_Sign1: %w", err)
	}
	if len(cose.Payload) == 0 {
		return nil, fmt.Errorf("attestation has empty payload")
	}

	// Protected headers are a serialized CBOR map; alg lives under label 1.
	var protected map[int]any
	if err = cbor.Unmarshal(cose.Protected, &protected); err != nil {
		return nil, fmt.Errorf("decoding protected headers: %w", err)
	}
	var alg int
	switch v := protected[1].(type) {
	case int64:
		alg = int(v)
	case uint64:
		alg = int(v)
	default:
		return nil, fmt.Errorf("protected headers carry no algorithm")
	}

	var doc Document
	if err = cbor.Unmarshal(cose.Payload, &doc); err != nil {
		return nil, fmt.Errorf("decoding attestation document: %w", err)
	}

	return &Envelope{
		Protected: cose.Protected,
		Payload:   cose.Payload,
		Signature: cose.Signature,
		Alg:       alg,
		Doc:       &doc,
	}, nil
}
