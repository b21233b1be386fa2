package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPWitnessBuilder renders witnesses through the external merkle/witness
// service: it resolves the signer's on-chain attestation and merkle path and
// returns the circuit-ready input document.
type HTTPWitnessBuilder struct {
	baseURL string
	client  *http.Client
}

func NewHTTPWitnessBuilder(baseURL string) *HTTPWitnessBuilder {
	return &HTTPWitnessBuilder{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type witnessRequest struct {
	CircuitID   string   `json:"circuit_id"`
	Address     string   `json:"address"`
	Scope       string   `json:"scope"`
	Signature   string   `json:"signature"`
	SignalHash  string   `json:"signal_hash"`
	CountryList []string `json:"country_list,omitempty"`
	IsIncluded  *bool    `json:"is_included,omitempty"`
}

func (b *HTTPWitnessBuilder) Build(ctx context.Context, job Job) (json.RawMessage, error) {
	var body, err = json.Marshal(witnessRequest{
		CircuitID:   job.CircuitID,
		Address:     job.Address,
		Scope:       job.Scope,
		Signature:   job.Signature,
		SignalHash:  job.SignalHash,
		CountryList: job.CountryList,
		IsIncluded:  job.IsIncluded,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding witness request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/witness", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building witness request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("witness service unreachable: %w", err)
	}
	defer resp.Body.Close()

	var doc, readErr = io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if readErr != nil {
		return nil, fmt.Errorf("reading witness response: %w", readErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("witness service returned status %d: %s", resp.StatusCode, doc)
	}
	if !json.Valid(doc) {
		return nil, fmt.Errorf("witness service returned a non-JSON document")
	}
	return json.RawMessage(doc), nil
}
