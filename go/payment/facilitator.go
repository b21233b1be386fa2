package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Authorization is a standard-scheme transfer authorization signed by the
// payer (EIP-3009 receiveWithAuthorization parameters).
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// FacilitatorClient settles signed authorizations through the external x402
// facilitator over HTTP.
type FacilitatorClient struct {
	BaseURL string
	Client  *http.Client
}

// NewFacilitatorClient builds a client with a settlement-appropriate timeout
// (the facilitator waits for an on-chain transaction).
func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type settleRequest struct {
	Authorization Authorization `json:"authorization"`
	Signature     string        `json:"signature"`
	Network       string        `json:"network"`
}

type settleResponse struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"txHash"`
	Transaction string `json:"transaction"`
	Error       string `json:"error"`
}

// Settle posts an authorization to the facilitator and returns the
// settlement transaction hash.
func (c *FacilitatorClient) Settle(ctx context.Context, auth Authorization, signature, network string) (string, error) {
	var body, err = json.Marshal(settleRequest{
		Authorization: auth,
		Signature:     signature,
		Network:       network,
	})
	if err != nil {
		return "", fmt.Errorf("encoding settle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/settle", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building settle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("facilitator unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("facilitator settle returned status %d", resp.StatusCode)
	}

	var out settleResponse
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding settle response: %w", err)
	}
	if !out.Success {
		return "", fmt.Errorf("facilitator refused settlement: %s", out.Error)
	}
	// Newer facilitators return txHash; older ones return transaction.
	if out.TxHash != "" {
		return out.TxHash, nil
	}
	return out.Transaction, nil
}
