package payment

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// HeaderInfo is what payment recording needs from the x402 payment header.
type HeaderInfo struct {
	Scheme  string
	Network string
	From    string
}

// DecodeHeader parses an x402 payment header: base64, then CBOR. The payer
// address lives at proof.from in current payloads and at the top-level from
// in older ones; both are accepted.
func DecodeHeader(header string) (*HeaderInfo, error) {
	var raw, err = base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("decoding payment header base64: %w", err)
	}

	var payload struct {
		Scheme  string `cbor:"scheme"`
		Network string `cbor:"network"`
		From    string `cbor:"from"`
		Proof   struct {
			From string `cbor:"from"`
		} `cbor:"proof"`
	}
	if err = cbor.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding payment header CBOR: %w", err)
	}

	var from = payload.Proof.From
	if from == "" {
		from = payload.From
	}
	if from == "" {
		return nil, fmt.Errorf("payment header carries no payer address")
	}
	return &HeaderInfo{
		Scheme:  payload.Scheme,
		Network: payload.Network,
		From:    from,
	}, nil
}
