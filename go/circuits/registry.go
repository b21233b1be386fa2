// Package circuits is the static registry of supported proving circuits and
// their on-chain verifier deployments, together with the derived values
// (signal hash, canonical country lists, normalized public inputs) that bind
// a proof request to its circuit.
package circuits

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Circuit identifiers understood by the prover.
const (
	Attestation = "coinbase_attestation"
	Country     = "coinbase_country"
)

// Chain IDs with verifier deployments.
const (
	ChainBase        int64 = 8453
	ChainBaseSepolia int64 = 84532
)

// Circuit describes one pre-compiled statement the prover can prove.
type Circuit struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	RequiresCountry bool   `json:"requires_country,omitempty"`
}

var registry = []Circuit{
	{
		ID:          Attestation,
		Name:        "Coinbase KYC Attestation",
		Description: "Proves the holder controls an address with a Coinbase verified-account attestation, without revealing the address.",
	},
	{
		ID:              Country,
		Name:            "Coinbase Country Attestation",
		Description:     "Proves the holder's attested country is (or is not) within a chosen country set, without revealing the country.",
		RequiresCountry: true,
	},
}

// verifiers maps (chain id, circuit id) to the deployed verifier contract.
var verifiers = map[int64]map[string]common.Address{
	ChainBaseSepolia: {
		Attestation: common.HexToAddress("0x91503964b179Fae1F1AF2Fe8bA24085b7cc35Dc1"),
		Country:     common.HexToAddress("0x6eD0F6a575E823D9C6a5291Ae2a745fc1E3b6B41"),
	},
	ChainBase: {
		Attestation: common.HexToAddress("0xB1bB41a1cB2EfA2240C27d29B4a91CFE1f4e8A7c"),
		Country:     common.HexToAddress("0x3F64C0a0c592EACc44Bcbd26255b1CD57Ca6a452"),
	},
}

var explorers = map[int64]string{
	ChainBase:        "https://basescan.org",
	ChainBaseSepolia: "https://sepolia.basescan.org",
}

// Supported returns the registry in declaration order.
func Supported() []Circuit {
	var out = make([]Circuit, len(registry))
	copy(out, registry)
	return out
}

// Lookup fetches a circuit by id.
func Lookup(id string) (Circuit, bool) {
	for _, c := range registry {
		if c.ID == id {
			return c, true
		}
	}
	return Circuit{}, false
}

// VerifierAddress returns the verifier contract for a circuit on a chain.
func VerifierAddress(chainID int64, circuitID string) (common.Address, bool) {
	var byCircuit, ok = verifiers[chainID]
	if !ok {
		return common.Address{}, false
	}
	addr, ok := byCircuit[circuitID]
	return addr, ok
}

// ExplorerURL renders a block-explorer address link, or "" if the chain has
// no known explorer.
func ExplorerURL(chainID int64, addr common.Address) string {
	var base, ok = explorers[chainID]
	if !ok {
		return ""
	}
	return base + "/address/" + addr.Hex()
}

// SignalHash computes the public binding input of a proof:
// keccak256(address_20_bytes || utf8(scope) || utf8(circuit_id)).
// It is deterministic in its inputs and always 32 bytes.
func SignalHash(address common.Address, scope, circuitID string) common.Hash {
	return crypto.Keccak256Hash(address.Bytes(), []byte(scope), []byte(circuitID))
}

// CanonicalCountryList uppercases and sorts a country code list.
func CanonicalCountryList(list []string) []string {
	var out = make([]string, len(list))
	for i, c := range list {
		out[i] = strings.ToUpper(strings.TrimSpace(c))
	}
	sort.Strings(out)
	return out
}

// NormalizePublicInputs coerces prover output into an array of 0x-prefixed
// 32-byte hex chunks. A single concatenated blob (as returned by the enclave
// prover) is split; already-chunked input passes through unchanged, so the
// function is idempotent.
func NormalizePublicInputs(inputs []string) ([]string, error) {
	const chunkHex = 64 // 32 bytes

	var out []string
	for _, in := range inputs {
		var h = strings.TrimPrefix(strings.TrimPrefix(in, "0x"), "0X")
		if len(h) == 0 || len(h)%chunkHex != 0 {
			return nil, fmt.Errorf("public input %q is not a multiple of 32 bytes", in)
		}
		for len(h) > 0 {
			var chunk = h[:chunkHex]
			if !isHex(chunk) {
				return nil, fmt.Errorf("public input chunk %q is not hex", chunk)
			}
			out = append(out, "0x"+strings.ToLower(chunk))
			h = h[chunkHex:]
		}
	}
	return out, nil
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}
