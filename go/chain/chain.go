// Package chain talks to the EVM chains: the read-only verifier contracts
// used by verify_proof, and the ERC-20 transfer used by settlement.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const verifierABIJSON = `[{
	"name": "verify",
	"type": "function",
	"stateMutability": "view",
	"inputs": [
		{"name": "proof", "type": "bytes"},
		{"name": "publicInputs", "type": "bytes32[]"}
	],
	"outputs": [{"name": "", "type": "bool"}]
}]`

const erc20ABIJSON = `[{
	"name": "transfer",
	"type": "function",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "to", "type": "address"},
		{"name": "amount", "type": "uint256"}
	],
	"outputs": [{"name": "", "type": "bool"}]
}]`

var (
	verifierABI abi.ABI
	erc20ABI    abi.ABI
)

func init() {
	var err error
	if verifierABI, err = abi.JSON(strings.NewReader(verifierABIJSON)); err != nil {
		panic(fmt.Sprintf("parsing verifier ABI: %v", err))
	}
	if erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON)); err != nil {
		panic(fmt.Sprintf("parsing ERC-20 ABI: %v", err))
	}
}

// ContractCaller is the read-only RPC surface VerifierClient needs.
// *ethclient.Client implements it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// VerifierClient calls verify(bytes, bytes32[]) on deployed verifier
// contracts, one RPC endpoint per chain id.
type VerifierClient struct {
	callers map[int64]ContractCaller
}

// NewVerifierClient dials one RPC endpoint per configured chain.
func NewVerifierClient(ctx context.Context, rpcURLs map[int64]string) (*VerifierClient, error) {
	var callers = make(map[int64]ContractCaller, len(rpcURLs))
	for chainID, url := range rpcURLs {
		var client, err = ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("dialing chain %d RPC: %w", chainID, err)
		}
		callers[chainID] = client
	}
	return &VerifierClient{callers: callers}, nil
}

// NewVerifierClientWith wraps pre-built callers. Used by tests.
func NewVerifierClientWith(callers map[int64]ContractCaller) *VerifierClient {
	return &VerifierClient{callers: callers}
}

// Chains lists chain ids with a dialed RPC endpoint.
func (v *VerifierClient) Chains() []int64 {
	var out []int64
	for id := range v.callers {
		out = append(out, id)
	}
	return out
}

// Verify calls the verifier contract. A contract revert is not an error of
// this operation: it returns valid=false with the revert reason.
func (v *VerifierClient) Verify(ctx context.Context, chainID int64, verifier common.Address, proof []byte, publicInputs [][32]byte) (valid bool, reason string, err error) {
	var caller, ok = v.callers[chainID]
	if !ok {
		return false, "", fmt.Errorf("no RPC endpoint configured for chain %d", chainID)
	}

	data, err := verifierABI.Pack("verify", proof, publicInputs)
	if err != nil {
		return false, "", fmt.Errorf("packing verify call: %w", err)
	}

	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &verifier, Data: data}, nil)
	if err != nil {
		if isRevert(err) {
			return false, err.Error(), nil
		}
		return false, "", fmt.Errorf("calling verifier on chain %d: %w", chainID, err)
	}

	results, err := verifierABI.Unpack("verify", out)
	if err != nil {
		return false, "", fmt.Errorf("unpacking verify result: %w", err)
	}
	valid, ok = results[0].(bool)
	if !ok {
		return false, "", fmt.Errorf("verifier returned a non-boolean result")
	}
	if !valid {
		reason = "verifier returned false"
	}
	return valid, reason, nil
}

// isRevert classifies execution reverts, which carry the proof-invalid
// reason rather than a transport fault.
func isRevert(err error) bool {
	var msg = strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "invalid opcode")
}

// PackPublicInputs converts normalized 0x-prefixed 32-byte hex chunks into
// the bytes32[] argument form.
func PackPublicInputs(inputs []string) ([][32]byte, error) {
	var out = make([][32]byte, len(inputs))
	for i, in := range inputs {
		var b = common.FromHex(in)
		if len(b) != 32 {
			return nil, fmt.Errorf("public input %d is %d bytes, want 32", i, len(b))
		}
		copy(out[i][:], b)
	}
	return out, nil
}
