package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ERC20Transactor moves settled funds to the operator address by calling
// transfer(operator, units) on the configured asset, signed with the
// operator key.
type ERC20Transactor struct {
	client   *ethclient.Client
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	token    common.Address
	operator common.Address
}

// NewERC20Transactor dials the chain RPC and derives the operator address
// from the key.
func NewERC20Transactor(ctx context.Context, rpcURL, operatorKeyHex string, token common.Address) (*ERC20Transactor, error) {
	var key, err = crypto.HexToECDSA(operatorKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parsing operator key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing settlement RPC: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching chain id: %w", err)
	}

	return &ERC20Transactor{
		client:   client,
		key:      key,
		chainID:  chainID,
		token:    token,
		operator: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Operator is the settlement destination address.
func (t *ERC20Transactor) Operator() common.Address { return t.operator }

// Transfer executes transfer(operator, units) and waits for the receipt,
// returning the transaction hash.
func (t *ERC20Transactor) Transfer(ctx context.Context, units *big.Int) (string, error) {
	var data, err = erc20ABI.Pack("transfer", t.operator, units)
	if err != nil {
		return "", fmt.Errorf("packing transfer: %w", err)
	}

	nonce, err := t.client.PendingNonceAt(ctx, t.operator)
	if err != nil {
		return "", fmt.Errorf("fetching nonce: %w", err)
	}
	gasPrice, err := t.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching gas price: %w", err)
	}

	var tx = types.NewTransaction(nonce, t.token, big.NewInt(0), 120_000, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(t.chainID), t.key)
	if err != nil {
		return "", fmt.Errorf("signing transfer: %w", err)
	}
	if err = t.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("sending transfer: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, t.client, signed)
	if err != nil {
		return "", fmt.Errorf("awaiting transfer receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("transfer %s reverted", signed.Hash().Hex())
	}
	return signed.Hash().Hex(), nil
}
