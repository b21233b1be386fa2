package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	out  []byte
	err  error
	last ethereum.CallMsg
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.last = msg
	return f.out, f.err
}

func packedBool(t *testing.T, v bool) []byte {
	t.Helper()
	var out, err = verifierABI.Methods["verify"].Outputs.Pack(v)
	require.NoError(t, err)
	return out
}

func TestVerifyTrue(t *testing.T) {
	var caller = &fakeCaller{out: packedBool(t, true)}
	var client = NewVerifierClientWith(map[int64]ContractCaller{84532: caller})

	var verifier = common.HexToAddress("0x1111111111111111111111111111111111111111")
	valid, reason, err := client.Verify(context.Background(), 84532, verifier,
		[]byte{0xde, 0xad}, [][32]byte{{0x01}})
	require.NoError(t, err)
	require.True(t, valid)
	require.Empty(t, reason)

	// The call targeted the verifier with ABI-packed data.
	require.Equal(t, verifier, *caller.last.To)
	require.NotEmpty(t, caller.last.Data)
}

func TestVerifyRevertIsAResultNotAnError(t *testing.T) {
	var caller = &fakeCaller{err: errors.New("execution reverted: invalid proof")}
	var client = NewVerifierClientWith(map[int64]ContractCaller{84532: caller})

	valid, reason, err := client.Verify(context.Background(), 84532,
		common.Address{}, []byte{0x00}, nil)
	require.NoError(t, err)
	require.False(t, valid)
	require.Contains(t, reason, "invalid proof")
}

func TestVerifyTransportFaultIsAnError(t *testing.T) {
	var caller = &fakeCaller{err: errors.New("connection refused")}
	var client = NewVerifierClientWith(map[int64]ContractCaller{84532: caller})

	var _, _, err = client.Verify(context.Background(), 84532,
		common.Address{}, []byte{0x00}, nil)
	require.Error(t, err)
}

func TestVerifyUnknownChain(t *testing.T) {
	var client = NewVerifierClientWith(nil)
	var _, _, err = client.Verify(context.Background(), 1, common.Address{}, nil, nil)
	require.ErrorContains(t, err, "no RPC endpoint")
}

func TestPackPublicInputs(t *testing.T) {
	var chunk = "0x" + strings.Repeat("ab", 32)
	packed, err := PackPublicInputs([]string{chunk, chunk})
	require.NoError(t, err)
	require.Len(t, packed, 2)
	require.Equal(t, byte(0xab), packed[0][0])

	_, err = PackPublicInputs([]string{"0x0102"})
	require.Error(t, err)
}
