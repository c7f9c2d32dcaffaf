package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEVMGeneratesMatchingPair(t *testing.T) {
	w, err := EVM{}.Generate()
	require.NoError(t, err)
	assert.True(t, common.IsHexAddress(w.Address))

	raw, err := hexutil.Decode(w.PrivateKey)
	require.NoError(t, err)
	key, err := crypto.ToECDSA(raw)
	require.NoError(t, err)
	assert.Equal(t, w.Address, crypto.PubkeyToAddress(key.PublicKey).Hex())

	other, err := EVM{}.Generate()
	require.NoError(t, err)
	assert.NotEqual(t, w.Address, other.Address)
}

type fakeBackend struct {
	balance *big.Int
	err     error
	asked   common.Address
}

func (f *fakeBackend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	f.asked = account
	return f.balance, f.err
}

func TestChainReaderBalance(t *testing.T) {
	backend := &fakeBackend{balance: big.NewInt(1_500_000_000_000_000_000)}
	reader := &ChainReader{backend: backend}
	addr := "0x00000000000000000000000000000000000000aa"

	wei, err := reader.Balance(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, "1.5", FormatEther(wei))
	assert.Equal(t, common.HexToAddress(addr), backend.asked)

	_, err = reader.Balance(context.Background(), "not-an-address")
	assert.Error(t, err)

	backend.err = errors.New("rpc down")
	_, err = reader.Balance(context.Background(), addr)
	assert.Error(t, err)
}

func TestFormatEther(t *testing.T) {
	assert.Equal(t, "0", FormatEther(nil))
	assert.Equal(t, "2", FormatEther(new(big.Int).Mul(big.NewInt(2), weiPerEther)))
	assert.Equal(t, "0.000000000000000001", FormatEther(big.NewInt(1)))
	assert.Equal(t, "-0.5", FormatEther(big.NewInt(-500_000_000_000_000_000)))
}

func TestDialChainRequiresURL(t *testing.T) {
	_, err := DialChain(context.Background(), " ")
	assert.Error(t, err)
}
