package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// balanceBackend is the subset of ethclient used for balance lookups.
type balanceBackend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// ChainReader reads native-token balances of agent wallets from an EVM node.
type ChainReader struct {
	backend balanceBackend
	closer  func()
}

// DialChain connects to an EVM JSON-RPC endpoint.
func DialChain(ctx context.Context, rpcURL string) (*ChainReader, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	return &ChainReader{backend: client, closer: client.Close}, nil
}

// Balance returns the latest balance of address in wei.
func (r *ChainReader) Balance(ctx context.Context, address string) (*big.Int, error) {
	if r == nil || r.backend == nil {
		return nil, errors.New("链上查询未配置")
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("非法的钱包地址: %s", address)
	}
	balance, err := r.backend.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("查询链上余额失败: %w", err)
	}
	return balance, nil
}

// Close releases the RPC connection.
func (r *ChainReader) Close() {
	if r != nil && r.closer != nil {
		r.closer()
	}
}

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// FormatEther renders a wei amount as a decimal ether string without trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Set(wei)
	if abs.Sign() < 0 {
		sign = "-"
		abs.Neg(abs)
	}
	whole, frac := new(big.Int).QuoRem(abs, weiPerEther, new(big.Int))
	if frac.Sign() == 0 {
		return sign + whole.String()
	}
	digits := frac.String()
	fracText := strings.TrimRight(strings.Repeat("0", 18-len(digits))+digits, "0")
	return sign + whole.String() + "." + fracText
}
