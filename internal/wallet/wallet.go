// Package wallet generates the EVM key pair assigned to every agent at birth
// and optionally reads the on-chain balance of that address. The core only
// stores the pair; it never signs with the key.
package wallet

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet is an address and its opaque private key.
type Wallet struct {
	Address    string
	PrivateKey string
}

// Generator produces a globally fresh wallet per call.
type Generator interface {
	Generate() (Wallet, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func() (Wallet, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate() (Wallet, error) { return f() }

// EVM creates secp256k1 key pairs with checksummed addresses.
type EVM struct{}

// Generate implements Generator.
func (EVM) Generate() (Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return Wallet{}, fmt.Errorf("生成钱包密钥失败: %w", err)
	}
	return Wallet{
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(key)),
	}, nil
}
