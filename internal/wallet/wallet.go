// Package wallet handles the contract-address style identifiers used for
// market keys and generated trading wallets.
package wallet

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// NormalizeMarketKey returns the EIP-55 form of hex address keys. Other
// non-empty keys are returned trimmed but otherwise unchanged.
func NormalizeMarketKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("market key is empty")
	}
	if common.IsHexAddress(key) {
		return common.HexToAddress(key).Hex(), nil
	}
	return key, nil
}

// GenerateAddresses creates n fresh addresses. The private keys are
// discarded; the sandbox never signs anything.
func GenerateAddresses(n int) ([]string, error) {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, errors.Wrap(err, "generate key")
		}
		out = append(out, crypto.PubkeyToAddress(key.PublicKey).Hex())
	}
	return out, nil
}
