package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyedTransactor builds a signer from a hex private key. Only the demo
// wallet wiring in the daemon uses it; production signers are injected.
func KeyedTransactor(hexKey string, chainID int64) (*bind.TransactOpts, error) {
	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(privKey, big.NewInt(chainID))
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	return auth, nil
}
