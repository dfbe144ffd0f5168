// Package auth binds HTTP requests to a wallet through EIP-191 personal_sign
// signatures.
package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrBadSignature = errors.New("invalid signature")

// HashMessage constructs the EIP-191 prefixed hash:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
func HashMessage(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// Recover extracts the signer address from a 65-byte R || S || V signature.
// V may be 0/1 or 27/28.
func Recover(msg []byte, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	norm := make([]byte, crypto.SignatureLength)
	copy(norm, sig)
	if norm[crypto.RecoveryIDOffset] >= 27 {
		norm[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(HashMessage(msg), norm)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: ecrecover: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sigHex (0x-prefixed or bare) over msg was made by claimed.
func Verify(msg []byte, sigHex string, claimed common.Address) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return fmt.Errorf("%w: not hex", ErrBadSignature)
	}
	signer, err := Recover(msg, sig)
	if err != nil {
		return err
	}
	if signer != claimed {
		return fmt.Errorf("%w: signed by %s", ErrBadSignature, signer.Hex())
	}
	return nil
}
