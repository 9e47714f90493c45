package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrBadSignature is returned for signatures that are not 65 bytes or do not
// recover to a public key.
var ErrBadSignature = errors.New("bad wallet signature")

// HashMessage is the personal_sign digest of msg (EIP-191 version 0x45).
func HashMessage(msg []byte) []byte {
	return accounts.TextHash(msg)
}

// Sign produces a 65-byte personal_sign signature with V in {27,28}, the
// form wallets return.
func Sign(msg []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(HashMessage(msg), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// Recover returns the wallet that signed msg. V may be {0,1} or {27,28}.
func Recover(msg, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	rsv := common.CopyBytes(sig)
	if rsv[crypto.RecoveryIDOffset] >= 27 {
		rsv[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(HashMessage(msg), rsv)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
