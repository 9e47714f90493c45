package venue

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Redis keys for commits awaiting settlement.
const (
	CommitQueueKey = "venue:commits"
	CommitDLQKey   = "venue:commits:dlq"
)

var commitTypeHash = crypto.Keccak256Hash([]byte(
	"VenueCommit(bytes32 account,bytes32 paymentIdHash,address owner,uint256 committedAt)",
))

// Commit is the venue's notice that a receipt's final state is ready to be
// written back. It is signed by the delegation owner with EIP-712.
// PaymentID is carried in clear so the settler can address the receipt;
// only its hash is part of the signed struct.
type Commit struct {
	PaymentID   string         `json:"payment_id"`
	Account     common.Hash    `json:"account"`
	Owner       common.Address `json:"owner"`
	CommittedAt int64          `json:"committed_at"`
	Signature   []byte         `json:"signature"`
}

// Domain pins commits to one deployment.
type Domain struct {
	ChainID           *big.Int
	VerifyingContract common.Address
}

func (d Domain) separator() [32]byte {
	domainTypeHash := crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	nameHash := crypto.Keccak256Hash([]byte("Settlr Venue"))
	versionHash := crypto.Keccak256Hash([]byte("1"))

	chainID := d.ChainID
	if chainID == nil {
		chainID = new(big.Int)
	}
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	chainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], d.VerifyingContract.Bytes())
	return crypto.Keccak256Hash(encoded)
}

func (d Domain) digest(c *Commit) [32]byte {
	idHash := crypto.Keccak256Hash([]byte(c.PaymentID))

	encoded := make([]byte, 5*32)
	copy(encoded[0:32], commitTypeHash[:])
	copy(encoded[32:64], c.Account[:])
	copy(encoded[64:96], idHash[:])
	copy(encoded[108:128], c.Owner.Bytes())
	big.NewInt(c.CommittedAt).FillBytes(encoded[128:160])
	structHash := crypto.Keccak256Hash(encoded)

	sep := d.separator()
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

// Sign signs the commit in place.
func (d Domain) Sign(c *Commit, key *ecdsa.PrivateKey) error {
	if c.CommittedAt < 0 {
		return errors.New("venue: negative commit timestamp")
	}
	digest := d.digest(c)
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return err
	}
	sig[64] += 27
	c.Signature = sig
	return nil
}

// Recover returns the address that signed c.
func (d Domain) Recover(c *Commit) (common.Address, error) {
	if len(c.Signature) != 65 {
		return common.Address{}, errors.New("venue: signature must be 65 bytes")
	}
	if c.CommittedAt < 0 {
		return common.Address{}, errors.New("venue: negative commit timestamp")
	}
	digest := d.digest(c)
	sig := make([]byte, 65)
	copy(sig, c.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that c was signed by its declared owner.
func (d Domain) Verify(c *Commit) error {
	signer, err := d.Recover(c)
	if err != nil {
		return err
	}
	if signer != c.Owner {
		return errors.New("venue: commit signer does not match owner")
	}
	return nil
}
