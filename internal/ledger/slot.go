package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Slot namespaces. A slot address is keccak256(namespace || 0x00 || key ...),
// so any party can compute it without a lookup table.
const (
	NSPlatformConfig   = "platform_config"
	NSMerchant         = "merchant"
	NSPayment          = "payment"
	NSPublicPayout     = "public_payout"
	NSPrivateReceipt   = "private_receipt"
	NSFHEReceipt       = "fhe_receipt"
	NSPrivatePayout    = "private_payout"
	NSMerchantStats    = "merchant_private_stats"
	NSSubscription     = "private_subscription"
	NSAllowance        = "allowance"
	NSEscrowVault      = "escrow_vault"
	NSPlatformTreasury = "platform_treasury"
)

// Derive returns the deterministic slot address for a namespace and its key fields.
func Derive(namespace string, keys ...[]byte) common.Hash {
	data := make([]byte, 0, len(namespace)+32*len(keys))
	data = append(data, namespace...)
	for _, k := range keys {
		data = append(data, 0x00)
		data = append(data, k...)
	}
	return crypto.Keccak256Hash(data)
}

// DeriveID is Derive for the common single string key case.
func DeriveID(namespace, id string) common.Hash {
	return Derive(namespace, []byte(id))
}

// VaultAddress maps a program-controlled account namespace to a wallet
// address that can hold a balance (low 20 bytes of the slot hash).
func VaultAddress(namespace string) common.Address {
	return common.BytesToAddress(Derive(namespace).Bytes()[12:])
}

// EscrowVault is the shared account holding funds between payment creation
// and claim/refund.
func EscrowVault() common.Address { return VaultAddress(NSEscrowVault) }

// PlatformTreasury is the default account receiving platform fees.
func PlatformTreasury() common.Address { return VaultAddress(NSPlatformTreasury) }

func slotKey(slot common.Hash) string { return "slot:" + slot.Hex() }

func balanceKey(addr common.Address) string { return "balance:" + addr.Hex() }

func indexKey(namespace string) string { return "index:" + namespace }
