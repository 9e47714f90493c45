package payout

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-settlr/internal/coprocessor"
	"github.com/0gfoundation/0g-settlr/internal/ledger"
)

// PayoutStatus is the lifecycle of a private payout. Forward-only.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutCompleted PayoutStatus = "completed"
	PayoutCancelled PayoutStatus = "cancelled"
)

// PrivatePayout is a merchant payout whose amount is held as a handle.
type PrivatePayout struct {
	PayoutID          string              `json:"payout_id"`
	MerchantID        string              `json:"merchant_id"`
	DestinationWallet common.Address      `json:"destination_wallet"`
	EncryptedAmount   coprocessor.Handle  `json:"encrypted_amount_handle"`
	RangeProof        *coprocessor.Handle `json:"range_proof_handle,omitempty"`
	Auditor           *common.Address     `json:"auditor,omitempty"`
	Status            PayoutStatus        `json:"status"`
	InitiatedAt       int64               `json:"initiated_at"`
	CompletedAt       int64               `json:"completed_at,omitempty"`
	CancelledAt       int64               `json:"cancelled_at,omitempty"`
}

// InitiateRequest carries the inputs of InitiatePayout.
type InitiateRequest struct {
	PayoutID    string
	MerchantID  string
	Destination common.Address
	Ciphertext  []byte
	// RangeProof is an optional ciphertext proving the amount is in range.
	RangeProof []byte
	Auditor    *common.Address
}

// SubscriptionStatus is the state of a recurring subscription.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPaused    SubscriptionStatus = "paused"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
)

// Subscription is a recurring confidential charge.
// NextPaymentAt always equals LastPaymentAt + BillingCycleSeconds, except
// after a resume where next may be pushed forward.
type Subscription struct {
	SubscriptionID      string             `json:"subscription_id"`
	Customer            common.Address     `json:"customer"`
	MerchantID          string             `json:"merchant_id"`
	EncryptedAmount     coprocessor.Handle `json:"encrypted_amount_handle"`
	BillingCycleSeconds int64              `json:"billing_cycle_seconds"`
	CreatedAt           int64              `json:"created_at"`
	LastPaymentAt       int64              `json:"last_payment_at"`
	NextPaymentAt       int64              `json:"next_payment_at"`
	PaymentCount        uint64             `json:"payment_count"`
	Status              SubscriptionStatus `json:"status"`
}

// Due reports whether the subscription can be charged at now.
func (s *Subscription) Due(now int64) bool {
	return s.Status == SubscriptionActive && now >= s.NextPaymentAt
}

func PayoutSlot(payoutID string) common.Hash {
	return ledger.DeriveID(ledger.NSPrivatePayout, payoutID)
}

func SubscriptionSlot(subscriptionID string) common.Hash {
	return ledger.DeriveID(ledger.NSSubscription, subscriptionID)
}
