package escrow

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-settlr/internal/ledger"
)

// PaymentStatus is the lifecycle state of an escrowed payment.
type PaymentStatus string

const (
	PaymentCreated  PaymentStatus = "created"
	PaymentClaimed  PaymentStatus = "claimed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Payment is an escrowed customer payment awaiting claim or refund.
// FeeAmount is fixed at creation and never recomputed.
type Payment struct {
	PaymentID  string         `json:"payment_id"`
	Customer   common.Address `json:"customer"`
	MerchantID string         `json:"merchant_id"`
	Amount     uint64         `json:"amount"`
	FeeAmount  uint64         `json:"fee_amount"`
	FeeBps     uint16         `json:"fee_bps"`
	Status     PaymentStatus  `json:"status"`
	CreatedAt  int64          `json:"created_at"`
	ResolvedAt int64          `json:"resolved_at,omitempty"`
}

// MerchantAmount is what the merchant wallet receives on claim.
func (p *Payment) MerchantAmount() uint64 { return p.Amount - p.FeeAmount }

// PublicPayout records a treasury disbursement so its id cannot be replayed.
type PublicPayout struct {
	PayoutID  string         `json:"payout_id"`
	Authority common.Address `json:"authority"`
	Recipient common.Address `json:"recipient"`
	Amount    uint64         `json:"amount"`
	PaidAt    int64          `json:"paid_at"`
}

func PaymentSlot(paymentID string) common.Hash {
	return ledger.DeriveID(ledger.NSPayment, paymentID)
}

func PublicPayoutSlot(payoutID string) common.Hash {
	return ledger.DeriveID(ledger.NSPublicPayout, payoutID)
}
