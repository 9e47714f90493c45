// Package accounting keeps amounts as coprocessor handles. It records which
// parties may decrypt each handle and folds handles into per-merchant totals
// without ever seeing plaintext.
package accounting

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-settlr/internal/coprocessor"
	"github.com/0gfoundation/0g-settlr/internal/ledger"
	"github.com/0gfoundation/0g-settlr/internal/registry"
)

const owner ledger.Owner = "accounting"

// Kind selects which running total Aggregate folds into.
type Kind string

const (
	KindRevenue Kind = "revenue"
	KindPayouts Kind = "payouts"
)

// Allowance records that Grantee may decrypt Handle. Never revoked.
type Allowance struct {
	Handle    coprocessor.Handle `json:"handle"`
	Grantee   common.Address     `json:"grantee"`
	GrantedAt int64              `json:"granted_at"`
}

// MerchantStats holds the encrypted running totals for one merchant.
type MerchantStats struct {
	MerchantID            string             `json:"merchant_id"`
	EncryptedTotalRevenue coprocessor.Handle `json:"encrypted_total_revenue"`
	EncryptedTotalPayouts coprocessor.Handle `json:"encrypted_total_payouts"`
	TransactionCount      uint64             `json:"transaction_count"`
	PayoutCount           uint64             `json:"payout_count"`
	LastUpdated           int64              `json:"last_updated"`
}

// Receipt is the FHE variant of a private receipt: the amount exists only as
// a handle.
type Receipt struct {
	PaymentID       string             `json:"payment_id"`
	Customer        common.Address     `json:"customer"`
	MerchantID      string             `json:"merchant_id"`
	EncryptedAmount coprocessor.Handle `json:"encrypted_amount_handle"`
	CreatedAt       int64              `json:"created_at"`
}

func AllowanceSlot(h coprocessor.Handle, grantee common.Address) common.Hash {
	return ledger.Derive(ledger.NSAllowance, h[:], grantee.Bytes())
}

func StatsSlot(merchantID string) common.Hash {
	return ledger.DeriveID(ledger.NSMerchantStats, merchantID)
}

func ReceiptSlot(paymentID string) common.Hash {
	return ledger.DeriveID(ledger.NSFHEReceipt, paymentID)
}

// Ledger is the encrypted accounting component.
type Ledger struct {
	store *ledger.Store
	cop   coprocessor.Coprocessor
	log   *zap.Logger
}

func NewLedger(store *ledger.Store, cop coprocessor.Coprocessor, log *zap.Logger) *Ledger {
	return &Ledger{store: store, cop: cop, log: log}
}

// EncryptAmount registers ciphertext with the coprocessor.
func (l *Ledger) EncryptAmount(ctx context.Context, ciphertext []byte) (coprocessor.Handle, error) {
	if len(ciphertext) == 0 {
		return coprocessor.Handle{}, fmt.Errorf("%w: ciphertext is empty", ledger.ErrInvalidInput)
	}
	h, err := l.cop.Encrypt(ctx, ciphertext)
	if err != nil {
		return coprocessor.Handle{}, fmt.Errorf("%w: encrypt: %v", ledger.ErrExternal, err)
	}
	return h, nil
}

// GrantTx grants an allowance inside a larger operation. The coprocessor is
// only asked on the first grant for a (handle, grantee) pair.
func (l *Ledger) GrantTx(tx *ledger.Tx, h coprocessor.Handle, grantee common.Address) error {
	if grantee == (common.Address{}) {
		return fmt.Errorf("%w: grantee is the zero address", ledger.ErrInvalidInput)
	}
	slot := AllowanceSlot(h, grantee)
	exists, err := tx.Exists(slot)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := l.cop.Allow(tx.Context(), h, grantee); err != nil {
		return fmt.Errorf("%w: allow: %v", ledger.ErrExternal, err)
	}
	if err := tx.Put(owner, slot, &Allowance{Handle: h, Grantee: grantee, GrantedAt: tx.Now()}); err != nil {
		return err
	}
	tx.Emit("allowance.granted", slot, map[string]string{"handle": h.Hex(), "grantee": grantee.Hex()})
	return nil
}

// GrantAllowance authorizes grantee to decrypt h. Repeated grants are no-ops.
func (l *Ledger) GrantAllowance(ctx context.Context, h coprocessor.Handle, grantee common.Address) error {
	return l.store.Update(ctx, func(tx *ledger.Tx) error {
		return l.GrantTx(tx, h, grantee)
	})
}

// AggregateTx folds h into the merchant's running total for kind.
func (l *Ledger) AggregateTx(tx *ledger.Tx, merchantID string, kind Kind, h coprocessor.Handle) error {
	if kind != KindRevenue && kind != KindPayouts {
		return fmt.Errorf("%w: unknown aggregate kind %q", ledger.ErrInvalidInput, kind)
	}
	slot := StatsSlot(merchantID)
	var st MerchantStats
	found, err := tx.Get(slot, &st)
	if err != nil {
		return err
	}
	if !found {
		st = MerchantStats{MerchantID: merchantID}
	}

	total := &st.EncryptedTotalRevenue
	count := &st.TransactionCount
	if kind == KindPayouts {
		total = &st.EncryptedTotalPayouts
		count = &st.PayoutCount
	}
	// The first value of each kind becomes the total as-is.
	if !found || *count == 0 {
		*total = h
	} else {
		sum, err := l.cop.Add(tx.Context(), *total, h)
		if err != nil {
			return fmt.Errorf("%w: add: %v", ledger.ErrExternal, err)
		}
		*total = sum
	}
	*count++
	st.LastUpdated = tx.Now()

	if err := tx.Put(owner, slot, &st); err != nil {
		return err
	}
	if !found {
		tx.Index(ledger.NSMerchantStats, merchantID)
	}
	tx.Emit("stats.aggregated", slot, map[string]string{"merchant": merchantID, "kind": string(kind)})
	return nil
}

// Aggregate folds h into merchantID's stats.
func (l *Ledger) Aggregate(ctx context.Context, merchantID string, kind Kind, h coprocessor.Handle) error {
	return l.store.Update(ctx, func(tx *ledger.Tx) error {
		return l.AggregateTx(tx, merchantID, kind, h)
	})
}

// IssueReceipt records an FHE receipt, grants both parties access to the
// amount and adds it to the merchant's revenue.
func (l *Ledger) IssueReceipt(ctx context.Context, customer common.Address, merchantID, paymentID string, ciphertext []byte) (*Receipt, error) {
	if err := ledger.ValidateID("payment_id", paymentID, ledger.MaxIDLen); err != nil {
		return nil, err
	}
	h, err := l.EncryptAmount(ctx, ciphertext)
	if err != nil {
		return nil, err
	}
	slot := ReceiptSlot(paymentID)
	var out Receipt
	err = l.store.Update(ctx, func(tx *ledger.Tx) error {
		exists, err := tx.Exists(slot)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: receipt %q already exists", ledger.ErrStateConflict, paymentID)
		}
		merchant, err := registry.LoadMerchant(tx, merchantID)
		if err != nil {
			return err
		}
		out = Receipt{
			PaymentID:       paymentID,
			Customer:        customer,
			MerchantID:      merchantID,
			EncryptedAmount: h,
			CreatedAt:       tx.Now(),
		}
		if err := tx.Put(owner, slot, &out); err != nil {
			return err
		}
		if err := l.GrantTx(tx, h, customer); err != nil {
			return err
		}
		if err := l.GrantTx(tx, h, merchant.Authority); err != nil {
			return err
		}
		if err := l.AggregateTx(tx, merchantID, KindRevenue, h); err != nil {
			return err
		}
		tx.Index(ledger.NSFHEReceipt, paymentID)
		tx.Emit("receipt.issued", slot, map[string]string{"payment_id": paymentID, "handle": h.Hex()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("fhe receipt issued", zap.String("payment", paymentID), zap.String("merchant", merchantID))
	return &out, nil
}

// Stats returns a merchant's encrypted totals.
func (l *Ledger) Stats(ctx context.Context, merchantID string) (*MerchantStats, error) {
	var st MerchantStats
	found, err := l.store.Load(ctx, StatsSlot(merchantID), &st)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: no stats for merchant %q", ledger.ErrNotFound, merchantID)
	}
	return &st, nil
}

// Receipt returns a stored FHE receipt.
func (l *Ledger) Receipt(ctx context.Context, paymentID string) (*Receipt, error) {
	var r Receipt
	found, err := l.store.Load(ctx, ReceiptSlot(paymentID), &r)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: receipt %q", ledger.ErrNotFound, paymentID)
	}
	return &r, nil
}

// HasAllowance reports whether grantee may decrypt h.
func (l *Ledger) HasAllowance(ctx context.Context, h coprocessor.Handle, grantee common.Address) (bool, error) {
	var a Allowance
	return l.store.Load(ctx, AllowanceSlot(h, grantee), &a)
}
