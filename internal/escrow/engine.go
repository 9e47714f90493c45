// Package escrow moves public funds between customers, the escrow vault, merchant
// wallets and the platform treasury.
package escrow

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-settlr/internal/ledger"
	"github.com/0gfoundation/0g-settlr/internal/registry"
)

const owner ledger.Owner = "escrow"

// ComputeFee returns amount*feeBps/10000 rounded down. The product is taken in
// 256 bits so large amounts cannot overflow.
func ComputeFee(amount uint64, feeBps uint16) uint64 {
	fee := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(uint64(feeBps)))
	fee.Div(fee, uint256.NewInt(10_000))
	return fee.Uint64()
}

// Engine executes escrow operations against the ledger store.
type Engine struct {
	store *ledger.Store
	log   *zap.Logger
}

func NewEngine(store *ledger.Store, log *zap.Logger) *Engine {
	return &Engine{store: store, log: log}
}

// CreatePayment escrows amount from the customer's balance for merchantID.
func (e *Engine) CreatePayment(ctx context.Context, customer common.Address, merchantID, paymentID string, amount uint64) (*Payment, error) {
	if err := ledger.ValidateID("payment_id", paymentID, ledger.MaxIDLen); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidInput)
	}
	slot := PaymentSlot(paymentID)
	var out Payment
	err := e.store.Update(ctx, func(tx *ledger.Tx) error {
		platform, err := registry.LoadActivePlatform(tx)
		if err != nil {
			return err
		}
		if amount < platform.MinPaymentAmount {
			return fmt.Errorf("%w: amount %d below minimum %d", ledger.ErrInvalidInput, amount, platform.MinPaymentAmount)
		}
		exists, err := tx.Exists(slot)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: payment %q already exists", ledger.ErrStateConflict, paymentID)
		}
		merchant, err := registry.LoadMerchant(tx, merchantID)
		if err != nil {
			return err
		}
		if !merchant.IsActive {
			return fmt.Errorf("%w: merchant %q is inactive", ledger.ErrStateConflict, merchantID)
		}

		bps := merchant.EffectiveFeeBps(platform)
		out = Payment{
			PaymentID:  paymentID,
			Customer:   customer,
			MerchantID: merchantID,
			Amount:     amount,
			FeeAmount:  ComputeFee(amount, bps),
			FeeBps:     bps,
			Status:     PaymentCreated,
			CreatedAt:  tx.Now(),
		}
		if err := tx.Transfer(customer, ledger.EscrowVault(), amount); err != nil {
			return err
		}
		if err := tx.Put(owner, slot, &out); err != nil {
			return err
		}
		tx.Index(ledger.NSPayment, paymentID)
		tx.Emit("payment.created", slot, map[string]string{
			"payment_id": paymentID,
			"merchant":   merchantID,
			"amount":     fmt.Sprint(amount),
			"fee":        fmt.Sprint(out.FeeAmount),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("payment created",
		zap.String("payment", paymentID),
		zap.String("merchant", merchantID),
		zap.Uint64("amount", amount),
		zap.Uint64("fee", out.FeeAmount),
	)
	return &out, nil
}

// Claim releases a Created payment: the merchant wallet receives amount-fee and
// the treasury receives the fee in the same commit.
func (e *Engine) Claim(ctx context.Context, caller common.Address, paymentID string) (*Payment, error) {
	slot := PaymentSlot(paymentID)
	var out *Payment
	err := e.store.Update(ctx, func(tx *ledger.Tx) error {
		p, err := loadPayment(tx, paymentID)
		if err != nil {
			return err
		}
		platform, err := registry.LoadPlatform(tx)
		if err != nil {
			return err
		}
		merchant, err := registry.LoadMerchant(tx, p.MerchantID)
		if err != nil {
			return err
		}
		if !merchant.IsAuthority(caller) && caller != platform.Authority {
			return fmt.Errorf("%w: claim requires the merchant or platform authority", ledger.ErrUnauthorized)
		}
		if p.Status != PaymentCreated {
			return fmt.Errorf("%w: cannot claim payment in status %s", ledger.ErrStateConflict, p.Status)
		}
		vault := ledger.EscrowVault()
		held, err := tx.Balance(vault)
		if err != nil {
			return err
		}
		if held < p.Amount {
			return fmt.Errorf("%w: escrow holds %d, payment needs %d", ledger.ErrInsufficientFunds, held, p.Amount)
		}
		if err := tx.Transfer(vault, merchant.Wallet, p.MerchantAmount()); err != nil {
			return err
		}
		if err := tx.Transfer(vault, platform.Treasury, p.FeeAmount); err != nil {
			return err
		}
		p.Status = PaymentClaimed
		p.ResolvedAt = tx.Now()
		if err := tx.Put(owner, slot, p); err != nil {
			return err
		}
		tx.Emit("payment.claimed", slot, map[string]string{
			"payment_id": paymentID,
			"merchant":   fmt.Sprint(p.MerchantAmount()),
			"fee":        fmt.Sprint(p.FeeAmount),
		})
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("payment claimed", zap.String("payment", paymentID), zap.String("caller", caller.Hex()))
	return out, nil
}

// Refund returns the full amount of a Created payment to the customer.
func (e *Engine) Refund(ctx context.Context, caller common.Address, paymentID string) (*Payment, error) {
	slot := PaymentSlot(paymentID)
	var out *Payment
	err := e.store.Update(ctx, func(tx *ledger.Tx) error {
		p, err := loadPayment(tx, paymentID)
		if err != nil {
			return err
		}
		platform, err := registry.LoadPlatform(tx)
		if err != nil {
			return err
		}
		isRefundOwner := platform.RefundOwner != (common.Address{}) && caller == platform.RefundOwner
		if caller != platform.Authority && !isRefundOwner {
			return fmt.Errorf("%w: refund requires the platform authority", ledger.ErrUnauthorized)
		}
		if p.Status != PaymentCreated {
			return fmt.Errorf("%w: cannot refund payment in status %s", ledger.ErrStateConflict, p.Status)
		}
		if err := tx.Transfer(ledger.EscrowVault(), p.Customer, p.Amount); err != nil {
			return err
		}
		p.Status = PaymentRefunded
		p.ResolvedAt = tx.Now()
		if err := tx.Put(owner, slot, p); err != nil {
			return err
		}
		tx.Emit("payment.refunded", slot, map[string]string{
			"payment_id": paymentID,
			"amount":     fmt.Sprint(p.Amount),
		})
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("payment refunded", zap.String("payment", paymentID), zap.String("caller", caller.Hex()))
	return out, nil
}

// ProcessPayout pays amount out of the platform treasury to recipient.
// Each payout id may be used once.
func (e *Engine) ProcessPayout(ctx context.Context, caller, recipient common.Address, amount uint64, payoutID string) (*PublicPayout, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidInput)
	}
	if err := ledger.ValidateID("payout_id", payoutID, ledger.MaxIDLen); err != nil {
		return nil, err
	}
	if recipient == (common.Address{}) {
		return nil, fmt.Errorf("%w: recipient is the zero address", ledger.ErrInvalidInput)
	}
	slot := PublicPayoutSlot(payoutID)
	var out PublicPayout
	err := e.store.Update(ctx, func(tx *ledger.Tx) error {
		platform, err := registry.LoadActivePlatform(tx)
		if err != nil {
			return err
		}
		if caller != platform.Authority {
			return fmt.Errorf("%w: payout requires the platform authority", ledger.ErrUnauthorized)
		}
		exists, err := tx.Exists(slot)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: payout %q already processed", ledger.ErrStateConflict, payoutID)
		}
		if err := tx.Transfer(platform.Treasury, recipient, amount); err != nil {
			return err
		}
		out = PublicPayout{
			PayoutID:  payoutID,
			Authority: caller,
			Recipient: recipient,
			Amount:    amount,
			PaidAt:    tx.Now(),
		}
		if err := tx.Put(owner, slot, &out); err != nil {
			return err
		}
		tx.Emit("payout.public", slot, map[string]string{
			"payout_id": payoutID,
			"recipient": recipient.Hex(),
			"amount":    fmt.Sprint(amount),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("treasury payout", zap.String("payout", payoutID), zap.String("recipient", recipient.Hex()), zap.Uint64("amount", amount))
	return &out, nil
}

// Deposit credits a wallet's public balance. It stands in for token account
// funding and is restricted to the platform authority.
func (e *Engine) Deposit(ctx context.Context, caller, wallet common.Address, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidInput)
	}
	var balance uint64
	err := e.store.Update(ctx, func(tx *ledger.Tx) error {
		platform, err := registry.LoadPlatform(tx)
		if err != nil {
			return err
		}
		if caller != platform.Authority {
			return fmt.Errorf("%w: deposit requires the platform authority", ledger.ErrUnauthorized)
		}
		if err := tx.Credit(wallet, amount); err != nil {
			return err
		}
		balance, err = tx.Balance(wallet)
		if err != nil {
			return err
		}
		tx.Emit("balance.deposited", common.Hash{}, map[string]string{
			"wallet": wallet.Hex(),
			"amount": fmt.Sprint(amount),
		})
		return nil
	})
	return balance, err
}

// Payment returns a stored payment.
func (e *Engine) Payment(ctx context.Context, paymentID string) (*Payment, error) {
	var p *Payment
	err := e.store.View(ctx, func(tx *ledger.Tx) error {
		var err error
		p, err = loadPayment(tx, paymentID)
		return err
	})
	return p, err
}

// Balance returns the public balance of addr.
func (e *Engine) Balance(ctx context.Context, addr common.Address) (uint64, error) {
	return e.store.Balance(ctx, addr)
}

func loadPayment(tx *ledger.Tx, paymentID string) (*Payment, error) {
	var p Payment
	found, err := tx.Get(PaymentSlot(paymentID), &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: payment %q", ledger.ErrNotFound, paymentID)
	}
	return &p, nil
}
