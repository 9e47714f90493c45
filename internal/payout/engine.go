// Package payout runs confidential merchant payouts and recurring
// subscriptions on top of the encrypted accounting ledger.
package payout

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-settlr/internal/accounting"
	"github.com/0gfoundation/0g-settlr/internal/coprocessor"
	"github.com/0gfoundation/0g-settlr/internal/ledger"
	"github.com/0gfoundation/0g-settlr/internal/registry"
)

const owner ledger.Owner = "payout"

// Engine executes payout and subscription operations.
type Engine struct {
	store  *ledger.Store
	acct   *accounting.Ledger
	keeper common.Address
	log    *zap.Logger
}

// NewEngine returns an Engine. keeper is the wallet the subscription keeper
// signs as; zero disables keeper access.
func NewEngine(store *ledger.Store, acct *accounting.Ledger, keeper common.Address, log *zap.Logger) *Engine {
	return &Engine{store: store, acct: acct, keeper: keeper, log: log}
}

func (e *Engine) isKeeper(caller common.Address) bool {
	return e.keeper != (common.Address{}) && caller == e.keeper
}

// ── Private payouts ───────────────────────────────────────────────────────────

// InitiatePayout records a Pending payout requested by the merchant authority.
func (e *Engine) InitiatePayout(ctx context.Context, caller common.Address, req InitiateRequest) (*PrivatePayout, error) {
	if err := ledger.ValidateID("payout_id", req.PayoutID, ledger.MaxIDLen); err != nil {
		return nil, err
	}
	if req.Auditor != nil && *req.Auditor == (common.Address{}) {
		return nil, fmt.Errorf("%w: auditor is the zero address", ledger.ErrInvalidInput)
	}
	h, err := e.acct.EncryptAmount(ctx, req.Ciphertext)
	if err != nil {
		return nil, err
	}
	var proof *coprocessor.Handle
	if len(req.RangeProof) > 0 {
		p, err := e.acct.EncryptAmount(ctx, req.RangeProof)
		if err != nil {
			return nil, err
		}
		proof = &p
	}

	slot := PayoutSlot(req.PayoutID)
	var out PrivatePayout
	err = e.store.Update(ctx, func(tx *ledger.Tx) error {
		merchant, err := registry.LoadMerchant(tx, req.MerchantID)
		if err != nil {
			return err
		}
		if !merchant.IsAuthority(caller) {
			return fmt.Errorf("%w: payout requires the merchant authority", ledger.ErrUnauthorized)
		}
		if !merchant.IsActive {
			return fmt.Errorf("%w: merchant %q is inactive", ledger.ErrStateConflict, req.MerchantID)
		}
		exists, err := tx.Exists(slot)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: payout %q already exists", ledger.ErrStateConflict, req.PayoutID)
		}
		dest := req.Destination
		if dest == (common.Address{}) {
			dest = merchant.Wallet
		}
		out = PrivatePayout{
			PayoutID:          req.PayoutID,
			MerchantID:        req.MerchantID,
			DestinationWallet: dest,
			EncryptedAmount:   h,
			RangeProof:        proof,
			Auditor:           req.Auditor,
			Status:            PayoutPending,
			InitiatedAt:       tx.Now(),
		}
		if err := tx.Put(owner, slot, &out); err != nil {
			return err
		}
		if err := e.acct.GrantTx(tx, h, merchant.Authority); err != nil {
			return err
		}
		if req.Auditor != nil {
			if err := e.acct.GrantTx(tx, h, *req.Auditor); err != nil {
				return err
			}
		}
		if err := e.acct.AggregateTx(tx, req.MerchantID, accounting.KindPayouts, h); err != nil {
			return err
		}
		tx.Index(ledger.NSPrivatePayout, req.PayoutID)
		tx.Emit("payout.initiated", slot, map[string]string{
			"payout_id": req.PayoutID,
			"merchant":  req.MerchantID,
			"handle":    h.Hex(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("private payout initiated", zap.String("payout", req.PayoutID), zap.String("merchant", req.MerchantID))
	return &out, nil
}

// CompletePayout marks a Pending payout Completed.
func (e *Engine) CompletePayout(ctx context.Context, caller common.Address, payoutID string) (*PrivatePayout, error) {
	return e.resolvePayout(ctx, caller, payoutID, PayoutCompleted)
}

// CancelPayout marks a Pending payout Cancelled.
func (e *Engine) CancelPayout(ctx context.Context, caller common.Address, payoutID string) (*PrivatePayout, error) {
	return e.resolvePayout(ctx, caller, payoutID, PayoutCancelled)
}

func (e *Engine) resolvePayout(ctx context.Context, caller common.Address, payoutID string, to PayoutStatus) (*PrivatePayout, error) {
	slot := PayoutSlot(payoutID)
	var out *PrivatePayout
	err := e.store.Update(ctx, func(tx *ledger.Tx) error {
		var p PrivatePayout
		found, err := tx.Get(slot, &p)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: payout %q", ledger.ErrNotFound, payoutID)
		}
		if err := e.requireMerchantOrPlatform(tx, caller, p.MerchantID); err != nil {
			return err
		}
		if p.Status != PayoutPending {
			return fmt.Errorf("%w: cannot resolve payout in status %s", ledger.ErrStateConflict, p.Status)
		}
		p.Status = to
		if to == PayoutCompleted {
			p.CompletedAt = tx.Now()
		} else {
			p.CancelledAt = tx.Now()
		}
		if err := tx.Put(owner, slot, &p); err != nil {
			return err
		}
		tx.Emit("payout."+string(to), slot, map[string]string{"payout_id": payoutID})
		out = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("private payout resolved", zap.String("payout", payoutID), zap.String("status", string(to)))
	return out, nil
}

func (e *Engine) requireMerchantOrPlatform(tx *ledger.Tx, caller common.Address, merchantID string) error {
	merchant, err := registry.LoadMerchant(tx, merchantID)
	if err != nil {
		return err
	}
	if merchant.IsAuthority(caller) {
		return nil
	}
	ok, err := registry.IsPlatformAuthority(tx, caller)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: requires the merchant or platform authority", ledger.ErrUnauthorized)
	}
	return nil
}

// Payout returns a stored private payout.
func (e *Engine) Payout(ctx context.Context, payoutID string) (*PrivatePayout, error) {
	var p PrivatePayout
	found, err := e.store.Load(ctx, PayoutSlot(payoutID), &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: payout %q", ledger.ErrNotFound, payoutID)
	}
	return &p, nil
}

// ── Subscriptions ─────────────────────────────────────────────────────────────

// CreateSubscription starts an Active subscription first due one cycle from now.
func (e *Engine) CreateSubscription(ctx context.Context, customer common.Address, merchantID, subscriptionID string, ciphertext []byte, cycleSeconds int64) (*Subscription, error) {
	if err := ledger.ValidateID("subscription_id", subscriptionID, ledger.MaxIDLen); err != nil {
		return nil, err
	}
	if cycleSeconds <= 0 {
		return nil, fmt.Errorf("%w: billing cycle must be positive", ledger.ErrInvalidInput)
	}
	h, err := e.acct.EncryptAmount(ctx, ciphertext)
	if err != nil {
		return nil, err
	}
	slot := SubscriptionSlot(subscriptionID)
	var out Subscription
	err = e.store.Update(ctx, func(tx *ledger.Tx) error {
		exists, err := tx.Exists(slot)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: subscription %q already exists", ledger.ErrStateConflict, subscriptionID)
		}
		merchant, err := registry.LoadMerchant(tx, merchantID)
		if err != nil {
			return err
		}
		if !merchant.IsActive {
			return fmt.Errorf("%w: merchant %q is inactive", ledger.ErrStateConflict, merchantID)
		}
		now := tx.Now()
		out = Subscription{
			SubscriptionID:      subscriptionID,
			Customer:            customer,
			MerchantID:          merchantID,
			EncryptedAmount:     h,
			BillingCycleSeconds: cycleSeconds,
			CreatedAt:           now,
			LastPaymentAt:       now,
			NextPaymentAt:       now + cycleSeconds,
			Status:              SubscriptionActive,
		}
		if err := tx.Put(owner, slot, &out); err != nil {
			return err
		}
		if err := e.acct.GrantTx(tx, h, customer); err != nil {
			return err
		}
		if err := e.acct.GrantTx(tx, h, merchant.Authority); err != nil {
			return err
		}
		tx.Index(ledger.NSSubscription, subscriptionID)
		tx.Emit("subscription.created", slot, map[string]string{
			"subscription_id": subscriptionID,
			"merchant":        merchantID,
			"cycle":           fmt.Sprint(cycleSeconds),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("subscription created", zap.String("subscription", subscriptionID), zap.Int64("next", out.NextPaymentAt))
	return &out, nil
}

// ChargeSubscription bills one cycle. It fails with ledger.ErrPaymentNotDue
// before NextPaymentAt. The schedule advances by exactly one cycle from the
// previous due date, so an overdue subscription catches up one charge at a time.
func (e *Engine) ChargeSubscription(ctx context.Context, caller common.Address, subscriptionID string) (*Subscription, error) {
	out, err := e.mutateSubscription(ctx, subscriptionID, "subscription.charged", func(tx *ledger.Tx, s *Subscription) error {
		if !e.isKeeper(caller) {
			if err := e.requireMerchantOrPlatform(tx, caller, s.MerchantID); err != nil {
				return err
			}
		}
		if s.Status != SubscriptionActive {
			return fmt.Errorf("%w: cannot charge subscription in status %s", ledger.ErrStateConflict, s.Status)
		}
		if tx.Now() < s.NextPaymentAt {
			return fmt.Errorf("%w: subscription %q due at %d", ledger.ErrPaymentNotDue, subscriptionID, s.NextPaymentAt)
		}
		s.LastPaymentAt = s.NextPaymentAt
		s.NextPaymentAt += s.BillingCycleSeconds
		s.PaymentCount++
		return e.acct.AggregateTx(tx, s.MerchantID, accounting.KindRevenue, s.EncryptedAmount)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("subscription charged",
		zap.String("subscription", subscriptionID),
		zap.Uint64("count", out.PaymentCount),
		zap.Int64("next", out.NextPaymentAt),
	)
	return out, nil
}

// CancelSubscription ends the subscription. Only the customer may cancel and
// a cancelled subscription cannot be cancelled again.
func (e *Engine) CancelSubscription(ctx context.Context, caller common.Address, subscriptionID string) (*Subscription, error) {
	return e.mutateSubscription(ctx, subscriptionID, "subscription.cancelled", func(_ *ledger.Tx, s *Subscription) error {
		if caller != s.Customer {
			return fmt.Errorf("%w: only the customer may cancel", ledger.ErrUnauthorized)
		}
		if s.Status == SubscriptionCancelled {
			return fmt.Errorf("%w: subscription %q already cancelled", ledger.ErrStateConflict, subscriptionID)
		}
		s.Status = SubscriptionCancelled
		return nil
	})
}

// PauseSubscription suspends billing for an Active subscription.
func (e *Engine) PauseSubscription(ctx context.Context, caller common.Address, subscriptionID string) (*Subscription, error) {
	return e.mutateSubscription(ctx, subscriptionID, "subscription.paused", func(_ *ledger.Tx, s *Subscription) error {
		if caller != s.Customer {
			return fmt.Errorf("%w: only the customer may pause", ledger.ErrUnauthorized)
		}
		if s.Status != SubscriptionActive {
			return fmt.Errorf("%w: cannot pause subscription in status %s", ledger.ErrStateConflict, s.Status)
		}
		s.Status = SubscriptionPaused
		return nil
	})
}

// ResumeSubscription reactivates a Paused or PastDue subscription. A due date
// that passed while paused is moved to now.
func (e *Engine) ResumeSubscription(ctx context.Context, caller common.Address, subscriptionID string) (*Subscription, error) {
	return e.mutateSubscription(ctx, subscriptionID, "subscription.resumed", func(tx *ledger.Tx, s *Subscription) error {
		if caller != s.Customer {
			return fmt.Errorf("%w: only the customer may resume", ledger.ErrUnauthorized)
		}
		if s.Status != SubscriptionPaused && s.Status != SubscriptionPastDue {
			return fmt.Errorf("%w: cannot resume subscription in status %s", ledger.ErrStateConflict, s.Status)
		}
		if now := tx.Now(); s.NextPaymentAt < now {
			s.NextPaymentAt = now
		}
		s.Status = SubscriptionActive
		return nil
	})
}

// MarkPastDue flags an Active subscription whose due date has passed.
func (e *Engine) MarkPastDue(ctx context.Context, caller common.Address, subscriptionID string) (*Subscription, error) {
	return e.mutateSubscription(ctx, subscriptionID, "subscription.past_due", func(tx *ledger.Tx, s *Subscription) error {
		if !e.isKeeper(caller) {
			if err := e.requireMerchantOrPlatform(tx, caller, s.MerchantID); err != nil {
				return err
			}
		}
		if s.Status != SubscriptionActive {
			return fmt.Errorf("%w: cannot mark subscription in status %s", ledger.ErrStateConflict, s.Status)
		}
		if tx.Now() < s.NextPaymentAt {
			return fmt.Errorf("%w: subscription %q due at %d", ledger.ErrPaymentNotDue, subscriptionID, s.NextPaymentAt)
		}
		s.Status = SubscriptionPastDue
		return nil
	})
}

func (e *Engine) mutateSubscription(ctx context.Context, subscriptionID, event string, fn func(*ledger.Tx, *Subscription) error) (*Subscription, error) {
	slot := SubscriptionSlot(subscriptionID)
	var out *Subscription
	err := e.store.Update(ctx, func(tx *ledger.Tx) error {
		s, err := loadSubscription(tx, subscriptionID)
		if err != nil {
			return err
		}
		if err := fn(tx, s); err != nil {
			return err
		}
		if err := tx.Put(owner, slot, s); err != nil {
			return err
		}
		tx.Emit(event, slot, map[string]string{
			"subscription_id": subscriptionID,
			"status":          string(s.Status),
		})
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Subscription returns a stored subscription.
func (e *Engine) Subscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var s *Subscription
	err := e.store.View(ctx, func(tx *ledger.Tx) error {
		var err error
		s, err = loadSubscription(tx, subscriptionID)
		return err
	})
	return s, err
}

// DueSubscriptions lists Active subscriptions whose due date has passed.
func (e *Engine) DueSubscriptions(ctx context.Context) ([]*Subscription, error) {
	ids, err := e.store.Members(ctx, ledger.NSSubscription)
	if err != nil {
		return nil, err
	}
	now := e.store.Now()
	var due []*Subscription
	for _, id := range ids {
		s, err := e.Subscription(ctx, id)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if s.Due(now) {
			due = append(due, s)
		}
	}
	return due, nil
}

func loadSubscription(tx *ledger.Tx, subscriptionID string) (*Subscription, error) {
	var s Subscription
	found, err := tx.Get(SubscriptionSlot(subscriptionID), &s)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: subscription %q", ledger.ErrNotFound, subscriptionID)
	}
	return &s, nil
}
