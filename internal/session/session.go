// Package session runs the confidential receipt lifecycle:
//
//	Pending --delegate--> Active --process--> Processed --settle--> Settled
//
// Delegation hands the receipt's slot to the confidential venue. Settlement
// is the only point where the venue's result is written back.
package session

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-settlr/internal/ledger"
	"github.com/0gfoundation/0g-settlr/internal/registry"
	"github.com/0gfoundation/0g-settlr/internal/venue"
)

const owner ledger.Owner = "session"

// ErrAlreadySettled is returned when a settled receipt is settled again.
var ErrAlreadySettled = fmt.Errorf("%w: receipt already settled", ledger.ErrStateConflict)

// Status is a receipt's session state. Transitions only move forward.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusProcessed Status = "processed"
	StatusSettled   Status = "settled"
)

// Receipt is a confidential payment receipt. Its contents are only mutated by
// the venue while IsDelegated is set.
type Receipt struct {
	PaymentID        string         `json:"payment_id"`
	Customer         common.Address `json:"customer"`
	MerchantID       string         `json:"merchant_id"`
	Amount           uint64         `json:"amount"`
	FeeAmount        uint64         `json:"fee_amount"`
	Memo             string         `json:"memo,omitempty"`
	Status           Status         `json:"status"`
	IsDelegated      bool           `json:"is_delegated"`
	DelegationOwner  common.Address `json:"delegation_owner"`
	CommitIntervalMs uint32         `json:"commit_interval_ms,omitempty"`
	CreatedAt        int64          `json:"created_at"`
	DelegatedAt      int64          `json:"delegated_at,omitempty"`
	ProcessedAt      int64          `json:"processed_at,omitempty"`
	SettledAt        int64          `json:"settled_at,omitempty"`
}

func ReceiptSlot(paymentID string) common.Hash {
	return ledger.DeriveID(ledger.NSPrivateReceipt, paymentID)
}

// Venue is the confidential execution venue as seen by the manager.
type Venue interface {
	Delegate(ctx context.Context, account common.Hash, owner common.Address, commitIntervalMs uint32) error
	Undelegate(ctx context.Context, account common.Hash) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithCommitInterval sets the checkpoint period requested on delegation.
func WithCommitInterval(ms uint32) Option {
	return func(m *Manager) {
		if ms > 0 {
			m.commitIntervalMs = ms
		}
	}
}

// WithStrictSettle controls whether settle requires the Processed state.
// When disabled, settle is accepted from any unsettled state.
func WithStrictSettle(strict bool) Option {
	return func(m *Manager) { m.strictSettle = strict }
}

// WithValidator allows the venue's own signer to mark receipts processed.
func WithValidator(addr common.Address) Option {
	return func(m *Manager) { m.validator = addr }
}

// Manager executes session operations.
type Manager struct {
	store            *ledger.Store
	venue            Venue
	commitIntervalMs uint32
	strictSettle     bool
	validator        common.Address
	log              *zap.Logger
}

func NewManager(store *ledger.Store, v Venue, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:            store,
		venue:            v,
		commitIntervalMs: venue.DefaultCommitIntervalMs,
		strictSettle:     true,
		log:              log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create opens a Pending receipt for an existing merchant.
func (m *Manager) Create(ctx context.Context, customer common.Address, merchantID, paymentID string, amount, fee uint64, memo string) (*Receipt, error) {
	if err := ledger.ValidateID("payment_id", paymentID, ledger.MaxIDLen); err != nil {
		return nil, err
	}
	if err := ledger.ValidateText("memo", memo, ledger.MaxMemoLen); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidInput)
	}
	if fee > amount {
		return nil, fmt.Errorf("%w: fee %d exceeds amount %d", ledger.ErrInvalidInput, fee, amount)
	}
	slot := ReceiptSlot(paymentID)
	var out Receipt
	err := m.store.Update(ctx, func(tx *ledger.Tx) error {
		exists, err := tx.Exists(slot)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: receipt %q already exists", ledger.ErrStateConflict, paymentID)
		}
		if _, err := registry.LoadMerchant(tx, merchantID); err != nil {
			return err
		}
		out = Receipt{
			PaymentID:  paymentID,
			Customer:   customer,
			MerchantID: merchantID,
			Amount:     amount,
			FeeAmount:  fee,
			Memo:       memo,
			Status:     StatusPending,
			CreatedAt:  tx.Now(),
		}
		if err := tx.Put(owner, slot, &out); err != nil {
			return err
		}
		tx.Index(ledger.NSPrivateReceipt, paymentID)
		tx.Emit("receipt.created", slot, map[string]string{"payment_id": paymentID, "merchant": merchantID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("receipt created", zap.String("payment", paymentID), zap.String("merchant", merchantID))
	return &out, nil
}

// Delegate hands a Pending receipt to the venue. The venue is called before
// the state change commits; a venue failure leaves the receipt untouched, and
// a commit that fails after the venue accepted is undone with Undelegate.
func (m *Manager) Delegate(ctx context.Context, caller common.Address, paymentID string) (*Receipt, error) {
	slot := ReceiptSlot(paymentID)
	var out *Receipt
	venueHolds := false
	err := m.store.Update(ctx, func(tx *ledger.Tx) error {
		r, err := loadReceipt(tx, paymentID)
		if err != nil {
			return err
		}
		if caller != r.Customer {
			return fmt.Errorf("%w: only the customer may delegate", ledger.ErrUnauthorized)
		}
		if r.Status != StatusPending {
			return fmt.Errorf("%w: cannot delegate receipt in status %s", ledger.ErrStateConflict, r.Status)
		}
		if err := m.venue.Delegate(tx.Context(), slot, caller, m.commitIntervalMs); err != nil {
			return fmt.Errorf("%w: venue delegate: %v", ledger.ErrExternal, err)
		}
		venueHolds = true
		r.IsDelegated = true
		r.DelegationOwner = caller
		r.CommitIntervalMs = m.commitIntervalMs
		r.DelegatedAt = tx.Now()
		r.Status = StatusActive
		if err := tx.Put(owner, slot, r); err != nil {
			return err
		}
		tx.Emit("receipt.delegated", slot, map[string]string{"payment_id": paymentID, "owner": caller.Hex()})
		out = r
		return nil
	})
	if err != nil {
		if venueHolds {
			m.releaseAfterFailedDelegate(ctx, slot, paymentID, err)
		}
		return nil, err
	}
	m.log.Info("receipt delegated", zap.String("payment", paymentID), zap.Uint32("commit_interval_ms", m.commitIntervalMs))
	return out, nil
}

func (m *Manager) releaseAfterFailedDelegate(ctx context.Context, slot common.Hash, paymentID string, cause error) {
	if err := m.venue.Undelegate(context.WithoutCancel(ctx), slot); err != nil {
		m.log.Error("venue still holds receipt after failed delegate",
			zap.String("payment", paymentID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	m.log.Warn("delegate rolled back", zap.String("payment", paymentID), zap.Error(cause))
}

// Process marks an Active receipt as processed inside the venue. Only the
// delegation owner or the configured venue validator may do this.
func (m *Manager) Process(ctx context.Context, caller common.Address, paymentID string) (*Receipt, error) {
	slot := ReceiptSlot(paymentID)
	var out *Receipt
	err := m.store.Update(ctx, func(tx *ledger.Tx) error {
		r, err := loadReceipt(tx, paymentID)
		if err != nil {
			return err
		}
		isValidator := m.validator != (common.Address{}) && caller == m.validator
		if caller != r.DelegationOwner && !isValidator {
			return fmt.Errorf("%w: only the venue may process a delegated receipt", ledger.ErrUnauthorized)
		}
		if r.Status != StatusActive {
			return fmt.Errorf("%w: cannot process receipt in status %s", ledger.ErrStateConflict, r.Status)
		}
		r.Status = StatusProcessed
		r.ProcessedAt = tx.Now()
		if err := tx.Put(owner, slot, r); err != nil {
			return err
		}
		tx.Emit("receipt.processed", slot, map[string]string{"payment_id": paymentID})
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("receipt processed", zap.String("payment", paymentID))
	return out, nil
}

// Settle writes the venue's final state back and releases the delegation.
func (m *Manager) Settle(ctx context.Context, caller common.Address, paymentID string) (*Receipt, error) {
	return m.settle(ctx, caller, paymentID, true)
}

// ApplyCommit settles a receipt from a venue commit that has already been
// verified. The venue has released the account itself, so it is not called back.
func (m *Manager) ApplyCommit(ctx context.Context, c *venue.Commit) (*Receipt, error) {
	if c.Account != ReceiptSlot(c.PaymentID) {
		return nil, fmt.Errorf("%w: commit account does not match receipt %q", ledger.ErrInvalidInput, c.PaymentID)
	}
	return m.settle(ctx, c.Owner, c.PaymentID, false)
}

func (m *Manager) settle(ctx context.Context, caller common.Address, paymentID string, undelegate bool) (*Receipt, error) {
	slot := ReceiptSlot(paymentID)
	var out *Receipt
	err := m.store.Update(ctx, func(tx *ledger.Tx) error {
		r, err := loadReceipt(tx, paymentID)
		if err != nil {
			return err
		}
		if !r.canSettle(caller) {
			return fmt.Errorf("%w: only the delegation owner may settle", ledger.ErrUnauthorized)
		}
		if r.Status == StatusSettled {
			return fmt.Errorf("%w: %q", ErrAlreadySettled, paymentID)
		}
		if r.Status != StatusProcessed {
			if m.strictSettle {
				return fmt.Errorf("%w: cannot settle receipt in status %s", ledger.ErrStateConflict, r.Status)
			}
			m.log.Warn("settling unprocessed receipt",
				zap.String("payment", paymentID),
				zap.String("status", string(r.Status)),
			)
		}
		if undelegate && r.IsDelegated {
			if err := m.venue.Undelegate(tx.Context(), slot); err != nil {
				return fmt.Errorf("%w: venue undelegate: %v", ledger.ErrExternal, err)
			}
		}
		from := r.Status
		r.IsDelegated = false
		r.Status = StatusSettled
		r.SettledAt = tx.Now()
		if err := tx.Put(owner, slot, r); err != nil {
			return err
		}
		tx.Emit("receipt.settled", slot, map[string]string{"payment_id": paymentID, "from": string(from)})
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("receipt settled", zap.String("payment", paymentID), zap.String("caller", caller.Hex()))
	return out, nil
}

// canSettle: the delegation owner, or the customer for a receipt that was
// never delegated.
func (r *Receipt) canSettle(caller common.Address) bool {
	if r.DelegationOwner == (common.Address{}) {
		return caller == r.Customer
	}
	return caller == r.DelegationOwner
}

// ReceiptFor returns a receipt to one of its parties: the customer, the
// delegation owner, the merchant authority, the platform authority or the
// venue validator. Anyone else gets ErrUnauthorized.
func (m *Manager) ReceiptFor(ctx context.Context, caller common.Address, paymentID string) (*Receipt, error) {
	var r *Receipt
	err := m.store.View(ctx, func(tx *ledger.Tx) error {
		var err error
		if r, err = loadReceipt(tx, paymentID); err != nil {
			return err
		}
		return m.requireParty(tx, r, caller)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (m *Manager) requireParty(tx *ledger.Tx, r *Receipt, caller common.Address) error {
	if caller == r.Customer || caller == r.DelegationOwner {
		return nil
	}
	if m.validator != (common.Address{}) && caller == m.validator {
		return nil
	}
	if ok, err := registry.IsPlatformAuthority(tx, caller); err != nil || ok {
		return err
	}
	merchant, err := registry.LoadMerchant(tx, r.MerchantID)
	if err != nil {
		return err
	}
	if merchant.IsAuthority(caller) {
		return nil
	}
	return fmt.Errorf("%w: receipt %q is visible to its parties only", ledger.ErrUnauthorized, r.PaymentID)
}

// Receipt returns a stored receipt without a caller check. Used by the
// settler and operator tooling.
func (m *Manager) Receipt(ctx context.Context, paymentID string) (*Receipt, error) {
	var r *Receipt
	err := m.store.View(ctx, func(tx *ledger.Tx) error {
		var err error
		r, err = loadReceipt(tx, paymentID)
		return err
	})
	return r, err
}

func loadReceipt(tx *ledger.Tx, paymentID string) (*Receipt, error) {
	var r Receipt
	found, err := tx.Get(ReceiptSlot(paymentID), &r)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: receipt %q", ledger.ErrNotFound, paymentID)
	}
	return &r, nil
}
