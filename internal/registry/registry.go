// Package registry holds the platform configuration and merchant records that
// every other component reads. Mutation is gated on the authority recorded in
// each record.
package registry

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-settlr/internal/ledger"
)

const owner ledger.Owner = "registry"

// MaxFeeBps is 100%.
const MaxFeeBps = 10_000

// PlatformConfig is the singleton platform record.
type PlatformConfig struct {
	Authority        common.Address `json:"authority"`
	FeeBps           uint16         `json:"fee_bps"`
	MinPaymentAmount uint64         `json:"min_payment_amount"`
	IsActive         bool           `json:"is_active"`
	Treasury         common.Address `json:"treasury"`
	// RefundOwner may refund payments alongside the authority. Zero means unset.
	RefundOwner common.Address `json:"refund_owner"`
	UpdatedAt   int64          `json:"updated_at"`
}

// Merchant is a registered payee. A nil FeeBps inherits the platform rate.
type Merchant struct {
	MerchantID string         `json:"merchant_id"`
	Authority  common.Address `json:"authority"`
	Wallet     common.Address `json:"wallet"`
	FeeBps     *uint16        `json:"fee_bps,omitempty"`
	IsActive   bool           `json:"is_active"`
	CreatedAt  int64          `json:"created_at"`
}

// EffectiveFeeBps returns the merchant override or the platform default.
func (m *Merchant) EffectiveFeeBps(p *PlatformConfig) uint16 {
	if m != nil && m.FeeBps != nil {
		return *m.FeeBps
	}
	return p.FeeBps
}

// IsAuthority reports whether caller controls the merchant record.
func (m *Merchant) IsAuthority(caller common.Address) bool {
	return m != nil && caller == m.Authority
}

func PlatformSlot() common.Hash { return ledger.Derive(ledger.NSPlatformConfig) }

func MerchantSlot(merchantID string) common.Hash {
	return ledger.DeriveID(ledger.NSMerchant, merchantID)
}

// LoadPlatform reads the platform config inside an operation.
func LoadPlatform(tx *ledger.Tx) (*PlatformConfig, error) {
	var p PlatformConfig
	found, err := tx.Get(PlatformSlot(), &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: platform not configured", ledger.ErrPlatformInactive)
	}
	return &p, nil
}

// LoadActivePlatform is LoadPlatform plus the kill-switch check.
func LoadActivePlatform(tx *ledger.Tx) (*PlatformConfig, error) {
	p, err := LoadPlatform(tx)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, ledger.ErrPlatformInactive
	}
	return p, nil
}

// IsPlatformAuthority reports whether caller is the platform authority. An
// unconfigured platform has no authority.
func IsPlatformAuthority(tx *ledger.Tx, caller common.Address) (bool, error) {
	var p PlatformConfig
	found, err := tx.Get(PlatformSlot(), &p)
	if err != nil || !found {
		return false, err
	}
	return caller == p.Authority, nil
}

// LoadMerchant reads a merchant record inside an operation.
func LoadMerchant(tx *ledger.Tx, merchantID string) (*Merchant, error) {
	var m Merchant
	found, err := tx.Get(MerchantSlot(merchantID), &m)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: merchant %q", ledger.ErrNotFound, merchantID)
	}
	return &m, nil
}

// Registry performs the administrative operations.
type Registry struct {
	store     *ledger.Store
	bootstrap common.Address
	log       *zap.Logger
}

// New returns a Registry. bootstrap is the only wallet allowed to create the
// platform config; once created, the recorded authority takes over.
func New(store *ledger.Store, bootstrap common.Address, log *zap.Logger) *Registry {
	return &Registry{store: store, bootstrap: bootstrap, log: log}
}

// SetPlatformConfig creates or updates the platform fee rate and minimum payment.
func (r *Registry) SetPlatformConfig(ctx context.Context, caller common.Address, feeBps uint16, minPayment uint64) (*PlatformConfig, error) {
	if feeBps > MaxFeeBps {
		return nil, fmt.Errorf("%w: fee_bps %d exceeds %d", ledger.ErrInvalidInput, feeBps, MaxFeeBps)
	}
	var out PlatformConfig
	err := r.store.Update(ctx, func(tx *ledger.Tx) error {
		var p PlatformConfig
		found, err := tx.Get(PlatformSlot(), &p)
		if err != nil {
			return err
		}
		if !found {
			if r.bootstrap != (common.Address{}) && caller != r.bootstrap {
				return fmt.Errorf("%w: only the bootstrap authority may create the platform", ledger.ErrUnauthorized)
			}
			p = PlatformConfig{
				Authority: caller,
				IsActive:  true,
				Treasury:  ledger.PlatformTreasury(),
			}
		} else if caller != p.Authority {
			return fmt.Errorf("%w: caller is not the platform authority", ledger.ErrUnauthorized)
		}
		p.FeeBps = feeBps
		p.MinPaymentAmount = minPayment
		p.UpdatedAt = tx.Now()
		if err := tx.Put(owner, PlatformSlot(), &p); err != nil {
			return err
		}
		tx.Emit("platform.configured", PlatformSlot(), map[string]string{
			"fee_bps":     fmt.Sprint(feeBps),
			"min_payment": fmt.Sprint(minPayment),
		})
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("platform configured", zap.Uint16("fee_bps", feeBps), zap.Uint64("min_payment", minPayment))
	return &out, nil
}

// SetPlatformActive flips the administrative kill-switch.
func (r *Registry) SetPlatformActive(ctx context.Context, caller common.Address, active bool) error {
	return r.updatePlatform(ctx, caller, "platform.active_changed", func(p *PlatformConfig) error {
		p.IsActive = active
		return nil
	})
}

// SetRefundOwner designates an additional wallet allowed to refund payments.
func (r *Registry) SetRefundOwner(ctx context.Context, caller, refundOwner common.Address) error {
	return r.updatePlatform(ctx, caller, "platform.refund_owner_changed", func(p *PlatformConfig) error {
		p.RefundOwner = refundOwner
		return nil
	})
}

// TransferAuthority hands platform control to newAuthority.
func (r *Registry) TransferAuthority(ctx context.Context, caller, newAuthority common.Address) error {
	if newAuthority == (common.Address{}) {
		return fmt.Errorf("%w: new authority is the zero address", ledger.ErrInvalidInput)
	}
	err := r.updatePlatform(ctx, caller, "platform.authority_transferred", func(p *PlatformConfig) error {
		p.Authority = newAuthority
		return nil
	})
	if err == nil {
		r.log.Info("authority transferred", zap.String("from", caller.Hex()), zap.String("to", newAuthority.Hex()))
	}
	return err
}

func (r *Registry) updatePlatform(ctx context.Context, caller common.Address, event string, mutate func(*PlatformConfig) error) error {
	return r.store.Update(ctx, func(tx *ledger.Tx) error {
		p, err := LoadPlatform(tx)
		if err != nil {
			return err
		}
		if caller != p.Authority {
			return fmt.Errorf("%w: caller is not the platform authority", ledger.ErrUnauthorized)
		}
		if err := mutate(p); err != nil {
			return err
		}
		p.UpdatedAt = tx.Now()
		if err := tx.Put(owner, PlatformSlot(), p); err != nil {
			return err
		}
		tx.Emit(event, PlatformSlot(), map[string]string{"caller": caller.Hex()})
		return nil
	})
}

// InitializeMerchant registers a merchant controlled by caller. A zero wallet
// defaults to the caller.
func (r *Registry) InitializeMerchant(ctx context.Context, caller common.Address, merchantID string, wallet common.Address, feeBps *uint16) (*Merchant, error) {
	if err := ledger.ValidateID("merchant_id", merchantID, ledger.MaxMerchantIDLen); err != nil {
		return nil, err
	}
	if feeBps != nil && *feeBps > MaxFeeBps {
		return nil, fmt.Errorf("%w: fee_bps %d exceeds %d", ledger.ErrInvalidInput, *feeBps, MaxFeeBps)
	}
	if wallet == (common.Address{}) {
		wallet = caller
	}
	slot := MerchantSlot(merchantID)
	var out Merchant
	err := r.store.Update(ctx, func(tx *ledger.Tx) error {
		exists, err := tx.Exists(slot)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: merchant %q already registered", ledger.ErrStateConflict, merchantID)
		}
		out = Merchant{
			MerchantID: merchantID,
			Authority:  caller,
			Wallet:     wallet,
			FeeBps:     feeBps,
			IsActive:   true,
			CreatedAt:  tx.Now(),
		}
		if err := tx.Put(owner, slot, &out); err != nil {
			return err
		}
		tx.Index(ledger.NSMerchant, merchantID)
		tx.Emit("merchant.initialized", slot, map[string]string{"merchant_id": merchantID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("merchant initialized", zap.String("merchant", merchantID), zap.String("authority", caller.Hex()))
	return &out, nil
}

// MerchantUpdate carries optional field changes. Nil fields are left alone;
// ClearFee removes the override so the platform rate applies again.
type MerchantUpdate struct {
	FeeBps   *uint16
	ClearFee bool
	Wallet   *common.Address
	IsActive *bool
}

// UpdateMerchant applies u on behalf of the merchant authority.
func (r *Registry) UpdateMerchant(ctx context.Context, caller common.Address, merchantID string, u MerchantUpdate) (*Merchant, error) {
	if u.FeeBps != nil && *u.FeeBps > MaxFeeBps {
		return nil, fmt.Errorf("%w: fee_bps %d exceeds %d", ledger.ErrInvalidInput, *u.FeeBps, MaxFeeBps)
	}
	var out *Merchant
	err := r.store.Update(ctx, func(tx *ledger.Tx) error {
		m, err := LoadMerchant(tx, merchantID)
		if err != nil {
			return err
		}
		if !m.IsAuthority(caller) {
			return fmt.Errorf("%w: caller is not the merchant authority", ledger.ErrUnauthorized)
		}
		switch {
		case u.ClearFee:
			m.FeeBps = nil
		case u.FeeBps != nil:
			fee := *u.FeeBps
			m.FeeBps = &fee
		}
		if u.Wallet != nil && *u.Wallet != (common.Address{}) {
			m.Wallet = *u.Wallet
		}
		if u.IsActive != nil {
			m.IsActive = *u.IsActive
		}
		if err := tx.Put(owner, MerchantSlot(merchantID), m); err != nil {
			return err
		}
		tx.Emit("merchant.updated", MerchantSlot(merchantID), map[string]string{"merchant_id": merchantID})
		out = m
		return nil
	})
	return out, err
}

// Platform returns the current platform config.
func (r *Registry) Platform(ctx context.Context) (*PlatformConfig, error) {
	var p *PlatformConfig
	err := r.store.View(ctx, func(tx *ledger.Tx) error {
		var err error
		p, err = LoadPlatform(tx)
		return err
	})
	return p, err
}

// Merchant returns a merchant record.
func (r *Registry) Merchant(ctx context.Context, merchantID string) (*Merchant, error) {
	var m *Merchant
	err := r.store.View(ctx, func(tx *ledger.Tx) error {
		var err error
		m, err = LoadMerchant(tx, merchantID)
		return err
	})
	return m, err
}
