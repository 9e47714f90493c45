package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-settlr/internal/ledger"
)

var (
	testAuthority = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testMerchant  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testStranger  = common.HexToAddress("0x9999999999999999999999999999999999999999")
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(ledger.NewStore(rdb, zap.NewNop()), testAuthority, zap.NewNop())
}

func u16(v uint16) *uint16 { return &v }

// ── Platform ──────────────────────────────────────────────────────────────────

func TestSetPlatformConfig_CreateAndUpdate(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p, err := r.SetPlatformConfig(ctx, testAuthority, 250, 1_000)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Authority != testAuthority || !p.IsActive || p.Treasury != ledger.PlatformTreasury() {
		t.Errorf("unexpected platform: %+v", p)
	}

	p, err = r.SetPlatformConfig(ctx, testAuthority, 300, 5)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.FeeBps != 300 || p.MinPaymentAmount != 5 {
		t.Errorf("update not applied: %+v", p)
	}
}

func TestSetPlatformConfig_RejectsNonBootstrapCreator(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.SetPlatformConfig(context.Background(), testStranger, 250, 1)
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSetPlatformConfig_RejectsNonAuthorityUpdate(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.SetPlatformConfig(ctx, testAuthority, 250, 1) //nolint:errcheck

	_, err := r.SetPlatformConfig(ctx, testStranger, 0, 0)
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSetPlatformConfig_FeeOutOfRange(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.SetPlatformConfig(context.Background(), testAuthority, 10_001, 1)
	if !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestTransferAuthority(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.SetPlatformConfig(ctx, testAuthority, 250, 1) //nolint:errcheck

	if err := r.TransferAuthority(ctx, testStranger, testStranger); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("stranger transfer: %v", err)
	}
	if err := r.TransferAuthority(ctx, testAuthority, common.Address{}); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("zero authority: %v", err)
	}
	if err := r.TransferAuthority(ctx, testAuthority, testMerchant); err != nil {
		t.Fatalf("TransferAuthority: %v", err)
	}
	p, _ := r.Platform(ctx)
	if p.Authority != testMerchant {
		t.Errorf("authority: got %s", p.Authority.Hex())
	}
	// The old authority has lost control.
	if err := r.SetPlatformActive(ctx, testAuthority, false); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Errorf("old authority must be rejected, got %v", err)
	}
}

func TestSetPlatformActive(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.SetPlatformConfig(ctx, testAuthority, 250, 1) //nolint:errcheck

	if err := r.SetPlatformActive(ctx, testAuthority, false); err != nil {
		t.Fatal(err)
	}
	p, _ := r.Platform(ctx)
	if p.IsActive {
		t.Error("platform must be inactive")
	}
}

// ── Merchant ──────────────────────────────────────────────────────────────────

func TestInitializeMerchant(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	m, err := r.InitializeMerchant(ctx, testMerchant, "shop-1", common.Address{}, nil)
	if err != nil {
		t.Fatalf("InitializeMerchant: %v", err)
	}
	if m.Wallet != testMerchant {
		t.Errorf("wallet must default to caller, got %s", m.Wallet.Hex())
	}
	if m.FeeBps != nil {
		t.Error("fee must be unset")
	}

	_, err = r.InitializeMerchant(ctx, testMerchant, "shop-1", common.Address{}, nil)
	if !errors.Is(err, ledger.ErrStateConflict) {
		t.Fatalf("duplicate merchant: %v", err)
	}
}

func TestInitializeMerchant_Validation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.InitializeMerchant(ctx, testMerchant, "", common.Address{}, nil); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Errorf("empty id: %v", err)
	}
	if _, err := r.InitializeMerchant(ctx, testMerchant, "this-merchant-id-is-longer-than-32b", common.Address{}, nil); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Errorf("long id: %v", err)
	}
	if _, err := r.InitializeMerchant(ctx, testMerchant, "shop", common.Address{}, u16(10_001)); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Errorf("fee: %v", err)
	}
}

func TestUpdateMerchant(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.InitializeMerchant(ctx, testMerchant, "shop-1", common.Address{}, u16(100)) //nolint:errcheck

	if _, err := r.UpdateMerchant(ctx, testStranger, "shop-1", MerchantUpdate{ClearFee: true}); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("stranger update: %v", err)
	}

	off := false
	m, err := r.UpdateMerchant(ctx, testMerchant, "shop-1", MerchantUpdate{ClearFee: true, IsActive: &off})
	if err != nil {
		t.Fatal(err)
	}
	if m.FeeBps != nil || m.IsActive {
		t.Errorf("update not applied: %+v", m)
	}
}

func TestEffectiveFeeBps(t *testing.T) {
	p := &PlatformConfig{FeeBps: 250}
	if got := (&Merchant{}).EffectiveFeeBps(p); got != 250 {
		t.Errorf("inherit: got %d", got)
	}
	if got := (&Merchant{FeeBps: u16(0)}).EffectiveFeeBps(p); got != 0 {
		t.Errorf("explicit zero override: got %d", got)
	}
}
