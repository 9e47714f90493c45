package escrow

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-settlr/internal/ledger"
	"github.com/0gfoundation/0g-settlr/internal/registry"
)

var (
	platformAuth = common.HexToAddress("0x1000000000000000000000000000000000000001")
	merchantAuth = common.HexToAddress("0x2000000000000000000000000000000000000002")
	merchantWal  = common.HexToAddress("0x2000000000000000000000000000000000000003")
	customer     = common.HexToAddress("0x3000000000000000000000000000000000000003")
	stranger     = common.HexToAddress("0x9000000000000000000000000000000000000009")
)

type fixture struct {
	store  *ledger.Store
	reg    *registry.Registry
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := ledger.NewStore(rdb, zap.NewNop())
	store.SetNowFunc(func() int64 { return 1_700_000_000 })
	f := &fixture{
		store:  store,
		reg:    registry.New(store, platformAuth, zap.NewNop()),
		engine: NewEngine(store, zap.NewNop()),
	}
	ctx := context.Background()
	_, err := f.reg.SetPlatformConfig(ctx, platformAuth, 250, 1_000)
	require.NoError(t, err)
	_, err = f.reg.InitializeMerchant(ctx, merchantAuth, "m1", merchantWal, nil)
	require.NoError(t, err)
	_, err = f.engine.Deposit(ctx, platformAuth, customer, 10_000_000)
	require.NoError(t, err)
	return f
}

func (f *fixture) balance(t *testing.T, addr common.Address) uint64 {
	t.Helper()
	b, err := f.engine.Balance(context.Background(), addr)
	require.NoError(t, err)
	return b
}

// ── Fee math ──────────────────────────────────────────────────────────────────

func TestComputeFee(t *testing.T) {
	cases := []struct {
		amount uint64
		bps    uint16
		want   uint64
	}{
		{1_000_000, 250, 25_000},
		{999, 250, 24},
		{1, 9_999, 0},
		{100, 10_000, 100},
		{100, 0, 0},
		{math.MaxUint64, 10_000, math.MaxUint64},
		{math.MaxUint64, 5_000, math.MaxUint64 / 2},
	}
	for _, tc := range cases {
		got := ComputeFee(tc.amount, tc.bps)
		assert.Equal(t, tc.want, got, "amount=%d bps=%d", tc.amount, tc.bps)
		assert.LessOrEqual(t, got, tc.amount)
	}
}

// ── Create / Claim / Refund ───────────────────────────────────────────────────

func TestPlatformFeeScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.engine.CreatePayment(ctx, customer, "m1", "p1", 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), p.Amount)
	assert.Equal(t, uint64(25_000), p.FeeAmount)
	assert.Equal(t, PaymentCreated, p.Status)
	assert.Equal(t, uint64(1_000_000), f.balance(t, ledger.EscrowVault()))
	assert.Equal(t, uint64(9_000_000), f.balance(t, customer))

	p, err = f.engine.Claim(ctx, merchantAuth, "p1")
	require.NoError(t, err)
	assert.Equal(t, PaymentClaimed, p.Status)
	assert.Equal(t, int64(1_700_000_000), p.ResolvedAt)
	assert.Equal(t, uint64(975_000), f.balance(t, merchantWal))
	assert.Equal(t, uint64(25_000), f.balance(t, ledger.PlatformTreasury()))
	assert.Zero(t, f.balance(t, ledger.EscrowVault()))

	_, err = f.engine.Refund(ctx, platformAuth, "p1")
	assert.ErrorIs(t, err, ledger.ErrStateConflict)
}

func TestCreatePayment_MerchantFeeOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	zero := uint16(0)
	_, err := f.reg.InitializeMerchant(ctx, merchantAuth, "m0", merchantWal, &zero)
	require.NoError(t, err)

	p, err := f.engine.CreatePayment(ctx, customer, "m0", "p0", 50_000)
	require.NoError(t, err)
	assert.Zero(t, p.FeeAmount)
	assert.Equal(t, uint16(0), p.FeeBps)
}

func TestCreatePayment_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreatePayment(ctx, customer, "m1", "p1", 0)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput, "zero amount")

	_, err = f.engine.CreatePayment(ctx, customer, "m1", "p1", 999)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput, "below minimum")

	_, err = f.engine.CreatePayment(ctx, customer, "m1", "", 5_000)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput, "empty id")

	long := make([]byte, ledger.MaxIDLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = f.engine.CreatePayment(ctx, customer, "m1", string(long), 5_000)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput, "oversized id")

	_, err = f.engine.CreatePayment(ctx, customer, "nope", "p1", 5_000)
	assert.ErrorIs(t, err, ledger.ErrNotFound, "unknown merchant")

	_, err = f.engine.CreatePayment(ctx, stranger, "m1", "p1", 5_000)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds, "unfunded customer")

	_, err = f.engine.CreatePayment(ctx, customer, "m1", "p1", 5_000)
	require.NoError(t, err)
	_, err = f.engine.CreatePayment(ctx, customer, "m1", "p1", 5_000)
	assert.ErrorIs(t, err, ledger.ErrStateConflict, "duplicate id")
}

func TestCreatePayment_PlatformInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.SetPlatformActive(ctx, platformAuth, false))

	_, err := f.engine.CreatePayment(ctx, customer, "m1", "p1", 5_000)
	assert.ErrorIs(t, err, ledger.ErrPlatformInactive)
	assert.Equal(t, uint64(10_000_000), f.balance(t, customer), "no funds may move")
}

func TestClaim_Unauthorized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.CreatePayment(ctx, customer, "m1", "p1", 5_000)
	require.NoError(t, err)

	_, err = f.engine.Claim(ctx, stranger, "p1")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = f.engine.Claim(ctx, customer, "p1")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	// Platform authority may claim too.
	_, err = f.engine.Claim(ctx, platformAuth, "p1")
	assert.NoError(t, err)
}

func TestRefund_ThenClaimFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.CreatePayment(ctx, customer, "m1", "p1", 5_000)
	require.NoError(t, err)

	_, err = f.engine.Refund(ctx, merchantAuth, "p1")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized, "merchant cannot refund")

	p, err := f.engine.Refund(ctx, platformAuth, "p1")
	require.NoError(t, err)
	assert.Equal(t, PaymentRefunded, p.Status)
	assert.Equal(t, uint64(10_000_000), f.balance(t, customer))

	_, err = f.engine.Claim(ctx, merchantAuth, "p1")
	assert.ErrorIs(t, err, ledger.ErrStateConflict)
	_, err = f.engine.Refund(ctx, platformAuth, "p1")
	assert.ErrorIs(t, err, ledger.ErrStateConflict)
}

func TestRefund_RefundOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	refunder := common.HexToAddress("0x4000000000000000000000000000000000000004")
	require.NoError(t, f.reg.SetRefundOwner(ctx, platformAuth, refunder))
	_, err := f.engine.CreatePayment(ctx, customer, "m1", "p1", 5_000)
	require.NoError(t, err)

	_, err = f.engine.Refund(ctx, refunder, "p1")
	assert.NoError(t, err)
}

func TestClaimRefund_Race(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.CreatePayment(ctx, customer, "m1", "p1", 1_000_000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = f.engine.Claim(ctx, merchantAuth, "p1") }()
	go func() { defer wg.Done(); _, errs[1] = f.engine.Refund(ctx, platformAuth, "p1") }()
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ledger.ErrStateConflict)
	}
	assert.Equal(t, 1, succeeded, "exactly one of claim/refund must win")

	// Conservation: all funds accounted for.
	total := f.balance(t, customer) + f.balance(t, merchantWal) +
		f.balance(t, ledger.PlatformTreasury()) + f.balance(t, ledger.EscrowVault())
	assert.Equal(t, uint64(10_000_000), total)
}

// ── Public payout ─────────────────────────────────────────────────────────────

func TestProcessPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.CreatePayment(ctx, customer, "m1", "p1", 1_000_000)
	require.NoError(t, err)
	_, err = f.engine.Claim(ctx, merchantAuth, "p1")
	require.NoError(t, err)

	recipient := common.HexToAddress("0x5000000000000000000000000000000000000005")

	_, err = f.engine.ProcessPayout(ctx, stranger, recipient, 1_000, "po-1")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	_, err = f.engine.ProcessPayout(ctx, platformAuth, recipient, 30_000, "po-1")
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	_, err = f.engine.ProcessPayout(ctx, platformAuth, recipient, 0, "po-1")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	po, err := f.engine.ProcessPayout(ctx, platformAuth, recipient, 20_000, "po-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000), po.Amount)
	assert.Equal(t, uint64(20_000), f.balance(t, recipient))
	assert.Equal(t, uint64(5_000), f.balance(t, ledger.PlatformTreasury()))

	_, err = f.engine.ProcessPayout(ctx, platformAuth, recipient, 1_000, "po-1")
	assert.ErrorIs(t, err, ledger.ErrStateConflict, "payout id replay")
}

func TestProcessPayout_PlatformInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.SetPlatformActive(ctx, platformAuth, false))

	_, err := f.engine.ProcessPayout(ctx, platformAuth, customer, 1, "po-1")
	assert.ErrorIs(t, err, ledger.ErrPlatformInactive)
}

func TestDeposit_RequiresAuthority(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Deposit(context.Background(), stranger, stranger, 100)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
}
