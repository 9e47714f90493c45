package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-settlr/internal/escrow"
	"github.com/0gfoundation/0g-settlr/internal/ledger"
	"github.com/0gfoundation/0g-settlr/internal/registry"
	"github.com/0gfoundation/0g-settlr/internal/session"
	"github.com/0gfoundation/0g-settlr/internal/venue"
)

var (
	platformAuth = common.HexToAddress("0x1000000000000000000000000000000000000001")
	merchantAuth = common.HexToAddress("0x2000000000000000000000000000000000000002")
	customer     = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

// seeded returns a Redis client holding a platform, merchant m1 and a
// claimed payment p1.
func seeded(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := ledger.NewStore(rdb, zap.NewNop())
	ctx := context.Background()

	reg := registry.New(store, platformAuth, zap.NewNop())
	if _, err := reg.SetPlatformConfig(ctx, platformAuth, 250, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.InitializeMerchant(ctx, merchantAuth, "m1", common.Address{}, nil); err != nil {
		t.Fatal(err)
	}
	esc := escrow.NewEngine(store, zap.NewNop())
	if _, err := esc.Deposit(ctx, platformAuth, customer, 1_000_000); err != nil {
		t.Fatal(err)
	}
	if _, err := esc.CreatePayment(ctx, customer, "m1", "p1", 1_000_000); err != nil {
		t.Fatal(err)
	}
	if _, err := esc.Claim(ctx, merchantAuth, "p1"); err != nil {
		t.Fatal(err)
	}
	return rdb
}

func runCmd(t *testing.T, rdb *redis.Client, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out, rdb)
	return out.String(), err
}

func TestBalance(t *testing.T) {
	rdb := seeded(t)
	out, err := runCmd(t, rdb, "balance", merchantAuth.Hex())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if strings.TrimSpace(out) != "balance: 975000" {
		t.Errorf("got %q", out)
	}

	if _, err := runCmd(t, rdb, "balance", "nope"); err == nil {
		t.Error("expected usage error for bad address")
	}
}

func TestGet(t *testing.T) {
	rdb := seeded(t)

	out, err := runCmd(t, rdb, "get", "payment", "p1")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if !strings.Contains(out, `"status": "claimed"`) || !strings.Contains(out, escrow.PaymentSlot("p1").Hex()) {
		t.Errorf("unexpected output:\n%s", out)
	}

	if _, err := runCmd(t, rdb, "get", "platform"); err != nil {
		t.Errorf("get platform: %v", err)
	}
	if _, err := runCmd(t, rdb, "get", "receipt", "missing"); err == nil {
		t.Error("expected not found")
	}
	if _, err := runCmd(t, rdb, "get", "widget", "x"); err == nil {
		t.Error("expected unknown kind error")
	}
}

func TestEvents(t *testing.T) {
	rdb := seeded(t)
	out, err := runCmd(t, rdb, "events", "-n", "2")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 events, got %d:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[1], "payment.claimed") {
		t.Errorf("last event: %s", lines[1])
	}
}

func TestDLQ_ListAndRequeue(t *testing.T) {
	rdb := seeded(t)
	ctx := context.Background()
	rdb.RPush(ctx, venue.CommitDLQKey, "a", "b") //nolint:errcheck

	out, err := runCmd(t, rdb, "dlq")
	if err != nil {
		t.Fatalf("dlq: %v", err)
	}
	if !strings.Contains(out, "2 dead-lettered commit(s)") {
		t.Errorf("unexpected output: %s", out)
	}

	if out, err = runCmd(t, rdb, "dlq", "--requeue"); err != nil {
		t.Fatalf("dlq --requeue: %v", err)
	}
	if !strings.Contains(out, "requeued 2") {
		t.Errorf("unexpected output: %s", out)
	}
	if n, _ := rdb.LLen(ctx, venue.CommitQueueKey).Result(); n != 2 {
		t.Errorf("queue length: got %d want 2", n)
	}
	if n, _ := rdb.LLen(ctx, venue.CommitDLQKey).Result(); n != 0 {
		t.Errorf("dlq length: got %d want 0", n)
	}
}

func TestSignCommit_Verifies(t *testing.T) {
	key, _ := crypto.GenerateKey()
	t.Setenv("SETTLR_PRIVATE_KEY", "0x"+common.Bytes2Hex(crypto.FromECDSA(key)))

	out, err := runCmd(t, nil, "sign-commit", "--payment", "r1", "--chain-id", "7")
	if err != nil {
		t.Fatalf("sign-commit: %v", err)
	}
	var c venue.Commit
	if err := json.Unmarshal([]byte(out), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Account != session.ReceiptSlot("r1") {
		t.Errorf("account mismatch")
	}
	if err := (venue.Domain{ChainID: bigInt(7)}).Verify(&c); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	if _, err := runCmd(t, seeded(t), "frobnicate"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := runCmd(t, nil); err == nil {
		t.Fatal("expected missing command error")
	}
}

func bigInt(v int64) *big.Int { return big.NewInt(v) }
