package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-settlr/internal/accounting"
	"github.com/0gfoundation/0g-settlr/internal/auth"
	"github.com/0gfoundation/0g-settlr/internal/config"
	"github.com/0gfoundation/0g-settlr/internal/coprocessor"
	"github.com/0gfoundation/0g-settlr/internal/escrow"
	"github.com/0gfoundation/0g-settlr/internal/ledger"
	"github.com/0gfoundation/0g-settlr/internal/payout"
	"github.com/0gfoundation/0g-settlr/internal/registry"
	"github.com/0gfoundation/0g-settlr/internal/session"
	"github.com/0gfoundation/0g-settlr/internal/venue"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ── helpers ───────────────────────────────────────────────────────────────────

var testDomain = venue.Domain{ChainID: big.NewInt(16602)}

type testEnv struct {
	router   *gin.Engine
	rdb      *redis.Client
	platform *ecdsa.PrivateKey
	nonce    atomic.Int64
}

func newTestEnv(t *testing.T, backend string) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := ledger.NewStore(rdb, zap.NewNop())

	platformKey := newKey(t)
	acct := accounting.NewLedger(store, coprocessor.NewMock(), zap.NewNop())
	h := NewHandler(Deps{
		Store:      store,
		Registry:   registry.New(store, addrOf(platformKey), zap.NewNop()),
		Escrow:     escrow.NewEngine(store, zap.NewNop()),
		Sessions:   session.NewManager(store, venue.NewMock(), zap.NewNop()),
		Accounting: acct,
		Payouts:    payout.NewEngine(store, acct, common.Address{}, zap.NewNop()),
		Redis:      rdb,
		Domain:     testDomain,
		Backend:    backend,
		Log:        zap.NewNop(),
	})

	r := gin.New()
	h.Register(r.Group("/api", auth.Middleware(rdb, auth.Options{})))
	h.RegisterVenue(r.Group("/venue"))
	return &testEnv{router: r, rdb: rdb, platform: platformKey}
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func addrOf(k *ecdsa.PrivateKey) common.Address { return crypto.PubkeyToAddress(k.PublicKey) }

// call signs payload for action/resource and serves the request.
func (e *testEnv) call(t *testing.T, key *ecdsa.PrivateKey, method, path, action, resource string, payload any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	hdr, err := auth.SignHeaders(auth.SignedRequest{
		Action:     action,
		ExpiresAt:  time.Now().Add(time.Minute).Unix(),
		Nonce:      fmt.Sprintf("n-%d", e.nonce.Add(1)),
		Payload:    raw,
		ResourceID: resource,
	}, key)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(method, path, nil)
	req.Header = hdr
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body) //nolint:errcheck
	return w.Code, body
}

// mustOK fails the test unless the call returns 200.
func (e *testEnv) mustOK(t *testing.T, key *ecdsa.PrivateKey, method, path, action, resource string, payload any) map[string]any {
	t.Helper()
	code, body := e.call(t, key, method, path, action, resource, payload)
	if code != http.StatusOK {
		t.Fatalf("%s %s: expected 200, got %d: %v", method, path, code, body)
	}
	return body
}

// bootstrap creates a 250 bps platform and merchant "m1".
func (e *testEnv) bootstrap(t *testing.T, merchant *ecdsa.PrivateKey) {
	t.Helper()
	e.mustOK(t, e.platform, http.MethodPut, "/api/platform", "platform.set", "",
		map[string]any{"fee_bps": 250, "min_payment_amount": 1})
	e.mustOK(t, merchant, http.MethodPost, "/api/merchants", "merchant.init", "",
		map[string]any{"merchant_id": "m1"})
}

func (e *testEnv) balance(t *testing.T, addr common.Address) float64 {
	t.Helper()
	body := e.mustOK(t, e.platform, http.MethodGet, "/api/balances/"+addr.Hex(), "balance.read", "", nil)
	return body["balance"].(float64)
}

// ── Escrow flow ───────────────────────────────────────────────────────────────

func TestEscrowFlow_ClaimSplitsFee(t *testing.T) {
	e := newTestEnv(t, config.BackendVenue)
	merchant, customer := newKey(t), newKey(t)
	e.bootstrap(t, merchant)

	e.mustOK(t, e.platform, http.MethodPost, "/api/deposits", "balance.deposit", "",
		map[string]any{"wallet": addrOf(customer), "amount": 1_000_000})

	p := e.mustOK(t, customer, http.MethodPost, "/api/payments", "payment.create", "",
		map[string]any{"payment_id": "p1", "merchant_id": "m1", "amount": 1_000_000})
	if p["fee_amount"].(float64) != 25_000 {
		t.Fatalf("fee_amount: got %v", p["fee_amount"])
	}

	p = e.mustOK(t, merchant, http.MethodPost, "/api/payments/p1/claim", "payment.claim", "p1", nil)
	if p["status"] != string(escrow.PaymentClaimed) {
		t.Errorf("status: got %v", p["status"])
	}
	if got := e.balance(t, addrOf(merchant)); got != 975_000 {
		t.Errorf("merchant balance: got %v want 975000", got)
	}
	if got := e.balance(t, ledger.PlatformTreasury()); got != 25_000 {
		t.Errorf("treasury balance: got %v want 25000", got)
	}

	// Refund after claim is a conflict.
	code, _ := e.call(t, e.platform, http.MethodPost, "/api/payments/p1/refund", "payment.refund", "p1", nil)
	if code != http.StatusConflict {
		t.Errorf("refund after claim: got %d want 409", code)
	}
}

// ── Error mapping ─────────────────────────────────────────────────────────────

func TestErrors_MappedToStatus(t *testing.T) {
	e := newTestEnv(t, config.BackendVenue)
	merchant, customer, stranger := newKey(t), newKey(t), newKey(t)
	e.bootstrap(t, merchant)

	code, body := e.call(t, customer, http.MethodGet, "/api/payments/nope", "payment.read", "nope", nil)
	if code != http.StatusNotFound {
		t.Errorf("missing payment: got %d %v", code, body)
	}

	code, _ = e.call(t, customer, http.MethodPost, "/api/payments", "payment.create", "",
		map[string]any{"payment_id": "p1", "merchant_id": "m1", "amount": 10})
	if code != http.StatusPaymentRequired {
		t.Errorf("unfunded payment: got %d want 402", code)
	}

	code, _ = e.call(t, stranger, http.MethodPut, "/api/platform", "platform.set", "",
		map[string]any{"fee_bps": 1})
	if code != http.StatusForbidden {
		t.Errorf("stranger sets platform: got %d want 403", code)
	}

	code, _ = e.call(t, merchant, http.MethodPost, "/api/merchants", "merchant.init", "",
		map[string]any{"merchant_id": ""})
	if code != http.StatusBadRequest {
		t.Errorf("empty merchant id: got %d want 400", code)
	}

	e.mustOK(t, e.platform, http.MethodPost, "/api/platform/active", "platform.set_active", "",
		map[string]any{"active": false})
	code, _ = e.call(t, customer, http.MethodPost, "/api/payments", "payment.create", "",
		map[string]any{"payment_id": "p2", "merchant_id": "m1", "amount": 10})
	if code != http.StatusServiceUnavailable {
		t.Errorf("inactive platform: got %d want 503", code)
	}
}

func TestBind_RejectsMismatchedSignature(t *testing.T) {
	e := newTestEnv(t, config.BackendVenue)
	merchant := newKey(t)
	e.bootstrap(t, merchant)

	// Signed for a different action.
	code, body := e.call(t, merchant, http.MethodPost, "/api/payments/p1/claim", "payment.refund", "p1", nil)
	if code != http.StatusUnauthorized || body["error"] != "signed action mismatch" {
		t.Errorf("action mismatch: got %d %v", code, body)
	}
	// Signed for a different resource.
	code, body = e.call(t, merchant, http.MethodPost, "/api/payments/p1/claim", "payment.claim", "p2", nil)
	if code != http.StatusUnauthorized || body["error"] != "signed resource mismatch" {
		t.Errorf("resource mismatch: got %d %v", code, body)
	}
}

func TestEvents_PlatformAuthorityOnly(t *testing.T) {
	e := newTestEnv(t, config.BackendVenue)
	merchant := newKey(t)
	e.bootstrap(t, merchant)

	code, _ := e.call(t, merchant, http.MethodGet, "/api/events", "events.read", "", nil)
	if code != http.StatusForbidden {
		t.Errorf("merchant reads events: got %d want 403", code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/events?n=10", nil)
	hdr, _ := auth.SignHeaders(auth.SignedRequest{
		Action: "events.read", ExpiresAt: time.Now().Add(time.Minute).Unix(), Nonce: "ev-1",
	}, e.platform)
	req.Header = hdr
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("platform reads events: got %d %s", w.Code, w.Body.String())
	}
	var events []ledger.Event
	if err := json.Unmarshal(w.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) < 2 {
		t.Errorf("expected platform and merchant events, got %d", len(events))
	}
}

// ── Venue-backed receipts ─────────────────────────────────────────────────────

func TestReceipts_VenueLifecycle(t *testing.T) {
	e := newTestEnv(t, config.BackendVenue)
	merchant, customer := newKey(t), newKey(t)
	e.bootstrap(t, merchant)

	e.mustOK(t, customer, http.MethodPost, "/api/receipts", "receipt.issue", "",
		map[string]any{"payment_id": "r1", "merchant_id": "m1", "amount": 1000, "fee_amount": 25, "memo": "order"})
	e.mustOK(t, customer, http.MethodPost, "/api/receipts/r1/delegate", "receipt.delegate", "r1", nil)

	// Settling before processing is rejected under strict settle.
	code, _ := e.call(t, customer, http.MethodPost, "/api/receipts/r1/settle", "receipt.settle", "r1", nil)
	if code != http.StatusConflict {
		t.Errorf("settle before process: got %d want 409", code)
	}

	e.mustOK(t, customer, http.MethodPost, "/api/receipts/r1/process", "receipt.process", "r1", nil)
	r := e.mustOK(t, customer, http.MethodPost, "/api/receipts/r1/settle", "receipt.settle", "r1", nil)
	if r["status"] != string(session.StatusSettled) || r["is_delegated"] != false {
		t.Errorf("unexpected settled receipt: %v", r)
	}

	code, _ = e.call(t, customer, http.MethodPost, "/api/receipts/r1/settle", "receipt.settle", "r1", nil)
	if code != http.StatusConflict {
		t.Errorf("re-settle: got %d want 409", code)
	}
}

func TestReceipts_ReadLimitedToParties(t *testing.T) {
	e := newTestEnv(t, config.BackendVenue)
	merchant, customer, stranger := newKey(t), newKey(t), newKey(t)
	e.bootstrap(t, merchant)

	e.mustOK(t, customer, http.MethodPost, "/api/receipts", "receipt.issue", "",
		map[string]any{"payment_id": "r1", "merchant_id": "m1", "amount": 1000, "fee_amount": 25, "memo": "secret order"})
	e.mustOK(t, customer, http.MethodPost, "/api/receipts/r1/delegate", "receipt.delegate", "r1", nil)

	code, body := e.call(t, stranger, http.MethodGet, "/api/receipts/r1", "receipt.read", "r1", nil)
	if code != http.StatusForbidden {
		t.Fatalf("stranger read: got %d want 403", code)
	}
	if _, leaked := body["amount"]; leaked {
		t.Errorf("stranger saw receipt contents: %v", body)
	}

	for name, key := range map[string]*ecdsa.PrivateKey{"customer": customer, "merchant": merchant, "platform": e.platform} {
		r := e.mustOK(t, key, http.MethodGet, "/api/receipts/r1", "receipt.read", "r1", nil)
		if r["memo"] != "secret order" {
			t.Errorf("%s read: %v", name, r)
		}
	}
}

func TestVenueCommit_Intake(t *testing.T) {
	e := newTestEnv(t, config.BackendVenue)
	owner := newKey(t)

	post := func(c *venue.Commit) int {
		raw, _ := json.Marshal(c)
		req := httptest.NewRequest(http.MethodPost, "/venue/commits", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		e.router.ServeHTTP(w, req)
		return w.Code
	}

	c := &venue.Commit{PaymentID: "r1", Account: session.ReceiptSlot("r1"), Owner: addrOf(owner), CommittedAt: 100}
	if err := testDomain.Sign(c, owner); err != nil {
		t.Fatal(err)
	}
	if code := post(c); code != http.StatusAccepted {
		t.Fatalf("valid commit: got %d want 202", code)
	}
	if n, _ := e.rdb.LLen(context.Background(), venue.CommitQueueKey).Result(); n != 1 {
		t.Errorf("queue length: got %d want 1", n)
	}

	forged := *c
	forged.Owner = addrOf(newKey(t))
	if code := post(&forged); code != http.StatusUnauthorized {
		t.Errorf("forged commit: got %d want 401", code)
	}

	wrongAccount := *c
	wrongAccount.Account = session.ReceiptSlot("other")
	if code := post(&wrongAccount); code != http.StatusBadRequest {
		t.Errorf("mismatched account: got %d want 400", code)
	}
}

// ── FHE-backed receipts ───────────────────────────────────────────────────────

func TestReceipts_FHEBackend(t *testing.T) {
	e := newTestEnv(t, config.BackendFHE)
	merchant, customer := newKey(t), newKey(t)
	e.bootstrap(t, merchant)

	r := e.mustOK(t, customer, http.MethodPost, "/api/receipts", "receipt.issue", "",
		map[string]any{"payment_id": "f1", "merchant_id": "m1", "ciphertext": "0x0102"})
	if r["encrypted_amount_handle"] == nil || r["encrypted_amount_handle"] == "" {
		t.Errorf("missing handle: %v", r)
	}

	stats := e.mustOK(t, merchant, http.MethodGet, "/api/merchants/m1/stats", "stats.read", "m1", nil)
	if stats["transaction_count"].(float64) != 1 {
		t.Errorf("transaction_count: got %v", stats["transaction_count"])
	}

	code, _ := e.call(t, customer, http.MethodPost, "/api/receipts/f1/delegate", "receipt.delegate", "f1", nil)
	if code != http.StatusBadRequest {
		t.Errorf("delegate under fhe backend: got %d want 400", code)
	}

	code, _ = e.call(t, customer, http.MethodPost, "/api/receipts", "receipt.issue", "",
		map[string]any{"payment_id": "f2", "merchant_id": "m1"})
	if code != http.StatusBadRequest {
		t.Errorf("empty ciphertext: got %d want 400", code)
	}
}

// ── Payouts / subscriptions ───────────────────────────────────────────────────

func TestPrivatePayoutAndSubscription(t *testing.T) {
	e := newTestEnv(t, config.BackendFHE)
	merchant, customer := newKey(t), newKey(t)
	e.bootstrap(t, merchant)

	e.mustOK(t, merchant, http.MethodPost, "/api/private-payouts", "private_payout.initiate", "",
		map[string]any{"payout_id": "po1", "merchant_id": "m1", "ciphertext": "0x05"})
	p := e.mustOK(t, merchant, http.MethodPost, "/api/private-payouts/po1/complete", "private_payout.complete", "po1", nil)
	if p["status"] != string(payout.PayoutCompleted) {
		t.Errorf("payout status: got %v", p["status"])
	}
	code, _ := e.call(t, merchant, http.MethodPost, "/api/private-payouts/po1/cancel", "private_payout.cancel", "po1", nil)
	if code != http.StatusConflict {
		t.Errorf("cancel completed payout: got %d want 409", code)
	}

	e.mustOK(t, customer, http.MethodPost, "/api/subscriptions", "subscription.create", "",
		map[string]any{"subscription_id": "s1", "merchant_id": "m1", "ciphertext": "0x0a", "billing_cycle_seconds": 2_592_000})
	code, body := e.call(t, merchant, http.MethodPost, "/api/subscriptions/s1/charge", "subscription.charge", "s1", nil)
	if code != http.StatusConflict {
		t.Errorf("early charge: got %d %v", code, body)
	}
	code, _ = e.call(t, merchant, http.MethodPost, "/api/subscriptions/s1/past-due", "subscription.past_due", "s1", nil)
	if code != http.StatusConflict {
		t.Errorf("past-due before due date: got %d want 409", code)
	}
	code, _ = e.call(t, customer, http.MethodPost, "/api/subscriptions/s1/past-due", "subscription.past_due", "s1", nil)
	if code != http.StatusForbidden {
		t.Errorf("customer past-due: got %d want 403", code)
	}
	s := e.mustOK(t, customer, http.MethodPost, "/api/subscriptions/s1/pause", "subscription.pause", "s1", nil)
	if s["status"] != string(payout.SubscriptionPaused) {
		t.Errorf("pause: got %v", s["status"])
	}
	e.mustOK(t, customer, http.MethodPost, "/api/subscriptions/s1/resume", "subscription.resume", "s1", nil)
	s = e.mustOK(t, customer, http.MethodPost, "/api/subscriptions/s1/cancel", "subscription.cancel", "s1", nil)
	if s["status"] != string(payout.SubscriptionCancelled) {
		t.Errorf("cancel: got %v", s["status"])
	}
}
