package api

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-settlr/internal/auth"
	"github.com/0gfoundation/0g-settlr/internal/config"
	"github.com/0gfoundation/0g-settlr/internal/payout"
	"github.com/0gfoundation/0g-settlr/internal/session"
	"github.com/0gfoundation/0g-settlr/internal/settler"
	"github.com/0gfoundation/0g-settlr/internal/venue"
)

// ── Private receipts ─────────────────────────────────────────────────────────

// issueReceiptRequest covers both backends: the venue backend reads the
// clear amounts, the fhe backend reads Ciphertext.
type issueReceiptRequest struct {
	PaymentID  string        `json:"payment_id"`
	MerchantID string        `json:"merchant_id"`
	Amount     uint64        `json:"amount"`
	FeeAmount  uint64        `json:"fee_amount"`
	Memo       string        `json:"memo"`
	Ciphertext hexutil.Bytes `json:"ciphertext"`
}

func (h *Handler) handleIssueReceipt(c *gin.Context) {
	var req issueReceiptRequest
	if !bind(c, "receipt.issue", &req) {
		return
	}
	ctx := c.Request.Context()
	if h.Backend == config.BackendFHE {
		r, err := h.Accounting.IssueReceipt(ctx, auth.Caller(c), req.MerchantID, req.PaymentID, req.Ciphertext)
		h.respond(c, "receipt.issue", r, err)
		return
	}
	r, err := h.Sessions.Create(ctx, auth.Caller(c), req.MerchantID, req.PaymentID, req.Amount, req.FeeAmount, req.Memo)
	h.respond(c, "receipt.issue", r, err)
}

func (h *Handler) handleGetReceipt(c *gin.Context) {
	if !bind(c, "receipt.read", nil) {
		return
	}
	ctx := c.Request.Context()
	if h.Backend == config.BackendFHE {
		r, err := h.Accounting.Receipt(ctx, c.Param("id"))
		h.respond(c, "receipt.read", r, err)
		return
	}
	r, err := h.Sessions.ReceiptFor(ctx, auth.Caller(c), c.Param("id"))
	h.respond(c, "receipt.read", r, err)
}

func (h *Handler) handleDelegate(c *gin.Context) {
	if !bind(c, "receipt.delegate", nil) {
		return
	}
	r, err := h.Sessions.Delegate(c.Request.Context(), auth.Caller(c), c.Param("id"))
	h.respond(c, "receipt.delegate", r, err)
}

func (h *Handler) handleProcess(c *gin.Context) {
	if !bind(c, "receipt.process", nil) {
		return
	}
	r, err := h.Sessions.Process(c.Request.Context(), auth.Caller(c), c.Param("id"))
	h.respond(c, "receipt.process", r, err)
}

func (h *Handler) handleSettle(c *gin.Context) {
	if !bind(c, "receipt.settle", nil) {
		return
	}
	r, err := h.Sessions.Settle(c.Request.Context(), auth.Caller(c), c.Param("id"))
	h.respond(c, "receipt.settle", r, err)
}

// handleCommit verifies a venue commit and queues it for the settler.
func (h *Handler) handleCommit(c *gin.Context) {
	var commit venue.Commit
	if err := c.ShouldBindJSON(&commit); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid commit"})
		return
	}
	if commit.Account != session.ReceiptSlot(commit.PaymentID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "commit account does not match payment"})
		return
	}
	if err := h.Domain.Verify(&commit); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid commit signature"})
		return
	}
	if err := settler.Enqueue(c.Request.Context(), h.Redis, &commit); err != nil {
		h.Log.Error("api: enqueue commit", zap.String("payment", commit.PaymentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	h.Observer.ObserveOp("venue.commit", nil)
	c.JSON(http.StatusAccepted, gin.H{"payment_id": commit.PaymentID, "queued": true})
}

// ── Merchant stats ───────────────────────────────────────────────────────────

func (h *Handler) handleGetStats(c *gin.Context) {
	if !bind(c, "stats.read", nil) {
		return
	}
	st, err := h.Accounting.Stats(c.Request.Context(), c.Param("id"))
	h.respond(c, "stats.read", st, err)
}

// ── Private payouts ──────────────────────────────────────────────────────────

type initiatePayoutRequest struct {
	PayoutID    string          `json:"payout_id"`
	MerchantID  string          `json:"merchant_id"`
	Destination common.Address  `json:"destination"`
	Ciphertext  hexutil.Bytes   `json:"ciphertext"`
	RangeProof  hexutil.Bytes   `json:"range_proof"`
	Auditor     *common.Address `json:"auditor"`
}

func (h *Handler) handleInitiatePayout(c *gin.Context) {
	var req initiatePayoutRequest
	if !bind(c, "private_payout.initiate", &req) {
		return
	}
	p, err := h.Payouts.InitiatePayout(c.Request.Context(), auth.Caller(c), payout.InitiateRequest{
		PayoutID:    req.PayoutID,
		MerchantID:  req.MerchantID,
		Destination: req.Destination,
		Ciphertext:  req.Ciphertext,
		RangeProof:  req.RangeProof,
		Auditor:     req.Auditor,
	})
	h.respond(c, "private_payout.initiate", p, err)
}

func (h *Handler) handleGetPayout(c *gin.Context) {
	if !bind(c, "private_payout.read", nil) {
		return
	}
	p, err := h.Payouts.Payout(c.Request.Context(), c.Param("id"))
	h.respond(c, "private_payout.read", p, err)
}

func (h *Handler) handleCompletePayout(c *gin.Context) {
	if !bind(c, "private_payout.complete", nil) {
		return
	}
	p, err := h.Payouts.CompletePayout(c.Request.Context(), auth.Caller(c), c.Param("id"))
	h.respond(c, "private_payout.complete", p, err)
}

func (h *Handler) handleCancelPayout(c *gin.Context) {
	if !bind(c, "private_payout.cancel", nil) {
		return
	}
	p, err := h.Payouts.CancelPayout(c.Request.Context(), auth.Caller(c), c.Param("id"))
	h.respond(c, "private_payout.cancel", p, err)
}

// ── Subscriptions ────────────────────────────────────────────────────────────

type createSubscriptionRequest struct {
	SubscriptionID      string        `json:"subscription_id"`
	MerchantID          string        `json:"merchant_id"`
	Ciphertext          hexutil.Bytes `json:"ciphertext"`
	BillingCycleSeconds int64         `json:"billing_cycle_seconds"`
}

func (h *Handler) handleCreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if !bind(c, "subscription.create", &req) {
		return
	}
	s, err := h.Payouts.CreateSubscription(c.Request.Context(), auth.Caller(c),
		req.MerchantID, req.SubscriptionID, req.Ciphertext, req.BillingCycleSeconds)
	h.respond(c, "subscription.create", s, err)
}

func (h *Handler) handleGetSubscription(c *gin.Context) {
	if !bind(c, "subscription.read", nil) {
		return
	}
	s, err := h.Payouts.Subscription(c.Request.Context(), c.Param("id"))
	h.respond(c, "subscription.read", s, err)
}

type subscriptionOp func(ctx context.Context, caller common.Address, subscriptionID string) (*payout.Subscription, error)

func (h *Handler) subscriptionAction(action string, op subscriptionOp) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !bind(c, action, nil) {
			return
		}
		s, err := op(c.Request.Context(), auth.Caller(c), c.Param("id"))
		h.respond(c, action, s, err)
	}
}
