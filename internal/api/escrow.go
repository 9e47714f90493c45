package api

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/0gfoundation/0g-settlr/internal/auth"
	"github.com/0gfoundation/0g-settlr/internal/ledger"
	"github.com/0gfoundation/0g-settlr/internal/registry"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

// ── Platform ─────────────────────────────────────────────────────────────────

type setPlatformRequest struct {
	FeeBps           uint16 `json:"fee_bps"`
	MinPaymentAmount uint64 `json:"min_payment_amount"`
}

func (h *Handler) handleGetPlatform(c *gin.Context) {
	if !bind(c, "platform.read", nil) {
		return
	}
	p, err := h.Registry.Platform(c.Request.Context())
	h.respond(c, "platform.read", p, err)
}

func (h *Handler) handleSetPlatform(c *gin.Context) {
	var req setPlatformRequest
	if !bind(c, "platform.set", &req) {
		return
	}
	p, err := h.Registry.SetPlatformConfig(c.Request.Context(), auth.Caller(c), req.FeeBps, req.MinPaymentAmount)
	h.respond(c, "platform.set", p, err)
}

func (h *Handler) handleTransferAuthority(c *gin.Context) {
	var req struct {
		NewAuthority common.Address `json:"new_authority"`
	}
	if !bind(c, "platform.transfer_authority", &req) {
		return
	}
	err := h.Registry.TransferAuthority(c.Request.Context(), auth.Caller(c), req.NewAuthority)
	h.respond(c, "platform.transfer_authority", gin.H{"authority": req.NewAuthority}, err)
}

func (h *Handler) handleSetPlatformActive(c *gin.Context) {
	var req struct {
		Active bool `json:"active"`
	}
	if !bind(c, "platform.set_active", &req) {
		return
	}
	err := h.Registry.SetPlatformActive(c.Request.Context(), auth.Caller(c), req.Active)
	h.respond(c, "platform.set_active", gin.H{"is_active": req.Active}, err)
}

func (h *Handler) handleSetRefundOwner(c *gin.Context) {
	var req struct {
		RefundOwner common.Address `json:"refund_owner"`
	}
	if !bind(c, "platform.set_refund_owner", &req) {
		return
	}
	err := h.Registry.SetRefundOwner(c.Request.Context(), auth.Caller(c), req.RefundOwner)
	h.respond(c, "platform.set_refund_owner", gin.H{"refund_owner": req.RefundOwner}, err)
}

// handleEvents returns the audit tail to the platform authority.
func (h *Handler) handleEvents(c *gin.Context) {
	if !bind(c, "events.read", nil) {
		return
	}
	n := int64(defaultEventLimit)
	if s := c.Query("n"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v <= 0 || v > maxEventLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "n must be in 1..1000"})
			return
		}
		n = v
	}
	ctx := c.Request.Context()
	p, err := h.Registry.Platform(ctx)
	if err == nil && p.Authority != auth.Caller(c) {
		err = ledger.ErrUnauthorized
	}
	if err != nil {
		h.respond(c, "events.read", nil, err)
		return
	}
	events, err := h.Store.Events(ctx, n)
	h.respond(c, "events.read", events, err)
}

// ── Merchants ────────────────────────────────────────────────────────────────

type initMerchantRequest struct {
	MerchantID string         `json:"merchant_id"`
	Wallet     common.Address `json:"wallet"`
	FeeBps     *uint16        `json:"fee_bps"`
}

type updateMerchantRequest struct {
	FeeBps   *uint16         `json:"fee_bps"`
	ClearFee bool            `json:"clear_fee"`
	Wallet   *common.Address `json:"wallet"`
	IsActive *bool           `json:"is_active"`
}

func (h *Handler) handleInitMerchant(c *gin.Context) {
	var req initMerchantRequest
	if !bind(c, "merchant.init", &req) {
		return
	}
	m, err := h.Registry.InitializeMerchant(c.Request.Context(), auth.Caller(c), req.MerchantID, req.Wallet, req.FeeBps)
	h.respond(c, "merchant.init", m, err)
}

func (h *Handler) handleGetMerchant(c *gin.Context) {
	if !bind(c, "merchant.read", nil) {
		return
	}
	m, err := h.Registry.Merchant(c.Request.Context(), c.Param("id"))
	h.respond(c, "merchant.read", m, err)
}

func (h *Handler) handleUpdateMerchant(c *gin.Context) {
	var req updateMerchantRequest
	if !bind(c, "merchant.update", &req) {
		return
	}
	m, err := h.Registry.UpdateMerchant(c.Request.Context(), auth.Caller(c), c.Param("id"), registry.MerchantUpdate{
		FeeBps:   req.FeeBps,
		ClearFee: req.ClearFee,
		Wallet:   req.Wallet,
		IsActive: req.IsActive,
	})
	h.respond(c, "merchant.update", m, err)
}

// ── Balances / payments ──────────────────────────────────────────────────────

type depositRequest struct {
	Wallet common.Address `json:"wallet"`
	Amount uint64         `json:"amount"`
}

type createPaymentRequest struct {
	PaymentID  string `json:"payment_id"`
	MerchantID string `json:"merchant_id"`
	Amount     uint64 `json:"amount"`
}

type publicPayoutRequest struct {
	PayoutID  string         `json:"payout_id"`
	Recipient common.Address `json:"recipient"`
	Amount    uint64         `json:"amount"`
}

func (h *Handler) handleDeposit(c *gin.Context) {
	var req depositRequest
	if !bind(c, "balance.deposit", &req) {
		return
	}
	bal, err := h.Escrow.Deposit(c.Request.Context(), auth.Caller(c), req.Wallet, req.Amount)
	h.respond(c, "balance.deposit", gin.H{"wallet": req.Wallet, "balance": bal}, err)
}

func (h *Handler) handleGetBalance(c *gin.Context) {
	if !bind(c, "balance.read", nil) {
		return
	}
	addr := c.Param("address")
	if !common.IsHexAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}
	wallet := common.HexToAddress(addr)
	bal, err := h.Escrow.Balance(c.Request.Context(), wallet)
	h.respond(c, "balance.read", gin.H{"wallet": wallet, "balance": bal}, err)
}

func (h *Handler) handleCreatePayment(c *gin.Context) {
	var req createPaymentRequest
	if !bind(c, "payment.create", &req) {
		return
	}
	p, err := h.Escrow.CreatePayment(c.Request.Context(), auth.Caller(c), req.MerchantID, req.PaymentID, req.Amount)
	h.respond(c, "payment.create", p, err)
}

func (h *Handler) handleGetPayment(c *gin.Context) {
	if !bind(c, "payment.read", nil) {
		return
	}
	p, err := h.Escrow.Payment(c.Request.Context(), c.Param("id"))
	h.respond(c, "payment.read", p, err)
}

func (h *Handler) handleClaim(c *gin.Context) {
	if !bind(c, "payment.claim", nil) {
		return
	}
	p, err := h.Escrow.Claim(c.Request.Context(), auth.Caller(c), c.Param("id"))
	h.respond(c, "payment.claim", p, err)
}

func (h *Handler) handleRefund(c *gin.Context) {
	if !bind(c, "payment.refund", nil) {
		return
	}
	p, err := h.Escrow.Refund(c.Request.Context(), auth.Caller(c), c.Param("id"))
	h.respond(c, "payment.refund", p, err)
}

func (h *Handler) handlePublicPayout(c *gin.Context) {
	var req publicPayoutRequest
	if !bind(c, "payout.public", &req) {
		return
	}
	p, err := h.Escrow.ProcessPayout(c.Request.Context(), auth.Caller(c), req.Recipient, req.Amount, req.PayoutID)
	h.respond(c, "payout.public", p, err)
}
