package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-settlr/internal/accounting"
	"github.com/0gfoundation/0g-settlr/internal/auth"
	"github.com/0gfoundation/0g-settlr/internal/config"
	"github.com/0gfoundation/0g-settlr/internal/escrow"
	"github.com/0gfoundation/0g-settlr/internal/ledger"
	"github.com/0gfoundation/0g-settlr/internal/payout"
	"github.com/0gfoundation/0g-settlr/internal/registry"
	"github.com/0gfoundation/0g-settlr/internal/session"
	"github.com/0gfoundation/0g-settlr/internal/venue"
)

// OpObserver records the outcome of one operation. *metrics.Metrics
// satisfies it.
type OpObserver interface {
	ObserveOp(op string, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveOp(string, error) {}

// Deps are the components the API drives.
type Deps struct {
	Store      *ledger.Store
	Registry   *registry.Registry
	Escrow     *escrow.Engine
	Sessions   *session.Manager
	Accounting *accounting.Ledger
	Payouts    *payout.Engine
	Redis      *redis.Client
	Domain     venue.Domain
	// Backend selects how POST /receipts issues a private receipt.
	Backend  string
	Observer OpObserver
	Log      *zap.Logger
}

// Handler wires all routes onto a Gin engine.
type Handler struct {
	Deps
}

func NewHandler(d Deps) *Handler {
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	if d.Backend == "" {
		d.Backend = config.BackendVenue
	}
	return &Handler{Deps: d}
}

// Register mounts the wallet-authenticated routes. The auth middleware
// should already be applied to rg.
func (h *Handler) Register(rg *gin.RouterGroup) {
	// ── Platform / merchants ───────────────────────────────────────────────
	rg.GET("/platform", h.handleGetPlatform)
	rg.PUT("/platform", h.handleSetPlatform)
	rg.POST("/platform/authority", h.handleTransferAuthority)
	rg.POST("/platform/active", h.handleSetPlatformActive)
	rg.POST("/platform/refund-owner", h.handleSetRefundOwner)
	rg.POST("/merchants", h.handleInitMerchant)
	rg.GET("/merchants/:id", h.handleGetMerchant)
	rg.PUT("/merchants/:id", h.handleUpdateMerchant)
	rg.GET("/merchants/:id/stats", h.handleGetStats)
	rg.GET("/events", h.handleEvents)

	// ── Escrow ─────────────────────────────────────────────────────────────
	rg.POST("/deposits", h.handleDeposit)
	rg.GET("/balances/:address", h.handleGetBalance)
	rg.POST("/payments", h.handleCreatePayment)
	rg.GET("/payments/:id", h.handleGetPayment)
	rg.POST("/payments/:id/claim", h.handleClaim)
	rg.POST("/payments/:id/refund", h.handleRefund)
	rg.POST("/payouts/public", h.handlePublicPayout)

	// ── Private receipts ───────────────────────────────────────────────────
	rg.POST("/receipts", h.handleIssueReceipt)
	rg.GET("/receipts/:id", h.handleGetReceipt)
	rg.POST("/receipts/:id/delegate", h.venueOnly(h.handleDelegate))
	rg.POST("/receipts/:id/process", h.venueOnly(h.handleProcess))
	rg.POST("/receipts/:id/settle", h.venueOnly(h.handleSettle))

	// ── Private payouts / subscriptions ────────────────────────────────────
	rg.POST("/private-payouts", h.handleInitiatePayout)
	rg.GET("/private-payouts/:id", h.handleGetPayout)
	rg.POST("/private-payouts/:id/complete", h.handleCompletePayout)
	rg.POST("/private-payouts/:id/cancel", h.handleCancelPayout)
	rg.POST("/subscriptions", h.handleCreateSubscription)
	rg.GET("/subscriptions/:id", h.handleGetSubscription)
	rg.POST("/subscriptions/:id/charge", h.subscriptionAction("subscription.charge", h.Payouts.ChargeSubscription))
	rg.POST("/subscriptions/:id/cancel", h.subscriptionAction("subscription.cancel", h.Payouts.CancelSubscription))
	rg.POST("/subscriptions/:id/pause", h.subscriptionAction("subscription.pause", h.Payouts.PauseSubscription))
	rg.POST("/subscriptions/:id/resume", h.subscriptionAction("subscription.resume", h.Payouts.ResumeSubscription))
	rg.POST("/subscriptions/:id/past-due", h.subscriptionAction("subscription.past_due", h.Payouts.MarkPastDue))
}

// RegisterVenue mounts the commit intake. Commits carry their own EIP-712
// signature, so no wallet auth is applied.
func (h *Handler) RegisterVenue(rg *gin.RouterGroup) {
	rg.POST("/commits", h.handleCommit)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// bind checks that the signed request was made for this action (and for the
// :id in the path, if any) and decodes its payload into dst.
func bind(c *gin.Context, action string, dst any) bool {
	sr := auth.Request(c)
	if sr == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return false
	}
	if sr.Action != action {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "signed action mismatch"})
		return false
	}
	if id := c.Param("id"); id != "" && sr.ResourceID != id {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "signed resource mismatch"})
		return false
	}
	if dst == nil || len(sr.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(sr.Payload, dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return false
	}
	return true
}

// respond renders v, or err mapped onto its HTTP status.
func (h *Handler) respond(c *gin.Context, op string, v any, err error) {
	h.Observer.ObserveOp(op, err)
	if err != nil {
		status := ledger.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			h.Log.Error("api: operation failed", zap.String("op", op), zap.Error(err))
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *Handler) venueOnly(next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.Backend != config.BackendVenue {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session operations require the venue backend"})
			return
		}
		next(c)
	}
}
