package auth

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
// Payload carries the operation's arguments so they are covered by the
// signature.
type SignedRequest struct {
	Action     string          `json:"action"`
	ExpiresAt  int64           `json:"expires_at"`
	Nonce      string          `json:"nonce"`
	Payload    json.RawMessage `json:"payload"`
	ResourceID string          `json:"resource_id"`
}

// Gin context keys set by Middleware.
const (
	walletKey  = "wallet_address"
	requestKey = "signed_request"
)

const (
	defaultFutureWindow = 5 * time.Minute
	maxNonceLen         = 128
)

// Options tunes Middleware.
type Options struct {
	// FutureWindow caps how far ahead expires_at may be.
	FutureWindow time.Duration
	// Limiter, when set, rate-limits each authenticated wallet.
	Limiter *Limiter
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Middleware returns a Gin handler that validates EIP-191 wallet signatures.
// Nonces are single-use per wallet until the request expires.
func Middleware(rdb *redis.Client, opts Options) gin.HandlerFunc {
	if opts.FutureWindow <= 0 {
		opts.FutureWindow = defaultFutureWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return func(c *gin.Context) {
		walletAddr := c.GetHeader("X-Wallet-Address")
		signedMsgB64 := c.GetHeader("X-Signed-Message")
		sigHex := c.GetHeader("X-Wallet-Signature")

		if walletAddr == "" || signedMsgB64 == "" || sigHex == "" {
			abort(c, http.StatusUnauthorized, "missing auth headers")
			return
		}
		if !common.IsHexAddress(walletAddr) {
			abort(c, http.StatusUnauthorized, "invalid X-Wallet-Address")
			return
		}
		wallet := common.HexToAddress(walletAddr)

		msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid X-Signed-Message encoding")
			return
		}

		var req SignedRequest
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			abort(c, http.StatusUnauthorized, "invalid signed message JSON")
			return
		}
		if req.Nonce == "" || len(req.Nonce) > maxNonceLen {
			abort(c, http.StatusUnauthorized, "invalid nonce")
			return
		}

		now := opts.Now().Unix()
		if req.ExpiresAt <= now {
			abort(c, http.StatusUnauthorized, "request expired")
			return
		}
		if req.ExpiresAt > now+int64(opts.FutureWindow.Seconds()) {
			abort(c, http.StatusUnauthorized, "expires_at too far in future")
			return
		}

		sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid signature hex")
			return
		}
		recovered, err := Recover(msgBytes, sig)
		if err != nil || recovered != wallet {
			abort(c, http.StatusUnauthorized, "invalid signature")
			return
		}

		if opts.Limiter != nil && !opts.Limiter.Allow(wallet) {
			abort(c, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		// Nonce dedup via Redis SET NX
		nonceKey := "nonce:" + wallet.Hex() + ":" + req.Nonce
		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		set, err := rdb.SetNX(c.Request.Context(), nonceKey, 1, ttl).Result()
		if err != nil {
			abort(c, http.StatusInternalServerError, "internal error")
			return
		}
		if !set {
			abort(c, http.StatusUnauthorized, "nonce already used")
			return
		}

		c.Set(walletKey, wallet)
		c.Set(requestKey, &req)
		c.Next()
	}
}

// Caller returns the authenticated wallet.
func Caller(c *gin.Context) common.Address {
	v, _ := c.Get(walletKey)
	addr, _ := v.(common.Address)
	return addr
}

// Request returns the verified signed request, or nil outside Middleware.
func Request(c *gin.Context) *SignedRequest {
	v, _ := c.Get(requestKey)
	req, _ := v.(*SignedRequest)
	return req
}

func abort(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}
