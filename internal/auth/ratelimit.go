package auth

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

// idleTTL is how long an unused wallet limiter is kept.
const idleTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter applies a token bucket per wallet.
type Limiter struct {
	mu       sync.Mutex
	perSec   rate.Limit
	burst    int
	visitors map[common.Address]*visitor
	now      func() time.Time
}

func NewLimiter(perSec float64, burst int) *Limiter {
	if perSec <= 0 {
		perSec = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		perSec:   rate.Limit(perSec),
		burst:    burst,
		visitors: make(map[common.Address]*visitor),
		now:      time.Now,
	}
}

// Allow reports whether wallet may make another request now.
func (l *Limiter) Allow(wallet common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.visitors[wallet]
	if !ok {
		l.evictIdle(now)
		v = &visitor{limiter: rate.NewLimiter(l.perSec, l.burst)}
		l.visitors[wallet] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// evictIdle drops limiters unused for idleTTL. Caller holds mu.
func (l *Limiter) evictIdle(now time.Time) {
	for addr, v := range l.visitors {
		if now.Sub(v.lastSeen) > idleTTL {
			delete(l.visitors, addr)
		}
	}
}
