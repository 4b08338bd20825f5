package api

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// ──────────────────────────────────────────────────────────────────────
// Per-IP Token Bucket Rate Limiter
//
// The ops API sits next to dashboards and monitoring scrapers; a runaway
// client polling /stats must not starve the breaker-override endpoints.
// Each client IP refills at ratePerMin/60 tokens per second up to a burst
// ceiling, and an empty bucket answers 429 with a Retry-After header.
//
// Idle entries are swept inline during allow() rather than by a background
// goroutine, so the limiter needs no lifecycle management.
// ──────────────────────────────────────────────────────────────────────

const (
	bucketIdleEvict = 10 * time.Minute
	sweepEvery      = time.Minute
)

type clientBucket struct {
	tokens float64
	seen   time.Time
}

// RateLimiter applies a per-IP token bucket to every request and keeps
// lifetime accept/reject counters for the stats endpoint.
type RateLimiter struct {
	perSec     float64
	capacity   float64
	ratePerMin int

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time

	Allowed atomic.Int64
	Limited atomic.Int64
}

// NewRateLimiter allows ratePerMin requests per minute per IP with bursts
// of up to burst requests.
func NewRateLimiter(ratePerMin, burst int) *RateLimiter {
	return &RateLimiter{
		perSec:     float64(ratePerMin) / 60.0,
		capacity:   float64(burst),
		ratePerMin: ratePerMin,
		clients:    make(map[string]*clientBucket),
		lastSweep:  time.Now(),
	}
}

// allow refills the caller's bucket for the time elapsed since its last
// request and spends one token. On refusal it reports how long until the
// next token exists.
func (rl *RateLimiter) allow(ip string, now time.Time) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= sweepEvery {
		rl.sweepLocked(now)
	}

	b, ok := rl.clients[ip]
	if !ok {
		b = &clientBucket{tokens: rl.capacity, seen: now}
		rl.clients[ip] = b
	}

	b.tokens = min(rl.capacity, b.tokens+now.Sub(b.seen).Seconds()*rl.perSec)
	b.seen = now

	if b.tokens < 1.0 {
		wait := (1.0 - b.tokens) / rl.perSec
		return false, time.Duration(wait * float64(time.Second))
	}
	b.tokens--
	return true, 0
}

// sweepLocked drops buckets idle past bucketIdleEvict. Caller holds rl.mu.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	for ip, b := range rl.clients {
		if now.Sub(b.seen) > bucketIdleEvict {
			delete(rl.clients, ip)
		}
	}
	rl.lastSweep = now
}

// Middleware returns a Gin handler enforcing the limit. Retry-After is
// whole seconds, rounded up so clients never retry early.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retryAfter := rl.allow(c.ClientIP(), time.Now())
		if !ok {
			rl.Limited.Add(1)
			seconds := int64(retryAfter/time.Second) + 1
			c.Header("Retry-After", strconv.FormatInt(seconds, 10))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"retryAfter": retryAfter.String(),
				"limit":      strconv.Itoa(rl.ratePerMin) + " requests/minute per IP",
			})
			c.Abort()
			return
		}
		rl.Allowed.Add(1)
		c.Next()
	}
}
