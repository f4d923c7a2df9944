// Package ratelimit implements the ingest and privacy endpoint rate
// limiting rules, grounded on original_source's sb_common.rate_limit
// but backed by golang.org/x/time/rate instead of a hand-rolled
// fixed-window counter.
package ratelimit

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/sb-analytics/pipeline/internal/metrics"
)

var rateSpecPattern = regexp.MustCompile(`^\s*(\d+)\s*/\s*(\d+)([smh]?)\s*$`)

// ParseRate parses a spec like "120/60", "100/1m", "10/1h": allow
// `limit` requests per window.
func ParseRate(spec string) (limit int, window time.Duration, err error) {
	m := rateSpecPattern.FindStringSubmatch(spec)
	if m == nil {
		return 0, 0, fmt.Errorf("ratelimit: invalid rate spec %q", spec)
	}
	limit, _ = strconv.Atoi(m[1])
	amount, _ := strconv.Atoi(m[2])
	unit := m[3]
	if unit == "" {
		unit = "s"
	}
	mult := map[string]time.Duration{"s": time.Second, "m": time.Minute, "h": time.Hour}[unit]
	window = time.Duration(amount) * mult
	if limit <= 0 || window <= 0 {
		return 0, 0, fmt.Errorf("ratelimit: invalid rate spec %q", spec)
	}
	return limit, window, nil
}

// keyedLimiter holds one token-bucket limiter per rate-limit key
// (client IP, prefixed with app_uuid when the request carries one,
// scoped to method+path), evicting entries that
// have gone idle so the map doesn't grow without bound.
type keyedLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*entry
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const idleEviction = 10 * time.Minute

func newKeyedLimiter(count int, window time.Duration) *keyedLimiter {
	return &keyedLimiter{
		limit:    rate.Every(window / time.Duration(count)),
		burst:    count,
		limiters: make(map[string]*entry),
	}
}

func (k *keyedLimiter) allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	for k2, e := range k.limiters {
		if now.Sub(e.lastSeen) > idleEviction {
			delete(k.limiters, k2)
		}
	}

	e, ok := k.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

// requestKey mirrors _rate_limit_key: the client IP, combined with an
// explicit app_uuid (header or query) when one is present, scoped to
// method+path so distinct endpoints don't share a budget.
func requestKey(c *gin.Context) string {
	appUUID := c.GetHeader("X-App-Uuid")
	if appUUID == "" {
		appUUID = c.Query("app_uuid")
	}
	ip := c.ClientIP()
	if appUUID != "" {
		return fmt.Sprintf("%s:%s:%s:%s", appUUID, ip, c.Request.Method, c.FullPath())
	}
	return fmt.Sprintf("%s:%s:%s", ip, c.Request.Method, c.FullPath())
}

// Middleware returns a gin.HandlerFunc enforcing spec on every request
// it's mounted against. A no-op when enabled is false.
func Middleware(enabled bool, spec string) (gin.HandlerFunc, error) {
	if !enabled {
		return func(c *gin.Context) { c.Next() }, nil
	}

	limit, window, err := ParseRate(spec)
	if err != nil {
		return nil, err
	}
	kl := newKeyedLimiter(limit, window)

	return func(c *gin.Context) {
		if !kl.allow(requestKey(c)) {
			metrics.IncRateLimitExceeded(c.FullPath(), c.Request.Method)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}, nil
}
