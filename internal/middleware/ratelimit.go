package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"pubflow/internal/config"
	"pubflow/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket is a token bucket refilled continuously at ratePerSec.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm // default burst equals a minute worth
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: time.Now(),
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// limiter holds one bucket per client key for a single rule.
type limiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	cfg     config.PathRateLimitConfig
}

func newLimiter(cfg config.PathRateLimitConfig) *limiter {
	return &limiter{buckets: make(map[string]*tokenBucket), cfg: cfg}
}

func (l *limiter) bucket(key string) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b := newBucket(l.cfg.RequestsPerMinute, l.cfg.Burst)
	l.buckets[key] = b
	return b
}

// RateLimit selects per-path limits if configured, otherwise falls back to global.
// Matching is done by the first Paths entry whose Prefix matches the request path.
// Rejections are counted on m under the matched prefix (or "global").
func RateLimit(cfg *config.Config, m *metrics.Metrics) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	var pathLimiters []*limiter
	for _, p := range rl.Paths {
		if p.Enabled && p.RequestsPerMinute > 0 && p.Prefix != "" {
			pathLimiters = append(pathLimiters, newLimiter(p))
		}
	}
	var global *limiter
	if rl.RequestsPerMinute > 0 {
		global = newLimiter(config.PathRateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: rl.RequestsPerMinute,
			Burst:             rl.Burst,
		})
	}

	extractKey := func(c *gin.Context) string {
		if rl.KeyHeader != "" {
			if hVal := c.GetHeader(rl.KeyHeader); hVal != "" {
				// If X-Forwarded-For, take the first IP
				if strings.EqualFold(rl.KeyHeader, "X-Forwarded-For") {
					return strings.TrimSpace(strings.Split(hVal, ",")[0])
				}
				return hVal
			}
		}
		if ip := c.ClientIP(); ip != "" {
			return ip
		}
		return "unknown"
	}

	reject := func(c *gin.Context, prefix, message string) {
		m.IncRateLimitDrop(prefix)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "Too Many Requests",
			"message": message,
		})
	}

	return func(c *gin.Context) {
		key := extractKey(c)
		if rl.KeyHeader != "" && contains(rl.WhitelistKeys, key) {
			c.Next()
			return
		}
		if contains(rl.WhitelistIPs, c.ClientIP()) {
			c.Next()
			return
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		now := time.Now()
		for _, pl := range pathLimiters {
			if strings.HasPrefix(path, pl.cfg.Prefix) {
				if !pl.bucket(key).allow(now) {
					reject(c, pl.cfg.Prefix, "rate limit exceeded (path)")
					return
				}
				c.Next()
				return
			}
		}
		if global != nil && !global.bucket(key).allow(now) {
			reject(c, "global", "rate limit exceeded")
			return
		}
		c.Next()
	}
}

func contains(hay []string, needle string) bool {
	for _, s := range hay {
		if s == needle {
			return true
		}
	}
	return false
}
