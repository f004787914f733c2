package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/pharmrag/internal/pkg/errcode"
	"github.com/xxxsen/pharmrag/internal/pkg/response"
)

// rateLimiter allows limit requests per key inside a sliding window. Keys
// combine client ip, user id and route.
type rateLimiter struct {
	mu            sync.Mutex
	window        time.Duration
	limit         int
	last          map[string][]time.Time
	sweepInterval time.Duration
	lastSweep     time.Time
	now           func() time.Time
}

func RateLimit(limit int, window time.Duration) gin.HandlerFunc {
	if limit <= 0 {
		limit = 1
	}
	limiter := &rateLimiter{
		window:        window,
		limit:         limit,
		last:          make(map[string][]time.Time),
		sweepInterval: window,
		now:           time.Now,
	}
	return limiter.handle
}

func (l *rateLimiter) handle(c *gin.Context) {
	if l.window <= 0 {
		c.Next()
		return
	}
	ip := c.ClientIP()
	uid := "0"
	if v, ok := c.Get(ContextUserIDKey); ok {
		if id, ok := v.(string); ok && id != "" {
			uid = id
		}
	}
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	key := strings.Join([]string{ip, uid, path}, "|")

	now := l.now()
	l.mu.Lock()
	if l.sweepInterval > 0 && now.Sub(l.lastSweep) >= l.sweepInterval {
		l.cleanupExpiredLocked(now)
	}
	hits := recent(l.last[key], now.Add(-l.window))
	limit := l.limit
	if limit <= 0 {
		limit = 1
	}
	if len(hits) >= limit {
		l.last[key] = hits
		l.mu.Unlock()
		logutil.GetLogger(c.Request.Context()).Warn("rate limit hit",
			zap.String("ip", ip),
			zap.String("user_id", uid),
			zap.String("path", path),
		)
		response.Abort(c, errcode.ErrTooMany, http.StatusText(http.StatusTooManyRequests))
		return
	}
	l.last[key] = append(hits, now)
	l.mu.Unlock()
	c.Next()
}

// recent drops timestamps not after cutoff. hits is in ascending order.
func recent(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}

func (l *rateLimiter) cleanupExpiredLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	for key, hits := range l.last {
		hits = recent(hits, cutoff)
		if len(hits) == 0 {
			delete(l.last, key)
			continue
		}
		l.last[key] = hits
	}
	l.lastSweep = now
}
