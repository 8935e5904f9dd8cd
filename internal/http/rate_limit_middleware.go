package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// clientRateLimiterStore holds per-client_id rate limiters with automatic
// cleanup of entries that haven't been touched recently.
type clientRateLimiterStore struct {
	limiters sync.Map // map[string]*clientRateLimiterEntry (client_id -> limiter)
	rps      float64
	burst    int
}

type clientRateLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
	mu         sync.Mutex
}

// ClientRateLimitMiddleware enforces per-client_id rate limiting on the
// authenticate endpoints, keyed by the X-Client-ID header. A request without
// that header (such as /auth/token, which carries client_id in its body) is
// keyed by the client IP instead.
func ClientRateLimitMiddleware(rps float64, burst int, logger *slog.Logger) gin.HandlerFunc {
	store := &clientRateLimiterStore{rps: rps, burst: burst}
	go store.cleanupStale(context.Background(), 5*time.Minute)

	return func(c *gin.Context) {
		clientID := strings.TrimSpace(c.GetHeader("X-Client-ID"))
		if clientID == "" {
			clientID = c.ClientIP()
		}

		limiter := store.getLimiter(clientID)
		if !limiter.Allow() {
			reservation := limiter.Reserve()
			retryAfter := int(reservation.Delay().Seconds())
			reservation.Cancel()

			logger.Debug("client rate limit exceeded",
				slog.String("client_id", clientID),
				slog.Int("retry_after", retryAfter))

			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many authentication requests for this client. Please retry after the specified delay.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *clientRateLimiterStore) getLimiter(key string) *rate.Limiter {
	if val, ok := s.limiters.Load(key); ok {
		entry := val.(*clientRateLimiterEntry)
		entry.mu.Lock()
		entry.lastAccess = time.Now()
		entry.mu.Unlock()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(s.rps), s.burst)
	entry := &clientRateLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	s.limiters.Store(key, entry)
	return limiter
}

func (s *clientRateLimiterStore) cleanupStale(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			threshold := time.Now().Add(-1 * time.Hour)
			s.limiters.Range(func(key, value interface{}) bool {
				entry := value.(*clientRateLimiterEntry)
				entry.mu.Lock()
				stale := entry.lastAccess.Before(threshold)
				entry.mu.Unlock()
				if stale {
					s.limiters.Delete(key)
				}
				return true
			})
		}
	}
}
