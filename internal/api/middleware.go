// internal/api/middleware.go
package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Corphon/ProposalPilot/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RateLimiter implements a fixed-window rate limiter keyed by caller
type RateLimiter struct {
	visitors map[string]*Visitor
	mu       sync.RWMutex
	stop     chan struct{}
	stopOnce sync.Once
}

// Visitor represents a client with rate limiting data
type Visitor struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*Visitor),
		stop:     make(chan struct{}),
	}

	// Start cleanup goroutine to remove old entries
	go rl.cleanupLoop(time.Hour)

	return rl
}

func (rl *RateLimiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stop:
			return
		}
	}
}

// cleanup removes visitors whose window has expired
func (rl *RateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, visitor := range rl.visitors {
		if now.After(visitor.Reset) {
			delete(rl.visitors, key)
		}
	}
}

// Stop ends the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Allow checks if a visitor is allowed to make a request
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	visitor, exists := rl.visitors[key]

	if !exists || now.After(visitor.Reset) {
		// New visitor or previous window has expired
		rl.visitors[key] = &Visitor{
			Limit:     limit,
			Remaining: limit - 1,
			Reset:     now.Add(window),
		}
		return true
	}

	if visitor.Remaining <= 0 {
		return false
	}

	visitor.Remaining--
	return true
}

// GetRateLimitHeaders returns the rate limit headers
func (rl *RateLimiter) GetRateLimitHeaders(key string, limit int, window time.Duration) (int, int, int64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	visitor, exists := rl.visitors[key]
	if !exists {
		return limit, limit, time.Now().Add(window).Unix()
	}

	remaining := visitor.Remaining
	if remaining < 0 {
		remaining = 0
	}

	return limit, remaining, visitor.Reset.Unix()
}

// Middleware creates a rate limiting middleware on this limiter
func (rl *RateLimiter) Middleware(limit int, window time.Duration, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFunc(c)
		allowed := rl.Allow(key, limit, window)

		limit, remaining, reset := rl.GetRateLimitHeaders(key, limit, window)
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", reset))

		if !allowed {
			NewResponseHelper().Error(c, http.StatusTooManyRequests, ErrorRateLimited, "Rate limit exceeded")
			c.Abort()
			return
		}

		c.Next()
	}
}

// ByIP applies rate limiting based on client IP address
func (rl *RateLimiter) ByIP(limit int, window time.Duration) gin.HandlerFunc {
	return rl.Middleware(limit, window, func(c *gin.Context) string {
		return c.ClientIP()
	})
}

// ByUser applies rate limiting based on the resolved owner, falling back to IP
func (rl *RateLimiter) ByUser(limit int, window time.Duration) gin.HandlerFunc {
	return rl.Middleware(limit, window, func(c *gin.Context) string {
		if userID, _ := GetUserFromContext(c); userID != "" && userID != GuestUserID {
			return "user:" + userID
		}
		return "ip:" + c.ClientIP()
	})
}

// SubmitRateLimit 提交和演示文稿接口：每分钟 20 次
func (rl *RateLimiter) SubmitRateLimit() gin.HandlerFunc {
	return rl.ByUser(20, time.Minute)
}

// DefaultRateLimit applies general rate limiting for most API endpoints
func (rl *RateLimiter) DefaultRateLimit() gin.HandlerFunc {
	// 自动保存较频繁，放宽到每分钟 300 次
	return rl.ByIP(300, time.Minute)
}

// RequestIDMiddleware 为每个请求分配 request_id
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// MetricsMiddleware 记录每个路由的请求数与耗时
func MetricsMiddleware(metrics *utils.PipelineMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordAPIRequest(route, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}
