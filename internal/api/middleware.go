// internal/api/middleware.go
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Corphon/AIShowrunner/internal/utils"
)

const (
	requestIDKey    = "request_id"
	requestIDHeader = "X-Request-ID"
)

// RateLimiter 固定窗口限流，按 key 计数
type RateLimiter struct {
	visitors map[string]*Visitor
	mu       sync.Mutex
	now      func() time.Time
}

// Visitor represents a client with rate limiting data
type Visitor struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*Visitor),
		now:      time.Now,
	}
}

// StartCleanup 定期删除窗口已过期的访问者
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup()
			}
		}
	}()
}

func (rl *RateLimiter) cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, visitor := range rl.visitors {
		if now.After(visitor.Reset) {
			delete(rl.visitors, key)
			removed++
		}
	}
	return removed
}

// Allow 判断请求是否放行，同时返回当前窗口的剩余次数和重置时间
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) (bool, Visitor) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	visitor, exists := rl.visitors[key]
	if !exists || now.After(visitor.Reset) {
		visitor = &Visitor{Limit: limit, Remaining: limit - 1, Reset: now.Add(window)}
		rl.visitors[key] = visitor
		return true, *visitor
	}

	if visitor.Remaining <= 0 {
		return false, *visitor
	}
	visitor.Remaining--
	return true, *visitor
}

// RateLimitMiddleware creates a rate limiting middleware
func RateLimitMiddleware(limiter *RateLimiter, limit int, window time.Duration, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 {
			c.Next()
			return
		}

		allowed, visitor := limiter.Allow(keyFunc(c), limit, window)
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", visitor.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", max(visitor.Remaining, 0)))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", visitor.Reset.Unix()))

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, &APIResponse{
				Success:   false,
				Error:     &APIError{Code: ErrorRateLimited, Message: "Rate limit exceeded"},
				Timestamp: time.Now(),
				RequestID: c.GetString(requestIDKey),
			})
			return
		}
		c.Next()
	}
}

// RateLimitByUser 优先按认证用户限流，否则按 IP
func RateLimitByUser(limiter *RateLimiter, limit int, window time.Duration) gin.HandlerFunc {
	return RateLimitMiddleware(limiter, limit, window, func(c *gin.Context) string {
		if userID, authenticated := GetUserFromContext(c); authenticated {
			return "user:" + userID
		}
		return "ip:" + c.ClientIP()
	})
}

// RequestIDMiddleware 复用客户端传入的请求 ID，没有时生成 UUID
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

// MetricsMiddleware 记录请求耗时和状态码
func MetricsMiddleware(metrics *utils.APIMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordAPIRequest(endpoint, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID, X-User-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
