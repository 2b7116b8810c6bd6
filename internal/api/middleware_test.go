package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/AIShowrunner/internal/auth"
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter()
	limiter.now = func() time.Time { return now }

	allowed, visitor := limiter.Allow("ip:1", 2, time.Minute)
	assert.True(t, allowed)
	assert.Equal(t, 1, visitor.Remaining)

	allowed, visitor = limiter.Allow("ip:1", 2, time.Minute)
	assert.True(t, allowed)
	assert.Equal(t, 0, visitor.Remaining)

	allowed, _ = limiter.Allow("ip:1", 2, time.Minute)
	assert.False(t, allowed)

	// 其他 key 独立计数
	allowed, _ = limiter.Allow("ip:2", 2, time.Minute)
	assert.True(t, allowed)

	now = now.Add(61 * time.Second)
	assert.Equal(t, 2, limiter.cleanup())

	allowed, visitor = limiter.Allow("ip:1", 2, time.Minute)
	assert.True(t, allowed)
	assert.Equal(t, 1, visitor.Remaining)
}

func newMiddlewareEngine(middleware ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.Use(middleware...)
	r.GET("/api/whoami", func(c *gin.Context) {
		userID, authenticated := GetUserFromContext(c)
		c.JSON(http.StatusOK, gin.H{"user": userID, "authenticated": authenticated})
	})
	return r
}

func TestAuthMiddlewareGuestMode(t *testing.T) {
	r := newMiddlewareEngine(AuthMiddleware(nil, false))

	w := doRequest(r, http.MethodGet, "/api/whoami", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, AnonymousUser, body["user"])
	assert.Equal(t, false, body["authenticated"])

	w = doRequest(r, http.MethodGet, "/api/whoami", nil, "X-User-ID", "writer-7")
	assert.Equal(t, "writer-7", decode(t, w)["user"])
}

func TestAuthMiddlewareOptionalToken(t *testing.T) {
	tokens, err := auth.NewTokenConfig("secret", time.Hour)
	require.NoError(t, err)
	r := newMiddlewareEngine(AuthMiddleware(tokens, false))

	token, err := auth.GenerateToken("writer-1", tokens)
	require.NoError(t, err)

	w := doRequest(r, http.MethodGet, "/api/whoami", nil, "Authorization", "Bearer "+token, "X-User-ID", "someone-else")
	body := decode(t, w)
	assert.Equal(t, "writer-1", body["user"])
	assert.Equal(t, true, body["authenticated"])

	// 无效令牌退回访客模式
	w = doRequest(r, http.MethodGet, "/api/whoami", nil, "Authorization", "Bearer nope", "X-User-ID", "guest-1")
	body = decode(t, w)
	assert.Equal(t, "guest-1", body["user"])
	assert.Equal(t, false, body["authenticated"])
}

func TestRateLimitByUserKeysAuthenticatedUsers(t *testing.T) {
	tokens, err := auth.NewTokenConfig("secret", time.Hour)
	require.NoError(t, err)
	limiter := NewRateLimiter()
	r := newMiddlewareEngine(AuthMiddleware(tokens, false), RateLimitByUser(limiter, 1, time.Minute))

	first, _ := auth.GenerateToken("writer-1", tokens)
	second, _ := auth.GenerateToken("writer-2", tokens)

	assert.Equal(t, http.StatusOK, doRequest(r, http.MethodGet, "/api/whoami", nil, "Authorization", "Bearer "+first).Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(r, http.MethodGet, "/api/whoami", nil, "Authorization", "Bearer "+first).Code)
	assert.Equal(t, http.StatusOK, doRequest(r, http.MethodGet, "/api/whoami", nil, "Authorization", "Bearer "+second).Code)
}

func TestRequestIDGenerated(t *testing.T) {
	r := newMiddlewareEngine()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/whoami", nil))
	assert.Len(t, w.Header().Get(requestIDHeader), 36)
}

func TestWebSocketManagerCleanup(t *testing.T) {
	manager := NewWebSocketManager(time.Minute)
	status := manager.GetStatus()
	assert.Equal(t, 0, status["total_connections"])
	assert.Equal(t, 60, status["ping_timeout_seconds"])
	assert.Zero(t, manager.CleanupExpiredConnections())
}
