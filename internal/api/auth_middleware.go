// internal/api/auth_middleware.go
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/AIShowrunner/internal/auth"
	"github.com/Corphon/AIShowrunner/internal/utils"
)

const (
	userIDKey            = "user_id"
	userAuthenticatedKey = "user_authenticated"
	userIDHeader         = "X-User-ID"

	// AnonymousUser 未提供任何身份时使用
	AnonymousUser = "anonymous"
)

// AuthMiddleware 解析 Bearer 令牌得到用户 ID。
// tokens 为 nil 时不校验令牌，仅读取 X-User-ID；required 为 true 时拒绝无效或缺失的令牌。
func AuthMiddleware(tokens *auth.TokenConfig, required bool) gin.HandlerFunc {
	logger := utils.GetLogger()
	return func(c *gin.Context) {
		if isPublicEndpoint(c) {
			c.Next()
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if token != "" && tokens != nil {
			parsed, err := auth.ParseToken(token, tokens)
			if err == nil {
				c.Set(userIDKey, parsed.UserID)
				c.Set(userAuthenticatedKey, true)
				c.Next()
				return
			}
			logger.Warn("无效的认证令牌", map[string]interface{}{
				"path":  c.Request.URL.Path,
				"error": err.Error(),
			})
			if required {
				abortUnauthorized(c, "invalid or expired token")
				return
			}
		}

		if required && tokens != nil {
			abortUnauthorized(c, "authentication required")
			return
		}

		// 访客模式：信任调用方的 X-User-ID
		userID := strings.TrimSpace(c.GetHeader(userIDHeader))
		if userID == "" {
			userID = AnonymousUser
		}
		c.Set(userIDKey, userID)
		c.Set(userAuthenticatedKey, false)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, &APIResponse{
		Success:   false,
		Error:     &APIError{Code: ErrorUnauthorized, Message: message},
		Timestamp: time.Now(),
		RequestID: c.GetString(requestIDKey),
	})
}

// isPublicEndpoint checks if the current endpoint should skip authentication
func isPublicEndpoint(c *gin.Context) bool {
	switch c.Request.URL.Path {
	case "/health", "/api/llm/status", "/api/llm/providers":
		return true
	}
	return false
}

// GetUserFromContext retrieves the authenticated user from the context
func GetUserFromContext(c *gin.Context) (string, bool) {
	userID := c.GetString(userIDKey)
	if userID == "" {
		return AnonymousUser, false
	}
	return userID, c.GetBool(userAuthenticatedKey)
}
