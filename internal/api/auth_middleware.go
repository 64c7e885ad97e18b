// internal/api/auth_middleware.go
package api

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// GuestUserID 未带身份的请求统一视为控制台用户
const GuestUserID = "console_user"

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)

// IdentityMiddleware resolves the session owner from X-User-ID.
// Missing or malformed identities fall back to console_user so the console works without a login.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if userID == "" {
			// WebSocket 客户端无法自定义请求头
			userID = strings.TrimSpace(c.Query("user_id"))
		}

		if userID == "" || !identifierPattern.MatchString(userID) {
			c.Set("user_id", GuestUserID)
			c.Set("user_authenticated", false)
			c.Next()
			return
		}

		c.Set("user_id", userID)
		c.Set("user_authenticated", true)
		c.Next()
	}
}

// RequireWorkspace rejects requests whose workspace id cannot be used as a storage key
func RequireWorkspace() gin.HandlerFunc {
	return func(c *gin.Context) {
		workspaceID := c.Param("workspace_id")
		if !identifierPattern.MatchString(workspaceID) {
			NewResponseHelper().Error(c, http.StatusBadRequest, ErrorWorkspaceMissing, "无效的工作区ID")
			c.Abort()
			return
		}
		c.Next()
	}
}

// GetUserFromContext retrieves the resolved owner from the context
func GetUserFromContext(c *gin.Context) (string, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		return "", false
	}

	userIDStr, ok := userID.(string)
	if !ok || userIDStr == "" {
		return "", false
	}

	if authenticatedVal, exists := c.Get("user_authenticated"); exists {
		if authenticated, ok := authenticatedVal.(bool); ok {
			return userIDStr, authenticated
		}
	}

	return userIDStr, false
}
