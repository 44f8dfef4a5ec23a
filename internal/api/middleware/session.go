package middleware

import (
	"strings"

	"codeverse/internal/api/response"
	"codeverse/internal/identity"

	"github.com/gin-gonic/gin"
)

const (
	// SessionCookie 会话 cookie 名称。
	SessionCookie = "token"

	ctxUserID   = "userID"
	ctxUsername = "username"
)

// SessionValidator 校验会话令牌。
type SessionValidator interface {
	ValidateSession(token string) (*identity.Claims, error)
}

// Session 校验会话令牌（先读 cookie，没有时读 Authorization: Bearer），
// 并将 userID 与 username 写入上下文。缺少令牌返回 401，令牌无效或过期返回 403。
func Session(v SessionValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := v.ValidateSession(tokenFrom(c))
		if err != nil {
			response.Error(c, nil, err)
			return
		}
		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxUsername, claims.Username)
		c.Next()
	}
}

func tokenFrom(c *gin.Context) string {
	if token, err := c.Cookie(SessionCookie); err == nil && token != "" {
		return token
	}
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// UserID 返回 Session 写入的账户 ID。
func UserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

// Username 返回 Session 写入的用户名。
func Username(c *gin.Context) string {
	return c.GetString(ctxUsername)
}
