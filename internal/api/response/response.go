// Package response maps service errors to HTTP status codes and JSON bodies.
package response

import (
	"log/slog"
	"net/http"

	"codeverse/internal/identity"

	"github.com/gin-gonic/gin"
)

// KindRateLimited 请求被限流。
const KindRateLimited identity.Kind = "rate_limited"

// Status 返回错误类型对应的 HTTP 状态码。
func Status(kind identity.Kind) int {
	switch kind {
	case identity.KindValidation, identity.KindAlreadyVerified:
		return http.StatusBadRequest
	case identity.KindDuplicateIdentifier:
		return http.StatusConflict
	case identity.KindAccountNotFound:
		return http.StatusNotFound
	case identity.KindInvalidCredentials, identity.KindInvalidCode, identity.KindUnauthorized:
		return http.StatusUnauthorized
	case identity.KindExpiredCode:
		return http.StatusPaymentRequired
	case identity.KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error 写出错误响应。5xx 只返回通用信息，细节写入日志。
func Error(c *gin.Context, logger *slog.Logger, err error) {
	kind := identity.KindOf(err)
	status := Status(kind)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		if logger != nil {
			logger.Error("request failed",
				slog.String("path", c.FullPath()),
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()))
		}
		msg = "internal server error"
	}
	Abort(c, status, kind, msg)
}

// Abort 写出指定状态与错误类型并终止后续处理。
func Abort(c *gin.Context, status int, kind identity.Kind, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": kind})
}
