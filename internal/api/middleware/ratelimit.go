package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"codeverse/internal/api/response"
	"codeverse/internal/pkg/metrics"
	"codeverse/internal/pkg/ratelimit"

	"github.com/gin-gonic/gin"
)

const rateLimitTimeout = 500 * time.Millisecond

// Limiter 非阻塞限流判断。
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// RateLimit limits requests per client IP within scope. Redis errors let the
// request through.
func RateLimit(l Limiter, scope string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), rateLimitTimeout)
		d, err := l.Allow(ctx, scope+":"+c.ClientIP())
		cancel()
		if err != nil {
			if logger != nil {
				logger.Warn("rate limiter unavailable",
					slog.String("scope", scope),
					slog.String("error", err.Error()))
			}
			c.Next()
			return
		}
		if !d.Allowed {
			metrics.RateLimitRejectedTotal.WithLabelValues(scope).Inc()
			c.Header("Retry-After", strconv.Itoa(retrySeconds(d.RetryAfter)))
			response.Abort(c, http.StatusTooManyRequests, response.KindRateLimited, "too many requests")
			return
		}
		c.Next()
	}
}

func retrySeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
