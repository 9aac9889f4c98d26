package middleware

import (
	"math"
	"strconv"

	"github.com/GoPolymarket/accountgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/accountgate/internal/service"
	"github.com/gin-gonic/gin"
)

// RateLimitMiddleware throttles API calls per caller. It guards the gate API
// itself; exchange request budgets are enforced by service.RateLimiter.
func RateLimitMiddleware(users *service.UserDirectory) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 必须在 AuthMiddleware 之后使用
		user, ok := CurrentUser(c)
		if !ok {
			abortWith(c, apperrors.New(apperrors.ErrAuthFailed, "unauthorized", nil))
			return
		}

		limiter := users.LimiterFor(user.ID)
		if limiter == nil {
			c.Next()
			return
		}

		r := limiter.Reserve()
		if !r.OK() {
			abortWith(c, apperrors.New(apperrors.ErrRateLimited, "rate limit exceeded", nil))
			return
		}
		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			retry := int(math.Ceil(delay.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retry))
			abortWith(c, apperrors.New(apperrors.ErrRateLimited, "rate limit exceeded, retry in "+strconv.Itoa(retry)+"s", nil))
			return
		}

		c.Next()
	}
}
