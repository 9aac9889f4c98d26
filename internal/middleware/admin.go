package middleware

import (
	"crypto/subtle"

	"github.com/GoPolymarket/accountgate/internal/config"
	"github.com/GoPolymarket/accountgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/accountgate/internal/pkg/logger"
	"github.com/GoPolymarket/accountgate/internal/pkg/metrics"
	"github.com/gin-gonic/gin"
)

const (
	HeaderAdminKey       = "X-Admin-Key"
	HeaderAdminSecretKey = "X-Admin-Secret"
)

// AdminMiddleware guards every /v1/admin route.
func AdminMiddleware(cfg *config.Config) gin.HandlerFunc {
	var want string
	if cfg != nil {
		want = cfg.Auth.AdminKey
	}
	return requireSharedSecret("admin_key", HeaderAdminKey, want)
}

// AdminSecretMiddleware is the second factor for routes that write credential material.
func AdminSecretMiddleware(cfg *config.Config) gin.HandlerFunc {
	var want string
	if cfg != nil {
		want = cfg.Auth.AdminSecretKey
	}
	return requireSharedSecret("admin_secret", HeaderAdminSecretKey, want)
}

func requireSharedSecret(name, header, want string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if want == "" {
			metrics.AdminRejections.WithLabelValues(name, "unconfigured").Inc()
			abortWith(c, apperrors.New(apperrors.ErrForbidden, name+" not configured", nil))
			return
		}
		got := c.GetHeader(header)
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			metrics.AdminRejections.WithLabelValues(name, "mismatch").Inc()
			logger.Warn("admin credential rejected", "check", name, "path", c.Request.URL.Path, "client_ip", c.ClientIP())
			abortWith(c, apperrors.New(apperrors.ErrAuthFailed, "invalid "+header+" header", nil))
			return
		}
		c.Next()
	}
}

func abortWith(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
}
