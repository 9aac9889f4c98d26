package middleware

import (
	"github.com/GoPolymarket/accountgate/internal/config"
	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/accountgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/accountgate/internal/service"
	"github.com/gin-gonic/gin"
)

const (
	HeaderGatewayKey = "X-Gateway-Key"
	ContextUserKey   = "user"
)

func AuthMiddleware(cfg *config.Config, users *service.UserDirectory) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(HeaderGatewayKey)
		if apiKey == "" {
			if cfg != nil && !cfg.Auth.RequireAPIKey {
				if user := users.DefaultUser(); user != nil {
					c.Set(ContextUserKey, user)
					c.Next()
					return
				}
			}
			abortWith(c, apperrors.New(apperrors.ErrAuthFailed, "missing API key", nil))
			return
		}

		user, ok := users.ByAPIKey(apiKey)
		if !ok {
			abortWith(c, apperrors.New(apperrors.ErrAuthFailed, "invalid API key", nil))
			return
		}

		// 调用方信息存入上下文
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// CurrentUser returns the caller stored by AuthMiddleware.
func CurrentUser(c *gin.Context) (*model.User, bool) {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*model.User)
	return u, ok && u != nil
}
