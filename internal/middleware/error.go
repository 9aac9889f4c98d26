package middleware

import (
	"errors"

	"github.com/GoPolymarket/accountgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/accountgate/internal/pkg/logger"
	"github.com/GoPolymarket/accountgate/internal/pkg/metrics"
	"github.com/gin-gonic/gin"
)

// ErrorHandler renders the last c.Error as an AppError payload. Handlers that
// already wrote a response keep it; the error is only logged.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		var appErr *apperrors.AppError
		if !errors.As(err, &appErr) {
			appErr = apperrors.New(apperrors.ErrInternal, "internal error", err)
		}
		metrics.ErrorsTotal.WithLabelValues(string(appErr.Type)).Inc()

		logFields := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"code", appErr.Type,
			"client_ip", c.ClientIP(),
		}
		if appErr.HTTPStatus >= 500 {
			logger.LogError(c.Request.Context(), appErr, "request failed", logFields...)
		} else {
			logger.Warn(appErr.Message, logFields...)
		}

		if c.Writer.Written() {
			return
		}
		c.JSON(appErr.HTTPStatus, appErr)
	}
}
