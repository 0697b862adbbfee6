// internal/middleware/recovery_middleware.go
package middleware

import (
	"fmt"
	"net/http"

	xerrors "lifeline-client/internal/pkg/errors"
	"lifeline-client/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
				)
				response.Error(c, http.StatusInternalServerError, "internal server error", fmt.Errorf("%w: panic: %v", xerrors.ErrInternal, err))
			}
		}()
		c.Next()
	}
}
