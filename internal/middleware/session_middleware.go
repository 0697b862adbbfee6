// internal/middleware/session_middleware.go
package middleware

import (
	"lifeline-client/internal/pkg/response"

	"github.com/gin-gonic/gin"
)

// SessionState reports whether the agent holds an authenticated session.
type SessionState interface {
	IsAuthenticated() bool
}

// RequireSession rejects requests while the agent is signed out.
func RequireSession(s SessionState) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.IsAuthenticated() {
			response.Unauthorized(c, "sign in required")
			return
		}
		c.Next()
	}
}
