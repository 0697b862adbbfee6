// internal/handlers/lifecycle/lifecycle_handler.go
package lifecycle

import (
	"context"
	"net/http"

	"lifeline-client/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Observer reacts to app lifecycle signals from the UI shell.
type Observer interface {
	OnForeground(ctx context.Context) error
	OnBackground()
	OnNetworkRestored(ctx context.Context) error
}

// SessionChecker refreshes the session if it is close to expiry.
type SessionChecker interface {
	CheckExpiry(ctx context.Context) bool
}

type LifecycleHandler struct {
	queue    Observer
	sessions SessionChecker
	logger   *zap.Logger
}

func NewLifecycleHandler(queue Observer, sessions SessionChecker, logger *zap.Logger) *LifecycleHandler {
	return &LifecycleHandler{queue: queue, sessions: sessions, logger: logger}
}

// Foreground checks the session first so the sync runs with a fresh token.
func (h *LifecycleHandler) Foreground(c *gin.Context) {
	ctx := c.Request.Context()
	refreshed := h.sessions.CheckExpiry(ctx)

	if err := h.queue.OnForeground(ctx); err != nil {
		h.logger.Warn("foreground sync failed", zap.Error(err))
		response.FromError(c, "foreground sync failed", err)
		return
	}
	response.Success(c, http.StatusOK, "foreground", gin.H{"session_checked": refreshed})
}

func (h *LifecycleHandler) Background(c *gin.Context) {
	h.queue.OnBackground()
	response.Success(c, http.StatusOK, "background", nil)
}

func (h *LifecycleHandler) NetworkRestored(c *gin.Context) {
	ctx := c.Request.Context()
	h.sessions.CheckExpiry(ctx)

	if err := h.queue.OnNetworkRestored(ctx); err != nil {
		h.logger.Warn("network-restored sync failed", zap.Error(err))
		response.FromError(c, "sync after reconnect failed", err)
		return
	}
	response.Success(c, http.StatusOK, "network restored", nil)
}
