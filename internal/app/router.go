// internal/app/router.go
package app

import (
	"net/http"

	authHandler "lifeline-client/internal/handlers/auth"
	lifecycleHandler "lifeline-client/internal/handlers/lifecycle"
	notifyHandler "lifeline-client/internal/handlers/notification"
	otpHandler "lifeline-client/internal/handlers/otp"
	wsHandler "lifeline-client/internal/handlers/websocket"
	"lifeline-client/internal/metrics"
	"lifeline-client/internal/middleware"

	"github.com/gin-gonic/gin"
)

// Version is reported by the health check. Overridden at build time.
var Version = "dev"

type Handlers struct {
	SessionHandler   *authHandler.SessionHandler
	OTPHandler       *otpHandler.OTPHandler
	NotifHandler     *notifyHandler.NotificationHandler
	LifecycleHandler *lifecycleHandler.LifecycleHandler
	WSHandler        *wsHandler.WebSocketHandler
	Sessions         middleware.SessionState
	Metrics          *metrics.Metrics
}

func SetupRouter(r *gin.Engine, h *Handlers) {
	api := r.Group("/api/v1")

	// ==================== Health Check ====================
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": Version})
	})

	// ==================== Metrics ====================
	r.GET("/metrics", gin.WrapH(h.Metrics.Handler()))

	// ==================== WebSocket ====================
	r.GET("/ws", h.WSHandler.HandleConnection)
	api.GET("/ws/stats", h.WSHandler.GetStats)

	// ==================== Session ====================
	sessions := api.Group("/session")
	{
		sessions.GET("", h.SessionHandler.GetSession)
		sessions.POST("/login", h.SessionHandler.Login)
		sessions.POST("/logout", h.SessionHandler.Logout)
		sessions.POST("/refresh", h.SessionHandler.Refresh)
	}

	// ==================== OTP ====================
	otp := api.Group("/otp")
	{
		otp.GET("", h.OTPHandler.GetSession)
		otp.POST("/request", h.OTPHandler.Request)
		otp.POST("/verify", h.OTPHandler.Verify)
		otp.POST("/resend", h.OTPHandler.Resend)
		otp.POST("/close", h.OTPHandler.Close)
	}

	// ==================== Notifications ====================
	notifications := api.Group("/notifications")
	{
		notifications.GET("", h.NotifHandler.GetNotifications)
		notifications.POST("", h.NotifHandler.Enqueue)
		notifications.GET("/status", h.NotifHandler.GetStatus)
		notifications.POST("/sync", middleware.RequireSession(h.Sessions), h.NotifHandler.Sync)
		notifications.DELETE("/badge", h.NotifHandler.ClearBadge)
		notifications.DELETE("", h.NotifHandler.Clear)
	}

	// ==================== Lifecycle ====================
	lifecycle := api.Group("/lifecycle")
	{
		lifecycle.POST("/foreground", h.LifecycleHandler.Foreground)
		lifecycle.POST("/background", h.LifecycleHandler.Background)
		lifecycle.POST("/network-restored", h.LifecycleHandler.NetworkRestored)
	}
}
