// internal/handlers/auth/auth_handler.go
package auth

import (
	"context"
	"fmt"
	"net/http"

	"lifeline-client/internal/domain/auth"
	xerrors "lifeline-client/internal/pkg/errors"
	"lifeline-client/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionManager is the session surface exposed over the local API.
type SessionManager interface {
	Snapshot() auth.Snapshot
	Login(ctx context.Context, user auth.CachedUser, tokens auth.TokenPair) error
	LoginWithCredentials(ctx context.Context, creds auth.Credentials) (auth.Snapshot, error)
	Logout(ctx context.Context) error
	Refresh(ctx context.Context) (auth.TokenPair, error)
}

type SessionHandler struct {
	sessions SessionManager
	logger   *zap.Logger
}

func NewSessionHandler(sessions SessionManager, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		logger:   logger,
	}
}

// loginBody accepts either credentials or an already issued token pair.
type loginBody struct {
	Identifier string           `json:"identifier"`
	Password   string           `json:"password"`
	User       *auth.CachedUser `json:"user"`
	Tokens     *auth.TokenPair  `json:"tokens"`
}

// GetSession returns the current session view. Tokens are never exposed.
func (h *SessionHandler) GetSession(c *gin.Context) {
	response.Success(c, http.StatusOK, "session retrieved", h.sessions.Snapshot())
}

// ========== Login / Logout ==========

func (h *SessionHandler) Login(c *gin.Context) {
	var body loginBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.ValidationError(c, "invalid request body", err)
		return
	}

	ctx := c.Request.Context()
	switch {
	case body.Tokens != nil:
		user := auth.CachedUser{}
		if body.User != nil {
			user = *body.User
		}
		if err := h.sessions.Login(ctx, user, *body.Tokens); err != nil {
			response.FromError(c, "login failed", err)
			return
		}
		response.Success(c, http.StatusOK, "login successful", h.sessions.Snapshot())

	case body.Identifier != "" && body.Password != "":
		snap, err := h.sessions.LoginWithCredentials(ctx, auth.Credentials{
			Identifier: body.Identifier,
			Password:   body.Password,
		})
		if err != nil {
			h.logger.Warn("credential login failed", zap.String("identifier", body.Identifier), zap.Error(err))
			response.FromError(c, "login failed", err)
			return
		}
		response.Success(c, http.StatusOK, "login successful", snap)

	default:
		response.ValidationError(c, "credentials or tokens are required",
			fmt.Errorf("%w: provide identifier and password, or tokens", xerrors.ErrInvalidInput))
	}
}

// Logout always ends the local session, even if the server call fails.
func (h *SessionHandler) Logout(c *gin.Context) {
	if err := h.sessions.Logout(c.Request.Context()); err != nil {
		response.FromError(c, "logout failed", err)
		return
	}
	response.Success(c, http.StatusOK, "logged out", h.sessions.Snapshot())
}

// Refresh forces a token refresh. Concurrent callers share one request.
func (h *SessionHandler) Refresh(c *gin.Context) {
	if _, err := h.sessions.Refresh(c.Request.Context()); err != nil {
		response.FromError(c, "refresh failed", err, h.sessions.Snapshot())
		return
	}
	response.Success(c, http.StatusOK, "session refreshed", h.sessions.Snapshot())
}
