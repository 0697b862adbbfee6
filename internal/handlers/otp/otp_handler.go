// internal/handlers/otp/otp_handler.go
package otp

import (
	"context"
	"net/http"

	"lifeline-client/internal/domain/otp"
	"lifeline-client/internal/pkg/response"

	"github.com/gin-gonic/gin"
)

// Controller is the OTP surface exposed over the local API.
type Controller interface {
	Snapshot() otp.Session
	Request(ctx context.Context, identifier string, purpose otp.Purpose) (otp.Session, error)
	Resend(ctx context.Context) (otp.Session, error)
	Verify(ctx context.Context, code string) (otp.Session, error)
	Close()
}

type OTPHandler struct {
	controller Controller
}

func NewOTPHandler(controller Controller) *OTPHandler {
	return &OTPHandler{controller: controller}
}

// GetSession returns the current OTP session, or an idle one.
func (h *OTPHandler) GetSession(c *gin.Context) {
	response.Success(c, http.StatusOK, "otp session retrieved", h.controller.Snapshot())
}

func (h *OTPHandler) Request(c *gin.Context) {
	var req otp.RequestOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request body", err)
		return
	}

	s, err := h.controller.Request(c.Request.Context(), req.Identifier, req.Purpose)
	if err != nil {
		response.FromError(c, "failed to request otp", err, s)
		return
	}
	response.Success(c, http.StatusOK, "verification code sent", s)
}

func (h *OTPHandler) Resend(c *gin.Context) {
	s, err := h.controller.Resend(c.Request.Context())
	if err != nil {
		response.FromError(c, "failed to resend otp", err, s)
		return
	}
	response.Success(c, http.StatusOK, "verification code resent", s)
}

// Verify answers with the session either way so the UI can show the
// remaining attempts.
func (h *OTPHandler) Verify(c *gin.Context) {
	var req otp.VerifyOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request body", err)
		return
	}

	s, err := h.controller.Verify(c.Request.Context(), req.Code)
	if err != nil {
		response.FromError(c, "verification failed", err, s)
		return
	}
	response.Success(c, http.StatusOK, "verification successful", s)
}

func (h *OTPHandler) Close(c *gin.Context) {
	h.controller.Close()
	response.Success(c, http.StatusOK, "otp session closed", h.controller.Snapshot())
}
