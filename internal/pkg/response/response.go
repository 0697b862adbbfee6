// internal/pkg/response/response.go
package response

import (
	"fmt"
	"net/http"

	xerrors "lifeline-client/internal/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Response defines the standard API response format.
type Response struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Data    interface{}  `json:"data,omitempty"`
	Error   string       `json:"error,omitempty"`
	Kind    xerrors.Kind `json:"kind,omitempty"`
}

// Success sends a successful response with a message and optional data.
func Success(c *gin.Context, status int, message string, data interface{}) {
	if status == 0 {
		status = http.StatusOK
	}

	c.JSON(status, Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// Error sends a standardized error response.
func Error(c *gin.Context, code int, message string, err error, data ...interface{}) {
	// Abort before writing so later handlers never run
	c.Abort()

	response := Response{
		Success: false,
		Message: message,
	}

	if err != nil {
		response.Error = err.Error()
		response.Kind = xerrors.KindOf(err)
	}

	if len(data) > 0 {
		response.Data = data[0]
	}

	c.JSON(code, response)
}

// FromError picks the status from the error's kind and answers with the
// envelope. data, when given, rides along (e.g. the OTP session after a
// failed attempt).
func FromError(c *gin.Context, message string, err error, data ...interface{}) {
	Error(c, StatusFor(err), message, err, data...)
}

// StatusFor maps an error to the HTTP status the local API answers with.
func StatusFor(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.KindNone:
		return http.StatusOK
	case xerrors.KindValidation:
		if xerrors.Is(err, xerrors.ErrRecordNotFound) || xerrors.Is(err, xerrors.ErrNoActiveSession) {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case xerrors.KindTransient:
		return http.StatusServiceUnavailable
	case xerrors.KindGuard:
		return http.StatusAccepted
	case xerrors.KindRejected:
		if isAuthFailure(err) {
			return http.StatusUnauthorized
		}
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func isAuthFailure(err error) bool {
	for _, target := range []error{
		xerrors.ErrUnauthorized,
		xerrors.ErrNotAuthenticated,
		xerrors.ErrSessionExpired,
		xerrors.ErrInvalidRefreshToken,
		xerrors.ErrNoToken,
		xerrors.ErrInvalidCredentials,
	} {
		if xerrors.Is(err, target) {
			return true
		}
	}
	return false
}

// ValidationError sends a 400 Bad Request response for invalid input.
func ValidationError(c *gin.Context, message string, err error) {
	if xerrors.KindOf(err) != xerrors.KindValidation {
		err = fmt.Errorf("%w: %v", xerrors.ErrInvalidInput, xerrors.MessageOrDefault(err, message))
	}
	Error(c, http.StatusBadRequest, message, err)
}

// Unauthorized sends a 401 Unauthorized response.
func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, message, xerrors.ErrNotAuthenticated)
}

// NotFound sends a 404 Not Found response.
func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, message, nil)
}
