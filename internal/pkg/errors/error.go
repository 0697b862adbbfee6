package xerrors

import (
	"errors"
	"fmt"
)

// Common reusable application errors
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnauthorized   = errors.New("unauthorized access")
	ErrNetwork        = errors.New("network error")
	ErrServerRejected = errors.New("request rejected by server")
	ErrInternal       = errors.New("internal error")
)

// Session errors
var (
	ErrNoToken             = errors.New("no token stored")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrRefreshInProgress   = errors.New("token refresh already in progress")
	ErrSessionExpired      = errors.New("session expired or invalid")
	ErrNotAuthenticated    = errors.New("not authenticated")
)

// OTP errors
var (
	ErrEmptyIdentifier        = errors.New("identifier is required")
	ErrInvalidPurpose         = errors.New("invalid otp purpose")
	ErrInvalidFormat          = errors.New("otp code must be 6 digits")
	ErrNoActiveSession        = errors.New("no active otp session")
	ErrVerificationInProgress = errors.New("otp verification already in progress")
	ErrRequestInProgress      = errors.New("otp request already in progress")
	ErrAlreadyVerified        = errors.New("otp already verified")
	ErrOTPExpired             = errors.New("otp has expired")
	ErrOTPInvalid             = errors.New("invalid otp code")
	ErrOTPMaxAttempts         = errors.New("maximum otp attempts exceeded")
)

// Notification queue errors
var (
	ErrUnknownKind    = errors.New("unknown notification kind")
	ErrRecordNotFound = errors.New("notification record not found")
	ErrSyncInProgress = errors.New("notification sync already in progress")
)

// Kind is the error taxonomy used by callers to decide how to degrade.
type Kind string

const (
	KindNone       Kind = ""
	KindValidation Kind = "validation" // malformed input, never retried
	KindTransient  Kind = "transient"  // network trouble, retried by the polling loop
	KindRejected   Kind = "rejected"   // authoritative rejection, ends the current flow
	KindGuard      Kind = "guard"      // already in flight, caller should await
	KindInternal   Kind = "internal"
)

var validation = []error{
	ErrInvalidInput, ErrEmptyIdentifier, ErrInvalidPurpose, ErrInvalidFormat,
	ErrNoActiveSession, ErrUnknownKind, ErrRecordNotFound,
}

var rejected = []error{
	ErrUnauthorized, ErrServerRejected, ErrNoToken, ErrInvalidCredentials,
	ErrInvalidRefreshToken, ErrSessionExpired, ErrNotAuthenticated,
	ErrOTPExpired, ErrOTPInvalid, ErrOTPMaxAttempts, ErrAlreadyVerified,
}

var guard = []error{
	ErrRefreshInProgress, ErrVerificationInProgress, ErrRequestInProgress, ErrSyncInProgress,
}

// KindOf classifies err. Guard and transient checks run first so that a wrapped
// chain like "session expired: network error" is still reported as retryable.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if isAny(err, guard) {
		return KindGuard
	}
	if errors.Is(err, ErrNetwork) {
		return KindTransient
	}
	if isAny(err, validation) {
		return KindValidation
	}
	if isAny(err, rejected) {
		return KindRejected
	}
	return KindInternal
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// ServerError carries the message returned by a remote service alongside the
// sentinel describing how it was classified.
type ServerError struct {
	Status  int
	Message string
	Err     error
}

func (e *ServerError) Error() string {
	msg := e.Err.Error()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *ServerError) Unwrap() error { return e.Err }

// ServerMessage returns the remote message if err carries one.
func ServerMessage(err error) string {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Message
	}
	return ""
}

// Is allows checking whether an error is a specific sentinel error.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// MessageOrDefault returns err.Error() or a fallback message if err is nil.
func MessageOrDefault(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}
