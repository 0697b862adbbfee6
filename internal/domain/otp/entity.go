// internal/domain/otp/entity.go
package otp

import (
	"time"

	"lifeline-client/internal/domain/auth"
)

type Purpose string

const (
	PurposeLogin        Purpose = "login"
	PurposeRegistration Purpose = "registration"
	PurposeReset        Purpose = "reset"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeLogin, PurposeRegistration, PurposeReset:
		return true
	}
	return false
}

// IssuesSession reports whether a successful verification yields a login.
func (p Purpose) IssuesSession() bool {
	return p == PurposeLogin || p == PurposeRegistration
}

type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StatePending    State = "pending" // code sent, waiting for input
	StateVerifying  State = "verifying"
	StateVerified   State = "verified"
	StateFailed     State = "failed" // attempts exhausted, resend required
	StateExpired    State = "expired"
)

// Session is a point-in-time copy of the controller's OTP session.
type Session struct {
	Identifier        string    `json:"identifier"`
	Purpose           Purpose   `json:"purpose"`
	State             State     `json:"state"`
	RequestedAt       time.Time `json:"requested_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	RemainingAttempts int       `json:"remaining_attempts"`
	Verified          bool      `json:"verified"`
	EnteredCode       string    `json:"entered_code,omitempty"`
	Message           string    `json:"message,omitempty"`
}

// RequestPayload sent to the OTP service
type RequestPayload struct {
	Identifier string  `json:"identifier"`
	Purpose    Purpose `json:"purpose"`
}

// RequestResponse from the OTP service
type RequestResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// VerifyPayload sent to the OTP service
type VerifyPayload struct {
	Identifier string  `json:"identifier"`
	Code       string  `json:"code"`
	Purpose    Purpose `json:"purpose"`
}

// VerifyResponse from the OTP service. Token, RefreshToken and User are only
// present for purposes that issue a session.
type VerifyResponse struct {
	Success           bool             `json:"success"`
	Token             string           `json:"token,omitempty"`
	RefreshToken      string           `json:"refresh_token,omitempty"`
	User              *auth.CachedUser `json:"user,omitempty"`
	Message           string           `json:"message"`
	RemainingAttempts *int             `json:"remaining_attempts,omitempty"`
}

// Local API bodies

type RequestOTPRequest struct {
	Identifier string  `json:"identifier" binding:"required"`
	Purpose    Purpose `json:"purpose" binding:"required"`
}

type VerifyOTPRequest struct {
	Code string `json:"code" binding:"required"`
}
