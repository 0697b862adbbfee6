// internal/domain/auth/entity.go
package auth

import (
	"strings"
	"time"
)

// User status values reported by the auth service
const (
	StatusActive              = "active"
	StatusPendingVerification = "pending_verification"
	StatusSuspended           = "suspended"
)

// TokenPair is the bearer credential pair issued by the auth service.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in,omitempty"` // seconds, as reported by the server
}

// CachedUser is the normalized profile snapshot kept next to the tokens.
type CachedUser struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Role        string `json:"role,omitempty"`
	BloodGroup  string `json:"blood_group,omitempty"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
}

// AuthState records when the cached user was last confirmed by the server.
type AuthState struct {
	Timestamp time.Time `json:"timestamp"`
	Verified  bool      `json:"verified"`
}

// Fresh reports whether the state is verified and younger than ttl at now.
func (s *AuthState) Fresh(now time.Time, ttl time.Duration) bool {
	if s == nil || !s.Verified || s.Timestamp.IsZero() {
		return false
	}
	return now.Sub(s.Timestamp) < ttl
}

// Normalize trims profile fields, lower-cases the email and derives
// DisplayName and Status. It returns a copy.
func Normalize(u CachedUser) CachedUser {
	u.ID = strings.TrimSpace(u.ID)
	u.Name = strings.TrimSpace(u.Name)
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.Phone = strings.TrimSpace(u.Phone)
	u.Role = strings.TrimSpace(u.Role)
	u.BloodGroup = strings.ToUpper(strings.TrimSpace(u.BloodGroup))

	switch {
	case u.Name != "":
		u.DisplayName = u.Name
	case u.Email != "":
		u.DisplayName = strings.SplitN(u.Email, "@", 2)[0]
	case u.Phone != "":
		u.DisplayName = u.Phone
	default:
		u.DisplayName = u.ID
	}

	if u.Status == "" {
		u.Status = StatusActive
	}
	return u
}

// Snapshot is the read-only view of the session consumed by the rest of the app.
type Snapshot struct {
	Authenticated        bool        `json:"authenticated"`
	User                 *CachedUser `json:"user,omitempty"`
	AuthState            *AuthState  `json:"auth_state,omitempty"`
	AccessTokenExpiresAt *time.Time  `json:"access_token_expires_at,omitempty"`
	RefreshInFlight      bool        `json:"refresh_in_flight"`
}

// Event names published to session listeners
type Event string

const (
	EventAuthenticated Event = "authenticated"
	EventRefreshed     Event = "refreshed"
	EventLoggedOut     Event = "logged_out"
	EventExpired       Event = "expired"
)
