// internal/pkg/jwt/claims.go
package jwt

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims mirrors what the auth service embeds in its tokens. Only the
// registered expiry is relied upon locally.
type Claims struct {
	UserID         string   `json:"user_id,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	Device         string   `json:"device,omitempty"`
	SessionPurpose string   `json:"session_purpose,omitempty"` // access, refresh
	jwt.RegisteredClaims
}

// HasRole checks if the claims contain a specific role
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}
