// internal/pkg/jwt/inspect.go
package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoExpiry = errors.New("token has no exp claim")

var parser = jwt.NewParser()

// Inspect decodes the token payload without verifying the signature.
// Signature checks stay with the auth service.
func Inspect(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	return claims, nil
}

// ExpiresAt returns the embedded expiry of token.
func ExpiresAt(token string) (time.Time, error) {
	claims, err := Inspect(token)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

// RemainingLifetime is the time left before expiry, negative once expired.
func RemainingLifetime(token string, now time.Time) (time.Duration, error) {
	exp, err := ExpiresAt(token)
	if err != nil {
		return 0, err
	}
	return exp.Sub(now), nil
}
