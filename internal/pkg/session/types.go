// internal/pkg/session/types.go
package session

import (
	"context"

	"lifeline-client/internal/domain/auth"
)

// Data is everything persisted for one signed-in install. A nil Tokens means
// no session.
type Data struct {
	Tokens *auth.TokenPair  `json:"tokens,omitempty"`
	User   *auth.CachedUser `json:"user,omitempty"`
	State  *auth.AuthState  `json:"state,omitempty"`
}

// Store persists session data. Only the session manager writes to it.
type Store interface {
	Load(ctx context.Context) (Data, error)
	Save(ctx context.Context, d Data) error
	Clear(ctx context.Context) error
	// DeviceID returns a stable per-install id, creating it on first use.
	// Clear does not reset it.
	DeviceID(ctx context.Context) (string, error)
}
