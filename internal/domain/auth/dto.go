// internal/domain/auth/dto.go
package auth

// Credentials for a password login
type Credentials struct {
	Identifier string `json:"identifier" binding:"required"`
	Password   string `json:"password" binding:"required"`
}

// LoginResponse returned by the auth service login endpoint
type LoginResponse struct {
	User   CachedUser `json:"user"`
	Tokens TokenPair  `json:"tokens"`
}

// VerifyResponse returned by the auth service token verification endpoint
type VerifyResponse struct {
	User CachedUser `json:"user"`
}

// RefreshRequest sent to the auth service refresh endpoint
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse from the auth service. RefreshToken and User are optional;
// an empty refresh token means the old one stays valid.
type RefreshResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	ExpiresIn    int64       `json:"expires_in,omitempty"`
	User         *CachedUser `json:"user,omitempty"`
}

// LoginRequest is the local API body for forwarding a completed login.
type LoginRequest struct {
	User   CachedUser `json:"user"`
	Tokens TokenPair  `json:"tokens"`
}
