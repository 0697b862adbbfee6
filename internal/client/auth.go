package client

import (
	"context"
	"net/http"

	"lifeline-client/internal/domain/auth"
	xerrors "lifeline-client/internal/pkg/errors"
)

// AuthClient talks to the remote auth service.
type AuthClient struct {
	base
}

func NewAuthClient(cfg Config, hc *http.Client) *AuthClient {
	return &AuthClient{base: newBase(cfg, hc)}
}

// VerifyToken asks the server whether accessToken is still valid and returns
// the current profile.
func (c *AuthClient) VerifyToken(ctx context.Context, accessToken string) (*auth.CachedUser, error) {
	var resp auth.VerifyResponse
	if err := c.do(ctx, http.MethodGet, "/auth/verify", accessToken, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// Refresh exchanges a refresh token for a new access token.
func (c *AuthClient) Refresh(ctx context.Context, refreshToken string) (*auth.RefreshResponse, error) {
	var resp auth.RefreshResponse
	err := c.do(ctx, http.MethodPost, "/auth/refresh", "", auth.RefreshRequest{RefreshToken: refreshToken}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, &xerrors.ServerError{Status: http.StatusOK, Message: "refresh response has no access token", Err: xerrors.ErrServerRejected}
	}
	return &resp, nil
}

func (c *AuthClient) Login(ctx context.Context, creds auth.Credentials) (*auth.LoginResponse, error) {
	var resp auth.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", creds, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *AuthClient) Logout(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", accessToken, nil, nil)
}
