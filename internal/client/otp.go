package client

import (
	"context"
	"net/http"

	"lifeline-client/internal/domain/otp"
	xerrors "lifeline-client/internal/pkg/errors"
)

// OTPClient talks to the remote OTP service.
type OTPClient struct {
	base
}

func NewOTPClient(cfg Config, hc *http.Client) *OTPClient {
	return &OTPClient{base: newBase(cfg, hc)}
}

func (c *OTPClient) Request(ctx context.Context, identifier string, purpose otp.Purpose) (*otp.RequestResponse, error) {
	var resp otp.RequestResponse
	payload := otp.RequestPayload{Identifier: identifier, Purpose: purpose}
	if err := c.do(ctx, http.MethodPost, "/otp/request", "", payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return &resp, &xerrors.ServerError{Message: resp.Message, Err: xerrors.ErrServerRejected}
	}
	return &resp, nil
}

// Verify submits a code. A rejected code returns ErrServerRejected together
// with the decoded response, which may carry the server's remaining attempts.
func (c *OTPClient) Verify(ctx context.Context, identifier, code string, purpose otp.Purpose) (*otp.VerifyResponse, error) {
	var resp otp.VerifyResponse
	payload := otp.VerifyPayload{Identifier: identifier, Code: code, Purpose: purpose}
	if err := c.do(ctx, http.MethodPost, "/otp/verify", "", payload, &resp); err != nil {
		return &resp, err
	}
	if !resp.Success {
		return &resp, &xerrors.ServerError{Message: resp.Message, Err: xerrors.ErrServerRejected}
	}
	return &resp, nil
}
