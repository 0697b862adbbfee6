// Package client holds the JSON-over-HTTP clients for the remote auth, OTP and
// notification sync services.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "lifeline-client/internal/pkg/errors"
)

const maxBodyBytes = 1 << 20

// Config is shared by every service client.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	DeviceID string
}

type base struct {
	baseURL  string
	deviceID string
	http     *http.Client
}

func newBase(cfg Config, hc *http.Client) base {
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return base{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		deviceID: cfg.DeviceID,
		http:     hc,
	}
}

// errorBody is the subset of the server envelope used for error messages.
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// do sends in as JSON and decodes the response into out.
//
// Status mapping: 2xx ok; 401/403 ErrUnauthorized; other 4xx ErrServerRejected;
// 5xx and transport failures ErrNetwork. For 4xx responses out is still
// populated on a best-effort basis so callers can read structured fields such
// as remaining attempts.
func (b base) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if b.deviceID != "" {
		req.Header.Set("X-Device-ID", b.deviceID)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", xerrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: reading response: %w", xerrors.ErrNetwork, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("%w: failed to decode response: %v", xerrors.ErrServerRejected, err)
			}
		}
		return nil
	}

	se := &xerrors.ServerError{Status: resp.StatusCode, Message: messageFrom(raw)}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		se.Err = xerrors.ErrUnauthorized
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		se.Err = xerrors.ErrServerRejected
		if out != nil {
			_ = json.Unmarshal(raw, out)
		}
	default:
		se.Err = xerrors.ErrNetwork
	}
	return se
}

func messageFrom(raw []byte) string {
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err == nil {
		if eb.Message != "" {
			return eb.Message
		}
		return eb.Error
	}
	return strings.TrimSpace(string(raw))
}
