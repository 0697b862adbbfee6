package client

import (
	"context"
	"net/http"

	"lifeline-client/internal/domain/notification"
)

// SyncClient delivers queued notification responses to the sync service.
type SyncClient struct {
	base
}

func NewSyncClient(cfg Config, hc *http.Client) *SyncClient {
	return &SyncClient{base: newBase(cfg, hc)}
}

func (c *SyncClient) Sync(ctx context.Context, accessToken string, req notification.SyncRequest) (*notification.SyncResponse, error) {
	var resp notification.SyncResponse
	if err := c.do(ctx, http.MethodPost, "/notifications/sync", accessToken, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
