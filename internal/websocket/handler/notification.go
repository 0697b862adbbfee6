// internal/websocket/handler/notification.go
package handler

import (
	"context"
	"errors"
	"fmt"

	"lifeline-client/internal/domain/notification"
	wstypes "lifeline-client/internal/domain/websocket"
	xerrors "lifeline-client/internal/pkg/errors"
	ws "lifeline-client/internal/websocket"

	"go.uber.org/zap"
)

// Queue is the part of the queue manager exposed over the socket.
type Queue interface {
	GetQueueStatus(ctx context.Context) (notification.QueueStatus, error)
	SyncNotificationResponses(ctx context.Context) (*notification.SyncReport, error)
	ClearNotificationBadge(ctx context.Context)
}

// QueueHandler answers queue and badge requests from UI shells.
type QueueHandler struct {
	queue  Queue
	logger *zap.Logger
}

func NewQueueHandler(queue Queue, logger *zap.Logger) *QueueHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueHandler{queue: queue, logger: logger}
}

// SupportedEvents returns events this handler supports
func (h *QueueHandler) SupportedEvents() []wstypes.EventType {
	return []wstypes.EventType{
		wstypes.EventTypeQueueStatus,
		wstypes.EventTypeQueueSync,
		wstypes.EventTypeBadgeClear,
	}
}

// HandleMessage processes queue-related messages
func (h *QueueHandler) HandleMessage(ctx context.Context, client *ws.Client, msg *wstypes.WSMessage) error {
	switch msg.Type {
	case wstypes.EventTypeQueueStatus:
		return h.handleStatus(ctx, client)

	case wstypes.EventTypeQueueSync:
		return h.handleSync(ctx, client)

	case wstypes.EventTypeBadgeClear:
		// the hub broadcasts badge:clear to every shell
		h.queue.ClearNotificationBadge(ctx)
		return nil

	default:
		return fmt.Errorf("unsupported event type: %s", msg.Type)
	}
}

func (h *QueueHandler) handleStatus(ctx context.Context, client *ws.Client) error {
	st, err := h.queue.GetQueueStatus(ctx)
	if err != nil {
		return err
	}
	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeQueueStatus, st))
	return nil
}

func (h *QueueHandler) handleSync(ctx context.Context, client *ws.Client) error {
	report, err := h.queue.SyncNotificationResponses(ctx)
	switch {
	case errors.Is(err, xerrors.ErrSyncInProgress):
		client.SendMessage(wstypes.NewMessage(wstypes.EventTypeQueueSync, map[string]interface{}{
			"status": "in_progress",
		}))
		return nil
	case err != nil:
		h.logger.Warn("socket-triggered sync failed", zap.String("client_id", client.ID()), zap.Error(err))
		return err
	}

	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeQueueSync, map[string]interface{}{
		"status": "done",
		"report": report,
	}))
	return nil
}
