// internal/handlers/notification/notification_handler.go
package notification

import (
	"context"
	"encoding/json"
	"net/http"

	"lifeline-client/internal/domain/notification"
	"lifeline-client/internal/pkg/response"

	"github.com/gin-gonic/gin"
)

// Queue is the notification queue surface exposed over the local API.
type Queue interface {
	Enqueue(ctx context.Context, kind notification.Kind, payload json.RawMessage) (*notification.Record, error)
	GetQueueStatus(ctx context.Context) (notification.QueueStatus, error)
	ListRecords(ctx context.Context, filters *notification.ListFilters) ([]*notification.Record, error)
	SyncNotificationResponses(ctx context.Context) (*notification.SyncReport, error)
	ClearNotificationBadge(ctx context.Context)
	Clear(ctx context.Context) (int64, error)
}

type NotificationHandler struct {
	queue Queue
}

func NewNotificationHandler(queue Queue) *NotificationHandler {
	return &NotificationHandler{queue: queue}
}

// GetNotifications lists records in processing order, optionally filtered
// by ?status=pending&status=failed.
func (h *NotificationHandler) GetNotifications(c *gin.Context) {
	var filters notification.ListFilters
	for _, s := range c.QueryArray("status") {
		filters.Statuses = append(filters.Statuses, notification.Status(s))
	}

	records, err := h.queue.ListRecords(c.Request.Context(), &filters)
	if err != nil {
		response.FromError(c, "failed to get notifications", err)
		return
	}

	response.Success(c, http.StatusOK, "notifications retrieved", gin.H{
		"notifications": records,
		"count":         len(records),
	})
}

func (h *NotificationHandler) Enqueue(c *gin.Context) {
	var req notification.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request body", err)
		return
	}

	record, err := h.queue.Enqueue(c.Request.Context(), req.Kind, req.Payload)
	if err != nil {
		response.FromError(c, "failed to enqueue notification", err)
		return
	}
	response.Success(c, http.StatusCreated, "notification queued", record)
}

func (h *NotificationHandler) GetStatus(c *gin.Context) {
	st, err := h.queue.GetQueueStatus(c.Request.Context())
	if err != nil {
		response.FromError(c, "failed to get queue status", err)
		return
	}
	response.Success(c, http.StatusOK, "queue status retrieved", st)
}

// Sync runs a sync pass. A pass already in flight answers 202.
func (h *NotificationHandler) Sync(c *gin.Context) {
	report, err := h.queue.SyncNotificationResponses(c.Request.Context())
	if err != nil {
		response.FromError(c, "notification sync incomplete", err, report)
		return
	}
	response.Success(c, http.StatusOK, "notifications synced", report)
}

func (h *NotificationHandler) ClearBadge(c *gin.Context) {
	h.queue.ClearNotificationBadge(c.Request.Context())
	response.Success(c, http.StatusOK, "badge cleared", nil)
}

func (h *NotificationHandler) Clear(c *gin.Context) {
	n, err := h.queue.Clear(c.Request.Context())
	if err != nil {
		response.FromError(c, "failed to clear notifications", err)
		return
	}
	response.Success(c, http.StatusOK, "notifications cleared", gin.H{"removed": n})
}
