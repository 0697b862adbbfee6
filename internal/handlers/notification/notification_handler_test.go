package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lifeline-client/internal/domain/notification"
	xerrors "lifeline-client/internal/pkg/errors"
	"lifeline-client/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	EnqueueFunc func(ctx context.Context, kind notification.Kind, payload json.RawMessage) (*notification.Record, error)
	SyncFunc    func(ctx context.Context) (*notification.SyncReport, error)

	filters      *notification.ListFilters
	badgeCleared bool
}

func (f *fakeQueue) Enqueue(ctx context.Context, kind notification.Kind, payload json.RawMessage) (*notification.Record, error) {
	return f.EnqueueFunc(ctx, kind, payload)
}

func (f *fakeQueue) GetQueueStatus(context.Context) (notification.QueueStatus, error) {
	return notification.ComputeStatus(nil, false), nil
}

func (f *fakeQueue) ListRecords(_ context.Context, filters *notification.ListFilters) ([]*notification.Record, error) {
	f.filters = filters
	return []*notification.Record{}, nil
}

func (f *fakeQueue) SyncNotificationResponses(ctx context.Context) (*notification.SyncReport, error) {
	return f.SyncFunc(ctx)
}

func (f *fakeQueue) ClearNotificationBadge(context.Context) { f.badgeCleared = true }

func (f *fakeQueue) Clear(context.Context) (int64, error) { return 3, nil }

func setupRouter(q Queue) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewNotificationHandler(q)
	r.GET("/notifications", h.GetNotifications)
	r.POST("/notifications", h.Enqueue)
	r.POST("/notifications/sync", h.Sync)
	r.DELETE("/notifications/badge", h.ClearBadge)
	r.DELETE("/notifications", h.Clear)
	return r
}

func decode(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestEnqueue_Created(t *testing.T) {
	q := &fakeQueue{EnqueueFunc: func(_ context.Context, kind notification.Kind, payload json.RawMessage) (*notification.Record, error) {
		assert.Equal(t, notification.KindEmergency, kind)
		assert.JSONEq(t, `{"lat":1}`, string(payload))
		return &notification.Record{ID: "01J", Kind: kind, Priority: notification.PriorityCritical}, nil
	}}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(`{"kind":"emergency","payload":{"lat":1}}`))
	req.Header.Set("Content-Type", "application/json")
	setupRouter(q).ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, decode(t, w).Success)
}

func TestEnqueue_UnknownKindIsBadRequest(t *testing.T) {
	q := &fakeQueue{EnqueueFunc: func(context.Context, notification.Kind, json.RawMessage) (*notification.Record, error) {
		return nil, xerrors.ErrUnknownKind
	}}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(`{"kind":"gossip"}`))
	setupRouter(q).ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, xerrors.KindValidation, decode(t, w).Kind)
}

func TestSync_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"in flight", xerrors.ErrSyncInProgress, http.StatusAccepted},
		{"signed out", xerrors.ErrNotAuthenticated, http.StatusUnauthorized},
		{"offline", xerrors.ErrNetwork, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{SyncFunc: func(context.Context) (*notification.SyncReport, error) {
				return &notification.SyncReport{}, tt.err
			}}
			w := httptest.NewRecorder()
			setupRouter(q).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/notifications/sync", nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestGetNotifications_StatusFilter(t *testing.T) {
	q := &fakeQueue{}
	w := httptest.NewRecorder()
	setupRouter(q).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/notifications?status=failed&status=pending", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, q.filters)
	assert.Equal(t, []notification.Status{notification.StatusFailed, notification.StatusPending}, q.filters.Statuses)
}

func TestClearBadge(t *testing.T) {
	q := &fakeQueue{}
	w := httptest.NewRecorder()
	setupRouter(q).ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/notifications/badge", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, q.badgeCleared)
}
