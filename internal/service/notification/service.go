// internal/service/notification/service.go
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lifeline-client/internal/domain/notification"
	"lifeline-client/internal/metrics"
	xerrors "lifeline-client/internal/pkg/errors"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// SyncService delivers queued records to the remote sync endpoint.
type SyncService interface {
	Sync(ctx context.Context, accessToken string, req notification.SyncRequest) (*notification.SyncResponse, error)
}

// Authorizer runs authenticated calls on behalf of the queue.
type Authorizer interface {
	IsAuthenticated() bool
	DoAuthorized(ctx context.Context, fn func(ctx context.Context, accessToken string) error) error
}

// Badge is the platform badge counter.
type Badge interface {
	SetBadge(n int)
	ClearBadge()
}

// StatusListener receives the recomputed queue status after every change.
type StatusListener func(notification.QueueStatus)

type Config struct {
	SyncInterval    time.Duration
	SyncedRetention time.Duration
}

// QueueManager owns the notification queue: enqueue, prioritized sync and the
// badge count.
type QueueManager struct {
	repo    notification.Repository
	syncSvc SyncService
	auth    Authorizer
	badge   Badge
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	syncing atomic.Bool

	badgeMu    sync.Mutex
	badgeCount int

	listenersMu sync.RWMutex
	listeners   []StatusListener

	loopMu     sync.Mutex
	baseCtx    context.Context
	foreground bool
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

func NewQueueManager(
	repo notification.Repository,
	syncSvc SyncService,
	auth Authorizer,
	badge Badge,
	cfg Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) *QueueManager {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueManager{
		repo:    repo,
		syncSvc: syncSvc,
		auth:    auth,
		badge:   badge,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (q *QueueManager) WithClock(now func() time.Time) *QueueManager {
	q.now = now
	return q
}

func (q *QueueManager) Subscribe(l StatusListener) {
	q.listenersMu.Lock()
	q.listeners = append(q.listeners, l)
	q.listenersMu.Unlock()
}

// ========== Queue operations ==========

// Initialize restores the badge from the persisted queue after a cold start.
func (q *QueueManager) Initialize(ctx context.Context) (notification.QueueStatus, error) {
	records, err := q.repo.List(ctx, nil)
	if err != nil {
		return notification.QueueStatus{}, fmt.Errorf("failed to load queue: %w", err)
	}

	outstanding := 0
	for _, r := range records {
		if r.Syncable() {
			outstanding++
		}
	}
	q.setBadge(outstanding)

	st := q.statusOf(records)
	q.logger.Info("notification queue restored",
		zap.Int("total", st.TotalItems),
		zap.Int("outstanding", outstanding),
	)
	q.publish(st)
	return st, nil
}

// Enqueue persists a new pending record for kind and bumps the badge.
func (q *QueueManager) Enqueue(ctx context.Context, kind notification.Kind, payload json.RawMessage) (*notification.Record, error) {
	priority, ok := notification.PriorityFor(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", xerrors.ErrUnknownKind, kind)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid json", xerrors.ErrInvalidInput)
	}

	now := q.now().UTC()
	r := &notification.Record{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Kind:      kind,
		Priority:  priority,
		Status:    notification.StatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.repo.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to enqueue notification: %w", err)
	}

	q.badgeMu.Lock()
	q.badgeCount++
	n := q.badgeCount
	q.badgeMu.Unlock()
	q.applyBadge(n)

	q.logger.Debug("notification enqueued",
		zap.String("id", r.ID),
		zap.String("kind", string(kind)),
		zap.String("priority", string(priority)),
	)
	q.refreshStatus(ctx)
	return r, nil
}

// GetQueueStatus recomputes the status from every persisted record.
func (q *QueueManager) GetQueueStatus(ctx context.Context) (notification.QueueStatus, error) {
	records, err := q.repo.List(ctx, nil)
	if err != nil {
		return notification.QueueStatus{}, fmt.Errorf("failed to load queue: %w", err)
	}
	return q.statusOf(records), nil
}

// ListRecords returns every record in processing order.
func (q *QueueManager) ListRecords(ctx context.Context, filters *notification.ListFilters) ([]*notification.Record, error) {
	records, err := q.repo.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return records, nil
}

// ClearNotificationBadge zeroes the badge. Records are untouched.
func (q *QueueManager) ClearNotificationBadge(ctx context.Context) {
	q.badgeMu.Lock()
	q.badgeCount = 0
	q.badgeMu.Unlock()

	if q.badge != nil {
		q.badge.ClearBadge()
	}
	q.metrics.Badge(0)
	q.refreshStatus(ctx)
}

// Clear deletes every record and resets the badge.
func (q *QueueManager) Clear(ctx context.Context) (int64, error) {
	n, err := q.repo.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}
	q.ClearNotificationBadge(ctx)
	q.logger.Info("notification queue cleared", zap.Int64("removed", n))
	return n, nil
}

// ========== Sync ==========

// SyncNotificationResponses delivers pending and failed records tier by tier.
// A transport failure marks the current tier failed and leaves later tiers
// untouched.
func (q *QueueManager) SyncNotificationResponses(ctx context.Context) (*notification.SyncReport, error) {
	if !q.auth.IsAuthenticated() {
		return nil, xerrors.ErrNotAuthenticated
	}
	if !q.syncing.CompareAndSwap(false, true) {
		return nil, xerrors.ErrSyncInProgress
	}
	defer q.syncing.Store(false)

	start := q.now()
	report := &notification.SyncReport{StartedAt: start.UTC()}
	q.refreshStatus(ctx)

	defer func() {
		elapsed := q.now().Sub(start)
		report.Duration = elapsed.String()
		q.metrics.SyncDuration(elapsed.Seconds())
		q.refreshStatus(ctx)
	}()

	records, err := q.repo.List(ctx, &notification.ListFilters{
		Statuses: []notification.Status{notification.StatusPending, notification.StatusFailed},
	})
	if err != nil {
		return report, fmt.Errorf("failed to load queue: %w", err)
	}

	tiers := make(map[notification.Priority][]*notification.Record, len(notification.Priorities))
	for _, r := range records {
		tiers[r.Priority] = append(tiers[r.Priority], r)
	}

	var syncErr error
	for _, p := range notification.Priorities {
		tier := tiers[p]
		if len(tier) == 0 {
			continue
		}
		notification.SortRecords(tier)

		if err := q.syncTier(ctx, p, tier, report); err != nil {
			syncErr = fmt.Errorf("sync %s tier: %w", p, err)
			break
		}
	}

	removed, err := q.finalize(ctx)
	report.Removed = removed
	if syncErr == nil && err != nil {
		syncErr = err
	}

	q.settleBadge(ctx)

	fields := []zap.Field{
		zap.Int("attempted", report.Attempted),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Int("removed", report.Removed),
	}
	if syncErr != nil {
		q.logger.Warn("notification sync incomplete", append(fields, zap.Error(syncErr))...)
		return report, syncErr
	}
	q.logger.Info("notification sync finished", fields...)
	return report, nil
}

func (q *QueueManager) syncTier(ctx context.Context, p notification.Priority, tier []*notification.Record, report *notification.SyncReport) error {
	req := notification.SyncRequest{Records: make([]notification.SyncItem, 0, len(tier))}
	for _, r := range tier {
		req.Records = append(req.Records, notification.SyncItem{
			ID:        r.ID,
			Kind:      r.Kind,
			Priority:  r.Priority,
			Payload:   r.Payload,
			CreatedAt: r.CreatedAt,
			Attempts:  r.Attempts,
		})
		report.Order = append(report.Order, r.ID)
	}
	report.Attempted += len(tier)

	var resp *notification.SyncResponse
	callErr := q.auth.DoAuthorized(ctx, func(ctx context.Context, token string) error {
		var err error
		resp, err = q.syncSvc.Sync(ctx, token, req)
		return err
	})

	now := q.now().UTC()
	if callErr != nil {
		for _, r := range tier {
			q.markFailed(ctx, r, callErr.Error(), now)
			report.Failed++
		}
		return callErr
	}

	results := make(map[string]notification.SyncResult, len(resp.Results))
	for _, res := range resp.Results {
		results[res.ID] = res
	}

	for _, r := range tier {
		res, ok := results[r.ID]
		switch {
		case ok && res.Ack:
			r.Status = notification.StatusSent
			r.LastError = ""
			r.Attempts++
			r.LastAttemptAt = &now
			r.UpdatedAt = now
			if err := q.repo.Update(ctx, r); err != nil {
				q.logger.Error("failed to mark notification sent", zap.String("id", r.ID), zap.Error(err))
				continue
			}
			report.Sent++
			q.metrics.SyncRecord(string(p), "ack")
		case ok:
			q.markFailed(ctx, r, messageOr(res.Error, "rejected by sync service"), now)
			report.Failed++
		default:
			q.markFailed(ctx, r, "missing from sync response", now)
			report.Failed++
		}
	}
	return nil
}

func (q *QueueManager) markFailed(ctx context.Context, r *notification.Record, reason string, now time.Time) {
	r.Status = notification.StatusFailed
	r.Attempts++
	r.LastError = reason
	r.LastAttemptAt = &now
	r.UpdatedAt = now
	if err := q.repo.Update(ctx, r); err != nil {
		q.logger.Error("failed to mark notification failed", zap.String("id", r.ID), zap.Error(err))
	}
	q.metrics.SyncRecord(string(r.Priority), "nack")
}

// finalize promotes sent records to synced and drops synced records past the
// retention window.
func (q *QueueManager) finalize(ctx context.Context) (int, error) {
	records, err := q.repo.List(ctx, &notification.ListFilters{
		Statuses: []notification.Status{notification.StatusSent, notification.StatusSynced},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load synced records: %w", err)
	}

	now := q.now().UTC()
	var expired []string
	for _, r := range records {
		if r.Status == notification.StatusSent {
			r.Status = notification.StatusSynced
			r.UpdatedAt = now
			if err := q.repo.Update(ctx, r); err != nil {
				return 0, fmt.Errorf("failed to mark notification synced: %w", err)
			}
		}
		if now.Sub(r.UpdatedAt) >= q.cfg.SyncedRetention {
			expired = append(expired, r.ID)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	n, err := q.repo.Delete(ctx, expired...)
	if err != nil {
		return 0, fmt.Errorf("failed to remove synced records: %w", err)
	}
	return int(n), nil
}

// settleBadge caps the badge at the number of records still outstanding.
func (q *QueueManager) settleBadge(ctx context.Context) {
	records, err := q.repo.List(ctx, &notification.ListFilters{
		Statuses: []notification.Status{notification.StatusPending, notification.StatusFailed},
	})
	if err != nil {
		q.logger.Warn("failed to recount badge", zap.Error(err))
		return
	}

	q.badgeMu.Lock()
	if q.badgeCount <= len(records) {
		q.badgeMu.Unlock()
		return
	}
	q.badgeCount = len(records)
	n := q.badgeCount
	q.badgeMu.Unlock()
	q.applyBadge(n)
}

// ========== Triggers ==========

// Start begins periodic syncing while the app is in the foreground.
func (q *QueueManager) Start(ctx context.Context) {
	q.loopMu.Lock()
	defer q.loopMu.Unlock()
	q.baseCtx = ctx
	q.foreground = true
	q.startLocked()
}

// Stop ends periodic syncing and waits for the loop to exit.
func (q *QueueManager) Stop() {
	q.loopMu.Lock()
	defer q.loopMu.Unlock()
	q.foreground = false
	q.stopLocked()
}

// OnForeground syncs immediately and resumes ticking.
func (q *QueueManager) OnForeground(ctx context.Context) error {
	q.loopMu.Lock()
	q.foreground = true
	if q.baseCtx != nil {
		q.startLocked()
	}
	q.loopMu.Unlock()
	return q.trigger(ctx, "foreground")
}

// OnBackground pauses ticking. Records stay queued.
func (q *QueueManager) OnBackground() {
	q.loopMu.Lock()
	defer q.loopMu.Unlock()
	q.foreground = false
	q.stopLocked()
	q.logger.Debug("notification sync paused")
}

// OnNetworkRestored syncs immediately.
func (q *QueueManager) OnNetworkRestored(ctx context.Context) error {
	return q.trigger(ctx, "network")
}

// Ticking reports whether the periodic loop is running.
func (q *QueueManager) Ticking() bool {
	q.loopMu.Lock()
	defer q.loopMu.Unlock()
	return q.loopCancel != nil
}

func (q *QueueManager) trigger(ctx context.Context, reason string) error {
	_, err := q.SyncNotificationResponses(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, xerrors.ErrNotAuthenticated), errors.Is(err, xerrors.ErrSyncInProgress):
		q.logger.Debug("notification sync skipped", zap.String("trigger", reason), zap.Error(err))
		return nil
	default:
		return err
	}
}

func (q *QueueManager) startLocked() {
	q.stopLocked()

	loopCtx, cancel := context.WithCancel(q.baseCtx)
	done := make(chan struct{})
	q.loopCancel = cancel
	q.loopDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(q.cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := q.trigger(loopCtx, "interval"); err != nil {
					q.logger.Warn("periodic notification sync failed", zap.Error(err))
				}
			}
		}
	}()
	q.logger.Info("notification sync started", zap.Duration("interval", q.cfg.SyncInterval))
}

func (q *QueueManager) stopLocked() {
	if q.loopCancel == nil {
		return
	}
	q.loopCancel()
	<-q.loopDone
	q.loopCancel = nil
	q.loopDone = nil
}

// ========== Helpers ==========

func (q *QueueManager) statusOf(records []*notification.Record) notification.QueueStatus {
	st := notification.ComputeStatus(records, q.syncing.Load())
	q.badgeMu.Lock()
	st.Badge = q.badgeCount
	q.badgeMu.Unlock()
	return st
}

func (q *QueueManager) refreshStatus(ctx context.Context) {
	st, err := q.GetQueueStatus(ctx)
	if err != nil {
		q.logger.Warn("failed to recompute queue status", zap.Error(err))
		return
	}
	q.publish(st)
}

func (q *QueueManager) publish(st notification.QueueStatus) {
	byStatus := make(map[string]int, len(st.ByStatus))
	for s, n := range st.ByStatus {
		byStatus[string(s)] = n
	}
	q.metrics.QueueItems(byStatus)

	q.listenersMu.RLock()
	ls := append([]StatusListener(nil), q.listeners...)
	q.listenersMu.RUnlock()
	for _, l := range ls {
		l(st)
	}
}

func (q *QueueManager) setBadge(n int) {
	q.badgeMu.Lock()
	q.badgeCount = n
	q.badgeMu.Unlock()
	q.applyBadge(n)
}

func (q *QueueManager) applyBadge(n int) {
	if q.badge != nil {
		q.badge.SetBadge(n)
	}
	q.metrics.Badge(n)
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
