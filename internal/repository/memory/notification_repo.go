// internal/repository/memory/notification_repo.go
package memory

import (
	"context"
	"fmt"

	"lifeline-client/internal/domain/notification"
	xerrors "lifeline-client/internal/pkg/errors"

	"github.com/patrickmn/go-cache"
)

// NotificationRepository is a process-local queue store.
type NotificationRepository struct {
	c *cache.Cache
}

func NewNotificationRepository() *NotificationRepository {
	return &NotificationRepository{c: cache.New(cache.NoExpiration, 0)}
}

func (r *NotificationRepository) Create(_ context.Context, n *notification.Record) error {
	if err := r.c.Add(n.ID, copyRecord(n), cache.NoExpiration); err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	return nil
}

func (r *NotificationRepository) FindByID(_ context.Context, id string) (*notification.Record, error) {
	v, ok := r.c.Get(id)
	if !ok {
		return nil, xerrors.ErrRecordNotFound
	}
	return copyRecord(v.(*notification.Record)), nil
}

func (r *NotificationRepository) Update(_ context.Context, n *notification.Record) error {
	if err := r.c.Replace(n.ID, copyRecord(n), cache.NoExpiration); err != nil {
		return xerrors.ErrRecordNotFound
	}
	return nil
}

func (r *NotificationRepository) List(_ context.Context, filters *notification.ListFilters) ([]*notification.Record, error) {
	items := r.c.Items()
	records := make([]*notification.Record, 0, len(items))
	for _, it := range items {
		n := it.Object.(*notification.Record)
		if filters.Matches(n) {
			records = append(records, copyRecord(n))
		}
	}
	notification.SortRecords(records)
	return records, nil
}

func (r *NotificationRepository) Delete(_ context.Context, ids ...string) (int64, error) {
	var n int64
	for _, id := range ids {
		if _, ok := r.c.Get(id); ok {
			r.c.Delete(id)
			n++
		}
	}
	return n, nil
}

func (r *NotificationRepository) DeleteAll(_ context.Context) (int64, error) {
	n := int64(r.c.ItemCount())
	r.c.Flush()
	return n, nil
}

func copyRecord(n *notification.Record) *notification.Record {
	cp := *n
	if n.Payload != nil {
		cp.Payload = append([]byte(nil), n.Payload...)
	}
	if n.LastAttemptAt != nil {
		t := *n.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	return &cp
}

var _ notification.Repository = (*NotificationRepository)(nil)
