// internal/repository/redis/notification_repo.go
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"lifeline-client/internal/domain/notification"
	xerrors "lifeline-client/internal/pkg/errors"

	"github.com/redis/go-redis/v9"
)

// NotificationRepository keeps every record as a JSON field of one hash.
type NotificationRepository struct {
	client *redis.Client
	key    string
}

// updateScript writes the field only while it exists, so a record removed by
// a concurrent clear is not written back.
var updateScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

func NewNotificationRepository(client *redis.Client, prefix string) *NotificationRepository {
	return &NotificationRepository{client: client, key: prefix + "queue:records"}
}

func (r *NotificationRepository) Create(ctx context.Context, n *notification.Record) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	created, err := r.client.HSetNX(ctx, r.key, n.ID, data).Result()
	if err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	if !created {
		return fmt.Errorf("notification %s already exists", n.ID)
	}
	return nil
}

func (r *NotificationRepository) FindByID(ctx context.Context, id string) (*notification.Record, error) {
	data, err := r.client.HGet(ctx, r.key, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, xerrors.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return decode(data)
}

func (r *NotificationRepository) Update(ctx context.Context, n *notification.Record) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	updated, err := updateScript.Run(ctx, r.client, []string{r.key}, n.ID, data).Int()
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}
	if updated == 0 {
		return xerrors.ErrRecordNotFound
	}
	return nil
}

func (r *NotificationRepository) List(ctx context.Context, filters *notification.ListFilters) ([]*notification.Record, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}

	records := make([]*notification.Record, 0, len(all))
	for _, raw := range all {
		n, err := decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		if filters.Matches(n) {
			records = append(records, n)
		}
	}
	notification.SortRecords(records)
	return records, nil
}

func (r *NotificationRepository) Delete(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := r.client.HDel(ctx, r.key, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete notifications: %w", err)
	}
	return n, nil
}

func (r *NotificationRepository) DeleteAll(ctx context.Context) (int64, error) {
	var count *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		count = p.HLen(ctx, r.key)
		p.Del(ctx, r.key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear notifications: %w", err)
	}
	return count.Val(), nil
}

func decode(data []byte) (*notification.Record, error) {
	var n notification.Record
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification: %w", err)
	}
	return &n, nil
}

var _ notification.Repository = (*NotificationRepository)(nil)
