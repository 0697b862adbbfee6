// internal/repository/postgres/notification_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lifeline-client/internal/domain/notification"
	xerrors "lifeline-client/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const notificationSchema = `
CREATE TABLE IF NOT EXISTS notification_queue (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	priority        TEXT NOT NULL,
	priority_rank   SMALLINT NOT NULL,
	status          TEXT NOT NULL,
	payload         JSONB,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	last_attempt_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_notification_queue_order
	ON notification_queue (priority_rank, created_at, id);
CREATE INDEX IF NOT EXISTS idx_notification_queue_status
	ON notification_queue (status);
`

const notificationColumns = `id, kind, priority, status, payload, attempts, last_error, created_at, updated_at, last_attempt_at`

type NotificationRepository struct {
	db *pgxpool.Pool
}

func NewNotificationRepository(db *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// schemaLockID serializes schema setup between agents sharing a database.
const schemaLockID = 7_310_420_001

// EnsureSchema creates the queue table when missing.
func (r *NotificationRepository) EnsureSchema(ctx context.Context) error {
	return NewDB(r.db).WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(schemaLockID)); err != nil {
			return fmt.Errorf("failed to lock schema: %w", err)
		}
		if _, err := tx.Exec(ctx, notificationSchema); err != nil {
			return fmt.Errorf("failed to create notification_queue: %w", err)
		}
		return nil
	})
}

// Create inserts a new record
func (r *NotificationRepository) Create(ctx context.Context, n *notification.Record) error {
	query := `
		INSERT INTO notification_queue
			(id, kind, priority, priority_rank, status, payload, attempts, last_error, created_at, updated_at, last_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.Exec(ctx, query,
		n.ID, n.Kind, n.Priority, n.Priority.Rank(), n.Status, payloadArg(n.Payload),
		n.Attempts, n.LastError, n.CreatedAt, n.UpdatedAt, n.LastAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// FindByID retrieves a record by id
func (r *NotificationRepository) FindByID(ctx context.Context, id string) (*notification.Record, error) {
	query := `SELECT ` + notificationColumns + ` FROM notification_queue WHERE id = $1`

	n, err := scanRecord(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find notification: %w", err)
	}
	return n, nil
}

// Update overwrites the mutable fields of a record
func (r *NotificationRepository) Update(ctx context.Context, n *notification.Record) error {
	query := `
		UPDATE notification_queue
		SET status = $1, attempts = $2, last_error = $3, updated_at = $4, last_attempt_at = $5
		WHERE id = $6
	`
	result, err := r.db.Exec(ctx, query, n.Status, n.Attempts, n.LastError, n.UpdatedAt, n.LastAttemptAt, n.ID)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return xerrors.ErrRecordNotFound
	}
	return nil
}

// List returns records in queue order
func (r *NotificationRepository) List(ctx context.Context, filters *notification.ListFilters) ([]*notification.Record, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filters != nil && len(filters.Statuses) > 0 {
		statuses := make([]string, len(filters.Statuses))
		for i, s := range filters.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + notificationColumns + ` FROM notification_queue`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY priority_rank, created_at, id"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	records := []*notification.Record{}
	for rows.Next() {
		n, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		records = append(records, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}
	return records, nil
}

// Delete removes the given records
func (r *NotificationRepository) Delete(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.db.Exec(ctx, `DELETE FROM notification_queue WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete notifications: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteAll empties the queue
func (r *NotificationRepository) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM notification_queue`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear notifications: %w", err)
	}
	return result.RowsAffected(), nil
}

func scanRecord(row pgx.Row) (*notification.Record, error) {
	var n notification.Record
	var payload []byte
	err := row.Scan(
		&n.ID, &n.Kind, &n.Priority, &n.Status, &payload,
		&n.Attempts, &n.LastError, &n.CreatedAt, &n.UpdatedAt, &n.LastAttemptAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		n.Payload = payload
	}
	return &n, nil
}

// payloadArg sends NULL for an empty payload so JSONB stays valid.
func payloadArg(p []byte) interface{} {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

var _ notification.Repository = (*NotificationRepository)(nil)
