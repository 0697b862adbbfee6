// Package repotest holds behaviour checks shared by every
// notification.Repository implementation.
package repotest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"lifeline-client/internal/domain/notification"
	xerrors "lifeline-client/internal/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id string, p notification.Priority, s notification.Status, created time.Time) *notification.Record {
	return &notification.Record{
		ID:        id,
		Kind:      notification.KindReminder,
		Priority:  p,
		Status:    s,
		Payload:   json.RawMessage(`{"request_id":"` + id + `"}`),
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// NotificationRepository runs the shared checks against a fresh, empty repo
// returned by newRepo.
func NotificationRepository(t *testing.T, newRepo func(t *testing.T) notification.Repository) {
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	t.Run("create and find", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		want := record("01A", notification.PriorityCritical, notification.StatusPending, base)
		require.NoError(t, repo.Create(ctx, want))

		got, err := repo.FindByID(ctx, "01A")
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Priority, got.Priority)
		assert.JSONEq(t, string(want.Payload), string(got.Payload))
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))

		_, err = repo.FindByID(ctx, "missing")
		assert.ErrorIs(t, err, xerrors.ErrRecordNotFound)

		assert.Error(t, repo.Create(ctx, want), "duplicate id")
	})

	t.Run("update", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		r := record("01A", notification.PriorityUrgent, notification.StatusPending, base)
		require.NoError(t, repo.Create(ctx, r))

		at := base.Add(time.Minute)
		r.Status = notification.StatusFailed
		r.Attempts = 1
		r.LastError = "timeout"
		r.LastAttemptAt = &at
		r.UpdatedAt = at
		require.NoError(t, repo.Update(ctx, r))

		got, err := repo.FindByID(ctx, "01A")
		require.NoError(t, err)
		assert.Equal(t, notification.StatusFailed, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.Equal(t, "timeout", got.LastError)
		require.NotNil(t, got.LastAttemptAt)
		assert.True(t, got.LastAttemptAt.Equal(at))

		missing := record("nope", notification.PriorityLow, notification.StatusPending, base)
		assert.ErrorIs(t, repo.Update(ctx, missing), xerrors.ErrRecordNotFound)
	})

	t.Run("update after clear is not written back", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		r := record("01A", notification.PriorityUrgent, notification.StatusPending, base)
		require.NoError(t, repo.Create(ctx, r))
		n, err := repo.DeleteAll(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		r.Status = notification.StatusFailed
		assert.ErrorIs(t, repo.Update(ctx, r), xerrors.ErrRecordNotFound)
		_, err = repo.FindByID(ctx, "01A")
		assert.ErrorIs(t, err, xerrors.ErrRecordNotFound)
	})

	t.Run("list ordered and filtered", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		for _, r := range []*notification.Record{
			record("a", notification.PriorityLow, notification.StatusPending, base),
			record("b", notification.PriorityCritical, notification.StatusFailed, base.Add(time.Second)),
			record("c", notification.PriorityNormal, notification.StatusSent, base.Add(2*time.Second)),
			record("d", notification.PriorityCritical, notification.StatusPending, base.Add(3*time.Second)),
		} {
			require.NoError(t, repo.Create(ctx, r))
		}

		all, err := repo.List(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "d", "c", "a"}, ids(all))

		syncable, err := repo.List(ctx, &notification.ListFilters{
			Statuses: []notification.Status{notification.StatusPending, notification.StatusFailed},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "d", "a"}, ids(syncable))
	})

	t.Run("delete", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, repo.Create(ctx, record(id, notification.PriorityNormal, notification.StatusPending, base)))
		}

		n, err := repo.Delete(ctx, "a", "missing")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		n, err = repo.DeleteAll(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		all, err := repo.List(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func ids(records []*notification.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
