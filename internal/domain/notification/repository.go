// internal/domain/notification/repository.go
package notification

import "context"

// ListFilters narrows List. An empty filter returns every record.
type ListFilters struct {
	Statuses []Status
}

// Matches reports whether r passes the filter.
func (f *ListFilters) Matches(r *Record) bool {
	if f == nil || len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// Repository persists queue records. Implementations return
// xerrors.ErrRecordNotFound for unknown ids.
type Repository interface {
	Create(ctx context.Context, r *Record) error
	FindByID(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, r *Record) error
	List(ctx context.Context, filters *ListFilters) ([]*Record, error)
	Delete(ctx context.Context, ids ...string) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
}
