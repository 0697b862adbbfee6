// internal/domain/notification/entity.go
package notification

import (
	"encoding/json"
	"sort"
	"time"
)

type Kind string

const (
	KindEmergency    Kind = "emergency"
	KindUrgent       Kind = "urgent"
	KindReminder     Kind = "reminder"
	KindConfirmation Kind = "confirmation"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityUrgent   Priority = "urgent"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities in processing order
var Priorities = []Priority{PriorityCritical, PriorityUrgent, PriorityNormal, PriorityLow}

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusSynced  Status = "synced"
)

var Statuses = []Status{StatusPending, StatusSent, StatusFailed, StatusSynced}

// PriorityFor maps a producer kind to its queue priority.
func PriorityFor(k Kind) (Priority, bool) {
	switch k {
	case KindEmergency:
		return PriorityCritical, true
	case KindUrgent:
		return PriorityUrgent, true
	case KindReminder:
		return PriorityNormal, true
	case KindConfirmation:
		return PriorityLow, true
	}
	return "", false
}

// Rank is 0 for critical and grows with decreasing severity.
func (p Priority) Rank() int {
	for i, q := range Priorities {
		if q == p {
			return i
		}
	}
	return len(Priorities)
}

// Record is one queued notification response.
type Record struct {
	ID            string          `json:"id" db:"id"`
	Kind          Kind            `json:"kind" db:"kind"`
	Priority      Priority        `json:"priority" db:"priority"`
	Status        Status          `json:"status" db:"status"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Attempts      int             `json:"attempts" db:"attempts"`
	LastError     string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
}

// Syncable reports whether the record still needs delivery.
func (r *Record) Syncable() bool {
	return r.Status == StatusPending || r.Status == StatusFailed
}

// SortRecords orders by priority, then creation time, then id.
func SortRecords(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra < rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// QueueStatus is derived from the record set, never stored.
type QueueStatus struct {
	TotalItems int              `json:"total_items"`
	ByPriority map[Priority]int `json:"by_priority"`
	ByStatus   map[Status]int   `json:"by_status"`
	Processing bool             `json:"processing"`
	Badge      int              `json:"badge"`
}

// ComputeStatus aggregates records into a QueueStatus.
func ComputeStatus(records []*Record, processing bool) QueueStatus {
	st := QueueStatus{
		TotalItems: len(records),
		ByPriority: make(map[Priority]int, len(Priorities)),
		ByStatus:   make(map[Status]int, len(Statuses)),
		Processing: processing,
	}
	for _, p := range Priorities {
		st.ByPriority[p] = 0
	}
	for _, s := range Statuses {
		st.ByStatus[s] = 0
	}
	for _, r := range records {
		st.ByPriority[r.Priority]++
		st.ByStatus[r.Status]++
	}
	return st
}

// SyncItem is the wire shape sent to the sync service.
type SyncItem struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Priority  Priority        `json:"priority"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"attempts"`
}

type SyncRequest struct {
	Records []SyncItem `json:"records"`
}

// SyncResult is the per-record ack/nack from the sync service.
type SyncResult struct {
	ID    string `json:"id"`
	Ack   bool   `json:"ack"`
	Error string `json:"error,omitempty"`
}

type SyncResponse struct {
	Results []SyncResult `json:"results"`
}

// SyncReport summarizes one sync pass.
type SyncReport struct {
	Attempted int       `json:"attempted"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Removed   int       `json:"removed"`
	Order     []string  `json:"order"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

// EnqueueRequest is the local API body for Enqueue
type EnqueueRequest struct {
	Kind    Kind            `json:"kind" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}
