// Package domain contains core domain types for the taskdesk client.
package domain

import (
	"time"
)

// TaskStatus is the lifecycle status reported by the backend for a task.
type TaskStatus string

const (
	// StatusProcessing means the backend is working on the task.
	StatusProcessing TaskStatus = "processing"
	// StatusNeedsPermission means the assistant replied and waits for the user.
	StatusNeedsPermission TaskStatus = "needs_permission"
	// StatusComplete is absorbing for automated transitions.
	StatusComplete TaskStatus = "complete"
)

// Statuses lists every known status in display order.
var Statuses = []TaskStatus{StatusProcessing, StatusNeedsPermission, StatusComplete}

// Label returns the human readable label for the status.
func (s TaskStatus) Label() string {
	switch s {
	case StatusProcessing:
		return "Processing"
	case StatusNeedsPermission:
		return "Needs Permission"
	case StatusComplete:
		return "Complete"
	default:
		return string(s)
	}
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusProcessing, StatusNeedsPermission, StatusComplete:
		return true
	}
	return false
}

// Task is a backend-tracked unit of work.
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	State     int        `json:"state"` // backend-defined flag paired with Status, passed through untouched
	CreatedAt time.Time  `json:"created_at"`
}

// IsComplete returns true if the task reached the absorbing status.
func (t *Task) IsComplete() bool {
	return t.Status == StatusComplete
}
