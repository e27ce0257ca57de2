package backend

import (
	"strings"
	"time"

	"github.com/ashureev/taskdesk/internal/domain"
)

type taskWire struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Status    domain.TaskStatus `json:"status"`
	State     int               `json:"state"`
	CreatedAt string            `json:"created_at"`
}

var createdAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

func (w taskWire) toDomain() domain.Task {
	return domain.Task{
		ID:        w.ID,
		Title:     w.Title,
		Status:    w.Status,
		State:     w.State,
		CreatedAt: parseCreatedAt(w.CreatedAt),
	}
}

// parseCreatedAt accepts the timestamp shapes the service is known to emit.
// Unparseable values sort last.
func parseCreatedAt(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range createdAtLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
