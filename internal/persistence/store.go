// Package persistence stores the small amount of client state that must
// survive a restart: the active session pointer, per-conversation tool
// selections and layout preferences.
package persistence

import (
	"context"

	"github.com/ashureev/taskdesk/internal/domain"
)

const (
	keyActiveSession  = "active_session"
	keyToolsPrefix    = "tools:"
	keyLeftPanelWidth = "layout:left_panel_width"
)

// Panel width bounds, in percent of the window.
const (
	MinPanelWidth     = 20
	MaxPanelWidth     = 70
	DefaultPanelWidth = 35
)

// Store defines the persisted client state. Absent values are reported as
// zero values, never as errors.
type Store interface {
	// SaveActive records the task id the draft conversation was promoted to.
	SaveActive(ctx context.Context, taskID string) error

	// LoadActive returns the recorded task id or "" when none is set.
	LoadActive(ctx context.Context) (string, error)

	// ClearActive removes the active session pointer.
	ClearActive(ctx context.Context) error

	// SaveTools records the tool selection of a conversation.
	SaveTools(ctx context.Context, scope domain.Scope, tools []string) error

	// LoadTools returns the tool selection of a conversation, nil when unset.
	LoadTools(ctx context.Context, scope domain.Scope) ([]string, error)

	// SavePanelWidth stores the left panel width clamped to the allowed range.
	SavePanelWidth(ctx context.Context, width int) error

	// LoadPanelWidth returns the stored width or DefaultPanelWidth.
	LoadPanelWidth(ctx context.Context) (int, error)

	// Close releases underlying resources.
	Close() error
}

func toolsKey(scope domain.Scope) string {
	return keyToolsPrefix + scope.Key()
}

// ClampPanelWidth bounds width to [MinPanelWidth, MaxPanelWidth].
func ClampPanelWidth(width int) int {
	return min(max(width, MinPanelWidth), MaxPanelWidth)
}
