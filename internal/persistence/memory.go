package persistence

import (
	"context"
	"slices"
	"sync"

	"github.com/ashureev/taskdesk/internal/domain"
)

// MemoryStore is a process-local Store. State is lost on exit.
type MemoryStore struct {
	mu     sync.Mutex
	active string
	tools  map[string][]string
	width  int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{tools: make(map[string][]string), width: DefaultPanelWidth}
}

func (m *MemoryStore) SaveActive(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = taskID
	return nil
}

func (m *MemoryStore) LoadActive(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, nil
}

func (m *MemoryStore) ClearActive(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = ""
	return nil
}

func (m *MemoryStore) SaveTools(_ context.Context, scope domain.Scope, tools []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools[toolsKey(scope)] = slices.Clone(tools)
	return nil
}

func (m *MemoryStore) LoadTools(_ context.Context, scope domain.Scope) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.tools[toolsKey(scope)]), nil
}

func (m *MemoryStore) SavePanelWidth(_ context.Context, width int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.width = ClampPanelWidth(width)
	return nil
}

func (m *MemoryStore) LoadPanelWidth(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.width, nil
}

func (m *MemoryStore) Close() error { return nil }
