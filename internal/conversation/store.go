// Package conversation owns every conversation the client knows about: one
// per task plus a single draft for the conversation that has no task yet.
package conversation

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/ashureev/taskdesk/internal/backend"
	"github.com/ashureev/taskdesk/internal/domain"
	"github.com/ashureev/taskdesk/internal/pending"
	"github.com/ashureev/taskdesk/internal/persistence"
	"github.com/ashureev/taskdesk/internal/tools"
)

// Backend is the subset of the task service used by the store.
type Backend interface {
	CreateOrContinueConversation(ctx context.Context, sessionID string, req backend.ConversationRequest) (*backend.ConversationReply, error)
	PostTaskMessage(ctx context.Context, taskID string, req backend.ConversationRequest) (*backend.MessagesReply, error)
	GetTaskMessages(ctx context.Context, taskID string) (*backend.MessagesReply, error)
}

// TaskTracker flips a task to processing while a turn is in flight. The
// returned func undoes the change and is called when the turn fails.
type TaskTracker interface {
	MarkProcessing(taskID string) (restore func())
}

// Publisher broadcasts lifecycle events.
type Publisher interface {
	Publish(domain.LifecycleEvent)
}

// SelectionFunc observes selection changes. sessionID is the backend session
// the selected conversation is bound to, "" for a fresh draft.
type SelectionFunc func(scope domain.Scope, sessionID string)

// Option configures a Store.
type Option func(*Store)

// WithTracker sets the task tracker consulted on task-scoped sends.
func WithTracker(t TaskTracker) Option {
	return func(s *Store) { s.tracker = t }
}

// WithCatalog sets the tool catalog used to resolve backend tool names.
func WithCatalog(c *tools.Catalog) Option {
	return func(s *Store) {
		if c != nil {
			s.catalog = c
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// OnSelect registers fn to run after every selection change.
func OnSelect(fn SelectionFunc) Option {
	return func(s *Store) { s.onSelect = append(s.onSelect, fn) }
}

// Store is the single owner of conversation state. All reads return copies.
type Store struct {
	backend  Backend
	persist  persistence.Store
	ctrl     *pending.Controller
	bus      Publisher
	tracker  TaskTracker
	catalog  *tools.Catalog
	logger   *slog.Logger
	onSelect []SelectionFunc

	mu       sync.Mutex
	states   map[domain.Scope]*domain.ConversationState
	loaded   map[string]bool
	selected domain.Scope
	draftGen uint64
}

// New creates a store with the draft selected.
func New(b Backend, p persistence.Store, ctrl *pending.Controller, bus Publisher, opts ...Option) *Store {
	s := &Store{
		backend: b,
		persist: p,
		ctrl:    ctrl,
		bus:     bus,
		catalog: tools.Default(),
		logger:  slog.Default(),
		states:  make(map[domain.Scope]*domain.ConversationState),
		loaded:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Messages        *[]domain.Message
	Loading         *bool
	Submitting      *bool
	Error           *string
	LastFailedInput *string
	SelectedTools   *[]string
	SessionID       *string
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

func (p Patch) apply(st *domain.ConversationState) {
	if p.Messages != nil {
		st.Messages = slices.Clone(*p.Messages)
	}
	if p.Loading != nil {
		st.Loading = *p.Loading
	}
	if p.Submitting != nil {
		st.Submitting = *p.Submitting
	}
	if p.Error != nil {
		st.Error = *p.Error
	}
	if p.LastFailedInput != nil {
		st.LastFailedInput = *p.LastFailedInput
	}
	if p.SelectedTools != nil {
		st.SelectedTools = slices.Clone(*p.SelectedTools)
	}
	if p.SessionID != nil {
		st.SessionID = *p.SessionID
	}
	if st.Submitting {
		st.Loading = true
	}
}

// Get returns the state of scope, creating a default one on first use.
func (s *Store) Get(scope domain.Scope) domain.ConversationState {
	s.ensure(scope)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[scope].Clone()
}

// Patch merges p into the state of scope. Tool changes are persisted.
func (s *Store) Patch(scope domain.Scope, p Patch) domain.ConversationState {
	s.ensure(scope)

	s.mu.Lock()
	st := s.states[scope]
	p.apply(st)
	out := st.Clone()
	s.mu.Unlock()

	if p.SelectedTools != nil {
		s.saveTools(scope, out.SelectedTools)
	}
	return out
}

// Select makes scope the current conversation.
func (s *Store) Select(scope domain.Scope) domain.ConversationState {
	s.ensure(scope)

	s.mu.Lock()
	s.selected = scope
	out := s.states[scope].Clone()
	s.mu.Unlock()

	sessionID := out.SessionID
	if !scope.IsDraft() {
		sessionID = scope.TaskID
	}
	s.notifySelect(scope, sessionID)
	return out
}

// Selected returns the current scope.
func (s *Store) Selected() domain.Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Current returns the selected scope and its state.
func (s *Store) Current() (domain.Scope, domain.ConversationState) {
	scope := s.Selected()
	return scope, s.Get(scope)
}

// PatchCurrent patches whichever conversation is selected.
func (s *Store) PatchCurrent(p Patch) domain.ConversationState {
	return s.Patch(s.Selected(), p)
}

// IsLoading reports whether the conversation of taskID has a turn in flight.
func (s *Store) IsLoading(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[domain.TaskScope(taskID)]
	return ok && st.Busy()
}

// PromoteDraftToTask moves the draft's messages and tools under taskID,
// resets the draft, selects the task and records it as the active session.
func (s *Store) PromoteDraftToTask(ctx context.Context, taskID string) domain.ConversationState {
	s.mu.Lock()
	draft := s.draftLocked()
	out := s.promoteLocked(taskID, draft.Messages, draft.SelectedTools)
	s.selected = domain.TaskScope(taskID)
	s.mu.Unlock()

	s.afterPromote(ctx, taskID, out)
	s.notifySelect(domain.TaskScope(taskID), taskID)
	return out
}

func (s *Store) promoteLocked(taskID string, msgs []domain.Message, selectedTools []string) domain.ConversationState {
	task := &domain.ConversationState{
		Messages:      slices.Clone(msgs),
		SelectedTools: slices.Clone(selectedTools),
	}
	s.states[domain.TaskScope(taskID)] = task
	s.loaded[taskID] = true
	s.states[domain.Draft] = &domain.ConversationState{}
	s.draftGen++
	return task.Clone()
}

func (s *Store) afterPromote(ctx context.Context, taskID string, st domain.ConversationState) {
	s.saveTools(domain.TaskScope(taskID), st.SelectedTools)
	s.saveTools(domain.Draft, nil)
	if err := s.persist.SaveActive(ctx, taskID); err != nil {
		s.logger.Warn("failed to persist active session", "task_id", taskID, "error", err)
	}
}

// StartNewConversation discards the draft, selects it and forgets the active
// session pointer.
func (s *Store) StartNewConversation(ctx context.Context) domain.ConversationState {
	s.mu.Lock()
	s.states[domain.Draft] = &domain.ConversationState{}
	s.draftGen++
	s.selected = domain.Draft
	out := s.states[domain.Draft].Clone()
	s.mu.Unlock()

	s.saveTools(domain.Draft, nil)
	if err := s.persist.ClearActive(ctx); err != nil {
		s.logger.Warn("failed to clear active session", "error", err)
	}
	s.notifySelect(domain.Draft, "")
	return out
}

// ToggleTool adds toolID to the selected conversation's tools, or removes it
// when already present.
func (s *Store) ToggleTool(toolID string) (domain.ConversationState, error) {
	if !s.catalog.Has(toolID) {
		return domain.ConversationState{}, ErrUnknownTool
	}
	scope := s.Selected()
	s.ensure(scope)

	s.mu.Lock()
	st := s.states[scope]
	if i := slices.Index(st.SelectedTools, toolID); i >= 0 {
		st.SelectedTools = slices.Delete(slices.Clone(st.SelectedTools), i, i+1)
	} else {
		st.SelectedTools = append(slices.Clone(st.SelectedTools), toolID)
	}
	out := st.Clone()
	s.mu.Unlock()

	s.saveTools(scope, out.SelectedTools)
	return out, nil
}

// Retry clears the selected conversation's error and returns the input that
// failed, so it can be put back in the input field.
func (s *Store) Retry() string {
	scope := s.Selected()
	s.ensure(scope)

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[scope]
	input := st.LastFailedInput
	st.Error = ""
	st.LastFailedInput = ""
	return input
}

// ensure creates the state of scope if it does not exist yet, restoring its
// persisted tool selection.
func (s *Store) ensure(scope domain.Scope) {
	s.mu.Lock()
	_, ok := s.states[scope]
	s.mu.Unlock()
	if ok {
		return
	}

	saved, err := s.persist.LoadTools(context.Background(), scope)
	if err != nil {
		s.logger.Warn("failed to load tools", "scope", scope.Key(), "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[scope]; ok {
		return
	}
	s.states[scope] = &domain.ConversationState{SelectedTools: saved}
}

func (s *Store) draftLocked() *domain.ConversationState {
	st, ok := s.states[domain.Draft]
	if !ok {
		st = &domain.ConversationState{}
		s.states[domain.Draft] = st
	}
	return st
}

func (s *Store) saveTools(scope domain.Scope, selected []string) {
	if err := s.persist.SaveTools(context.Background(), scope, selected); err != nil {
		s.logger.Warn("failed to persist tools", "scope", scope.Key(), "error", err)
	}
}

func (s *Store) notifySelect(scope domain.Scope, sessionID string) {
	for _, fn := range s.onSelect {
		fn(scope, sessionID)
	}
}
