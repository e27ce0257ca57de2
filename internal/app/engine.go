// Package app wires the synchronization components together and exposes the
// actions a renderer performs.
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/taskdesk/internal/conversation"
	"github.com/ashureev/taskdesk/internal/domain"
	"github.com/ashureev/taskdesk/internal/eventbus"
	"github.com/ashureev/taskdesk/internal/notify"
	"github.com/ashureev/taskdesk/internal/pending"
	"github.com/ashureev/taskdesk/internal/persistence"
	"github.com/ashureev/taskdesk/internal/tasks"
	"github.com/ashureev/taskdesk/internal/tools"
)

// ErrNoUser is returned by actions that need a user when none is known.
var ErrNoUser = errors.New("no user")

// Backend is everything the engine needs from the task service.
type Backend interface {
	conversation.Backend
	tasks.Backend
}

// Options tunes the engine. Zero values select package defaults.
type Options struct {
	RequestTimeout    time.Duration
	RefreshDelay      time.Duration
	NotificationTTL   time.Duration
	NotificationLimit int
	Catalog           *tools.Catalog
	Logger            *slog.Logger
}

// Engine is the single instance shared by every view.
type Engine struct {
	Bus           *eventbus.Bus
	Conversations *conversation.Store
	Tasks         *tasks.Registry
	Notifications *notify.Scheduler
	Catalog       *tools.Catalog

	persist persistence.Store
	ctrl    *pending.Controller
	logger  *slog.Logger
	unsub   []func()

	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]notify.ChangeFunc
	user      string
}

// New builds an engine around b and p.
func New(b Backend, p persistence.Store, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = tools.Default()
	}
	refreshDelay := opts.RefreshDelay
	if refreshDelay <= 0 {
		refreshDelay = tasks.DefaultRefreshDelay
	}

	e := &Engine{
		Bus:       eventbus.New(),
		Catalog:   catalog,
		persist:   p,
		ctrl:      pending.New(opts.RequestTimeout, logger.With("component", "pending")),
		logger:    logger,
		listeners: make(map[uint64]notify.ChangeFunc),
	}

	e.Notifications = notify.New(b, e.ctrl,
		notify.WithTTL(opts.NotificationTTL),
		notify.WithLimit(opts.NotificationLimit),
		notify.WithLogger(logger.With("component", "notify")),
		notify.OnChange(e.broadcastNotifications),
	)
	e.Tasks = tasks.New(b, e.ctrl, e.Bus, e.Notifications,
		tasks.WithRefreshDelay(refreshDelay),
		tasks.WithLogger(logger.With("component", "tasks")),
	)
	e.Conversations = conversation.New(b, p, e.ctrl, e.Bus,
		conversation.WithTracker(e.Tasks),
		conversation.WithCatalog(catalog),
		conversation.WithLogger(logger.With("component", "conversation")),
		conversation.OnSelect(func(_ domain.Scope, sessionID string) {
			e.Notifications.SetActiveSession(sessionID)
		}),
	)

	// Reconcile the list before deciding on alerts.
	e.unsub = append(e.unsub, e.Tasks.Watch(e.Bus), e.Notifications.Watch(e.Bus))
	return e
}

// Start restores the persisted session and loads the task list for userID.
// Failures are logged and reported; the engine stays usable.
func (e *Engine) Start(ctx context.Context, userID string) error {
	e.SetUser(userID)

	var errs []error
	if id, err := e.Conversations.Restore(ctx); err != nil {
		e.logger.Warn("failed to restore session", "task_id", id, "error", err)
		errs = append(errs, err)
	} else if id != "" {
		e.logger.Info("restored session", "task_id", id)
	}

	if userID != "" {
		if _, err := e.Tasks.Refresh(ctx, userID); err != nil {
			e.logger.Warn("initial task refresh failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetUser records the user for alerts and background refreshes.
func (e *Engine) SetUser(userID string) {
	e.mu.Lock()
	e.user = userID
	e.mu.Unlock()
	e.Notifications.SetUser(userID)
}

// User returns the last user seen by the engine.
func (e *Engine) User() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.user
}

// Send submits input on the selected conversation.
func (e *Engine) Send(ctx context.Context, userID, input string) (conversation.SendResult, error) {
	if userID == "" {
		return conversation.SendResult{}, ErrNoUser
	}
	e.SetUser(userID)
	return e.Conversations.Send(ctx, userID, input)
}

// SendToTask submits input on the conversation of taskID without changing
// the selection. An empty taskID addresses the draft.
func (e *Engine) SendToTask(ctx context.Context, taskID, userID, input string) (conversation.SendResult, error) {
	if userID == "" {
		return conversation.SendResult{}, ErrNoUser
	}
	e.SetUser(userID)
	return e.Conversations.SendTo(ctx, domain.TaskScope(taskID), userID, input)
}

// SelectTask focuses the conversation of taskID.
func (e *Engine) SelectTask(ctx context.Context, taskID string) (domain.ConversationState, error) {
	return e.Conversations.SelectTask(ctx, taskID)
}

// NewConversation focuses a fresh draft.
func (e *Engine) NewConversation(ctx context.Context) domain.ConversationState {
	return e.Conversations.StartNewConversation(ctx)
}

// RefreshTasks reloads the task list.
func (e *Engine) RefreshTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	e.SetUser(userID)
	return e.Tasks.Refresh(ctx, userID)
}

// CompleteTask marks taskID complete.
func (e *Engine) CompleteTask(ctx context.Context, taskID, userID string) error {
	if userID == "" {
		return ErrNoUser
	}
	e.SetUser(userID)
	return e.Tasks.Complete(ctx, taskID, userID)
}

// PanelWidth returns the persisted left panel width.
func (e *Engine) PanelWidth(ctx context.Context) int {
	w, err := e.persist.LoadPanelWidth(ctx)
	if err != nil {
		e.logger.Warn("failed to load panel width", "error", err)
	}
	return w
}

// SetPanelWidth persists the left panel width and returns the stored value.
func (e *Engine) SetPanelWidth(ctx context.Context, width int) (int, error) {
	if err := e.persist.SavePanelWidth(ctx, width); err != nil {
		return 0, err
	}
	return persistence.ClampPanelWidth(width), nil
}

// SubscribeNotifications registers fn to receive the alert list on change.
func (e *Engine) SubscribeNotifications(fn notify.ChangeFunc) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Close aborts in-flight requests and stops background work.
func (e *Engine) Close() {
	for _, unsub := range e.unsub {
		unsub()
	}
	e.ctrl.Close()
	e.Tasks.Close()
	e.Notifications.Close()
}

func (e *Engine) broadcastNotifications(list []domain.Notification) {
	e.mu.Lock()
	fns := make([]notify.ChangeFunc, 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(list)
	}
}
