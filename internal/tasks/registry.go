// Package tasks keeps the client's copy of the task list and reconciles it
// with the backend after every lifecycle change.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/taskdesk/internal/domain"
	"github.com/ashureev/taskdesk/internal/pending"
)

// DefaultRefreshDelay gives the backend time to make its own write visible
// before the authoritative re-read.
const DefaultRefreshDelay = 500 * time.Millisecond

// LoadErrorMessage is shown next to a stale list after a failed refresh.
const LoadErrorMessage = "Failed to load tasks"

// Notification texts for completion.
const (
	CompletedMessage      = "Task completed successfully!"
	CompleteFailedMessage = "Failed to complete task. Please try again."
)

// ErrNoUser is returned when an operation needs a user and none is known.
var ErrNoUser = errors.New("tasks: no user")

// Backend is the subset of the task service used by the registry.
type Backend interface {
	ListTasks(ctx context.Context, userID string) ([]domain.Task, error)
	CompleteTask(ctx context.Context, taskID, userID string) error
}

// Notifier shows user-facing alerts.
type Notifier interface {
	Notify(message string, severity domain.Severity) string
}

// Publisher broadcasts lifecycle events.
type Publisher interface {
	Publish(domain.LifecycleEvent)
}

// Option configures a Registry.
type Option func(*Registry)

// WithRefreshDelay overrides DefaultRefreshDelay.
func WithRefreshDelay(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.delay = d
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// Registry owns the task list.
type Registry struct {
	backend  Backend
	ctrl     *pending.Controller
	bus      Publisher
	notifier Notifier
	delay    time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	tasks    []domain.Task
	loadErr  string
	loaded   bool
	userID   string
	timer    *time.Timer
	closed   bool
	epoch    uint64
	inflight sync.WaitGroup
}

// New creates an empty registry.
func New(b Backend, ctrl *pending.Controller, bus Publisher, notifier Notifier, opts ...Option) *Registry {
	r := &Registry{
		backend:  b,
		ctrl:     ctrl,
		bus:      bus,
		notifier: notifier,
		delay:    DefaultRefreshDelay,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh replaces the list with the backend's, newest first. On failure the
// previous list is kept and Err reports LoadErrorMessage.
func (r *Registry) Refresh(ctx context.Context, userID string) ([]domain.Task, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	r.mu.Lock()
	r.userID = userID
	r.epoch++
	epoch := r.epoch
	r.mu.Unlock()

	list, err := pending.Call(ctx, r.ctrl, "tasks", "list tasks", func(ctx context.Context) ([]domain.Task, error) {
		return r.backend.ListTasks(ctx, userID)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	// A newer refresh started while this one was running; its result wins.
	current := epoch == r.epoch
	if err != nil {
		if current {
			r.loadErr = LoadErrorMessage
		}
		return slices.Clone(r.tasks), err
	}
	sortNewestFirst(list)
	if current {
		r.tasks = list
		r.loadErr = ""
		r.loaded = true
	}
	return slices.Clone(r.tasks), nil
}

// ApplyOptimisticPatch overwrites status and state of taskID locally. It
// reports whether the task is known.
func (r *Registry) ApplyOptimisticPatch(taskID string, status domain.TaskStatus, state int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(taskID)
	if i < 0 {
		return false
	}
	r.tasks[i].Status = status
	r.tasks[i].State = state
	return true
}

// MarkProcessing flips taskID to processing and returns a func that puts
// back the previous status and schedules a reconciling refresh.
func (r *Registry) MarkProcessing(taskID string) func() {
	r.mu.Lock()
	i := r.indexLocked(taskID)
	if i < 0 {
		r.mu.Unlock()
		return func() {}
	}
	prev := r.tasks[i]
	r.tasks[i].Status = domain.StatusProcessing
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if j := r.indexLocked(taskID); j >= 0 && r.tasks[j].Status == domain.StatusProcessing {
			r.tasks[j].Status = prev.Status
			r.tasks[j].State = prev.State
		}
		r.mu.Unlock()
		r.ScheduleRefresh()
	}
}

// Complete marks taskID complete on the backend. On success the local task
// becomes complete/1, a success alert is shown and one lifecycle event is
// published. On failure only an error alert is shown.
func (r *Registry) Complete(ctx context.Context, taskID, userID string) error {
	if userID == "" {
		return ErrNoUser
	}
	err := r.ctrl.Do(ctx, "complete:"+taskID, "complete task", func(ctx context.Context) error {
		return r.backend.CompleteTask(ctx, taskID, userID)
	})
	if err != nil {
		r.notify(CompleteFailedMessage, domain.SeverityError)
		return err
	}

	r.ApplyOptimisticPatch(taskID, domain.StatusComplete, 1)
	r.notify(CompletedMessage, domain.SeveritySuccess)
	r.bus.Publish(domain.LifecycleEvent{TaskID: taskID, Status: domain.StatusComplete, State: 1})
	return nil
}

// HandleLifecycle applies event locally and schedules a reconciling refresh.
// A complete task is not moved back by an event; only a refresh can do that.
func (r *Registry) HandleLifecycle(event domain.LifecycleEvent) {
	r.mu.Lock()
	if i := r.indexLocked(event.TaskID); i >= 0 {
		t := &r.tasks[i]
		if !t.IsComplete() || event.Status == domain.StatusComplete {
			t.Status = event.Status
			t.State = event.State
		}
	}
	r.mu.Unlock()
	r.ScheduleRefresh()
}

// Watch subscribes the registry to bus.
func (r *Registry) Watch(bus interface {
	Subscribe(func(domain.LifecycleEvent)) func()
}) func() {
	return bus.Subscribe(r.HandleLifecycle)
}

// ScheduleRefresh arranges one delayed refresh for the last known user.
// Calls made before the timer fires collapse into that single refresh.
func (r *Registry) ScheduleRefresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.userID == "" {
		return
	}
	if r.timer != nil && r.timer.Stop() {
		r.inflight.Done()
	}
	userID := r.userID
	r.inflight.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(r.delay, func() {
		defer r.inflight.Done()
		r.mu.Lock()
		current := r.timer == timer && !r.closed
		if current {
			r.timer = nil
		}
		r.mu.Unlock()
		if !current {
			return
		}
		if _, err := r.Refresh(context.Background(), userID); err != nil {
			r.logger.Warn("scheduled task refresh failed", "user", userID, "error", err)
		}
	})
	r.timer = timer
}

// Close stops pending refreshes and waits for a running one to finish.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	if r.timer != nil && r.timer.Stop() {
		r.inflight.Done()
	}
	r.timer = nil
	r.mu.Unlock()
	r.inflight.Wait()
}

// Tasks returns a copy of the list, newest first.
func (r *Registry) Tasks() []domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.tasks)
}

// Task returns the task with id.
func (r *Registry) Task(id string) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(id); i >= 0 {
		return r.tasks[i], true
	}
	return domain.Task{}, false
}

// Err returns the last refresh error message, "" after a successful refresh.
func (r *Registry) Err() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadErr
}

// Loaded reports whether at least one refresh succeeded.
func (r *Registry) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Grouped returns the tasks bucketed by status, each bucket newest first.
// Every known status has an entry.
func (r *Registry) Grouped() map[domain.TaskStatus][]domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.TaskStatus][]domain.Task, len(domain.Statuses))
	for _, s := range domain.Statuses {
		out[s] = []domain.Task{}
	}
	for _, t := range r.tasks {
		out[t.Status] = append(out[t.Status], t)
	}
	return out
}

// CountByStatus counts local tasks with status.
func (r *Registry) CountByStatus(status domain.TaskStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

func (r *Registry) indexLocked(id string) int {
	return slices.IndexFunc(r.tasks, func(t domain.Task) bool { return t.ID == id })
}

func (r *Registry) notify(message string, severity domain.Severity) {
	if r.notifier != nil {
		r.notifier.Notify(message, severity)
	}
}

func sortNewestFirst(list []domain.Task) {
	slices.SortStableFunc(list, func(a, b domain.Task) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}
