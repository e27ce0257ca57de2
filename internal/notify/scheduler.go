// Package notify holds short-lived user alerts and decides which task
// lifecycle changes deserve one.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/taskdesk/internal/domain"
	"github.com/ashureev/taskdesk/internal/pending"
)

const (
	// DefaultTTL is how long an alert stays visible.
	DefaultTTL = 5 * time.Second
	// DefaultLimit bounds the number of visible alerts.
	DefaultLimit = 20
)

// PermissionMessage is the alert text when the count could not be fetched.
const PermissionMessage = "Need Permission"

// TaskLister fetches the user's tasks to count those awaiting permission.
type TaskLister interface {
	ListTasks(ctx context.Context, userID string) ([]domain.Task, error)
}

// ChangeFunc receives the visible alerts after every change.
type ChangeFunc func([]domain.Notification)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithLimit overrides DefaultLimit.
func WithLimit(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// OnChange registers fn to observe the alert list.
func OnChange(fn ChangeFunc) Option {
	return func(s *Scheduler) { s.onChange = append(s.onChange, fn) }
}

// Scheduler owns the visible alerts.
type Scheduler struct {
	lister   TaskLister
	ctrl     *pending.Controller
	ttl      time.Duration
	limit    int
	logger   *slog.Logger
	onChange []ChangeFunc

	mu     sync.Mutex
	items  []domain.Notification
	timers map[string]*time.Timer
	active string
	user   string
	closed bool
	wg     sync.WaitGroup
}

// New creates a scheduler. lister may be nil, in which case permission
// alerts never carry a count.
func New(lister TaskLister, ctrl *pending.Controller, opts ...Option) *Scheduler {
	s := &Scheduler{
		lister: lister,
		ctrl:   ctrl,
		ttl:    DefaultTTL,
		limit:  DefaultLimit,
		logger: slog.Default(),
		timers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify shows message and returns its id. An identical visible alert is
// replaced rather than stacked. When the list is full the oldest is dropped.
func (s *Scheduler) Notify(message string, severity domain.Severity) string {
	n := domain.Notification{
		ID:        uuid.NewString(),
		Message:   message,
		Severity:  severity,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ""
	}
	if i := slices.IndexFunc(s.items, func(o domain.Notification) bool {
		return o.Message == message && o.Severity == severity
	}); i >= 0 {
		s.removeLocked(s.items[i].ID)
	}
	for len(s.items) >= s.limit {
		s.removeLocked(s.items[0].ID)
	}
	s.items = append(s.items, n)
	id := n.ID
	s.timers[id] = time.AfterFunc(s.ttl, func() { s.expire(id) })
	snapshot := slices.Clone(s.items)
	s.mu.Unlock()

	s.changed(snapshot)
	return id
}

// Dismiss removes the alert with id. It reports whether it was visible.
func (s *Scheduler) Dismiss(id string) bool {
	s.mu.Lock()
	ok := s.removeLocked(id)
	snapshot := slices.Clone(s.items)
	s.mu.Unlock()

	if ok {
		s.changed(snapshot)
	}
	return ok
}

// Clear removes every alert.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	had := len(s.items) > 0
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[string]*time.Timer)
	s.items = nil
	s.mu.Unlock()

	if had {
		s.changed(nil)
	}
}

// List returns the visible alerts, oldest first.
func (s *Scheduler) List() []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items)
}

// SetActiveSession records the task the user is looking at; "" for none.
func (s *Scheduler) SetActiveSession(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = taskID
}

// ActiveSession returns the task the user is looking at.
func (s *Scheduler) ActiveSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetUser records the signed-in user; "" disables lifecycle alerts.
func (s *Scheduler) SetUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = userID
}

// HandleLifecycle alerts when a task other than the one being viewed starts
// waiting for the user. The count is fetched in the background.
func (s *Scheduler) HandleLifecycle(event domain.LifecycleEvent) {
	if event.Status != domain.StatusNeedsPermission {
		return
	}

	s.mu.Lock()
	skip := s.closed || s.user == "" || event.TaskID == s.active
	user := s.user
	if !skip {
		s.wg.Add(1)
	}
	s.mu.Unlock()
	if skip {
		return
	}

	go func() {
		defer s.wg.Done()
		s.Notify(s.permissionMessage(user), domain.SeverityError)
	}()
}

// Watch subscribes the scheduler to bus.
func (s *Scheduler) Watch(bus interface {
	Subscribe(func(domain.LifecycleEvent)) func()
}) func() {
	return bus.Subscribe(s.HandleLifecycle)
}

// Close stops every timer and waits for background alerts.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[string]*time.Timer)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) permissionMessage(user string) string {
	if s.lister == nil || s.ctrl == nil {
		return PermissionMessage
	}
	list, err := pending.Call(context.Background(), s.ctrl, "notify", "count tasks", func(ctx context.Context) ([]domain.Task, error) {
		return s.lister.ListTasks(ctx, user)
	})
	if err != nil {
		s.logger.Warn("failed to count tasks awaiting permission", "user", user, "error", err)
		return PermissionMessage
	}
	count := 0
	for _, t := range list {
		if t.Status == domain.StatusNeedsPermission {
			count++
		}
	}
	return fmt.Sprintf("%s (%d)", PermissionMessage, count)
}

func (s *Scheduler) expire(id string) {
	if s.Dismiss(id) {
		s.logger.Debug("notification expired", "id", id)
	}
}

func (s *Scheduler) removeLocked(id string) bool {
	i := slices.IndexFunc(s.items, func(n domain.Notification) bool { return n.ID == id })
	if i < 0 {
		return false
	}
	s.items = slices.Delete(s.items, i, i+1)
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	return true
}

func (s *Scheduler) changed(snapshot []domain.Notification) {
	for _, fn := range s.onChange {
		fn(snapshot)
	}
}
