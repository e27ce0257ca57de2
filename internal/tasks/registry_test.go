package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/taskdesk/internal/domain"
	"github.com/ashureev/taskdesk/internal/eventbus"
	"github.com/ashureev/taskdesk/internal/pending"
)

type fakeBackend struct {
	mu          sync.Mutex
	tasks       []domain.Task
	listErr     error
	completeErr error
	listCalls   int
	completed   []string
}

func (f *fakeBackend) ListTasks(_ context.Context, _ string) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.Task, len(f.tasks))
	copy(out, f.tasks)
	return out, nil
}

func (f *fakeBackend) CompleteTask(_ context.Context, taskID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = append(f.completed, taskID)
	return nil
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeBackend) set(tasks []domain.Task, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = tasks
	f.listErr = err
}

type fakeNotifier struct {
	mu    sync.Mutex
	items []string
	sev   []domain.Severity
}

func (f *fakeNotifier) Notify(message string, severity domain.Severity) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, message)
	f.sev = append(f.sev, severity)
	return "id"
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleTasks() []domain.Task {
	return []domain.Task{
		{ID: "t1", Status: domain.StatusNeedsPermission, CreatedAt: base},
		{ID: "t2", Status: domain.StatusProcessing, CreatedAt: base.Add(time.Hour)},
		{ID: "t3", Status: domain.StatusNeedsPermission, CreatedAt: base.Add(2 * time.Hour)},
	}
}

func newRegistry(t *testing.T, fb *fakeBackend, notifier Notifier, opts ...Option) (*Registry, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	r := New(fb, pending.New(time.Second, nil), bus, notifier, opts...)
	t.Cleanup(r.Close)
	return r, bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestRefreshSortsNewestFirst(t *testing.T) {
	fb := &fakeBackend{tasks: sampleTasks()}
	r, _ := newRegistry(t, fb, nil)

	list, err := r.Refresh(context.Background(), "a@b.c")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(list) != 3 || list[0].ID != "t3" || list[2].ID != "t1" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestRefreshFailureKeepsStaleList(t *testing.T) {
	fb := &fakeBackend{tasks: sampleTasks()}
	r, _ := newRegistry(t, fb, nil)
	if _, err := r.Refresh(context.Background(), "a@b.c"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	fb.set(nil, errors.New("connection refused"))
	list, err := r.Refresh(context.Background(), "a@b.c")
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(list) != 3 || len(r.Tasks()) != 3 {
		t.Fatalf("stale list not kept: %+v", list)
	}
	if r.Err() != LoadErrorMessage {
		t.Fatalf("Err() = %q", r.Err())
	}

	fb.set(sampleTasks(), nil)
	if _, err := r.Refresh(context.Background(), "a@b.c"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if r.Err() != "" {
		t.Fatalf("error should clear after success, got %q", r.Err())
	}
}

func TestLifecycleEventPatchesAndRefreshesOnce(t *testing.T) {
	fb := &fakeBackend{tasks: sampleTasks()}
	r, bus := newRegistry(t, fb, nil, WithRefreshDelay(30*time.Millisecond))
	r.Watch(bus)
	if _, err := r.Refresh(context.Background(), "a@b.c"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	bus.Publish(domain.LifecycleEvent{TaskID: "t2", Status: domain.StatusNeedsPermission})
	bus.Publish(domain.LifecycleEvent{TaskID: "t2", Status: domain.StatusNeedsPermission})

	if got, _ := r.Task("t2"); got.Status != domain.StatusNeedsPermission {
		t.Fatalf("optimistic patch not applied: %+v", got)
	}
	waitFor(t, 2*time.Second, func() bool { return fb.calls() == 2 })

	time.Sleep(80 * time.Millisecond)
	if fb.calls() != 2 {
		t.Fatalf("expected debounced single refresh, got %d list calls", fb.calls())
	}
	if got, _ := r.Task("t2"); got.Status != domain.StatusProcessing {
		t.Fatalf("refresh should restore backend truth, got %+v", got)
	}
}

func TestLifecycleEventDoesNotReopenCompleteTask(t *testing.T) {
	fb := &fakeBackend{tasks: []domain.Task{{ID: "t1", Status: domain.StatusComplete, State: 1}}}
	r, _ := newRegistry(t, fb, nil, WithRefreshDelay(time.Hour))
	if _, err := r.Refresh(context.Background(), "a@b.c"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	r.HandleLifecycle(domain.LifecycleEvent{TaskID: "t1", Status: domain.StatusNeedsPermission})
	if got, _ := r.Task("t1"); got.Status != domain.StatusComplete || got.State != 1 {
		t.Fatalf("complete task was reopened: %+v", got)
	}
}

func TestMarkProcessingRestore(t *testing.T) {
	fb := &fakeBackend{tasks: sampleTasks()}
	r, _ := newRegistry(t, fb, nil, WithRefreshDelay(time.Hour))
	if _, err := r.Refresh(context.Background(), "a@b.c"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	restore := r.MarkProcessing("t1")
	if got, _ := r.Task("t1"); got.Status != domain.StatusProcessing {
		t.Fatalf("expected processing, got %+v", got)
	}
	restore()
	if got, _ := r.Task("t1"); got.Status != domain.StatusNeedsPermission {
		t.Fatalf("expected previous status, got %+v", got)
	}

	r.MarkProcessing("unknown")()
}

func TestCompleteSuccess(t *testing.T) {
	fb := &fakeBackend{tasks: sampleTasks()}
	notifier := &fakeNotifier{}
	r, bus := newRegistry(t, fb, notifier, WithRefreshDelay(time.Hour))
	if _, err := r.Refresh(context.Background(), "a@b.c"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	var events []domain.LifecycleEvent
	bus.Subscribe(func(e domain.LifecycleEvent) { events = append(events, e) })

	if err := r.Complete(context.Background(), "t3", "a@b.c"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got, _ := r.Task("t3"); got.Status != domain.StatusComplete || got.State != 1 {
		t.Fatalf("task not completed locally: %+v", got)
	}
	if len(events) != 1 || events[0] != (domain.LifecycleEvent{TaskID: "t3", Status: domain.StatusComplete, State: 1}) {
		t.Fatalf("events = %+v", events)
	}
	if len(notifier.items) != 1 || notifier.items[0] != CompletedMessage || notifier.sev[0] != domain.SeveritySuccess {
		t.Fatalf("notifications = %v %v", notifier.items, notifier.sev)
	}
}

func TestCompleteFailureLeavesTaskAlone(t *testing.T) {
	fb := &fakeBackend{tasks: sampleTasks(), completeErr: errors.New("boom")}
	notifier := &fakeNotifier{}
	r, bus := newRegistry(t, fb, notifier)
	if _, err := r.Refresh(context.Background(), "a@b.c"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	published := 0
	bus.Subscribe(func(domain.LifecycleEvent) { published++ })

	if err := r.Complete(context.Background(), "t3", "a@b.c"); err == nil {
		t.Fatalf("expected error")
	}
	if got, _ := r.Task("t3"); got.Status != domain.StatusNeedsPermission {
		t.Fatalf("task changed on failure: %+v", got)
	}
	if published != 0 {
		t.Fatalf("failure must not publish")
	}
	if len(notifier.items) != 1 || notifier.items[0] != CompleteFailedMessage || notifier.sev[0] != domain.SeverityError {
		t.Fatalf("notifications = %v %v", notifier.items, notifier.sev)
	}
}

func TestGroupedAndCount(t *testing.T) {
	fb := &fakeBackend{tasks: sampleTasks()}
	r, _ := newRegistry(t, fb, nil)
	if _, err := r.Refresh(context.Background(), "a@b.c"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	groups := r.Grouped()
	if len(groups[domain.StatusNeedsPermission]) != 2 || len(groups[domain.StatusComplete]) != 0 {
		t.Fatalf("unexpected groups: %+v", groups)
	}
	if r.CountByStatus(domain.StatusNeedsPermission) != 2 {
		t.Fatalf("CountByStatus() = %d", r.CountByStatus(domain.StatusNeedsPermission))
	}
}

// stalledBackend fails its first ListTasks call once release is closed and
// answers every later call immediately.
type stalledBackend struct {
	fakeBackend
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stalledBackend) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	first := false
	s.once.Do(func() { first = true })
	if !first {
		return s.fakeBackend.ListTasks(ctx, userID)
	}
	close(s.started)
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil, errors.New("connection reset")
}

func TestStaleRefreshFailureDoesNotOverrideNewerSuccess(t *testing.T) {
	sb := &stalledBackend{
		fakeBackend: fakeBackend{tasks: sampleTasks()},
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	r := New(sb, pending.New(time.Second, nil), eventbus.New(), nil)
	t.Cleanup(r.Close)

	done := make(chan error, 1)
	go func() {
		_, err := r.Refresh(context.Background(), "a@b.c")
		done <- err
	}()
	<-sb.started

	if _, err := r.Refresh(context.Background(), "a@b.c"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	close(sb.release)
	if err := <-done; err == nil {
		t.Fatalf("expected the stalled refresh to fail")
	}

	if got := len(r.Tasks()); got != 3 {
		t.Fatalf("Tasks() len = %d, want 3", got)
	}
	if r.Err() != "" {
		t.Fatalf("Err() = %q, want empty after newer success", r.Err())
	}
	if !r.Loaded() {
		t.Fatalf("Loaded() = false")
	}
}
