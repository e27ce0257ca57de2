package conversation

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/taskdesk/internal/apperr"
	"github.com/ashureev/taskdesk/internal/backend"
	"github.com/ashureev/taskdesk/internal/domain"
	"github.com/ashureev/taskdesk/internal/eventbus"
	"github.com/ashureev/taskdesk/internal/pending"
	"github.com/ashureev/taskdesk/internal/persistence"
)

type fakeBackend struct {
	mu          sync.Mutex
	createFn    func(ctx context.Context, sessionID string, req backend.ConversationRequest) (*backend.ConversationReply, error)
	postFn      func(ctx context.Context, taskID string, req backend.ConversationRequest) (*backend.MessagesReply, error)
	getFn       func(ctx context.Context, taskID string) (*backend.MessagesReply, error)
	createCalls int
	postCalls   int
	getCalls    int
	lastRequest backend.ConversationRequest
	lastSession string
}

func (f *fakeBackend) CreateOrContinueConversation(ctx context.Context, sessionID string, req backend.ConversationRequest) (*backend.ConversationReply, error) {
	f.mu.Lock()
	f.createCalls++
	f.lastRequest = req
	f.lastSession = sessionID
	fn := f.createFn
	f.mu.Unlock()
	return fn(ctx, sessionID, req)
}

func (f *fakeBackend) PostTaskMessage(ctx context.Context, taskID string, req backend.ConversationRequest) (*backend.MessagesReply, error) {
	f.mu.Lock()
	f.postCalls++
	f.lastRequest = req
	fn := f.postFn
	f.mu.Unlock()
	return fn(ctx, taskID, req)
}

func (f *fakeBackend) GetTaskMessages(ctx context.Context, taskID string) (*backend.MessagesReply, error) {
	f.mu.Lock()
	f.getCalls++
	fn := f.getFn
	f.mu.Unlock()
	if fn == nil {
		return &backend.MessagesReply{}, nil
	}
	return fn(ctx, taskID)
}

func (f *fakeBackend) counts() (create, post, get int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.postCalls, f.getCalls
}

type fakeTracker struct {
	mu       sync.Mutex
	marked   []string
	restored []string
}

func (f *fakeTracker) MarkProcessing(taskID string) func() {
	f.mu.Lock()
	f.marked = append(f.marked, taskID)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.restored = append(f.restored, taskID)
		f.mu.Unlock()
	}
}

type harness struct {
	store   *Store
	backend *fakeBackend
	persist *persistence.MemoryStore
	tracker *fakeTracker
	events  *[]domain.LifecycleEvent
	eventMu *sync.Mutex
}

func newHarness(t *testing.T, timeout time.Duration, opts ...Option) *harness {
	t.Helper()
	fb := &fakeBackend{}
	mem := persistence.NewMemory()
	tracker := &fakeTracker{}
	bus := eventbus.New()

	var mu sync.Mutex
	events := []domain.LifecycleEvent{}
	bus.Subscribe(func(e domain.LifecycleEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	opts = append([]Option{WithTracker(tracker)}, opts...)
	store := New(fb, mem, pending.New(timeout, nil), bus, opts...)
	return &harness{store: store, backend: fb, persist: mem, tracker: tracker, events: &events, eventMu: &mu}
}

func (h *harness) published() []domain.LifecycleEvent {
	h.eventMu.Lock()
	defer h.eventMu.Unlock()
	return slices.Clone(*h.events)
}

func msg(role domain.Role, text string) domain.Message {
	return domain.Message{Role: role, Content: text}
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

func TestSendWhileLoadingIsNoop(t *testing.T) {
	h := newHarness(t, time.Minute)
	release := make(chan struct{})
	h.backend.postFn = func(ctx context.Context, taskID string, req backend.ConversationRequest) (*backend.MessagesReply, error) {
		<-release
		return &backend.MessagesReply{Messages: []domain.Message{msg(domain.RoleUser, req.Message), msg(domain.RoleAssistant, "ok")}}, nil
	}
	scope := domain.TaskScope("t1")
	h.store.Select(scope)

	done := make(chan error, 1)
	go func() {
		_, err := h.store.Send(context.Background(), "a@b.c", "first")
		done <- err
	}()
	waitFor(t, 2*time.Second, func() bool { return h.store.IsLoading("t1") })

	before := h.store.Get(scope)
	if _, err := h.store.Send(context.Background(), "a@b.c", "second"); !errors.Is(err, apperr.ErrSkipped) {
		t.Fatalf("expected ErrSkipped, got %v", err)
	}
	after := h.store.Get(scope)
	if len(before.Messages) != len(after.Messages) {
		t.Fatalf("second send changed state: %+v -> %+v", before, after)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first send error = %v", err)
	}
	if _, post, _ := h.backend.counts(); post != 1 {
		t.Fatalf("expected exactly one backend call, got %d", post)
	}
}

func TestSendBlankInputIsSkipped(t *testing.T) {
	h := newHarness(t, time.Minute)
	if _, err := h.store.Send(context.Background(), "a@b.c", "   "); !apperr.IsSkip(err) {
		t.Fatalf("expected skip, got %v", err)
	}
	if create, _, _ := h.backend.counts(); create != 0 {
		t.Fatalf("blank input should not reach the backend")
	}
}

func TestTaskSendReplacesMessagesWithResponse(t *testing.T) {
	h := newHarness(t, time.Minute)
	scope := domain.TaskScope("t1")
	h.store.Patch(scope, Patch{Messages: Ptr([]domain.Message{msg(domain.RoleUser, "hi"), msg(domain.RoleAssistant, "hello")})})
	h.store.Select(scope)

	response := []domain.Message{
		msg(domain.RoleUser, "hi"), msg(domain.RoleAssistant, "hello"),
		msg(domain.RoleUser, "book it"), msg(domain.RoleAssistant, "done"),
	}
	h.backend.postFn = func(context.Context, string, backend.ConversationRequest) (*backend.MessagesReply, error) {
		return &backend.MessagesReply{Messages: response}, nil
	}

	res, err := h.store.Send(context.Background(), "a@b.c", "book it")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !slices.Equal(res.State.Messages, response) {
		t.Fatalf("messages = %v, want %v", res.State.Messages, response)
	}
	if res.State.Loading || res.State.Submitting || res.State.Error != "" {
		t.Fatalf("flags not cleared: %+v", res.State)
	}

	events := h.published()
	want := domain.LifecycleEvent{TaskID: "t1", Status: domain.StatusNeedsPermission, State: 0}
	if len(events) != 1 || events[0] != want {
		t.Fatalf("events = %+v, want [%+v]", events, want)
	}
	if len(h.tracker.marked) != 1 || len(h.tracker.restored) != 0 {
		t.Fatalf("tracker marked=%v restored=%v", h.tracker.marked, h.tracker.restored)
	}
}

func TestTimeoutRollsBackToPreSendState(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	scope := domain.TaskScope("t2")
	prior := []domain.Message{msg(domain.RoleUser, "hi"), msg(domain.RoleAssistant, "hello")}
	h.store.Patch(scope, Patch{Messages: Ptr(prior)})
	h.store.Select(scope)

	h.backend.postFn = func(ctx context.Context, _ string, _ backend.ConversationRequest) (*backend.MessagesReply, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := h.store.Send(context.Background(), "a@b.c", "slow one")
	if apperr.Classify(err) != apperr.KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}

	st := h.store.Get(scope)
	if !slices.Equal(st.Messages, prior) {
		t.Fatalf("messages = %v, want %v", st.Messages, prior)
	}
	if st.LastFailedInput != "slow one" {
		t.Fatalf("LastFailedInput = %q", st.LastFailedInput)
	}
	if st.Error != "Request timed out. The server might be processing your request in the background." {
		t.Fatalf("Error = %q", st.Error)
	}
	if st.Loading || st.Submitting {
		t.Fatalf("flags not cleared: %+v", st)
	}
	if len(h.published()) != 0 {
		t.Fatalf("failed send must not publish events")
	}
	if len(h.tracker.restored) != 1 || h.tracker.restored[0] != "t2" {
		t.Fatalf("expected tracker restore for t2, got %v", h.tracker.restored)
	}
}

func TestDraftPromotionOnFirstReply(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.backend.createFn = func(_ context.Context, sessionID string, req backend.ConversationRequest) (*backend.ConversationReply, error) {
		if sessionID != "" {
			t.Errorf("expected new session, got %q", sessionID)
		}
		return &backend.ConversationReply{
			SessionID: "t1",
			Messages:  []domain.Message{msg(domain.RoleUser, req.Message), msg(domain.RoleAssistant, "Where to?")},
		}, nil
	}

	res, err := h.store.Send(context.Background(), "a@b.c", "Book a flight")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !res.Promoted || res.Scope != domain.TaskScope("t1") {
		t.Fatalf("unexpected result: %+v", res)
	}

	draft := h.store.Get(domain.Draft)
	if len(draft.Messages) != 0 || draft.Busy() || draft.SessionID != "" {
		t.Fatalf("draft not reset: %+v", draft)
	}
	task := h.store.Get(domain.TaskScope("t1"))
	if len(task.Messages) != 2 {
		t.Fatalf("task messages = %v", task.Messages)
	}
	if active, _ := h.persist.LoadActive(context.Background()); active != "t1" {
		t.Fatalf("active session = %q, want t1", active)
	}
	if h.store.Selected() != domain.TaskScope("t1") {
		t.Fatalf("selected = %v", h.store.Selected())
	}
	events := h.published()
	if len(events) != 1 || events[0].TaskID != "t1" || events[0].Status != domain.StatusNeedsPermission {
		t.Fatalf("events = %+v", events)
	}
}

func TestDraftContinuationFallsBackToLocalSequence(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.store.Patch(domain.Draft, Patch{SessionID: Ptr("s9"), Messages: Ptr([]domain.Message{msg(domain.RoleUser, "hi")})})
	state := 1
	h.backend.createFn = func(_ context.Context, sessionID string, _ backend.ConversationRequest) (*backend.ConversationReply, error) {
		return &backend.ConversationReply{SessionID: sessionID, Status: domain.StatusComplete, State: &state}, nil
	}

	res, err := h.store.Send(context.Background(), "a@b.c", "anything else?")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Promoted || res.Scope != domain.Draft {
		t.Fatalf("continuation should stay on the draft: %+v", res)
	}
	if h.backend.lastSession != "s9" {
		t.Fatalf("session = %q, want s9", h.backend.lastSession)
	}
	want := []domain.Message{
		msg(domain.RoleUser, "hi"),
		msg(domain.RoleUser, "anything else?"),
		msg(domain.RoleAssistant, DefaultAssistantReply),
	}
	if !slices.Equal(res.State.Messages, want) {
		t.Fatalf("messages = %v, want %v", res.State.Messages, want)
	}
	events := h.published()
	if len(events) != 1 || events[0] != (domain.LifecycleEvent{TaskID: "s9", Status: domain.StatusComplete, State: 1}) {
		t.Fatalf("events = %+v", events)
	}
}

func TestResponseLandsOnIssuingScope(t *testing.T) {
	h := newHarness(t, time.Minute)
	release := make(chan struct{})
	h.backend.postFn = func(_ context.Context, taskID string, _ backend.ConversationRequest) (*backend.MessagesReply, error) {
		<-release
		return &backend.MessagesReply{Messages: []domain.Message{msg(domain.RoleAssistant, "for "+taskID)}}, nil
	}

	h.store.Select(domain.TaskScope("t1"))
	done := make(chan error, 1)
	go func() {
		_, err := h.store.Send(context.Background(), "a@b.c", "go")
		done <- err
	}()
	waitFor(t, 2*time.Second, func() bool { return h.store.IsLoading("t1") })

	h.store.Select(domain.TaskScope("t2"))
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got := h.store.Get(domain.TaskScope("t1")).Messages; len(got) != 1 || got[0].Text() != "for t1" {
		t.Fatalf("t1 messages = %v", got)
	}
	if got := h.store.Get(domain.TaskScope("t2")).Messages; len(got) != 0 {
		t.Fatalf("t2 should be untouched, got %v", got)
	}
}

func TestPatchKeepsSubmittingImpliesLoading(t *testing.T) {
	h := newHarness(t, time.Minute)
	st := h.store.Patch(domain.Draft, Patch{Submitting: Ptr(true), Loading: Ptr(false)})
	if !st.Loading {
		t.Fatalf("Submitting without Loading: %+v", st)
	}
}

func TestToolsArePersistedPerScopeAndResolved(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	if err := h.persist.SaveTools(ctx, domain.TaskScope("t5"), []string{"calendar"}); err != nil {
		t.Fatalf("SaveTools() error = %v", err)
	}

	h.store.Select(domain.TaskScope("t5"))
	if got := h.store.Get(domain.TaskScope("t5")).SelectedTools; !slices.Equal(got, []string{"calendar"}) {
		t.Fatalf("restored tools = %v", got)
	}
	if _, err := h.store.ToggleTool("gmail"); err != nil {
		t.Fatalf("ToggleTool() error = %v", err)
	}
	if _, err := h.store.ToggleTool("calendar"); err != nil {
		t.Fatalf("ToggleTool() error = %v", err)
	}
	if _, err := h.store.ToggleTool("fax"); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	saved, _ := h.persist.LoadTools(ctx, domain.TaskScope("t5"))
	if !slices.Equal(saved, []string{"gmail"}) {
		t.Fatalf("persisted tools = %v", saved)
	}
	if draft, _ := h.persist.LoadTools(ctx, domain.Draft); len(draft) != 0 {
		t.Fatalf("draft tools should be independent, got %v", draft)
	}

	h.backend.postFn = func(context.Context, string, backend.ConversationRequest) (*backend.MessagesReply, error) {
		return &backend.MessagesReply{}, nil
	}
	if _, err := h.store.Send(ctx, "a@b.c", "check mail"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !slices.Equal(h.backend.lastRequest.SelectedTools, []string{"gmail_mcp"}) {
		t.Fatalf("selected_tools = %v", h.backend.lastRequest.SelectedTools)
	}
}

func TestSelectTaskLoadsMessagesOnceAndClearsError(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.backend.getFn = func(context.Context, string) (*backend.MessagesReply, error) {
		return &backend.MessagesReply{Messages: []domain.Message{msg(domain.RoleAssistant, "stored")}}, nil
	}
	h.store.Patch(domain.TaskScope("t1"), Patch{Error: Ptr("boom"), LastFailedInput: Ptr("x")})

	st, err := h.store.SelectTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("SelectTask() error = %v", err)
	}
	if len(st.Messages) != 1 || st.Error != "" || st.LastFailedInput != "" {
		t.Fatalf("unexpected state: %+v", st)
	}
	if _, err := h.store.SelectTask(context.Background(), "t1"); err != nil {
		t.Fatalf("second SelectTask() error = %v", err)
	}
	if _, _, get := h.backend.counts(); get != 1 {
		t.Fatalf("expected one load, got %d", get)
	}
}

func TestRestoreContinuesPersistedSession(t *testing.T) {
	var selections []string
	h := newHarness(t, time.Minute, OnSelect(func(_ domain.Scope, sessionID string) {
		selections = append(selections, sessionID)
	}))
	if err := h.persist.SaveActive(context.Background(), "t1"); err != nil {
		t.Fatalf("SaveActive() error = %v", err)
	}
	h.backend.getFn = func(_ context.Context, taskID string) (*backend.MessagesReply, error) {
		return &backend.MessagesReply{Messages: []domain.Message{msg(domain.RoleUser, "Book a flight"), msg(domain.RoleAssistant, "Where to?")}}, nil
	}

	id, err := h.store.Restore(context.Background())
	if err != nil || id != "t1" {
		t.Fatalf("Restore() = %q, %v", id, err)
	}
	draft := h.store.Get(domain.Draft)
	if draft.SessionID != "t1" || len(draft.Messages) != 2 {
		t.Fatalf("draft = %+v", draft)
	}
	if len(selections) != 1 || selections[0] != "t1" {
		t.Fatalf("selections = %v", selections)
	}
}

func TestRetryReturnsFailedInput(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.store.PatchCurrent(Patch{Error: Ptr("Network error. Please check your connection."), LastFailedInput: Ptr("again")})

	if got := h.store.Retry(); got != "again" {
		t.Fatalf("Retry() = %q", got)
	}
	_, st := h.store.Current()
	if st.Error != "" || st.LastFailedInput != "" {
		t.Fatalf("error not cleared: %+v", st)
	}
}

func TestStartNewConversationClearsActivePointer(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	h.store.Patch(domain.Draft, Patch{Messages: Ptr([]domain.Message{msg(domain.RoleUser, "old")})})
	h.store.PromoteDraftToTask(ctx, "t7")

	if active, _ := h.persist.LoadActive(ctx); active != "t7" {
		t.Fatalf("active = %q", active)
	}
	if got := h.store.Get(domain.TaskScope("t7")).Messages; len(got) != 1 {
		t.Fatalf("promoted messages = %v", got)
	}

	h.store.StartNewConversation(ctx)
	if active, _ := h.persist.LoadActive(ctx); active != "" {
		t.Fatalf("active should be cleared, got %q", active)
	}
	if h.store.Selected() != domain.Draft {
		t.Fatalf("draft should be selected")
	}
}
