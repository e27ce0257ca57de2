package conversation

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/ashureev/taskdesk/internal/apperr"
	"github.com/ashureev/taskdesk/internal/backend"
	"github.com/ashureev/taskdesk/internal/domain"
	"github.com/ashureev/taskdesk/internal/pending"
)

// DefaultAssistantReply is shown when a draft turn returns no assistant text.
const DefaultAssistantReply = "I'm ready to help you with your task!"

// ErrUnknownTool is returned when toggling a tool the catalog does not know.
var ErrUnknownTool = errors.New("unknown tool")

// SendResult describes where a successful turn landed.
type SendResult struct {
	// Scope holds the conversation after the turn. For a promoted draft this
	// is the new task scope.
	Scope    domain.Scope
	Promoted bool
	State    domain.ConversationState
}

// Send submits input on the selected conversation.
func (s *Store) Send(ctx context.Context, userID, input string) (SendResult, error) {
	return s.SendTo(ctx, s.Selected(), userID, input)
}

// SendTo submits input on scope. It returns apperr.ErrSkipped when input is
// blank or the conversation already has a turn in flight. Other errors have
// already been recorded on the conversation state.
func (s *Store) SendTo(ctx context.Context, scope domain.Scope, userID, input string) (SendResult, error) {
	if strings.TrimSpace(input) == "" {
		return SendResult{}, apperr.ErrSkipped
	}
	s.ensure(scope)

	userMsg := domain.Message{Role: domain.RoleUser, Content: input}

	s.mu.Lock()
	st := s.states[scope]
	if st.Busy() {
		s.mu.Unlock()
		return SendResult{}, apperr.ErrSkipped
	}
	prior := slices.Clone(st.Messages)
	st.Messages = append(slices.Clone(st.Messages), userMsg)
	st.Loading = true
	st.Submitting = true
	st.Error = ""
	sessionID := st.SessionID
	selected := slices.Clone(st.SelectedTools)
	gen := s.draftGen
	s.mu.Unlock()

	restore := func() {}
	if !scope.IsDraft() && s.tracker != nil {
		restore = s.tracker.MarkProcessing(scope.TaskID)
	}

	req := backend.ConversationRequest{
		Message:       input,
		Email:         userID,
		SelectedTools: s.catalog.Resolve(selected),
	}

	if !scope.IsDraft() {
		reply, err := pending.Call(ctx, s.ctrl, scope.Key(), "post task message", func(ctx context.Context) (*backend.MessagesReply, error) {
			return s.backend.PostTaskMessage(ctx, scope.TaskID, req)
		})
		if err != nil {
			s.rollback(scope, len(prior), userMsg, input, err)
			restore()
			return SendResult{}, err
		}
		out := s.settle(scope, reply.Messages)
		s.bus.Publish(domain.LifecycleEvent{TaskID: scope.TaskID, Status: domain.StatusNeedsPermission})
		return SendResult{Scope: scope, State: out}, nil
	}

	reply, err := pending.Call(ctx, s.ctrl, scope.Key(), "create or continue conversation", func(ctx context.Context) (*backend.ConversationReply, error) {
		return s.backend.CreateOrContinueConversation(ctx, sessionID, req)
	})
	if err != nil {
		s.rollbackDraft(gen, len(prior), userMsg, input, err)
		return SendResult{}, err
	}
	return s.settleDraft(ctx, gen, sessionID, prior, userMsg, reply), nil
}

// settle replaces the messages of scope with the authoritative sequence.
func (s *Store) settle(scope domain.Scope, msgs []domain.Message) domain.ConversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[scope]
	if !scope.IsDraft() {
		s.loaded[scope.TaskID] = true
	}
	st.Messages = nonNil(msgs)
	st.Loading = false
	st.Submitting = false
	st.Error = ""
	st.LastFailedInput = ""
	return st.Clone()
}

func (s *Store) settleDraft(ctx context.Context, gen uint64, sessionID string, prior []domain.Message, userMsg domain.Message, reply *backend.ConversationReply) SendResult {
	msgs := reply.Messages
	if len(msgs) == 0 {
		msgs = append(slices.Clone(prior), userMsg, domain.Message{Role: domain.RoleAssistant, Content: assistantText(reply)})
	}

	event := domain.LifecycleEvent{TaskID: sessionID, Status: domain.StatusNeedsPermission}
	if reply.Status != "" {
		event.Status = reply.Status
	}
	if reply.State != nil {
		event.State = *reply.State
	}

	if sessionID == "" && reply.SessionID != "" {
		taskID := reply.SessionID
		event.TaskID = taskID

		s.mu.Lock()
		stale := gen != s.draftGen
		draftSelected := s.selected.IsDraft()
		tools := s.draftLocked().SelectedTools
		if stale {
			tools = nil
		}
		out := s.promoteTurnLocked(taskID, msgs, tools, stale)
		if draftSelected && !stale {
			s.selected = domain.TaskScope(taskID)
		}
		s.mu.Unlock()

		if !stale {
			s.afterPromote(ctx, taskID, out)
			if draftSelected {
				s.notifySelect(domain.TaskScope(taskID), taskID)
			}
		}
		s.bus.Publish(event)
		return SendResult{Scope: domain.TaskScope(taskID), Promoted: true, State: out}
	}

	s.mu.Lock()
	var out domain.ConversationState
	if gen == s.draftGen {
		st := s.draftLocked()
		st.Messages = nonNil(msgs)
		st.Loading = false
		st.Submitting = false
		st.Error = ""
		st.LastFailedInput = ""
		out = st.Clone()
	} else {
		out = domain.ConversationState{Messages: nonNil(msgs)}.Clone()
	}
	s.mu.Unlock()

	if event.TaskID != "" {
		s.bus.Publish(event)
	}
	return SendResult{Scope: domain.Draft, State: out}
}

// promoteTurnLocked stores a finished first turn under taskID. A stale turn
// (the draft was reset while it was in flight) leaves the new draft alone.
func (s *Store) promoteTurnLocked(taskID string, msgs []domain.Message, tools []string, stale bool) domain.ConversationState {
	if !stale {
		return s.promoteLocked(taskID, msgs, tools)
	}
	task := &domain.ConversationState{Messages: slices.Clone(msgs)}
	s.states[domain.TaskScope(taskID)] = task
	s.loaded[taskID] = true
	return task.Clone()
}

func (s *Store) rollback(scope domain.Scope, at int, userMsg domain.Message, input string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(s.states[scope], at, userMsg, input, err)
}

func (s *Store) rollbackDraft(gen uint64, at int, userMsg domain.Message, input string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.draftGen {
		return
	}
	s.failLocked(s.draftLocked(), at, userMsg, input, err)
}

func (s *Store) failLocked(st *domain.ConversationState, at int, userMsg domain.Message, input string, err error) {
	st.Messages = removeMessage(st.Messages, at, userMsg)
	st.Loading = false
	st.Submitting = false
	st.Error = apperr.UserMessage(err)
	st.LastFailedInput = input
}

// removeMessage drops the optimistic message, expected at index at. If the
// sequence moved underneath it, the last matching user message is removed.
func removeMessage(msgs []domain.Message, at int, target domain.Message) []domain.Message {
	match := func(m domain.Message) bool {
		return m.Role == target.Role && m.Text() == target.Text()
	}
	if at < len(msgs) && match(msgs[at]) {
		return slices.Delete(slices.Clone(msgs), at, at+1)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if match(msgs[i]) {
			return slices.Delete(slices.Clone(msgs), i, i+1)
		}
	}
	return msgs
}

func assistantText(reply *backend.ConversationReply) string {
	if text := strings.TrimSpace(reply.Response); text != "" {
		return reply.Response
	}
	return DefaultAssistantReply
}

func nonNil(msgs []domain.Message) []domain.Message {
	if msgs == nil {
		return []domain.Message{}
	}
	return slices.Clone(msgs)
}
