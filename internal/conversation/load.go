package conversation

import (
	"context"
	"fmt"

	"github.com/ashureev/taskdesk/internal/backend"
	"github.com/ashureev/taskdesk/internal/domain"
	"github.com/ashureev/taskdesk/internal/pending"
)

// SelectTask selects the conversation of taskID and clears its error. The
// task's messages are fetched the first time it is selected; a failed fetch
// leaves the state empty and is retried on the next selection.
func (s *Store) SelectTask(ctx context.Context, taskID string) (domain.ConversationState, error) {
	scope := domain.TaskScope(taskID)
	if scope.IsDraft() {
		return domain.ConversationState{}, fmt.Errorf("select task: empty task id")
	}
	s.Select(scope)

	var loadErr error
	if s.needsLoad(taskID) {
		loadErr = s.loadMessages(ctx, scope, taskID)
	}

	s.mu.Lock()
	st := s.states[scope]
	st.Error = ""
	st.LastFailedInput = ""
	out := st.Clone()
	s.mu.Unlock()

	return out, loadErr
}

// Restore binds the draft to the persisted active session, if any, and loads
// that session's messages. It returns the restored session id.
func (s *Store) Restore(ctx context.Context) (string, error) {
	taskID, err := s.persist.LoadActive(ctx)
	if err != nil {
		return "", fmt.Errorf("load active session: %w", err)
	}
	if taskID == "" {
		return "", nil
	}

	s.ensure(domain.Draft)
	s.mu.Lock()
	s.draftLocked().SessionID = taskID
	selected := s.selected
	s.mu.Unlock()

	if selected.IsDraft() {
		s.notifySelect(domain.Draft, taskID)
	}

	reply, err := pending.Call(ctx, s.ctrl, domain.Draft.Key(), "get session messages", func(ctx context.Context) (*backend.MessagesReply, error) {
		return s.backend.GetTaskMessages(ctx, taskID)
	})
	if err != nil {
		return taskID, err
	}

	s.mu.Lock()
	draft := s.draftLocked()
	if draft.SessionID == taskID && !draft.Busy() {
		draft.Messages = nonNil(reply.Messages)
	}
	s.mu.Unlock()
	return taskID, nil
}

func (s *Store) needsLoad(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.loaded[taskID]
}

func (s *Store) loadMessages(ctx context.Context, scope domain.Scope, taskID string) error {
	reply, err := pending.Call(ctx, s.ctrl, scope.Key(), "get task messages", func(ctx context.Context) (*backend.MessagesReply, error) {
		return s.backend.GetTaskMessages(ctx, taskID)
	})
	if err != nil {
		s.logger.Warn("failed to load task messages", "task_id", taskID, "error", err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded[taskID] {
		return nil
	}
	st := s.states[scope]
	if !st.Busy() {
		st.Messages = nonNil(reply.Messages)
	}
	s.loaded[taskID] = true
	return nil
}
