package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/taskdesk/internal/apperr"
	"github.com/ashureev/taskdesk/internal/conversation"
	"github.com/ashureev/taskdesk/internal/domain"
	"github.com/ashureev/taskdesk/internal/identity"
)

type conversationResponse struct {
	TaskID string                   `json:"task_id,omitempty"`
	Draft  bool                     `json:"draft"`
	State  domain.ConversationState `json:"state"`
	Input  string                   `json:"input,omitempty"`
}

func current(scope domain.Scope, st domain.ConversationState) conversationResponse {
	return conversationResponse{TaskID: scope.TaskID, Draft: scope.IsDraft(), State: st}
}

// GetConversation returns the selected conversation.
func (h *Handler) GetConversation(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, current(h.engine.Conversations.Current()))
}

type selectRequest struct {
	TaskID string `json:"task_id"`
}

// SelectConversation focuses a task's conversation, loading it on first use.
func (h *Handler) SelectConversation(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeBody(w, r, &req); err != nil || strings.TrimSpace(req.TaskID) == "" {
		Error(w, http.StatusBadRequest, "task_id is required")
		return
	}

	st, err := h.engine.SelectTask(r.Context(), req.TaskID)
	if err != nil {
		h.logger.Warn("Failed to load task messages", "task_id", req.TaskID, "error", err)
	}
	JSON(w, http.StatusOK, current(domain.TaskScope(req.TaskID), st))
}

// NewConversation focuses a fresh draft.
func (h *Handler) NewConversation(w http.ResponseWriter, r *http.Request) {
	st := h.engine.NewConversation(r.Context())
	JSON(w, http.StatusOK, current(domain.Draft, st))
}

type sendRequest struct {
	Message string `json:"message"`
}

// SendMessage submits a turn on the selected conversation. The response
// carries the resulting state; a failed turn has its error recorded there.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req sendRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// A renderer disconnecting does not abort the turn; only the request
	// timeout bounds it.
	ctx := context.WithoutCancel(r.Context())
	scope := h.engine.Conversations.Selected()
	res, err := h.engine.SendToTask(ctx, scope.TaskID, userID, req.Message)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, current(res.Scope, res.State))
	case apperr.IsSkip(err):
		JSON(w, http.StatusConflict, current(scope, h.engine.Conversations.Get(scope)))
	default:
		code := http.StatusBadGateway
		if apperr.Classify(err) == apperr.KindTimeout {
			code = http.StatusGatewayTimeout
		}
		JSON(w, code, current(scope, h.engine.Conversations.Get(scope)))
	}
}

// Retry clears the selected conversation's error and returns the failed
// input for the input field.
func (h *Handler) Retry(w http.ResponseWriter, _ *http.Request) {
	input := h.engine.Conversations.Retry()
	resp := current(h.engine.Conversations.Current())
	resp.Input = input
	JSON(w, http.StatusOK, resp)
}

// ToggleTool flips a tool on the selected conversation.
func (h *Handler) ToggleTool(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Conversations.ToggleTool(chi.URLParam(r, "toolID"))
	if errors.Is(err, conversation.ErrUnknownTool) {
		Error(w, http.StatusNotFound, "unknown tool")
		return
	}
	JSON(w, http.StatusOK, current(h.engine.Conversations.Selected(), st))
}
