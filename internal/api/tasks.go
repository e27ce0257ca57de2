package api

import (
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/taskdesk/internal/app"
	"github.com/ashureev/taskdesk/internal/domain"
	"github.com/ashureev/taskdesk/internal/identity"
)

// completeLocks prevents concurrent completion of the same task. Entries are
// kept so every request for a task contends on the same mutex.
var completeLocks sync.Map

type taskView struct {
	domain.Task
	Label   string `json:"label"`
	Loading bool   `json:"loading"`
}

type taskListResponse struct {
	Tasks  []taskView                       `json:"tasks"`
	Groups map[domain.TaskStatus][]taskView `json:"groups"`
	Error  string                           `json:"error,omitempty"`
	Loaded bool                             `json:"loaded"`
}

func (h *Handler) taskList() taskListResponse {
	view := func(t domain.Task) taskView {
		return taskView{Task: t, Label: t.Status.Label(), Loading: h.engine.Conversations.IsLoading(t.ID)}
	}

	resp := taskListResponse{
		Tasks:  []taskView{},
		Groups: make(map[domain.TaskStatus][]taskView),
		Error:  h.engine.Tasks.Err(),
		Loaded: h.engine.Tasks.Loaded(),
	}
	for _, t := range h.engine.Tasks.Tasks() {
		resp.Tasks = append(resp.Tasks, view(t))
	}
	for status, list := range h.engine.Tasks.Grouped() {
		group := make([]taskView, 0, len(list))
		for _, t := range list {
			group = append(group, view(t))
		}
		resp.Groups[status] = group
	}
	return resp
}

// ListTasks returns the local task list without contacting the backend.
func (h *Handler) ListTasks(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.taskList())
}

// RefreshTasks reloads the task list. A failed refresh still returns the
// stale list with its error.
func (h *Handler) RefreshTasks(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if _, err := h.engine.RefreshTasks(r.Context(), userID); err != nil {
		h.logger.Warn("Task refresh failed", "user_id", userID, "error", err)
	}
	JSON(w, http.StatusOK, h.taskList())
}

// CompleteTask marks a task complete.
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	taskID := chi.URLParam(r, "id")

	lock, _ := completeLocks.LoadOrStore(taskID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		h.logger.Warn("Completion already in progress", "task_id", taskID)
		Error(w, http.StatusConflict, "completion_in_progress")
		return
	}
	defer mutex.Unlock()

	if err := h.engine.CompleteTask(r.Context(), taskID, userID); err != nil {
		if errors.Is(err, app.ErrNoUser) {
			Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h.logger.Error("Failed to complete task", "task_id", taskID, "error", err)
		Error(w, http.StatusBadGateway, "complete_failed")
		return
	}

	task, _ := h.engine.Tasks.Task(taskID)
	JSON(w, http.StatusOK, task)
}
