package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/taskdesk/internal/domain"
	"github.com/ashureev/taskdesk/internal/persistence"
)

// ListNotifications returns the visible alerts, oldest first.
func (h *Handler) ListNotifications(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.notifications())
}

func (h *Handler) notifications() []domain.Notification {
	list := h.engine.Notifications.List()
	if list == nil {
		list = []domain.Notification{}
	}
	return list
}

// DismissNotification removes an alert before it expires.
func (h *Handler) DismissNotification(w http.ResponseWriter, r *http.Request) {
	if !h.engine.Notifications.Dismiss(chi.URLParam(r, "id")) {
		Error(w, http.StatusNotFound, "notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTools returns the tool catalog.
func (h *Handler) ListTools(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.engine.Catalog.List())
}

type layout struct {
	LeftPanelWidth int `json:"left_panel_width"`
}

// GetLayout returns persisted layout preferences.
func (h *Handler) GetLayout(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, layout{LeftPanelWidth: h.engine.PanelWidth(r.Context())})
}

// PutLayout stores layout preferences. Widths are clamped, not rejected.
func (h *Handler) PutLayout(w http.ResponseWriter, r *http.Request) {
	var req layout
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.LeftPanelWidth == 0 {
		req.LeftPanelWidth = persistence.DefaultPanelWidth
	}
	width, err := h.engine.SetPanelWidth(r.Context(), req.LeftPanelWidth)
	if err != nil {
		h.logger.Error("Failed to save layout", "error", err)
		Error(w, http.StatusInternalServerError, "failed to save layout")
		return
	}
	JSON(w, http.StatusOK, layout{LeftPanelWidth: width})
}
