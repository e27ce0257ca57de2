// Package api exposes the engine to renderers over JSON/HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/taskdesk/internal/app"
)

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the local API.
type Handler struct {
	engine *app.Engine
	db     Pinger
	logger *slog.Logger
}

// NewHandler creates a Handler. db may be nil when storage has no health check.
func NewHandler(engine *app.Engine, db Pinger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, db: db, logger: logger}
}

// RegisterRoutes registers every API route on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", h.ListTasks)
		r.Post("/tasks/refresh", h.RefreshTasks)
		r.Post("/tasks/{id}/complete", h.CompleteTask)

		r.Get("/conversation", h.GetConversation)
		r.Post("/conversation/select", h.SelectConversation)
		r.Post("/conversation/new", h.NewConversation)
		r.Post("/conversation/messages", h.SendMessage)
		r.Post("/conversation/retry", h.Retry)
		r.Post("/conversation/tools/{toolID}", h.ToggleTool)

		r.Get("/notifications", h.ListNotifications)
		r.Delete("/notifications/{id}", h.DismissNotification)

		r.Get("/tools", h.ListTools)
		r.Get("/layout", h.GetLayout)
		r.Put("/layout", h.PutLayout)
	})

	r.Get("/ws/events", h.Events)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Health reports API and storage health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"api": "ok"}
	status := map[string]any{"status": "healthy", "checks": checks}
	code := http.StatusOK

	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.logger.Error("Health check failed", "error", err)
			status["status"] = "degraded"
			checks["database"] = "unreachable"
			code = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}

	JSON(w, code, status)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}
