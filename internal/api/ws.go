package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/taskdesk/internal/domain"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsQueueSize    = 64
)

// Event types pushed to renderers.
const (
	EventLifecycle     = "lifecycle"
	EventNotifications = "notifications"
	EventTasks         = "tasks"
)

// Envelope is one message on /ws/events.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Events streams lifecycle events and alert changes until the client goes
// away. A client that falls behind is disconnected.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	// Inbound messages are not part of the protocol.
	ctx := ws.CloseRead(r.Context())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan Envelope, wsQueueSize)
	push := func(env Envelope) {
		select {
		case queue <- env:
		default:
			h.logger.Warn("WebSocket client too slow, dropping connection")
			cancel()
		}
	}

	unsubscribeBus := h.engine.Bus.Subscribe(func(e domain.LifecycleEvent) {
		push(Envelope{Type: EventLifecycle, Data: e})
	})
	defer unsubscribeBus()
	unsubscribeAlerts := h.engine.SubscribeNotifications(func(list []domain.Notification) {
		if list == nil {
			list = []domain.Notification{}
		}
		push(Envelope{Type: EventNotifications, Data: list})
	})
	defer unsubscribeAlerts()

	h.logger.Info("Event stream connected", "ip", r.RemoteAddr)
	if err := h.write(ctx, ws, Envelope{Type: EventNotifications, Data: h.notifications()}); err != nil {
		return
	}
	if err := h.write(ctx, ws, Envelope{Type: EventTasks, Data: h.taskList()}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Event stream closed", "ip", r.RemoteAddr)
			return
		case env := <-queue:
			if err := h.write(ctx, ws, env); err != nil {
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, env Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, env); err != nil {
		h.logger.Debug("WebSocket write failed", "type", env.Type, "error", err)
		return err
	}
	return nil
}
