package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hyperengineering/syncd/internal/broadcast"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards are served from other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ClientFrame is a subscription change sent by a dashboard. An empty
// OperationID addresses every operation.
type ClientFrame struct {
	Action      string `json:"action"`
	OperationID string `json:"operationId,omitempty"`
}

// Subscription frame actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// WelcomeFrame is the first frame on a new connection. Clients reconnect
// with ?subscriber=<SubscriberID> and then re-send their interest set.
type WelcomeFrame struct {
	Type         string `json:"type"`
	SubscriberID string `json:"subscriberId"`
}

// Subscribe handles GET /api/v1/subscribe, upgrading to a WebSocket that
// streams status events matching the connection's interest set.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	subscriberID := r.URL.Query().Get("subscriber")
	if subscriberID == "" {
		subscriberID = uuid.NewString()
	} else if _, err := uuid.Parse(subscriberID); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "subscriber must be a UUID")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		slog.Warn("websocket upgrade failed", "component", "api", "error", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Attach(subscriberID)
	defer sub.Close()

	log := slog.With("component", "api", "subscriber_id", subscriberID)
	log.Info("subscriber connected")

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(WelcomeFrame{Type: "welcome", SubscriberID: subscriberID}); err != nil {
		log.Warn("failed to send welcome", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.readFrames(conn, sub, cancel, log)
	go pingLoop(ctx, conn)

	for {
		evt, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, broadcast.ErrClosed) {
				log.Info("subscription replaced by reconnect")
			}
			break
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(evt); err != nil {
			log.Debug("write failed", "error", err)
			break
		}
	}

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	log.Info("subscriber disconnected", "dropped", sub.Dropped())
}

// readFrames applies client interest changes until the connection fails,
// then cancels the write loop.
func (h *Handler) readFrames(conn *websocket.Conn, sub *broadcast.Subscription, cancel context.CancelFunc, log *slog.Logger) {
	defer cancel()

	conn.SetReadLimit(wsMaxMessage)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var frame ClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read failed", "error", err)
			}
			return
		}
		switch frame.Action {
		case ActionSubscribe:
			sub.Watch(frame.OperationID)
		case ActionUnsubscribe:
			sub.Unwatch(frame.OperationID)
		default:
			log.Warn("unknown subscription action", "frame_action", frame.Action)
			continue
		}
		log.Debug("interest changed",
			"frame_action", frame.Action,
			"operation_id", frame.OperationID,
		)
	}
}

// pingLoop keeps idle connections alive. WriteControl is safe to call
// concurrently with the event writer.
func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
