package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyperengineering/syncd/internal/types"
)

// Stream is a live subscription to status events.
type Stream struct {
	conn         *websocket.Conn
	subscriberID string

	writeMu sync.Mutex
}

type streamFrame struct {
	Type         string          `json:"type"`
	SubscriberID string          `json:"subscriberId,omitempty"`
	OperationID  string          `json:"operationId,omitempty"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Subscribe opens the subscription channel and registers interest in
// operationIDs; none means every operation. subscriberID may be empty, or
// the id of an earlier stream to replace it after a reconnect.
func (c *Client) Subscribe(ctx context.Context, subscriberID string, operationIDs ...string) (*Stream, error) {
	u, err := url.Parse(c.baseURL + apiPrefix + "/subscribe")
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	if subscriberID != "" {
		u.RawQuery = url.Values{"subscriber": {subscriberID}}.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial subscription: %w", err)
	}

	var welcome streamFrame
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}

	s := &Stream{conn: conn, subscriberID: welcome.SubscriberID}
	if len(operationIDs) == 0 {
		operationIDs = []string{""}
	}
	for _, id := range operationIDs {
		if err := s.Watch(id); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return s, nil
}

// SubscriberID is the server-assigned id to reconnect with.
func (s *Stream) SubscriberID() string { return s.subscriberID }

// Watch adds an operation to the interest set; "" means all.
func (s *Stream) Watch(operationID string) error {
	return s.send("subscribe", operationID)
}

// Unwatch removes an operation from the interest set; "" clears it.
func (s *Stream) Unwatch(operationID string) error {
	return s.send("unsubscribe", operationID)
}

func (s *Stream) send(action, operationID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(map[string]string{"action": action, "operationId": operationID})
}

// Next blocks until the next event arrives. Data is decoded into
// OperationUpdate or AuditNotice according to the event type.
func (s *Stream) Next() (StatusEvent, error) {
	var f streamFrame
	if err := s.conn.ReadJSON(&f); err != nil {
		return StatusEvent{}, err
	}

	evt := StatusEvent{
		Type:        types.EventType(f.Type),
		OperationID: f.OperationID,
		Sequence:    f.Sequence,
		Timestamp:   f.Timestamp,
	}
	switch evt.Type {
	case types.EventOperationUpdate:
		var u types.OperationUpdate
		if err := json.Unmarshal(f.Data, &u); err != nil {
			return StatusEvent{}, fmt.Errorf("decode operation update: %w", err)
		}
		evt.Data = u
	case types.EventAuditNotification:
		var n types.AuditNotice
		if err := json.Unmarshal(f.Data, &n); err != nil {
			return StatusEvent{}, fmt.Errorf("decode audit notification: %w", err)
		}
		evt.Data = n
	default:
		evt.Data = f.Data
	}
	return evt, nil
}

// Close ends the subscription.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}
