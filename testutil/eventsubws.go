package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// MockEventSubServer simulates the Twitch EventSub websocket endpoint. Each
// accepted connection immediately receives a session_welcome and is then
// handed to the test via Conns for scripted frames.
type MockEventSubServer struct {
	*httptest.Server
	Conns chan *websocket.Conn

	SessionID        string
	KeepaliveSeconds int
}

// NewMockEventSubServer starts the mock endpoint.
func NewMockEventSubServer(t *testing.T) *MockEventSubServer {
	t.Helper()
	s := &MockEventSubServer{
		Conns:            make(chan *websocket.Conn, 8),
		SessionID:        "mock-session-1",
		KeepaliveSeconds: 600,
	}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.WriteJSON(Envelope(s.SessionID, "session_welcome", map[string]interface{}{
			"session": map[string]interface{}{
				"id":                        s.SessionID,
				"status":                    "connected",
				"keepalive_timeout_seconds": s.KeepaliveSeconds,
			},
		}))
		s.Conns <- ws
	}))
	t.Cleanup(s.Close)
	return s
}

// WSURL returns the ws:// address of the mock endpoint.
func (s *MockEventSubServer) WSURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// NextConn waits for the next accepted connection.
func (s *MockEventSubServer) NextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-s.Conns:
		return ws
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for websocket connection")
		return nil
	}
}

// Envelope builds an EventSub frame with minimal metadata.
func Envelope(msgID, msgType string, payload interface{}) map[string]interface{} {
	return map[string]interface{}{
		"metadata": map[string]interface{}{
			"message_id":        msgID + "-" + msgType,
			"message_type":      msgType,
			"message_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
		"payload": payload,
	}
}

// NotificationEnvelope builds a notification frame for a subscription type.
func NotificationEnvelope(msgID, subType string, event interface{}) map[string]interface{} {
	return map[string]interface{}{
		"metadata": map[string]interface{}{
			"message_id":           msgID,
			"message_type":         "notification",
			"message_timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
			"subscription_type":    subType,
			"subscription_version": "1",
		},
		"payload": map[string]interface{}{
			"subscription": map[string]interface{}{
				"id":   "sub-" + msgID,
				"type": subType,
			},
			"event": event,
		},
	}
}
