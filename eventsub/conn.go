package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/vip-tender/telemetry"
)

// Handler receives decoded EventSub traffic. Callbacks run on the connection's
// read loop. OnRedemption is expected to run inline so a channel's redemptions
// are handled in arrival order; the other callbacks should hand slow work to a
// goroutine so the loop keeps reading. A nil callback drops that traffic.
type Handler struct {
	// OnSession fires after every welcome frame. resumed is true when the
	// session carried over through a reconnect URL, meaning existing
	// subscriptions survived. A fresh session requires re-registering.
	OnSession    func(ctx context.Context, sessionID string, resumed bool)
	OnRedemption func(ctx context.Context, ev RedemptionEvent)
	OnVIPAdd     func(ctx context.Context, ev VIPEvent)
	OnVIPRemove  func(ctx context.Context, ev VIPEvent)
	OnRevocation func(ctx context.Context, rev Revocation)
}

const (
	welcomeTimeout = 15 * time.Second
	keepaliveGrace = 10 * time.Second
	maxBackoff     = 60 * time.Second
	dedupeWindow   = 256
)

// errMalformedFrame marks a frame that read fine but did not decode. The
// serve loop skips these instead of tearing the connection down.
var errMalformedFrame = errors.New("malformed eventsub frame")

// Conn maintains one EventSub websocket connection with automatic reconnect.
// All monitored channels share the connection; subscriptions are bound to its
// session id.
type Conn struct {
	url     string
	handler Handler
	dialer  *websocket.Dialer

	mu        sync.RWMutex
	sessionID string

	readyOnce sync.Once
	ready     chan struct{}
}

// NewConn creates a connection targeting the given EventSub websocket URL.
func NewConn(url string, h Handler) *Conn {
	return &Conn{
		url:     url,
		handler: h,
		dialer:  websocket.DefaultDialer,
		ready:   make(chan struct{}),
	}
}

// Ready returns a channel closed once the first session is established.
// Callers that need a live session id (subscription creation, startup
// reconciliation) block on it instead of polling SessionID.
func (c *Conn) Ready() <-chan struct{} {
	return c.ready
}

// SessionID returns the current session id, empty until the first welcome.
func (c *Conn) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Conn) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
	if id != "" {
		c.readyOnce.Do(func() { close(c.ready) })
	}
}

// Run connects and serves frames until ctx is cancelled, reconnecting with
// exponential backoff after failures. Twitch-directed reconnects (via
// session_reconnect) resume the session; failure reconnects start fresh.
func (c *Conn) Run(ctx context.Context) error {
	url := c.url
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reconnectURL, err := c.serve(ctx, url)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.setSessionID("")
			telemetry.Inc(telemetry.WSReconnects)
			slog.Warn("eventsub connection lost, reconnecting",
				slog.Any("err", err),
				slog.Duration("backoff", backoff),
				slog.String("component", "eventsub"))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			// Reconnect URLs are single use; after a failure start over.
			url = c.url
			continue
		}
		// Twitch asked us to move; the session resumes at the new URL.
		url = reconnectURL
		backoff = time.Second
	}
}

// serve runs one websocket connection to completion. It returns a non-empty
// reconnect URL when Twitch sent session_reconnect, or an error for every
// other exit.
func (c *Conn) serve(ctx context.Context, url string) (string, error) {
	ws, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", url, err)
	}

	// Unblock the read loop when ctx is cancelled.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-done:
		}
	}()
	defer func() {
		close(done)
		_ = ws.Close()
	}()

	// First frame must be the welcome.
	if err := ws.SetReadDeadline(time.Now().Add(welcomeTimeout)); err != nil {
		return "", err
	}
	env, err := readEnvelope(ws)
	if err != nil {
		return "", fmt.Errorf("read welcome: %w", err)
	}
	if env.Metadata.MessageType != msgSessionWelcome {
		return "", fmt.Errorf("expected session_welcome, got %s", env.Metadata.MessageType)
	}
	var welcome sessionPayload
	if err := json.Unmarshal(env.Payload, &welcome); err != nil {
		return "", fmt.Errorf("decode welcome: %w", err)
	}
	keepalive := time.Duration(welcome.Session.KeepaliveTimeoutSeconds) * time.Second
	if keepalive <= 0 {
		keepalive = 10 * time.Second
	}

	resumed := url != c.url
	c.setSessionID(welcome.Session.ID)
	slog.Info("eventsub session established",
		slog.String("session_id", welcome.Session.ID),
		slog.Bool("resumed", resumed),
		slog.Duration("keepalive", keepalive),
		slog.String("component", "eventsub"))
	if c.handler.OnSession != nil {
		c.handler.OnSession(ctx, welcome.Session.ID, resumed)
	}

	// Twitch can redeliver; remember recent message ids.
	seen := make(map[string]bool, dedupeWindow)
	var order []string

	for {
		// Silence past the keepalive window means the connection is dead.
		if err := ws.SetReadDeadline(time.Now().Add(keepalive + keepaliveGrace)); err != nil {
			return "", err
		}
		env, err := readEnvelope(ws)
		if err != nil {
			if errors.Is(err, errMalformedFrame) {
				slog.Warn("skipping malformed frame", slog.Any("err", err), slog.String("component", "eventsub"))
				continue
			}
			return "", fmt.Errorf("read frame: %w", err)
		}

		if id := env.Metadata.MessageID; id != "" {
			if seen[id] {
				continue
			}
			seen[id] = true
			order = append(order, id)
			if len(order) > dedupeWindow {
				delete(seen, order[0])
				order = order[1:]
			}
		}

		switch env.Metadata.MessageType {
		case msgSessionKeepalive:
			// Nothing to do; the read deadline was already reset.
		case msgSessionReconnect:
			var p sessionPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return "", fmt.Errorf("decode reconnect: %w", err)
			}
			if p.Session.ReconnectURL == "" {
				return "", fmt.Errorf("reconnect frame without URL")
			}
			return p.Session.ReconnectURL, nil
		case msgNotification:
			c.dispatch(ctx, env)
		case msgRevocation:
			var p notificationPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				slog.Warn("undecodable revocation", slog.Any("err", err), slog.String("component", "eventsub"))
				continue
			}
			if c.handler.OnRevocation != nil {
				c.handler.OnRevocation(ctx, Revocation{
					SubscriptionID: p.Subscription.ID,
					Type:           p.Subscription.Type,
					Status:         p.Subscription.Status,
					BroadcasterID:  p.Subscription.Condition["broadcaster_user_id"],
				})
			}
		default:
			slog.Debug("ignoring unknown eventsub message",
				slog.String("message_type", env.Metadata.MessageType),
				slog.String("component", "eventsub"))
		}
	}
}

// dispatch decodes a notification and routes it by subscription type.
// A decode failure drops the single event, never the connection.
func (c *Conn) dispatch(ctx context.Context, env envelope) {
	var p notificationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		slog.Warn("undecodable notification", slog.Any("err", err), slog.String("component", "eventsub"))
		return
	}

	switch env.Metadata.SubscriptionType {
	case SubTypeRedemptionAdd:
		var ev RedemptionEvent
		if err := json.Unmarshal(p.Event, &ev); err != nil {
			slog.Warn("undecodable redemption event", slog.Any("err", err), slog.String("component", "eventsub"))
			return
		}
		telemetry.Inc(telemetry.RedemptionsReceived)
		if c.handler.OnRedemption != nil {
			c.handler.OnRedemption(ctx, ev)
		}
	case SubTypeVIPAdd, SubTypeVIPRemove:
		var ev VIPEvent
		if err := json.Unmarshal(p.Event, &ev); err != nil {
			slog.Warn("undecodable vip event", slog.Any("err", err), slog.String("component", "eventsub"))
			return
		}
		if env.Metadata.SubscriptionType == SubTypeVIPAdd {
			if c.handler.OnVIPAdd != nil {
				c.handler.OnVIPAdd(ctx, ev)
			}
		} else if c.handler.OnVIPRemove != nil {
			c.handler.OnVIPRemove(ctx, ev)
		}
	default:
		slog.Debug("ignoring notification for unmanaged type",
			slog.String("subscription_type", env.Metadata.SubscriptionType),
			slog.String("component", "eventsub"))
	}
}

func readEnvelope(ws *websocket.Conn) (envelope, error) {
	var env envelope
	_, data, err := ws.ReadMessage()
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	return env, nil
}
