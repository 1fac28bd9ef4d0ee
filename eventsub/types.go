// Package eventsub manages Twitch EventSub over websocket: the connection
// lifecycle (welcome, keepalive, reconnect, revocation), the per-channel
// subscription registry, and startup reconciliation of persisted intents.
package eventsub

import (
	"encoding/json"
	"time"
)

// Websocket message types carried in metadata.message_type.
const (
	msgSessionWelcome   = "session_welcome"
	msgSessionKeepalive = "session_keepalive"
	msgSessionReconnect = "session_reconnect"
	msgNotification     = "notification"
	msgRevocation       = "revocation"
)

// Subscription types this service manages.
const (
	SubTypeRedemptionAdd = "channel.channel_points_custom_reward_redemption.add"
	SubTypeVIPAdd        = "channel.vip.add"
	SubTypeVIPRemove     = "channel.vip.remove"
)

// envelope is one frame off the websocket: routing metadata plus a payload
// whose shape depends on the message type.
type envelope struct {
	Metadata struct {
		MessageID           string `json:"message_id"`
		MessageType         string `json:"message_type"`
		MessageTimestamp    string `json:"message_timestamp"`
		SubscriptionType    string `json:"subscription_type"`
		SubscriptionVersion string `json:"subscription_version"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

// sessionPayload is the payload of session_welcome and session_reconnect.
type sessionPayload struct {
	Session struct {
		ID                      string `json:"id"`
		Status                  string `json:"status"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
		ReconnectURL            string `json:"reconnect_url"`
	} `json:"session"`
}

// notificationPayload is the payload of notification and revocation frames.
type notificationPayload struct {
	Subscription struct {
		ID        string            `json:"id"`
		Status    string            `json:"status"`
		Type      string            `json:"type"`
		Version   string            `json:"version"`
		Condition map[string]string `json:"condition"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// RedemptionEvent is a channel point redemption notification.
type RedemptionEvent struct {
	ID               string `json:"id"`
	BroadcasterID    string `json:"broadcaster_user_id"`
	BroadcasterLogin string `json:"broadcaster_user_login"`
	BroadcasterName  string `json:"broadcaster_user_name"`
	UserID           string `json:"user_id"`
	UserLogin        string `json:"user_login"`
	UserName         string `json:"user_name"`
	UserInput        string `json:"user_input"`
	Status           string `json:"status"`
	Reward           struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Cost   int    `json:"cost"`
		Prompt string `json:"prompt"`
	} `json:"reward"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

// VIPEvent is a channel.vip.add or channel.vip.remove notification.
type VIPEvent struct {
	UserID        string `json:"user_id"`
	UserLogin     string `json:"user_login"`
	UserName      string `json:"user_name"`
	BroadcasterID string `json:"broadcaster_user_id"`
}

// Revocation describes a subscription Twitch revoked, e.g. after the
// broadcaster deauthorized the app.
type Revocation struct {
	SubscriptionID string
	Type           string
	Status         string
	BroadcasterID  string
}
