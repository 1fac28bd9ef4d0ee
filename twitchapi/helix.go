package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Sentinel errors for VIP role operations. Both represent states the caller
// usually treats as already-converged.
var (
	ErrAlreadyVIP = errors.New("user is already a VIP")
	ErrNotVIP     = errors.New("user is not a VIP")
)

// HelixError is a non-2xx response from a Helix endpoint.
type HelixError struct {
	Status  int
	Message string
}

func (e *HelixError) Error() string {
	return fmt.Sprintf("helix request failed: status %d: %s", e.Status, e.Message)
}

// EventSubSubscription mirrors one subscription object from the Helix
// EventSub subscriptions API.
type EventSubSubscription struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport struct {
		Method    string `json:"method"`
		SessionID string `json:"session_id"`
	} `json:"transport"`
	CreatedAt string `json:"created_at"`
	Cost      int    `json:"cost"`
}

// HelixClient issues Helix requests authorized by the supplied token provider.
// VIP and EventSub websocket operations require the broadcaster's user token;
// user lookup works with an app token too.
type HelixClient struct {
	Tokens     TokenProvider
	ClientID   string
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) do(ctx context.Context, method, rawURL string, body []byte) (*http.Response, error) {
	tok, err := hc.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("helix token: %w", err)
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return hc.http().Do(req)
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

func helixError(resp *http.Response) *HelixError {
	b, _ := io.ReadAll(resp.Body)
	msg := string(b)
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &body) == nil && body.Message != "" {
		msg = body.Message
	}
	return &HelixError{Status: resp.StatusCode, Message: msg}
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	resp, err := hc.do(ctx, http.MethodGet, "https://api.twitch.tv/helix/users?login="+login, nil)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return "", helixError(resp)
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// AddVIP grants the VIP role to a user in the broadcaster's channel. Requires
// the channel:manage:vips scope. Returns ErrAlreadyVIP when the role is
// already held, which callers generally treat as converged.
func (hc *HelixClient) AddVIP(ctx context.Context, broadcasterID, userID string) error {
	if broadcasterID == "" || userID == "" {
		return fmt.Errorf("broadcasterID and userID required")
	}
	u := fmt.Sprintf("https://api.twitch.tv/helix/channels/vips?broadcaster_id=%s&user_id=%s", broadcasterID, userID)
	resp, err := hc.do(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	he := helixError(resp)
	if resp.StatusCode == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(he.Message), "already") {
		return ErrAlreadyVIP
	}
	return he
}

// RemoveVIP removes the VIP role from a user in the broadcaster's channel.
// Returns ErrNotVIP when the user does not currently hold the role.
func (hc *HelixClient) RemoveVIP(ctx context.Context, broadcasterID, userID string) error {
	if broadcasterID == "" || userID == "" {
		return fmt.Errorf("broadcasterID and userID required")
	}
	u := fmt.Sprintf("https://api.twitch.tv/helix/channels/vips?broadcaster_id=%s&user_id=%s", broadcasterID, userID)
	resp, err := hc.do(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity {
		// Twitch reports both as the user lacking the role.
		return ErrNotVIP
	}
	return helixError(resp)
}

// ListEventSubSubscriptions returns all EventSub subscriptions for the
// authorizing token, following pagination cursors.
func (hc *HelixClient) ListEventSubSubscriptions(ctx context.Context) ([]EventSubSubscription, error) {
	var out []EventSubSubscription
	after := ""
	for {
		u := "https://api.twitch.tv/helix/eventsub/subscriptions"
		if after != "" {
			u += "?after=" + after
		}
		resp, err := hc.do(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		var body struct {
			Data       []EventSubSubscription `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if resp.StatusCode != http.StatusOK {
			he := helixError(resp)
			closeBody(resp)
			return nil, he
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		closeBody(resp)
		if err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
		if body.Pagination.Cursor == "" {
			return out, nil
		}
		after = body.Pagination.Cursor
	}
}

// CreateEventSubSubscription creates a websocket-transport subscription bound
// to the given session.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, subType, version string, condition map[string]string, sessionID string) (*EventSubSubscription, error) {
	if subType == "" || sessionID == "" {
		return nil, fmt.Errorf("subscription type and session id required")
	}
	if version == "" {
		version = "1"
	}
	payload, err := json.Marshal(map[string]any{
		"type":      subType,
		"version":   version,
		"condition": condition,
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	})
	if err != nil {
		return nil, err
	}
	resp, err := hc.do(ctx, http.MethodPost, "https://api.twitch.tv/helix/eventsub/subscriptions", payload)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusAccepted {
		return nil, helixError(resp)
	}
	var body struct {
		Data []EventSubSubscription `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("empty subscription response")
	}
	return &body.Data[0], nil
}

// DeleteEventSubSubscription removes a subscription by id. A 404 is treated
// as already gone.
func (hc *HelixClient) DeleteEventSubSubscription(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("subscription id required")
	}
	resp, err := hc.do(ctx, http.MethodDelete, "https://api.twitch.tv/helix/eventsub/subscriptions?id="+id, nil)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return helixError(resp)
}
