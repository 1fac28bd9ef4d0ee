package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// staticTokens is a TokenProvider returning a fixed token.
type staticTokens struct{ token string }

func (s staticTokens) Token(ctx context.Context) (string, error) { return s.token, nil }

func newTestClient(server *httptest.Server) *HelixClient {
	return &HelixClient{
		Tokens:   staticTokens{token: "test-token"},
		ClientID: "test-client-id",
		HTTPClient: &http.Client{
			Transport: &rewriteTransport{
				Transport: http.DefaultTransport,
				host:      server.URL,
			},
		},
	}
}

func TestHelixClient_GetUserID(t *testing.T) {
	tests := []struct {
		response    interface{}
		name        string
		login       string
		wantUserID  string
		errContains string
		statusCode  int
		wantErr     bool
	}{
		{
			name:  "successful user lookup",
			login: "testuser",
			response: map[string]interface{}{
				"data": []map[string]string{
					{"id": "12345", "login": "testuser"},
				},
			},
			statusCode: http.StatusOK,
			wantUserID: "12345",
		},
		{
			name:  "user not found",
			login: "nonexistent",
			response: map[string]interface{}{
				"data": []map[string]string{},
			},
			statusCode:  http.StatusOK,
			wantErr:     true,
			errContains: "user not found",
		},
		{
			name:        "empty login",
			login:       "",
			wantErr:     true,
			errContains: "login empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Client-Id") != "test-client-id" {
					t.Errorf("missing or wrong Client-Id header")
				}
				if r.Header.Get("Authorization") != "Bearer test-token" {
					t.Errorf("missing or wrong Authorization header")
				}
				if tt.login != "" && r.URL.Query().Get("login") != tt.login {
					t.Errorf("login query param = %s, want %s", r.URL.Query().Get("login"), tt.login)
				}
				w.WriteHeader(tt.statusCode)
				if tt.response != nil {
					json.NewEncoder(w).Encode(tt.response)
				}
			}))
			defer server.Close()

			userID, err := newTestClient(server).GetUserID(context.Background(), tt.login)

			if tt.wantErr {
				if err == nil {
					t.Errorf("GetUserID() error = nil, want error containing %q", tt.errContains)
				} else if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("GetUserID() error = %v, want error containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Errorf("GetUserID() unexpected error = %v", err)
				return
			}
			if userID != tt.wantUserID {
				t.Errorf("GetUserID() = %s, want %s", userID, tt.wantUserID)
			}
		})
	}
}

func TestHelixClient_AddVIP(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantErr    error
		wantErrAny bool
	}{
		{
			name:       "granted",
			statusCode: http.StatusNoContent,
		},
		{
			name:       "already a VIP",
			statusCode: http.StatusUnprocessableEntity,
			body:       `{"error":"Unprocessable Entity","status":422,"message":"The specified user is already a VIP."}`,
			wantErr:    ErrAlreadyVIP,
		},
		{
			name:       "server error",
			statusCode: http.StatusInternalServerError,
			body:       `{"message":"internal"}`,
			wantErrAny: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method = %s, want POST", r.Method)
				}
				if r.URL.Path != "/helix/channels/vips" {
					t.Errorf("path = %s, want /helix/channels/vips", r.URL.Path)
				}
				if r.URL.Query().Get("broadcaster_id") != "100" || r.URL.Query().Get("user_id") != "200" {
					t.Errorf("unexpected query: %s", r.URL.RawQuery)
				}
				w.WriteHeader(tt.statusCode)
				if tt.body != "" {
					w.Write([]byte(tt.body))
				}
			}))
			defer server.Close()

			err := newTestClient(server).AddVIP(context.Background(), "100", "200")

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("AddVIP() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if tt.wantErrAny {
				if err == nil {
					t.Errorf("AddVIP() error = nil, want error")
				}
				var he *HelixError
				if !errors.As(err, &he) || he.Status != http.StatusInternalServerError {
					t.Errorf("AddVIP() error = %v, want HelixError with status 500", err)
				}
				return
			}
			if err != nil {
				t.Errorf("AddVIP() unexpected error = %v", err)
			}
		})
	}
}

func TestHelixClient_AddVIP_EmptyArgs(t *testing.T) {
	client := &HelixClient{Tokens: staticTokens{token: "t"}, ClientID: "c"}
	if err := client.AddVIP(context.Background(), "", "200"); err == nil {
		t.Errorf("AddVIP() with empty broadcaster should fail")
	}
	if err := client.AddVIP(context.Background(), "100", ""); err == nil {
		t.Errorf("AddVIP() with empty user should fail")
	}
}

func TestHelixClient_RemoveVIP(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantErr    error
	}{
		{name: "removed", statusCode: http.StatusNoContent},
		{name: "not a VIP", statusCode: http.StatusUnprocessableEntity, wantErr: ErrNotVIP},
		{name: "user gone", statusCode: http.StatusNotFound, wantErr: ErrNotVIP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodDelete {
					t.Errorf("method = %s, want DELETE", r.Method)
				}
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			err := newTestClient(server).RemoveVIP(context.Background(), "100", "200")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("RemoveVIP() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Errorf("RemoveVIP() unexpected error = %v", err)
			}
		})
	}
}

func TestHelixClient_CreateEventSubSubscription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var body struct {
			Type      string            `json:"type"`
			Version   string            `json:"version"`
			Condition map[string]string `json:"condition"`
			Transport map[string]string `json:"transport"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.Type != "channel.channel_points_custom_reward_redemption.add" {
			t.Errorf("type = %s", body.Type)
		}
		if body.Version != "1" {
			t.Errorf("version = %s, want 1", body.Version)
		}
		if body.Condition["broadcaster_user_id"] != "100" {
			t.Errorf("condition = %v", body.Condition)
		}
		if body.Transport["method"] != "websocket" || body.Transport["session_id"] != "sess-1" {
			t.Errorf("transport = %v", body.Transport)
		}

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{
					"id":        "sub-1",
					"status":    "enabled",
					"type":      body.Type,
					"version":   "1",
					"condition": body.Condition,
				},
			},
		})
	}))
	defer server.Close()

	sub, err := newTestClient(server).CreateEventSubSubscription(
		context.Background(),
		"channel.channel_points_custom_reward_redemption.add",
		"1",
		map[string]string{"broadcaster_user_id": "100"},
		"sess-1",
	)
	if err != nil {
		t.Fatalf("CreateEventSubSubscription() error = %v", err)
	}
	if sub.ID != "sub-1" || sub.Status != "enabled" {
		t.Errorf("subscription = %+v", sub)
	}
}

func TestHelixClient_ListEventSubSubscriptions_Paginates(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		after := r.URL.Query().Get("after")
		switch after {
		case "":
			json.NewEncoder(w).Encode(map[string]any{
				"data":       []map[string]any{{"id": "sub-1", "status": "enabled"}},
				"pagination": map[string]string{"cursor": "page2"},
			})
		case "page2":
			json.NewEncoder(w).Encode(map[string]any{
				"data":       []map[string]any{{"id": "sub-2", "status": "websocket_disconnected"}},
				"pagination": map[string]string{},
			})
		default:
			t.Errorf("unexpected cursor %q", after)
		}
	}))
	defer server.Close()

	subs, err := newTestClient(server).ListEventSubSubscriptions(context.Background())
	if err != nil {
		t.Fatalf("ListEventSubSubscriptions() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("request count = %d, want 2", calls)
	}
	if len(subs) != 2 || subs[0].ID != "sub-1" || subs[1].ID != "sub-2" {
		t.Errorf("subscriptions = %+v", subs)
	}
}

func TestHelixClient_DeleteEventSubSubscription(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantErr    bool
	}{
		{name: "deleted", statusCode: http.StatusNoContent},
		{name: "already gone", statusCode: http.StatusNotFound},
		{name: "unauthorized", statusCode: http.StatusUnauthorized, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("id") != "sub-1" {
					t.Errorf("id query param = %s, want sub-1", r.URL.Query().Get("id"))
				}
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			err := newTestClient(server).DeleteEventSubSubscription(context.Background(), "sub-1")
			if tt.wantErr && err == nil {
				t.Errorf("DeleteEventSubSubscription() error = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("DeleteEventSubSubscription() unexpected error = %v", err)
			}
		})
	}
}

// rewriteTransport redirects hardcoded API URLs at a local test server.
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		host := t.host
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}
