// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/vip-tender/config"
	"github.com/onnwee/vip-tender/events"
	"github.com/onnwee/vip-tender/eventsub"
	"github.com/onnwee/vip-tender/oauth"
	"github.com/onnwee/vip-tender/twitchapi"
	"github.com/onnwee/vip-tender/vip"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// MonitorManager is the slice of the subscription manager the API needs.
type MonitorManager interface {
	Start(ctx context.Context, channelID, rewardID string) error
	Stop(ctx context.Context, channelID string) error
	GetStatus(ctx context.Context, channelID string, verify bool) (eventsub.Status, error)
	ActiveChannels() []string
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db      *sql.DB
	cfg     *config.Config
	manager MonitorManager
	bus     *events.Bus

	granterFor func(channelID string) vip.Granter

	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(database *sql.DB, cfg *config.Config, manager MonitorManager, bus *events.Bus) *Handlers {
	return &Handlers{
		db:      database,
		cfg:     cfg,
		manager: manager,
		bus:     bus,
		granterFor: func(channelID string) vip.Granter {
			return &twitchapi.HelixClient{
				Tokens:   oauth.NewChannelTokenSource(database, channelID, cfg.TwitchClientID, cfg.TwitchClientSecret),
				ClientID: cfg.TwitchClientID,
			}
		},
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// If we're still over the limit after cleanup, refuse to add more
	if len(h.stateStore) >= maxOAuthStates {
		return
	}

	h.stateStore[state] = expiry
}

// consumeOAuthState validates and removes a state, returning whether it was valid.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	expiry, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return time.Now().Before(expiry)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
