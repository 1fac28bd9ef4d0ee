package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"

	"github.com/onnwee/vip-tender/db"
	"github.com/onnwee/vip-tender/telemetry"
	"github.com/onnwee/vip-tender/twitchapi"
)

func (h *Handlers) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     h.cfg.TwitchClientID,
		ClientSecret: h.cfg.TwitchClientSecret,
		RedirectURL:  h.cfg.TwitchRedirectURI,
		Scopes:       strings.Fields(h.cfg.TwitchScopes),
		Endpoint:     twitch.Endpoint,
	}
}

// HandleOAuthStart initiates the Twitch OAuth flow by redirecting to Twitch.
// Streamers authorize the app here; the callback stores their tokens.
func (h *Handlers) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.cfg.TwitchClientID == "" || h.cfg.TwitchRedirectURI == "" {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	// generate state
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", 500)
		return
	}
	st := hex.EncodeToString(b)
	h.addOAuthState(st, time.Now().Add(10*time.Minute))

	http.Redirect(w, r, h.oauthConfig().AuthCodeURL(st, oauth2.AccessTypeOffline), http.StatusFound)
}

// HandleOAuthCallback handles the OAuth callback from Twitch: exchanges the
// code, resolves the broadcaster behind the token, and stores credentials.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", 400)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", 400)
		return
	}
	ctx := r.Context()

	tok, err := h.oauthConfig().Exchange(ctx, code)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	// The token itself tells us whose channel this is and which scopes stuck.
	info, err := twitchapi.ValidateToken(ctx, tok.AccessToken)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	creds := db.Credentials{
		ChannelID:    info.UserID,
		Username:     info.Login,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scope:        info.Scopes,
	}
	if err := db.UpsertCredentials(ctx, h.db, creds); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	// Seed settings so the channel shows up in the dashboard with defaults.
	if _, err := db.GetChannelSettings(ctx, h.db, info.UserID, h.cfg.DefaultVIPDuration); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("could not seed channel settings",
			slog.String("channel_id", info.UserID), slog.Any("err", err))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"channel_id": info.UserID,
		"login":      info.Login,
		"scopes":     info.Scopes,
	})
}
