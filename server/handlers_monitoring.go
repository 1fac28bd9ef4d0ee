package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/vip-tender/db"
	"github.com/onnwee/vip-tender/eventsub"
	"github.com/onnwee/vip-tender/oauth"
	"github.com/onnwee/vip-tender/telemetry"
)

type monitoringRequest struct {
	ChannelID string `json:"channel_id"`
	RewardID  string `json:"reward_id"`
}

// HandleMonitoringStart begins redemption monitoring for a channel.
// POST {"channel_id": "...", "reward_id": "..."}
func (h *Handlers) HandleMonitoringStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req monitoringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ChannelID == "" || req.RewardID == "" {
		writeError(w, http.StatusBadRequest, "channel_id and reward_id are required")
		return
	}

	err := h.manager.Start(r.Context(), req.ChannelID, req.RewardID)
	if err != nil {
		var scopeErr *eventsub.MissingScopesError
		switch {
		case errors.Is(err, oauth.ErrNoCredentials):
			writeError(w, http.StatusNotFound, "channel has not authorized the app")
		case errors.As(err, &scopeErr):
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error":          "stored token is missing required scopes, re-authorization needed",
				"missing_scopes": scopeErr.Missing,
			})
		case errors.Is(err, eventsub.ErrNoSession):
			writeError(w, http.StatusServiceUnavailable, "eventsub connection not ready, retry shortly")
		default:
			telemetry.LoggerWithCorr(r.Context()).Error("monitoring start failed",
				slog.String("channel_id", req.ChannelID), slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "monitoring", "channel_id": req.ChannelID, "reward_id": req.RewardID})
}

// HandleMonitoringStop ends redemption monitoring for a channel.
// POST {"channel_id": "..."}
func (h *Handlers) HandleMonitoringStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req monitoringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}

	if err := h.manager.Stop(r.Context(), req.ChannelID); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("monitoring stop failed",
			slog.String("channel_id", req.ChannelID), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "channel_id": req.ChannelID})
}

// HandleMonitoringStatus reports monitoring state for a channel.
// GET ?channel_id=...&verify=1 rechecks the subscription against Twitch.
func (h *Handlers) HandleMonitoringStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	channelID, err := channelIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	verify := r.URL.Query().Get("verify") == "1" || r.URL.Query().Get("verify") == "true"

	status, err := h.manager.GetStatus(r.Context(), channelID, verify)
	if err != nil {
		if errors.Is(err, eventsub.ErrStatusMismatch) {
			// Local state says monitoring but Twitch disagrees.
			writeJSON(w, http.StatusConflict, status)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type channelSettingsRequest struct {
	ChannelID        string `json:"channel_id"`
	VIPDurationHours int    `json:"vip_duration_hours"`
	AnnounceEnabled  *bool  `json:"announce_enabled"`
}

// HandleChannelSettings reads or updates per-channel VIP settings.
func (h *Handlers) HandleChannelSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		channelID, err := channelIDParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		settings, err := db.GetChannelSettings(r.Context(), h.db, channelID, h.cfg.DefaultVIPDuration)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"channel_id":         channelID,
			"vip_duration_hours": int(settings.VIPDuration.Hours()),
			"announce_enabled":   settings.AnnounceEnabled,
		})
	case http.MethodPost, http.MethodPut:
		var req channelSettingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.ChannelID == "" {
			writeError(w, http.StatusBadRequest, "channel_id is required")
			return
		}
		if req.VIPDurationHours < 0 || req.VIPDurationHours > 24*365 {
			writeError(w, http.StatusBadRequest, "vip_duration_hours out of range")
			return
		}

		current, err := db.GetChannelSettings(r.Context(), h.db, req.ChannelID, h.cfg.DefaultVIPDuration)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if req.VIPDurationHours > 0 {
			current.VIPDuration = time.Duration(req.VIPDurationHours) * time.Hour
		}
		if req.AnnounceEnabled != nil {
			current.AnnounceEnabled = *req.AnnounceEnabled
		}
		current.ChannelID = req.ChannelID
		if err := db.UpsertChannelSettings(r.Context(), h.db, current); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"channel_id":         req.ChannelID,
			"vip_duration_hours": int(current.VIPDuration.Hours()),
			"announce_enabled":   current.AnnounceEnabled,
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
