package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/vip-tender/db"
	"github.com/onnwee/vip-tender/telemetry"
	"github.com/onnwee/vip-tender/vip"
)

// HandleVIPList lists VIP sessions for a channel.
// GET ?channel_id=...&all=1 includes inactive sessions.
func (h *Handlers) HandleVIPList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	channelID, err := channelIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	activeOnly := r.URL.Query().Get("all") == ""
	limit := parseIntQuery(r, "limit", 100)
	if limit < 1 || limit > 500 {
		limit = 100
	}

	sessions, err := db.ListSessions(r.Context(), h.db, channelID, activeOnly, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel_id": channelID, "sessions": sessions})
}

type vipGrantRequest struct {
	ChannelID     string `json:"channel_id"`
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	DurationHours int    `json:"duration_hours"`
}

// HandleVIPGrant grants VIP to a user outside the redemption flow.
// POST {"channel_id": "...", "user_id": "...", "username": "...", "duration_hours": 24}
func (h *Handlers) HandleVIPGrant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req vipGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ChannelID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "channel_id and user_id are required")
		return
	}
	duration := h.cfg.DefaultVIPDuration
	if req.DurationHours > 0 {
		duration = time.Duration(req.DurationHours) * time.Hour
	}

	session, err := vip.GrantManual(r.Context(), h.db, h.granterFor(req.ChannelID), h.bus,
		req.ChannelID, req.UserID, req.Username, duration, "api:"+r.RemoteAddr)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("manual vip grant failed",
			slog.String("channel_id", req.ChannelID), slog.String("user_id", req.UserID), slog.Any("err", err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type vipRevokeRequest struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

// HandleVIPRevoke removes a user's VIP status immediately.
// POST {"channel_id": "...", "user_id": "..."}
func (h *Handlers) HandleVIPRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req vipRevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ChannelID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "channel_id and user_id are required")
		return
	}

	err := vip.RevokeManual(r.Context(), h.db, h.granterFor(req.ChannelID), h.bus,
		req.ChannelID, req.UserID, "api:"+r.RemoteAddr)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("manual vip revoke failed",
			slog.String("channel_id", req.ChannelID), slog.String("user_id", req.UserID), slog.Any("err", err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "channel_id": req.ChannelID, "user_id": req.UserID})
}

// HandleAuditList returns the audit trail for a channel, newest first.
// GET ?channel_id=...&action=VIP_GRANTED&limit=50
func (h *Handlers) HandleAuditList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	channelID, err := channelIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := parseIntQuery(r, "limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}

	entries, err := db.ListAudit(r.Context(), h.db, channelID, r.URL.Query().Get("action"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel_id": channelID, "entries": entries})
}
