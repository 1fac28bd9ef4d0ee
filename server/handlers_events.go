package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/vip-tender/events"
)

// HandleEventStream bridges the in-process event bus to Server-Sent Events
// so the dashboard can watch VIP lifecycle changes live.
// GET ?channel_id=... filters to one channel; omit for everything.
func (h *Handlers) HandleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	channelID := r.URL.Query().Get("channel_id")

	// Buffered so the bus never blocks on a slow client; overflow drops.
	ch := make(chan events.Event, 64)
	unsubscribe := h.bus.Subscribe(func(e events.Event) {
		if channelID != "" && e.ChannelID != channelID {
			return
		}
		select {
		case ch <- e:
		default:
			slog.Warn("event stream client too slow, dropping event",
				slog.String("type", e.Type), slog.String("channel_id", e.ChannelID))
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	enc := json.NewEncoder(w)
	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			// Comment line keeps proxies from timing out idle streams.
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case e := <-ch:
			if _, err := w.Write([]byte("event: " + e.Type + "\ndata: ")); err != nil {
				return
			}
			if err := enc.Encode(e); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
