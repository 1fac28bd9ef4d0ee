package vip

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/vip-tender/db"
	"github.com/onnwee/vip-tender/events"
	"github.com/onnwee/vip-tender/telemetry"
	"github.com/onnwee/vip-tender/twitchapi"
)

// StartExpirySweepJob launches a goroutine that periodically removes the VIP
// role from expired sessions. One unremovable user never blocks the rest;
// their session stays active and is retried next sweep.
func StartExpirySweepJob(ctx context.Context, database *sql.DB, interval time.Duration, granterFor func(channelID string) Granter, bus *events.Bus) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			telemetry.TimeFunc(telemetry.SweepDuration, func() {
				SweepExpired(ctx, database, granterFor, bus)
			})
			if n, err := db.CountActiveSessions(ctx, database); err == nil {
				telemetry.SetActiveVIPSessions(n)
			}
		}
	}()
}

// SweepExpired removes the VIP role for every session past its expiry.
func SweepExpired(ctx context.Context, database *sql.DB, granterFor func(channelID string) Granter, bus *events.Bus) {
	expired, err := db.ListExpiredSessions(ctx, database, time.Now())
	if err != nil {
		slog.Warn("expiry sweep could not list sessions", slog.Any("err", err), slog.String("component", "vip_sweep"))
		return
	}
	if len(expired) == 0 {
		return
	}
	slog.Info("sweeping expired vip sessions", slog.Int("count", len(expired)), slog.String("component", "vip_sweep"))

	for _, s := range expired {
		log := slog.Default().With(
			slog.String("channel_id", s.ChannelID),
			slog.String("user_id", s.UserID),
			slog.Int64("session_id", s.ID),
			slog.String("component", "vip_sweep"))

		err := granterFor(s.ChannelID).RemoveVIP(ctx, s.ChannelID, s.UserID)
		if err != nil && !errors.Is(err, twitchapi.ErrNotVIP) {
			// Leave the session active; the next sweep retries.
			telemetry.Inc(telemetry.VIPRemovalFailures)
			appendSweepAudit(ctx, database, s, events.TypeVIPRemoveFailed, map[string]any{"error": err.Error()})
			log.Warn("vip removal failed, will retry", slog.Any("err", err))
			continue
		}

		if err := db.DeactivateSession(ctx, database, s.ID); err != nil {
			log.Error("failed to deactivate swept session", slog.Any("err", err))
			continue
		}
		telemetry.Inc(telemetry.VIPRemovals)
		appendSweepAudit(ctx, database, s, events.TypeVIPRemoved, map[string]any{
			"granted_at": s.GrantedAt.UTC().Format(time.RFC3339),
			"expired_at": s.ExpiresAt.UTC().Format(time.RFC3339),
		})
		if bus != nil {
			bus.Publish(events.Event{
				Type:      events.TypeVIPRemoved,
				ChannelID: s.ChannelID,
				Data: map[string]any{
					"user_id":    s.UserID,
					"user_login": s.Username,
				},
			})
		}
		log.Info("expired vip removed")
	}
}

func appendSweepAudit(ctx context.Context, database *sql.DB, s db.VIPSession, action string, details map[string]any) {
	err := db.AppendAudit(ctx, database, db.AuditEvent{
		ChannelID:      s.ChannelID,
		Action:         action,
		TargetUserID:   s.UserID,
		TargetUsername: s.Username,
		PerformedBy:    "expiry_sweep",
		Details:        details,
	})
	if err != nil {
		slog.Warn("sweep audit write failed", slog.String("action", action), slog.Any("err", err))
	}
}
