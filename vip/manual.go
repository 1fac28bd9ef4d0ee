package vip

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/vip-tender/db"
	"github.com/onnwee/vip-tender/events"
	"github.com/onnwee/vip-tender/telemetry"
	"github.com/onnwee/vip-tender/twitchapi"
)

// GrantManual grants or extends a VIP session outside the redemption flow,
// e.g. from the admin API. Behaves like a redemption for the given duration
// but records who performed it.
func GrantManual(ctx context.Context, database *sql.DB, granter Granter, bus *events.Bus, channelID, userID, username string, duration time.Duration, performedBy string) (*db.VIPSession, error) {
	if channelID == "" || userID == "" {
		return nil, fmt.Errorf("channel id and user id required")
	}
	if duration <= 0 {
		return nil, fmt.Errorf("duration must be positive")
	}
	now := time.Now()
	expiresAt := now.Add(duration)

	existing, err := db.GetActiveSession(ctx, database, channelID, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := db.ExtendSession(ctx, database, existing.ID, expiresAt); err != nil {
			return nil, err
		}
		existing.ExpiresAt = expiresAt
		telemetry.Inc(telemetry.VIPExtensions)
		appendManualAudit(ctx, database, channelID, userID, username, performedBy, events.TypeVIPExtended, expiresAt)
		publishManual(bus, events.TypeVIPExtended, channelID, userID, username, expiresAt)
		return existing, nil
	}

	id, created, err := db.CreateSession(ctx, database, db.VIPSession{
		ChannelID:   channelID,
		UserID:      userID,
		Username:    username,
		GrantedAt:   now,
		ExpiresAt:   expiresAt,
		GrantMethod: db.GrantMethodManual,
		GrantedBy:   performedBy,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, fmt.Errorf("concurrent grant in progress for user %s", userID)
	}

	if err := granter.AddVIP(ctx, channelID, userID); err != nil && !errors.Is(err, twitchapi.ErrAlreadyVIP) {
		if derr := db.DeactivateSession(ctx, database, id); derr != nil {
			return nil, fmt.Errorf("grant failed (%w) and rollback failed: %v", err, derr)
		}
		telemetry.Inc(telemetry.VIPGrantFailures)
		appendManualAudit(ctx, database, channelID, userID, username, performedBy, events.TypeVIPGrantFailed, expiresAt)
		return nil, fmt.Errorf("grant vip: %w", err)
	}

	telemetry.Inc(telemetry.VIPGrants)
	appendManualAudit(ctx, database, channelID, userID, username, performedBy, events.TypeVIPGranted, expiresAt)
	publishManual(bus, events.TypeVIPGranted, channelID, userID, username, expiresAt)
	return &db.VIPSession{
		ID:          id,
		ChannelID:   channelID,
		UserID:      userID,
		Username:    username,
		GrantedAt:   now,
		ExpiresAt:   expiresAt,
		IsActive:    true,
		GrantMethod: db.GrantMethodManual,
		GrantedBy:   performedBy,
	}, nil
}

// RevokeManual removes a user's VIP role and deactivates their session.
func RevokeManual(ctx context.Context, database *sql.DB, granter Granter, bus *events.Bus, channelID, userID, performedBy string) error {
	session, err := db.GetActiveSession(ctx, database, channelID, userID)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("no active vip session for user %s", userID)
	}

	if err := granter.RemoveVIP(ctx, channelID, userID); err != nil && !errors.Is(err, twitchapi.ErrNotVIP) {
		return fmt.Errorf("remove vip: %w", err)
	}
	if err := db.DeactivateSession(ctx, database, session.ID); err != nil {
		return err
	}
	telemetry.Inc(telemetry.VIPRemovals)
	appendManualAudit(ctx, database, channelID, userID, session.Username, performedBy, events.TypeVIPRemoved, time.Now())
	publishManual(bus, events.TypeVIPRemoved, channelID, userID, session.Username, time.Time{})
	return nil
}

func appendManualAudit(ctx context.Context, database *sql.DB, channelID, userID, username, performedBy, action string, expiresAt time.Time) {
	err := db.AppendAudit(ctx, database, db.AuditEvent{
		ChannelID:      channelID,
		Action:         action,
		TargetUserID:   userID,
		TargetUsername: username,
		PerformedBy:    performedBy,
		Details:        map[string]any{"expires_at": expiresAt.UTC().Format(time.RFC3339), "method": "manual"},
	})
	if err != nil {
		slog.Warn("audit write failed",
			slog.String("channel_id", channelID),
			slog.String("action", action),
			slog.Any("err", err))
	}
}

func publishManual(bus *events.Bus, eventType, channelID, userID, username string, expiresAt time.Time) {
	if bus == nil {
		return
	}
	data := map[string]any{"user_id": userID, "user_login": username, "method": "manual"}
	if !expiresAt.IsZero() {
		data["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
	}
	bus.Publish(events.Event{Type: eventType, ChannelID: channelID, Data: data})
}
