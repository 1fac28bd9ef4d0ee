// Package vip turns redemption notifications into VIP role state: granting
// and extending sessions, and sweeping expired ones back out of the role.
package vip

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/vip-tender/config"
	"github.com/onnwee/vip-tender/db"
	"github.com/onnwee/vip-tender/events"
	"github.com/onnwee/vip-tender/eventsub"
	"github.com/onnwee/vip-tender/oauth"
	"github.com/onnwee/vip-tender/telemetry"
	"github.com/onnwee/vip-tender/twitchapi"
)

// Granter is the slice of the Helix client the reconciler needs.
type Granter interface {
	AddVIP(ctx context.Context, broadcasterID, userID string) error
	RemoveVIP(ctx context.Context, broadcasterID, userID string) error
}

// RewardLookup reports the reward currently monitored for a channel.
type RewardLookup func(channelID string) (string, bool)

// Reconciler processes redemption events into VIP sessions. It is safe for
// concurrent use; races between concurrent redemptions for the same user
// collapse through the database's single-active-session constraint.
type Reconciler struct {
	database *sql.DB
	cfg      *config.Config
	bus      *events.Bus

	rewardFor  RewardLookup
	granterFor func(channelID string) Granter
	now        func() time.Time
}

// NewReconciler wires the reconciler against the manager's reward registry.
func NewReconciler(database *sql.DB, cfg *config.Config, bus *events.Bus, rewardFor RewardLookup) *Reconciler {
	return &Reconciler{
		database:  database,
		cfg:       cfg,
		bus:       bus,
		rewardFor: rewardFor,
		granterFor: func(channelID string) Granter {
			return &twitchapi.HelixClient{
				Tokens:   oauth.NewChannelTokenSource(database, channelID, cfg.TwitchClientID, cfg.TwitchClientSecret),
				ClientID: cfg.TwitchClientID,
			}
		},
		now: time.Now,
	}
}

// Process handles one redemption. A redemption for any reward other than the
// monitored one is discarded without any writes. Otherwise the user either
// gets a fresh session plus the VIP role, or an existing session's expiry is
// reset to now+duration. Exactly one audit row records the outcome.
//
// Returned errors are infrastructure failures (database down); they are for
// logging only and must never tear down the event loop.
func (r *Reconciler) Process(ctx context.Context, ev eventsub.RedemptionEvent) error {
	channelID := ev.BroadcasterID
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("channel_id", channelID),
		slog.String("user_id", ev.UserID),
		slog.String("redemption_id", ev.ID),
		slog.String("component", "vip"))

	monitored, ok := r.rewardFor(channelID)
	if !ok || ev.Reward.ID != monitored {
		telemetry.Inc(telemetry.RedemptionsDiscarded)
		log.Debug("discarding redemption for unmonitored reward",
			slog.String("reward_id", ev.Reward.ID),
			slog.String("monitored_reward_id", monitored))
		return nil
	}

	settings, err := db.GetChannelSettings(ctx, r.database, channelID, r.cfg.DefaultVIPDuration)
	if err != nil {
		return err
	}
	now := r.now()
	expiresAt := now.Add(settings.VIPDuration)

	start := time.Now()
	defer func() {
		if telemetry.GrantDuration != nil {
			telemetry.GrantDuration.Observe(time.Since(start).Seconds())
		}
	}()

	existing, err := db.GetActiveSession(ctx, r.database, channelID, ev.UserID)
	if err != nil {
		return err
	}
	if existing != nil {
		return r.extend(ctx, log, ev, existing, expiresAt, settings.VIPDuration)
	}

	id, created, err := db.CreateSession(ctx, r.database, db.VIPSession{
		ChannelID:   channelID,
		UserID:      ev.UserID,
		Username:    ev.UserLogin,
		GrantedAt:   now,
		ExpiresAt:   expiresAt,
		GrantMethod: db.GrantMethodRedemption,
	})
	if err != nil {
		return err
	}
	if !created {
		// A concurrent redemption won the insert; fall back to extending.
		existing, err = db.GetActiveSession(ctx, r.database, channelID, ev.UserID)
		if err != nil {
			return err
		}
		if existing == nil {
			return errors.New("session vanished between conflict and reload")
		}
		return r.extend(ctx, log, ev, existing, expiresAt, settings.VIPDuration)
	}

	if err := r.granterFor(channelID).AddVIP(ctx, channelID, ev.UserID); err != nil && !errors.Is(err, twitchapi.ErrAlreadyVIP) {
		// Roll the session back so state matches the channel's real VIP list.
		if derr := db.DeactivateSession(ctx, r.database, id); derr != nil {
			log.Error("failed to roll back session after grant failure", slog.Any("err", derr))
		}
		telemetry.Inc(telemetry.VIPGrantFailures)
		r.audit(ctx, log, ev, events.TypeVIPGrantFailed, map[string]any{
			"error":     err.Error(),
			"reward_id": ev.Reward.ID,
		})
		r.bus.Publish(events.Event{
			Type:      events.TypeVIPGrantFailed,
			ChannelID: channelID,
			Data:      map[string]any{"user_id": ev.UserID, "user_login": ev.UserLogin, "error": err.Error()},
		})
		log.Warn("vip grant failed", slog.Any("err", err))
		return nil
	}

	telemetry.Inc(telemetry.VIPGrants)
	r.audit(ctx, log, ev, events.TypeVIPGranted, map[string]any{
		"reward_id":  ev.Reward.ID,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
		"duration":   settings.VIPDuration.String(),
	})
	r.bus.Publish(events.Event{
		Type:      events.TypeVIPGranted,
		ChannelID: channelID,
		Data: map[string]any{
			"user_id":    ev.UserID,
			"user_login": ev.UserLogin,
			"user_name":  ev.UserName,
			"expires_at": expiresAt.UTC().Format(time.RFC3339),
			"duration":   settings.VIPDuration.String(),
		},
	})
	log.Info("vip granted", slog.Time("expires_at", expiresAt))
	return nil
}

// extend resets an active session's expiry to now+duration. The user already
// holds the role, so no Helix call is needed.
func (r *Reconciler) extend(ctx context.Context, log *slog.Logger, ev eventsub.RedemptionEvent, s *db.VIPSession, expiresAt time.Time, duration time.Duration) error {
	if err := db.ExtendSession(ctx, r.database, s.ID, expiresAt); err != nil {
		return err
	}
	telemetry.Inc(telemetry.VIPExtensions)
	r.audit(ctx, log, ev, events.TypeVIPExtended, map[string]any{
		"reward_id":  ev.Reward.ID,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
		"duration":   duration.String(),
	})
	r.bus.Publish(events.Event{
		Type:      events.TypeVIPExtended,
		ChannelID: ev.BroadcasterID,
		Data: map[string]any{
			"user_id":    ev.UserID,
			"user_login": ev.UserLogin,
			"user_name":  ev.UserName,
			"expires_at": expiresAt.UTC().Format(time.RFC3339),
			"duration":   duration.String(),
		},
	})
	log.Info("vip extended", slog.Time("expires_at", expiresAt))
	return nil
}

func (r *Reconciler) audit(ctx context.Context, log *slog.Logger, ev eventsub.RedemptionEvent, action string, details map[string]any) {
	err := db.AppendAudit(ctx, r.database, db.AuditEvent{
		ChannelID:      ev.BroadcasterID,
		Action:         action,
		TargetUserID:   ev.UserID,
		TargetUsername: ev.UserLogin,
		PerformedBy:    "redemption:" + ev.ID,
		Details:        details,
	})
	if err != nil {
		log.Warn("audit write failed", slog.String("action", action), slog.Any("err", err))
	}
}
