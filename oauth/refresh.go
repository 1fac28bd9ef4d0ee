package oauth

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/vip-tender/db"
	"github.com/onnwee/vip-tender/events"
	"github.com/onnwee/vip-tender/telemetry"
	"github.com/onnwee/vip-tender/twitchapi"
)

// StartRefresher launches a goroutine that periodically walks every stored
// channel credential and refreshes tokens whose remaining lifetime falls
// within the window. A permanently invalid grant deactivates the channel's
// monitor intent and publishes a CREDENTIALS_INVALID event so operators see
// the channel needs re-authorization.
func StartRefresher(ctx context.Context, database *sql.DB, clientID, clientSecret string, interval, window time.Duration, bus *events.Bus) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}

			channels, err := db.ListCredentialChannels(ctx, database)
			if err != nil {
				slog.Warn("refresher could not list channels", slog.Any("err", err))
				continue
			}
			for _, channelID := range channels {
				refreshChannel(ctx, database, channelID, clientID, clientSecret, window, bus)
			}
		}
	}()
}

func refreshChannel(ctx context.Context, database *sql.DB, channelID, clientID, clientSecret string, window time.Duration, bus *events.Bus) {
	creds, err := db.GetCredentials(ctx, database, channelID)
	if err != nil || creds == nil || creds.RefreshToken == "" {
		return
	}
	if time.Until(creds.ExpiresAt) > window {
		return
	}

	// Small pre-refresh jitter to avoid stampedes when many rows share an expiry.
	//nolint:gosec // G404: math/rand is sufficient for jitter, not used for security
	pre := time.Duration(rand.Int63n(int64(5 * time.Second)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(pre):
	}

	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	res, err := twitchapi.RefreshToken(ctx2, clientID, clientSecret, creds.RefreshToken)
	cancel()
	if err != nil {
		telemetry.Inc(telemetry.TokenRefreshFailures)
		if errors.Is(err, twitchapi.ErrInvalidGrant) {
			slog.Warn("refresh token permanently invalid, channel must re-authorize",
				slog.String("channel_id", channelID))
			if derr := db.SetMonitorActive(ctx, database, channelID, false); derr != nil {
				slog.Warn("failed to deactivate monitor intent", slog.String("channel_id", channelID), slog.Any("err", derr))
			}
			if bus != nil {
				bus.Publish(events.Event{
					Type:      events.TypeCredentialsInvalid,
					ChannelID: channelID,
					Data:      map[string]any{"reason": "invalid_grant"},
				})
			}
			return
		}
		slog.Warn("token refresh failed", slog.String("channel_id", channelID), slog.Any("err", err))
		return
	}

	newRefresh := res.RefreshToken
	if newRefresh == "" {
		newRefresh = creds.RefreshToken
	}
	scope := res.Scope
	if len(scope) == 0 {
		scope = creds.Scope
	}
	if err := db.UpdateTokens(ctx, database, channelID, res.AccessToken, newRefresh, twitchapi.ComputeExpiry(res.ExpiresIn), scope); err != nil {
		slog.Warn("token persist failed", slog.String("channel_id", channelID), slog.Any("err", err))
		return
	}
	telemetry.Inc(telemetry.TokenRefreshes)
	slog.Info("token refreshed", slog.String("channel_id", channelID))
}
