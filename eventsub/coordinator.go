package eventsub

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/vip-tender/db"
	"github.com/onnwee/vip-tender/oauth"
)

// initLockStaleAfter bounds how long a crashed worker can pin the startup lock.
const initLockStaleAfter = 5 * time.Minute

// InitializeAllMonitoring re-establishes monitoring for every channel whose
// persisted intent is active. Runs under the one-shot startup lock so
// overlapping workers do not both reconcile. A channel that fails with a
// credential problem has its intent deactivated; transient failures leave the
// intent for the next restart. Per-channel failures never abort the others.
func InitializeAllMonitoring(ctx context.Context, database *sql.DB, m *Manager) error {
	environment := os.Getenv("ENV")
	if environment == "" {
		environment = "development"
	}

	acquired, err := db.AcquireInitLock(ctx, database, environment, initLockStaleAfter)
	if err != nil {
		return err
	}
	if !acquired {
		slog.Info("initialization already in progress elsewhere, skipping",
			slog.String("component", "eventsub_init"))
		return nil
	}
	defer func() {
		if err := db.ReleaseInitLock(context.WithoutCancel(ctx), database); err != nil {
			slog.Warn("failed to release init lock", slog.Any("err", err))
		}
	}()

	intents, err := db.ListActiveMonitorIntents(ctx, database)
	if err != nil {
		return err
	}
	slog.Info("initializing monitoring",
		slog.Int("channels", len(intents)),
		slog.String("component", "eventsub_init"))

	var started, failed int
	for _, intent := range intents {
		if err := m.Start(ctx, intent.ChannelID, intent.RewardID); err != nil {
			failed++
			slog.Error("failed to initialize channel monitoring",
				slog.String("channel_id", intent.ChannelID),
				slog.Any("err", err),
				slog.String("component", "eventsub_init"))

			// Re-authorization is required; keeping the intent active would
			// fail identically on every restart.
			var scopeErr *MissingScopesError
			if errors.Is(err, oauth.ErrNoCredentials) || errors.As(err, &scopeErr) {
				if derr := db.SetMonitorActive(ctx, database, intent.ChannelID, false); derr != nil {
					slog.Warn("failed to deactivate unestablishable intent",
						slog.String("channel_id", intent.ChannelID), slog.Any("err", derr))
				}
			}
			continue
		}
		started++
	}

	slog.Info("monitoring initialization complete",
		slog.Int("started", started),
		slog.Int("failed", failed),
		slog.String("component", "eventsub_init"))
	return nil
}
