package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MonitorIntent records which reward a channel wants watched and whether
// monitoring should currently be running. is_active reflects the persisted
// desired state, not whether a live connection exists right now.
type MonitorIntent struct {
	ChannelID string
	RewardID  string
	IsActive  bool
	UpdatedAt time.Time
}

// ChannelSettings holds per-channel tuning: how long a granted VIP lasts and
// whether grants are announced in chat.
type ChannelSettings struct {
	ChannelID       string
	VIPDuration     time.Duration
	AnnounceEnabled bool
}

// UpsertMonitorIntent stores the reward a channel wants monitored and marks it active.
func UpsertMonitorIntent(ctx context.Context, db *sql.DB, channelID, rewardID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO monitor_settings (channel_id, reward_id, is_active, updated_at)
		VALUES ($1, $2, TRUE, NOW())
		ON CONFLICT (channel_id) DO UPDATE SET
			reward_id = EXCLUDED.reward_id,
			is_active = TRUE,
			updated_at = NOW()`,
		channelID, rewardID)
	if err != nil {
		return fmt.Errorf("upsert monitor intent for channel %s: %w", channelID, err)
	}
	return nil
}

// SetMonitorActive flips only the active flag, keeping the configured reward.
func SetMonitorActive(ctx context.Context, db *sql.DB, channelID string, active bool) error {
	_, err := db.ExecContext(ctx, `
		UPDATE monitor_settings SET is_active = $2, updated_at = NOW() WHERE channel_id = $1`,
		channelID, active)
	if err != nil {
		return fmt.Errorf("set monitor active=%v for channel %s: %w", active, channelID, err)
	}
	return nil
}

// GetMonitorIntent returns a channel's monitor intent, or (nil, nil) if none was ever stored.
func GetMonitorIntent(ctx context.Context, db *sql.DB, channelID string) (*MonitorIntent, error) {
	var m MonitorIntent
	var reward sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT channel_id, reward_id, is_active, updated_at FROM monitor_settings WHERE channel_id = $1`,
		channelID).Scan(&m.ChannelID, &reward, &m.IsActive, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get monitor intent for channel %s: %w", channelID, err)
	}
	m.RewardID = reward.String
	return &m, nil
}

// ListActiveMonitorIntents returns every channel whose persisted intent is active.
// Startup reconciliation walks this list to re-establish monitoring.
func ListActiveMonitorIntents(ctx context.Context, db *sql.DB) ([]MonitorIntent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT channel_id, reward_id, is_active, updated_at FROM monitor_settings WHERE is_active = TRUE ORDER BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("list active monitor intents: %w", err)
	}
	defer rows.Close()
	var out []MonitorIntent
	for rows.Next() {
		var m MonitorIntent
		var reward sql.NullString
		if err := rows.Scan(&m.ChannelID, &reward, &m.IsActive, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.RewardID = reward.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetChannelSettings returns a channel's settings, falling back to defaultDuration
// (and announcements off) when no row exists.
func GetChannelSettings(ctx context.Context, db *sql.DB, channelID string, defaultDuration time.Duration) (ChannelSettings, error) {
	s := ChannelSettings{ChannelID: channelID, VIPDuration: defaultDuration}
	var hours int
	err := db.QueryRowContext(ctx, `
		SELECT vip_duration_hours, announce_enabled FROM channel_settings WHERE channel_id = $1`,
		channelID).Scan(&hours, &s.AnnounceEnabled)
	if err == sql.ErrNoRows {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("get channel settings for %s: %w", channelID, err)
	}
	if hours > 0 {
		s.VIPDuration = time.Duration(hours) * time.Hour
	}
	return s, nil
}

// UpsertChannelSettings stores per-channel duration and announcement preferences.
func UpsertChannelSettings(ctx context.Context, db *sql.DB, s ChannelSettings) error {
	hours := int(s.VIPDuration / time.Hour)
	_, err := db.ExecContext(ctx, `
		INSERT INTO channel_settings (channel_id, vip_duration_hours, announce_enabled, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (channel_id) DO UPDATE SET
			vip_duration_hours = EXCLUDED.vip_duration_hours,
			announce_enabled = EXCLUDED.announce_enabled,
			updated_at = NOW()`,
		s.ChannelID, hours, s.AnnounceEnabled)
	if err != nil {
		return fmt.Errorf("upsert channel settings for %s: %w", s.ChannelID, err)
	}
	return nil
}
