package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// VIPSession is one temporary VIP grant. A user has at most one active session
// per channel, enforced by a partial unique index.
type VIPSession struct {
	ID          int64     `json:"id"`
	ChannelID   string    `json:"channel_id"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	GrantedAt   time.Time `json:"granted_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	IsActive    bool      `json:"is_active"`
	GrantMethod string    `json:"grant_method"`
	GrantedBy   string    `json:"granted_by,omitempty"`
}

// Grant methods recorded on vip_sessions rows.
const (
	GrantMethodRedemption = "channel_points"
	GrantMethodManual     = "manual"
)

// GetActiveSession returns the user's active session in a channel, or (nil, nil) if none.
func GetActiveSession(ctx context.Context, db *sql.DB, channelID, userID string) (*VIPSession, error) {
	var s VIPSession
	var username, method, by sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT id, channel_id, user_id, username, granted_at, expires_at, is_active, grant_method, granted_by
		FROM vip_sessions WHERE channel_id = $1 AND user_id = $2 AND is_active = TRUE`,
		channelID, userID).
		Scan(&s.ID, &s.ChannelID, &s.UserID, &username, &s.GrantedAt, &s.ExpiresAt, &s.IsActive, &method, &by)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session for %s in channel %s: %w", userID, channelID, err)
	}
	s.Username = username.String
	s.GrantMethod = method.String
	s.GrantedBy = by.String
	return &s, nil
}

// CreateSession inserts a new active session. The conditional insert targets the
// partial unique index, so when the user already holds an active session nothing
// is written and created is false. Callers fall back to extending in that case.
func CreateSession(ctx context.Context, db *sql.DB, s VIPSession) (id int64, created bool, err error) {
	err = db.QueryRowContext(ctx, `
		INSERT INTO vip_sessions (channel_id, user_id, username, granted_at, expires_at, is_active, grant_method, granted_by)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)
		ON CONFLICT (channel_id, user_id) WHERE is_active DO NOTHING
		RETURNING id`,
		s.ChannelID, s.UserID, s.Username, s.GrantedAt, s.ExpiresAt, s.GrantMethod, s.GrantedBy).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("create session for %s in channel %s: %w", s.UserID, s.ChannelID, err)
	}
	return id, true, nil
}

// ExtendSession resets an active session's expiry.
func ExtendSession(ctx context.Context, db *sql.DB, id int64, expiresAt time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE vip_sessions SET expires_at = $2 WHERE id = $1 AND is_active = TRUE`,
		id, expiresAt)
	if err != nil {
		return fmt.Errorf("extend session %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("extend session %d: not found or no longer active", id)
	}
	return nil
}

// DeactivateSession marks a session inactive after the VIP role has been removed.
func DeactivateSession(ctx context.Context, db *sql.DB, id int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE vip_sessions SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate session %d: %w", id, err)
	}
	return nil
}

// CountActiveSessions returns the number of currently active sessions across
// all channels.
func CountActiveSessions(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM vip_sessions WHERE is_active`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

// ListExpiredSessions returns active sessions whose expiry is at or before now.
func ListExpiredSessions(ctx context.Context, db *sql.DB, now time.Time) ([]VIPSession, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, channel_id, user_id, username, granted_at, expires_at, is_active, grant_method, granted_by
		FROM vip_sessions WHERE is_active = TRUE AND expires_at <= $1 ORDER BY expires_at`,
		now)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListSessions returns a channel's sessions, newest first. activeOnly restricts
// to currently active grants.
func ListSessions(ctx context.Context, db *sql.DB, channelID string, activeOnly bool, limit int) ([]VIPSession, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `
		SELECT id, channel_id, user_id, username, granted_at, expires_at, is_active, grant_method, granted_by
		FROM vip_sessions WHERE channel_id = $1`
	if activeOnly {
		q += ` AND is_active = TRUE`
	}
	q += ` ORDER BY granted_at DESC LIMIT $2`
	rows, err := db.QueryContext(ctx, q, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions for channel %s: %w", channelID, err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]VIPSession, error) {
	var out []VIPSession
	for rows.Next() {
		var s VIPSession
		var username, method, by sql.NullString
		if err := rows.Scan(&s.ID, &s.ChannelID, &s.UserID, &username, &s.GrantedAt, &s.ExpiresAt, &s.IsActive, &method, &by); err != nil {
			return nil, err
		}
		s.Username = username.String
		s.GrantMethod = method.String
		s.GrantedBy = by.String
		out = append(out, s)
	}
	return out, rows.Err()
}
