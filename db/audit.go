package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AuditEvent is one append-only audit row. Details is free-form context stored
// as JSON text.
type AuditEvent struct {
	ID             int64          `json:"id"`
	ChannelID      string         `json:"channel_id"`
	Action         string         `json:"action"`
	TargetUserID   string         `json:"target_user_id,omitempty"`
	TargetUsername string         `json:"target_username,omitempty"`
	PerformedBy    string         `json:"performed_by,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AppendAudit inserts an audit row. Audit writes are best-effort at call sites;
// this function itself only fails on real database errors.
func AppendAudit(ctx context.Context, db *sql.DB, e AuditEvent) error {
	var details []byte
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = b
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_log (channel_id, action, target_user_id, target_username, performed_by, details)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ChannelID, e.Action, e.TargetUserID, e.TargetUsername, e.PerformedBy, nullIfEmpty(details))
	if err != nil {
		return fmt.Errorf("append audit %s for channel %s: %w", e.Action, e.ChannelID, err)
	}
	return nil
}

// ListAudit returns a channel's audit trail, newest first. action filters to a
// single action type when non-empty.
func ListAudit(ctx context.Context, db *sql.DB, channelID, action string, limit int) ([]AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `
		SELECT id, channel_id, action, COALESCE(target_user_id, ''), COALESCE(target_username, ''), COALESCE(performed_by, ''), details, created_at
		FROM audit_log WHERE channel_id = $1`
	args := []any{channelID}
	if action != "" {
		q += ` AND action = $2`
		args = append(args, action)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit for channel %s: %w", channelID, err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.Action, &e.TargetUserID, &e.TargetUsername, &e.PerformedBy, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
