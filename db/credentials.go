package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Credentials holds a broadcaster's OAuth tokens and granted scopes.
// AccessToken and RefreshToken are plaintext in memory; at rest they are
// encrypted when ENCRYPTION_KEY is configured.
type Credentials struct {
	ChannelID    string
	Username     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        []string
	UpdatedAt    time.Time
}

// HasScopes reports whether every scope in required was granted.
func (c *Credentials) HasScopes(required ...string) bool {
	granted := make(map[string]bool, len(c.Scope))
	for _, s := range c.Scope {
		granted[s] = true
	}
	for _, r := range required {
		if !granted[r] {
			return false
		}
	}
	return true
}

// encryptToken encrypts a token if encryption is enabled.
// Returns the token (possibly encrypted) and the encryption version (0 = plaintext, 1 = encrypted).
func encryptToken(token string) (string, int, error) {
	if token == "" {
		return "", 0, nil
	}
	enc, err := getEncryptor()
	if err != nil {
		return "", 0, err
	}
	if enc == nil {
		return token, 0, nil
	}
	ct, err := enc.EncryptString(token)
	if err != nil {
		return "", 0, fmt.Errorf("token encryption failed: %w", err)
	}
	return ct, 1, nil
}

// decryptToken decrypts a token based on its encryption version.
func decryptToken(stored string, version int) (string, error) {
	if stored == "" || version == 0 {
		return stored, nil
	}
	enc, err := getEncryptor()
	if err != nil {
		return "", err
	}
	if enc == nil {
		return "", errors.New("token is encrypted but ENCRYPTION_KEY is not configured")
	}
	pt, err := enc.DecryptString(stored)
	if err != nil {
		return "", fmt.Errorf("token decryption failed: %w", err)
	}
	return pt, nil
}

// UpsertCredentials stores or replaces a channel's OAuth credentials.
func UpsertCredentials(ctx context.Context, db *sql.DB, c Credentials) error {
	access, ver, err := encryptToken(c.AccessToken)
	if err != nil {
		return err
	}
	refresh, _, err := encryptToken(c.RefreshToken)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO channel_credentials (channel_id, username, access_token, refresh_token, expires_at, scope, encryption_version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (channel_id) DO UPDATE SET
			username = EXCLUDED.username,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			scope = EXCLUDED.scope,
			encryption_version = EXCLUDED.encryption_version,
			updated_at = NOW()`,
		c.ChannelID, c.Username, access, refresh, c.ExpiresAt, strings.Join(c.Scope, " "), ver)
	if err != nil {
		return fmt.Errorf("upsert credentials for channel %s: %w", c.ChannelID, err)
	}
	return nil
}

// UpdateTokens replaces only the token fields after a refresh. Scope is replaced
// too because Twitch reports the (possibly narrowed) scope set on every refresh.
func UpdateTokens(ctx context.Context, db *sql.DB, channelID, accessToken, refreshToken string, expiresAt time.Time, scope []string) error {
	access, ver, err := encryptToken(accessToken)
	if err != nil {
		return err
	}
	refresh, _, err := encryptToken(refreshToken)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE channel_credentials
		SET access_token = $2, refresh_token = $3, expires_at = $4, scope = $5, encryption_version = $6, updated_at = NOW()
		WHERE channel_id = $1`,
		channelID, access, refresh, expiresAt, strings.Join(scope, " "), ver)
	if err != nil {
		return fmt.Errorf("update tokens for channel %s: %w", channelID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update tokens: channel %s has no stored credentials", channelID)
	}
	return nil
}

// GetCredentials loads a channel's credentials with tokens decrypted.
// Returns (nil, nil) when the channel has never authorized.
func GetCredentials(ctx context.Context, db *sql.DB, channelID string) (*Credentials, error) {
	var (
		c       Credentials
		access  sql.NullString
		refresh sql.NullString
		scope   sql.NullString
		expires sql.NullTime
		ver     int
	)
	err := db.QueryRowContext(ctx, `
		SELECT channel_id, COALESCE(username, ''), access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0), updated_at
		FROM channel_credentials WHERE channel_id = $1`, channelID).
		Scan(&c.ChannelID, &c.Username, &access, &refresh, &expires, &scope, &ver, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credentials for channel %s: %w", channelID, err)
	}
	if c.AccessToken, err = decryptToken(access.String, ver); err != nil {
		return nil, err
	}
	if c.RefreshToken, err = decryptToken(refresh.String, ver); err != nil {
		return nil, err
	}
	if expires.Valid {
		c.ExpiresAt = expires.Time
	}
	if scope.Valid && scope.String != "" {
		c.Scope = strings.Fields(scope.String)
	}
	return &c, nil
}

// ListCredentialChannels returns the channel IDs of every stored credential row.
// The background refresher iterates these rather than loading all tokens at once.
func ListCredentialChannels(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT channel_id FROM channel_credentials ORDER BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("list credential channels: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteCredentials removes a channel's stored tokens, e.g. after a permanent
// invalid_grant from the token endpoint.
func DeleteCredentials(ctx context.Context, db *sql.DB, channelID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM channel_credentials WHERE channel_id = $1`, channelID)
	if err != nil {
		return fmt.Errorf("delete credentials for channel %s: %w", channelID, err)
	}
	slog.Info("deleted stored credentials", slog.String("channel_id", channelID), slog.String("component", "db"))
	return nil
}
