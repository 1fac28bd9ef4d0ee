// Package oauth manages broadcaster user tokens: a per-channel token source
// that refreshes lazily on use, and a background refresher that keeps stored
// tokens fresh across all authorized channels.
package oauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/vip-tender/db"
	"github.com/onnwee/vip-tender/twitchapi"
)

// ErrNoCredentials indicates the channel never completed authorization or its
// stored credentials were deleted.
var ErrNoCredentials = errors.New("no stored credentials for channel")

// refreshFunc exchanges a refresh token for new tokens.
type refreshFunc func(ctx context.Context, refreshToken string) (*twitchapi.RefreshResult, error)

// persistFunc stores refreshed tokens.
type persistFunc func(ctx context.Context, accessToken, refreshToken string, expiresAt time.Time, scope []string) error

// loadFunc loads the channel's stored credentials.
type loadFunc func(ctx context.Context) (*db.Credentials, error)

// ChannelTokenSource supplies a valid user access token for one channel,
// refreshing through the OAuth token endpoint when the stored token is near
// expiry. Refreshed tokens are persisted before being handed out, so a token
// a caller holds is always one the database knows about. Safe for concurrent
// use; callers on the same channel serialize on an internal mutex.
type ChannelTokenSource struct {
	ChannelID string

	refresh refreshFunc
	persist persistFunc
	load    loadFunc
	margin  time.Duration

	mu        sync.Mutex
	access    string
	expiresAt time.Time
}

// NewChannelTokenSource builds a token source backed by the channel_credentials
// table and the Twitch token endpoint.
func NewChannelTokenSource(database *sql.DB, channelID, clientID, clientSecret string) *ChannelTokenSource {
	return &ChannelTokenSource{
		ChannelID: channelID,
		margin:    5 * time.Minute,
		refresh: func(ctx context.Context, refreshToken string) (*twitchapi.RefreshResult, error) {
			return twitchapi.RefreshToken(ctx, clientID, clientSecret, refreshToken)
		},
		persist: func(ctx context.Context, accessToken, refreshToken string, expiresAt time.Time, scope []string) error {
			return db.UpdateTokens(ctx, database, channelID, accessToken, refreshToken, expiresAt, scope)
		},
		load: func(ctx context.Context) (*db.Credentials, error) {
			return db.GetCredentials(ctx, database, channelID)
		},
	}
}

// Token returns a user access token valid for at least the safety margin.
// Implements twitchapi.TokenProvider.
func (ts *ChannelTokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.access != "" && time.Until(ts.expiresAt) > ts.margin {
		return ts.access, nil
	}

	creds, err := ts.load(ctx)
	if err != nil {
		return "", err
	}
	if creds == nil || creds.RefreshToken == "" {
		return "", fmt.Errorf("%w: %s", ErrNoCredentials, ts.ChannelID)
	}

	// Another process may have refreshed since our cache went stale.
	if creds.AccessToken != "" && time.Until(creds.ExpiresAt) > ts.margin {
		ts.access = creds.AccessToken
		ts.expiresAt = creds.ExpiresAt
		return ts.access, nil
	}

	res, err := ts.refresh(ctx, creds.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh channel %s: %w", ts.ChannelID, err)
	}

	newRefresh := res.RefreshToken
	if newRefresh == "" {
		newRefresh = creds.RefreshToken
	}
	scope := res.Scope
	if len(scope) == 0 {
		scope = creds.Scope
	}
	expiresAt := twitchapi.ComputeExpiry(res.ExpiresIn)

	// Persist before returning. A handed-out token the database does not know
	// about would orphan the rotated refresh token on crash.
	if err := ts.persistWithRetry(ctx, res.AccessToken, newRefresh, expiresAt, scope); err != nil {
		return "", fmt.Errorf("persist refreshed tokens for channel %s: %w", ts.ChannelID, err)
	}

	ts.access = res.AccessToken
	ts.expiresAt = expiresAt
	return ts.access, nil
}

func (ts *ChannelTokenSource) persistWithRetry(ctx context.Context, accessToken, refreshToken string, expiresAt time.Time, scope []string) error {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = ts.persist(ctx, accessToken, refreshToken, expiresAt, scope); err == nil {
			return nil
		}
		slog.Warn("token persist failed",
			slog.String("channel_id", ts.ChannelID),
			slog.Int("attempt", attempt),
			slog.Any("err", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	return err
}

// Invalidate drops the cached token so the next Token call reloads from the
// database. Used after a 401 from Helix suggests the token was revoked.
func (ts *ChannelTokenSource) Invalidate() {
	ts.mu.Lock()
	ts.access = ""
	ts.expiresAt = time.Time{}
	ts.mu.Unlock()
}
