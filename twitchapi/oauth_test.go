package twitchapi

import (
	"context"
	"testing"
	"time"
)

func TestComputeExpiry(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn int
		wantAfter time.Duration
	}{
		{name: "4 hours", expiresIn: 14400, wantAfter: 4 * time.Hour},
		{name: "1 hour", expiresIn: 3600, wantAfter: 1 * time.Hour},
		{name: "zero defaults to 60 minutes", expiresIn: 0, wantAfter: 60 * time.Minute},
		{name: "negative defaults to 60 minutes", expiresIn: -100, wantAfter: 60 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := time.Now()
			expiry := ComputeExpiry(tt.expiresIn)
			after := time.Now()

			expectedExpiry := before.Add(tt.wantAfter)

			// Allow 2 second tolerance
			if expiry.Before(expectedExpiry.Add(-2*time.Second)) || expiry.After(after.Add(tt.wantAfter).Add(2*time.Second)) {
				t.Errorf("ComputeExpiry(%d) = %v, want approximately %v", tt.expiresIn, expiry, expectedExpiry)
			}
		})
	}
}

func TestRefreshToken_MissingParams(t *testing.T) {
	tests := []struct {
		name         string
		clientID     string
		clientSecret string
		refreshToken string
	}{
		{name: "missing client id", clientSecret: "s", refreshToken: "r"},
		{name: "missing client secret", clientID: "c", refreshToken: "r"},
		{name: "missing refresh token", clientID: "c", clientSecret: "s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := RefreshToken(context.Background(), tt.clientID, tt.clientSecret, tt.refreshToken); err == nil {
				t.Errorf("RefreshToken() expected error, got nil")
			}
		})
	}
}

func TestValidateToken_EmptyToken(t *testing.T) {
	if _, err := ValidateToken(context.Background(), ""); err == nil {
		t.Errorf("ValidateToken() expected error for empty token")
	}
}

func TestRefreshResult_ScopeCarried(t *testing.T) {
	result := RefreshResult{
		AccessToken:  "new-access-123",
		RefreshToken: "new-refresh-456",
		ExpiresIn:    7200,
		Scope:        []string{"channel:read:redemptions", "channel:manage:vips"},
		TokenType:    "bearer",
	}

	if result.AccessToken != "new-access-123" {
		t.Errorf("AccessToken = %s, want new-access-123", result.AccessToken)
	}
	if result.RefreshToken != "new-refresh-456" {
		t.Errorf("RefreshToken = %s, want new-refresh-456", result.RefreshToken)
	}
	if len(result.Scope) != 2 {
		t.Errorf("Scope length = %d, want 2", len(result.Scope))
	}
}
