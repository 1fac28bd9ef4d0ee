package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// initLockID is the single row keying the startup initialization lock.
const initLockID = "eventsub_initialization"

// AcquireInitLock tries to take the one-shot startup lock. The whole
// check-and-claim is a single conditional statement so two workers racing at
// startup cannot both win. A lock held longer than staleAfter is treated as
// abandoned by a crashed worker and stolen.
func AcquireInitLock(ctx context.Context, db *sql.DB, environment string, staleAfter time.Duration) (bool, error) {
	var id string
	err := db.QueryRowContext(ctx, `
		INSERT INTO eventsub_init (id, in_progress, started_at, completed_at, environment)
		VALUES ($1, TRUE, NOW(), NULL, $2)
		ON CONFLICT (id) DO UPDATE SET
			in_progress = TRUE,
			started_at = NOW(),
			completed_at = NULL,
			environment = EXCLUDED.environment
		WHERE eventsub_init.in_progress = FALSE
			OR eventsub_init.started_at IS NULL
			OR eventsub_init.started_at < NOW() - make_interval(secs => $3)
		RETURNING id`,
		initLockID, environment, staleAfter.Seconds()).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire init lock: %w", err)
	}
	return true, nil
}

// ReleaseInitLock marks initialization complete. Safe to call even if the lock
// was stolen in the meantime; the row just records the most recent completion.
func ReleaseInitLock(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		UPDATE eventsub_init SET in_progress = FALSE, completed_at = NOW() WHERE id = $1`,
		initLockID)
	if err != nil {
		return fmt.Errorf("release init lock: %w", err)
	}
	return nil
}
