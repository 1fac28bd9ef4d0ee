package vip

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/vip-tender/config"
	"github.com/onnwee/vip-tender/db"
	"github.com/onnwee/vip-tender/events"
	"github.com/onnwee/vip-tender/eventsub"
	"github.com/onnwee/vip-tender/testutil"
	"github.com/onnwee/vip-tender/twitchapi"
)

// fakeGranter records Helix VIP calls and can be told to fail.
type fakeGranter struct {
	mu        sync.Mutex
	added     []string
	removed   []string
	addErr    error
	removeErr error
}

func (g *fakeGranter) AddVIP(_ context.Context, broadcasterID, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.addErr != nil {
		return g.addErr
	}
	g.added = append(g.added, broadcasterID+"/"+userID)
	return nil
}

func (g *fakeGranter) RemoveVIP(_ context.Context, broadcasterID, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.removeErr != nil {
		return g.removeErr
	}
	g.removed = append(g.removed, broadcasterID+"/"+userID)
	return nil
}

func (g *fakeGranter) addCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.added)
}

func newTestReconciler(t *testing.T, granter *fakeGranter, rewardID string) (*Reconciler, *sql.DB) {
	t.Helper()
	database := testutil.SetupTestDB(t)
	cfg := &config.Config{DefaultVIPDuration: 4 * time.Hour}
	r := NewReconciler(database, cfg, events.NewBus(), func(string) (string, bool) {
		return rewardID, rewardID != ""
	})
	r.granterFor = func(string) Granter { return granter }
	return r, database
}

func redemption(channelID, userID, rewardID string) eventsub.RedemptionEvent {
	ev := eventsub.RedemptionEvent{
		ID:            "redeem-" + userID,
		BroadcasterID: channelID,
		UserID:        userID,
		UserLogin:     "login_" + userID,
		UserName:      "Name" + userID,
	}
	ev.Reward.ID = rewardID
	ev.Reward.Title = "Become VIP"
	return ev
}

func TestProcess_GrantsFreshSession(t *testing.T) {
	granter := &fakeGranter{}
	r, w := newTestReconciler(t, granter, "reward-1")
	ctx := context.Background()

	if err := r.Process(ctx, redemption("chan1", "u1", "reward-1")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	session, err := db.GetActiveSession(ctx, w, "chan1", "u1")
	if err != nil {
		t.Fatalf("GetActiveSession: %v", err)
	}
	if session == nil {
		t.Fatal("expected active session")
	}
	if session.GrantMethod != db.GrantMethodRedemption {
		t.Errorf("grant method = %q, want %q", session.GrantMethod, db.GrantMethodRedemption)
	}
	if got := time.Until(session.ExpiresAt); got < 3*time.Hour || got > 5*time.Hour {
		t.Errorf("expiry %v from now, want ~4h", got)
	}
	if granter.addCount() != 1 {
		t.Errorf("AddVIP calls = %d, want 1", granter.addCount())
	}

	audits, err := db.ListAudit(ctx, w, "chan1", "", 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(audits) != 1 || audits[0].Action != events.TypeVIPGranted {
		t.Fatalf("audit rows = %+v, want single VIP_GRANTED", audits)
	}
	if audits[0].PerformedBy != "redemption:redeem-u1" {
		t.Errorf("performed_by = %q", audits[0].PerformedBy)
	}
}

func TestProcess_UnmonitoredRewardDiscardedWithoutWrites(t *testing.T) {
	granter := &fakeGranter{}
	r, w := newTestReconciler(t, granter, "reward-1")
	ctx := context.Background()

	if err := r.Process(ctx, redemption("chan1", "u1", "other-reward")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if session, _ := db.GetActiveSession(ctx, w, "chan1", "u1"); session != nil {
		t.Error("discarded redemption created a session")
	}
	if audits, _ := db.ListAudit(ctx, w, "chan1", "", 10); len(audits) != 0 {
		t.Errorf("discarded redemption wrote %d audit rows", len(audits))
	}
	if granter.addCount() != 0 {
		t.Error("discarded redemption called AddVIP")
	}
}

func TestProcess_SecondRedemptionExtends(t *testing.T) {
	granter := &fakeGranter{}
	r, w := newTestReconciler(t, granter, "reward-1")
	ctx := context.Background()

	base := time.Now()
	r.now = func() time.Time { return base }
	if err := r.Process(ctx, redemption("chan1", "u1", "reward-1")); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	first, _ := db.GetActiveSession(ctx, w, "chan1", "u1")

	// A later redemption resets expiry to its own now+duration, it does not stack.
	r.now = func() time.Time { return base.Add(2 * time.Hour) }
	if err := r.Process(ctx, redemption("chan1", "u1", "reward-1")); err != nil {
		t.Fatalf("second Process: %v", err)
	}

	second, _ := db.GetActiveSession(ctx, w, "chan1", "u1")
	if second == nil || second.ID != first.ID {
		t.Fatal("extension should reuse the same session row")
	}
	want := base.Add(2*time.Hour + 4*time.Hour)
	if diff := second.ExpiresAt.Sub(want); diff < -2*time.Second || diff > 2*time.Second {
		t.Errorf("expiry = %v, want ~%v", second.ExpiresAt, want)
	}
	if granter.addCount() != 1 {
		t.Errorf("AddVIP calls = %d, want 1 (extension needs no Helix call)", granter.addCount())
	}

	audits, _ := db.ListAudit(ctx, w, "chan1", "", 10)
	if len(audits) != 2 {
		t.Fatalf("audit rows = %d, want 2", len(audits))
	}
	if audits[0].Action != events.TypeVIPExtended {
		t.Errorf("newest audit = %q, want VIP_EXTENDED", audits[0].Action)
	}
}

func TestProcess_AlreadyVIPTreatedAsSuccess(t *testing.T) {
	granter := &fakeGranter{addErr: twitchapi.ErrAlreadyVIP}
	r, w := newTestReconciler(t, granter, "reward-1")
	ctx := context.Background()

	if err := r.Process(ctx, redemption("chan1", "u1", "reward-1")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	session, _ := db.GetActiveSession(ctx, w, "chan1", "u1")
	if session == nil {
		t.Fatal("session should exist when the user was already a vip")
	}
	audits, _ := db.ListAudit(ctx, w, "chan1", "", 10)
	if len(audits) != 1 || audits[0].Action != events.TypeVIPGranted {
		t.Fatalf("audit rows = %+v, want single VIP_GRANTED", audits)
	}
}

func TestProcess_GrantFailureRollsBackSession(t *testing.T) {
	granter := &fakeGranter{addErr: errors.New("helix is down")}
	r, w := newTestReconciler(t, granter, "reward-1")
	ctx := context.Background()

	var failures []events.Event
	r.bus.Subscribe(func(e events.Event) {
		if e.Type == events.TypeVIPGrantFailed {
			failures = append(failures, e)
		}
	})

	if err := r.Process(ctx, redemption("chan1", "u1", "reward-1")); err != nil {
		t.Fatalf("Process should swallow grant failures, got %v", err)
	}

	if session, _ := db.GetActiveSession(ctx, w, "chan1", "u1"); session != nil {
		t.Error("failed grant left an active session")
	}
	audits, _ := db.ListAudit(ctx, w, "chan1", "", 10)
	if len(audits) != 1 || audits[0].Action != events.TypeVIPGrantFailed {
		t.Fatalf("audit rows = %+v, want single VIP_GRANT_FAILED", audits)
	}
	if len(failures) != 1 {
		t.Errorf("bus published %d failure events, want 1", len(failures))
	}
}

func TestProcess_ChannelSettingsOverrideDuration(t *testing.T) {
	granter := &fakeGranter{}
	r, w := newTestReconciler(t, granter, "reward-1")
	ctx := context.Background()

	err := db.UpsertChannelSettings(ctx, w, db.ChannelSettings{
		ChannelID:   "chan1",
		VIPDuration: 48 * time.Hour,
	})
	if err != nil {
		t.Fatalf("UpsertChannelSettings: %v", err)
	}

	if err := r.Process(ctx, redemption("chan1", "u1", "reward-1")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	session, _ := db.GetActiveSession(ctx, w, "chan1", "u1")
	if session == nil {
		t.Fatal("expected session")
	}
	if got := time.Until(session.ExpiresAt); got < 47*time.Hour || got > 49*time.Hour {
		t.Errorf("expiry %v from now, want ~48h", got)
	}
}

func TestGrantManual_CreatesAndRevokes(t *testing.T) {
	granter := &fakeGranter{}
	database := testutil.SetupTestDB(t)
	bus := events.NewBus()
	ctx := context.Background()

	session, err := GrantManual(ctx, database, granter, bus, "chan1", "u9", "someuser", 24*time.Hour, "admin:mod1")
	if err != nil {
		t.Fatalf("GrantManual: %v", err)
	}
	if session.GrantMethod != db.GrantMethodManual || session.GrantedBy != "admin:mod1" {
		t.Errorf("session = %+v, want manual grant by admin:mod1", session)
	}
	if granter.addCount() != 1 {
		t.Errorf("AddVIP calls = %d, want 1", granter.addCount())
	}

	// Granting again extends rather than erroring.
	extended, err := GrantManual(ctx, database, granter, bus, "chan1", "u9", "someuser", 24*time.Hour, "admin:mod1")
	if err != nil {
		t.Fatalf("second GrantManual: %v", err)
	}
	if extended.ID != session.ID {
		t.Error("second manual grant should extend the existing session")
	}

	if err := RevokeManual(ctx, database, granter, bus, "chan1", "u9", "admin:mod1"); err != nil {
		t.Fatalf("RevokeManual: %v", err)
	}
	if s, _ := db.GetActiveSession(ctx, database, "chan1", "u9"); s != nil {
		t.Error("revoked session still active")
	}
	if err := RevokeManual(ctx, database, granter, bus, "chan1", "u9", "admin:mod1"); err == nil {
		t.Error("revoking a missing session should error")
	}
}

func TestManualAuditWriteFailureIsNonFatal(t *testing.T) {
	// Unreachable database: the audit insert fails but the helper only logs.
	database, err := sql.Open("pgx", "postgres://127.0.0.1:1/unreachable?sslmode=disable&connect_timeout=1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer database.Close()

	appendManualAudit(context.Background(), database, "100", "200", "viewer", "api:test",
		events.TypeVIPGranted, time.Now().Add(time.Hour))
}
