package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/vip-tender/config"
	"github.com/onnwee/vip-tender/db"
	"github.com/onnwee/vip-tender/events"
	"github.com/onnwee/vip-tender/eventsub"
	"github.com/onnwee/vip-tender/testutil"
	"github.com/onnwee/vip-tender/vip"
)

// fakeManager implements MonitorManager without Twitch or a websocket.
type fakeManager struct {
	mu       sync.Mutex
	started  map[string]string
	startErr error
	stopErr  error
	statErr  error
}

func newFakeManager() *fakeManager {
	return &fakeManager{started: make(map[string]string)}
}

func (f *fakeManager) Start(_ context.Context, channelID, rewardID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started[channelID] = rewardID
	return nil
}

func (f *fakeManager) Stop(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	delete(f.started, channelID)
	return nil
}

func (f *fakeManager) GetStatus(_ context.Context, channelID string, _ bool) (eventsub.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statErr != nil {
		return eventsub.Status{ChannelID: channelID}, f.statErr
	}
	reward, ok := f.started[channelID]
	return eventsub.Status{ChannelID: channelID, Monitoring: ok, RewardID: reward}, nil
}

func (f *fakeManager) ActiveChannels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.started))
	for ch := range f.started {
		out = append(out, ch)
	}
	return out
}

func testHandlers(manager MonitorManager) *Handlers {
	return NewHandlers(nil, &config.Config{DefaultVIPDuration: 12 * time.Hour}, manager, events.NewBus())
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(b)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestMonitoringStart(t *testing.T) {
	manager := newFakeManager()
	h := testHandlers(manager)

	rec := postJSON(t, h.HandleMonitoringStart, "/monitoring/start",
		map[string]string{"channel_id": "123", "reward_id": "reward-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if manager.started["123"] != "reward-1" {
		t.Errorf("manager not started: %v", manager.started)
	}
}

func TestMonitoringStart_Validation(t *testing.T) {
	h := testHandlers(newFakeManager())

	rec := postJSON(t, h.HandleMonitoringStart, "/monitoring/start", map[string]string{"channel_id": "123"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing reward_id: status = %d, want 400", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/monitoring/start", nil)
	rec2 := httptest.NewRecorder()
	h.HandleMonitoringStart(rec2, req)
	if rec2.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: status = %d, want 405", rec2.Code)
	}
}

func TestMonitoringStart_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"missing scopes", &eventsub.MissingScopesError{ChannelID: "123", Missing: []string{"channel:manage:vips"}}, http.StatusForbidden},
		{"no session", eventsub.ErrNoSession, http.StatusServiceUnavailable},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := newFakeManager()
			manager.startErr = tt.err
			h := testHandlers(manager)
			rec := postJSON(t, h.HandleMonitoringStart, "/monitoring/start",
				map[string]string{"channel_id": "123", "reward_id": "r"})
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestMonitoringStop(t *testing.T) {
	manager := newFakeManager()
	manager.started["123"] = "reward-1"
	h := testHandlers(manager)

	rec := postJSON(t, h.HandleMonitoringStop, "/monitoring/stop", map[string]string{"channel_id": "123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Second stop is a no-op and still succeeds.
	rec = postJSON(t, h.HandleMonitoringStop, "/monitoring/stop", map[string]string{"channel_id": "123"})
	if rec.Code != http.StatusOK {
		t.Errorf("second stop: status = %d, want 200", rec.Code)
	}
}

func TestMonitoringStatus(t *testing.T) {
	manager := newFakeManager()
	manager.started["123"] = "reward-1"
	h := testHandlers(manager)

	req := httptest.NewRequest(http.MethodGet, "/monitoring/status?channel_id=123", nil)
	rec := httptest.NewRecorder()
	h.HandleMonitoringStatus(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status eventsub.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Monitoring || status.RewardID != "reward-1" {
		t.Errorf("status = %+v", status)
	}
}

func TestMonitoringStatus_MismatchConflict(t *testing.T) {
	manager := newFakeManager()
	manager.statErr = fmt.Errorf("remote gone: %w", eventsub.ErrStatusMismatch)
	h := testHandlers(manager)

	req := httptest.NewRequest(http.MethodGet, "/monitoring/status?channel_id=123&verify=1", nil)
	rec := httptest.NewRecorder()
	h.HandleMonitoringStatus(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	bus := events.NewBus()
	h := NewHandlers(nil, &config.Config{}, newFakeManager(), bus)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleEventStream))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?channel_id=123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// One event for our channel, one for another channel that must be filtered.
	bus.Publish(events.Event{Type: events.TypeVIPGranted, ChannelID: "999", Data: map[string]any{"user_id": "x"}})
	bus.Publish(events.Event{Type: events.TypeVIPGranted, ChannelID: "123", Data: map[string]any{"user_id": "u1"}})

	reader := bufio.NewReader(resp.Body)
	deadline := time.After(5 * time.Second)
	lines := make(chan string, 16)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			lines <- strings.TrimRight(line, "\n")
		}
	}()

	var got []string
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for event, got %v", got)
		case line := <-lines:
			got = append(got, line)
			if strings.HasPrefix(line, "data: ") {
				var e events.Event
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
					t.Fatalf("decode event: %v (%q)", err, line)
				}
				if e.ChannelID != "123" {
					t.Fatalf("stream leaked event for channel %s", e.ChannelID)
				}
				return
			}
		}
	}
}

func TestVIPGrantEndpoint(t *testing.T) {
	database := testutil.SetupTestDB(t)
	granter := &grantRecorder{}
	h := NewHandlers(database, &config.Config{DefaultVIPDuration: 12 * time.Hour}, newFakeManager(), events.NewBus())
	h.granterFor = func(string) vip.Granter { return granter }

	rec := postJSON(t, h.HandleVIPGrant, "/vips/grant",
		map[string]any{"channel_id": "123", "user_id": "u1", "username": "someuser", "duration_hours": 24})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var session db.VIPSession
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if session.GrantMethod != db.GrantMethodManual {
		t.Errorf("grant method = %q", session.GrantMethod)
	}
	if granter.adds != 1 {
		t.Errorf("AddVIP calls = %d, want 1", granter.adds)
	}

	// Listing shows the session.
	req := httptest.NewRequest(http.MethodGet, "/vips?channel_id=123", nil)
	listRec := httptest.NewRecorder()
	h.HandleVIPList(listRec, req)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d", listRec.Code)
	}
	var listResp struct {
		Sessions []db.VIPSession `json:"sessions"`
	}
	if err := json.Unmarshal(listRec.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listResp.Sessions) != 1 {
		t.Errorf("sessions = %d, want 1", len(listResp.Sessions))
	}

	// Revoke closes it.
	revokeRec := postJSON(t, h.HandleVIPRevoke, "/vips/revoke", map[string]string{"channel_id": "123", "user_id": "u1"})
	if revokeRec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d, body %s", revokeRec.Code, revokeRec.Body.String())
	}
	if granter.removes != 1 {
		t.Errorf("RemoveVIP calls = %d, want 1", granter.removes)
	}
}

func TestAuditEndpoint(t *testing.T) {
	database := testutil.SetupTestDB(t)
	h := NewHandlers(database, &config.Config{}, newFakeManager(), events.NewBus())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := db.AppendAudit(ctx, database, db.AuditEvent{
			ChannelID: "123", Action: events.TypeVIPGranted,
			TargetUserID: fmt.Sprintf("u%d", i), PerformedBy: "test",
		})
		if err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	err := db.AppendAudit(ctx, database, db.AuditEvent{
		ChannelID: "123", Action: events.TypeVIPRemoved, TargetUserID: "u0", PerformedBy: "test",
	})
	if err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/audit?channel_id=123&action="+events.TypeVIPGranted, nil)
	rec := httptest.NewRecorder()
	h.HandleAuditList(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Entries []db.AuditEvent `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Entries) != 3 {
		t.Errorf("filtered entries = %d, want 3", len(resp.Entries))
	}
}

func TestChannelSettingsEndpoint(t *testing.T) {
	database := testutil.SetupTestDB(t)
	h := NewHandlers(database, &config.Config{DefaultVIPDuration: 12 * time.Hour}, newFakeManager(), events.NewBus())

	enabled := true
	rec := postJSON(t, h.HandleChannelSettings, "/monitoring/settings",
		map[string]any{"channel_id": "123", "vip_duration_hours": 48, "announce_enabled": enabled})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/monitoring/settings?channel_id=123", nil)
	getRec := httptest.NewRecorder()
	h.HandleChannelSettings(getRec, req)
	var resp struct {
		Hours    int  `json:"vip_duration_hours"`
		Announce bool `json:"announce_enabled"`
	}
	if err := json.Unmarshal(getRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Hours != 48 || !resp.Announce {
		t.Errorf("settings = %+v, want 48h announce on", resp)
	}
}

// grantRecorder is a vip.Granter that counts calls.
type grantRecorder struct {
	mu      sync.Mutex
	adds    int
	removes int
}

func (g *grantRecorder) AddVIP(context.Context, string, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adds++
	return nil
}

func (g *grantRecorder) RemoveVIP(context.Context, string, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removes++
	return nil
}
