package eventsub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/onnwee/vip-tender/config"
	"github.com/onnwee/vip-tender/db"
	"github.com/onnwee/vip-tender/events"
	"github.com/onnwee/vip-tender/oauth"
	"github.com/onnwee/vip-tender/telemetry"
	"github.com/onnwee/vip-tender/twitchapi"
)

var (
	// ErrNoSession indicates no live EventSub session exists yet.
	ErrNoSession = errors.New("no eventsub session established")
	// ErrStatusMismatch indicates local registry and remote subscription state disagree.
	ErrStatusMismatch = errors.New("local and remote subscription state disagree")
)

// MissingScopesError reports which required scopes the stored credentials lack.
type MissingScopesError struct {
	ChannelID string
	Missing   []string
}

func (e *MissingScopesError) Error() string {
	return fmt.Sprintf("channel %s credentials missing required scopes: %s", e.ChannelID, strings.Join(e.Missing, ", "))
}

// subscriptionAPI is the slice of the Helix client the manager needs.
type subscriptionAPI interface {
	CreateEventSubSubscription(ctx context.Context, subType, version string, condition map[string]string, sessionID string) (*twitchapi.EventSubSubscription, error)
	DeleteEventSubSubscription(ctx context.Context, id string) error
	ListEventSubSubscriptions(ctx context.Context) ([]twitchapi.EventSubSubscription, error)
}

// channelState is one live registration in the in-memory registry.
type channelState struct {
	RewardID       string
	SubscriptionID string
}

// Status reports a channel's monitoring state.
type Status struct {
	ChannelID      string `json:"channel_id"`
	Monitoring     bool   `json:"monitoring"`
	RewardID       string `json:"reward_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	IntentActive   bool   `json:"intent_active"`
	RemoteVerified bool   `json:"remote_verified,omitempty"`
}

// Manager owns which channels are monitored: an in-memory registry of live
// subscriptions on the shared websocket session, backed by persisted monitor
// intents. Operations on the same channel serialize through a per-channel
// mutex; different channels proceed concurrently.
type Manager struct {
	cfg      *config.Config
	database *sql.DB
	bus      *events.Bus
	conn     *Conn

	// helixFor builds a per-channel Helix client; overridable in tests.
	helixFor func(channelID string) subscriptionAPI

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	active map[string]*channelState
}

// NewManager builds a manager around the shared connection.
func NewManager(cfg *config.Config, database *sql.DB, bus *events.Bus, conn *Conn) *Manager {
	m := &Manager{
		cfg:      cfg,
		database: database,
		bus:      bus,
		conn:     conn,
		locks:    make(map[string]*sync.Mutex),
		active:   make(map[string]*channelState),
	}
	m.helixFor = func(channelID string) subscriptionAPI {
		return &twitchapi.HelixClient{
			Tokens:   oauth.NewChannelTokenSource(database, channelID, cfg.TwitchClientID, cfg.TwitchClientSecret),
			ClientID: cfg.TwitchClientID,
		}
	}
	return m
}

// channelLock returns the mutex serializing operations on one channel.
func (m *Manager) channelLock(channelID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[channelID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[channelID] = l
	}
	return l
}

// Start begins monitoring a channel's reward. Idempotent: calling with the
// same reward is a no-op, calling with a different reward switches the
// monitored reward atomically. The intent row is only marked active after the
// remote subscription is confirmed.
func (m *Manager) Start(ctx context.Context, channelID, rewardID string) error {
	if channelID == "" || rewardID == "" {
		return fmt.Errorf("channel id and reward id required")
	}
	lock := m.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	creds, err := db.GetCredentials(ctx, m.database, channelID)
	if err != nil {
		return err
	}
	if creds == nil {
		return fmt.Errorf("%w: %s", oauth.ErrNoCredentials, channelID)
	}
	if missing := missingScopes(creds); len(missing) > 0 {
		return &MissingScopesError{ChannelID: channelID, Missing: missing}
	}

	sessionID := m.conn.SessionID()
	if sessionID == "" {
		return ErrNoSession
	}

	m.mu.Lock()
	st := m.active[channelID]
	m.mu.Unlock()

	// Already live on this session; a reward change only touches the intent,
	// since the subscription condition filters by broadcaster, not reward.
	if st != nil {
		if st.RewardID != rewardID {
			if err := db.UpsertMonitorIntent(ctx, m.database, channelID, rewardID); err != nil {
				return err
			}
			m.mu.Lock()
			st.RewardID = rewardID
			m.mu.Unlock()
			slog.Info("monitored reward switched",
				slog.String("channel_id", channelID),
				slog.String("reward_id", rewardID),
				slog.String("component", "eventsub"))
		}
		return nil
	}

	subID, err := m.ensureSubscription(ctx, channelID, sessionID)
	if err != nil {
		m.bus.Publish(events.Event{
			Type:      events.TypeSubscriptionFailed,
			ChannelID: channelID,
			Data:      map[string]any{"error": err.Error()},
		})
		return err
	}

	// Persist intent only after the subscription is confirmed remote.
	if err := db.UpsertMonitorIntent(ctx, m.database, channelID, rewardID); err != nil {
		return err
	}

	m.mu.Lock()
	m.active[channelID] = &channelState{RewardID: rewardID, SubscriptionID: subID}
	n := len(m.active)
	m.mu.Unlock()
	telemetry.SetActiveSubscriptions(n)

	m.bus.Publish(events.Event{
		Type:      events.TypeSubscriptionCreated,
		ChannelID: channelID,
		Data:      map[string]any{"subscription_id": subID, "reward_id": rewardID},
	})
	slog.Info("monitoring started",
		slog.String("channel_id", channelID),
		slog.String("reward_id", rewardID),
		slog.String("subscription_id", subID),
		slog.String("component", "eventsub"))
	return nil
}

// ensureSubscription reconciles remote state for a channel: an enabled
// subscription on the current session is reused, anything else for this
// broadcaster and type is deleted, and a fresh subscription is created when
// none could be reused.
func (m *Manager) ensureSubscription(ctx context.Context, channelID, sessionID string) (string, error) {
	helix := m.helixFor(channelID)

	remote, err := helix.ListEventSubSubscriptions(ctx)
	if err != nil {
		return "", fmt.Errorf("list remote subscriptions: %w", err)
	}

	reuse := ""
	for _, sub := range remote {
		if sub.Type != SubTypeRedemptionAdd || sub.Condition["broadcaster_user_id"] != channelID {
			continue
		}
		if sub.Status == "enabled" && sub.Transport.SessionID == sessionID && reuse == "" {
			reuse = sub.ID
			continue
		}
		// Stale: disabled, revoked, or bound to a dead session.
		if err := helix.DeleteEventSubSubscription(ctx, sub.ID); err != nil {
			slog.Warn("failed to delete stale subscription",
				slog.String("channel_id", channelID),
				slog.String("subscription_id", sub.ID),
				slog.Any("err", err))
		}
	}
	if reuse != "" {
		return reuse, nil
	}

	created, err := helix.CreateEventSubSubscription(ctx, SubTypeRedemptionAdd, "1",
		map[string]string{"broadcaster_user_id": channelID}, sessionID)
	if err != nil {
		return "", fmt.Errorf("create subscription: %w", err)
	}
	return created.ID, nil
}

// Stop ends monitoring for a channel: the remote subscription is deleted, the
// registry entry removed, and the persisted intent deactivated so restarts do
// not resurrect it.
func (m *Manager) Stop(ctx context.Context, channelID string) error {
	lock := m.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	st := m.active[channelID]
	delete(m.active, channelID)
	n := len(m.active)
	m.mu.Unlock()

	intent, err := db.GetMonitorIntent(ctx, m.database, channelID)
	if err != nil {
		return err
	}
	if st == nil && (intent == nil || !intent.IsActive) {
		// Nothing to tear down; stop is idempotent.
		slog.Debug("stop on unmonitored channel", slog.String("channel_id", channelID))
		return nil
	}

	if st != nil {
		telemetry.SetActiveSubscriptions(n)
		if err := m.helixFor(channelID).DeleteEventSubSubscription(ctx, st.SubscriptionID); err != nil {
			// The registry entry is already gone; the remote sub will be
			// cleaned up by the next reconciliation.
			slog.Warn("failed to delete remote subscription",
				slog.String("channel_id", channelID),
				slog.String("subscription_id", st.SubscriptionID),
				slog.Any("err", err))
		}
	}

	if err := db.SetMonitorActive(ctx, m.database, channelID, false); err != nil {
		return err
	}

	m.bus.Publish(events.Event{
		Type:      events.TypeSubscriptionStopped,
		ChannelID: channelID,
	})
	slog.Info("monitoring stopped", slog.String("channel_id", channelID), slog.String("component", "eventsub"))
	return nil
}

// GetStatus reports a channel's monitoring state. With verify set, remote
// subscriptions are listed and compared against the registry; a disagreement
// returns the status alongside ErrStatusMismatch.
func (m *Manager) GetStatus(ctx context.Context, channelID string, verify bool) (Status, error) {
	m.mu.Lock()
	st := m.active[channelID]
	m.mu.Unlock()

	out := Status{ChannelID: channelID, Monitoring: st != nil}
	if st != nil {
		out.RewardID = st.RewardID
		out.SubscriptionID = st.SubscriptionID
	}

	intent, err := db.GetMonitorIntent(ctx, m.database, channelID)
	if err != nil {
		return out, err
	}
	if intent != nil {
		out.IntentActive = intent.IsActive
		if out.RewardID == "" {
			out.RewardID = intent.RewardID
		}
	}

	if !verify {
		return out, nil
	}

	remote, err := m.helixFor(channelID).ListEventSubSubscriptions(ctx)
	if err != nil {
		return out, fmt.Errorf("verify remote subscriptions: %w", err)
	}
	remoteLive := false
	for _, sub := range remote {
		if sub.Type == SubTypeRedemptionAdd &&
			sub.Condition["broadcaster_user_id"] == channelID &&
			sub.Status == "enabled" {
			remoteLive = true
			break
		}
	}
	out.RemoteVerified = remoteLive
	if remoteLive != out.Monitoring {
		return out, fmt.Errorf("%w: local=%v remote=%v", ErrStatusMismatch, out.Monitoring, remoteLive)
	}
	return out, nil
}

// MonitoredReward returns the reward currently monitored for a channel.
func (m *Manager) MonitoredReward(channelID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.active[channelID]
	if !ok {
		return "", false
	}
	return st.RewardID, true
}

// ActiveChannels returns the channels with a live registration.
func (m *Manager) ActiveChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for id := range m.active {
		out = append(out, id)
	}
	return out
}

// HandleRevocation reacts to Twitch revoking a subscription: the channel
// leaves the registry and its intent is deactivated, since re-establishing
// requires the broadcaster to re-authorize.
func (m *Manager) HandleRevocation(ctx context.Context, rev Revocation) {
	channelID := rev.BroadcasterID
	if channelID == "" {
		return
	}
	lock := m.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	_, wasActive := m.active[channelID]
	delete(m.active, channelID)
	n := len(m.active)
	m.mu.Unlock()
	if wasActive {
		telemetry.SetActiveSubscriptions(n)
	}

	if err := db.SetMonitorActive(ctx, m.database, channelID, false); err != nil {
		slog.Warn("failed to deactivate intent after revocation",
			slog.String("channel_id", channelID), slog.Any("err", err))
	}
	if err := db.AppendAudit(ctx, m.database, db.AuditEvent{
		ChannelID: channelID,
		Action:    events.TypeSubscriptionRevoked,
		Details:   map[string]any{"subscription_id": rev.SubscriptionID, "status": rev.Status},
	}); err != nil {
		slog.Warn("failed to audit revocation", slog.String("channel_id", channelID), slog.Any("err", err))
	}

	m.bus.Publish(events.Event{
		Type:      events.TypeSubscriptionRevoked,
		ChannelID: channelID,
		Data:      map[string]any{"subscription_id": rev.SubscriptionID, "status": rev.Status},
	})
	slog.Warn("subscription revoked by twitch",
		slog.String("channel_id", channelID),
		slog.String("subscription_id", rev.SubscriptionID),
		slog.String("status", rev.Status),
		slog.String("component", "eventsub"))
}

// HandleSession re-registers every active channel on a fresh session. Resumed
// sessions keep their subscriptions, so only the session id changes matter.
func (m *Manager) HandleSession(ctx context.Context, sessionID string, resumed bool) {
	if resumed {
		return
	}

	m.mu.Lock()
	channels := make(map[string]string, len(m.active))
	for id, st := range m.active {
		channels[id] = st.RewardID
	}
	m.active = make(map[string]*channelState)
	m.mu.Unlock()

	for channelID, rewardID := range channels {
		if err := m.Start(ctx, channelID, rewardID); err != nil {
			slog.Error("failed to re-register channel on new session",
				slog.String("channel_id", channelID),
				slog.Any("err", err),
				slog.String("component", "eventsub"))
		}
	}
}

func missingScopes(creds *db.Credentials) []string {
	var missing []string
	for _, s := range config.RequiredScopes {
		if !creds.HasScopes(s) {
			missing = append(missing, s)
		}
	}
	return missing
}
