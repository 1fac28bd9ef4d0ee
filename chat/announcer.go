// Package chat posts VIP announcements to channel chat over IRC.
package chat

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/vip-tender/config"
	"github.com/onnwee/vip-tender/db"
	"github.com/onnwee/vip-tender/events"
)

// Announcer mirrors VIP lifecycle events into channel chat for channels that
// opted in. Channels are identified by numeric Twitch ID on the bus, so each
// announcement resolves the channel login from stored credentials.
type Announcer struct {
	database *sql.DB
	client   *twitch.Client

	mu     sync.Mutex
	joined map[string]string // channel ID -> login
}

// StartAnnouncer connects the chat bot and subscribes it to the event bus.
// Returns the unsubscribe function so the caller can detach it on shutdown.
func StartAnnouncer(ctx context.Context, database *sql.DB, cfg *config.Config, bus *events.Bus) (func(), error) {
	if err := cfg.ValidateAnnouncerReady(); err != nil {
		return nil, err
	}
	a := &Announcer{
		database: database,
		client:   twitch.NewClient(cfg.TwitchBotUsername, cfg.TwitchBotToken),
		joined:   make(map[string]string),
	}

	a.client.OnConnect(func() {
		slog.Info("chat announcer connected", slog.String("bot", cfg.TwitchBotUsername))
	})

	go func() {
		<-ctx.Done()
		a.client.Disconnect()
	}()
	go func() {
		// Connect blocks until Disconnect; gempir's client reconnects internally.
		if err := a.client.Connect(); err != nil && ctx.Err() == nil {
			slog.Error("chat announcer connection lost", slog.Any("err", err))
		}
	}()

	unsubscribe := bus.Subscribe(func(e events.Event) {
		switch e.Type {
		case events.TypeVIPGranted, events.TypeVIPExtended, events.TypeVIPRemoved:
			go a.announce(ctx, e)
		}
	})
	return unsubscribe, nil
}

func (a *Announcer) announce(ctx context.Context, e events.Event) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	settings, err := db.GetChannelSettings(ctx, a.database, e.ChannelID, 0)
	if err != nil {
		slog.Warn("announcer could not load channel settings", slog.String("channel_id", e.ChannelID), slog.Any("err", err))
		return
	}
	if !settings.AnnounceEnabled {
		return
	}

	login, err := a.channelLogin(ctx, e.ChannelID)
	if err != nil {
		slog.Warn("announcer could not resolve channel login", slog.String("channel_id", e.ChannelID), slog.Any("err", err))
		return
	}

	msg := FormatAnnouncement(e)
	if msg == "" {
		return
	}
	a.client.Say(login, msg)
}

func (a *Announcer) channelLogin(ctx context.Context, channelID string) (string, error) {
	a.mu.Lock()
	login, ok := a.joined[channelID]
	a.mu.Unlock()
	if ok {
		return login, nil
	}

	creds, err := db.GetCredentials(ctx, a.database, channelID)
	if err != nil {
		return "", err
	}
	if creds == nil || creds.Username == "" {
		return "", fmt.Errorf("no stored login for channel %s", channelID)
	}

	a.mu.Lock()
	if _, ok := a.joined[channelID]; !ok {
		a.joined[channelID] = creds.Username
		a.client.Join(creds.Username)
	}
	a.mu.Unlock()
	return creds.Username, nil
}

// FormatAnnouncement renders the chat line for a VIP lifecycle event.
// Unknown event types render empty.
func FormatAnnouncement(e events.Event) string {
	user, _ := e.Data["user_name"].(string)
	if user == "" {
		user, _ = e.Data["user_login"].(string)
	}
	if user == "" {
		return ""
	}
	switch e.Type {
	case events.TypeVIPGranted:
		if d, ok := e.Data["duration"].(string); ok && d != "" {
			return fmt.Sprintf("@%s is now a VIP for the next %s! 🎉", user, humanDuration(d))
		}
		return fmt.Sprintf("@%s is now a VIP! 🎉", user)
	case events.TypeVIPExtended:
		if d, ok := e.Data["duration"].(string); ok && d != "" {
			return fmt.Sprintf("@%s extended their VIP status by %s!", user, humanDuration(d))
		}
		return fmt.Sprintf("@%s extended their VIP status!", user)
	case events.TypeVIPRemoved:
		return fmt.Sprintf("@%s's VIP status has expired. Thanks for hanging out!", user)
	}
	return ""
}

// humanDuration strips zero components from a Go duration string, so 12h0m0s
// reads as 12h.
func humanDuration(d string) string {
	parsed, err := time.ParseDuration(d)
	if err != nil {
		return d
	}
	parsed = parsed.Round(time.Minute)
	h := int(parsed.Hours())
	m := int(parsed.Minutes()) % 60
	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("%dh%dm", h, m)
	case h > 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dm", m)
	}
}
