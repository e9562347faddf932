// Package chat posts subscription announcements to Twitch chat over IRC.
//
// The announcer is optional: without TWITCH_CHANNEL, TWITCH_BOT_USERNAME and
// TWITCH_OAUTH_TOKEN it stays disconnected and Announce drops messages. The
// IRC client requires a user (bot) OAuth token with chat:read/chat:edit
// scopes; an app access token will not work.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/sublink/backend/config"
)

// Announcer owns one IRC connection to the configured channel.
type Announcer struct {
	channel string
	client  *twitch.Client

	mu        sync.Mutex
	connected bool
}

// NewAnnouncer builds an announcer from config, or nil when chat credentials
// are absent.
func NewAnnouncer(cfg *config.Config) *Announcer {
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Info("twitch chat creds not set; announcements disabled")
		return nil
	}
	return &Announcer{
		channel: cfg.ChatChannel,
		client:  twitch.NewClient(cfg.ChatBotUsername, cfg.ChatOAuthToken),
	}
}

// Start connects and stays connected until ctx is done. go-twitch-irc
// reconnects on its own after transient drops.
func (a *Announcer) Start(ctx context.Context) {
	if a == nil {
		return
	}
	a.client.OnConnect(func() {
		a.mu.Lock()
		a.connected = true
		a.mu.Unlock()
		slog.Info("twitch chat connected", slog.String("channel", a.channel))
	})
	go func() {
		<-ctx.Done()
		if err := a.client.Disconnect(); err != nil {
			slog.Warn("twitch chat disconnect error", slog.Any("err", err))
		}
	}()
	go func() {
		a.client.Join(a.channel)
		if err := a.client.Connect(); err != nil && ctx.Err() == nil {
			slog.Error("twitch chat connect error", slog.Any("err", err))
		}
		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()
	}()
}

// Announce sends one line to the channel. It is safe on a nil or
// disconnected announcer; the message is dropped with an error.
func (a *Announcer) Announce(_ context.Context, message string) error {
	if a == nil {
		return fmt.Errorf("chat announcer disabled")
	}
	a.mu.Lock()
	ok := a.connected
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("chat not connected")
	}
	a.client.Say(a.channel, message)
	return nil
}
