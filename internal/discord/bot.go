// Package discord connects wordwatch to a Discord guild. It owns the
// discordgo.Session lifecycle, joins the watched voice channel as a
// receive-only audio source, and posts match notifications to a text
// channel.
package discord

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	discordaudio "github.com/MrWong99/wordwatch/pkg/audio/discord"
)

// Config holds the Discord connection settings.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// GuildID and ChannelID name the voice channel to listen to.
	GuildID   string
	ChannelID string

	// NotifyChannelID is the text channel that receives match
	// notifications. Empty disables notifications.
	NotifyChannelID string

	// SSRC pins the speaker to follow. Zero follows the first one heard.
	SSRC uint32
}

// Bot owns the gateway connection.
type Bot struct {
	cfg     Config
	log     *slog.Logger
	session *discordgo.Session

	closeOnce sync.Once
	closeErr  error
}

// Option configures a [Bot].
type Option func(*Bot)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) { b.log = l }
}

// New creates a session and connects to the gateway.
func New(cfg Config, opts ...Option) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	b := &Bot{cfg: cfg, log: slog.Default(), session: session}
	for _, o := range opts {
		o(b)
	}
	b.log.Info("discord: connected", "guild_id", cfg.GuildID)
	return b, nil
}

// Session returns the underlying discordgo session.
func (b *Bot) Session() *discordgo.Session { return b.session }

// Listen joins the configured voice channel. The returned Source owns the
// bot: closing it leaves the channel and disconnects from the gateway.
func (b *Bot) Listen() (*Source, error) {
	opts := []discordaudio.Option{discordaudio.WithLogger(b.log)}
	if b.cfg.SSRC != 0 {
		opts = append(opts, discordaudio.WithSSRC(b.cfg.SSRC))
	}
	voice, err := discordaudio.Join(b.session, b.cfg.GuildID, b.cfg.ChannelID, opts...)
	if err != nil {
		return nil, err
	}
	b.log.Info("discord: listening", "channel_id", b.cfg.ChannelID)

	src := &Source{Source: voice, bot: b}
	if b.cfg.NotifyChannelID != "" {
		src.notifier = NewNotifier(b.session, b.cfg.NotifyChannelID, WithNotifierLogger(b.log))
	}
	return src, nil
}

// Close disconnects from the gateway.
func (b *Bot) Close() error {
	b.closeOnce.Do(func() {
		if err := b.session.Close(); err != nil {
			b.closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		b.log.Info("discord: disconnected")
	})
	return b.closeErr
}

// Source is the voice channel audio plus, when configured, the
// notification channel.
type Source struct {
	*discordaudio.Source
	bot      *Bot
	notifier *Notifier
}

// Notifier returns the match notifier, or nil when notifications are off.
func (s *Source) Notifier() *Notifier { return s.notifier }

// Close leaves the voice channel and closes the bot.
func (s *Source) Close() error {
	return errors.Join(s.Source.Close(), s.bot.Close())
}
