package discord

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/wordwatch/internal/keyword"
)

// Embed colours.
const (
	colorExact    = 0x2ECC71
	colorPhonetic = 0xF1C40F
)

// maxQuote caps the transcript excerpt in a notification. Discord allows
// 4096 characters in an embed description.
const maxQuote = 1000

// MessageSender is the subset of [discordgo.Session] used to post
// notifications.
type MessageSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ MessageSender = (*discordgo.Session)(nil)

// Notifier posts one embed per match to a text channel.
type Notifier struct {
	send      MessageSender
	channelID string
	log       *slog.Logger
	now       func() time.Time
}

// NotifierOption configures a [Notifier].
type NotifierOption func(*Notifier)

// WithNotifierLogger sets the logger.
func WithNotifierLogger(l *slog.Logger) NotifierOption {
	return func(n *Notifier) { n.log = l }
}

// WithNotifierClock replaces time.Now for embed timestamps.
func WithNotifierClock(now func() time.Time) NotifierOption {
	return func(n *Notifier) { n.now = now }
}

// NewNotifier returns a Notifier posting to channelID.
func NewNotifier(send MessageSender, channelID string, opts ...NotifierOption) *Notifier {
	n := &Notifier{send: send, channelID: channelID, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Notify posts m. Failures are returned and logged; they never affect
// listening.
func (n *Notifier) Notify(m keyword.Match) error {
	if _, err := n.send.ChannelMessageSendEmbed(n.channelID, MatchEmbed(m, n.now())); err != nil {
		n.log.Warn("discord: failed to post match", "word", m.Word, "err", err)
		return fmt.Errorf("discord: post match: %w", err)
	}
	return nil
}

// MatchEmbed renders m as a message embed.
func MatchEmbed(m keyword.Match, at time.Time) *discordgo.MessageEmbed {
	color := colorExact
	if m.Method == keyword.MethodPhonetic {
		color = colorPhonetic
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Method", Value: string(m.Method), Inline: true},
		{Name: "Confidence", Value: fmt.Sprintf("%.0f%%", m.Confidence*100), Inline: true},
	}
	if m.Heard != "" && m.Heard != m.Word {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Heard", Value: m.Heard, Inline: true})
	}
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Heard %q", m.Word),
		Description: quote(m.Text),
		Color:       color,
		Fields:      fields,
		Timestamp:   at.UTC().Format(time.RFC3339),
	}
}

func quote(text string) string {
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > maxQuote {
		text = string(r[:maxQuote-1]) + "…"
	}
	if text == "" {
		return ""
	}
	return "> " + strings.ReplaceAll(text, "\n", "\n> ")
}
