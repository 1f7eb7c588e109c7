// Package mock provides test doubles for the discord package.
package mock

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

// SentEmbed records one ChannelMessageSendEmbed call.
type SentEmbed struct {
	ChannelID string
	Embed     *discordgo.MessageEmbed
}

// MessageSender records posted embeds.
type MessageSender struct {
	mu sync.Mutex

	// Err, when non-nil, is returned by every call.
	Err error

	// Sent records every call in order.
	Sent []SentEmbed
}

// ChannelMessageSendEmbed records the call and returns a stub message.
func (m *MessageSender) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, SentEmbed{ChannelID: channelID, Embed: embed})
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-message", ChannelID: channelID}, nil
}

// Embeds returns a copy of the recorded calls. Thread-safe.
func (m *MessageSender) Embeds() []SentEmbed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentEmbed(nil), m.Sent...)
}
