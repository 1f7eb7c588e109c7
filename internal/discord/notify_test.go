package discord_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/wordwatch/internal/discord"
	"github.com/MrWong99/wordwatch/internal/discord/mock"
	"github.com/MrWong99/wordwatch/internal/keyword"
)

var at = time.Date(2026, 3, 1, 20, 15, 0, 0, time.UTC)

func TestMatchEmbed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		match      keyword.Match
		wantTitle  string
		wantColor  int
		wantFields int
		wantDesc   string
	}{
		{
			name:       "exact",
			match:      keyword.Match{Word: "boom", Text: "and then boom", Heard: "boom", Method: keyword.MethodExact, Confidence: 1},
			wantTitle:  `Heard "boom"`,
			wantColor:  0x2ECC71,
			wantFields: 2,
			wantDesc:   "> and then boom",
		},
		{
			name:       "phonetic shows what was heard",
			match:      keyword.Match{Word: "steve", Text: "steev is here", Heard: "steev", Method: keyword.MethodPhonetic, Confidence: 0.93},
			wantTitle:  `Heard "steve"`,
			wantColor:  0xF1C40F,
			wantFields: 3,
			wantDesc:   "> steev is here",
		},
		{
			name:       "multi-line text is quoted per line",
			match:      keyword.Match{Word: "boom", Text: "one\nboom", Heard: "boom", Method: keyword.MethodExact, Confidence: 1},
			wantTitle:  `Heard "boom"`,
			wantColor:  0x2ECC71,
			wantFields: 2,
			wantDesc:   "> one\n> boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := discord.MatchEmbed(tt.match, at)
			if e.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", e.Title, tt.wantTitle)
			}
			if e.Color != tt.wantColor {
				t.Errorf("Color = %#x, want %#x", e.Color, tt.wantColor)
			}
			if len(e.Fields) != tt.wantFields {
				t.Errorf("fields = %d, want %d", len(e.Fields), tt.wantFields)
			}
			if e.Description != tt.wantDesc {
				t.Errorf("Description = %q, want %q", e.Description, tt.wantDesc)
			}
			if e.Timestamp != "2026-03-01T20:15:00Z" {
				t.Errorf("Timestamp = %q", e.Timestamp)
			}
		})
	}
}

func TestMatchEmbed_TruncatesLongText(t *testing.T) {
	t.Parallel()

	e := discord.MatchEmbed(keyword.Match{Word: "boom", Text: strings.Repeat("ä", 3000)}, at)
	if n := len([]rune(e.Description)); n != 1002 { // "> " + 1000 runes
		t.Errorf("description length = %d runes", n)
	}
	if !strings.HasSuffix(e.Description, "…") {
		t.Error("truncated text has no ellipsis")
	}
}

func TestNotifier_Notify(t *testing.T) {
	t.Parallel()

	sender := &mock.MessageSender{}
	n := discord.NewNotifier(sender, "chan-1", discord.WithNotifierClock(func() time.Time { return at }))
	if err := n.Notify(keyword.Match{Word: "boom", Text: "boom", Method: keyword.MethodExact, Confidence: 1}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	sent := sender.Embeds()
	if len(sent) != 1 {
		t.Fatalf("sent %d embeds, want 1", len(sent))
	}
	if sent[0].ChannelID != "chan-1" || sent[0].Embed.Title != `Heard "boom"` {
		t.Errorf("sent = %+v", sent[0])
	}
}

func TestNotifier_NotifyError(t *testing.T) {
	t.Parallel()

	errRate := errors.New("rate limited")
	n := discord.NewNotifier(&mock.MessageSender{Err: errRate}, "chan-1")
	if err := n.Notify(keyword.Match{Word: "boom"}); !errors.Is(err, errRate) {
		t.Fatalf("err = %v, want wrapped rate limit error", err)
	}
}

func TestNew_RequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := discord.New(discord.Config{}); err == nil {
		t.Fatal("New without a token succeeded")
	}
}
