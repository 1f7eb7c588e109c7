// Package discord provides a receive-only [audio.Source] backed by a
// Discord voice channel via the bwmarrin/discordgo library.
//
// Discord delivers one Opus stream per speaking participant, identified by
// SSRC. The listening pipeline expects a single voice, so the Source either
// follows a fixed SSRC or locks onto the first participant who speaks and
// releases them after a quiet gap, at which point the next speaker can take
// over.
package discord

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/wordwatch/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

const (
	frameBuffer        = 64
	defaultReleaseIdle = 1500 * time.Millisecond
)

// Option configures a [Source].
type Option func(*Source)

// WithSSRC pins the Source to one speaker instead of following whoever
// talks first.
func WithSSRC(ssrc uint32) Option {
	return func(s *Source) {
		s.pinned = true
		s.active = ssrc
	}
}

// WithReleaseAfter sets how long the followed speaker may stay silent
// before another participant can take over. Defaults to 1.5s.
func WithReleaseAfter(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.releaseAfter = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.log = l }
}

// Source receives voice from one Discord voice channel.
//
// Source is safe for concurrent use.
type Source struct {
	vc  *discordgo.VoiceConnection
	log *slog.Logger

	pinned       bool
	releaseAfter time.Duration
	now          func() time.Time

	mu       sync.Mutex
	active   uint32
	hasLock  bool
	lastSeen time.Time

	frames    chan audio.AudioFrame
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// disconnectVC tears down the voice connection. Defaults to
	// vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// Join joins the voice channel muted (the bot only listens) and starts
// receiving.
func Join(session *discordgo.Session, guildID, channelID string, opts ...Option) (*Source, error) {
	vc, err := session.ChannelVoiceJoin(guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	return newSource(vc, opts...), nil
}

func newSource(vc *discordgo.VoiceConnection, opts ...Option) *Source {
	s := &Source{
		vc:           vc,
		log:          slog.Default(),
		releaseAfter: defaultReleaseIdle,
		now:          time.Now,
		frames:       make(chan audio.AudioFrame, frameBuffer),
		done:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	for _, o := range opts {
		o(s)
	}
	s.hasLock = s.pinned
	go s.recvLoop()
	return s
}

// Frames implements [audio.Source]. Frames are 48 kHz interleaved stereo.
func (s *Source) Frames() <-chan audio.AudioFrame { return s.frames }

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	return audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}
}

// ActiveSSRC reports the speaker currently followed, if any.
func (s *Source) ActiveSSRC() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.hasLock
}

// Close leaves the voice channel and closes the frame channel. It is safe
// to call more than once; subsequent calls return nil.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.loopDone
		if s.disconnectVC != nil {
			err = s.disconnectVC()
		}
	})
	return err
}

// accept decides whether a packet from ssrc belongs to the followed speaker.
func (s *Source) accept(ssrc uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.pinned {
		return ssrc == s.active
	}
	if s.hasLock && ssrc != s.active && now.Sub(s.lastSeen) >= s.releaseAfter {
		s.log.Debug("discord: releasing silent speaker", "ssrc", s.active)
		s.hasLock = false
	}
	if !s.hasLock {
		s.active = ssrc
		s.hasLock = true
		s.log.Info("discord: following speaker", "ssrc", ssrc)
	}
	if ssrc != s.active {
		return false
	}
	s.lastSeen = now
	return true
}

// recvLoop reads Opus packets, keeps only the followed speaker, decodes to
// PCM and delivers frames without ever blocking the voice connection.
func (s *Source) recvLoop() {
	defer close(s.loopDone)
	defer close(s.frames)

	decoders := make(map[uint32]*opusDecoder)
	for {
		select {
		case <-s.done:
			return
		case pkt, ok := <-s.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil || !s.accept(pkt.SSRC) {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					s.log.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				s.log.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "err", err)
				continue
			}

			frame := audio.AudioFrame{
				Data:       pcm,
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
				Timestamp:  time.Duration(pkt.Timestamp) * time.Second / time.Duration(opusSampleRate),
			}
			select {
			case s.frames <- frame:
			default:
				// Channel full: drop frame rather than block.
			}
		}
	}
}
