// Package wsingest accepts audio pushed over a websocket and exposes it as an
// [audio.Source]. It lets a remote client (a game mod, a browser tab, a
// voice bot) stream microphone audio into the listener.
//
// Protocol: the client connects to the handler, optionally declaring its
// sample rate with ?rate=48000, then sends binary messages of little-endian
// int16 mono PCM. Each message becomes one frame. Only one client may stream
// at a time; further connections are refused with 409 Conflict.
package wsingest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/wordwatch/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

const (
	frameBuffer = 128
	// readLimit caps a single message at one second of 48 kHz mono audio.
	readLimit = 48000 * 2
)

// Option configures a [Source].
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.log = l }
}

// WithOriginPatterns allows cross-origin browser clients matching the given
// host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Source) { s.origins = patterns }
}

// Source is an [http.Handler] that turns websocket uploads into frames.
type Source struct {
	rate    int
	log     *slog.Logger
	origins []string

	mu        sync.Mutex
	busy      bool
	closed    bool
	cancel    context.CancelFunc
	received  int64 // samples since the source was created
	conns     sync.WaitGroup
	frames    chan audio.AudioFrame
	closeOnce sync.Once
}

// New creates a Source that expects mono PCM at rate Hz.
func New(rate int, opts ...Option) *Source {
	s := &Source{
		rate:   rate,
		log:    slog.Default(),
		frames: make(chan audio.AudioFrame, frameBuffer),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.AudioFrame { return s.frames }

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return audio.Format{SampleRate: s.rate, Channels: 1} }

// Connected reports whether a client is currently streaming.
func (s *Source) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Close disconnects the current client and closes the frame channel.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		s.conns.Wait()
		close(s.frames)
	})
	return nil
}

// ServeHTTP implements [http.Handler].
func (s *Source) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("rate"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil || rate != s.rate {
			http.Error(w, "unsupported sample rate, expected "+strconv.Itoa(s.rate), http.StatusBadRequest)
			return
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "ingest closed", http.StatusServiceUnavailable)
		return
	}
	if s.busy {
		s.mu.Unlock()
		http.Error(w, "another client is already streaming", http.StatusConflict)
		return
	}
	s.busy = true
	s.cancel = cancel
	s.conns.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.cancel = nil
		s.mu.Unlock()
		s.conns.Done()
	}()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("wsingest: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	s.log.Info("wsingest: client connected", "remote", r.RemoteAddr)
	err = s.readLoop(ctx, conn)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusGoingAway, "ingest closed")
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
		s.log.Info("wsingest: client disconnected", "remote", r.RemoteAddr)
	default:
		s.log.Warn("wsingest: stream ended", "remote", r.RemoteAddr, "err", err)
		conn.Close(websocket.StatusUnsupportedData, "stream error")
	}
}

func (s *Source) readLoop(ctx context.Context, conn *websocket.Conn) error {
	var dropped int
	defer func() {
		if dropped > 0 {
			s.log.Warn("wsingest: dropped frames", "count", dropped)
		}
	}()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if len(data)%2 != 0 {
			return errors.New("wsingest: odd byte count in PCM message")
		}
		n := len(data) / 2

		s.mu.Lock()
		ts := time.Duration(s.received) * time.Second / time.Duration(s.rate)
		s.received += int64(n)
		s.mu.Unlock()

		select {
		case s.frames <- audio.AudioFrame{Data: data, SampleRate: s.rate, Channels: 1, Timestamp: ts}:
		default:
			dropped++
		}
	}
}
