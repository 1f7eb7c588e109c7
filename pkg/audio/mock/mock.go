// Package mock provides an in-memory implementation of [audio.Source] for
// use in unit tests.
//
// The mock is safe for concurrent use. It records Close calls so tests can
// assert on shutdown behaviour, and frames are pushed by the test itself.
//
// Typical usage:
//
//	src := mock.NewSource(audio.Format{SampleRate: 48000, Channels: 1}, 64)
//	src.Push(frame)
//	src.Close()
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/wordwatch/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	format audio.Format
	frames chan audio.AudioFrame
	closed bool

	// CloseError is returned by [Source.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Dropped counts frames Push discarded because the channel was full.
	Dropped int
}

// NewSource creates a Source delivering frames of the given format through
// a channel with the given buffer size.
func NewSource(format audio.Format, buffer int) *Source {
	return &Source{
		format: format,
		frames: make(chan audio.AudioFrame, buffer),
	}
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.AudioFrame {
	return s.frames
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	return s.format
}

// Close implements [audio.Source]. The frame channel is closed on the first call.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return s.CloseError
}

// Push delivers frame without blocking. It reports false when the frame was
// dropped because the buffer is full or the source is closed.
func (s *Source) Push(frame audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- frame:
		return true
	default:
		s.Dropped++
		return false
	}
}

// PushSamples wraps mono normalized samples in a frame and pushes it.
func (s *Source) PushSamples(samples []float32, ts time.Duration) bool {
	return s.Push(audio.AudioFrame{
		Data:       audio.Int16ToBytes(audio.Float32ToInt16(samples)),
		SampleRate: s.format.SampleRate,
		Channels:   1,
		Timestamp:  ts,
	})
}
