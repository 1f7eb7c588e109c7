// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a block-level speech detector and surfaces it as a
// stateful, per-stream session. Each session keeps its own detection state
// (noise estimate, debounce counters) so that independent audio streams never
// influence each other.
//
// In wordwatch the VAD does not gate the transcription engine; it tells the
// listener when someone is talking so it can decide when to cut a window
// and when to drain stale audio.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection
// result, making it suitable for the audio capture path.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"
)

// Config holds the parameters for a VAD session. Zero values select the
// engine's defaults.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// blocks passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each block in milliseconds (e.g. 20 ms,
	// 320 samples at 16 kHz). ProcessFrame returns an error if the supplied
	// block does not match this size.
	FrameSizeMs int

	// EnterFactor is the multiple of the noise estimate a block's energy must
	// exceed to count towards entering speech. Typical: 3.
	EnterFactor float64

	// ExitFactor is the multiple of the noise estimate below which speech
	// ends. Must be ≤ EnterFactor. Typical: 1.5.
	ExitFactor float64

	// Debounce is the number of consecutive loud blocks required before a
	// session reports speech. Typical: 6.
	Debounce int
}

// FrameSamples returns the block length in samples implied by cfg.
func (c Config) FrameSamples() int {
	return c.SampleRate * c.FrameSizeMs / 1000
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("vad: frame size must be positive, got %d ms", c.FrameSizeMs))
	}
	if c.EnterFactor < 0 || c.ExitFactor < 0 {
		errs = append(errs, errors.New("vad: threshold factors must not be negative"))
	}
	if c.EnterFactor > 0 && c.ExitFactor > c.EnterFactor {
		errs = append(errs, fmt.Errorf("vad: exit factor %.2f exceeds enter factor %.2f", c.ExitFactor, c.EnterFactor))
	}
	if c.Debounce < 0 {
		errs = append(errs, fmt.Errorf("vad: debounce must not be negative, got %d", c.Debounce))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine. Each session maintains its own detection state; Reset clears this state
// without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single block of normalized samples and returns
	// the detection result. Returns an error if the block size is wrong or the
	// session is closed.
	//
	// This method is called synchronously on the audio capture path; it must
	// not block.
	ProcessFrame(block []float32) (VADEvent, error)

	// Reset clears all accumulated detection state without closing the
	// session. Use this when the stream is interrupted or restarted.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame returns an error. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The session
	// is immediately ready to accept audio blocks.
	NewSession(cfg Config) (SessionHandle, error)
}
