// Package stt defines the Provider interface for Speech-to-Text backends.
//
// A provider wraps a transcription engine (a local whisper.cpp model, a
// whisper.cpp server, or a hosted API) behind a narrow synchronous contract:
// open a session for a model, hand it a window of normalized 16 kHz mono
// samples, get text back.
//
// Sessions are single-caller: the engine is not assumed to be safe to invoke
// from several goroutines at once, so callers must serialise Transcribe
// calls. The transcription worker does this by owning the session
// exclusively.
package stt

import (
	"context"
	"errors"
)

// SampleRate is the rate every provider expects samples at.
const SampleRate = 16000

// ErrClosed is returned by Transcribe after Close.
var ErrClosed = errors.New("stt: session closed")

// SessionHandle represents an open engine session bound to one model. It is an
// interface so that test code can provide mock implementations without a real
// engine.
//
// Callers must call Close when the session is no longer needed; native
// engines hold the model in memory until then.
type SessionHandle interface {
	// Transcribe runs recognition over one window of normalized mono samples
	// at [SampleRate]. It blocks until the engine is done. An empty string
	// means no speech was recognised; that is not an error.
	Transcribe(ctx context.Context, samples []float32) (string, error)

	// Close releases the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Each Open call returns an
// independent session.
type Provider interface {
	// Open loads or connects to the model identified by modelPath. Remote
	// providers interpret modelPath as a model name and may ignore it.
	//
	// Returns an error if the model cannot be loaded or the backend is not
	// reachable. The caller owns the SessionHandle and must call Close.
	Open(ctx context.Context, modelPath string, opts Options) (SessionHandle, error)
}
