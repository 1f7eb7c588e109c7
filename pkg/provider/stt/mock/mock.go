// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller opens sessions with the expected
// model and Options. Use Session to return controlled text and inspect which
// windows were submitted.
//
// Example:
//
//	sess := &mock.Session{Text: "boom"}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Open(ctx, "model.bin", stt.Options{})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/wordwatch/pkg/provider/stt"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// ModelPath is the model passed to Open.
	ModelPath string
	// Opts is the Options passed to Open.
	Opts stt.Options
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Open. If nil, Open returns a
	// new default Session that answers with empty text.
	Session stt.SessionHandle

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall
}

// Open records the call and returns Session, OpenErr.
func (p *Provider) Open(_ context.Context, modelPath string, opts stt.Options) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{ModelPath: modelPath, Opts: opts})
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{}, nil
}

// OpenCallCount returns the number of Open calls. Thread-safe.
func (p *Provider) OpenCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// TranscribeCall records a single invocation of Session.Transcribe.
type TranscribeCall struct {
	// Samples is a copy of the window passed to Transcribe.
	Samples []float32
}

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Text is returned by every Transcribe call unless Script or Func is set.
	Text string

	// Script, when non-empty, is returned one entry per call. Once exhausted
	// Text is returned.
	Script []string

	// Func, if set, computes the result and takes precedence over Text and
	// Script. It runs without the mutex held, so it may block (e.g. to hold a
	// window "in flight" while a test acts).
	Func func(ctx context.Context, samples []float32) (string, error)

	// TranscribeErr, if non-nil, is returned by every Transcribe call.
	TranscribeErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Transcribe records the call and returns the configured result.
func (s *Session) Transcribe(ctx context.Context, samples []float32) (string, error) {
	s.mu.Lock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	s.TranscribeCalls = append(s.TranscribeCalls, TranscribeCall{Samples: cp})
	n := len(s.TranscribeCalls)
	fn, text, err := s.Func, s.Text, s.TranscribeErr
	if n <= len(s.Script) {
		text = s.Script[n-1]
	}
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, samples)
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// TranscribeCallCount returns the number of Transcribe calls. Thread-safe.
func (s *Session) TranscribeCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.TranscribeCalls)
}

// Calls returns a copy of the recorded Transcribe calls. Thread-safe.
func (s *Session) Calls() []TranscribeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TranscribeCall(nil), s.TranscribeCalls...)
}

// Closed reports whether Close was called at least once. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TranscribeCalls = nil
	s.CloseCallCount = 0
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
