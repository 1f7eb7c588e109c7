// This file contains the Native provider backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/wordwatch/pkg/provider/stt"
)

// Compile-time assertion that Native satisfies stt.Provider.
var _ stt.Provider = (*Native)(nil)

// Native implements stt.Provider by loading a ggml model file into the
// process with the whisper.cpp Go bindings. Every Open loads its own copy of
// the model, so sessions never share engine state.
type Native struct {
	log *slog.Logger
}

// NativeOption is a functional option for configuring a Native provider.
type NativeOption func(*Native)

// WithNativeLogger sets the logger used by sessions.
func WithNativeLogger(l *slog.Logger) NativeOption {
	return func(p *Native) { p.log = l }
}

// NewNative creates a Native provider.
func NewNative(opts ...NativeOption) *Native {
	p := &Native{log: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open loads the model at modelPath. Loading a large model takes seconds and
// is not interruptible, so ctx is only checked before the load starts.
func (p *Native) Open(ctx context.Context, modelPath string, opts stt.Options) (stt.SessionHandle, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	if lang := opts.Language; lang != "" && lang != autoLanguage && !model.IsMultilingual() && lang != "en" {
		p.log.Warn("whisper: model is English-only, ignoring language", "model", modelPath, "language", lang)
		opts.Language = "en"
	}
	return &nativeSession{model: model, opts: opts, prompt: hintPrompt(opts.Hints), log: p.log}, nil
}

// nativeSession owns one loaded model. A fresh whisper context is created per
// window; contexts are cheap next to the model and carry no state between
// windows that could leak text from one window into the next.
type nativeSession struct {
	mu     sync.Mutex
	model  whisperlib.Model
	opts   stt.Options
	prompt string
	log    *slog.Logger
}

// Transcribe runs the model over samples and joins the recognised segments.
func (s *nativeSession) Transcribe(_ context.Context, samples []float32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return "", stt.ErrClosed
	}
	if s.opts.Silent(samples) {
		return "", nil
	}

	wctx, err := s.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	lang := s.opts.Language
	if lang == "" {
		lang = autoLanguage
	}
	if err := wctx.SetLanguage(lang); err != nil {
		s.log.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}
	wctx.SetTranslate(s.opts.Translate)
	if s.opts.Threads > 0 {
		wctx.SetThreads(uint(s.opts.Threads))
	}
	if s.prompt != "" {
		wctx.SetInitialPrompt(s.prompt)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// Close frees the model. Calling Close more than once is safe.
func (s *nativeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return nil
	}
	err := s.model.Close()
	s.model = nil
	return err
}

// Compile-time assertion that nativeSession satisfies stt.SessionHandle.
var _ stt.SessionHandle = (*nativeSession)(nil)
