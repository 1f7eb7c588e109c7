// Package openai provides an STT provider backed by the OpenAI audio
// transcription API (or any server that implements it, such as a local
// faster-whisper or LocalAI deployment reached through WithBaseURL).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/wordwatch/pkg/audio"
	"github.com/MrWong99/wordwatch/pkg/provider/stt"
)

// DefaultModel is used when Open receives an empty model name.
const DefaultModel = oai.AudioModelWhisper1

// Ensure Provider implements the stt.Provider interface.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	maxRetries   int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the SDK retries a failed request. The
// default is 1: a window that cannot be transcribed quickly is worth less
// than the next one.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// New constructs a new OpenAI STT Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}

	cfg := &config{maxRetries: 1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...)}, nil
}

// Open returns a session for the named model. No request is made until the
// first window.
func (p *Provider) Open(ctx context.Context, model string, opts stt.Options) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("openai stt: context already cancelled: %w", err)
	}
	if model == "" {
		model = DefaultModel
	}
	return &session{
		client: p.client,
		model:  model,
		opts:   opts,
		prompt: strings.Join(opts.Hints, ", "),
	}, nil
}

type session struct {
	client oai.Client
	model  string
	opts   stt.Options
	prompt string

	mu     sync.Mutex
	closed bool
}

// Transcribe implements stt.SessionHandle. With Options.Translate the
// translation endpoint is used instead, which always produces English.
func (s *session) Transcribe(ctx context.Context, samples []float32) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", stt.ErrClosed
	}
	if s.opts.Silent(samples) {
		return "", nil
	}

	wav, err := audio.EncodeWAV(samples, stt.SampleRate)
	if err != nil {
		return "", fmt.Errorf("openai stt: encode wav: %w", err)
	}
	file := oai.File(bytes.NewReader(wav), "window.wav", "audio/wav")

	if s.opts.Translate {
		params := oai.AudioTranslationNewParams{
			File:  file,
			Model: oai.AudioModel(s.model),
		}
		if s.prompt != "" {
			params.Prompt = param.NewOpt(s.prompt)
		}
		resp, err := s.client.Audio.Translations.New(ctx, params)
		if err != nil {
			return "", fmt.Errorf("openai stt: translate: %w", err)
		}
		return strings.TrimSpace(resp.Text), nil
	}

	params := oai.AudioTranscriptionNewParams{
		File:  file,
		Model: oai.AudioModel(s.model),
	}
	if lang := s.opts.Language; lang != "" && lang != "auto" {
		params.Language = param.NewOpt(lang)
	}
	if s.prompt != "" {
		params.Prompt = param.NewOpt(s.prompt)
	}
	resp, err := s.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai stt: transcribe: %w", err)
	}
	if resp == nil {
		return "", errors.New("openai stt: empty response")
	}
	return strings.TrimSpace(resp.Text), nil
}

// Close implements stt.SessionHandle.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ stt.SessionHandle = (*session)(nil)
