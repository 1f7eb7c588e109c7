// Package whisper provides whisper.cpp-backed STT providers.
//
// Two flavours share the same session contract:
//
//   - [Native] loads a ggml model into the process through the CGO bindings.
//   - [Server] talks to a running whisper-server binary, which exposes a REST
//     API at POST /inference. Each window is encoded as a WAV file and
//     uploaded as multipart/form-data. Calls go through a circuit breaker so
//     a dead server fails fast instead of stalling the worker for the full
//     HTTP timeout on every window.
//
// Usage:
//
//	p, err := whisper.NewServer("http://localhost:8080")
//	sess, err := p.Open(ctx, "", stt.Options{Language: "en"})
//	text, err := sess.Transcribe(ctx, samples)
//	sess.Close()
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/wordwatch/internal/resilience"
	"github.com/MrWong99/wordwatch/pkg/audio"
	"github.com/MrWong99/wordwatch/pkg/provider/stt"
)

// autoLanguage asks whisper.cpp to detect the spoken language.
const autoLanguage = "auto"

// hintPrompt turns vocabulary hints into an initial prompt. Whisper biases
// towards spellings it has seen in the prompt.
func hintPrompt(hints []string) string {
	var words []string
	for _, h := range hints {
		if h = strings.TrimSpace(h); h != "" {
			words = append(words, h)
		}
	}
	if len(words) == 0 {
		return ""
	}
	return strings.Join(words, ", ") + "."
}

// Compile-time assertion that Server implements stt.Provider.
var _ stt.Provider = (*Server)(nil)

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithHTTPClient replaces the HTTP client. The default has a 30 s timeout.
func WithHTTPClient(c *http.Client) ServerOption {
	return func(p *Server) { p.httpClient = c }
}

// WithBreaker configures the circuit breaker guarding /inference.
func WithBreaker(cfg resilience.CircuitBreakerConfig) ServerOption {
	return func(p *Server) { p.breakerCfg = cfg }
}

// WithoutProbe skips the reachability check in Open.
func WithoutProbe() ServerOption {
	return func(p *Server) { p.probe = false }
}

// Server implements stt.Provider backed by a whisper.cpp HTTP server.
type Server struct {
	serverURL  string
	httpClient *http.Client
	breakerCfg resilience.CircuitBreakerConfig
	probe      bool
}

// NewServer creates a provider that connects to the whisper.cpp HTTP server
// at serverURL (e.g., "http://localhost:8080").
func NewServer(serverURL string, opts ...ServerOption) (*Server, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Server{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breakerCfg: resilience.CircuitBreakerConfig{Name: "whisper-server"},
		probe:      true,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Open checks that the server answers and returns a session. modelPath is
// forwarded as the "model" form field when set; most whisper-server builds
// ignore it and use the model they were started with.
func (p *Server) Open(ctx context.Context, modelPath string, opts stt.Options) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if p.probe {
		if err := p.ping(ctx); err != nil {
			return nil, err
		}
	}
	return &serverSession{
		p:       p,
		model:   modelPath,
		opts:    opts,
		prompt:  hintPrompt(opts.Hints),
		breaker: resilience.NewCircuitBreaker(p.breakerCfg),
	}, nil
}

func (p *Server) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+"/", nil)
	if err != nil {
		return fmt.Errorf("whisper: create probe request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whisper: server unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("whisper: server probe returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// ---- serverSession ----------------------------------------------------------

type serverSession struct {
	p       *Server
	model   string
	opts    stt.Options
	prompt  string
	breaker *resilience.CircuitBreaker

	mu     sync.Mutex
	closed bool
}

// Transcribe uploads samples and returns the recognised text. When the
// breaker is open it returns [resilience.ErrCircuitOpen] immediately.
func (s *serverSession) Transcribe(ctx context.Context, samples []float32) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", stt.ErrClosed
	}
	if s.opts.Silent(samples) {
		return "", nil
	}

	var text string
	err := s.breaker.Execute(func() error {
		var err error
		text, err = s.infer(ctx, samples)
		return err
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// Breaker exposes the session's circuit breaker state for status reporting.
func (s *serverSession) Breaker() resilience.State { return s.breaker.State() }

// Close marks the session closed. There is nothing to release on the server.
func (s *serverSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// infer encodes samples as a WAV file and POSTs it to the whisper.cpp
// /inference endpoint as multipart/form-data.
func (s *serverSession) infer(ctx context.Context, samples []float32) (string, error) {
	wav, err := audio.EncodeWAV(samples, stt.SampleRate)
	if err != nil {
		return "", fmt.Errorf("whisper: encode wav: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "window.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}

	lang := s.opts.Language
	if lang == "" {
		lang = autoLanguage
	}
	fields := [][2]string{
		{"response_format", "json"},
		{"temperature", "0"},
		{"language", lang},
		{"translate", strconv.FormatBool(s.opts.Translate)},
	}
	if s.prompt != "" {
		fields = append(fields, [2]string{"prompt", s.prompt})
	}
	if s.model != "" {
		fields = append(fields, [2]string{"model", s.model})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}
	var result struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("whisper: server error: %s", result.Error)
	}
	return result.Text, nil
}

var _ stt.SessionHandle = (*serverSession)(nil)
