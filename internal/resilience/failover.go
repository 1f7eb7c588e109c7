package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/wordwatch/pkg/provider/stt"
)

// ErrAllFailed is returned when every provider of a [Failover] failed or had
// an open breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

var _ stt.Provider = (*Failover)(nil)

type backend struct {
	name     string
	provider stt.Provider
	model    string
	breaker  *CircuitBreaker
}

// Failover implements [stt.Provider] over an ordered list of backends. Each
// window goes to the first backend whose breaker admits it and that answers
// without error; later backends are only opened once they are needed.
//
// Register every backend with Add before calling Open.
type Failover struct {
	cfg      CircuitBreakerConfig
	log      *slog.Logger
	backends []*backend
}

// NewFailover returns an empty Failover. cfg is the template for each
// backend's breaker; its Name is replaced by the backend name.
func NewFailover(cfg CircuitBreakerConfig) *Failover {
	cfg = cfg.withDefaults()
	return &Failover{cfg: cfg, log: cfg.Logger}
}

// Add appends a backend. model overrides the modelPath given to Open for
// this backend; leave it empty to use the caller's.
func (f *Failover) Add(name string, p stt.Provider, model string) *Failover {
	cfg := f.cfg
	cfg.Name = name
	f.backends = append(f.backends, &backend{
		name:     name,
		provider: p,
		model:    model,
		breaker:  NewCircuitBreaker(cfg),
	})
	return f
}

// Names lists the backends in failover order.
func (f *Failover) Names() []string {
	out := make([]string, len(f.backends))
	for i, b := range f.backends {
		out[i] = b.name
	}
	return out
}

// Breakers reports the breaker state of every backend by name.
func (f *Failover) Breakers() map[string]State {
	out := make(map[string]State, len(f.backends))
	for _, b := range f.backends {
		out[b.name] = b.breaker.State()
	}
	return out
}

// Open opens the first backend that succeeds so that configuration errors
// surface before any audio arrives. The others are opened on demand.
func (f *Failover) Open(ctx context.Context, modelPath string, opts stt.Options) (stt.SessionHandle, error) {
	if len(f.backends) == 0 {
		return nil, errors.New("resilience: failover has no backends")
	}
	s := &failoverSession{
		f:        f,
		model:    modelPath,
		opts:     opts,
		sessions: make([]stt.SessionHandle, len(f.backends)),
		current:  -1,
	}
	var errs []error
	for i, b := range f.backends {
		err := b.breaker.Execute(func() error {
			_, err := s.session(ctx, i)
			return err
		})
		if err == nil {
			s.current = i
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.log.Warn("resilience: backend failed to open", "provider", b.name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

type failoverSession struct {
	f     *Failover
	model string
	opts  stt.Options

	mu       sync.Mutex
	sessions []stt.SessionHandle
	current  int
	closed   bool
}

// session returns the open session of backend i, opening it if necessary.
func (s *failoverSession) session(ctx context.Context, i int) (stt.SessionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, stt.ErrClosed
	}
	if h := s.sessions[i]; h != nil {
		return h, nil
	}
	b := s.f.backends[i]
	model := b.model
	if model == "" {
		model = s.model
	}
	h, err := b.provider.Open(ctx, model, s.opts)
	if err != nil {
		return nil, err
	}
	s.sessions[i] = h
	return h, nil
}

func (s *failoverSession) Transcribe(ctx context.Context, samples []float32) (string, error) {
	var errs []error
	for i, b := range s.f.backends {
		var text string
		err := b.breaker.Execute(func() error {
			h, err := s.session(ctx, i)
			if err != nil {
				return err
			}
			text, err = h.Transcribe(ctx, samples)
			return err
		})
		if err == nil {
			s.switchTo(i)
			return text, nil
		}
		if errors.Is(err, stt.ErrClosed) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !errors.Is(err, ErrCircuitOpen) {
			s.f.log.Warn("resilience: backend failed, trying next", "provider", b.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
	}
	return "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

func (s *failoverSession) switchTo(i int) {
	s.mu.Lock()
	prev := s.current
	s.current = i
	s.mu.Unlock()
	if prev != i {
		s.f.log.Info("resilience: transcribing with backend",
			"provider", s.f.backends[i].name, "previous", s.f.backends[max(prev, 0)].name)
	}
}

// Close closes every session that was opened.
func (s *failoverSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for i, h := range s.sessions {
		if h == nil {
			continue
		}
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.f.backends[i].name, err))
		}
		s.sessions[i] = nil
	}
	return errors.Join(errs...)
}

var _ stt.SessionHandle = (*failoverSession)(nil)
