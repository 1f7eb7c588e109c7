// Package energy implements an energy-based voice activity detector with an
// adaptive noise floor.
//
// The detector tracks the RMS level of background noise and compares every
// block against two thresholds derived from it: a higher one to enter speech
// and a lower one to leave it. The gap between the two (hysteresis) together
// with a debounce count on entry keeps the state from flapping when the
// level hovers around a threshold.
//
// It has no model and no cgo dependency, which makes it the default VAD for
// batching decisions.
package energy

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/wordwatch/pkg/provider/vad"
)

// Defaults applied when the corresponding option or Config field is zero.
const (
	DefaultInitialFloor = 0.02
	DefaultMinFloor     = 1e-4
	DefaultAttack       = 0.005
	DefaultRelease      = 0.05
	DefaultEnterFactor  = 3.0
	DefaultExitFactor   = 1.5
	DefaultDebounce     = 6
)

// Option configures a [Detector] or every session of an [Engine].
type Option func(*params)

type params struct {
	initialFloor float64
	minFloor     float64
	attack       float64
	release      float64
	enter        float64
	exit         float64
	debounce     int
}

func defaultParams() params {
	return params{
		initialFloor: DefaultInitialFloor,
		minFloor:     DefaultMinFloor,
		attack:       DefaultAttack,
		release:      DefaultRelease,
		enter:        DefaultEnterFactor,
		exit:         DefaultExitFactor,
		debounce:     DefaultDebounce,
	}
}

// WithInitialFloor sets the noise floor assumed before any audio was seen.
func WithInitialFloor(f float64) Option {
	return func(p *params) {
		if f > 0 {
			p.initialFloor = f
		}
	}
}

// WithMinFloor sets the level the noise floor never decays below.
func WithMinFloor(f float64) Option {
	return func(p *params) {
		if f > 0 {
			p.minFloor = f
		}
	}
}

// WithAttack sets the smoothing coefficient used while silent. Small values
// make the floor follow the background slowly.
func WithAttack(a float64) Option {
	return func(p *params) {
		if a > 0 && a <= 1 {
			p.attack = a
		}
	}
}

// WithRelease sets the smoothing coefficient used while speaking.
func WithRelease(r float64) Option {
	return func(p *params) {
		if r > 0 && r <= 1 {
			p.release = r
		}
	}
}

// WithThresholds sets the enter and exit multiples of the noise floor.
func WithThresholds(enter, exit float64) Option {
	return func(p *params) {
		if enter > 0 && exit > 0 && exit <= enter {
			p.enter, p.exit = enter, exit
		}
	}
}

// WithDebounce sets how many consecutive loud blocks are needed to enter
// speech.
func WithDebounce(n int) Option {
	return func(p *params) {
		if n > 0 {
			p.debounce = n
		}
	}
}

// Detector is the two-state Silence ⇄ Speaking machine. It has no terminal
// state and is meant to run for the lifetime of a stream.
//
// A Detector is not safe for concurrent use.
type Detector struct {
	p params

	floor    float64
	speaking bool
	loud     int // consecutive blocks above the enter threshold
	lastRMS  float64
}

// NewDetector returns a Detector in the silent state.
func NewDetector(opts ...Option) *Detector {
	p := defaultParams()
	for _, o := range opts {
		o(&p)
	}
	return &Detector{p: p, floor: p.initialFloor}
}

// Update feeds one block and returns whether speech is in progress.
//
// While silent the floor follows the block level with the slow attack
// coefficient. While speaking it can only move down, towards quieter
// blocks, with the release coefficient, so it never creeps up on a long
// utterance.
func (d *Detector) Update(block []float32) bool {
	rms := RMS(block)
	d.lastRMS = rms

	if d.speaking {
		target := math.Min(rms, d.floor)
		d.floor += d.p.release * (target - d.floor)
	} else {
		d.floor += d.p.attack * (rms - d.floor)
	}
	d.floor = math.Max(d.floor, d.p.minFloor)

	enter := d.p.enter * d.floor
	exit := d.p.exit * d.floor

	if d.speaking {
		if rms < exit {
			d.speaking = false
			d.loud = 0
		}
		return d.speaking
	}

	if rms > enter {
		d.loud++
		if d.loud >= d.p.debounce {
			d.speaking = true
		}
	} else {
		d.loud = 0
	}
	return d.speaking
}

// Speaking returns the current state without consuming a block.
func (d *Detector) Speaking() bool { return d.speaking }

// Floor returns the current noise floor estimate.
func (d *Detector) Floor() float64 { return d.floor }

// Level returns the RMS of the most recent block.
func (d *Detector) Level() float64 { return d.lastRMS }

// Probability maps the most recent level onto [0, 1] relative to the enter
// threshold.
func (d *Detector) Probability() float64 {
	enter := d.p.enter * d.floor
	if enter <= 0 {
		return 0
	}
	return math.Min(1, d.lastRMS/enter)
}

// Reset returns the detector to its initial state.
func (d *Detector) Reset() {
	d.floor = d.p.initialFloor
	d.speaking = false
	d.loud = 0
	d.lastRMS = 0
}

// RMS returns the root mean square of block, or 0 for an empty block.
func RMS(block []float32) float64 {
	if len(block) == 0 {
		return 0
	}
	var sum float64
	for _, s := range block {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(block)))
}

// ─── Engine ───────────────────────────────────────────────────────────────────

var _ vad.Engine = (*Engine)(nil)

// ErrClosed is returned by a session used after Close.
var ErrClosed = errors.New("energy: session closed")

// Engine creates energy [Session] values. Options passed to New apply to
// every session; non-zero Config fields override them.
type Engine struct {
	opts []Option
}

// New returns an Engine.
func New(opts ...Option) *Engine {
	return &Engine{opts: opts}
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := append([]Option(nil), e.opts...)
	if cfg.EnterFactor > 0 && cfg.ExitFactor > 0 {
		opts = append(opts, WithThresholds(cfg.EnterFactor, cfg.ExitFactor))
	}
	if cfg.Debounce > 0 {
		opts = append(opts, WithDebounce(cfg.Debounce))
	}
	return &Session{det: NewDetector(opts...), size: cfg.FrameSamples()}, nil
}

var _ vad.SessionHandle = (*Session)(nil)

// Session adapts a [Detector] to [vad.SessionHandle] and turns its boolean
// state into start/continue/end events.
type Session struct {
	mu     sync.Mutex
	det    *Detector
	size   int
	closed bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(block []float32) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, ErrClosed
	}
	if len(block) != s.size {
		return vad.VADEvent{}, &FrameSizeError{Got: len(block), Want: s.size}
	}

	was := s.det.Speaking()
	now := s.det.Update(block)
	ev := vad.VADEvent{Probability: s.det.Probability()}
	switch {
	case now && !was:
		ev.Type = vad.VADSpeechStart
	case now:
		ev.Type = vad.VADSpeechContinue
	case was:
		ev.Type = vad.VADSpeechEnd
	default:
		ev.Type = vad.VADSilence
	}
	return ev, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.det.Reset()
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FrameSizeError reports a block of the wrong length.
type FrameSizeError struct {
	Got, Want int
}

func (e *FrameSizeError) Error() string {
	return fmt.Sprintf("energy: block has %d samples, want %d", e.Got, e.Want)
}
