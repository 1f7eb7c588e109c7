// Package wavfile replays a WAV file as a live [audio.Source]. It is used
// for offline runs against recorded sessions and for reproducible demos.
package wavfile

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/wordwatch/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

const frameBuffer = 64

// Option configures a [Source].
type Option func(*Source)

// WithFrameDuration sets the frame length. Defaults to 20ms.
func WithFrameDuration(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.frameDur = d
		}
	}
}

// WithRealtime paces frames at their playback rate instead of emitting
// them as fast as the consumer reads.
func WithRealtime(on bool) Option {
	return func(s *Source) { s.realtime = on }
}

// WithLoop restarts playback at the end of the file until closed.
func WithLoop(on bool) Option {
	return func(s *Source) { s.loop = on }
}

// Source emits the samples of a decoded WAV file as mono frames.
type Source struct {
	samples  []float32
	format   audio.Format
	frameDur time.Duration
	realtime bool
	loop     bool

	frames    chan audio.AudioFrame
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Open decodes the file at path and starts emitting frames.
func Open(path string, opts ...Option) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open %q: %w", path, err)
	}
	defer f.Close()

	samples, rate, err := audio.ReadWAV(f)
	if err != nil {
		return nil, fmt.Errorf("wavfile: %q: %w", path, err)
	}
	return New(samples, rate, opts...), nil
}

// New starts emitting the given mono samples recorded at rate.
func New(samples []float32, rate int, opts ...Option) *Source {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{
		samples:  samples,
		format:   audio.Format{SampleRate: rate, Channels: 1},
		frameDur: 20 * time.Millisecond,
		frames:   make(chan audio.AudioFrame, frameBuffer),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.run(ctx)
	return s
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.AudioFrame { return s.frames }

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// Done is closed once every frame has been emitted or the source was closed.
func (s *Source) Done() <-chan struct{} { return s.done }

// Close stops playback. It is safe to call more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *Source) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.frames)

	size := max(audio.SamplesFor(s.frameDur, s.format.SampleRate), 1)
	var ticker *time.Ticker
	if s.realtime {
		ticker = time.NewTicker(s.frameDur)
		defer ticker.Stop()
	}

	var emitted int
	for {
		for off := 0; off < len(s.samples); off += size {
			end := min(off+size, len(s.samples))
			frame := audio.AudioFrame{
				Data:       audio.Int16ToBytes(audio.Float32ToInt16(s.samples[off:end])),
				SampleRate: s.format.SampleRate,
				Channels:   1,
				Timestamp:  audio.DurationOf(emitted, s.format.SampleRate),
			}
			emitted += end - off

			if ticker != nil {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				// Live capture drops frames rather than stall.
				select {
				case s.frames <- frame:
				default:
				}
				continue
			}
			select {
			case <-ctx.Done():
				return
			case s.frames <- frame:
			}
		}
		if !s.loop || len(s.samples) == 0 {
			return
		}
	}
}
