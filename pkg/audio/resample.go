package audio

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/window"
)

const (
	defaultZeroCrossings = 16
	defaultRolloff       = 0.9
)

// ResamplerOption is a functional option for [NewResampler].
type ResamplerOption func(*Resampler)

// WithZeroCrossings sets how many zero crossings of the sinc kernel are kept
// on each side of the centre tap. More crossings give a steeper transition
// band at the cost of more taps.
func WithZeroCrossings(n int) ResamplerOption {
	return func(r *Resampler) {
		if n > 0 {
			r.zeroCrossings = n
		}
	}
}

// WithRolloff sets the low-pass cutoff as a fraction of the lower of the two
// Nyquist frequencies. Values outside (0, 1] are ignored.
func WithRolloff(f float64) ResamplerOption {
	return func(r *Resampler) {
		if f > 0 && f <= 1 {
			r.rolloff = f
		}
	}
}

// Resampler converts a continuous mono stream between two sample rates with
// a polyphase windowed-sinc FIR filter.
//
// The conversion ratio is reduced to L/M. Conceptually the input is
// upsampled by L, low-pass filtered and decimated by M; only the filter taps
// that land on real input samples are evaluated. The tail of the input that
// the filter still needs is kept between calls, so a stream fed in arbitrary
// pieces yields exactly the samples it would yield in one piece.
//
// A Resampler carries stream state and must not be shared between streams
// or used from several goroutines at once.
type Resampler struct {
	inRate, outRate int
	up, down        int64 // L and M

	zeroCrossings int
	rolloff       float64

	// coeffs are the prototype filter taps, pre-scaled by L so each
	// polyphase branch has unity DC gain.
	coeffs []float64

	// history holds the most recent input samples ending at absolute
	// index consumed-1.
	history  []float32
	consumed int64 // input samples seen so far
	produced int64 // output samples emitted so far
}

// NewResampler builds a Resampler from inRate to outRate Hz.
func NewResampler(inRate, outRate int, opts ...ResamplerOption) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("audio: resampler: invalid rates %d -> %d", inRate, outRate)
	}
	g := gcd(inRate, outRate)
	r := &Resampler{
		inRate:        inRate,
		outRate:       outRate,
		up:            int64(outRate / g),
		down:          int64(inRate / g),
		zeroCrossings: defaultZeroCrossings,
		rolloff:       defaultRolloff,
	}
	for _, o := range opts {
		o(r)
	}
	r.coeffs = r.design()

	histLen := (r.down+int64(len(r.coeffs)))/r.up + 2
	r.history = make([]float32, histLen)
	return r, nil
}

// design computes the prototype low-pass filter at the upsampled rate.
func (r *Resampler) design() []float64 {
	span := max(r.up, r.down)
	taps := 2*int64(r.zeroCrossings)*span + 1
	// Cutoff in cycles per upsampled sample.
	fc := r.rolloff * 0.5 / float64(span)
	centre := float64(taps-1) / 2

	h := make([]float64, taps)
	for i := range h {
		h[i] = 2 * fc * sinc(2*fc*(float64(i)-centre))
	}
	h = window.Blackman(h)

	var sum float64
	for _, v := range h {
		sum += v
	}
	scale := float64(r.up) / sum
	for i := range h {
		h[i] *= scale
	}
	return h
}

// InputRate returns the input sample rate in Hz.
func (r *Resampler) InputRate() int { return r.inRate }

// OutputRate returns the output sample rate in Hz.
func (r *Resampler) OutputRate() int { return r.outRate }

// Taps returns the prototype filter length.
func (r *Resampler) Taps() int { return len(r.coeffs) }

// Delay returns the filter's group delay measured in output samples.
func (r *Resampler) Delay() int {
	return int(float64(len(r.coeffs)-1) / 2 / float64(r.down))
}

// Process converts the next piece of the stream. After n input samples in
// total the Resampler has emitted exactly ⌊n·out/in⌋ output samples.
func (r *Resampler) Process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	if r.up == r.down {
		out := make([]float32, len(in))
		copy(out, in)
		r.consumed += int64(len(in))
		r.produced += int64(len(in))
		return out
	}

	hist := int64(len(r.history))
	buf := make([]float32, 0, hist+int64(len(in)))
	buf = append(buf, r.history...)
	buf = append(buf, in...)
	base := r.consumed - hist // absolute index of buf[0]

	total := r.consumed + int64(len(in))
	end := total * r.up / r.down
	out := make([]float32, end-r.produced)

	taps := int64(len(r.coeffs))
	for n := r.produced; n < end; n++ {
		t := n * r.down // position on the upsampled grid
		j := t / r.up   // newest input sample reaching this output
		k := t - j*r.up // its tap index
		var acc float64
		for ; k < taps && j >= base; k, j = k+r.up, j-1 {
			acc += r.coeffs[k] * float64(buf[j-base])
		}
		out[n-r.produced] = clampUnit(float32(acc))
	}

	r.consumed = total
	r.produced = end
	copy(r.history, buf[int64(len(buf))-hist:])
	return out
}

// ProcessInt16 normalizes pcm and converts it.
func (r *Resampler) ProcessInt16(pcm []int16) []float32 {
	return r.Process(Int16ToFloat32(pcm))
}

// ProcessFrame downmixes frame to mono and converts it. The frame's sample
// rate is expected to match [Resampler.InputRate].
func (r *Resampler) ProcessFrame(frame AudioFrame) []float32 {
	return r.Process(FrameSamples(frame))
}

// Reset forgets all stream state, as if the Resampler were new.
func (r *Resampler) Reset() {
	clear(r.history)
	r.consumed = 0
	r.produced = 0
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
