package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// FrameDecoder turns raw [AudioFrame] payloads into mono normalized samples.
// It logs a warning on the first format change and on the first corrupt
// frame instead of flooding the log once per frame.
// Create one per stream; not designed for shared use across goroutines.
type FrameDecoder struct {
	// Expect is the format the stream is supposed to deliver. A zero value
	// disables the mismatch warning.
	Expect Format

	// Log defaults to slog.Default().
	Log *slog.Logger

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Decode returns the frame as mono samples in [-1, 1]. Frames with an odd
// byte count cannot hold int16 PCM and decode to nil.
func (d *FrameDecoder) Decode(frame AudioFrame) []float32 {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	if len(frame.Data)%2 != 0 {
		d.warnedCorrupt.Do(func() {
			log.Warn("audio decoder: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"format", formatString(frame.SampleRate, frame.Channels),
			)
		})
		return nil
	}
	if d.Expect != (Format{}) && (frame.SampleRate != d.Expect.SampleRate || frame.Channels != d.Expect.Channels) {
		d.warnedMismatch.Do(func() {
			log.Warn("audio decoder: unexpected frame format",
				"got", formatString(frame.SampleRate, frame.Channels),
				"want", d.Expect.String(),
			)
		})
	}
	return FrameSamples(frame)
}

// FrameSamples decodes, downmixes and normalizes a frame in one step.
func FrameSamples(frame AudioFrame) []float32 {
	pcm := BytesToInt16(frame.Data)
	if frame.Channels > 1 {
		pcm = DownmixInt16(pcm, frame.Channels)
	}
	return Int16ToFloat32(pcm)
}

// Int16ToFloat32 normalizes PCM samples to [-1, 1] by dividing by 32768.
func Int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = clampUnit(float32(s) / 32768.0)
	}
	return out
}

// Float32ToInt16 converts normalized samples back to PCM, clamping anything
// outside [-1, 1].
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := int32(clampUnit(s) * 32768.0)
		if v > 32767 {
			v = 32767
		}
		out[i] = int16(v)
	}
	return out
}

// DownmixInt16 averages each interleaved group of channels into a single
// mono sample. Uses int32 arithmetic to prevent overflow.
func DownmixInt16(pcm []int16, channels int) []int16 {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for c := range channels {
			sum += int32(pcm[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// BytesToInt16 converts little-endian bytes to int16 samples. A trailing odd
// byte is ignored.
func BytesToInt16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Int16ToBytes converts int16 samples to little-endian bytes.
func Int16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

func clampUnit(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
