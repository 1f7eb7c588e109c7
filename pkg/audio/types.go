package audio

import "time"

// AudioFrame is a short chunk of raw audio as captured from a [Source].
// Frames are immutable once captured and are handed from stage to stage;
// no stage keeps a reference after passing a frame on.
type AudioFrame struct {
	// Data holds little-endian int16 PCM, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for a microphone or Discord, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples decodes the frame payload into interleaved int16 samples.
func (f AudioFrame) Samples() []int16 {
	return BytesToInt16(f.Data)
}

// Duration returns the playback length of the frame. Frames with an unknown
// sample rate or channel count report zero.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	perChannel := len(f.Data) / 2 / f.Channels
	return time.Duration(perChannel) * time.Second / time.Duration(f.SampleRate)
}

// SamplesFor returns how many samples at rate cover d.
func SamplesFor(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}

// DurationOf returns the playback length of n mono samples at rate.
func DurationOf(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
