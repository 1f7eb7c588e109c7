// Package audio holds the streaming audio building blocks of wordwatch:
// frame types and PCM conversion, the [Resampler], the [RollingBuffer] and
// WAV helpers, plus the [Source] abstraction that capture adapters implement.
//
// Capture adapters live in sub-packages (audio/pulse, audio/wavfile,
// audio/discord, audio/wsingest). This package lives under pkg/ because
// third-party capture adapters are expected to implement [Source].
package audio

// Source delivers a live stream of captured frames.
//
// Frames arrive in capture order on the channel returned by Frames. The
// channel is closed when the source ends, either because the underlying
// stream finished or because Close was called. Producers must never block
// the capture path on a slow consumer; when the channel is full they drop
// the frame.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Frames returns the receive-only frame channel. Every call returns the
	// same channel.
	Frames() <-chan AudioFrame

	// Format reports the sample rate and channel count of delivered frames.
	Format() Format

	// Close stops capture and closes the frame channel. It is safe to call
	// more than once; subsequent calls return nil.
	Close() error
}
