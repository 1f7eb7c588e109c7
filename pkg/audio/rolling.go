package audio

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// RollingBuffer is a fixed-capacity circular buffer of normalized samples.
// Once full it overwrites the oldest audio. Besides the whole content it can
// hand out just the region written by the most recent [RollingBuffer.Append],
// which lets a lagging consumer skip audio it already submitted.
//
// All read methods return copies in chronological order; whether the buffer
// has wrapped is never visible to the caller.
//
// RollingBuffer is safe for concurrent use.
type RollingBuffer struct {
	mu sync.Mutex

	buf    []float32
	cursor int
	filled bool

	lastStart int
	lastLen   int
}

// NewRollingBuffer creates a buffer holding up to capacity samples.
// It panics if capacity is not positive.
func NewRollingBuffer(capacity int) *RollingBuffer {
	if capacity <= 0 {
		panic(fmt.Sprintf("audio: rolling buffer capacity must be positive, got %d", capacity))
	}
	return &RollingBuffer{buf: make([]float32, capacity)}
}

// NewRollingBufferFor creates a buffer holding window worth of audio at
// sampleRate.
func NewRollingBufferFor(window time.Duration, sampleRate int) *RollingBuffer {
	return NewRollingBuffer(SamplesFor(window, sampleRate))
}

// Append writes samples at the cursor, wrapping around as needed. If more
// than Cap samples are written at once only the newest Cap survive, and only
// those count as the last appended region.
func (b *RollingBuffer) Append(samples []float32) {
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.buf)
	n := len(samples)
	for len(samples) > 0 {
		w := copy(b.buf[b.cursor:], samples)
		samples = samples[w:]
		b.cursor += w
		if b.cursor == capacity {
			b.cursor = 0
			b.filled = true
		}
	}

	b.lastLen = min(n, capacity)
	b.lastStart = (b.cursor - b.lastLen + capacity) % capacity
}

// Snapshot returns every stored sample, oldest first, leaving the buffer
// untouched.
func (b *RollingBuffer) Snapshot() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.linearize()
}

// Drain returns the same samples as [RollingBuffer.Snapshot] and empties the
// buffer.
func (b *RollingBuffer) Drain() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.linearize()
	b.cursor = 0
	b.filled = false
	b.lastStart = 0
	b.lastLen = 0
	return out
}

// LastAppended returns the samples written by the most recent Append.
// After a Drain it returns an empty slice.
func (b *RollingBuffer) LastAppended() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]float32, b.lastLen)
	end := b.lastStart + b.lastLen
	if end <= len(b.buf) {
		copy(out, b.buf[b.lastStart:end])
		return out
	}
	n := copy(out, b.buf[b.lastStart:])
	copy(out[n:], b.buf[:end-len(b.buf)])
	return out
}

// Len returns the number of stored samples.
func (b *RollingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used()
}

// Cap returns the capacity in samples.
func (b *RollingBuffer) Cap() int {
	return len(b.buf)
}

// Filled reports whether the cursor has wrapped at least once since the last
// drain.
func (b *RollingBuffer) Filled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filled
}

// DumpWAV writes the current content to path as a 16-bit mono WAV file.
// It is a debugging aid and does not modify the buffer.
func (b *RollingBuffer) DumpWAV(path string, sampleRate int) error {
	samples := b.Snapshot()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: dump wav: %w", err)
	}
	if err := WriteWAV(f, samples, sampleRate); err != nil {
		_ = f.Close()
		return fmt.Errorf("audio: dump wav: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("audio: dump wav: %w", err)
	}
	return nil
}

func (b *RollingBuffer) used() int {
	if b.filled {
		return len(b.buf)
	}
	return b.cursor
}

// linearize copies the stored samples out, tail segment first when wrapped.
// Callers must hold mu.
func (b *RollingBuffer) linearize() []float32 {
	out := make([]float32, b.used())
	if !b.filled {
		copy(out, b.buf[:b.cursor])
		return out
	}
	n := copy(out, b.buf[b.cursor:])
	copy(out[n:], b.buf[:b.cursor])
	return out
}
