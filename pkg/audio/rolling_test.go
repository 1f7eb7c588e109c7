package audio_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/wordwatch/pkg/audio"
)

// ramp returns n consecutive values starting at from.
func ramp(from, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(from + i)
	}
	return out
}

func TestRollingBuffer_SnapshotKeepsLastCapacity(t *testing.T) {
	tests := []struct {
		name   string
		chunks []int
	}{
		{"exact fill", []int{5, 5}},
		{"one over", []int{10, 1}},
		{"many small", []int{3, 3, 3, 3, 3, 3, 3, 3, 1}},
		{"uneven", []int{7, 9, 4, 2}},
		{"single huge append", []int{37}},
		{"wrap twice", []int{9, 9, 9}},
	}
	const capacity = 10
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := audio.NewRollingBuffer(capacity)
			next := 0
			for _, n := range tt.chunks {
				b.Append(ramp(next, n))
				next += n
			}
			want := ramp(max(0, next-capacity), min(next, capacity))
			if diff := cmp.Diff(want, b.Snapshot()); diff != "" {
				t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
			}
			if got := b.Len(); got != len(want) {
				t.Errorf("Len() = %d, want %d", got, len(want))
			}
		})
	}
}

func TestRollingBuffer_PartialFill(t *testing.T) {
	b := audio.NewRollingBuffer(10)
	b.Append(ramp(0, 4))
	if b.Filled() {
		t.Error("Filled() = true before wrap")
	}
	if diff := cmp.Diff(ramp(0, 4), b.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
}

func TestRollingBuffer_FilledExactlyOnWrap(t *testing.T) {
	b := audio.NewRollingBuffer(4)
	b.Append(ramp(0, 3))
	if b.Filled() {
		t.Fatal("Filled() = true at cursor 3 of 4")
	}
	b.Append(ramp(3, 1))
	if !b.Filled() {
		t.Fatal("Filled() = false after cursor wrapped to 0")
	}
}

func TestRollingBuffer_DrainEmpties(t *testing.T) {
	b := audio.NewRollingBuffer(8)
	b.Append(ramp(0, 11))

	drained := b.Drain()
	if diff := cmp.Diff(ramp(3, 8), drained); diff != "" {
		t.Errorf("Drain() mismatch (-want +got):\n%s", diff)
	}
	if got := b.Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot() after Drain has %d samples, want 0", len(got))
	}
	if got := b.LastAppended(); len(got) != 0 {
		t.Errorf("LastAppended() after Drain has %d samples, want 0", len(got))
	}
	if b.Filled() {
		t.Error("Filled() = true after Drain")
	}

	b.Append(ramp(100, 2))
	if diff := cmp.Diff(ramp(100, 2), b.Snapshot()); diff != "" {
		t.Errorf("Snapshot() after refill mismatch (-want +got):\n%s", diff)
	}
}

func TestRollingBuffer_SnapshotDoesNotMutate(t *testing.T) {
	b := audio.NewRollingBuffer(6)
	b.Append(ramp(0, 9))
	first := b.Snapshot()
	first[0] = -1
	if diff := cmp.Diff(ramp(3, 6), b.Snapshot()); diff != "" {
		t.Errorf("Snapshot() changed (-want +got):\n%s", diff)
	}
}

func TestRollingBuffer_LastAppendedAcrossWrap(t *testing.T) {
	tests := []struct {
		name   string
		before int
		last   int
	}{
		{"no wrap", 2, 5},
		{"wrap mid append", 8, 5},
		{"ends on boundary", 5, 5},
		{"starts on boundary", 10, 3},
		{"longer than capacity", 3, 14},
	}
	const capacity = 10
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapping := audio.NewRollingBuffer(capacity)
			wrapping.Append(ramp(0, tt.before))
			wrapping.Append(ramp(tt.before, tt.last))

			// Same logical content in a buffer that never wraps.
			flat := audio.NewRollingBuffer(1000)
			flat.Append(ramp(0, tt.before))
			flat.Append(ramp(tt.before, tt.last))

			want := flat.LastAppended()
			if tt.last > capacity {
				want = want[len(want)-capacity:]
			}
			if diff := cmp.Diff(want, wrapping.LastAppended()); diff != "" {
				t.Errorf("LastAppended() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRollingBuffer_ConcurrentAppendAndRead(t *testing.T) {
	b := audio.NewRollingBuffer(320 * 10)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 200 {
			b.Append(ramp(i*320, 320))
		}
	}()
	go func() {
		defer wg.Done()
		for range 200 {
			snap := b.Snapshot()
			for i := 1; i < len(snap); i++ {
				if snap[i] != snap[i-1]+1 {
					t.Errorf("snapshot not contiguous at %d: %v after %v", i, snap[i], snap[i-1])
					return
				}
			}
		}
	}()
	wg.Wait()
}

func TestNewRollingBuffer_PanicsOnZeroCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for zero capacity")
		}
	}()
	audio.NewRollingBuffer(0)
}

func TestRollingBuffer_DumpWAV(t *testing.T) {
	b := audio.NewRollingBufferFor(100*time.Millisecond, 16000)
	if b.Cap() != 1600 {
		t.Fatalf("Cap() = %d, want 1600", b.Cap())
	}
	b.Append(makeSine(1600, 16000, 440, 0.5))

	path := filepath.Join(t.TempDir(), "dump.wav")
	if err := b.DumpWAV(path, 16000); err != nil {
		t.Fatalf("DumpWAV: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open dump: %v", err)
	}
	defer f.Close()
	samples, rate, err := audio.ReadWAV(f)
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if rate != 16000 || len(samples) != 1600 {
		t.Errorf("ReadWAV = %d samples at %d Hz, want 1600 at 16000", len(samples), rate)
	}
}
