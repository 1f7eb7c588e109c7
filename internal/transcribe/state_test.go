package transcribe

import (
	"strings"
	"testing"
	"time"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateUninitialized, StateInitializing, true},
		{StateInitializing, StateRunning, true},
		{StateInitializing, StateTerminated, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateTerminated, true},
		{StateTerminated, StateInitializing, true},
		{StateRunning, StateInitializing, false},
		{StateStopping, StateRunning, false},
		{StateUninitialized, StateRunning, false},
		{StateTerminated, StateRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			err := transition(tt.from, tt.to)
			if (err == nil) != tt.ok {
				t.Fatalf("transition(%s, %s) err = %v, want ok=%v", tt.from, tt.to, err, tt.ok)
			}
			if err != nil && !strings.Contains(err.Error(), "illegal state transition") {
				t.Errorf("unexpected error text %q", err)
			}
		})
	}
}

func TestState_Active(t *testing.T) {
	active := map[State]bool{
		StateUninitialized: false,
		StateInitializing:  true,
		StateRunning:       true,
		StateStopping:      true,
		StateTerminated:    false,
	}
	for s, want := range active {
		if got := s.Active(); got != want {
			t.Errorf("%s.Active() = %v, want %v", s, got, want)
		}
	}
	if got := State(42).String(); got != "State(42)" {
		t.Errorf("unknown state String() = %q", got)
	}
}

func TestBatch(t *testing.T) {
	b := Batch{Results: []Result{
		{Text: " there was a ", Recordings: 1},
		{Text: "   ", Recordings: 2},
		{Text: "boom", Recordings: 3},
	}}
	if got := b.Text(); got != "there was a boom" {
		t.Errorf("Text() = %q", got)
	}
	if got := b.Recordings(); got != 6 {
		t.Errorf("Recordings() = %d, want 6", got)
	}
	if b.Empty() || !(Batch{}).Empty() {
		t.Error("Empty() wrong")
	}
}

func TestWorker_PadAndCoalesce(t *testing.T) {
	w := New(nil, "", WithSampleRate(1000), WithMinWindow(100*time.Millisecond), WithMaxWindow(500*time.Millisecond))

	if got := len(w.pad(make([]float32, 10))); got != 100 {
		t.Errorf("pad short = %d, want 100", got)
	}
	if got := len(w.pad(make([]float32, 300))); got != 300 {
		t.Errorf("pad long = %d, want 300 (unchanged)", got)
	}

	batch := []Recording{
		{Samples: make([]float32, 200)},
		{Samples: make([]float32, 300)},
		{Samples: make([]float32, 1)},
	}
	window, used := w.coalesce(batch)
	if used != 2 || len(window) != 500 {
		t.Errorf("coalesce = %d samples from %d recordings, want 500 from 2", len(window), used)
	}

	window, used = w.coalesce([]Recording{{Samples: make([]float32, 501)}, {Samples: make([]float32, 1)}})
	if used != 0 || len(window) != 0 {
		t.Errorf("oversized head: got %d samples from %d recordings, want nothing", len(window), used)
	}
}
