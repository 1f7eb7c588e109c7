package transcribe

import (
	"strings"
	"time"
)

// Recording is a timestamped block of normalized samples submitted for
// transcription. The worker never modifies Samples.
type Recording struct {
	Timestamp time.Time
	Samples   []float32
}

// Result is the text recognised in one window.
type Result struct {
	Text string
	// Recordings is how many Recordings were concatenated into the window.
	// It stays at 1 while the worker keeps up and grows when it falls behind.
	Recordings int
	// Latency is how long the engine took for the window.
	Latency time.Duration
}

// Batch is every Result produced since the previous retrieval, oldest first.
type Batch struct {
	Results []Result
}

// Empty reports whether the batch holds no results.
func (b Batch) Empty() bool { return len(b.Results) == 0 }

// Text joins all result texts with single spaces.
func (b Batch) Text() string {
	parts := make([]string, 0, len(b.Results))
	for _, r := range b.Results {
		if t := strings.TrimSpace(r.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Recordings returns the total number of recordings behind the batch.
func (b Batch) Recordings() int {
	n := 0
	for _, r := range b.Results {
		n += r.Recordings
	}
	return n
}

// Outcome classifies one loop iteration.
type Outcome int

const (
	// OutcomeIdle means the queue was empty.
	OutcomeIdle Outcome = iota
	// OutcomeOK means the engine returned text and it was published.
	OutcomeOK
	// OutcomeNoSpeech means the engine returned no text.
	OutcomeNoSpeech
	// OutcomeAbandoned means a reset discarded the result, or nothing in the
	// drained queue fit the window.
	OutcomeAbandoned
	// OutcomeFailed means the engine returned an error or panicked.
	OutcomeFailed
)

// String returns the outcome label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomeOK:
		return "ok"
	case OutcomeNoSpeech:
		return "no_speech"
	case OutcomeAbandoned:
		return "abandoned"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}
