package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/wordwatch/internal/resilience"
	"github.com/MrWong99/wordwatch/pkg/provider/stt"
	sttmock "github.com/MrWong99/wordwatch/pkg/provider/stt/mock"
)

var errDown = errors.New("backend down")

func breakerCfg() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}
}

func TestFailover_OpenUsesFirstHealthyBackend(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{OpenErr: errDown}
	secondary := &sttmock.Provider{Session: &sttmock.Session{Text: "boom"}}
	f := resilience.NewFailover(breakerCfg()).
		Add("primary", primary, "").
		Add("secondary", secondary, "tiny.bin")

	h, err := f.Open(context.Background(), "base.bin", stt.Options{Language: "en"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	if got := secondary.OpenCalls[0].ModelPath; got != "tiny.bin" {
		t.Errorf("secondary model = %q, want its own override", got)
	}
	if got := primary.OpenCalls[0].ModelPath; got != "base.bin" {
		t.Errorf("primary model = %q, want the caller's", got)
	}
	if got := secondary.OpenCalls[0].Opts.Language; got != "en" {
		t.Errorf("options not forwarded: language %q", got)
	}

	text, err := h.Transcribe(context.Background(), make([]float32, 160))
	if err != nil || text != "boom" {
		t.Fatalf("Transcribe = %q, %v", text, err)
	}
}

func TestFailover_OpenAllFail(t *testing.T) {
	t.Parallel()

	f := resilience.NewFailover(breakerCfg()).
		Add("a", &sttmock.Provider{OpenErr: errDown}, "").
		Add("b", &sttmock.Provider{OpenErr: errDown}, "")
	_, err := f.Open(context.Background(), "m", stt.Options{})
	if !errors.Is(err, resilience.ErrAllFailed) || !errors.Is(err, errDown) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the backend errors", err)
	}

	if _, err := resilience.NewFailover(breakerCfg()).Open(context.Background(), "m", stt.Options{}); err == nil {
		t.Fatal("empty failover opened")
	}
}

func TestFailover_TranscribeFailsOverLazily(t *testing.T) {
	t.Parallel()

	primarySess := &sttmock.Session{TranscribeErr: errDown}
	secondarySess := &sttmock.Session{Text: "fallback"}
	secondary := &sttmock.Provider{Session: secondarySess}
	f := resilience.NewFailover(breakerCfg()).
		Add("primary", &sttmock.Provider{Session: primarySess}, "").
		Add("secondary", secondary, "")

	h, err := f.Open(context.Background(), "m", stt.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if secondary.OpenCallCount() != 0 {
		t.Fatal("secondary opened before it was needed")
	}

	for i := range 3 {
		text, err := h.Transcribe(context.Background(), []float32{0.1})
		if err != nil || text != "fallback" {
			t.Fatalf("window %d: %q, %v", i, text, err)
		}
	}

	// The primary breaker opened after two failures and stopped being called.
	if n := primarySess.TranscribeCallCount(); n != 2 {
		t.Errorf("primary calls = %d, want 2", n)
	}
	if secondary.OpenCallCount() != 1 {
		t.Errorf("secondary opened %d times, want 1", secondary.OpenCallCount())
	}
	if got := f.Breakers()["primary"]; got != resilience.StateOpen {
		t.Errorf("primary breaker = %v, want open", got)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !primarySess.Closed() || !secondarySess.Closed() {
		t.Error("Close did not close every opened session")
	}
	if _, err := h.Transcribe(context.Background(), nil); !errors.Is(err, stt.ErrClosed) {
		t.Errorf("Transcribe after Close err = %v, want ErrClosed", err)
	}
}

func TestFailover_TranscribeAllFail(t *testing.T) {
	t.Parallel()

	f := resilience.NewFailover(breakerCfg()).
		Add("only", &sttmock.Provider{Session: &sttmock.Session{TranscribeErr: errDown}}, "")
	h, err := f.Open(context.Background(), "m", stt.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	_, err = h.Transcribe(context.Background(), nil)
	if !errors.Is(err, resilience.ErrAllFailed) || !errors.Is(err, errDown) {
		t.Fatalf("err = %v", err)
	}
	if got := f.Names(); len(got) != 1 || got[0] != "only" {
		t.Errorf("Names() = %v", got)
	}
}

func TestFailover_ContextCancellationStopsFailover(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	primary := &sttmock.Session{Func: func(ctx context.Context, _ []float32) (string, error) {
		cancel()
		return "", ctx.Err()
	}}
	secondary := &sttmock.Provider{}
	f := resilience.NewFailover(breakerCfg()).
		Add("primary", &sttmock.Provider{Session: primary}, "").
		Add("secondary", secondary, "")
	h, err := f.Open(context.Background(), "m", stt.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if _, err := h.Transcribe(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if secondary.OpenCallCount() != 0 {
		t.Error("failed over after cancellation")
	}
}
