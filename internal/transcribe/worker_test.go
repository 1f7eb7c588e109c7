package transcribe_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/wordwatch/internal/observe"
	"github.com/MrWong99/wordwatch/internal/transcribe"
	"github.com/MrWong99/wordwatch/pkg/provider/stt"
	"github.com/MrWong99/wordwatch/pkg/provider/stt/mock"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

const minWindowSamples = 16800 // 1050 ms at 16 kHz

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// gate is an engine whose calls block until the test releases them one by
// one. Cleanup unblocks everything so no goroutine outlives the test.
type gate struct {
	texts   []string
	calls   atomic.Int32
	started chan int
	release chan struct{}
	open    chan struct{}
	once    sync.Once
}

func newGate(t *testing.T, texts ...string) (*gate, *mock.Session) {
	g := &gate{
		texts:   texts,
		started: make(chan int, 64),
		release: make(chan struct{}),
		open:    make(chan struct{}),
	}
	t.Cleanup(g.unblock)
	sess := &mock.Session{Func: func(_ context.Context, _ []float32) (string, error) {
		n := int(g.calls.Add(1))
		g.started <- n
		select {
		case <-g.release:
		case <-g.open:
		}
		if n <= len(g.texts) {
			return g.texts[n-1], nil
		}
		return "", nil
	}}
	return g, sess
}

// waitStarted blocks until call n has entered the engine.
func (g *gate) waitStarted(t *testing.T, n int) {
	t.Helper()
	for {
		select {
		case got := <-g.started:
			if got == n {
				return
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("engine call %d never started", n)
		}
	}
}

func (g *gate) next()    { g.release <- struct{}{} }
func (g *gate) unblock() { g.once.Do(func() { close(g.open) }) }

// startWorker starts a worker over sess and waits until it is running.
func startWorker(t *testing.T, sess stt.SessionHandle, opts ...transcribe.Option) *transcribe.Worker {
	t.Helper()
	w := transcribe.New(&mock.Provider{Session: sess}, "model.bin", opts...)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = w.Shutdown(3 * time.Second) })
	select {
	case <-w.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("worker never became ready")
	}
	return w
}

// collectResults drains results until want texts have arrived.
func collectResults(t *testing.T, w *transcribe.Worker, want int) []transcribe.Result {
	t.Helper()
	var got []transcribe.Result
	waitFor(t, "results", func() bool {
		got = append(got, w.Results().Results...)
		return len(got) >= want
	})
	return got
}

// ─── lifecycle ────────────────────────────────────────────────────────────────

func TestWorker_TranscribesSubmittedAudio(t *testing.T) {
	sess := &mock.Session{Text: "  boom  "}
	w := startWorker(t, sess)

	if w.State() != transcribe.StateRunning {
		t.Fatalf("state = %v, want running", w.State())
	}
	if err := w.Transcribe(filled(1600, 0.1)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	res := collectResults(t, w, 1)
	if res[0].Text != "boom" || res[0].Recordings != 1 {
		t.Errorf("result = %+v, want text boom from 1 recording", res[0])
	}
	if b := w.Results(); !b.Empty() {
		t.Errorf("second Results returned %d results, want none", len(b.Results))
	}
}

func TestWorker_SubmitWhenNotRunning(t *testing.T) {
	w := transcribe.New(&mock.Provider{}, "model.bin")
	if err := w.Transcribe([]float32{0}); !errors.Is(err, transcribe.ErrNotRunning) {
		t.Errorf("before Start: err = %v, want ErrNotRunning", err)
	}

	sess := &mock.Session{}
	w = startWorker(t, sess)
	if err := w.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := w.Transcribe([]float32{0}); !errors.Is(err, transcribe.ErrNotRunning) {
		t.Errorf("after Shutdown: err = %v, want ErrNotRunning", err)
	}
}

func TestWorker_StartTwice(t *testing.T) {
	w := startWorker(t, &mock.Session{})
	if err := w.Start(context.Background()); !errors.Is(err, transcribe.ErrAlreadyActive) {
		t.Errorf("err = %v, want ErrAlreadyActive", err)
	}
}

func TestWorker_OpenFailure(t *testing.T) {
	openErr := errors.New("model not found")
	p := &mock.Provider{OpenErr: openErr}
	w := transcribe.New(p, "missing.bin", transcribe.WithEngineOptions(stt.Options{Language: "de"}))

	err := w.Start(context.Background())
	if !errors.Is(err, openErr) {
		t.Fatalf("err = %v, want wrapped open error", err)
	}
	if w.State() != transcribe.StateTerminated {
		t.Errorf("state = %v, want terminated", w.State())
	}
	select {
	case <-w.Done():
	default:
		t.Error("Done not closed after failed start")
	}
	if p.OpenCalls[0].ModelPath != "missing.bin" || p.OpenCalls[0].Opts.Language != "de" {
		t.Errorf("open call = %+v", p.OpenCalls[0])
	}

	// A failed start leaves the worker restartable.
	p.OpenErr = nil
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	_ = w.Shutdown(time.Second)
}

func TestWorker_ShutdownClosesSessionAndAllowsRestart(t *testing.T) {
	sess := &mock.Session{Text: "x"}
	p := &mock.Provider{Session: sess}
	w := transcribe.New(p, "model.bin")

	for i := range 2 {
		if err := w.Start(context.Background()); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		<-w.Ready()
		if err := w.Shutdown(time.Second); err != nil {
			t.Fatalf("shutdown %d: %v", i, err)
		}
		if w.State() != transcribe.StateTerminated {
			t.Errorf("state = %v, want terminated", w.State())
		}
	}
	if p.OpenCallCount() != 2 || sess.CloseCallCount != 2 {
		t.Errorf("opens=%d closes=%d, want 2 each", p.OpenCallCount(), sess.CloseCallCount)
	}
	if err := w.Shutdown(time.Second); err != nil {
		t.Errorf("Shutdown on terminated worker: %v", err)
	}
}

func TestWorker_ShutdownTimeoutIsUnrecoverable(t *testing.T) {
	g, sess := newGate(t)
	w := transcribe.New(&mock.Provider{Session: sess}, "model.bin")
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-w.Ready()
	_ = w.Transcribe(filled(100, 0.1))
	g.waitStarted(t, 1)

	if err := w.Shutdown(30 * time.Millisecond); !errors.Is(err, transcribe.ErrShutdownTimeout) {
		t.Fatalf("err = %v, want ErrShutdownTimeout", err)
	}
	if w.State() != transcribe.StateStopping {
		t.Errorf("state = %v, want stopping", w.State())
	}

	g.unblock()
	<-w.Done()
	if err := w.Start(context.Background()); !errors.Is(err, transcribe.ErrUnrecoverable) {
		t.Errorf("Start after timeout: err = %v, want ErrUnrecoverable", err)
	}
}

// ─── windows ──────────────────────────────────────────────────────────────────

func TestWorker_PadsShortWindowsAtTheTail(t *testing.T) {
	sess := &mock.Session{Text: "x"}
	w := startWorker(t, sess)

	_ = w.Transcribe(filled(100, 0.5))
	collectResults(t, w, 1)

	calls := sess.Calls()
	got := calls[0].Samples
	if len(got) != minWindowSamples {
		t.Fatalf("window length = %d, want %d", len(got), minWindowSamples)
	}
	for i := range 100 {
		if got[i] != 0.5 {
			t.Fatalf("sample %d = %v, audio must stay at the head", i, got[i])
		}
	}
	for i := 100; i < len(got); i++ {
		if got[i] != 0 {
			t.Fatalf("sample %d = %v, want zero padding", i, got[i])
		}
	}
}

func TestWorker_CoalescesBacklogIntoOneWindow(t *testing.T) {
	g, sess := newGate(t, "first", "second")
	w := startWorker(t, sess)

	_ = w.Transcribe(filled(100, 0.1))
	g.waitStarted(t, 1)

	// Queued while the engine is busy: merged into the next window.
	_ = w.Transcribe(filled(10000, 0.2))
	_ = w.Transcribe(filled(10000, 0.3))
	if w.Backlog() != 2 {
		t.Errorf("Backlog = %d, want 2", w.Backlog())
	}

	g.next()
	g.waitStarted(t, 2)
	g.next()

	res := collectResults(t, w, 2)
	if res[1].Text != "second" || res[1].Recordings != 2 {
		t.Errorf("second result = %+v, want 2 recordings", res[1])
	}
	win := sess.Calls()[1].Samples
	if len(win) != 20000 || win[0] != 0.2 || win[10000] != 0.3 {
		t.Errorf("merged window: len=%d first=%v mid=%v", len(win), win[0], win[10000])
	}
}

func TestWorker_OverflowAbandonsRemainder(t *testing.T) {
	g, sess := newGate(t, "first", "second", "third")
	w := startWorker(t, sess, transcribe.WithMaxWindow(2*time.Second)) // 32000 samples

	_ = w.Transcribe(filled(100, 0.1))
	g.waitStarted(t, 1)

	_ = w.Transcribe(filled(20000, 0.25)) // fits
	_ = w.Transcribe(filled(12001, 0.5))  // 32001 > 32000: abandoned
	_ = w.Transcribe(filled(100, 0.75))   // after the overflow: abandoned

	g.next()
	g.waitStarted(t, 2)
	g.next()

	res := collectResults(t, w, 2)
	if res[1].Recordings != 1 {
		t.Errorf("second window merged %d recordings, want 1", res[1].Recordings)
	}
	win := sess.Calls()[1].Samples
	if len(win) != 20000 {
		t.Fatalf("window length = %d, want 20000", len(win))
	}
	for i, v := range win {
		if v != 0.25 {
			t.Fatalf("sample %d = %v: abandoned audio leaked into the window", i, v)
		}
	}
	if w.Backlog() != 0 {
		t.Errorf("Backlog = %d, want 0", w.Backlog())
	}

	// Nothing else reaches the engine.
	time.Sleep(50 * time.Millisecond)
	if n := sess.TranscribeCallCount(); n != 2 {
		t.Errorf("engine calls = %d, want 2", n)
	}
}

func TestWorker_SingleOversizedRecordingIsAbandoned(t *testing.T) {
	sess := &mock.Session{Text: "never"}
	w := startWorker(t, sess, transcribe.WithMaxWindow(time.Second))

	if err := w.Transcribe(filled(16001, 0.1)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	waitFor(t, "queue drained", func() bool { return w.Backlog() == 0 })
	time.Sleep(50 * time.Millisecond)
	if n := sess.TranscribeCallCount(); n != 0 {
		t.Errorf("engine calls = %d, want 0", n)
	}
	if w.State() != transcribe.StateRunning {
		t.Errorf("state = %v, want running", w.State())
	}
}

func TestWorker_ResetDropsInFlightResult(t *testing.T) {
	g, sess := newGate(t, "discard me", "keep me")
	w := startWorker(t, sess)

	_ = w.Transcribe(filled(100, 0.1))
	g.waitStarted(t, 1)
	_ = w.Transcribe(filled(100, 0.2)) // queued, cleared by Reset

	w.Reset()
	if w.Backlog() != 0 {
		t.Errorf("Backlog after Reset = %d, want 0", w.Backlog())
	}
	g.next()

	_ = w.Transcribe(filled(100, 0.3))
	g.waitStarted(t, 2)
	g.next()

	res := collectResults(t, w, 1)
	if len(res) != 1 || res[0].Text != "keep me" {
		t.Errorf("results = %+v, want only the post-reset window", res)
	}
	if win := sess.Calls()[1].Samples; win[0] != 0.3 {
		t.Errorf("second window starts with %v, want the post-reset recording", win[0])
	}
}

func TestWorker_EngineFailuresDoNotStopTheLoop(t *testing.T) {
	var n atomic.Int32
	sess := &mock.Session{Func: func(context.Context, []float32) (string, error) {
		switch n.Add(1) {
		case 1:
			return "", errors.New("engine exploded")
		case 2:
			panic("cgo went sideways")
		case 3:
			return " \t\n", nil
		default:
			return "survived", nil
		}
	}}
	w := startWorker(t, sess)

	for i := range 4 {
		_ = w.Transcribe(filled(100, 0.1))
		waitFor(t, "engine call", func() bool { return sess.TranscribeCallCount() == i+1 })
	}

	res := collectResults(t, w, 1)
	if len(res) != 1 || res[0].Text != "survived" {
		t.Errorf("results = %+v, want only the successful window", res)
	}
	if w.State() != transcribe.StateRunning {
		t.Errorf("state = %v, want running", w.State())
	}
}

// ─── warm-up ──────────────────────────────────────────────────────────────────

func TestWorker_WarmupRunsBeforeReady(t *testing.T) {
	sess := &mock.Session{Text: "and so my fellow americans"}
	ready := make(chan bool, 1)
	w := startWorker(t, sess,
		transcribe.WithWarmup(filled(8000, 0.1)),
		transcribe.WithOnReady(func(ok bool) { ready <- ok }),
	)

	if ok := <-ready; !ok {
		t.Error("onReady reported a failed warm-up")
	}
	if n := sess.TranscribeCallCount(); n != 1 {
		t.Fatalf("engine calls = %d, want 1 warm-up call", n)
	}
	if got := len(sess.Calls()[0].Samples); got != minWindowSamples {
		t.Errorf("warm-up window = %d samples, want padded %d", got, minWindowSamples)
	}
	if !w.Results().Empty() {
		t.Error("warm-up text was published as a result")
	}
}

func TestWorker_FailedWarmupStillRuns(t *testing.T) {
	sess := &mock.Session{TranscribeErr: errors.New("gpu lost")}
	ready := make(chan bool, 1)
	w := startWorker(t, sess,
		transcribe.WithWarmup(filled(100, 0.1)),
		transcribe.WithOnReady(func(ok bool) { ready <- ok }),
	)
	if ok := <-ready; ok {
		t.Error("onReady reported success for a failed warm-up")
	}
	if err := w.Transcribe(filled(100, 0.1)); err != nil {
		t.Errorf("Transcribe after failed warm-up: %v", err)
	}
}

// ─── backpressure ─────────────────────────────────────────────────────────────

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestWorker_TimeBehind(t *testing.T) {
	clk := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	t0 := clk.Now()
	g, sess := newGate(t)
	w := startWorker(t, sess, transcribe.WithClock(clk.Now))

	if d := w.TimeBehind(); d != 0 {
		t.Errorf("idle TimeBehind = %v, want 0", d)
	}

	_ = w.Submit(transcribe.Recording{Timestamp: t0.Add(-4 * time.Second), Samples: filled(100, 0.1)})
	g.waitStarted(t, 1)

	// Lag grows while the engine is busy.
	clk.Advance(2 * time.Second)
	if d := w.TimeBehind(); d != 2*time.Second {
		t.Errorf("TimeBehind during first window = %v, want 2s", d)
	}

	_ = w.Submit(transcribe.Recording{Timestamp: t0.Add(time.Second), Samples: filled(100, 0.1)})
	g.next()
	g.waitStarted(t, 2)

	// Last observed is now the first window's recording: 2s - (-4s).
	if d := w.TimeBehind(); d != 6*time.Second {
		t.Errorf("TimeBehind during second window = %v, want 6s", d)
	}
	_ = w.Transcribe(filled(100, 0.1))
	if w.Backlog() != 1 {
		t.Errorf("Backlog = %d, want 1", w.Backlog())
	}
	g.unblock()
}

type fakeBuffer struct{}

func (fakeBuffer) Snapshot() []float32     { return filled(5, 0.1) }
func (fakeBuffer) LastAppended() []float32 { return filled(3, 0.9) }

func TestWorker_TranscribeBuffer(t *testing.T) {
	g, sess := newGate(t)
	w := startWorker(t, sess)

	// No backlog: the full snapshot is sent.
	if err := w.TranscribeBuffer(fakeBuffer{}); err != nil {
		t.Fatalf("TranscribeBuffer: %v", err)
	}
	g.waitStarted(t, 1)
	if win := sess.Calls()[0].Samples; win[0] != 0.1 || win[4] != 0.1 || win[5] != 0 {
		t.Errorf("first window does not hold the snapshot: %v", win[:6])
	}

	// Backlog: only the newest append.
	_ = w.Transcribe(filled(10, 0.5))
	_ = w.TranscribeBuffer(fakeBuffer{})
	g.next()
	g.waitStarted(t, 2)
	win := sess.Calls()[1].Samples
	if win[9] != 0.5 || win[10] != 0.9 || win[12] != 0.9 || win[13] != 0 {
		t.Errorf("second window = %v, want 10x0.5 then 3x0.9", win[:14])
	}
	g.unblock()
}

// ─── metrics ──────────────────────────────────────────────────────────────────

func TestWorker_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	sess := &mock.Session{Script: []string{"one", ""}}
	w := startWorker(t, sess, transcribe.WithMetrics(m), transcribe.WithMaxWindow(time.Second))

	_ = w.Transcribe(filled(100, 0.1))
	collectResults(t, w, 1)
	_ = w.Transcribe(filled(100, 0.1))
	waitFor(t, "second call", func() bool { return sess.TranscribeCallCount() == 2 })
	_ = w.Transcribe(filled(20000, 0.1))
	waitFor(t, "oversized drained", func() bool { return w.Backlog() == 0 })

	outcomes := map[string]int64{}
	var abandoned int64
	waitFor(t, "metrics", func() bool {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("Collect: %v", err)
		}
		for _, sm := range rm.ScopeMetrics {
			for _, met := range sm.Metrics {
				sum, ok := met.Data.(metricdata.Sum[int64])
				if !ok {
					continue
				}
				switch met.Name {
				case "wordwatch.transcribe.windows":
					for _, dp := range sum.DataPoints {
						v, _ := dp.Attributes.Value("outcome")
						outcomes[v.AsString()] = dp.Value
					}
				case "wordwatch.transcribe.abandoned":
					abandoned = sum.DataPoints[0].Value
				}
			}
		}
		return outcomes["ok"] == 1 && outcomes["no_speech"] == 1 && outcomes["abandoned"] == 1 && abandoned == 1
	})
}
