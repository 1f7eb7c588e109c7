// Package transcribe runs the single background worker that owns an STT
// engine session.
//
// Producers hand audio to the worker with [Worker.Submit] (never blocking);
// the worker drains everything queued since its last pass into one window,
// runs the engine over it, and appends the text to a result list that
// consumers pull with [Worker.Results]. When the engine is slower than real
// time, windows grow by concatenating more recordings instead of the queue
// growing without bound, up to a hard maximum window length.
//
// Lifecycle:
//
//	Uninitialized → Initializing → Running → Stopping → Terminated
//
// A Terminated worker may be started again unless a shutdown timed out.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/wordwatch/internal/observe"
	"github.com/MrWong99/wordwatch/pkg/audio"
	"github.com/MrWong99/wordwatch/pkg/provider/stt"
)

// Defaults for the window bounds and the idle poll interval.
const (
	DefaultMaxWindow    = 30 * time.Second
	DefaultMinWindow    = 1050 * time.Millisecond
	DefaultIdleInterval = 20 * time.Millisecond
)

// Option configures a [Worker].
type Option func(*Worker)

// WithEngineOptions sets the options passed to the provider's Open.
func WithEngineOptions(o stt.Options) Option {
	return func(w *Worker) { w.engineOpts = o }
}

// WithMaxWindow sets the longest window handed to the engine.
func WithMaxWindow(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.maxWindow = d
		}
	}
}

// WithMinWindow sets the length shorter windows are zero-padded to.
// whisper.cpp rejects anything under one second.
func WithMinWindow(d time.Duration) Option {
	return func(w *Worker) {
		if d >= 0 {
			w.minWindow = d
		}
	}
}

// WithSampleRate sets the rate of submitted samples. Defaults to
// [stt.SampleRate].
func WithSampleRate(rate int) Option {
	return func(w *Worker) {
		if rate > 0 {
			w.sampleRate = rate
		}
	}
}

// WithIdleInterval sets how long the loop sleeps when the queue is empty. A
// submission wakes it early.
func WithIdleInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.idle = d
		}
	}
}

// WithWarmup runs the engine once over samples before the worker reports
// ready. The first call into a freshly loaded model is often several times
// slower than the rest. A failed warm-up is logged and ignored.
func WithWarmup(samples []float32) Option {
	return func(w *Worker) { w.warmup = samples }
}

// WithOnReady registers a callback invoked from the worker goroutine once it
// is Running. warmedUp is false if the warm-up pass failed.
func WithOnReady(fn func(warmedUp bool)) Option {
	return func(w *Worker) { w.onReady = fn }
}

// WithMetrics records window outcomes, latencies and backlog gauges.
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithProviderName sets the provider label used in error metrics and logs.
func WithProviderName(name string) Option {
	return func(w *Worker) { w.providerName = name }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// WithClock replaces time.Now for timestamps and lag calculation.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// Worker owns one engine session and the loop that feeds it. All methods are
// safe for concurrent use.
type Worker struct {
	provider  stt.Provider
	modelPath string

	engineOpts   stt.Options
	maxWindow    time.Duration
	minWindow    time.Duration
	sampleRate   int
	idle         time.Duration
	warmup       []float32
	onReady      func(bool)
	metrics      *observe.Metrics
	providerName string
	log          *slog.Logger
	now          func() time.Time

	mu            sync.Mutex
	state         State
	unrecoverable bool
	queue         []Recording
	lastObserved  time.Time
	stop          chan struct{}
	done          chan struct{}
	ready         chan struct{}
	reg           metric.Registration

	resMu   sync.Mutex
	results []Result

	// wake nudges an idle loop when a recording arrives.
	wake chan struct{}
	// abandon drops the in-flight window's result. Setting it races with the
	// loop reading it; at worst one window that should have been dropped is
	// kept.
	abandon atomic.Bool
	// busy is set while a window is with the engine.
	busy atomic.Bool
}

// New creates an Uninitialized worker for the given provider and model.
func New(provider stt.Provider, modelPath string, opts ...Option) *Worker {
	w := &Worker{
		provider:     provider,
		modelPath:    modelPath,
		maxWindow:    DefaultMaxWindow,
		minWindow:    DefaultMinWindow,
		sampleRate:   stt.SampleRate,
		idle:         DefaultIdleInterval,
		providerName: "stt",
		log:          slog.Default(),
		now:          time.Now,
		wake:         make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(w)
	}
	// Never-started workers report themselves as done.
	w.done = make(chan struct{})
	close(w.done)
	w.ready = make(chan struct{})
	return w
}

// Start opens the engine session and launches the loop. It returns once the
// session is open; warm-up runs in the background and [Worker.Ready] closes
// when the worker is Running.
//
// Start fails with [ErrAlreadyActive] unless the worker is Uninitialized or
// Terminated, and with [ErrUnrecoverable] after a shutdown timeout. If the
// engine cannot be opened the worker ends up Terminated and the error is
// returned.
//
// ctx is used for Open and, with its cancellation stripped, for every engine
// call: only [Worker.Shutdown] stops the loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.unrecoverable {
		w.mu.Unlock()
		return ErrUnrecoverable
	}
	if err := transition(w.state, StateInitializing); err != nil {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrAlreadyActive, state)
	}
	w.state = StateInitializing
	w.queue = nil
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.ready = make(chan struct{})
	stop, done, ready := w.stop, w.done, w.ready
	w.mu.Unlock()

	w.log.Info("transcribe: opening engine", "provider", w.providerName, "model", w.modelPath)
	sess, err := w.provider.Open(ctx, w.modelPath, w.engineOpts)
	if err != nil {
		w.mu.Lock()
		w.state = StateTerminated
		w.mu.Unlock()
		close(done)
		return fmt.Errorf("transcribe: open engine: %w", err)
	}

	if w.metrics != nil {
		reg, err := w.metrics.ObserveWorker(w.Backlog, w.TimeBehind)
		if err != nil {
			w.log.Warn("transcribe: failed to register gauges", "err", err)
		} else {
			w.mu.Lock()
			w.reg = reg
			w.mu.Unlock()
		}
	}

	go w.run(context.WithoutCancel(ctx), sess, stop, done, ready)
	return nil
}

// Ready is closed once the worker is Running. It is never closed if the
// worker stops before getting there; select on [Worker.Done] as well.
func (w *Worker) Ready() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Done is closed when the current run has fully terminated.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Submit queues a recording. It never blocks.
func (w *Worker) Submit(r Recording) error {
	w.mu.Lock()
	if w.state != StateRunning {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotRunning, state)
	}
	w.queue = append(w.queue, r)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Transcribe queues samples stamped with the current time.
func (w *Worker) Transcribe(samples []float32) error {
	return w.Submit(Recording{Timestamp: w.now(), Samples: samples})
}

// Snapshotter is the read side of a rolling audio buffer.
type Snapshotter interface {
	Snapshot() []float32
	LastAppended() []float32
}

// TranscribeBuffer queues audio from buf. While the worker has a backlog
// only the most recent append is sent, since everything older is already
// queued; otherwise the whole buffer is sent so the engine sees context
// around the newest audio.
func (w *Worker) TranscribeBuffer(buf Snapshotter) error {
	if w.Backlog() > 0 {
		return w.Transcribe(buf.LastAppended())
	}
	return w.Transcribe(buf.Snapshot())
}

// Reset clears the queue and drops the result of the window currently being
// transcribed, if any.
func (w *Worker) Reset() {
	w.mu.Lock()
	n := len(w.queue)
	w.queue = nil
	w.abandon.Store(true)
	w.mu.Unlock()
	w.log.Debug("transcribe: reset, abandoning in-flight window", "cleared", n)
	if w.metrics != nil {
		w.metrics.RecordAbandoned(context.Background(), n)
	}
}

// Results returns and clears everything transcribed since the last call.
func (w *Worker) Results() Batch {
	w.resMu.Lock()
	defer w.resMu.Unlock()
	b := Batch{Results: w.results}
	w.results = nil
	return b
}

// Busy reports whether a window is being transcribed right now. Together
// with [Worker.Backlog] it tells whether every submitted recording has been
// handled.
func (w *Worker) Busy() bool { return w.busy.Load() }

// Backlog returns the number of queued recordings.
func (w *Worker) Backlog() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// TimeBehind returns how far the worker lags real time: the age of the first
// recording in the last window it processed, or the time since the queue was
// last seen empty while the current window is still running. It is zero
// when not running.
func (w *Worker) TimeBehind() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateRunning || w.lastObserved.IsZero() {
		return 0
	}
	d := w.now().Sub(w.lastObserved)
	if d < 0 {
		return 0
	}
	return d
}

// Shutdown stops accepting work, clears the queue and waits up to timeout
// for the loop to finish its current window and exit. On timeout it returns
// [ErrShutdownTimeout] and the worker can never be started again.
//
// Calling Shutdown on a worker that is not active is a no-op.
func (w *Worker) Shutdown(timeout time.Duration) error {
	w.mu.Lock()
	if !w.state.Active() {
		w.mu.Unlock()
		return nil
	}
	done := w.done
	if w.state != StateStopping {
		w.state = StateStopping
		w.queue = nil
		close(w.stop)
	}
	w.mu.Unlock()

	w.log.Debug("transcribe: shutting down")
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		w.mu.Lock()
		w.unrecoverable = true
		w.mu.Unlock()
		w.log.Error("transcribe: worker did not stop in time, engine call still running", "timeout", timeout)
		return ErrShutdownTimeout
	}
}

// ─── loop ─────────────────────────────────────────────────────────────────────

func (w *Worker) run(ctx context.Context, sess stt.SessionHandle, stop <-chan struct{}, done, ready chan struct{}) {
	defer close(done)
	defer func() {
		if err := sess.Close(); err != nil {
			w.log.Warn("transcribe: close engine session", "err", err)
		}
		w.mu.Lock()
		w.state = StateTerminated
		w.lastObserved = time.Time{}
		reg := w.reg
		w.reg = nil
		w.mu.Unlock()
		if reg != nil {
			_ = reg.Unregister()
		}
		w.log.Info("transcribe: worker terminated")
	}()

	warmed := w.warm(ctx, sess)

	w.mu.Lock()
	if w.state != StateInitializing {
		// Shutdown arrived during warm-up.
		w.mu.Unlock()
		return
	}
	w.state = StateRunning
	w.lastObserved = w.now()
	w.mu.Unlock()
	close(ready)
	w.log.Info("transcribe: worker running", "warmed_up", warmed)
	if w.onReady != nil {
		w.onReady(warmed)
	}

	timer := time.NewTimer(w.idle)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		default:
		}

		if w.iterate(ctx, sess) != OutcomeIdle {
			continue
		}
		timer.Reset(w.idle)
		select {
		case <-stop:
			return
		case <-w.wake:
		case <-timer.C:
		}
	}
}

// warm runs the engine once over the warm-up samples, if any.
func (w *Worker) warm(ctx context.Context, sess stt.SessionHandle) bool {
	if len(w.warmup) == 0 {
		return true
	}
	w.log.Info("transcribe: warming up model")
	start := time.Now()
	text, err := w.invoke(ctx, sess, w.pad(w.warmup))
	if err != nil {
		w.log.Warn("transcribe: warm-up failed", "err", err)
		return false
	}
	w.log.Debug("transcribe: warm-up done", "latency", time.Since(start), "text", text)
	return true
}

// iterate processes whatever is queued as one window.
func (w *Worker) iterate(ctx context.Context, sess stt.SessionHandle) Outcome {
	w.abandon.Store(false)

	w.mu.Lock()
	batch := w.queue
	w.queue = nil
	if len(batch) == 0 {
		// Idle time is not lag.
		w.lastObserved = w.now()
		w.mu.Unlock()
		return OutcomeIdle
	}
	w.busy.Store(true)
	w.mu.Unlock()
	defer w.busy.Store(false)

	window, used := w.coalesce(batch)
	outcome, latency := w.process(ctx, sess, window, used)

	w.mu.Lock()
	if w.state == StateRunning {
		w.lastObserved = batch[0].Timestamp
	}
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.RecordWindow(ctx, outcome.String(), latency)
	}
	return outcome
}

// coalesce concatenates recordings oldest first until the next one would
// exceed the maximum window. That recording and every later one in batch is
// abandoned.
func (w *Worker) coalesce(batch []Recording) ([]float32, int) {
	limit := audio.SamplesFor(w.maxWindow, w.sampleRate)
	total := 0
	used := 0
	for _, r := range batch {
		if total+len(r.Samples) > limit {
			break
		}
		total += len(r.Samples)
		used++
	}

	if dropped := batch[used:]; len(dropped) > 0 {
		for _, r := range dropped {
			w.log.Warn("transcribe: recording does not fit the window, abandoning",
				"samples", len(r.Samples),
				"window_samples", total,
				"max_window", w.maxWindow,
			)
		}
		if w.metrics != nil {
			w.metrics.RecordAbandoned(context.Background(), len(dropped))
		}
	}

	window := make([]float32, 0, total)
	for _, r := range batch[:used] {
		window = append(window, r.Samples...)
	}
	return window, used
}

// pad zero-extends samples at the tail to the minimum window.
func (w *Worker) pad(samples []float32) []float32 {
	minLen := audio.SamplesFor(w.minWindow, w.sampleRate)
	if len(samples) >= minLen {
		return samples
	}
	out := make([]float32, minLen)
	copy(out, samples)
	return out
}

// process runs the engine over one window and publishes the result.
func (w *Worker) process(ctx context.Context, sess stt.SessionHandle, window []float32, recordings int) (Outcome, time.Duration) {
	if recordings == 0 {
		return OutcomeAbandoned, 0
	}
	samples := w.pad(window)

	ctx, span := observe.StartWindowSpan(ctx, recordings, len(samples))
	defer span.End()
	log := observe.Logger(ctx, w.log)
	log.Debug("transcribe: window", "recordings", recordings, "samples", len(window), "padded", len(samples)-len(window))

	start := time.Now()
	text, err := w.invoke(ctx, sess, samples)
	latency := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("transcribe: engine failed, skipping window", "err", err, "recordings", recordings)
		if w.metrics != nil {
			w.metrics.RecordProviderError(ctx, w.providerName)
		}
		return OutcomeFailed, latency
	}

	text = strings.TrimSpace(text)
	if text == "" {
		log.Debug("transcribe: no speech detected", "latency", latency)
		return OutcomeNoSpeech, latency
	}
	if w.abandon.Load() {
		log.Debug("transcribe: abandoning window after reset", "recordings", recordings)
		return OutcomeAbandoned, latency
	}

	log.Debug("transcribe: text", "text", text, "recordings", recordings, "latency", latency)
	w.resMu.Lock()
	w.results = append(w.results, Result{Text: text, Recordings: recordings, Latency: latency})
	w.resMu.Unlock()
	return OutcomeOK, latency
}

// errPanic wraps a recovered engine panic.
var errPanic = errors.New("transcribe: engine panicked")

// invoke calls the engine and turns a panic into an error.
func (w *Worker) invoke(ctx context.Context, sess stt.SessionHandle, samples []float32) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return sess.Transcribe(ctx, samples)
}
