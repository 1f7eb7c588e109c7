// Package listener turns a live audio stream into keyword matches.
//
// A [Listener] sits between an [audio.Source] and a transcription worker.
// The producer side ([Listener.PushFrame]) resamples every frame to the
// engine rate, runs it through a voice activity detector and keeps recent
// speech in a rolling buffer. The batching side ([Listener.Tick]) decides
// when to hand the buffer to the worker: every Latency while someone is
// talking, and one last time once they have been quiet for DrainDelay,
// after which the buffer is cleared. [Listener.Check] pulls whatever the
// worker has transcribed since the last call and looks for watched words.
//
// The VAD never gates the engine. It only decides which audio is worth
// buffering and when the buffer goes stale.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/wordwatch/internal/keyword"
	"github.com/MrWong99/wordwatch/internal/observe"
	"github.com/MrWong99/wordwatch/internal/transcribe"
	"github.com/MrWong99/wordwatch/pkg/audio"
	"github.com/MrWong99/wordwatch/pkg/provider/stt"
	"github.com/MrWong99/wordwatch/pkg/provider/vad"
)

// Defaults for the batching policy.
const (
	DefaultBufferWindow = 5 * time.Second
	DefaultLatency      = time.Second
	DefaultMinSample    = 200 * time.Millisecond
	DefaultDrainDelay   = time.Second
	DefaultFarBehind    = 15 * time.Second
	DefaultPreroll      = 300 * time.Millisecond
	DefaultTick         = 50 * time.Millisecond

	// BlockDuration is the VAD block length.
	BlockDuration = 20 * time.Millisecond
)

// ErrSourceEnded is returned by [Listener.Run] when the source closed its
// frame channel and everything it delivered has been transcribed.
var ErrSourceEnded = errors.New("listener: source ended")

// Worker is the part of [transcribe.Worker] the listener drives.
type Worker interface {
	TranscribeBuffer(buf transcribe.Snapshotter) error
	Results() transcribe.Batch
	Backlog() int
	Busy() bool
	TimeBehind() time.Duration
}

var _ Worker = (*transcribe.Worker)(nil)

// Status is the listener's view of the pipeline after a check.
type Status struct {
	// Backlog is the number of recordings waiting for the engine.
	Backlog int
	// TimeBehind is how far transcription lags real time.
	TimeBehind time.Duration
	// FarBehind is set when TimeBehind exceeds the configured limit.
	FarBehind bool
	// Speaking reports the VAD state of the latest audio block.
	Speaking bool
	// Buffered is how much audio the rolling buffer currently holds.
	Buffered time.Duration
}

// Report is the outcome of one [Listener.Check].
type Report struct {
	// Text is everything transcribed since the previous check.
	Text    string
	Matches []keyword.Match
	Status  Status
}

// Option configures a [Listener].
type Option func(*Listener)

// WithSampleRate sets the rate the worker expects. Defaults to
// [stt.SampleRate].
func WithSampleRate(rate int) Option {
	return func(l *Listener) {
		if rate > 0 {
			l.rate = rate
		}
	}
}

// WithBufferWindow sets how much speech the rolling buffer holds.
func WithBufferWindow(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithLatency sets how often the buffer is submitted while someone talks.
func WithLatency(d time.Duration) Option {
	return func(l *Listener) { l.SetLatency(d) }
}

// WithMinSample sets the least audio worth submitting.
func WithMinSample(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.minSample = d
		}
	}
}

// WithDrainDelay sets how long after the last voiced block the buffer is
// flushed and cleared.
func WithDrainDelay(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.drainDelay = d
		}
	}
}

// WithFarBehind sets the lag above which checks warn.
func WithFarBehind(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.farBehind = d
		}
	}
}

// WithCooldown suppresses repeated matches of the same word for d. The
// rolling buffer is resubmitted while it fills, so one utterance usually
// shows up in several windows. Defaults to the buffer window.
func WithCooldown(d time.Duration) Option {
	return func(l *Listener) {
		if d >= 0 {
			l.cooldown = d
			l.cooldownSet = true
		}
	}
}

// WithPreroll sets how much audio from before speech onset is kept. The
// detector needs a few blocks to commit to speech and the start of the
// first word would be lost otherwise.
func WithPreroll(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.prerollLen = d
		}
	}
}

// WithTickInterval sets how often [Listener.Run] ticks and checks.
func WithTickInterval(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.tick = d
		}
	}
}

// WithDumpDir writes the buffer to a WAV file in dir on every drain.
func WithDumpDir(dir string) Option {
	return func(l *Listener) { l.dumpDir = dir }
}

// WithMetrics counts frames the listener could not use.
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(l *Listener) { l.log = log }
}

// WithClock replaces time.Now in [Listener.PushFrame] and [Listener.Run].
func WithClock(now func() time.Time) Option {
	return func(l *Listener) { l.now = now }
}

// Listener batches speech for a transcription worker and scans the results.
// PushFrame may be called from a capture goroutine concurrently with Tick
// and Check.
type Listener struct {
	worker   Worker
	detector *keyword.Detector

	rate        int
	window      time.Duration
	latency     atomic.Int64
	minSample   time.Duration
	drainDelay  time.Duration
	farBehind   time.Duration
	cooldown    time.Duration
	cooldownSet bool
	prerollLen  time.Duration
	tick        time.Duration
	dumpDir     string
	metrics     *observe.Metrics
	log         *slog.Logger
	now         func() time.Time

	buf     *audio.RollingBuffer
	preroll *audio.RollingBuffer
	decoder audio.FrameDecoder

	mu         sync.Mutex
	vad        vad.SessionHandle
	resampler  *audio.Resampler
	pending    []float32
	speaking   bool
	lastVoice  time.Time
	lastSubmit time.Time
	vadFailed  bool

	checkMu   sync.Mutex
	farWarned bool
	recent    map[string]time.Time
}

// New creates a listener feeding worker and matching with detector. A VAD
// session is opened on vadEngine at the worker's sample rate.
func New(worker Worker, detector *keyword.Detector, vadEngine vad.Engine, opts ...Option) (*Listener, error) {
	l := &Listener{
		worker:     worker,
		detector:   detector,
		rate:       stt.SampleRate,
		window:     DefaultBufferWindow,
		minSample:  DefaultMinSample,
		drainDelay: DefaultDrainDelay,
		farBehind:  DefaultFarBehind,
		prerollLen: DefaultPreroll,
		tick:       DefaultTick,
		log:        slog.Default(),
		now:        time.Now,
		recent:     make(map[string]time.Time),
	}
	l.latency.Store(int64(DefaultLatency))
	for _, o := range opts {
		o(l)
	}
	if !l.cooldownSet {
		l.cooldown = l.window
	}

	sess, err := vadEngine.NewSession(vad.Config{
		SampleRate:  l.rate,
		FrameSizeMs: int(BlockDuration / time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("listener: open vad session: %w", err)
	}
	l.vad = sess
	l.buf = audio.NewRollingBufferFor(l.window, l.rate)
	l.preroll = audio.NewRollingBufferFor(l.prerollLen, l.rate)
	l.decoder.Log = l.log
	return l, nil
}

// SetLatency changes the submission interval. Values outside
// [100 ms, 5 s] are clamped.
func (l *Listener) SetLatency(d time.Duration) {
	d = max(100*time.Millisecond, min(d, 5*time.Second))
	l.latency.Store(int64(d))
}

// Latency returns the current submission interval.
func (l *Listener) Latency() time.Duration {
	return time.Duration(l.latency.Load())
}

// Close releases the VAD session.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vad.Close()
}

// ─── producer ─────────────────────────────────────────────────────────────────

// PushFrame feeds one captured frame. It never blocks on the worker.
func (l *Listener) PushFrame(frame audio.AudioFrame) {
	samples := l.decoder.Decode(frame)
	if len(samples) == 0 {
		return
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	rs, err := l.resamplerFor(frame.SampleRate)
	if err != nil {
		l.log.Warn("listener: dropping frame", "err", err)
		if l.metrics != nil {
			l.metrics.RecordFramesDropped(context.Background(), "listener", 1)
		}
		return
	}
	if rs != nil {
		samples = rs.Process(samples)
	}

	wasActive := l.active(now)
	l.pending = append(l.pending, samples...)
	block := audio.SamplesFor(BlockDuration, l.rate)
	consumed := 0
	for len(l.pending)-consumed >= block {
		ev, err := l.vad.ProcessFrame(l.pending[consumed : consumed+block])
		consumed += block
		if err != nil {
			if !l.vadFailed {
				l.vadFailed = true
				l.log.Error("listener: vad failed, treating audio as speech", "err", err)
			}
			ev.Type = vad.VADSpeechContinue
		}
		l.speaking = ev.Speaking()
		if l.speaking {
			l.lastVoice = now
		}
	}
	l.pending = append(l.pending[:0], l.pending[consumed:]...)

	switch {
	case l.active(now):
		if !wasActive {
			l.buf.Append(l.preroll.Drain())
		}
		l.buf.Append(samples)
	default:
		l.preroll.Append(samples)
	}
}

// active reports whether recent speech keeps the buffer open. Caller holds mu.
func (l *Listener) active(now time.Time) bool {
	return !l.lastVoice.IsZero() && now.Sub(l.lastVoice) <= l.drainDelay
}

// resamplerFor returns the converter for frames at rate, or nil when no
// conversion is needed. Caller holds mu.
func (l *Listener) resamplerFor(rate int) (*audio.Resampler, error) {
	if rate == l.rate {
		return nil, nil
	}
	if l.resampler != nil && l.resampler.InputRate() == rate {
		return l.resampler, nil
	}
	rs, err := audio.NewResampler(rate, l.rate)
	if err != nil {
		return nil, err
	}
	if l.resampler != nil {
		l.log.Info("listener: input rate changed", "from", l.resampler.InputRate(), "to", rate)
	}
	l.resampler = rs
	return rs, nil
}

// ─── batching ─────────────────────────────────────────────────────────────────

// Tick applies the batching policy at now. Once the speaker has been quiet
// for longer than DrainDelay, any buffered audio of at least MinSample is
// submitted one last time and the buffer is cleared. Otherwise the buffer is
// submitted whenever it holds at least MinSample and Latency has passed
// since the previous submission.
func (l *Listener) Tick(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	minSamples := audio.SamplesFor(l.minSample, l.rate)
	size := l.buf.Len()

	if l.lastVoice.IsZero() || now.Sub(l.lastVoice) > l.drainDelay {
		if size == 0 {
			return
		}
		if size >= minSamples {
			l.submit(now)
		}
		l.dump(now)
		l.buf.Drain()
		l.log.Debug("listener: drained buffer", "samples", size)
		return
	}

	if size >= minSamples && now.Sub(l.lastSubmit) >= l.Latency() {
		l.submit(now)
	}
}

// submit hands the buffer to the worker. Caller holds mu.
func (l *Listener) submit(now time.Time) {
	l.lastSubmit = now
	if err := l.worker.TranscribeBuffer(l.buf); err != nil {
		if errors.Is(err, transcribe.ErrNotRunning) {
			l.log.Debug("listener: worker not running, audio skipped")
			return
		}
		l.log.Warn("listener: submit failed", "err", err)
	}
}

// dump writes the buffer to the debug directory. Caller holds mu.
func (l *Listener) dump(now time.Time) {
	if l.dumpDir == "" {
		return
	}
	if err := os.MkdirAll(l.dumpDir, 0o755); err != nil {
		l.log.Warn("listener: create dump dir", "err", err)
		return
	}
	path := filepath.Join(l.dumpDir, "drain-"+now.Format("20060102-150405.000")+".wav")
	if err := l.buf.DumpWAV(path, l.rate); err != nil {
		l.log.Warn("listener: dump buffer", "err", err)
		return
	}
	l.log.Debug("listener: dumped buffer", "path", path)
}

// ─── checking ─────────────────────────────────────────────────────────────────

// Check pulls the worker's results and scans them for words. Each result is
// checked on its own; if none matches, the joined text is checked once more
// to catch phrases split across windows. A word that matched within the
// cooldown is not reported again.
func (l *Listener) Check(words []string) Report {
	batch := l.worker.Results()
	status := l.Status()

	l.checkMu.Lock()
	defer l.checkMu.Unlock()

	switch {
	case status.FarBehind && !l.farWarned:
		l.farWarned = true
		l.log.Warn("listener: transcription is far behind, consider raising the latency",
			"behind", status.TimeBehind,
			"backlog", status.Backlog,
		)
	case !status.FarBehind && l.farWarned:
		l.farWarned = false
		l.log.Info("listener: transcription caught up", "behind", status.TimeBehind)
	}

	rep := Report{Text: batch.Text(), Status: status}
	if batch.Empty() {
		l.detector.Check("", words)
		return rep
	}
	l.log.Debug("listener: transcribed", "text", rep.Text, "recordings", batch.Recordings())

	now := l.now()
	for _, r := range batch.Results {
		if m, ok := l.detector.Check(r.Text, words); ok && l.fresh(m.Word, now) {
			rep.Matches = append(rep.Matches, m)
		}
	}
	if len(rep.Matches) == 0 && len(batch.Results) > 1 {
		if m, ok := l.detector.Check(rep.Text, words); ok && l.fresh(m.Word, now) {
			rep.Matches = append(rep.Matches, m)
		}
	}
	return rep
}

// fresh records a match of word at now and reports whether it is outside
// the cooldown. Caller holds checkMu.
func (l *Listener) fresh(word string, now time.Time) bool {
	for w, at := range l.recent {
		if now.Sub(at) >= l.cooldown {
			delete(l.recent, w)
		}
	}
	if _, dup := l.recent[word]; dup {
		l.log.Debug("listener: suppressing repeated match", "word", word)
		return false
	}
	if l.cooldown > 0 {
		l.recent[word] = now
	}
	return true
}

// Status reports the pipeline state without consuming results.
func (l *Listener) Status() Status {
	behind := l.worker.TimeBehind()
	l.mu.Lock()
	speaking := l.speaking
	buffered := audio.DurationOf(l.buf.Len(), l.rate)
	l.mu.Unlock()
	return Status{
		Backlog:    l.worker.Backlog(),
		TimeBehind: behind,
		FarBehind:  behind > l.farBehind,
		Speaking:   speaking,
		Buffered:   buffered,
	}
}

// ─── loop ─────────────────────────────────────────────────────────────────────

// Run feeds frames from src, ticks and checks until ctx is done or src ends.
// words is called before every check so the watch-list can change at any
// time. onMatch is called from the Run goroutine.
//
// When src closes its channel, Run flushes the buffer, waits for the worker
// to finish what is queued, reports the last matches and returns
// [ErrSourceEnded]. When ctx is done it returns ctx.Err().
func (l *Listener) Run(ctx context.Context, src audio.Source, words func() []string, onMatch func(keyword.Match)) error {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	check := func() {
		for _, m := range l.Check(words()).Matches {
			if onMatch != nil {
				onMatch(m)
			}
		}
	}

	frames := src.Frames()
	for frames != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			l.PushFrame(f)
		case <-ticker.C:
			l.Tick(l.now())
			check()
		}
	}

	l.log.Info("listener: source ended, flushing")
	l.Flush()
	for l.worker.Backlog() > 0 || l.worker.Busy() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			check()
		}
	}
	check()
	return ErrSourceEnded
}

// Flush submits whatever is buffered, regardless of the batching policy,
// and clears the buffer.
func (l *Listener) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if l.buf.Len() > 0 {
		l.submit(now)
		l.dump(now)
		l.buf.Drain()
	}
	l.lastVoice = time.Time{}
	l.speaking = false
}
