// Package app wires the wordwatch subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the transcription
// worker, keyword detector and listener from the config, Run captures audio
// until the context ends or the source runs dry, and Shutdown tears
// everything down in order.
//
// Providers are resolved by main.go through the config registry. Tests pass
// mocks in [Providers] and inject the rest via functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/wordwatch/internal/config"
	"github.com/MrWong99/wordwatch/internal/discord"
	"github.com/MrWong99/wordwatch/internal/keyword"
	"github.com/MrWong99/wordwatch/internal/keyword/phonetic"
	"github.com/MrWong99/wordwatch/internal/listener"
	"github.com/MrWong99/wordwatch/internal/observe"
	"github.com/MrWong99/wordwatch/internal/transcribe"
	"github.com/MrWong99/wordwatch/pkg/audio"
	"github.com/MrWong99/wordwatch/pkg/provider/stt"
	"github.com/MrWong99/wordwatch/pkg/provider/vad"
	"github.com/MrWong99/wordwatch/pkg/provider/vad/energy"
)

// notifyQueue bounds match notifications waiting for a slow sink.
const notifyQueue = 32

// Providers holds the pluggable backends. STT and Source are required; a nil
// VAD selects the energy detector tuned by listener.vad.
type Providers struct {
	STT    stt.Provider
	Source audio.Source
	VAD    vad.Engine
}

// Notifier receives every match, e.g. to post it to a chat channel.
type Notifier interface {
	Notify(m keyword.Match) error
}

// App owns all subsystem lifetimes.
type App struct {
	// cfg is the start-up configuration and is never replaced. Reload
	// applies live changes to the components that own them.
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics
	metricsH  http.Handler
	now       func() time.Time

	worker   *transcribe.Worker
	detector *keyword.Detector
	listener *listener.Listener
	hub      *hub
	server   *http.Server
	mux      *http.ServeMux

	words     atomic.Pointer[[]string]
	notifiers []Notifier
	notify    chan keyword.Match

	matchMu   sync.Mutex
	matches   uint64
	lastMatch *MatchEvent

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets configuration reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// WithNotifier adds a match sink. Sources exposing a Discord notifier are
// picked up automatically.
func WithNotifier(n Notifier) Option {
	return func(a *App) { a.notifiers = append(a.notifiers, n) }
}

// WithClock replaces time.Now for match timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// New creates a new App from cfg and providers. The worker is not started
// until Run.
func New(_ context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil {
		return nil, errors.New("app: a transcription provider is required")
	}
	if providers.Source == nil {
		return nil, errors.New("app: an audio source is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		now:       time.Now,
		notify:    make(chan keyword.Match, notifyQueue),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	words := keyword.Normalize(cfg.Watch.Words)
	a.words.Store(&words)

	a.closers = append(a.closers, func() error {
		if err := providers.Source.Close(); err != nil {
			return fmt.Errorf("close source: %w", err)
		}
		return nil
	})
	if ns, ok := providers.Source.(interface{ Notifier() *discord.Notifier }); ok {
		if n := ns.Notifier(); n != nil {
			a.notifiers = append(a.notifiers, n)
		}
	}

	if err := a.initWorker(); err != nil {
		return nil, err
	}
	a.initDetector()
	if err := a.initListener(); err != nil {
		return nil, err
	}
	a.initHTTP()

	a.log.Info("wordwatch initialised",
		"source", cfg.Source.Name,
		"provider", cfg.Transcriber.Provider.Name,
		"words", len(words),
		"isolate", a.detector.Isolate(),
	)
	return a, nil
}

func (a *App) initWorker() error {
	tc := a.cfg.Transcriber
	engineOpts := stt.Options{
		Language:     tc.Language,
		Translate:    tc.Translate,
		VADFilter:    tc.VADFilter,
		VADThreshold: tc.VADThreshold,
		Threads:      tc.Threads,
		Hints:        append([]string(nil), tc.Hints...),
	}
	if tc.HintWatchList {
		engineOpts.Hints = append(engineOpts.Hints, a.Words()...)
	}

	opts := []transcribe.Option{
		transcribe.WithEngineOptions(engineOpts),
		transcribe.WithMaxWindow(tc.MaxWindow),
		transcribe.WithMetrics(a.metrics),
		transcribe.WithProviderName(tc.Provider.Name),
		transcribe.WithLogger(a.log),
		transcribe.WithOnReady(func(warmedUp bool) {
			a.log.Info("transcriber ready", "warmed_up", warmedUp)
		}),
	}
	if tc.MinWindow > 0 {
		opts = append(opts, transcribe.WithMinWindow(tc.MinWindow))
	}
	if tc.Warmup {
		samples, err := warmupSamples(tc.WarmupFile)
		if err != nil {
			return err
		}
		opts = append(opts, transcribe.WithWarmup(samples))
	}

	a.worker = transcribe.New(a.providers.STT, tc.Provider.Model, opts...)
	a.closers = append(a.closers, func() error {
		timeout := tc.ShutdownTimeout
		if timeout <= 0 {
			timeout = config.DefaultWorkerShutdownTimeout
		}
		return a.worker.Shutdown(timeout)
	})
	return nil
}

// warmupSamples loads path at [stt.SampleRate], or returns one second of
// silence when path is empty.
func warmupSamples(path string) ([]float32, error) {
	if path == "" {
		return make([]float32, stt.SampleRate), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("app: open warm-up file: %w", err)
	}
	defer f.Close()
	samples, rate, err := audio.ReadWAV(f)
	if err != nil {
		return nil, fmt.Errorf("app: read warm-up file: %w", err)
	}
	if rate == stt.SampleRate {
		return samples, nil
	}
	rs, err := audio.NewResampler(rate, stt.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("app: warm-up file: %w", err)
	}
	return rs.Process(samples), nil
}

func (a *App) initDetector() {
	opts := []keyword.DetectorOption{
		keyword.WithIsolate(a.cfg.Watch.IsolateEnabled()),
		keyword.WithDetectorLogger(a.log),
	}
	if a.cfg.Watch.Phonetic {
		var popts []phonetic.Option
		if th := a.cfg.Watch.PhoneticThreshold; th > 0 {
			popts = append(popts, phonetic.WithPhoneticThreshold(th))
		}
		opts = append(opts, keyword.WithPhonetic(phonetic.New(popts...)))
	}
	a.detector = keyword.NewDetector(opts...)
}

func (a *App) initListener() error {
	lc := a.cfg.Listener
	engine := a.providers.VAD
	if engine == nil {
		engine = energyFromConfig(lc.VAD)
	}

	opts := []listener.Option{
		listener.WithBufferWindow(lc.BufferWindow),
		listener.WithMinSample(lc.MinSample),
		listener.WithDrainDelay(lc.DrainDelay),
		listener.WithFarBehind(lc.FarBehind),
		listener.WithPreroll(lc.Preroll),
		listener.WithDumpDir(lc.DumpDir),
		listener.WithMetrics(a.metrics),
		listener.WithLogger(a.log),
	}
	if lc.Latency > 0 {
		opts = append(opts, listener.WithLatency(lc.Latency))
	}
	if lc.Cooldown > 0 {
		opts = append(opts, listener.WithCooldown(lc.Cooldown))
	}

	l, err := listener.New(a.worker, a.detector, engine, opts...)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.listener = l
	a.closers = append(a.closers, l.Close)
	return nil
}

func energyFromConfig(c config.VADConfig) *energy.Engine {
	var opts []energy.Option
	if c.EnterFactor > 0 && c.ExitFactor > 0 {
		opts = append(opts, energy.WithThresholds(c.EnterFactor, c.ExitFactor))
	}
	if c.Debounce > 0 {
		opts = append(opts, energy.WithDebounce(c.Debounce))
	}
	if c.InitialFloor > 0 {
		opts = append(opts, energy.WithInitialFloor(c.InitialFloor))
	}
	if c.MinFloor > 0 {
		opts = append(opts, energy.WithMinFloor(c.MinFloor))
	}
	return energy.New(opts...)
}

// Words returns the current watch-list.
func (a *App) Words() []string { return *a.words.Load() }

// Run starts the worker and blocks until ctx is cancelled, the source ends
// or a component fails. A source that ends on its own (e.g. a WAV file
// without looping) is not an error.
func (a *App) Run(ctx context.Context) error {
	if err := a.worker.Start(ctx); err != nil {
		return fmt.Errorf("app: start transcriber: %w", err)
	}

	select {
	case <-a.worker.Ready():
	case <-a.worker.Done():
		return errors.New("app: transcriber stopped during start-up")
	case <-ctx.Done():
		return ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.listener.Run(gctx, a.providers.Source, a.Words, a.onMatch)
		if errors.Is(err, listener.ErrSourceEnded) {
			a.log.Info("audio source ended")
		}
		return err
	})
	g.Go(func() error {
		a.deliverNotifications(gctx)
		return nil
	})
	if a.server != nil {
		g.Go(func() error { return a.serve(gctx) })
	}

	err := g.Wait()
	switch {
	case errors.Is(err, listener.ErrSourceEnded):
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return ctx.Err()
	}
	return err
}

func (a *App) onMatch(m keyword.Match) {
	ev := newMatchEvent(m, a.now())
	a.matchMu.Lock()
	a.matches++
	a.lastMatch = &ev
	a.matchMu.Unlock()

	a.metrics.RecordMatch(context.Background(), m.Word, string(m.Method))
	a.log.Info("watch word heard", "word", m.Word, "method", m.Method, "confidence", m.Confidence)
	a.hub.Broadcast(ev)

	if len(a.notifiers) == 0 {
		return
	}
	select {
	case a.notify <- m:
	default:
		a.log.Warn("notification queue full, match not forwarded", "word", m.Word)
	}
}

// deliverNotifications forwards queued matches until ctx is done, then
// flushes what is still queued.
func (a *App) deliverNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case m := <-a.notify:
					a.forward(m)
				default:
					return
				}
			}
		case m := <-a.notify:
			a.forward(m)
		}
	}
}

func (a *App) forward(m keyword.Match) {
	for _, n := range a.notifiers {
		if err := n.Notify(m); err != nil {
			a.log.Warn("match notification failed", "word", m.Word, "err", err)
		}
	}
}

// Reload applies the live parts of a changed configuration and logs the
// sections that need a restart. It is the callback for [config.Watcher].
func (a *App) Reload(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.WordsChanged {
		words := keyword.Normalize(d.Words)
		a.words.Store(&words)
		a.log.Info("watch-list reloaded", "words", len(words))
		if next.Transcriber.HintWatchList {
			a.log.Info("engine hints keep the previous watch-list until restart")
		}
	}
	if d.IsolateChanged {
		a.detector.SetIsolate(d.Isolate)
		a.log.Info("word isolation changed", "isolate", d.Isolate)
	}
	if d.LatencyChanged {
		a.listener.SetLatency(d.Latency)
		a.log.Info("latency changed", "latency", a.listener.Latency())
	}
	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.Slog())
			a.log.Info("log level changed", "level", d.NewLogLevel)
		} else {
			d.RestartRequired = append(d.RestartRequired, "server.log_level")
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// Shutdown stops the HTTP server, then the source, the worker and the
// listener. Closer failures are joined into the returned error; a worker
// that outlives its shutdown timeout surfaces as
// [transcribe.ErrShutdownTimeout]. It is safe to call more than once; only
// the first call acts.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Warn("http shutdown error", "err", err)
			}
		}
		a.hub.Close()

		var errs []error
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = errors.Join(append(errs, ctx.Err())...)
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
		if shutdownErr != nil {
			a.log.Error("shutdown incomplete", "err", shutdownErr)
			return
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
