// Command wordwatch listens to an audio source, transcribes speech and
// reports when a watch-list word is heard.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/wordwatch/internal/app"
	"github.com/MrWong99/wordwatch/internal/config"
	"github.com/MrWong99/wordwatch/internal/discord"
	"github.com/MrWong99/wordwatch/internal/observe"
	"github.com/MrWong99/wordwatch/internal/resilience"
	"github.com/MrWong99/wordwatch/pkg/audio"
	"github.com/MrWong99/wordwatch/pkg/audio/pulse"
	"github.com/MrWong99/wordwatch/pkg/audio/wavfile"
	"github.com/MrWong99/wordwatch/pkg/audio/wsingest"
	"github.com/MrWong99/wordwatch/pkg/provider/stt"
	sttmock "github.com/MrWong99/wordwatch/pkg/provider/stt/mock"
	"github.com/MrWong99/wordwatch/pkg/provider/stt/openai"
	"github.com/MrWong99/wordwatch/pkg/provider/stt/whisper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "wordwatch.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "file with environment variables referenced by the config")
	logLevel := flag.String("log-level", "", "override server.log_level (debug, info, warn, error)")
	listDevices := flag.Bool("list-devices", false, "print the PulseAudio input sources and exit")
	flag.Parse()

	if *listDevices {
		return printDevices()
	}

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "wordwatch: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Configuration ─────────────────────────────────────────────────────────
	// The watcher loads the file once up front and then hands later edits to
	// the running application.
	var running atomic.Pointer[app.App]
	watcher, err := config.NewWatcher(*configPath, func(old, next *config.Config) {
		if a := running.Load(); a != nil {
			a.Reload(old, next)
		}
	}, config.WithWatcherLogger(logger))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "wordwatch: config file %q not found, pass -config to point at one\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "wordwatch: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	lvl := cfg.Server.LogLevel
	if *logLevel != "" {
		if !config.LogLevel(*logLevel).IsValid() {
			fmt.Fprintf(os.Stderr, "wordwatch: invalid -log-level %q\n", *logLevel)
			return 1
		}
		lvl = config.LogLevel(*logLevel)
	}
	level.Set(lvl.Slog())

	slog.Info("wordwatch starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", lvl,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.MeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg, logger)

	transcriber, err := buildTranscriber(cfg.Transcriber, reg, logger)
	if err != nil {
		slog.Error("failed to build transcriber", "err", err)
		return 1
	}
	source, err := reg.CreateSource(cfg.Source)
	if err != nil {
		slog.Error("failed to open audio source", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, &app.Providers{STT: transcriber, Source: source},
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(otel.Handler()),
	)
	if err != nil {
		_ = source.Close()
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	running.Store(application)

	slog.Info("listening, press Ctrl+C to stop", "words", application.Words())

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the transcription engines and audio sources that
// ship with wordwatch into reg.
func registerBuiltins(reg *config.Registry, log *slog.Logger) {
	// ── Transcription ─────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper-native", func(config.ProviderEntry) (stt.Provider, error) {
		return whisper.NewNative(whisper.WithNativeLogger(log)), nil
	})

	reg.RegisterSTT("whisper-server", func(entry config.ProviderEntry) (stt.Provider, error) {
		breaker := resilience.CircuitBreakerConfig{Name: "whisper-server", Logger: log}
		if n, ok := config.OptInt(entry.Options, "max_failures"); ok {
			breaker.MaxFailures = n
		}
		return whisper.NewServer(entry.BaseURL, whisper.WithBreaker(breaker))
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := config.OptString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if n, ok := config.OptInt(entry.Options, "max_retries"); ok {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		return openai.New(entry.APIKey, opts...)
	})

	// mock answers every window with options.text; handy for wiring checks.
	reg.RegisterSTT("mock", func(entry config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{Session: &sttmock.Session{Text: config.OptString(entry.Options, "text")}}, nil
	})

	// ── Sources ───────────────────────────────────────────────────────────────

	reg.RegisterSource(config.SourcePulse, func(c config.SourceConfig) (audio.Source, error) {
		return pulse.Open(c.Device, pulse.WithSampleRate(c.Rate), pulse.WithLogger(log))
	})

	reg.RegisterSource(config.SourceWAV, func(c config.SourceConfig) (audio.Source, error) {
		return wavfile.Open(c.Path, wavfile.WithRealtime(c.RealtimeEnabled()), wavfile.WithLoop(c.Loop))
	})

	reg.RegisterSource(config.SourceDiscord, func(c config.SourceConfig) (audio.Source, error) {
		bot, err := discord.New(discord.Config{
			Token:           c.Token,
			GuildID:         c.GuildID,
			ChannelID:       c.ChannelID,
			NotifyChannelID: c.NotifyChannelID,
			SSRC:            c.SSRC,
		}, discord.WithLogger(log))
		if err != nil {
			return nil, err
		}
		src, err := bot.Listen()
		if err != nil {
			_ = bot.Close()
			return nil, err
		}
		return src, nil
	})

	reg.RegisterSource(config.SourceWebsocket, func(c config.SourceConfig) (audio.Source, error) {
		return wsingest.New(c.Rate, wsingest.WithLogger(log), wsingest.WithOriginPatterns(c.Origins...)), nil
	})

	slog.Debug("registered builtins", "stt", reg.STTNames(), "sources", reg.SourceNames())
}

// buildTranscriber creates the primary engine, wrapped in a failover chain
// when fallbacks are configured.
func buildTranscriber(tc config.TranscriberConfig, reg *config.Registry, log *slog.Logger) (stt.Provider, error) {
	primary, err := reg.CreateSTT(tc.Provider)
	if err != nil {
		return nil, err
	}
	if len(tc.Fallbacks) == 0 {
		slog.Info("provider created", "kind", "stt", "name", tc.Provider.Name)
		return primary, nil
	}

	chain := resilience.NewFailover(resilience.CircuitBreakerConfig{Logger: log}).
		Add(tc.Provider.Name, primary, tc.Provider.Model)
	for i, fb := range tc.Fallbacks {
		p, err := reg.CreateSTT(fb)
		if err != nil {
			return nil, fmt.Errorf("fallback %d: %w", i, err)
		}
		chain.Add(fmt.Sprintf("%s#%d", fb.Name, i+1), p, fb.Model)
	}
	slog.Info("provider created", "kind", "stt", "chain", chain.Names())
	return chain, nil
}

func printDevices() int {
	devices, err := pulse.ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wordwatch: %v\n", err)
		return 1
	}
	for _, d := range devices {
		mark := " "
		if d.Default {
			mark = "*"
		}
		muted := ""
		if d.Muted {
			muted = " (muted)"
		}
		fmt.Printf("%s %s\t%s%s\n", mark, d.ID, d.Description, muted)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        wordwatch startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Transcriber", cfg.Transcriber.Provider.Name+modelSuffix(cfg.Transcriber.Provider.Model))
	printRow("Fallbacks", fmt.Sprint(len(cfg.Transcriber.Fallbacks)))
	printRow("Source", string(cfg.Source.Name))
	printRow("Watch words", fmt.Sprint(len(cfg.Watch.Words)))
	printRow("Phonetic", fmt.Sprint(cfg.Watch.Phonetic))
	printRow("Latency", cfg.Listener.Latency.String())
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func modelSuffix(model string) string {
	if model == "" {
		return ""
	}
	return " / " + model
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}
