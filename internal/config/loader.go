package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults filled in by [ApplyDefaults].
const (
	DefaultLogLevel              = LogInfo
	DefaultShutdownTimeout       = 10 * time.Second
	DefaultWorkerShutdownTimeout = 5 * time.Second
	DefaultSourceRate            = 48000
	DefaultLatency               = time.Second
)

// Latency bounds; values outside are clamped by the listener.
const (
	MinLatency = 100 * time.Millisecond
	MaxLatency = 5 * time.Second
)

// ValidProviderNames lists the built-in names per kind. [Validate] warns
// about names outside this list since they may be registered by an embedding
// program.
var ValidProviderNames = map[string][]string{
	"transcriber": {"whisper-native", "whisper-server", "openai", "mock"},
	"source":      {string(SourcePulse), string(SourceWAV), string(SourceDiscord), string(SourceWebsocket)},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r. ${VAR} and $VAR references
// are expanded from the environment before decoding so secrets such as the
// Discord token can stay out of the file.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields that other packages cannot default on
// their own. Component tuning left at zero keeps the component's default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Transcriber.ShutdownTimeout == 0 {
		cfg.Transcriber.ShutdownTimeout = DefaultWorkerShutdownTimeout
	}
	if cfg.Source.Name == "" {
		cfg.Source.Name = SourcePulse
	}
	if cfg.Source.Rate == 0 {
		cfg.Source.Rate = DefaultSourceRate
	}
	if cfg.Listener.Latency == 0 {
		cfg.Listener.Latency = DefaultLatency
	}
}

// Validate checks that cfg is coherent. It returns every problem found,
// joined.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}

	// Transcriber
	t := cfg.Transcriber
	errs = append(errs, validateProvider("transcriber.provider", t.Provider)...)
	for i, fb := range t.Fallbacks {
		errs = append(errs, validateProvider(fmt.Sprintf("transcriber.fallbacks[%d]", i), fb)...)
	}
	errs = append(errs, nonNegative(map[string]time.Duration{
		"transcriber.max_window":       t.MaxWindow,
		"transcriber.min_window":       t.MinWindow,
		"transcriber.shutdown_timeout": t.ShutdownTimeout,
	})...)
	if t.MaxWindow > 0 && t.MinWindow > t.MaxWindow {
		errs = append(errs, fmt.Errorf("transcriber.min_window %v exceeds max_window %v", t.MinWindow, t.MaxWindow))
	}
	if t.VADThreshold < 0 || t.VADThreshold > 1 {
		errs = append(errs, fmt.Errorf("transcriber.vad_threshold %.3f is out of range [0, 1]", t.VADThreshold))
	}
	if t.Threads < 0 {
		errs = append(errs, fmt.Errorf("transcriber.threads must not be negative, got %d", t.Threads))
	}
	if t.WarmupFile != "" && !t.Warmup {
		slog.Warn("transcriber.warmup_file is set but warmup is disabled")
	}

	// Source
	s := cfg.Source
	warnUnknown("source", string(s.Name))
	switch s.Name {
	case SourceWAV:
		if s.Path == "" {
			errs = append(errs, errors.New("source.path is required for the wav source"))
		}
	case SourceDiscord:
		if s.Token == "" {
			errs = append(errs, errors.New("source.token is required for the discord source"))
		}
		if s.GuildID == "" || s.ChannelID == "" {
			errs = append(errs, errors.New("source.guild_id and source.channel_id are required for the discord source"))
		}
	case SourceWebsocket:
		if cfg.Server.ListenAddr == "" {
			errs = append(errs, errors.New("source websocket requires server.listen_addr"))
		}
	}
	if s.Rate < 0 {
		errs = append(errs, fmt.Errorf("source.rate must not be negative, got %d", s.Rate))
	}

	// Listener
	l := cfg.Listener
	errs = append(errs, nonNegative(map[string]time.Duration{
		"listener.min_sample":    l.MinSample,
		"listener.drain_delay":   l.DrainDelay,
		"listener.buffer_window": l.BufferWindow,
		"listener.far_behind":    l.FarBehind,
		"listener.cooldown":      l.Cooldown,
		"listener.preroll":       l.Preroll,
	})...)
	if l.Latency < MinLatency || l.Latency > MaxLatency {
		slog.Warn("listener.latency is out of range and will be clamped",
			"latency", l.Latency, "min", MinLatency, "max", MaxLatency)
	}
	if l.BufferWindow > 0 && l.MinSample > l.BufferWindow {
		errs = append(errs, fmt.Errorf("listener.min_sample %v exceeds buffer_window %v", l.MinSample, l.BufferWindow))
	}
	v := l.VAD
	if v.EnterFactor < 0 || v.ExitFactor < 0 || v.InitialFloor < 0 || v.MinFloor < 0 || v.Debounce < 0 {
		errs = append(errs, errors.New("listener.vad values must not be negative"))
	}
	if v.EnterFactor > 0 && v.ExitFactor > v.EnterFactor {
		errs = append(errs, fmt.Errorf("listener.vad.exit_factor %.2f exceeds enter_factor %.2f", v.ExitFactor, v.EnterFactor))
	}

	// Watch
	if len(cfg.Watch.Words) == 0 {
		slog.Warn("watch.words is empty; nothing will be reported until words are added")
	}
	if th := cfg.Watch.PhoneticThreshold; th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("watch.phonetic_threshold %.2f is out of range [0, 1]", th))
	}

	return errors.Join(errs...)
}

func validateProvider(prefix string, p ProviderEntry) []error {
	if p.Name == "" {
		return []error{fmt.Errorf("%s.name is required", prefix)}
	}
	warnUnknown("transcriber", p.Name)
	var errs []error
	switch p.Name {
	case "whisper-native":
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model (path to a ggml model) is required for whisper-native", prefix))
		}
	case "whisper-server":
		if p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for whisper-server", prefix))
		}
	case "openai":
		if p.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for openai", prefix))
		}
	}
	return errs
}

func nonNegative(fields map[string]time.Duration) []error {
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		if fields[name] < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %v", name, fields[name]))
		}
	}
	return errs
}

// warnUnknown logs a warning if name is not a built-in of kind.
func warnUnknown(kind, name string) {
	if name == "" || slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", ValidProviderNames[kind],
	)
}
