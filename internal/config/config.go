// Package config provides the configuration schema, loader, file watcher
// and factory registry for wordwatch.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to its [slog.Level]. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Source      SourceConfig      `yaml:"source"`
	Listener    ListenerConfig    `yaml:"listener"`
	Watch       WatchConfig       `yaml:"watch"`
}

// ServerConfig holds the HTTP endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for health, metrics, status and the
	// websocket endpoints (e.g. ":8080"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Changes apply without a restart.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown of the whole process.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds PEM certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProviderEntry selects a registered transcription provider.
type ProviderEntry struct {
	// Name selects the factory in the [Registry] (e.g. "whisper-native").
	Name string `yaml:"name"`

	// APIKey authenticates against hosted providers.
	APIKey string `yaml:"api_key"`

	// BaseURL is the server address for whisper-server, or an API endpoint
	// override for openai.
	BaseURL string `yaml:"base_url"`

	// Model is a model file path for native engines and a model name for
	// remote ones.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// TranscriberConfig configures the transcription worker and its engine.
type TranscriberConfig struct {
	// Provider is the primary engine.
	Provider ProviderEntry `yaml:"provider"`

	// Fallbacks are tried in order when the primary fails, each behind its
	// own circuit breaker.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Language is an ISO-639-1 code, or "auto".
	Language string `yaml:"language"`

	// Translate asks the engine for English output.
	Translate bool `yaml:"translate"`

	// Threads caps native engine CPU threads. Zero keeps the engine default.
	Threads int `yaml:"threads"`

	// VADFilter enables the engine-side silence gate.
	VADFilter bool `yaml:"vad_filter"`

	// VADThreshold is the RMS level for VADFilter. Zero selects the default.
	VADThreshold float64 `yaml:"vad_threshold"`

	// Hints are extra vocabulary passed to engines that accept a prompt.
	Hints []string `yaml:"hints"`

	// HintWatchList adds the watch-list words to Hints.
	HintWatchList bool `yaml:"hint_watch_list"`

	// MaxWindow is the longest window handed to the engine in one call.
	MaxWindow time.Duration `yaml:"max_window"`

	// MinWindow is the shortest; shorter windows are zero-padded.
	MinWindow time.Duration `yaml:"min_window"`

	// Warmup runs one recognition on start so the first real window is not
	// slowed by lazy model initialisation.
	Warmup bool `yaml:"warmup"`

	// WarmupFile is a WAV file used for warm-up instead of silence.
	WarmupFile string `yaml:"warmup_file"`

	// ShutdownTimeout bounds how long Shutdown waits for an in-flight
	// window.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SourceKind names an audio source factory.
type SourceKind string

const (
	SourcePulse     SourceKind = "pulse"
	SourceWAV       SourceKind = "wav"
	SourceDiscord   SourceKind = "discord"
	SourceWebsocket SourceKind = "websocket"
)

// IsValid reports whether k is a built-in source.
func (k SourceKind) IsValid() bool {
	switch k {
	case SourcePulse, SourceWAV, SourceDiscord, SourceWebsocket:
		return true
	}
	return false
}

// SourceConfig selects and configures the audio source. Fields that do not
// apply to the selected source are ignored.
type SourceConfig struct {
	// Name selects the source factory.
	Name SourceKind `yaml:"name"`

	// Device selects a PulseAudio source by name or description substring.
	// Empty uses the default input.
	Device string `yaml:"device"`

	// Rate is the capture rate for pulse and the declared rate for websocket
	// clients that do not send one.
	Rate int `yaml:"rate"`

	// Path is the WAV file to replay.
	Path string `yaml:"path"`

	// Realtime paces WAV replay at recording speed. Defaults to true.
	Realtime *bool `yaml:"realtime"`

	// Loop replays the WAV file forever.
	Loop bool `yaml:"loop"`

	// Token is the Discord bot token, without the "Bot " prefix.
	Token string `yaml:"token"`

	// GuildID and ChannelID name the voice channel to join.
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`

	// NotifyChannelID is a Discord text channel that receives a message
	// per match. Empty disables notifications.
	NotifyChannelID string `yaml:"notify_channel_id"`

	// SSRC pins the Discord speaker to follow. Zero follows the first one
	// heard.
	SSRC uint32 `yaml:"ssrc"`

	// Origins lists extra websocket origin patterns accepted by /ws/ingest.
	Origins []string `yaml:"origins"`
}

// ListenerConfig tunes batching, matching and the batching VAD.
type ListenerConfig struct {
	// Latency is how often buffered speech is resubmitted. Clamped to
	// [100ms, 5s]. Changes apply without a restart.
	Latency time.Duration `yaml:"latency"`

	// MinSample is the least unsent audio worth transcribing.
	MinSample time.Duration `yaml:"min_sample"`

	// DrainDelay is the silence after which the buffer is flushed and
	// drained.
	DrainDelay time.Duration `yaml:"drain_delay"`

	// BufferWindow is the rolling buffer capacity.
	BufferWindow time.Duration `yaml:"buffer_window"`

	// FarBehind is the lag that triggers the "far behind" warning.
	FarBehind time.Duration `yaml:"far_behind"`

	// Cooldown suppresses repeat matches of the same word.
	Cooldown time.Duration `yaml:"cooldown"`

	// Preroll is the audio kept from before speech onset.
	Preroll time.Duration `yaml:"preroll"`

	// DumpDir, when set, receives a WAV file of the buffer on every drain.
	DumpDir string `yaml:"dump_dir"`

	// VAD tunes the energy detector that drives batching.
	VAD VADConfig `yaml:"vad"`
}

// VADConfig tunes the energy voice activity detector. Zero fields keep the
// detector defaults.
type VADConfig struct {
	EnterFactor  float64 `yaml:"enter_factor"`
	ExitFactor   float64 `yaml:"exit_factor"`
	Debounce     int     `yaml:"debounce"`
	InitialFloor float64 `yaml:"initial_floor"`
	MinFloor     float64 `yaml:"min_floor"`
}

// WatchConfig is the watch-list and matching mode. All fields apply without
// a restart.
type WatchConfig struct {
	// Words are the watched words and phrases.
	Words []string `yaml:"words"`

	// Isolate requires matches to stand alone rather than inside a longer
	// word. Defaults to true.
	Isolate *bool `yaml:"isolate"`

	// Phonetic enables the sound-alike fallback for misrecognised words.
	Phonetic bool `yaml:"phonetic"`

	// PhoneticThreshold is the minimum similarity for a phonetic match.
	// Zero selects the matcher default.
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`
}

// IsolateEnabled resolves the Isolate default.
func (w WatchConfig) IsolateEnabled() bool {
	return w.Isolate == nil || *w.Isolate
}

// RealtimeEnabled resolves the Realtime default.
func (s SourceConfig) RealtimeEnabled() bool {
	return s.Realtime == nil || *s.Realtime
}
