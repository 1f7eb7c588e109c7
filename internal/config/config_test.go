package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/wordwatch/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
  shutdown_timeout: 20s

transcriber:
  provider:
    name: whisper-server
    base_url: http://localhost:8081
  fallbacks:
    - name: whisper-native
      model: /models/ggml-base.en.bin
  language: en
  threads: 4
  vad_filter: true
  hint_watch_list: true
  max_window: 10s
  min_window: 1s
  warmup: true

source:
  name: websocket
  rate: 16000
  origins: ["localhost:*"]

listener:
  latency: 500ms
  drain_delay: 1500ms
  buffer_window: 6s
  far_behind: 20s
  dump_dir: /tmp/wordwatch
  vad:
    enter_factor: 4
    exit_factor: 2
    debounce: 3

watch:
  words: [boom, "big bada boom"]
  isolate: false
  phonetic: true
  phonetic_threshold: 0.85
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// minimal returns a valid config with the given extra YAML appended.
func minimal(extra string) string {
	return `
transcriber:
  provider:
    name: mock
` + extra
}

// ── loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.LogLevel != config.LogDebug || cfg.Server.ShutdownTimeout != 20*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	tr := cfg.Transcriber
	if tr.Provider.Name != "whisper-server" || tr.Provider.BaseURL != "http://localhost:8081" {
		t.Errorf("provider = %+v", tr.Provider)
	}
	if len(tr.Fallbacks) != 1 || tr.Fallbacks[0].Model != "/models/ggml-base.en.bin" {
		t.Errorf("fallbacks = %+v", tr.Fallbacks)
	}
	if tr.MaxWindow != 10*time.Second || tr.MinWindow != time.Second || !tr.Warmup || tr.Threads != 4 {
		t.Errorf("transcriber = %+v", tr)
	}
	if cfg.Source.Name != config.SourceWebsocket || cfg.Source.Rate != 16000 {
		t.Errorf("source = %+v", cfg.Source)
	}
	if cfg.Listener.Latency != 500*time.Millisecond || cfg.Listener.DrainDelay != 1500*time.Millisecond {
		t.Errorf("listener durations = %v / %v", cfg.Listener.Latency, cfg.Listener.DrainDelay)
	}
	if cfg.Listener.VAD != (config.VADConfig{EnterFactor: 4, ExitFactor: 2, Debounce: 3}) {
		t.Errorf("vad = %+v", cfg.Listener.VAD)
	}
	if diff := cmp.Diff([]string{"boom", "big bada boom"}, cfg.Watch.Words); diff != "" {
		t.Errorf("words mismatch (-want +got):\n%s", diff)
	}
	if cfg.Watch.IsolateEnabled() {
		t.Error("isolate: explicit false was not honoured")
	}
	if !cfg.Watch.Phonetic || cfg.Watch.PhoneticThreshold != 0.85 {
		t.Errorf("watch = %+v", cfg.Watch)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg := mustLoad(t, minimal(""))

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Server.ShutdownTimeout != config.DefaultShutdownTimeout {
		t.Errorf("shutdown timeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Transcriber.ShutdownTimeout != config.DefaultWorkerShutdownTimeout {
		t.Errorf("worker shutdown timeout = %v", cfg.Transcriber.ShutdownTimeout)
	}
	if cfg.Source.Name != config.SourcePulse || cfg.Source.Rate != 48000 {
		t.Errorf("source = %+v", cfg.Source)
	}
	if cfg.Listener.Latency != time.Second {
		t.Errorf("latency = %v, want 1s", cfg.Listener.Latency)
	}
	if !cfg.Watch.IsolateEnabled() {
		t.Error("isolation should default to on")
	}
	if !cfg.Source.RealtimeEnabled() {
		t.Error("realtime replay should default to on")
	}
}

func TestLoadFromReader_ExpandsEnv(t *testing.T) {
	t.Setenv("WORDWATCH_TEST_TOKEN", "secret-token")
	t.Setenv("WORDWATCH_TEST_GUILD", "guild-1")

	cfg := mustLoad(t, minimal(`
source:
  name: discord
  token: ${WORDWATCH_TEST_TOKEN}
  guild_id: $WORDWATCH_TEST_GUILD
  channel_id: "42"
`))
	if cfg.Source.Token != "secret-token" || cfg.Source.GuildID != "guild-1" {
		t.Errorf("source = %+v", cfg.Source)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(minimal("listener:\n  latencyy: 1s\n")))
	if err == nil || !strings.Contains(err.Error(), "latencyy") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wordwatch.yaml")
	if err := os.WriteFile(path, []byte(minimal("")), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load missing err = %v, want ErrNotExist", err)
	}
}

// ── validation ───────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{"minimal is valid", minimal(""), nil},
		{"empty document", "", []string{"transcriber.provider.name is required"}},
		{"bad log level", minimal("server:\n  log_level: loud\n"), []string{`server.log_level "loud"`}},
		{"tls needs both files", minimal("server:\n  tls:\n    cert_file: c.pem\n"), []string{"server.tls requires both"}},
		{
			"native needs model",
			"transcriber:\n  provider:\n    name: whisper-native\n",
			[]string{"transcriber.provider.model"},
		},
		{
			"server needs base_url",
			"transcriber:\n  provider:\n    name: whisper-server\n",
			[]string{"transcriber.provider.base_url"},
		},
		{
			"openai needs key",
			minimal("  fallbacks:\n    - name: openai\n"),
			[]string{"transcriber.fallbacks[0].api_key"},
		},
		{
			"window bounds",
			minimal("  max_window: 1s\n  min_window: 2s\n"),
			[]string{"min_window 2s exceeds max_window 1s"},
		},
		{"negative duration", minimal("listener:\n  drain_delay: -1s\n"), []string{"listener.drain_delay must not be negative"}},
		{"wav needs path", minimal("source:\n  name: wav\n"), []string{"source.path is required"}},
		{
			"discord needs token and channel",
			minimal("source:\n  name: discord\n"),
			[]string{"source.token is required", "source.guild_id and source.channel_id"},
		},
		{"websocket needs server", minimal("source:\n  name: websocket\n"), []string{"requires server.listen_addr"}},
		{
			"vad hysteresis",
			minimal("listener:\n  vad:\n    enter_factor: 2\n    exit_factor: 3\n"),
			[]string{"exit_factor 3.00 exceeds enter_factor 2.00"},
		},
		{"phonetic threshold", minimal("watch:\n  phonetic_threshold: 1.5\n"), []string{"watch.phonetic_threshold"}},
		{
			"all errors are reported",
			"server:\n  log_level: loud\nsource:\n  name: wav\n",
			[]string{"server.log_level", "transcriber.provider.name", "source.path"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()

	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()

	for _, kind := range []string{"transcriber", "source"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("no built-in names for %s", kind)
		}
	}
	for _, name := range config.ValidProviderNames["source"] {
		if !config.SourceKind(name).IsValid() {
			t.Errorf("source %q listed but not valid", name)
		}
	}
}
