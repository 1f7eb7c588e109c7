package main

import (
	"log/slog"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/wordwatch/internal/config"
	"github.com/MrWong99/wordwatch/internal/resilience"
	sttmock "github.com/MrWong99/wordwatch/pkg/provider/stt/mock"
)

func TestRegisterBuiltins(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltins(reg, slog.Default())

	names := slices.Sorted(slices.Values(config.ValidProviderNames["transcriber"]))
	if diff := cmp.Diff(names, reg.STTNames()); diff != "" {
		t.Errorf("STT names (-want +got):\n%s", diff)
	}
	want := []config.SourceKind{config.SourceDiscord, config.SourcePulse, config.SourceWAV, config.SourceWebsocket}
	if diff := cmp.Diff(want, reg.SourceNames()); diff != "" {
		t.Errorf("source names (-want +got):\n%s", diff)
	}
}

func TestBuildTranscriber(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltins(reg, slog.Default())

	p, err := buildTranscriber(config.TranscriberConfig{
		Provider: config.ProviderEntry{Name: "mock", Options: map[string]any{"text": "hi"}},
	}, reg, slog.Default())
	if err != nil {
		t.Fatalf("buildTranscriber: %v", err)
	}
	if _, ok := p.(*sttmock.Provider); !ok {
		t.Errorf("single provider = %T, want the mock itself", p)
	}

	p, err = buildTranscriber(config.TranscriberConfig{
		Provider:  config.ProviderEntry{Name: "mock"},
		Fallbacks: []config.ProviderEntry{{Name: "mock"}, {Name: "mock"}},
	}, reg, slog.Default())
	if err != nil {
		t.Fatalf("buildTranscriber with fallbacks: %v", err)
	}
	f, ok := p.(*resilience.Failover)
	if !ok {
		t.Fatalf("provider = %T, want *resilience.Failover", p)
	}
	if diff := cmp.Diff([]string{"mock", "mock#1", "mock#2"}, f.Names()); diff != "" {
		t.Errorf("chain (-want +got):\n%s", diff)
	}
}

func TestBuildTranscriber_UnknownFallback(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltins(reg, slog.Default())
	_, err := buildTranscriber(config.TranscriberConfig{
		Provider:  config.ProviderEntry{Name: "mock"},
		Fallbacks: []config.ProviderEntry{{Name: "nope"}},
	}, reg, slog.Default())
	if err == nil {
		t.Fatal("expected an error for an unregistered fallback")
	}
}
