package config

import (
	"reflect"
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs. Changes that can
// be applied live carry their new value; everything else is listed in
// RestartRequired by section name.
type ConfigDiff struct {
	WordsChanged bool
	Words        []string

	IsolateChanged bool
	Isolate        bool

	LatencyChanged bool
	Latency        time.Duration

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the sections (e.g. "transcriber",
	// "watch.phonetic") whose changes only take effect after a restart.
	RestartRequired []string
}

// Live reports whether any change can be applied without a restart.
func (d ConfigDiff) Live() bool {
	return d.WordsChanged || d.IsolateChanged || d.LatencyChanged || d.LogLevelChanged
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if !slices.Equal(old.Watch.Words, new.Watch.Words) {
		d.WordsChanged = true
		d.Words = slices.Clone(new.Watch.Words)
	}
	if old.Watch.IsolateEnabled() != new.Watch.IsolateEnabled() {
		d.IsolateChanged = true
		d.Isolate = new.Watch.IsolateEnabled()
	}
	if old.Listener.Latency != new.Listener.Latency {
		d.LatencyChanged = true
		d.Latency = new.Listener.Latency
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Compare the rest with the live fields masked out.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	oldListener, newListener := old.Listener, new.Listener
	oldListener.Latency, newListener.Latency = 0, 0

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"transcriber", old.Transcriber, new.Transcriber},
		{"source", old.Source, new.Source},
		{"listener", oldListener, newListener},
		{"watch.phonetic", phoneticOf(old.Watch), phoneticOf(new.Watch)},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}

type phoneticSettings struct {
	on        bool
	threshold float64
}

func phoneticOf(w WatchConfig) phoneticSettings {
	return phoneticSettings{w.Phonetic, w.PhoneticThreshold}
}
