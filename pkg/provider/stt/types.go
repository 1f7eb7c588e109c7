package stt

// Options tune a session. Providers ignore fields they do not support.
type Options struct {
	// Language is the spoken language as an ISO-639-1 code (e.g. "en", "de").
	// Empty or "auto" lets the engine detect it.
	Language string

	// Translate asks the engine to translate to English instead of
	// transcribing verbatim.
	Translate bool

	// VADFilter enables the engine's own silence gate: windows whose energy
	// stays below VADThreshold are answered with empty text without running
	// the model. This is independent of the listener's VAD, which only
	// decides when windows are cut.
	VADFilter bool

	// VADThreshold is the RMS level (0–1) below which a window counts as
	// silence when VADFilter is set. Zero selects the provider default.
	VADThreshold float64

	// Threads caps the CPU threads a native engine may use. Zero keeps the
	// engine default.
	Threads int

	// Hints lists words the engine should expect, such as the watch-list.
	// Providers that accept a prompt pass them as vocabulary context.
	Hints []string
}
