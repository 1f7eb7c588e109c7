package vad

// VADEvent represents a voice activity detection result for a single block.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is a speech likelihood score (0.0–1.0). Energy-based
	// engines derive it from the block level relative to the enter threshold.
	Probability float64
}

// Speaking reports whether the event belongs to an active speech segment.
func (e VADEvent) Speaking() bool {
	return e.Type == VADSpeechStart || e.Type == VADSpeechContinue
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// String returns the human-readable name of the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}
