package keyword

import (
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/wordwatch/internal/keyword/phonetic"
)

// Method names how a [Match] was found.
type Method string

const (
	// MethodExact is a literal, case-insensitive occurrence in the text.
	MethodExact Method = "exact"
	// MethodPhonetic is a run of text that sounds like the entry.
	MethodPhonetic Method = "phonetic"
)

// Match is a watch-list entry found in transcribed text.
type Match struct {
	// Word is the normalized watch-list entry.
	Word string
	// Text is the transcription it was found in.
	Text string
	// Heard is the part of Text that matched. For exact matches it equals
	// Word.
	Heard string
	// Method says how it was found.
	Method Method
	// Confidence is 1 for exact matches and the similarity score otherwise.
	Confidence float64
}

// DetectorOption configures a [Detector].
type DetectorOption func(*Detector)

// WithPhonetic enables the phonetic fallback using m.
func WithPhonetic(m *phonetic.Matcher) DetectorOption {
	return func(d *Detector) { d.phonetic = m }
}

// WithIsolate sets whether exact matches must stand alone as words.
func WithIsolate(isolate bool) DetectorOption {
	return func(d *Detector) { d.isolate.Store(isolate) }
}

// WithDetectorLogger sets the logger. Defaults to [slog.Default].
func WithDetectorLogger(l *slog.Logger) DetectorOption {
	return func(d *Detector) { d.log = l }
}

// Detector checks transcriptions against a watch-list that may change
// between calls. Safe for concurrent use.
type Detector struct {
	trie     *Trie
	phonetic *phonetic.Matcher
	isolate  atomic.Bool
	log      *slog.Logger
}

// NewDetector returns a detector with an empty watch-list.
func NewDetector(opts ...DetectorOption) *Detector {
	d := &Detector{trie: NewTrie(), log: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetIsolate changes the isolation mode for subsequent checks.
func (d *Detector) SetIsolate(isolate bool) { d.isolate.Store(isolate) }

// Isolate reports the current isolation mode.
func (d *Detector) Isolate() bool { return d.isolate.Load() }

// Words returns the watch-list indexed by the last check.
func (d *Detector) Words() []string { return d.trie.Words() }

// Check looks for any entry of words in text. The index is rebuilt only when
// words differs from the previous call. Exact matches take precedence; the
// phonetic fallback, if enabled, only runs when there is none.
func (d *Detector) Check(text string, words []string) (Match, bool) {
	if d.trie.Rebuild(words) {
		d.log.Debug("keyword: watch-list changed", "words", d.trie.Len())
	}
	if text == "" {
		return Match{}, false
	}

	if w, ok := d.trie.FindFirst(text, d.isolate.Load()); ok {
		return d.found(Match{Word: w, Text: text, Heard: w, Method: MethodExact, Confidence: 1}), true
	}

	if d.phonetic == nil {
		return Match{}, false
	}
	hit, ok := d.phonetic.Find(text, d.trie.Words())
	if !ok {
		return Match{}, false
	}
	return d.found(Match{
		Word:       hit.Word,
		Text:       text,
		Heard:      hit.Heard,
		Method:     MethodPhonetic,
		Confidence: hit.Confidence,
	}), true
}

func (d *Detector) found(m Match) Match {
	d.log.Debug("keyword: match",
		"word", m.Word,
		"heard", m.Heard,
		"method", string(m.Method),
		"confidence", m.Confidence,
	)
	return m
}
