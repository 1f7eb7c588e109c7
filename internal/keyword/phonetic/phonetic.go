// Package phonetic finds watch-list entries that a recognition engine
// misheard, using Double Metaphone encoding combined with Jaro-Winkler
// string similarity.
//
// For every entry the text is cut into runs of consecutive tokens, both the
// entry's own token count and one more (engines often split a single word,
// "kaboom" → "ka boom"). A run is a candidate when:
//
//  1. Its Double Metaphone codes overlap the entry's and their Jaro-Winkler
//     similarity reaches the phonetic threshold (default 0.80), or
//  2. No phonetic overlap exists but the similarity alone reaches the higher
//     fuzzy threshold (default 0.92).
//
// Phonetic candidates always beat fuzzy ones; within a class the highest
// score wins, and the earliest run breaks ties.
package phonetic

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.92
	defaultMinLength         = 4
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matching run. Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a run whose
// sounds do not match. Default: 0.92.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// WithMinLength sets how many letters an entry needs before it is matched
// phonetically at all. Short entries produce too many false positives.
// Default: 4.
func WithMinLength(n int) Option {
	return func(m *Matcher) {
		m.minLength = n
	}
}

// Hit is a phonetic match.
type Hit struct {
	// Word is the watch-list entry, as passed in.
	Word string
	// Heard is the run of text that matched, lower-cased.
	Heard string
	// Confidence is the Jaro-Winkler similarity in [0, 1].
	Confidence float64
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	minLength         int
}

// New returns a new [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		minLength:         defaultMinLength,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Find returns the entry of words that text most likely contains.
func (m *Matcher) Find(text string, words []string) (Hit, bool) {
	tokens := tokenize(text)
	if len(tokens) == 0 || len(words) == 0 {
		return Hit{}, false
	}

	type candidate struct {
		hit      Hit
		phonetic bool
	}
	var best candidate
	found := false

	for _, word := range words {
		wordTokens := tokenize(word)
		if letterCount(wordTokens) < m.minLength {
			continue
		}
		wordCodes := codesFor(strings.Join(wordTokens, ""))
		wordFull := strings.Join(wordTokens, " ")

		for n := len(wordTokens); n <= len(wordTokens)+1; n++ {
			for i := 0; i+n <= len(tokens); i++ {
				run := tokens[i : i+n]
				phon := codesOverlap(codesFor(strings.Join(run, "")), wordCodes)
				score := bestScore(run, wordTokens, wordFull)

				threshold := m.fuzzyThreshold
				if phon {
					threshold = m.phoneticThreshold
				}
				if score < threshold {
					continue
				}
				if found && (best.phonetic && !phon || best.phonetic == phon && score <= best.hit.Confidence) {
					continue
				}
				best = candidate{
					hit:      Hit{Word: word, Heard: strings.Join(run, " "), Confidence: score},
					phonetic: phon,
				}
				found = true
			}
		}
	}
	return best.hit, found
}

// tokenize lower-cases s and splits it into runs of letters, digits and
// apostrophes.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func letterCount(tokens []string) int {
	n := 0
	for _, t := range tokens {
		for _, r := range t {
			if unicode.IsLetter(r) {
				n++
			}
		}
	}
	return n
}

// codesFor returns the non-empty Double Metaphone codes of s.
func codesFor(s string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, a := matchr.DoubleMetaphone(s)
	if p != "" {
		codes[p] = struct{}{}
	}
	if a != "" {
		codes[a] = struct{}{}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestScore is the higher Jaro-Winkler similarity of the run against the
// entry, compared with spaces and with the tokens run together
// ("ka boom" vs "kaboom").
func bestScore(run, wordTokens []string, wordFull string) float64 {
	score := matchr.JaroWinkler(strings.Join(run, " "), wordFull, false)
	if len(run) > 1 || len(wordTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(run, ""), strings.Join(wordTokens, ""), false); s > score {
			score = s
		}
	}
	return score
}
