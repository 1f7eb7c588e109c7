package phonetic_test

import (
	"testing"

	"github.com/MrWong99/wordwatch/internal/keyword/phonetic"
)

func TestMatcher_Find(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		text      string
		words     []string
		wantWord  string
		wantHeard string
		wantOK    bool
	}{
		{"misspelled name", "i think steev is behind you", []string{"Steve"}, "Steve", "steev", true},
		{"split word", "the hero brine is here", []string{"herobrine"}, "herobrine", "hero brine", true},
		{"punctuation ignored", "STEEV!", []string{"steve"}, "steve", "steev", true},
		{"unrelated text", "hello there", []string{"steve"}, "", "", false},
		{"rhyme is not a match", "in the room", []string{"boom"}, "", "", false},
		{"short entries skipped", "ox", []string{"ox"}, "", "", false},
		{"no words", "steve", nil, "", "", false},
		{"no text", "", []string{"steve"}, "", "", false},
	}

	m := phonetic.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			hit, ok := m.Find(tt.text, tt.words)
			if ok != tt.wantOK {
				t.Fatalf("Find(%q) ok = %v (hit %+v), want %v", tt.text, ok, hit, tt.wantOK)
			}
			if !ok {
				return
			}
			if hit.Word != tt.wantWord || hit.Heard != tt.wantHeard {
				t.Errorf("Find(%q) = %+v, want word %q heard %q", tt.text, hit, tt.wantWord, tt.wantHeard)
			}
			if hit.Confidence < 0.8 || hit.Confidence > 1 {
				t.Errorf("confidence = %f out of range", hit.Confidence)
			}
		})
	}
}

func TestMatcher_BestEntryWins(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	hit, ok := m.Find("watch out for steev", []string{"stove", "steve"})
	if !ok {
		t.Fatal("no match")
	}
	if hit.Word != "steve" {
		t.Errorf("Word = %q, want the closer entry steve", hit.Word)
	}
}

func TestMatcher_ThresholdFiltering(t *testing.T) {
	t.Parallel()

	m := phonetic.New(
		phonetic.WithPhoneticThreshold(0.99),
		phonetic.WithFuzzyThreshold(0.99),
	)
	if hit, ok := m.Find("steev", []string{"steve"}); ok {
		t.Fatalf("threshold 0.99 accepted %+v", hit)
	}
}

func TestMatcher_MinLength(t *testing.T) {
	t.Parallel()

	m := phonetic.New(phonetic.WithMinLength(2))
	if _, ok := m.Find("ox", []string{"ox"}); !ok {
		t.Error("entry at the minimum length was skipped")
	}
}
