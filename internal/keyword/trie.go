// Package keyword finds watched words and phrases in transcribed text.
//
// A [Trie] indexes the current watch-list and scans text for the first
// occurrence of any entry, case-insensitively and optionally only at word
// boundaries. A [Detector] combines a Trie with a phonetic fallback for
// entries the recognition engine tends to mishear.
package keyword

import (
	"slices"
	"strings"
	"sync"
	"unicode"
)

type node struct {
	children map[rune]*node
	terminal bool
}

func newNode() *node { return &node{children: make(map[rune]*node)} }

// Trie is a prefix tree over a watch-list. It always reflects exactly the
// list passed to the last [Trie.Rebuild]; the tree is replaced wholesale,
// never patched. Safe for concurrent use.
type Trie struct {
	mu    sync.RWMutex
	words []string
	root  *node
}

// NewTrie returns a trie indexing words.
func NewTrie(words ...string) *Trie {
	t := &Trie{root: newNode()}
	t.Rebuild(words)
	return t
}

// Normalize trims and lower-cases every entry and drops empty ones. Order
// is preserved.
func Normalize(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Map(unicode.ToLower, strings.TrimSpace(w))
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// Rebuild replaces the index with words if the normalized list differs from
// the one currently indexed. It reports whether a rebuild happened.
func (t *Trie) Rebuild(words []string) bool {
	norm := Normalize(words)

	t.mu.RLock()
	same := t.root != nil && slices.Equal(norm, t.words)
	t.mu.RUnlock()
	if same {
		return false
	}

	root := newNode()
	for _, w := range norm {
		n := root
		for _, r := range w {
			child, ok := n.children[r]
			if !ok {
				child = newNode()
				n.children[r] = child
			}
			n = child
		}
		n.terminal = true
	}

	t.mu.Lock()
	t.words = norm
	t.root = root
	t.mu.Unlock()
	return true
}

// Words returns a copy of the indexed, normalized watch-list.
func (t *Trie) Words() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.words)
}

// Len returns the number of indexed entries.
func (t *Trie) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.words)
}

// FindFirst scans text left to right and returns the first watched entry
// found, in its normalized form.
//
// At each starting offset the trie is walked as far as the text allows and
// the first terminal node reached wins, so of two entries sharing a prefix
// the shorter one is reported. With isolate set, a terminal node only
// counts if the runes immediately before and after the match are not
// letters; otherwise the walk continues toward longer entries.
func (t *Trie) FindFirst(text string, isolate bool) (string, bool) {
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()
	if root == nil || len(root.children) == 0 || text == "" {
		return "", false
	}

	runes := []rune(text)
	for i := range runes {
		if isolate && i > 0 && unicode.IsLetter(runes[i-1]) {
			continue
		}
		n := root
		for j := i; j < len(runes); j++ {
			next, ok := n.children[unicode.ToLower(runes[j])]
			if !ok {
				break
			}
			n = next
			if !n.terminal {
				continue
			}
			if isolate && j+1 < len(runes) && unicode.IsLetter(runes[j+1]) {
				continue
			}
			return strings.Map(unicode.ToLower, string(runes[i:j+1])), true
		}
	}
	return "", false
}
