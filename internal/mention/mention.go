// Package mention classifies chat text as addressing the assistant.
package mention

import (
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"
)

// Predicate reports whether text mentions the assistant.
// Implementations must be deterministic for a given vocabulary.
type Predicate func(text string) bool

// Detector matches text against a configurable set of trigger tokens
// (e.g. "@bruce", "@ai"). Matching is case-insensitive and requires the
// token to stand alone: "@ai" matches "hey @ai," but not "@aiden".
// Tokens can be replaced at runtime; each call sees one consistent set.
type Detector struct {
	tokens atomic.Pointer[[]string]
}

// NewDetector creates a detector for tokens. Blank tokens are ignored.
func NewDetector(tokens []string) *Detector {
	d := &Detector{}
	d.SetTokens(tokens)
	return d
}

// SetTokens swaps the trigger vocabulary.
func (d *Detector) SetTokens(tokens []string) {
	norm := normalize(tokens)
	d.tokens.Store(&norm)
}

// Tokens returns the current vocabulary, lowercased.
func (d *Detector) Tokens() []string {
	p := d.tokens.Load()
	if p == nil {
		return nil
	}
	return append([]string(nil), (*p)...)
}

// Mentions reports whether text contains any trigger token.
func (d *Detector) Mentions(text string) bool {
	p := d.tokens.Load()
	if p == nil || len(*p) == 0 || text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, tok := range *p {
		if containsToken(lower, tok) {
			return true
		}
	}
	return false
}

// Predicate exposes the detector as a plain function.
func (d *Detector) Predicate() Predicate { return d.Mentions }

func containsToken(text, tok string) bool {
	for start := 0; start < len(text); {
		i := strings.Index(text[start:], tok)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(tok)
		if boundaryBefore(text, i) && boundaryAfter(text, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		start = i + size
	}
	return false
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, end int) bool {
	if end >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[end:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-'
}

func normalize(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	seen := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
