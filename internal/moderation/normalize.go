// Package moderation provides post-delivery content moderation. Messages are
// never blocked on their way to the receiver; instead a bounded worker pool
// scores them after the fact and redacts or flags offending content,
// notifying both parties of any redaction.
package moderation

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// leetTable maps common character substitutions back to the letter they
// stand in for. It is applied after lowercasing and before the
// non-alphanumeric collapse, so "!" and "$" survive long enough to be read
// as letters.
var leetTable = map[rune]rune{
	'4': 'a',
	'@': 'a',
	'3': 'e',
	'1': 'l',
	'!': 'i',
	'0': 'o',
	'$': 's',
	'7': 't',
}

// Normalize folds text into the canonical form the rules are written
// against: accents stripped, lowercase, leetspeak undone, and every run of
// characters outside [a-z0-9] collapsed into a single space with no leading
// or trailing space. Normalize is idempotent.
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	// A Chain is stateful, so build one per call.
	fold := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	decomposed, _, err := transform.String(fold, text)
	if err != nil {
		decomposed = text
	}

	var b strings.Builder
	b.Grow(len(decomposed))
	gap := false
	for _, r := range decomposed {
		r = unicode.ToLower(r)
		if sub, ok := leetTable[r]; ok {
			r = sub
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if gap && b.Len() > 0 {
				b.WriteByte(' ')
			}
			gap = false
			b.WriteRune(r)
			continue
		}
		gap = true
	}
	return b.String()
}

// Tokenize normalizes text and splits it into words.
func Tokenize(text string) []string {
	normalized := Normalize(text)
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, " ")
}
