// Package detector listens to transcribed utterances and resolves them
// against the registered secret tags: normalization, identifier hashing,
// and the activate/deactivate/panic dispatch.
package detector

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize canonicalizes a transcript so the same spoken phrase always
// hashes identically: NFKC, lower case, punctuation stripped, whitespace
// collapsed. Registration and detection must both pass through here.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			space = false
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Words splits a normalized transcript.
func Words(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, " ")
}
