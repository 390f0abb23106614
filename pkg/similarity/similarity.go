// Package similarity tokenizes post bodies and scores their overlap, so the
// risk engine can block near-duplicate content before it reaches the
// Platform.
package similarity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
)

// Threshold is the default similarity score at or above which two bodies are
// considered duplicates.
const Threshold = 0.86

var urlPattern = regexp.MustCompile(`https?://\S+`)

// Normalize lowercases s, strips URLs, drops '@' and '#' sigils, replaces
// every non-letter/non-digit rune with a space, and collapses the result to
// single-space-separated tokens of length >= 2.
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = urlPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "@", "")
	s = strings.ReplaceAll(s, "#", "")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}

	var tokens []string
	for _, f := range strings.Fields(b.String()) {
		if len([]rune(f)) >= 2 {
			tokens = append(tokens, f)
		}
	}
	return strings.Join(tokens, " ")
}

// Fingerprint returns the first 24 hex characters of the SHA-256 digest of
// Normalize(s). It is a coarse lookup hint, not a collision-free hash.
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(Normalize(s)))
	return hex.EncodeToString(sum[:])[:24]
}

// tokenSet returns the unique whitespace-separated tokens of a normalized string.
func tokenSet(normalized string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(normalized) {
		set[tok] = struct{}{}
	}
	return set
}

// Similarity returns the Jaccard similarity of the token sets of a and b,
// after normalization. An empty token set on either side yields 0.
func Similarity(a, b string) float64 {
	setA := tokenSet(Normalize(a))
	setB := tokenSet(Normalize(b))

	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// TooSimilar reports whether candidate scores at or above threshold against
// any body in corpus.
func TooSimilar(candidate string, corpus []string, threshold float64) bool {
	for _, x := range corpus {
		if Similarity(candidate, x) >= threshold {
			return true
		}
	}
	return false
}
