// SPDX-License-Identifier: MIT

// Package textnorm implements the canonical text pipeline used for every
// artist, title and album comparison: NFC normalisation, case folding,
// punctuation folding and featuring-credit stripping. Normalize is
// idempotent; index keys and query keys go through the same function.
package textnorm

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var featPattern = regexp.MustCompile(`\s*[(\[](?:feat\.?|featuring|ft\.?|with)\s+[^)\]]*[)\]]`)

var punctFold = strings.NewReplacer(
	"‘", "'", // left single quote
	"’", "'", // right single quote
	"“", `"`, // left double quote
	"”", `"`, // right double quote
	"–", "-", // en dash
	"—", "-", // em dash
	" ", " ", // non-breaking space
)

// stopwords excluded from fuzzy word-overlap comparison.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {},
	"of": {}, "in": {}, "on": {}, "to": {}, "for": {},
}

// Normalize applies the canonical pipeline: NFC, lowercase, smart-quote and
// dash folding, featuring-parenthetical stripping, whitespace collapse.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(s)
	s = punctFold.Replace(s)
	s = featPattern.ReplaceAllString(s, "")
	return collapseSpace(strings.TrimSpace(s))
}

func collapseSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// Words splits a normalised string into comparison words with stopwords and
// bare punctuation tokens removed.
func Words(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, w := range fields {
		if _, skip := stopwords[w]; skip {
			continue
		}
		out = append(out, w)
	}
	return out
}

// WordOverlap returns the Jaccard overlap of the non-stopword word sets of
// two normalised strings. 0 when either side has no comparable words.
func WordOverlap(a, b string) float64 {
	wa, wb := Words(a), Words(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(wa))
	for _, w := range wa {
		set[w] = struct{}{}
	}
	union := len(set)
	inter := 0
	seen := make(map[string]struct{}, len(wb))
	for _, w := range wb {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if _, ok := set[w]; ok {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// OverlapThreshold is the word-overlap ratio at which two strings are
// considered a fuzzy match.
const OverlapThreshold = 0.7

// FuzzyEqual reports whether two normalised strings match by word overlap.
// Titles are compared at any length; other axes (minLen >= 3 in practice)
// abstain on very short inputs to avoid symbol collisions.
func FuzzyEqual(a, b string, minLen int) bool {
	if len(a) < minLen || len(b) < minLen {
		return false
	}
	return WordOverlap(a, b) >= OverlapThreshold
}
