// SPDX-License-Identifier: MIT

package textnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "Emmure", "emmure"},
		{"smart quotes", "Don’t Stop", "don't stop"},
		{"em dash", "Part One — Part Two", "part one - part two"},
		{"feat stripped", "Song Title (feat. Someone)", "song title"},
		{"featuring stripped", "Song [featuring A & B]", "song"},
		{"whitespace collapsed", "  a   b \t c ", "a b c"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"Déjà Vu (feat. Ghost)",
		"Weird–Dashes—Here",
		"“Quoted” ‘Words’",
		"   spaced   out   ",
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "normalise must be idempotent for %q", in)
	}
}

func TestWordOverlap(t *testing.T) {
	assert.Equal(t, 1.0, WordOverlap("deconstructed", "deconstructed"))
	assert.Equal(t, 0.0, WordOverlap("alpha", "omega"))

	// Stopwords do not count toward overlap.
	got := WordOverlap("rise of the phoenix", "rise of phoenix")
	assert.Equal(t, 1.0, got)

	// Partial overlap: {dark, side, moon} vs {dark, moon} = 2/3.
	got = WordOverlap("dark side moon", "dark moon")
	assert.InDelta(t, 2.0/3.0, got, 1e-9)
}

func TestFuzzyEqual(t *testing.T) {
	assert.True(t, FuzzyEqual("the black parade", "black parade", 0))
	assert.False(t, FuzzyEqual("ab", "ab", 3), "short inputs abstain above minLen")
	assert.True(t, FuzzyEqual("ab", "ab", 0), "titles compare at any length")
}
