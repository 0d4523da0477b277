// Package wakeword detects the configured wake phrase in transcribed
// speech. Transcriptions of a spoken wake phrase rarely match it verbatim
// ("hey pilot" comes back as "hey pilots" or "hay pilot"), so detection
// combines Double Metaphone phonetic codes with Jaro-Winkler similarity
// instead of exact string matching.
package wakeword

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Detector matches transcribed text against one wake phrase. It is
// immutable after construction and safe for concurrent use.
type Detector struct {
	tokens    []string
	threshold float64
}

// New creates a detector for phrase. threshold is the minimum Jaro-Winkler
// similarity in (0, 1] a phonetically matching window must reach; values
// outside that range fall back to 0.88.
func New(phrase string, threshold float64) *Detector {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.88
	}
	return &Detector{
		tokens:    strings.Fields(strings.ToLower(strings.TrimSpace(phrase))),
		threshold: threshold,
	}
}

// Match reports whether text contains the wake phrase, and returns the rest
// of the utterance following it. An utterance that is only the wake phrase
// returns ok with an empty remainder.
func (d *Detector) Match(text string) (remainder string, ok bool) {
	if len(d.tokens) == 0 {
		return "", false
	}
	words := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	n := len(d.tokens)
	if len(words) < n {
		return "", false
	}

	// Slide a phrase-sized window over the transcription. The first
	// matching window wins; everything after it is the command.
	for i := 0; i+n <= len(words); i++ {
		window := words[i : i+n]
		if !d.windowMatches(window) {
			continue
		}
		return strings.Join(words[i+n:], " "), true
	}
	return "", false
}

// windowMatches aligns window tokens with phrase tokens pairwise. Every
// pair must either share a Double Metaphone code or reach the similarity
// threshold. Similarity alone lets rhyming unrelated words through;
// phonetics alone fires on anything sharing a consonant skeleton, so a pair
// matching phonetically must still clear a relaxed similarity floor.
func (d *Detector) windowMatches(window []string) bool {
	for i, p := range d.tokens {
		w := window[i]
		score := matchr.JaroWinkler(w, p, false)
		if score >= d.threshold {
			continue
		}
		if codesOverlap(codesForTokens([]string{w}), codesForTokens([]string{p})) && score >= d.threshold*0.8 {
			continue
		}
		return false
	}
	return true
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
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
