// Package transcript repairs recognizer output against a known vocabulary.
//
// Speech recognizers tend to mangle the proper nouns and new words of a
// lesson ("Mariah" for "Maria", "fera" for "feira"). A [Corrector] walks the
// learner's utterance and replaces words or short phrases that sound like a
// vocabulary entry with the entry's spelling.
//
// Matching runs in two stages. Double Metaphone codes select phonetic
// candidates, which are ranked by Jaro-Winkler similarity and accepted above
// the phonetic threshold. Without a phonetic candidate a plain Jaro-Winkler
// match above the stricter fuzzy threshold is accepted.
package transcript

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90

	// Shorter inputs match far too many entries.
	minMatchRunes = 4
)

// Matcher finds the vocabulary entry that sounds most like a word or
// phrase. It is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// MatcherOption configures a [Matcher].
type MatcherOption func(*Matcher)

// WithPhoneticThreshold sets the Jaro-Winkler score a phonetic candidate
// needs. Default: 0.80.
func WithPhoneticThreshold(v float64) MatcherOption {
	return func(m *Matcher) { m.phoneticThreshold = v }
}

// WithFuzzyThreshold sets the score needed without a phonetic candidate.
// Default: 0.90.
func WithFuzzyThreshold(v float64) MatcherOption {
	return func(m *Matcher) { m.fuzzyThreshold = v }
}

// NewMatcher returns a Matcher with the default thresholds.
func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// entry is a vocabulary item with its phonetic codes computed once.
type entry struct {
	text   string
	lower  string
	tokens []string
	codes  map[string]struct{}
}

// Vocabulary is a prepared list of entries for repeated matching.
type Vocabulary struct {
	entries  []entry
	maxWords int
}

// Prepare computes the phonetic codes of words. Blank entries are dropped.
func Prepare(words []string) *Vocabulary {
	v := &Vocabulary{entries: make([]entry, 0, len(words))}
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		lower := strings.ToLower(w)
		tokens := strings.Fields(lower)
		v.entries = append(v.entries, entry{
			text:   w,
			lower:  lower,
			tokens: tokens,
			codes:  codesFor(tokens),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// Len reports the number of entries.
func (v *Vocabulary) Len() int { return len(v.entries) }

// MaxWords is the word count of the longest entry.
func (v *Vocabulary) MaxWords() int { return v.maxWords }

// Match returns the entry best matching phrase and its similarity score.
// ok is false when nothing clears the thresholds.
func (m *Matcher) Match(phrase string, v *Vocabulary) (match string, score float64, ok bool) {
	lower := strings.ToLower(strings.TrimSpace(phrase))
	if utf8.RuneCountInString(strings.ReplaceAll(lower, " ", "")) < minMatchRunes {
		return phrase, 0, false
	}
	tokens := strings.Fields(lower)
	codes := codesFor(tokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, e := range v.entries {
		jw := similarity(tokens, e.tokens, lower, e.lower)
		if overlaps(codes, e.codes) {
			if jw >= m.phoneticThreshold && (!bestPhonetic || jw > bestScore) {
				best, bestScore, bestPhonetic = e.text, jw, true
			}
			continue
		}
		if !bestPhonetic && jw >= m.fuzzyThreshold && jw > bestScore {
			best, bestScore = e.text, jw
		}
	}
	if best == "" {
		return phrase, 0, false
	}
	return best, bestScore, true
}

func codesFor(tokens []string) map[string]struct{} {
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

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score of the full strings, the
// strings without spaces and, for multi-word entries, any pair of words of
// equal count.
func similarity(in, ent []string, inFull, entFull string) float64 {
	score := matchr.JaroWinkler(inFull, entFull, false)
	if len(in) > 1 || len(ent) > 1 {
		score = max(score, matchr.JaroWinkler(strings.Join(in, ""), strings.Join(ent, ""), false))
	}
	if len(in) == len(ent) && len(in) > 1 {
		sum := 0.0
		for i := range in {
			sum += matchr.JaroWinkler(in[i], ent[i], false)
		}
		score = max(score, sum/float64(len(in)))
	}
	return score
}
