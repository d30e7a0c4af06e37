package transcript

import (
	"strings"
	"unicode"
)

// Correction records one replacement made by a [Corrector].
type Correction struct {
	Original  string
	Corrected string
	Score     float64
}

// Corrector rewrites utterances so that misrecognised vocabulary is spelled
// as in the lesson. It is safe for concurrent use.
type Corrector struct {
	matcher *Matcher
}

// NewCorrector returns a Corrector using a [Matcher] built from opts.
func NewCorrector(opts ...MatcherOption) *Corrector {
	return &Corrector{matcher: NewMatcher(opts...)}
}

type token struct {
	lead, core, trail string
}

func splitToken(s string) token {
	core := strings.TrimFunc(s, unicode.IsPunct)
	if core == "" {
		return token{lead: s}
	}
	i := strings.Index(s, core)
	return token{lead: s[:i], core: core, trail: s[i+len(core):]}
}

// Correct returns text with vocabulary look-alikes replaced. At each
// position the longest window of words that matches an entry wins; a
// multi-word window only matches an entry with the same number of words.
// Punctuation around the replaced words is kept. Words that already equal
// an entry are left alone.
func (c *Corrector) Correct(text string, vocabulary []string) (string, []Correction) {
	v := Prepare(vocabulary)
	fields := strings.Fields(text)
	if v.Len() == 0 || len(fields) == 0 {
		return text, nil
	}
	toks := make([]token, len(fields))
	for i, f := range fields {
		toks[i] = splitToken(f)
	}

	var (
		out         []string
		corrections []Correction
		changed     bool
	)
	for i := 0; i < len(toks); {
		consumed := 0
		for n := min(v.MaxWords(), len(toks)-i); n >= 1; n-- {
			window, ok := joinCores(toks[i : i+n])
			if !ok {
				continue
			}
			match, score, ok := c.matcher.Match(window, v)
			if !ok || (n > 1 && len(strings.Fields(match)) != n) {
				continue
			}
			consumed = n
			if strings.EqualFold(match, window) {
				out = append(out, fields[i:i+n]...)
				break
			}
			out = append(out, toks[i].lead+match+toks[i+n-1].trail)
			corrections = append(corrections, Correction{Original: window, Corrected: match, Score: score})
			changed = true
			break
		}
		if consumed == 0 {
			out = append(out, fields[i])
			consumed = 1
		}
		i += consumed
	}
	if !changed {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// joinCores joins the words of a window. Inner punctuation breaks the
// window, so phrases never span a sentence or clause boundary.
func joinCores(toks []token) (string, bool) {
	parts := make([]string, len(toks))
	for i, t := range toks {
		if t.core == "" {
			return "", false
		}
		if i > 0 && t.lead != "" {
			return "", false
		}
		if i < len(toks)-1 && t.trail != "" {
			return "", false
		}
		parts[i] = t.core
	}
	return strings.Join(parts, " "), true
}
