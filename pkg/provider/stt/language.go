package stt

import "strings"

// BaseLanguage reduces a BCP-47 tag to its primary language subtag in lower
// case: "pt-BR" and "pt_br" both become "pt". Empty input yields "".
func BaseLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

// MatchLanguage maps a backend-reported language code back to the first
// configured tag with the same base language, so "pt" reported by a backend
// becomes "pt-BR" when that is what the session asked for. Unknown codes are
// returned unchanged.
func MatchLanguage(detected string, configured []string) string {
	base := BaseLanguage(detected)
	if base == "" {
		return ""
	}
	for _, tag := range configured {
		if BaseLanguage(tag) == base {
			return tag
		}
	}
	return detected
}

func uniqueLanguages(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[strings.ToLower(tag)] {
			continue
		}
		seen[strings.ToLower(tag)] = true
		out = append(out, tag)
	}
	return out
}
