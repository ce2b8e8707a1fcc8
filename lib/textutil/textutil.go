package textutil

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

func NormalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.Trim(name, " \n\t")
	name = whitespaceRegex.ReplaceAllString(name, "")
	return name
}

func MatchName(name string, matchers []string) bool {
	name = NormalizeName(name)
	for _, m := range matchers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

// ClosestMatch returns the candidate whose normalized form is most similar to
// name by Jaro-Winkler distance, ok is false if nothing reaches threshold.
func ClosestMatch(name string, candidates []string, threshold float64) (match string, score float64, ok bool) {
	normalized := NormalizeName(name)
	if normalized == "" {
		return "", 0, false
	}
	for _, c := range candidates {
		s := matchr.JaroWinkler(normalized, NormalizeName(c), false)
		if s > score {
			score = s
			match = c
		}
	}
	if score < threshold {
		return "", score, false
	}
	return match, score, true
}
