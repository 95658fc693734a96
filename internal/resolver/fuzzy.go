package resolver

import (
	"strings"
	"unicode"
)

// normalize lowercases, trims and collapses whitespace
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// levenshtein returns the edit distance between a and b, by rune
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// FuzzyRatio is the Levenshtein similarity of a and b in [0,1]. It is symmetric.
func FuzzyRatio(a, b string) float64 {
	a, b = normalize(a), normalize(b)
	if a == "" && b == "" {
		return 1
	}
	longest := max(len([]rune(a)), len([]rune(b)))
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

func tokenize(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// TokenOverlap is the fraction of shared word tokens, relative to the larger token set
func TokenOverlap(a, b string) float64 {
	ta, tb := tokenize(a), tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(max(len(ta), len(tb)))
}
