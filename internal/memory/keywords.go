package memory

import (
	"strings"
	"unicode"
)

// SearchTerms splits text into lowercase search terms, dropping stop words and
// one-letter tokens. Order of first appearance is kept and duplicates removed.
// Underscores and hyphens are separators so "workflow_complete" yields
// "workflow" and "complete", matching how SQLite FTS5 tokenizes.
func SearchTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

// KeywordSet returns the unique search terms of text.
func KeywordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range SearchTerms(text) {
		set[t] = true
	}
	return set
}

// KeywordSimilarity computes the keyword overlap ratio between two texts,
// relative to the smaller keyword set.
func KeywordSimilarity(a, b string) float64 {
	wordsA := KeywordSet(a)
	wordsB := KeywordSet(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	overlap := 0
	for w := range wordsA {
		if wordsB[w] {
			overlap++
		}
	}

	denominator := len(wordsA)
	if len(wordsB) < denominator {
		denominator = len(wordsB)
	}
	return float64(overlap) / float64(denominator)
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "had": true,
	"was": true, "one": true, "our": true, "out": true, "has": true,
	"have": true, "this": true, "that": true, "with": true, "from": true,
	"they": true, "been": true, "each": true, "which": true, "their": true,
	"will": true, "other": true, "about": true, "then": true, "them": true,
	"these": true, "some": true, "would": true, "into": true, "in": true,
	"of": true, "to": true, "a": true, "an": true, "is": true, "it": true,
	"on": true, "at": true, "by": true, "or": true, "as": true, "be": true,
}
