// Package transcript reconciles overlapping partial transcripts coming
// from the streaming STT provider into a single rolling text.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	// Minimum edit-distance ratio for two words to count as the same word.
	wordMatchRatio = 0.8
	// Share of word pairs that must match for an overlap to be accepted.
	wordOverlapShare = 0.7
	// Minimum edit-distance ratio for the character-level fallback.
	charMatchRatio = 0.7
)

// Merge joins two transcript fragments, collapsing the region where the
// tail of existing and the head of incoming describe the same speech.
// It accepts any input and always returns a result; when no overlap is
// found the fragments are joined with a single space.
func Merge(existing, incoming string) string {
	existing = collapseWhitespace(existing)
	incoming = collapseWhitespace(incoming)
	if existing == "" {
		return incoming
	}
	if incoming == "" {
		return existing
	}

	if merged, ok := mergeByWords(existing, incoming); ok {
		return merged
	}
	if merged, ok := mergeByChars(existing, incoming); ok {
		return merged
	}
	return existing + " " + incoming
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// similarity is an edit-distance ratio in [0,1]; 1 means identical.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la := len([]rune(a))
	lb := len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(matchr.Levenshtein(a, b))/float64(longest)
}

// mergeByWords looks for a run of words where the end of existing
// lines up with the start of incoming, scanning run lengths from 1 up.
// A fully equal run wins outright; otherwise a run qualifies when at
// least wordOverlapShare of its pairs match (equal or close enough by
// edit distance), and the qualifying run with the most matched words
// is kept.
func mergeByWords(existing, incoming string) (string, bool) {
	head := strings.Split(existing, " ")
	tail := strings.Split(incoming, " ")

	longest := len(head)
	if len(tail) < longest {
		longest = len(tail)
	}

	best, bestMatched := 0, 0
	for n := 1; n <= longest; n++ {
		suffix := head[len(head)-n:]
		prefix := tail[:n]

		exact := true
		matched := 0
		for i := 0; i < n; i++ {
			if suffix[i] == prefix[i] {
				matched++
				continue
			}
			exact = false
			if wordsMatch(suffix[i], prefix[i]) {
				matched++
			}
		}
		if exact {
			best = n
			break
		}
		if float64(matched) >= wordOverlapShare*float64(n) && matched > bestMatched {
			best, bestMatched = n, matched
		}
	}
	if best == 0 {
		return "", false
	}
	return strings.Join(append(head, tail[best:]...), " "), true
}

// Case differences never count against a match; the merged output keeps
// the original casing.
func wordsMatch(a, b string) bool {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	return a == b || similarity(a, b) >= wordMatchRatio
}

// mergeByChars is the fallback for overlaps that cut through a word:
// the shortest suffix of existing that fuzzily equals a prefix of
// incoming is collapsed.
func mergeByChars(existing, incoming string) (string, bool) {
	er := []rune(existing)
	ir := []rune(incoming)

	longest := len(er)
	if len(ir) < longest {
		longest = len(ir)
	}
	for n := 1; n <= longest; n++ {
		suffix := strings.ToLower(string(er[len(er)-n:]))
		prefix := strings.ToLower(string(ir[:n]))
		if similarity(suffix, prefix) >= charMatchRatio {
			return existing + string(ir[n:]), true
		}
	}
	return "", false
}
