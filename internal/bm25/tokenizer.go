// Package bm25 implements the lexical branch of hybrid retrieval (spec
// §4.D): a language-aware tokenizer with CJK segmentation feeding a
// bleve-backed BM25 index, grounded on Aman-CERP-amanmcp's
// internal/store/bm25.go (bleve.NewMemOnly + custom analyzer) and its
// tokenizer.go (regex word-splitting, filtered to len >= 2).
package bm25

import (
	"regexp"
	"strings"
	"unicode"
)

// tokenRegex pulls runs of letters/digits (any script) out of free text,
// mirroring tokenizer.go's word-boundary regex but widened from ASCII
// identifiers to \p{L}\p{N} so CJK runs survive as candidate words before
// per-rune segmentation below.
var tokenRegex = regexp.MustCompile(`[\p{L}\p{N}]+`)

// isCJK reports whether r falls in a CJK Unicode block. Nodes and queries
// in this domain mix Chinese regulatory text with Latin acronyms (airline
// codes, "JS0"), so the tokenizer must segment both.
func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// Tokenize splits text into lowercase tokens: CJK runs are segmented into
// overlapping character bigrams (no whitespace delimits Chinese words), while
// Latin/digit runs are kept whole (spec §4.D "language-aware tokenizer with
// CJK segmentation"). Tokens shorter than 2 runes are dropped, matching
// tokenizer.go's len(lower) >= 2 filter and spec §4.D's matched_keywords
// rule ("query tokens of length >= 2").
func Tokenize(text string) []string {
	var tokens []string
	for _, word := range tokenRegex.FindAllString(text, -1) {
		lower := strings.ToLower(word)
		runes := []rune(lower)
		if len(runes) == 0 {
			continue
		}
		if isCJK(runes[0]) {
			tokens = append(tokens, segmentCJK(runes)...)
			continue
		}
		if len(runes) >= 2 {
			tokens = append(tokens, lower)
		}
	}
	return tokens
}

// segmentCJK emits every adjacent bigram of a CJK run (no single-character
// tokens; a one-rune run yields nothing), the standard cheap approximation to CJK word
// segmentation used when no dictionary-based segmenter is available: bigram
// overlap is what lets BM25 match multi-character terms like "签证"
// ("visa") without a real word list.
func segmentCJK(runes []rune) []string {
	var out []string
	for i := 0; i < len(runes); i++ {
		if i+1 < len(runes) {
			out = append(out, string(runes[i:i+2]))
		}
	}
	return out
}
