package orchestrator

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// sentenceBoundaries is the exact boundary set for flushing accumulated
// tokens to synthesis. It covers ASCII and fullwidth terminators and is
// deliberately unaware of abbreviations and decimals: a spurious pause before
// synthesis is acceptable, a mid-sentence flush is not.
const sentenceBoundaries = ".!?。！？"

// sentenceComplete reports whether the buffer, after right-trimming
// whitespace, ends on a sentence boundary.
func sentenceComplete(s string) bool {
	trimmed := strings.TrimRightFunc(s, unicode.IsSpace)
	if trimmed == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(trimmed)
	return strings.ContainsRune(sentenceBoundaries, r)
}
