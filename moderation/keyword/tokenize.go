package keyword

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nonTokenChars = regexp.MustCompile(`[^\pL\pN\s]+`)

// Tokenize splits free-form text into lower-case tokens, with unicode
// normalization and accent folding.
//
// The intent is similar to an NLP tokenizer as used by a fulltext search
// engine: fold away the decorations an author might use to dodge a word list,
// then allow fast comparison against known tokens.
func Tokenize(text string) []string {
	// the transform chain is not safe for concurrent use, so build it per call
	normFunc := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	split := strings.ToLower(nonTokenChars.ReplaceAllString(text, " "))
	folded, _, err := transform.String(normFunc, split)
	if err != nil {
		slog.Warn("unicode normalization error", "err", err)
		folded = split
	}
	return strings.Fields(folded)
}
