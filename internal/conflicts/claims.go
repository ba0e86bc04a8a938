package conflicts

import (
	"strings"
	"unicode"
)

// minStatementLen drops fragments too short to carry an instruction.
const minStatementLen = 8

// SplitStatements breaks instruction text into individual statements. It
// splits on line-level list items, sentence-ending punctuation and
// semicolons, then drops fragments shorter than minStatementLen.
func SplitStatements(text string) []string {
	if len(text) == 0 {
		return nil
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*#0123456789.) ")
		for _, sentence := range splitSentences(line) {
			for _, part := range strings.Split(sentence, ";") {
				part = strings.TrimSpace(part)
				if len(part) >= minStatementLen {
					out = append(out, part)
				}
			}
		}
	}
	return out
}

// splitSentences splits on . ! ? when followed by whitespace and an
// uppercase letter or digit, so abbreviations like "e.g. the" stay intact.
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		if runes[i] != '.' && runes[i] != '!' && runes[i] != '?' {
			continue
		}
		if i+2 < len(runes) && unicode.IsSpace(runes[i+1]) &&
			(unicode.IsUpper(runes[i+2]) || unicode.IsDigit(runes[i+2])) {
			sentences = append(sentences, string(runes[start:i+1]))
			start = i + 2
		}
	}
	if start < len(runes) {
		sentences = append(sentences, string(runes[start:]))
	}
	return sentences
}

// words lowercases text and returns its alphanumeric tokens.
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
