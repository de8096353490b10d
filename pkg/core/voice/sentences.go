package voice

import "strings"

// SplitSentences cuts a reply into complete sentences so speech synthesis
// can start on the first one while the rest are still in flight. Trailing
// text without a terminator comes back as a final fragment.
func SplitSentences(text string) []string {
	var sentences []string
	last := 0
	for i := 0; i < len(text); i++ {
		if !sentenceBoundary(text, i) {
			continue
		}
		if s := strings.TrimSpace(text[last : i+1]); s != "" {
			sentences = append(sentences, s)
		}
		last = i + 1
	}
	if s := strings.TrimSpace(text[last:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// sentenceBoundary reports whether text[i] ends a sentence. Periods inside
// abbreviations and initials do not count, and the terminator must be
// followed by whitespace or end of text.
func sentenceBoundary(text string, i int) bool {
	switch text[i] {
	case '!', '?':
	case '.':
		if isAbbreviation(text, i) {
			return false
		}
	default:
		return false
	}
	if i+1 < len(text) {
		switch text[i+1] {
		case ' ', '\n', '\r', '\t':
		default:
			return false
		}
	}
	return true
}

var abbreviations = []string{
	"Dr.", "Mr.", "Mrs.", "Ms.", "Jr.", "Sr.", "Prof.",
	"Inc.", "Ltd.", "Corp.", "Co.", "vs.", "etc.",
	"i.e.", "e.g.", "a.m.", "p.m.",
}

func isAbbreviation(text string, i int) bool {
	start := i
	for start > 0 && text[start-1] != ' ' && text[start-1] != '\n' {
		start--
	}
	word := text[start : i+1]
	for _, abbr := range abbreviations {
		if strings.EqualFold(word, abbr) {
			return true
		}
	}
	// A single capital letter before the period is an initial.
	if i >= 1 && text[i-1] >= 'A' && text[i-1] <= 'Z' {
		if i < 2 || text[i-2] == ' ' || text[i-2] == '\n' {
			return true
		}
	}
	return false
}
