package channels

import (
	"strings"
	"unicode/utf8"
)

// SplitMessage breaks text into chunks of at most limit runes, preferring
// paragraph, then line, then word boundaries. Empty text yields no chunks.
func SplitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for text != "" {
		if utf8.RuneCountInString(text) <= limit {
			chunks = append(chunks, text)
			break
		}

		window := prefixRunes(text, limit)
		cut := len(window)
		for _, sep := range []string{"\n\n", "\n", " "} {
			if i := strings.LastIndex(window, sep); i > len(window)/2 {
				cut = i
				break
			}
		}

		chunk := strings.TrimRight(text[:cut], " \n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimLeft(text[cut:], " \n")
	}
	return chunks
}

// prefixRunes returns the longest prefix of s holding at most n runes.
func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
