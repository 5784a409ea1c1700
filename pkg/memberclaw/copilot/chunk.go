package copilot

import "unicode/utf8"

// DefaultReplyChunkChars is the largest outbound message the transport accepts.
const DefaultReplyChunkChars = 1550

// SplitReply splits text into consecutive segments of at most max runes.
// Concatenating the segments yields text unchanged.
func SplitReply(text string, max int) []string {
	if max <= 0 {
		max = DefaultReplyChunkChars
	}
	if utf8.RuneCountInString(text) <= max {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		cut, n := 0, 0
		for cut < len(text) && n < max {
			_, size := utf8.DecodeRuneInString(text[cut:])
			cut += size
			n++
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}
