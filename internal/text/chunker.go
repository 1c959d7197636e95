package text

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	// DefaultMaxChunkSize is the stride used when the caller passes no limit.
	DefaultMaxChunkSize = 8000

	// SentenceLookback bounds how far before a hard boundary we search for a sentence end.
	SentenceLookback = 500
)

type Chunk struct {
	ID    string
	Index int
	Total int
	Text  string
}

// ChunkID labels the i-th (zero based) of n chunks as chunk-<i+1>-of-<n>.
func ChunkID(i, n int) string {
	return fmt.Sprintf("chunk-%d-of-%d", i+1, n)
}

// Split cuts text into chunks of at most maxSize runes. Each cut prefers the
// last sentence terminator inside the lookback window and falls back to the
// hard boundary. Whitespace at every cut is dropped.
func Split(text string, maxSize int) []Chunk {
	if maxSize <= 0 {
		maxSize = DefaultMaxChunkSize
	}

	runes := []rune(text)
	if len(runes) <= maxSize {
		return []Chunk{{ID: ChunkID(0, 1), Index: 0, Total: 1, Text: text}}
	}

	var parts []string
	cur := 0
	for cur < len(runes) {
		for cur < len(runes) && unicode.IsSpace(runes[cur]) {
			cur++
		}
		if cur >= len(runes) {
			break
		}

		end := cur + maxSize
		if end >= len(runes) {
			if part := strings.TrimSpace(string(runes[cur:])); part != "" {
				parts = append(parts, part)
			}
			break
		}

		cut := sentenceCut(runes, cur, end)
		if part := strings.TrimSpace(string(runes[cur:cut])); part != "" {
			parts = append(parts, part)
		}
		cur = cut
	}

	chunks := make([]Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = Chunk{ID: ChunkID(i, len(parts)), Index: i, Total: len(parts), Text: p}
	}
	return chunks
}

// sentenceCut returns the position just after the last terminator followed by
// whitespace in runes[end-SentenceLookback:end], or end when there is none.
func sentenceCut(runes []rune, start, end int) int {
	floor := end - SentenceLookback
	if floor < start {
		floor = start
	}
	for i := end - 1; i >= floor; i-- {
		if isTerminator(runes[i]) && i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			return i + 1
		}
	}
	return end
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
