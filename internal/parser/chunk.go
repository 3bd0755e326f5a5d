package parser

import (
	"strings"
	"unicode"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// Fixed-window chunking parameters, in runes.
const (
	FixedChunkSize    = 512
	FixedChunkOverlap = 50
)

// Chunk re-splits text elements. Tables are never split; paragraph and
// none keep the parser's own block boundaries.
func Chunk(elements []types.Element, strategy types.ChunkStrategy) []types.Element {
	switch strategy {
	case types.ChunkSentence:
		return rechunk(elements, sentences)
	case types.ChunkFixed:
		return rechunk(elements, func(s string) []string { return windows(s, FixedChunkSize, FixedChunkOverlap) })
	default:
		return elements
	}
}

func rechunk(elements []types.Element, split func(string) []string) []types.Element {
	out := make([]types.Element, 0, len(elements))
	for _, el := range elements {
		if el.Type == types.ElementTable {
			out = append(out, el)
			continue
		}
		for _, part := range split(el.Text) {
			c := el
			c.Text = part
			out = append(out, c)
		}
	}
	return out
}

// sentences splits after '.', '!' or '?' followed by whitespace.
func sentences(s string) []string {
	r := []rune(s)
	var (
		parts []string
		start int
	)
	for i := 0; i < len(r); i++ {
		if (r[i] == '.' || r[i] == '!' || r[i] == '?') && i+1 < len(r) && unicode.IsSpace(r[i+1]) {
			if p := strings.TrimSpace(string(r[start : i+1])); p != "" {
				parts = append(parts, p)
			}
			start = i + 1
		}
	}
	if p := strings.TrimSpace(string(r[start:])); p != "" {
		parts = append(parts, p)
	}
	return parts
}

// windows returns size-rune windows advancing by size-overlap.
func windows(s string, size, overlap int) []string {
	r := []rune(strings.TrimSpace(s))
	if len(r) == 0 {
		return nil
	}
	if len(r) <= size {
		return []string{string(r)}
	}
	step := size - overlap
	var parts []string
	for start := 0; start < len(r); start += step {
		end := min(start+size, len(r))
		parts = append(parts, string(r[start:end]))
		if end == len(r) {
			break
		}
	}
	return parts
}
